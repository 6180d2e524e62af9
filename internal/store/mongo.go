package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig holds connection and pool knobs for the backing store.
type MongoConfig struct {
	URI      string
	Database string

	MaxPoolSize    uint64
	MinPoolSize    uint64
	MaxConnIdle    time.Duration
	SocketTimeout  time.Duration
	ConnectTimeout time.Duration
	SelectTimeout  time.Duration

	GateCapacity int64
}

// Mongo is the document-store implementation backed by MongoDB. All
// operations pass through the bounded gate.
type Mongo struct {
	log    *slog.Logger
	client *mongo.Client
	gate   *Gate

	messages      *mongo.Collection
	users         *mongo.Collection
	groups        *mongo.Collection
	conversations *mongo.Collection
}

// ConnectMongo connects, pings, and ensures the secondary indexes the
// messaging queries rely on.
func ConnectMongo(ctx context.Context, log *slog.Logger, cfg MongoConfig) (*Mongo, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize).
		SetMaxConnIdleTime(cfg.MaxConnIdle).
		SetTimeout(cfg.SocketTimeout).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.SelectTimeout).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(cfg.Database)
	m := &Mongo{
		log:           log,
		client:        client,
		gate:          NewGate(cfg.GateCapacity),
		messages:      db.Collection("messages"),
		users:         db.Collection("users"),
		groups:        db.Collection("groups"),
		conversations: db.Collection("conversations"),
	}

	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	log.Info("mongo.connected", "database", cfg.Database)
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	idx := func(keys bson.D) mongo.IndexModel { return mongo.IndexModel{Keys: keys} }

	_, err := m.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		idx(bson.D{{Key: "conversation_id", Value: 1}}),
		idx(bson.D{{Key: "sender_id", Value: 1}}),
		idx(bson.D{{Key: "recipient_id", Value: 1}}),
		idx(bson.D{{Key: "group_id", Value: 1}}),
		idx(bson.D{{Key: "created_at", Value: 1}}),
		idx(bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}}),
		idx(bson.D{{Key: "group_id", Value: 1}, {Key: "created_at", Value: -1}}),
		idx(bson.D{{Key: "reply_to", Value: 1}}),
	})
	if err != nil {
		return fmt.Errorf("mongo indexes: %w", err)
	}

	_, err = m.groups.Indexes().CreateMany(ctx, []mongo.IndexModel{
		idx(bson.D{{Key: "members.user_id", Value: 1}}),
	})
	if err != nil {
		return fmt.Errorf("mongo group indexes: %w", err)
	}
	return nil
}

func (m *Mongo) Messages() MessageStore           { return (*mongoMessages)(m) }
func (m *Mongo) Users() UserStore                 { return (*mongoUsers)(m) }
func (m *Mongo) Groups() GroupStore               { return (*mongoGroups)(m) }
func (m *Mongo) Conversations() ConversationStore { return (*mongoConversations)(m) }

func (m *Mongo) Ping(ctx context.Context) error { return m.client.Ping(ctx, nil) }

func (m *Mongo) Close(ctx context.Context) error { return m.client.Disconnect(ctx) }

type mongoMessages Mongo

func (s *mongoMessages) InsertMany(ctx context.Context, msgs []Message) error {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	docs := make([]any, len(msgs))
	for i := range msgs {
		docs[i] = msgs[i]
	}
	// Unordered so one duplicate key does not sink the rest of the batch.
	_, err = s.messages.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !allDuplicateKeys(err) {
		return fmt.Errorf("insert_many: %w", err)
	}
	return nil
}

func (s *mongoMessages) FindByID(ctx context.Context, id string) (*Message, error) {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var msg Message
	err = s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find message %s: %w", id, err)
	}
	return &msg, nil
}

func (s *mongoMessages) FindByIDs(ctx context.Context, ids []string) ([]Message, error) {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	cur, err := s.messages.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	var out []Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return out, nil
}

func (s *mongoMessages) SetStatus(ctx context.Context, id string, status MessageStatus) error {
	return s.update(ctx, id, bson.M{"status": status})
}

func (s *mongoMessages) ApplyEdit(ctx context.Context, id, text string, at time.Time) error {
	return s.update(ctx, id, bson.M{
		"text":       text,
		"is_edited":  true,
		"edited_at":  at,
		"updated_at": at,
	})
}

func (s *mongoMessages) ApplyDelete(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, bson.M{
		"text":        "",
		"attachments": []any{},
		"is_deleted":  true,
		"deleted_at":  at,
		"updated_at":  at,
	})
}

func (s *mongoMessages) update(ctx context.Context, id string, set bson.M) error {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	res, err := s.messages.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *mongoMessages) MarkRead(ctx context.Context, recipientID string, ids []string, at time.Time) ([]string, error) {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	// Authorization by filtering: only messages addressed to the reader match.
	filter := bson.M{"_id": bson.M{"$in": ids}, "recipient_id": recipientID}

	cur, err := s.messages.Find(ctx, filter,
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("mark read find: %w", err)
	}
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("mark read decode: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	matched := make([]string, len(rows))
	for i, r := range rows {
		matched[i] = r.ID
	}

	_, err = s.messages.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": matched}, "recipient_id": recipientID},
		bson.M{"$set": bson.M{"status": StatusRead, "read_at": at, "updated_at": at}})
	if err != nil {
		return nil, fmt.Errorf("mark read update: %w", err)
	}
	return matched, nil
}

func allDuplicateKeys(err error) bool {
	var bulk mongo.BulkWriteException
	if !errors.As(err, &bulk) {
		return false
	}
	if len(bulk.WriteErrors) == 0 {
		return false
	}
	for _, we := range bulk.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return true
}

type mongoUsers Mongo

func (s *mongoUsers) FindByID(ctx context.Context, id string) (*User, error) {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var u User
	err = s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user %s: %w", id, err)
	}
	return &u, nil
}

func (s *mongoUsers) SetTimezone(ctx context.Context, id, timezone string, at time.Time) error {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.users.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"timezone": timezone, "updated_at": at}})
	if err != nil {
		return fmt.Errorf("set timezone %s: %w", id, err)
	}
	return nil
}

type mongoGroups Mongo

func (s *mongoGroups) FindByID(ctx context.Context, id string) (*Group, error) {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var g Group
	err = s.groups.FindOne(ctx, bson.M{"_id": id}).Decode(&g)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find group %s: %w", id, err)
	}
	return &g, nil
}

func (s *mongoGroups) FindByMember(ctx context.Context, userID string) ([]Group, error) {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	filter := bson.M{"members": bson.M{"$elemMatch": bson.M{"user_id": userID, "is_active": true}}}
	cur, err := s.groups.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find groups for %s: %w", userID, err)
	}
	var out []Group
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	return out, nil
}

func (s *mongoGroups) Insert(ctx context.Context, g Group) error {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := s.groups.InsertOne(ctx, g); err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

func (s *mongoGroups) Replace(ctx context.Context, g Group) error {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	res, err := s.groups.ReplaceOne(ctx, bson.M{"_id": g.ID}, g)
	if err != nil {
		return fmt.Errorf("replace group %s: %w", g.ID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *mongoGroups) Delete(ctx context.Context, id string) error {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	res, err := s.groups.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete group %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

type mongoConversations Mongo

func (s *mongoConversations) Touch(ctx context.Context, id string, participants []string, at time.Time) error {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.conversations.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$set":         bson.M{"last_message_at": at, "is_unread": true},
			"$setOnInsert": bson.M{"participants": participants, "created_at": at},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("touch conversation %s: %w", id, err)
	}
	return nil
}
