// Package store is the document-store layer: collection interfaces, the
// Mongo-backed implementation, an in-memory implementation for tests and dev
// mode, and the infrastructure that protects the backing store (bounded
// gate, TTL caches, batched write buffer).
package store

import (
	"context"
	"time"
)

// MessageStore persists and queries message documents.
//
// Requirements:
//   - InsertMany is all-or-nothing from the buffer's point of view: a failed
//     batch is retried by the caller, duplicates are rejected by the _id key.
//   - MarkRead only touches messages whose recipient is the given reader and
//     reports which ids matched. Callers must not widen that filter.
type MessageStore interface {
	InsertMany(ctx context.Context, msgs []Message) error
	FindByID(ctx context.Context, id string) (*Message, error)
	FindByIDs(ctx context.Context, ids []string) ([]Message, error)
	SetStatus(ctx context.Context, id string, status MessageStatus) error
	ApplyEdit(ctx context.Context, id, text string, at time.Time) error
	ApplyDelete(ctx context.Context, id string, at time.Time) error
	MarkRead(ctx context.Context, recipientID string, ids []string, at time.Time) ([]string, error)
}

// UserStore reads and updates user documents.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*User, error)
	SetTimezone(ctx context.Context, id, timezone string, at time.Time) error
}

// GroupStore persists group rosters. Roster mutation logic lives in the
// directory service; this interface only moves documents.
type GroupStore interface {
	FindByID(ctx context.Context, id string) (*Group, error)
	FindByMember(ctx context.Context, userID string) ([]Group, error)
	Insert(ctx context.Context, g Group) error
	Replace(ctx context.Context, g Group) error
	Delete(ctx context.Context, id string) error
}

// ConversationStore maintains direct-conversation metadata.
type ConversationStore interface {
	Touch(ctx context.Context, id string, participants []string, at time.Time) error
}

// Store bundles the collections plus lifecycle.
type Store interface {
	Messages() MessageStore
	Users() UserStore
	Groups() GroupStore
	Conversations() ConversationStore

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
