package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	// Timezone validation must work without system zoneinfo.
	_ "time/tzdata"

	"courier/internal/directory"
	"courier/internal/metrics"
	"courier/internal/notify"
	"courier/internal/protocol"
	"courier/internal/store"
)

// Handlers routes validated inbound envelopes to their per-type logic. The
// gateway owns transport concerns (auth, rate limits, heartbeats); Handlers
// owns the messaging semantics.
type Handlers struct {
	log      *slog.Logger
	met      *metrics.Metrics
	manager  *Manager
	entities *store.Entities
	buffer   *store.WriteBuffer
	receipts *ReceiptAggregator
	dir      *directory.Directory
	notifier notify.Notifier

	messages      store.MessageStore
	users         store.UserStore
	conversations store.ConversationStore

	now func() time.Time
}

// HandlersOption configures Handlers.
type HandlersOption func(*Handlers)

// WithHandlersClock overrides the clock, for deterministic tests.
func WithHandlersClock(now func() time.Time) HandlersOption {
	return func(h *Handlers) { h.now = now }
}

// NewHandlers wires the dispatch layer.
func NewHandlers(
	log *slog.Logger,
	met *metrics.Metrics,
	manager *Manager,
	entities *store.Entities,
	buffer *store.WriteBuffer,
	receipts *ReceiptAggregator,
	dir *directory.Directory,
	notifier notify.Notifier,
	opts ...HandlersOption,
) *Handlers {
	st := entities.Store()
	h := &Handlers{
		log:           log,
		met:           met,
		manager:       manager,
		entities:      entities,
		buffer:        buffer,
		receipts:      receipts,
		dir:           dir,
		notifier:      notifier,
		messages:      st.Messages(),
		users:         st.Users(),
		conversations: st.Conversations(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Dispatch handles one inbound envelope from c. Rejections surface as error
// envelopes on the originating connection; Dispatch itself only returns an
// error for transport-level failures, which it never produces today.
func (h *Handlers) Dispatch(ctx context.Context, c *Client, env protocol.Envelope) {
	h.met.FramesIn.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case protocol.TypeMessage, protocol.TypeReply:
		h.handleSend(ctx, c, env)
	case protocol.TypeEdit:
		h.handleEdit(ctx, c, env)
	case protocol.TypeDelete:
		h.handleDelete(ctx, c, env)
	case protocol.TypeTyping:
		h.handleTyping(ctx, c, env)
	case protocol.TypePresence:
		h.handlePresence(c, env)
	case protocol.TypeTimezone:
		h.handleTimezone(ctx, c, env)
	case protocol.TypeReadReceipt:
		h.handleReadReceipt(ctx, c, env)
	case protocol.TypeReadReceiptBatch:
		h.handleReadReceiptBatch(ctx, c, env)
	case protocol.TypePing:
		h.sendToOrigin(c, protocol.NewPong(env.Timestamp))
	default:
		h.sendError(c, protocol.CodeNum(400), fmt.Sprintf("Unknown message type: %s", env.Type))
	}
}

func (h *Handlers) handleSend(ctx context.Context, c *Client, env protocol.Envelope) {
	direct := env.To != ""
	group := env.GroupID != ""
	if direct == group {
		h.sendError(c, protocol.CodeNum(400), "Message requires exactly one of to or group_id")
		return
	}

	var p protocol.MessagePayload
	if err := unmarshalPayload(env.Payload, &p); err != nil {
		h.sendError(c, protocol.CodeNum(400), "Invalid message payload")
		return
	}
	if strings.TrimSpace(p.Text) == "" && len(p.Attachments) == 0 {
		h.sendError(c, protocol.CodeNum(400), "Message requires text or attachments")
		return
	}
	if len([]rune(p.Text)) > maxMessageChars {
		h.sendError(c, protocol.CodeNum(400), "Message too long")
		return
	}
	if env.Type == protocol.TypeReply {
		if p.ReplyTo == "" {
			h.sendError(c, protocol.CodeNum(400), "Reply requires reply_to")
			return
		}
		if _, err := h.entities.GetMessage(ctx, p.ReplyTo); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				h.sendError(c, protocol.CodeStr("NOT_FOUND"), "Replied-to message not found")
			} else {
				h.log.Error("reply.lookup.fail", "message", p.ReplyTo, "err", err)
				h.sendError(c, protocol.CodeStr("DB_ERROR"), "Message lookup failed")
			}
			return
		}
	}

	now := h.now().UTC()
	if p.ID == "" {
		p.ID = NewMessageID(now)
	}
	if p.Timestamp == "" {
		p.Timestamp = now.Format(time.RFC3339)
	}

	doc := store.Message{
		ID:          p.ID,
		SenderID:    c.UserID,
		RecipientID: env.To,
		GroupID:     env.GroupID,
		Type:        env.Type,
		Text:        p.Text,
		Attachments: p.Attachments,
		ReplyTo:     p.ReplyTo,
		Timestamp:   p.Timestamp,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if tz, ok := h.manager.Timezone(c.UserID); ok {
		doc.SenderTimezone = tz
	}

	if direct {
		h.sendDirect(ctx, c, env, p, doc, now)
		return
	}
	h.sendGroup(ctx, c, env, p, doc)
}

func (h *Handlers) sendDirect(ctx context.Context, c *Client, env protocol.Envelope, p protocol.MessagePayload, doc store.Message, now time.Time) {
	doc.ConversationID = store.ConversationID(c.UserID, env.To)
	if tz, ok := h.manager.Timezone(env.To); ok {
		doc.RecipientTimezone = tz
	}

	out := protocol.Envelope{
		Type:    env.Type,
		From:    c.UserID,
		To:      env.To,
		Payload: protocol.MustPayload(p),
	}
	delivered := h.manager.SendToUser(env.To, out) > 0
	if delivered {
		doc.Status = store.StatusDelivered
	} else {
		doc.Status = store.StatusSent
	}

	if err := doc.Validate(); err != nil {
		h.sendError(c, protocol.CodeNum(400), err.Error())
		return
	}
	h.entities.PutMessage(doc)
	h.buffer.Schedule(doc)

	if err := h.conversations.Touch(ctx, doc.ConversationID, []string{c.UserID, env.To}, now); err != nil {
		h.log.Error("send.conversation.fail", "conversation", doc.ConversationID, "err", err)
	}

	// Sync the sender's other devices, then confirm to the origin.
	h.manager.SendToUserExcept(c.UserID, c.ConnID, out)
	h.sendToOrigin(c, protocol.Envelope{
		Type: protocol.TypeDeliveryReceipt,
		To:   c.UserID,
		Payload: protocol.MustPayload(protocol.DeliveryReceiptPayload{
			MessageID: doc.ID,
			Status:    string(doc.Status),
			Timestamp: doc.Timestamp,
		}),
	})

	if !delivered {
		h.pushNewMessage(ctx, c.UserID, env.To, doc, now)
	}
}

func (h *Handlers) sendGroup(ctx context.Context, c *Client, env protocol.Envelope, p protocol.MessagePayload, doc store.Message) {
	doc.ConversationID = env.GroupID
	doc.Status = store.StatusSent

	out := protocol.Envelope{
		Type:    env.Type,
		From:    c.UserID,
		GroupID: env.GroupID,
		Payload: protocol.MustPayload(p),
	}
	if _, ok := h.fanOutGroup(ctx, c, env.GroupID, out); !ok {
		return
	}

	if err := doc.Validate(); err != nil {
		h.sendError(c, protocol.CodeNum(400), err.Error())
		return
	}
	h.entities.PutMessage(doc)
	h.buffer.Schedule(doc)

	h.sendToOrigin(c, protocol.Envelope{
		Type: protocol.TypeDeliveryReceipt,
		To:   c.UserID,
		Payload: protocol.MustPayload(protocol.DeliveryReceiptPayload{
			MessageID: doc.ID,
			Status:    string(doc.Status),
			Timestamp: doc.Timestamp,
		}),
	})
}

// fanOutGroup delivers env to every active member except the sender, all of
// the sender's devices included in the exclusion. Membership errors are
// reported to the origin and ok is false.
func (h *Handlers) fanOutGroup(ctx context.Context, c *Client, groupID string, env protocol.Envelope) (int, bool) {
	if h.manager.InGroup(c.UserID, groupID) {
		return h.manager.SendToGroup(groupID, c.UserID, env), true
	}

	g, err := h.dir.Group(ctx, c.UserID, groupID)
	switch {
	case errors.Is(err, directory.ErrGroupNotFound):
		h.sendError(c, protocol.CodeStr("NOT_FOUND"), "Group not found")
		return 0, false
	case errors.Is(err, directory.ErrNotMember):
		h.sendError(c, protocol.CodeStr("NOT_MEMBER"), "Not a member of this group")
		return 0, false
	case err != nil:
		h.log.Error("group.fanout.fail", "group", groupID, "err", err)
		h.sendError(c, protocol.CodeStr("DB_ERROR"), "Group lookup failed")
		return 0, false
	}

	h.manager.JoinGroup(c.UserID, groupID)
	n := 0
	for _, m := range g.Members {
		if !m.IsActive || m.UserID == c.UserID {
			continue
		}
		h.manager.JoinGroup(m.UserID, groupID)
		n += h.manager.SendToUser(m.UserID, env)
	}
	return n, true
}

func (h *Handlers) handleEdit(ctx context.Context, c *Client, env protocol.Envelope) {
	var p protocol.EditPayload
	if err := unmarshalPayload(env.Payload, &p); err != nil || p.MessageID == "" {
		h.sendError(c, protocol.CodeNum(400), "Invalid edit payload")
		return
	}

	msg, ok := h.ownedMessage(ctx, c, p.MessageID)
	if !ok {
		return
	}

	at := parseTime(p.EditedAt, h.now().UTC())
	if err := h.applyWithFlushRetry(ctx, func() error {
		return h.messages.ApplyEdit(ctx, p.MessageID, p.Text, at)
	}); err != nil {
		h.log.Error("edit.fail", "message", p.MessageID, "err", err)
		h.sendError(c, protocol.CodeStr("DB_ERROR"), "Edit failed")
		return
	}
	h.entities.UpdateMessage(p.MessageID, func(m *store.Message) {
		m.Text = p.Text
		m.IsEdited = true
		m.EditedAt = &at
		m.UpdatedAt = at
	})

	out := protocol.Envelope{
		Type:    protocol.TypeEdit,
		From:    c.UserID,
		To:      msg.RecipientID,
		GroupID: msg.GroupID,
		Payload: protocol.MustPayload(p),
	}
	h.forwardMutation(ctx, c, msg, out)
}

func (h *Handlers) handleDelete(ctx context.Context, c *Client, env protocol.Envelope) {
	var p protocol.DeletePayload
	if err := unmarshalPayload(env.Payload, &p); err != nil || p.MessageID == "" {
		h.sendError(c, protocol.CodeNum(400), "Invalid delete payload")
		return
	}

	msg, ok := h.ownedMessage(ctx, c, p.MessageID)
	if !ok {
		return
	}

	at := parseTime(p.DeletedAt, h.now().UTC())
	if err := h.applyWithFlushRetry(ctx, func() error {
		return h.messages.ApplyDelete(ctx, p.MessageID, at)
	}); err != nil {
		h.log.Error("delete.fail", "message", p.MessageID, "err", err)
		h.sendError(c, protocol.CodeStr("DB_ERROR"), "Delete failed")
		return
	}
	h.entities.UpdateMessage(p.MessageID, func(m *store.Message) {
		m.Text = ""
		m.Attachments = nil
		m.IsDeleted = true
		m.DeletedAt = &at
		m.UpdatedAt = at
	})

	out := protocol.Envelope{
		Type:    protocol.TypeDelete,
		From:    c.UserID,
		To:      msg.RecipientID,
		GroupID: msg.GroupID,
		Payload: protocol.MustPayload(p),
	}
	h.forwardMutation(ctx, c, msg, out)
}

// ownedMessage resolves the message and enforces that c's user is its
// sender. Failures are reported to the origin.
func (h *Handlers) ownedMessage(ctx context.Context, c *Client, messageID string) (store.Message, bool) {
	msg, err := h.entities.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		h.sendError(c, protocol.CodeStr("NOT_FOUND"), "Message not found")
		return store.Message{}, false
	}
	if err != nil {
		h.log.Error("message.lookup.fail", "message", messageID, "err", err)
		h.sendError(c, protocol.CodeStr("DB_ERROR"), "Message lookup failed")
		return store.Message{}, false
	}
	if msg.SenderID != c.UserID {
		h.sendError(c, protocol.CodeStr("FORBIDDEN"), "Not the message sender")
		return store.Message{}, false
	}
	return msg, true
}

// applyWithFlushRetry runs a store mutation, flushing the write buffer and
// retrying once when the target document has not been persisted yet.
func (h *Handlers) applyWithFlushRetry(ctx context.Context, op func() error) error {
	err := op()
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	h.buffer.Flush(ctx)
	return op()
}

// forwardMutation routes an edit or delete to the message's audience plus
// the sender's other devices.
func (h *Handlers) forwardMutation(ctx context.Context, c *Client, msg store.Message, out protocol.Envelope) {
	if msg.GroupID != "" {
		h.fanOutGroup(ctx, c, msg.GroupID, out)
	} else if msg.RecipientID != "" {
		h.manager.SendToUser(msg.RecipientID, out)
	}
	h.manager.SendToUserExcept(c.UserID, c.ConnID, out)
}

func (h *Handlers) handleTyping(ctx context.Context, c *Client, env protocol.Envelope) {
	var p protocol.TypingPayload
	if err := unmarshalPayload(env.Payload, &p); err != nil {
		h.sendError(c, protocol.CodeNum(400), "Invalid typing payload")
		return
	}

	out := protocol.Envelope{
		Type:    protocol.TypeTyping,
		From:    c.UserID,
		To:      env.To,
		GroupID: env.GroupID,
		Payload: protocol.MustPayload(p),
	}
	switch {
	case env.GroupID != "":
		h.manager.SetTyping(c.UserID, env.GroupID, p.IsTyping)
		h.fanOutGroup(ctx, c, env.GroupID, out)
	case env.To != "":
		h.manager.SetTyping(c.UserID, env.To, p.IsTyping)
		h.manager.SendToUser(env.To, out)
	default:
		h.sendError(c, protocol.CodeNum(400), "Typing requires to or group_id")
	}
}

func (h *Handlers) handlePresence(c *Client, env protocol.Envelope) {
	var p protocol.PresencePayload
	if err := unmarshalPayload(env.Payload, &p); err != nil || p.Status == "" {
		h.sendError(c, protocol.CodeNum(400), "Invalid presence payload")
		return
	}
	h.manager.SetPresence(c.UserID, p.Status, p.LastSeen)
}

func (h *Handlers) handleTimezone(ctx context.Context, c *Client, env protocol.Envelope) {
	var p protocol.TimezonePayload
	if err := unmarshalPayload(env.Payload, &p); err != nil {
		h.sendError(c, protocol.CodeNum(400), "Invalid timezone payload")
		return
	}

	if p.VerifyOnly {
		tz, _ := h.manager.Timezone(c.UserID)
		h.sendToOrigin(c, protocol.Envelope{
			Type:    protocol.TypeTimezone,
			To:      c.UserID,
			Payload: protocol.MustPayload(protocol.TimezonePayload{Timezone: tz}),
		})
		return
	}

	tz := strings.TrimSpace(p.Timezone)
	if _, err := time.LoadLocation(tz); err != nil || tz == "" {
		h.sendError(c, protocol.CodeNum(400), "Invalid timezone")
		return
	}

	cur, known := h.manager.Timezone(c.UserID)
	if !known {
		if u, err := h.entities.GetUser(ctx, c.UserID); err == nil && u.Timezone != "" {
			cur, known = u.Timezone, true
		}
	}
	if known && cur == tz {
		h.manager.SetTimezone(c.UserID, tz)
		h.sendToOrigin(c, protocol.NewStatus(c.UserID, "timezone_unchanged", "", map[string]any{"timezone": tz}))
		return
	}
	h.manager.SetTimezone(c.UserID, tz)
	if err := h.users.SetTimezone(ctx, c.UserID, tz, h.now().UTC()); err != nil {
		h.log.Error("timezone.persist.fail", "user", c.UserID, "err", err)
	}
	h.sendToOrigin(c, protocol.NewStatus(c.UserID, "timezone_updated", "", map[string]any{"timezone": tz}))
}

func (h *Handlers) handleReadReceipt(ctx context.Context, c *Client, env protocol.Envelope) {
	var p protocol.ReadReceiptPayload
	if err := unmarshalPayload(env.Payload, &p); err != nil || p.MessageID == "" {
		h.sendError(c, protocol.CodeNum(400), "Invalid read receipt payload")
		return
	}

	msg, err := h.entities.GetMessage(ctx, p.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.sendError(c, protocol.CodeStr("NOT_FOUND"), "Message not found")
		} else {
			h.log.Error("receipt.lookup.fail", "message", p.MessageID, "err", err)
			h.sendError(c, protocol.CodeStr("DB_ERROR"), "Message lookup failed")
		}
		return
	}
	senderID := env.To
	if senderID == "" {
		senderID = msg.SenderID
	}

	h.receipts.Enqueue(ReadEvent{
		MessageID:  p.MessageID,
		ReaderID:   c.UserID,
		SenderID:   senderID,
		OriginConn: c.ConnID,
		At:         h.now().UTC(),
	})
}

func (h *Handlers) handleReadReceiptBatch(ctx context.Context, c *Client, env protocol.Envelope) {
	var p protocol.ReadReceiptBatchPayload
	if err := unmarshalPayload(env.Payload, &p); err != nil || len(p.MessageIDs) == 0 {
		h.sendError(c, protocol.CodeNum(400), "Invalid read receipt batch payload")
		return
	}
	senderID := p.ContactID
	if senderID == "" {
		senderID = env.To
	}
	if senderID == "" {
		h.sendError(c, protocol.CodeNum(400), "Read receipt batch requires contact id")
		return
	}

	ids := make([]string, 0, len(p.MessageIDs))
	for _, id := range p.MessageIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	// The client already aggregated these, so they skip the queue and its
	// flush delay. Persistence happens in bounded chunks.
	h.receipts.ProcessBatch(ctx, c.UserID, senderID, c.ConnID, ids, h.now().UTC())
}

func (h *Handlers) pushNewMessage(ctx context.Context, senderID, recipientID string, doc store.Message, now time.Time) {
	senderName := senderID
	if u, err := h.entities.GetUser(ctx, senderID); err == nil && u.DisplayName != "" {
		senderName = u.DisplayName
	}
	title, body, data := notify.NewMessage(senderID, senderName, doc.ID, doc.Text, now)
	if h.notifier.Notify(ctx, recipientID, title, body, data) {
		h.met.Notifications.Inc()
	}
}

func (h *Handlers) sendError(c *Client, code protocol.Code, message string) {
	env := protocol.NewError(c.UserID, code, message)
	if !h.manager.SendToConnection(c.ConnID, env) {
		h.log.Warn("error.drop", "conn", c.ConnID, "code", code.String())
	}
}

func (h *Handlers) sendToOrigin(c *Client, env protocol.Envelope) {
	h.manager.SendToConnection(c.ConnID, env)
}

func unmarshalPayload(raw []byte, v any) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(raw, v)
}

func parseTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return fallback
}
