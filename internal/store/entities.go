package store

import (
	"context"
	"time"
)

const (
	userCacheSize = 1000
	userCacheTTL  = 300 * time.Second

	messageCacheSize = 5000
	messageCacheTTL  = 60 * time.Second
)

// Entities fronts the store with TTL caches for the hot lookups on the
// delivery path: sender profiles for notifications and recently sent
// messages for edit, delete, and receipt handling. Messages enter the cache
// at send time, before the write buffer has flushed them, so immediate
// follow-up operations resolve without touching the store.
type Entities struct {
	store    Store
	users    *TTLCache[string, User]
	messages *TTLCache[string, Message]
}

// NewEntities constructs the caching wrapper around store.
func NewEntities(store Store) *Entities {
	return &Entities{
		store:    store,
		users:    NewTTLCache[string, User](userCacheSize, userCacheTTL),
		messages: NewTTLCache[string, Message](messageCacheSize, messageCacheTTL),
	}
}

// Store exposes the underlying store for operations with no cache tier.
func (e *Entities) Store() Store { return e.store }

// GetUser returns the user, cache first.
func (e *Entities) GetUser(ctx context.Context, id string) (User, error) {
	if u, ok := e.users.Get(id); ok {
		return u, nil
	}
	u, err := e.store.Users().FindByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	e.users.Set(id, *u)
	return *u, nil
}

// GetMessage returns the message, cache first.
func (e *Entities) GetMessage(ctx context.Context, id string) (Message, error) {
	if msg, ok := e.messages.Get(id); ok {
		return msg, nil
	}
	msg, err := e.store.Messages().FindByID(ctx, id)
	if err != nil {
		return Message{}, err
	}
	e.messages.Set(id, *msg)
	return *msg, nil
}

// PutMessage caches a message document, typically right after it is
// scheduled for persistence.
func (e *Entities) PutMessage(msg Message) {
	e.messages.Set(msg.ID, msg)
}

// UpdateMessage applies fn to the cached copy of id, if present. The store
// copy is updated separately by the caller; the cache just has to agree.
func (e *Entities) UpdateMessage(id string, fn func(*Message)) {
	msg, ok := e.messages.Get(id)
	if !ok {
		return
	}
	fn(&msg)
	e.messages.Set(id, msg)
}
