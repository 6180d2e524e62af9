package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-memory Store used in dev mode and tests. It applies the
// same filters as the Mongo implementation, in particular the
// recipient-scoped MarkRead, so authorization behavior is testable without a
// database.
type Memory struct {
	mu            sync.RWMutex
	messages      map[string]Message
	users         map[string]User
	groups        map[string]Group
	conversations map[string]Conversation

	failInserts bool
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages:      make(map[string]Message),
		users:         make(map[string]User),
		groups:        make(map[string]Group),
		conversations: make(map[string]Conversation),
	}
}

func (m *Memory) Messages() MessageStore           { return (*memoryMessages)(m) }
func (m *Memory) Users() UserStore                 { return (*memoryUsers)(m) }
func (m *Memory) Groups() GroupStore               { return (*memoryGroups)(m) }
func (m *Memory) Conversations() ConversationStore { return (*memoryConversations)(m) }

func (m *Memory) Ping(context.Context) error  { return nil }
func (m *Memory) Close(context.Context) error { return nil }

// FailInserts makes InsertMany fail until reset, for flush-failure tests.
func (m *Memory) FailInserts(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failInserts = fail
}

// SeedUser inserts a user document directly.
func (m *Memory) SeedUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// SeedMessage inserts a message document directly.
func (m *Memory) SeedMessage(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
}

// Message returns a stored message by id, for assertions.
func (m *Memory) Message(id string) (Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	return msg, ok
}

// MessageCount reports the number of stored messages.
func (m *Memory) MessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

type memoryMessages Memory

func (s *memoryMessages) InsertMany(_ context.Context, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInserts {
		return fmt.Errorf("insert_many: simulated store failure")
	}
	for _, msg := range msgs {
		if _, dup := s.messages[msg.ID]; dup {
			continue // _id uniqueness: duplicate inserts are rejected, not doubled
		}
		s.messages[msg.ID] = msg
	}
	return nil
}

func (s *memoryMessages) FindByID(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &msg, nil
}

func (s *memoryMessages) FindByIDs(_ context.Context, ids []string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := s.messages[id]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *memoryMessages) SetStatus(_ context.Context, id string, status MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Status = status
	msg.UpdatedAt = time.Now().UTC()
	s.messages[id] = msg
	return nil
}

func (s *memoryMessages) ApplyEdit(_ context.Context, id, text string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Text = text
	msg.IsEdited = true
	msg.EditedAt = &at
	msg.UpdatedAt = at
	s.messages[id] = msg
	return nil
}

func (s *memoryMessages) ApplyDelete(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Text = ""
	msg.Attachments = nil
	msg.IsDeleted = true
	msg.DeletedAt = &at
	msg.UpdatedAt = at
	s.messages[id] = msg
	return nil
}

func (s *memoryMessages) MarkRead(_ context.Context, recipientID string, ids []string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]string, 0, len(ids))
	for _, id := range ids {
		msg, ok := s.messages[id]
		if !ok || msg.RecipientID != recipientID {
			continue
		}
		msg.Status = StatusRead
		msg.ReadAt = &at
		msg.UpdatedAt = at
		s.messages[id] = msg
		matched = append(matched, id)
	}
	return matched, nil
}

type memoryUsers Memory

func (s *memoryUsers) FindByID(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *memoryUsers) SetTimezone(_ context.Context, id, timezone string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[id]
	u.ID = id
	u.Timezone = timezone
	u.UpdatedAt = at
	s.users[id] = u
	return nil
}

type memoryGroups Memory

func (s *memoryGroups) FindByID(_ context.Context, id string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := g
	cp.Members = append([]GroupMember(nil), g.Members...)
	return &cp, nil
}

func (s *memoryGroups) FindByMember(_ context.Context, userID string) ([]Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Group
	for _, g := range s.groups {
		for _, m := range g.Members {
			if m.UserID == userID && m.IsActive {
				cp := g
				cp.Members = append([]GroupMember(nil), g.Members...)
				out = append(out, cp)
				break
			}
		}
	}
	return out, nil
}

func (s *memoryGroups) Insert(_ context.Context, g Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.groups[g.ID]; dup {
		return fmt.Errorf("group %s: duplicate id", g.ID)
	}
	s.groups[g.ID] = g
	return nil
}

func (s *memoryGroups) Replace(_ context.Context, g Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.ID]; !ok {
		return ErrNotFound
	}
	s.groups[g.ID] = g
	return nil
}

func (s *memoryGroups) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		return ErrNotFound
	}
	delete(s.groups, id)
	return nil
}

type memoryConversations Memory

func (s *memoryConversations) Touch(_ context.Context, id string, participants []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		c = Conversation{ID: id, Participants: participants, CreatedAt: at}
	}
	c.LastMessageAt = at
	c.IsUnread = true
	s.conversations[id] = c
	return nil
}
