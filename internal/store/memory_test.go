package store

import (
	"context"
	"testing"
	"time"
)

func TestConversationID_SortsPair(t *testing.T) {
	t.Parallel()

	if got := ConversationID("bob", "alice"); got != "alice_bob" {
		t.Fatalf("got %q", got)
	}
	if ConversationID("alice", "bob") != ConversationID("bob", "alice") {
		t.Fatal("conversation id must be order independent")
	}
}

func TestMessage_Validate(t *testing.T) {
	t.Parallel()

	valid := testMessage("m1")
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}

	both := testMessage("m2")
	both.GroupID = "g1"
	if err := both.Validate(); err != ErrTargetExclusivity {
		t.Fatalf("want ErrTargetExclusivity, got %v", err)
	}

	neither := testMessage("m3")
	neither.RecipientID = ""
	if err := neither.Validate(); err != ErrTargetExclusivity {
		t.Fatalf("want ErrTargetExclusivity, got %v", err)
	}

	missing := testMessage("")
	if err := missing.Validate(); err != ErrMissingField {
		t.Fatalf("want ErrMissingField, got %v", err)
	}
}

func TestMemory_InsertManySkipsDuplicates(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	ctx := context.Background()

	first := testMessage("m1")
	first.Text = "original"
	if err := mem.Messages().InsertMany(ctx, []Message{first}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	dup := testMessage("m1")
	dup.Text = "overwrite attempt"
	if err := mem.Messages().InsertMany(ctx, []Message{dup, testMessage("m2")}); err != nil {
		t.Fatalf("insert with duplicate: %v", err)
	}

	got, _ := mem.Message("m1")
	if got.Text != "original" {
		t.Fatalf("duplicate insert must not overwrite, got %q", got.Text)
	}
	if mem.MessageCount() != 2 {
		t.Fatalf("count = %d, want 2", mem.MessageCount())
	}
}

func TestMemory_MarkReadFiltersByRecipient(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	ctx := context.Background()

	mine := testMessage("mine")
	mine.RecipientID = "bob"
	other := testMessage("other")
	other.RecipientID = "carol"
	mem.SeedMessage(mine)
	mem.SeedMessage(other)

	at := time.Now().UTC()
	confirmed, err := mem.Messages().MarkRead(ctx, "bob", []string{"mine", "other", "missing"}, at)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(confirmed) != 1 || confirmed[0] != "mine" {
		t.Fatalf("confirmed = %v, want [mine]", confirmed)
	}

	got, _ := mem.Message("mine")
	if got.Status != StatusRead || got.ReadAt == nil {
		t.Fatalf("mine not marked read: %+v", got)
	}
	untouched, _ := mem.Message("other")
	if untouched.Status == StatusRead {
		t.Fatal("another recipient's message must not be marked read")
	}
}

func TestMemory_ApplyEditAndDelete(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	ctx := context.Background()
	mem.SeedMessage(testMessage("m1"))

	at := time.Now().UTC()
	if err := mem.Messages().ApplyEdit(ctx, "m1", "edited", at); err != nil {
		t.Fatalf("edit: %v", err)
	}
	got, _ := mem.Message("m1")
	if got.Text != "edited" || !got.IsEdited || got.EditedAt == nil {
		t.Fatalf("edit not applied: %+v", got)
	}

	if err := mem.Messages().ApplyDelete(ctx, "m1", at); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = mem.Message("m1")
	if !got.IsDeleted || got.Text != "" || got.Attachments != nil {
		t.Fatalf("delete must clear content: %+v", got)
	}

	if err := mem.Messages().ApplyEdit(ctx, "missing", "x", at); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestMemory_GroupsCopyOnRead(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	ctx := context.Background()

	g := Group{
		ID:        "g1",
		Name:      "team",
		CreatorID: "alice",
		Members: []GroupMember{
			{UserID: "alice", Role: RoleAdmin, IsActive: true},
			{UserID: "bob", Role: RoleMember, IsActive: true},
		},
	}
	if err := mem.Groups().Insert(ctx, g); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := mem.Groups().FindByID(ctx, "g1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	got.Members[0].IsActive = false

	again, _ := mem.Groups().FindByID(ctx, "g1")
	if !again.Members[0].IsActive {
		t.Fatal("mutating a returned roster must not affect the store")
	}
}

func TestMemory_FindByMemberSkipsInactive(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	ctx := context.Background()

	_ = mem.Groups().Insert(ctx, Group{
		ID: "g1",
		Members: []GroupMember{
			{UserID: "alice", Role: RoleAdmin, IsActive: true},
			{UserID: "bob", Role: RoleMember, IsActive: false},
		},
	})

	groups, err := mem.Groups().FindByMember(ctx, "bob")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("inactive membership must not match, got %d groups", len(groups))
	}
}

func TestMemory_ConversationTouch(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	ctx := context.Background()

	first := time.Now().UTC()
	if err := mem.Conversations().Touch(ctx, "alice_bob", []string{"alice", "bob"}, first); err != nil {
		t.Fatalf("touch: %v", err)
	}
	later := first.Add(time.Minute)
	if err := mem.Conversations().Touch(ctx, "alice_bob", []string{"alice", "bob"}, later); err != nil {
		t.Fatalf("touch again: %v", err)
	}

	mem.mu.RLock()
	c := mem.conversations["alice_bob"]
	mem.mu.RUnlock()
	if !c.CreatedAt.Equal(first) {
		t.Fatalf("created_at must stick to first touch: %v", c.CreatedAt)
	}
	if !c.LastMessageAt.Equal(later) {
		t.Fatalf("last_message_at must advance: %v", c.LastMessageAt)
	}
	if !c.IsUnread {
		t.Fatal("touch must mark unread")
	}
}
