package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"courier/internal/store"
)

func newTestDirectory() (*Directory, *store.Memory) {
	mem := store.NewMemory()
	n := 0
	d := New(slog.New(slog.NewTextHandler(io.Discard, nil)), mem.Groups(), func() string {
		n++
		return fmt.Sprintf("group-%d", n)
	})
	return d, mem
}

func mustCreate(t *testing.T, d *Directory, creator string, members ...string) *store.Group {
	t.Helper()
	g, err := d.CreateGroup(context.Background(), creator, "team", "", "", members)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	return g
}

func TestCreateGroup_CreatorIsFirstAdmin(t *testing.T) {
	t.Parallel()

	d, _ := newTestDirectory()
	g := mustCreate(t, d, "alice", "bob", "carol", "alice", "bob")

	if len(g.Members) != 3 {
		t.Fatalf("members = %d, want 3 (duplicates collapsed)", len(g.Members))
	}
	creator := g.Member("alice")
	if creator == nil || creator.Role != store.RoleAdmin || !creator.IsActive {
		t.Fatalf("creator entry: %+v", creator)
	}
	if bob := g.Member("bob"); bob.Role != store.RoleMember {
		t.Fatalf("added member role: %+v", bob)
	}
}

func TestUpdateGroup_AdminOnly(t *testing.T) {
	t.Parallel()

	d, _ := newTestDirectory()
	g := mustCreate(t, d, "alice", "bob")
	ctx := context.Background()

	name := "renamed"
	if _, err := d.UpdateGroup(ctx, "bob", g.ID, GroupUpdate{Name: &name}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("member update: want ErrForbidden, got %v", err)
	}
	if _, err := d.UpdateGroup(ctx, "mallory", g.ID, GroupUpdate{Name: &name}); !errors.Is(err, ErrNotMember) {
		t.Fatalf("outsider update: want ErrNotMember, got %v", err)
	}

	updated, err := d.UpdateGroup(ctx, "alice", g.ID, GroupUpdate{Name: &name})
	if err != nil || updated.Name != "renamed" {
		t.Fatalf("admin update: %v %+v", err, updated)
	}
}

func TestRemoveMember_LastAdminProtected(t *testing.T) {
	t.Parallel()

	d, _ := newTestDirectory()
	g := mustCreate(t, d, "alice", "bob")
	ctx := context.Background()

	if _, err := d.RemoveMember(ctx, "alice", g.ID, "alice"); !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("want ErrLastAdmin, got %v", err)
	}

	// Promote bob, then the original admin may leave.
	if _, err := d.SetMemberRole(ctx, "alice", g.ID, "bob", store.RoleAdmin); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if _, err := d.RemoveMember(ctx, "alice", g.ID, "alice"); err != nil {
		t.Fatalf("leave after promotion: %v", err)
	}
}

func TestSetMemberRole_DemoteLastAdminRejected(t *testing.T) {
	t.Parallel()

	d, _ := newTestDirectory()
	g := mustCreate(t, d, "alice", "bob")
	ctx := context.Background()

	if _, err := d.SetMemberRole(ctx, "alice", g.ID, "alice", store.RoleMember); !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("want ErrLastAdmin, got %v", err)
	}
}

func TestRemoveMember_SelfAndAdminRules(t *testing.T) {
	t.Parallel()

	d, _ := newTestDirectory()
	g := mustCreate(t, d, "alice", "bob", "carol")
	ctx := context.Background()

	// A member may remove themselves but nobody else.
	if _, err := d.RemoveMember(ctx, "bob", g.ID, "carol"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("member removing peer: want ErrForbidden, got %v", err)
	}
	if _, err := d.RemoveMember(ctx, "bob", g.ID, "bob"); err != nil {
		t.Fatalf("self removal: %v", err)
	}

	// Removal is soft: the roster entry stays, inactive.
	got, err := d.Group(ctx, "alice", g.ID)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	entry := got.Member("bob")
	if entry == nil || entry.IsActive {
		t.Fatalf("removal must deactivate, not erase: %+v", entry)
	}

	if ok, _ := d.IsMember(ctx, g.ID, "bob"); ok {
		t.Fatal("inactive member must not count as member")
	}
}

func TestAddMember_ReactivatesRemoved(t *testing.T) {
	t.Parallel()

	d, _ := newTestDirectory()
	g := mustCreate(t, d, "alice", "bob")
	ctx := context.Background()

	if _, err := d.RemoveMember(ctx, "alice", g.ID, "bob"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	updated, err := d.AddMember(ctx, "alice", g.ID, "bob", "")
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	entry := updated.Member("bob")
	if entry == nil || !entry.IsActive || entry.Role != store.RoleMember {
		t.Fatalf("reactivated entry: %+v", entry)
	}
	if n := len(updated.Members); n != 2 {
		t.Fatalf("reactivation must not duplicate the entry: %d", n)
	}

	if _, err := d.AddMember(ctx, "alice", g.ID, "bob", ""); !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("want ErrAlreadyMember, got %v", err)
	}
}

func TestDeleteGroup(t *testing.T) {
	t.Parallel()

	d, _ := newTestDirectory()
	g := mustCreate(t, d, "alice", "bob")
	ctx := context.Background()

	if _, err := d.DeleteGroup(ctx, "bob", g.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("member delete: want ErrForbidden, got %v", err)
	}
	if _, err := d.DeleteGroup(ctx, "alice", g.ID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if _, err := d.Group(ctx, "alice", g.ID); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("want ErrGroupNotFound after delete, got %v", err)
	}
}

func TestUserGroups(t *testing.T) {
	t.Parallel()

	d, _ := newTestDirectory()
	mustCreate(t, d, "alice", "bob")
	mustCreate(t, d, "carol", "bob")
	mustCreate(t, d, "dave")

	groups, err := d.UserGroups(context.Background(), "bob")
	if err != nil {
		t.Fatalf("user groups: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("bob groups = %d, want 2", len(groups))
	}
}
