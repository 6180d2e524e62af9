// Package directory manages group membership and roles on top of the group
// store. It owns the authorization rules for group mutations; the realtime
// layer only fans out the resulting events.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"courier/internal/store"
)

var (
	// ErrGroupNotFound is returned when the group id resolves to nothing.
	ErrGroupNotFound = errors.New("directory: group not found")
	// ErrNotMember is returned when the acting user is not an active member.
	ErrNotMember = errors.New("directory: not a member")
	// ErrForbidden is returned when the acting user lacks the admin role.
	ErrForbidden = errors.New("directory: admin role required")
	// ErrLastAdmin is returned when a change would leave the group with no
	// active admin.
	ErrLastAdmin = errors.New("directory: group must keep at least one active admin")
	// ErrAlreadyMember is returned when adding a user who is already active.
	ErrAlreadyMember = errors.New("directory: already a member")
)

// Directory is the group management service.
type Directory struct {
	log    *slog.Logger
	groups store.GroupStore
	newID  func() string
	now    func() time.Time
}

// Option configures a Directory.
type Option func(*Directory)

// WithClock overrides the directory's clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// WithIDFunc overrides group id generation.
func WithIDFunc(newID func() string) Option {
	return func(d *Directory) { d.newID = newID }
}

// New constructs a Directory over groups.
func New(log *slog.Logger, groups store.GroupStore, newID func() string, opts ...Option) *Directory {
	d := &Directory{
		log:    log,
		groups: groups,
		newID:  newID,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CreateGroup creates a group with the creator as its first admin member.
// Any of memberIDs equal to the creator are ignored; the rest join as
// members.
func (d *Directory) CreateGroup(ctx context.Context, creatorID, name, description, avatar string, memberIDs []string) (*store.Group, error) {
	now := d.now().UTC()
	g := store.Group{
		ID:          d.newID(),
		Name:        name,
		Description: description,
		Avatar:      avatar,
		CreatorID:   creatorID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Members: []store.GroupMember{{
			UserID:   creatorID,
			Role:     store.RoleAdmin,
			JoinedAt: now,
			IsActive: true,
		}},
	}
	seen := map[string]bool{creatorID: true}
	for _, id := range memberIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		g.Members = append(g.Members, store.GroupMember{
			UserID:   id,
			Role:     store.RoleMember,
			JoinedAt: now,
			IsActive: true,
		})
	}

	if err := d.groups.Insert(ctx, g); err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	d.log.Info("directory.group.created", "group", g.ID, "by", creatorID, "members", len(g.Members))
	return &g, nil
}

// GroupUpdate carries the mutable group attributes. Nil fields are left
// unchanged.
type GroupUpdate struct {
	Name        *string
	Description *string
	Avatar      *string
}

// UpdateGroup applies upd to the group. Admin only.
func (d *Directory) UpdateGroup(ctx context.Context, actorID, groupID string, upd GroupUpdate) (*store.Group, error) {
	g, err := d.adminGroup(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		g.Name = *upd.Name
	}
	if upd.Description != nil {
		g.Description = *upd.Description
	}
	if upd.Avatar != nil {
		g.Avatar = *upd.Avatar
	}
	g.UpdatedAt = d.now().UTC()

	if err := d.groups.Replace(ctx, *g); err != nil {
		return nil, fmt.Errorf("update group %s: %w", groupID, err)
	}
	return g, nil
}

// DeleteGroup removes the group entirely. Admin only.
func (d *Directory) DeleteGroup(ctx context.Context, actorID, groupID string) (*store.Group, error) {
	g, err := d.adminGroup(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	if err := d.groups.Delete(ctx, groupID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("delete group %s: %w", groupID, err)
	}
	d.log.Info("directory.group.deleted", "group", groupID, "by", actorID)
	return g, nil
}

// AddMember adds userID as an active member. Admin only. Re-adding a
// previously removed member reactivates the existing entry.
func (d *Directory) AddMember(ctx context.Context, actorID, groupID, userID, role string) (*store.Group, error) {
	g, err := d.adminGroup(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	if role == "" {
		role = store.RoleMember
	}
	now := d.now().UTC()

	if m := g.Member(userID); m != nil {
		if m.IsActive {
			return nil, ErrAlreadyMember
		}
		m.IsActive = true
		m.Role = role
		m.JoinedAt = now
	} else {
		g.Members = append(g.Members, store.GroupMember{
			UserID:   userID,
			Role:     role,
			JoinedAt: now,
			IsActive: true,
		})
	}
	g.UpdatedAt = now

	if err := d.groups.Replace(ctx, *g); err != nil {
		return nil, fmt.Errorf("add member to %s: %w", groupID, err)
	}
	return g, nil
}

// RemoveMember deactivates userID's membership. Admins can remove anyone;
// any member can remove themselves. Removal that would leave the group
// without an active admin is rejected.
func (d *Directory) RemoveMember(ctx context.Context, actorID, groupID, userID string) (*store.Group, error) {
	g, err := d.memberGroup(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	actor := g.Member(actorID)
	if actorID != userID && actor.Role != store.RoleAdmin {
		return nil, ErrForbidden
	}
	target := g.Member(userID)
	if target == nil || !target.IsActive {
		return nil, ErrNotMember
	}
	if target.Role == store.RoleAdmin && g.ActiveAdmins() == 1 {
		return nil, ErrLastAdmin
	}

	target.IsActive = false
	g.UpdatedAt = d.now().UTC()

	if err := d.groups.Replace(ctx, *g); err != nil {
		return nil, fmt.Errorf("remove member from %s: %w", groupID, err)
	}
	return g, nil
}

// SetMemberRole changes userID's role. Admin only. Demoting the last active
// admin is rejected.
func (d *Directory) SetMemberRole(ctx context.Context, actorID, groupID, userID, role string) (*store.Group, error) {
	g, err := d.adminGroup(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	target := g.Member(userID)
	if target == nil || !target.IsActive {
		return nil, ErrNotMember
	}
	if target.Role == store.RoleAdmin && role != store.RoleAdmin && g.ActiveAdmins() == 1 {
		return nil, ErrLastAdmin
	}

	target.Role = role
	g.UpdatedAt = d.now().UTC()

	if err := d.groups.Replace(ctx, *g); err != nil {
		return nil, fmt.Errorf("set role in %s: %w", groupID, err)
	}
	return g, nil
}

// UserGroups lists the groups where userID is an active member.
func (d *Directory) UserGroups(ctx context.Context, userID string) ([]store.Group, error) {
	return d.groups.FindByMember(ctx, userID)
}

// GroupMembers returns the active members of the group. Members only.
func (d *Directory) GroupMembers(ctx context.Context, actorID, groupID string) ([]store.GroupMember, error) {
	g, err := d.memberGroup(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	var out []store.GroupMember
	for _, m := range g.Members {
		if m.IsActive {
			out = append(out, m)
		}
	}
	return out, nil
}

// IsMember reports whether userID is an active member of the group.
func (d *Directory) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	g, err := d.groups.FindByID(ctx, groupID)
	if errors.Is(err, store.ErrNotFound) {
		return false, ErrGroupNotFound
	}
	if err != nil {
		return false, err
	}
	m := g.Member(userID)
	return m != nil && m.IsActive, nil
}

// Group returns the group document. Members only.
func (d *Directory) Group(ctx context.Context, actorID, groupID string) (*store.Group, error) {
	return d.memberGroup(ctx, actorID, groupID)
}

func (d *Directory) memberGroup(ctx context.Context, actorID, groupID string) (*store.Group, error) {
	g, err := d.groups.FindByID(ctx, groupID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}
	m := g.Member(actorID)
	if m == nil || !m.IsActive {
		return nil, ErrNotMember
	}
	return g, nil
}

func (d *Directory) adminGroup(ctx context.Context, actorID, groupID string) (*store.Group, error) {
	g, err := d.memberGroup(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	if g.Member(actorID).Role != store.RoleAdmin {
		return nil, ErrForbidden
	}
	return g, nil
}
