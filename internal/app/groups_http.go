package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"courier/internal/directory"
	"courier/internal/identity"
	"courier/internal/protocol"
	"courier/internal/realtime"
	"courier/internal/store"
)

// GroupsAPI is the REST surface for group management. Mutations fan
// group_* notification frames out to the affected members through the
// connection manager.
type GroupsAPI struct {
	log      *slog.Logger
	verifier identity.Verifier
	dir      *directory.Directory
	manager  *realtime.Manager
}

// NewGroupsAPI wires the group REST handlers.
func NewGroupsAPI(log *slog.Logger, verifier identity.Verifier, dir *directory.Directory, manager *realtime.Manager) *GroupsAPI {
	return &GroupsAPI{log: log, verifier: verifier, dir: dir, manager: manager}
}

// Register mounts the group routes on mux.
func (a *GroupsAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /groups", a.withAuth(a.createGroup))
	mux.HandleFunc("GET /groups", a.withAuth(a.listGroups))
	mux.HandleFunc("GET /groups/{id}", a.withAuth(a.getGroup))
	mux.HandleFunc("PATCH /groups/{id}", a.withAuth(a.updateGroup))
	mux.HandleFunc("DELETE /groups/{id}", a.withAuth(a.deleteGroup))
	mux.HandleFunc("GET /groups/{id}/members", a.withAuth(a.listMembers))
	mux.HandleFunc("POST /groups/{id}/members", a.withAuth(a.addMember))
	mux.HandleFunc("DELETE /groups/{id}/members/{userID}", a.withAuth(a.removeMember))
	mux.HandleFunc("PATCH /groups/{id}/members/{userID}", a.withAuth(a.setMemberRole))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, actor identity.Identity)

func (a *GroupsAPI) withAuth(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		id, err := a.verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		h(w, r, id)
	}
}

func (a *GroupsAPI) createGroup(w http.ResponseWriter, r *http.Request, actor identity.Identity) {
	var req struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Avatar      string   `json:"avatar"`
		MemberIDs   []string `json:"member_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	g, err := a.dir.CreateGroup(r.Context(), actor.UserID, strings.TrimSpace(req.Name), req.Description, req.Avatar, req.MemberIDs)
	if err != nil {
		a.writeDirectoryError(w, err)
		return
	}

	a.subscribeRoster(g)
	a.notifyMembers(g, actor.UserID, protocol.TypeGroupCreated, map[string]any{
		"group_id": g.ID,
		"name":     g.Name,
		"by":       actor.UserID,
	})
	writeJSON(w, http.StatusCreated, groupView(g))
}

func (a *GroupsAPI) listGroups(w http.ResponseWriter, r *http.Request, actor identity.Identity) {
	groups, err := a.dir.UserGroups(r.Context(), actor.UserID)
	if err != nil {
		a.writeDirectoryError(w, err)
		return
	}
	views := make([]any, 0, len(groups))
	for i := range groups {
		views = append(views, groupView(&groups[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": views})
}

func (a *GroupsAPI) getGroup(w http.ResponseWriter, r *http.Request, actor identity.Identity) {
	g, err := a.dir.Group(r.Context(), actor.UserID, r.PathValue("id"))
	if err != nil {
		a.writeDirectoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groupView(g))
}

func (a *GroupsAPI) updateGroup(w http.ResponseWriter, r *http.Request, actor identity.Identity) {
	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Avatar      *string `json:"avatar"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}

	g, err := a.dir.UpdateGroup(r.Context(), actor.UserID, r.PathValue("id"), directory.GroupUpdate{
		Name:        req.Name,
		Description: req.Description,
		Avatar:      req.Avatar,
	})
	if err != nil {
		a.writeDirectoryError(w, err)
		return
	}

	a.notifyMembers(g, actor.UserID, protocol.TypeGroupUpdated, map[string]any{
		"group_id": g.ID,
		"name":     g.Name,
		"by":       actor.UserID,
	})
	writeJSON(w, http.StatusOK, groupView(g))
}

func (a *GroupsAPI) deleteGroup(w http.ResponseWriter, r *http.Request, actor identity.Identity) {
	g, err := a.dir.DeleteGroup(r.Context(), actor.UserID, r.PathValue("id"))
	if err != nil {
		a.writeDirectoryError(w, err)
		return
	}

	for _, m := range g.Members {
		a.manager.LeaveGroup(m.UserID, g.ID)
	}
	a.notifyMembers(g, actor.UserID, protocol.TypeGroupDeleted, map[string]any{
		"group_id": g.ID,
		"by":       actor.UserID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": g.ID})
}

func (a *GroupsAPI) listMembers(w http.ResponseWriter, r *http.Request, actor identity.Identity) {
	members, err := a.dir.GroupMembers(r.Context(), actor.UserID, r.PathValue("id"))
	if err != nil {
		a.writeDirectoryError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(members))
	for _, m := range members {
		out = append(out, map[string]any{
			"user_id":   m.UserID,
			"role":      m.Role,
			"joined_at": m.JoinedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": out})
}

func (a *GroupsAPI) addMember(w http.ResponseWriter, r *http.Request, actor identity.Identity) {
	var req struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	g, err := a.dir.AddMember(r.Context(), actor.UserID, r.PathValue("id"), req.UserID, req.Role)
	if err != nil {
		a.writeDirectoryError(w, err)
		return
	}

	a.manager.JoinGroup(req.UserID, g.ID)
	a.notifyMembers(g, actor.UserID, protocol.TypeGroupMemberAdded, map[string]any{
		"group_id": g.ID,
		"user_id":  req.UserID,
		"by":       actor.UserID,
	})
	writeJSON(w, http.StatusOK, groupView(g))
}

func (a *GroupsAPI) removeMember(w http.ResponseWriter, r *http.Request, actor identity.Identity) {
	userID := r.PathValue("userID")
	g, err := a.dir.RemoveMember(r.Context(), actor.UserID, r.PathValue("id"), userID)
	if err != nil {
		a.writeDirectoryError(w, err)
		return
	}

	a.manager.LeaveGroup(userID, g.ID)
	a.notifyMembers(g, actor.UserID, protocol.TypeGroupMemberRemoved, map[string]any{
		"group_id": g.ID,
		"user_id":  userID,
		"by":       actor.UserID,
	})
	// The removed member is no longer on the roster but still deserves to know.
	a.sendGroupEvent(userID, actor.UserID, protocol.TypeGroupMemberRemoved, map[string]any{
		"group_id": g.ID,
		"user_id":  userID,
		"by":       actor.UserID,
	})
	writeJSON(w, http.StatusOK, groupView(g))
}

func (a *GroupsAPI) setMemberRole(w http.ResponseWriter, r *http.Request, actor identity.Identity) {
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Role != store.RoleAdmin && req.Role != store.RoleMember) {
		writeJSONError(w, http.StatusBadRequest, "role must be admin or member")
		return
	}

	userID := r.PathValue("userID")
	g, err := a.dir.SetMemberRole(r.Context(), actor.UserID, r.PathValue("id"), userID, req.Role)
	if err != nil {
		a.writeDirectoryError(w, err)
		return
	}

	a.notifyMembers(g, actor.UserID, protocol.TypeGroupMemberUpdated, map[string]any{
		"group_id": g.ID,
		"user_id":  userID,
		"role":     req.Role,
		"by":       actor.UserID,
	})
	writeJSON(w, http.StatusOK, groupView(g))
}

// subscribeRoster seeds live group subscriptions for every active member who
// is currently connected.
func (a *GroupsAPI) subscribeRoster(g *store.Group) {
	for _, m := range g.Members {
		if m.IsActive {
			a.manager.JoinGroup(m.UserID, g.ID)
		}
	}
}

// notifyMembers pushes a group event to every active member except the actor.
func (a *GroupsAPI) notifyMembers(g *store.Group, actorID, eventType string, payload map[string]any) {
	for _, m := range g.Members {
		if !m.IsActive || m.UserID == actorID {
			continue
		}
		a.sendGroupEvent(m.UserID, actorID, eventType, payload)
	}
}

func (a *GroupsAPI) sendGroupEvent(userID, actorID, eventType string, payload map[string]any) {
	a.manager.SendToUser(userID, protocol.Envelope{
		Type:    eventType,
		From:    actorID,
		To:      userID,
		Payload: protocol.MustPayload(payload),
	})
}

func (a *GroupsAPI) writeDirectoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, directory.ErrGroupNotFound):
		writeJSONError(w, http.StatusNotFound, "group not found")
	case errors.Is(err, directory.ErrNotMember), errors.Is(err, directory.ErrForbidden):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, directory.ErrLastAdmin), errors.Is(err, directory.ErrAlreadyMember):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		a.log.Error("groups.api.fail", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func groupView(g *store.Group) map[string]any {
	members := make([]map[string]any, 0, len(g.Members))
	for _, m := range g.Members {
		if !m.IsActive {
			continue
		}
		members = append(members, map[string]any{
			"user_id": m.UserID,
			"role":    m.Role,
		})
	}
	return map[string]any{
		"id":          g.ID,
		"name":        g.Name,
		"description": g.Description,
		"avatar":      g.Avatar,
		"creator_id":  g.CreatorID,
		"members":     members,
		"created_at":  g.CreatedAt.Format(time.RFC3339),
		"updated_at":  g.UpdatedAt.Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
