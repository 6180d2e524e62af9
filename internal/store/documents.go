package store

import (
	"errors"
	"strings"
	"time"

	"courier/internal/protocol"
)

// MessageStatus is the delivery lifecycle of a message document.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Presence values tracked by the connection registry. Presence is ephemeral
// and never persisted; the constants live here with the rest of the domain
// vocabulary.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
	PresenceAway    = "away"
)

// Message is the unit stored in the messages collection.
//
// Exactly one of RecipientID (direct) or GroupID (group) is set. For direct
// messages ConversationID is the sorted pair key; for group messages it
// equals GroupID. Timezone snapshots are taken at send time and never
// updated afterwards.
type Message struct {
	ID             string        `bson:"_id"`
	ConversationID string        `bson:"conversation_id"`
	SenderID       string        `bson:"sender_id"`
	RecipientID    string        `bson:"recipient_id,omitempty"`
	GroupID        string        `bson:"group_id,omitempty"`
	Type           string        `bson:"type"`
	Text           string        `bson:"text"`
	Attachments    []protocol.Attachment `bson:"attachments"`
	ReplyTo        string        `bson:"reply_to,omitempty"`
	Status         MessageStatus `bson:"status"`
	Timestamp      string        `bson:"timestamp"`
	IsEdited       bool          `bson:"is_edited,omitempty"`
	EditedAt       *time.Time    `bson:"edited_at,omitempty"`
	IsDeleted      bool          `bson:"is_deleted,omitempty"`
	DeletedAt      *time.Time    `bson:"deleted_at,omitempty"`
	ReadAt         *time.Time    `bson:"read_at,omitempty"`
	CreatedAt      time.Time     `bson:"created_at"`
	UpdatedAt      time.Time     `bson:"updated_at"`
	SenderTimezone    string     `bson:"sender_timezone,omitempty"`
	RecipientTimezone string     `bson:"recipient_timezone,omitempty"`
}

var (
	ErrMissingField      = errors.New("message missing required field")
	ErrTargetExclusivity = errors.New("message must have exactly one of recipient_id or group_id")
	ErrNotFound          = errors.New("document not found")
)

// Validate enforces the message invariants before persistence.
func (m *Message) Validate() error {
	if m.ID == "" || m.SenderID == "" || m.ConversationID == "" || m.Timestamp == "" {
		return ErrMissingField
	}
	direct := m.RecipientID != ""
	group := m.GroupID != ""
	if direct == group {
		return ErrTargetExclusivity
	}
	return nil
}

// ConversationID returns the deterministic pair key for a direct
// conversation: the two identities sorted lexicographically, joined by "_".
func ConversationID(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "_" + b
}

// User is the subset of the users collection this subsystem reads and writes.
type User struct {
	ID          string    `bson:"_id"`
	DisplayName string    `bson:"display_name,omitempty"`
	Email       string    `bson:"email,omitempty"`
	Timezone    string    `bson:"timezone,omitempty"`
	FCMToken    string    `bson:"fcm_token,omitempty"`
	UpdatedAt   time.Time `bson:"updated_at,omitempty"`
}

// Group member roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// GroupMember is one roster entry. Removed members stay in the roster with
// IsActive false.
type GroupMember struct {
	UserID   string    `bson:"user_id"`
	Role     string    `bson:"role"`
	JoinedAt time.Time `bson:"joined_at"`
	IsActive bool      `bson:"is_active"`
}

// Group is a group-chat roster document.
type Group struct {
	ID          string        `bson:"_id"`
	Name        string        `bson:"name"`
	Description string        `bson:"description,omitempty"`
	Avatar      string        `bson:"avatar,omitempty"`
	CreatorID   string        `bson:"creator_id"`
	Members     []GroupMember `bson:"members"`
	CreatedAt   time.Time     `bson:"created_at"`
	UpdatedAt   time.Time     `bson:"updated_at"`
}

// ActiveAdmins counts roster entries that are both active and admin.
func (g *Group) ActiveAdmins() int {
	n := 0
	for _, m := range g.Members {
		if m.IsActive && m.Role == RoleAdmin {
			n++
		}
	}
	return n
}

// Member returns the roster entry for userID, active or not.
func (g *Group) Member(userID string) *GroupMember {
	for i := range g.Members {
		if g.Members[i].UserID == userID {
			return &g.Members[i]
		}
	}
	return nil
}

// Conversation is direct-message pairing metadata, created lazily on first
// message or pin.
type Conversation struct {
	ID            string    `bson:"_id"`
	Participants  []string  `bson:"participants"`
	IsPinned      bool      `bson:"is_pinned"`
	IsUnread      bool      `bson:"is_unread"`
	LastMessageAt time.Time `bson:"last_message_at"`
	CreatedAt     time.Time `bson:"created_at"`
}
