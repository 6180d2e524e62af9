// Package protocol defines the chat wire protocol: the envelope every frame
// travels in, the closed set of message type tags, and the per-type payload
// schemas.
//
// This package is intentionally stable and dependency-light. Decoding accepts
// the legacy field aliases older clients still emit; encoding always produces
// the canonical names.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message type tags (wire-stable).
const (
	TypeMessage          = "message"
	TypeReply            = "reply"
	TypeEdit             = "edit"
	TypeDelete           = "delete"
	TypeTyping           = "typing"
	TypePresence         = "presence"
	TypeStatus           = "status"
	TypeError            = "error"
	TypeReadReceipt      = "read_receipt"
	TypeReadReceiptBatch = "read_receipt_batch"
	TypeDeliveryReceipt  = "delivery_receipt"
	TypeTimezone         = "timezone"
	TypePing             = "ping"
	TypePong             = "pong"
)

// Group lifecycle notification tags, pushed by the REST layer through the
// connection manager rather than handled as inbound frames.
const (
	TypeGroupCreated       = "group_created"
	TypeGroupUpdated       = "group_updated"
	TypeGroupDeleted       = "group_deleted"
	TypeGroupMemberAdded   = "group_member_added"
	TypeGroupMemberRemoved = "group_member_removed"
	TypeGroupMemberUpdated = "group_member_updated"
)

var inboundTypes = map[string]struct{}{
	TypeMessage:          {},
	TypeReply:            {},
	TypeEdit:             {},
	TypeDelete:           {},
	TypeTyping:           {},
	TypePresence:         {},
	TypeTimezone:         {},
	TypeReadReceipt:      {},
	TypeReadReceiptBatch: {},
	TypePing:             {},
}

// KnownInbound reports whether t is a type clients are allowed to send.
func KnownInbound(t string) bool {
	_, ok := inboundTypes[t]
	return ok
}

// Envelope is the canonical wire wrapper: {type, from, to?, group_id?, payload}.
// Ping and pong carry Timestamp at the top level instead of a payload object.
type Envelope struct {
	Type      string          `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	GroupID   string          `json:"group_id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// envelopeAliases mirrors Envelope with every historical field spelling.
type envelopeAliases struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	FromAlt string `json:"from_user"`
	To      string `json:"to"`
	ToAlt   string `json:"to_user"`
	GroupID string `json:"group_id"`
	GroupAlt string `json:"groupId"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// ParseEnvelope decodes a raw frame, normalizing legacy envelope field names.
func ParseEnvelope(data []byte) (Envelope, error) {
	var raw envelopeAliases
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}

	env := Envelope{
		Type:      raw.Type,
		From:      firstNonEmpty(raw.From, raw.FromAlt),
		To:        firstNonEmpty(raw.To, raw.ToAlt),
		GroupID:   firstNonEmpty(raw.GroupID, raw.GroupAlt),
		Timestamp: raw.Timestamp,
		Payload:   raw.Payload,
	}
	if strings.TrimSpace(env.Type) == "" {
		return Envelope{}, errors.New("missing type")
	}
	return env, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// MustPayload marshals a payload value, panicking only on unmarshalable
// types, which is a programming error for the closed payload set.
func MustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal payload: %v", err))
	}
	return b
}

// NewError builds an error envelope addressed to a user.
func NewError(to string, code Code, message string) Envelope {
	return Envelope{
		Type:    TypeError,
		To:      to,
		Payload: MustPayload(ErrorPayload{Code: code, Message: message}),
	}
}

// NewStatus builds a status (acknowledgement) envelope from the system.
func NewStatus(to, status, message string, extra map[string]any) Envelope {
	return Envelope{
		Type:    TypeStatus,
		From:    "system",
		To:      to,
		Payload: MustPayload(StatusPayload{Status: status, Message: message, Extra: extra}),
	}
}

// NewPong answers a ping, echoing the client-supplied timestamp.
func NewPong(timestamp string) Envelope {
	return Envelope{Type: TypePong, Timestamp: timestamp}
}
