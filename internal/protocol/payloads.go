package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Code is an error code that is numeric (401, 429, ...) or symbolic
// ("FORBIDDEN", "NOT_MEMBER", ...) on the wire.
type Code struct {
	Num int
	Str string
}

// CodeNum wraps a numeric error code.
func CodeNum(n int) Code { return Code{Num: n} }

// CodeStr wraps a symbolic error code.
func CodeStr(s string) Code { return Code{Str: s} }

func (c Code) MarshalJSON() ([]byte, error) {
	if c.Str != "" {
		return json.Marshal(c.Str)
	}
	return json.Marshal(c.Num)
}

func (c *Code) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		*c = Code{}
		return nil
	}
	if s[0] == '"' {
		return json.Unmarshal(b, &c.Str)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("error code: %w", err)
	}
	c.Num = n
	return nil
}

func (c Code) String() string {
	if c.Str != "" {
		return c.Str
	}
	return strconv.Itoa(c.Num)
}

// Attachment describes a file attached to a message.
type Attachment struct {
	Type     string         `json:"type" bson:"type"`
	URL      string         `json:"url" bson:"url"`
	Name     string         `json:"name" bson:"name"`
	Size     int64          `json:"size" bson:"size"`
	Metadata map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// MessagePayload is shared by the message and reply types.
type MessagePayload struct {
	ID          string       `json:"id"`
	Text        string       `json:"text"`
	Timestamp   string       `json:"timestamp"`
	Status      string       `json:"status,omitempty"`
	Attachments []Attachment `json:"attachments"`
	ReplyTo     string       `json:"reply_to,omitempty"`
}

func (p *MessagePayload) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID        string `json:"id"`
		IDSnake   string `json:"message_id"`
		IDCamel   string `json:"messageId"`
		Text      string `json:"text"`
		Timestamp string `json:"timestamp"`
		Status    string `json:"status"`
		Attachments []Attachment `json:"attachments"`
		ReplyTo     string       `json:"reply_to"`
		ReplyCamel  string       `json:"replyTo"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p.ID = firstNonEmpty(raw.ID, raw.IDSnake, raw.IDCamel)
	p.Text = raw.Text
	p.Timestamp = raw.Timestamp
	p.Status = raw.Status
	p.Attachments = raw.Attachments
	p.ReplyTo = firstNonEmpty(raw.ReplyTo, raw.ReplyCamel)
	return nil
}

// TypingPayload carries a typing indicator.
type TypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

func (p *TypingPayload) UnmarshalJSON(b []byte) error {
	var raw struct {
		IsTyping *bool `json:"isTyping"`
		IsTypingSnake *bool `json:"is_typing"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch {
	case raw.IsTyping != nil:
		p.IsTyping = *raw.IsTyping
	case raw.IsTypingSnake != nil:
		p.IsTyping = *raw.IsTypingSnake
	}
	return nil
}

// PresencePayload carries an ephemeral presence update.
type PresencePayload struct {
	Status   string `json:"status"`
	LastSeen string `json:"lastSeen,omitempty"`
}

func (p *PresencePayload) UnmarshalJSON(b []byte) error {
	var raw struct {
		Status   string `json:"status"`
		LastSeen string `json:"lastSeen"`
		LastSeenSnake string `json:"last_seen"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p.Status = raw.Status
	p.LastSeen = firstNonEmpty(raw.LastSeen, raw.LastSeenSnake)
	return nil
}

// EditPayload requests an in-place text replacement on an owned message.
type EditPayload struct {
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
	EditedAt  string `json:"editedAt,omitempty"`
}

func (p *EditPayload) UnmarshalJSON(b []byte) error {
	var raw struct {
		MessageID string `json:"messageId"`
		MessageIDSnake string `json:"message_id"`
		Text     string `json:"text"`
		EditedAt string `json:"editedAt"`
		EditedAtSnake string `json:"edited_at"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p.MessageID = firstNonEmpty(raw.MessageID, raw.MessageIDSnake)
	p.Text = raw.Text
	p.EditedAt = firstNonEmpty(raw.EditedAt, raw.EditedAtSnake)
	return nil
}

// DeletePayload requests a soft delete of an owned message.
type DeletePayload struct {
	MessageID string `json:"messageId"`
	DeletedAt string `json:"deletedAt,omitempty"`
}

func (p *DeletePayload) UnmarshalJSON(b []byte) error {
	var raw struct {
		MessageID string `json:"messageId"`
		MessageIDSnake string `json:"message_id"`
		DeletedAt string `json:"deletedAt"`
		DeletedAtSnake string `json:"deleted_at"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p.MessageID = firstNonEmpty(raw.MessageID, raw.MessageIDSnake)
	p.DeletedAt = firstNonEmpty(raw.DeletedAt, raw.DeletedAtSnake)
	return nil
}

// ReadReceiptPayload marks a single message read.
type ReadReceiptPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (p *ReadReceiptPayload) UnmarshalJSON(b []byte) error {
	var raw struct {
		MessageID string `json:"messageId"`
		MessageIDSnake string `json:"message_id"`
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p.MessageID = firstNonEmpty(raw.MessageID, raw.MessageIDSnake)
	p.Status = raw.Status
	p.Timestamp = raw.Timestamp
	return nil
}

// ReadReceiptBatchPayload marks a batch of messages read in one frame.
type ReadReceiptBatchPayload struct {
	MessageIDs []string `json:"messageIds"`
	ContactID  string   `json:"contactId,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
}

func (p *ReadReceiptBatchPayload) UnmarshalJSON(b []byte) error {
	var raw struct {
		MessageIDs []string `json:"messageIds"`
		MessageIDsSnake []string `json:"message_ids"`
		ContactID  string `json:"contactId"`
		ContactIDSnake string `json:"contact_id"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p.MessageIDs = raw.MessageIDs
	if len(p.MessageIDs) == 0 {
		p.MessageIDs = raw.MessageIDsSnake
	}
	p.ContactID = firstNonEmpty(raw.ContactID, raw.ContactIDSnake)
	p.Timestamp = raw.Timestamp
	return nil
}

// DeliveryReceiptPayload reports the delivery status of a sent message.
type DeliveryReceiptPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// TimezonePayload updates or queries the user's IANA timezone.
type TimezonePayload struct {
	Timezone   string `json:"timezone,omitempty"`
	VerifyOnly bool   `json:"verify_only,omitempty"`
}

func (p *TimezonePayload) UnmarshalJSON(b []byte) error {
	var raw struct {
		Timezone   string `json:"timezone"`
		VerifyOnly *bool  `json:"verify_only"`
		VerifyCamel *bool `json:"verifyOnly"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p.Timezone = raw.Timezone
	switch {
	case raw.VerifyOnly != nil:
		p.VerifyOnly = *raw.VerifyOnly
	case raw.VerifyCamel != nil:
		p.VerifyOnly = *raw.VerifyCamel
	}
	return nil
}

// ErrorPayload reports a rejected operation to the offending connection.
type ErrorPayload struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// StatusPayload is a generic acknowledgement, optionally with extra fields
// flattened into the payload object.
type StatusPayload struct {
	Status  string
	Message string
	Extra   map[string]any
}

func (p StatusPayload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+2)
	for k, v := range p.Extra {
		out[k] = v
	}
	out["status"] = p.Status
	out["message"] = p.Message
	return json.Marshal(out)
}

func (p *StatusPayload) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if s, ok := raw["status"].(string); ok {
		p.Status = s
	}
	if m, ok := raw["message"].(string); ok {
		p.Message = m
	}
	delete(raw, "status")
	delete(raw, "message")
	if len(raw) > 0 {
		p.Extra = raw
	}
	return nil
}
