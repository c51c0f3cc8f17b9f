package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageStatus is the delivery status of a chat message.
type MessageStatus string

const (
	// StatusSending marks a user message whose reply is still pending.
	StatusSending MessageStatus = "sending"
	// StatusSent is the default status.
	StatusSent MessageStatus = "sent"
	// StatusError marks a failed turn.
	StatusError MessageStatus = "error"
)

// Message field names as stored in the document store.
const (
	FieldText      = "text"
	FieldIsUser    = "isUser"
	FieldTimestamp = "timestamp"
	FieldStatus    = "status"
)

// ChatMessage is one immutable chat turn.
type ChatMessage struct {
	ID        string        `json:"id"`
	Text      string        `json:"text"`
	IsUser    bool          `json:"isUser"`
	Timestamp int64         `json:"timestamp"` // epoch milliseconds
	Status    MessageStatus `json:"status"`
}

// NewMessage creates a message with a fresh ID.
func NewMessage(text string, isUser bool, status MessageStatus, at time.Time) ChatMessage {
	if status == "" {
		status = StatusSent
	}
	return ChatMessage{
		ID:        uuid.NewString(),
		Text:      text,
		IsUser:    isUser,
		Timestamp: at.UnixMilli(),
		Status:    status,
	}
}

// WithStatus returns a copy of m with the given status.
func (m ChatMessage) WithStatus(status MessageStatus) ChatMessage {
	m.Status = status
	return m
}

// Fields encodes m as schemaless document fields. The ID is the document ID.
func (m ChatMessage) Fields() map[string]any {
	return map[string]any{
		FieldText:      m.Text,
		FieldIsUser:    m.IsUser,
		FieldTimestamp: m.Timestamp,
		FieldStatus:    string(m.Status),
	}
}

// MessageFromFields decodes a stored message document. isUser and timestamp
// are required.
func MessageFromFields(id string, fields map[string]any) (ChatMessage, error) {
	msg := ChatMessage{ID: id, Status: StatusSent}

	if v, ok := fields[FieldText]; ok {
		s, ok := v.(string)
		if !ok {
			return ChatMessage{}, fmt.Errorf("message %s: text is %T", id, v)
		}
		msg.Text = s
	}
	v, ok := fields[FieldIsUser]
	if !ok {
		return ChatMessage{}, fmt.Errorf("message %s: missing %s", id, FieldIsUser)
	}
	isUser, ok := v.(bool)
	if !ok {
		return ChatMessage{}, fmt.Errorf("message %s: isUser is %T", id, v)
	}
	msg.IsUser = isUser
	if v, ok := fields[FieldTimestamp]; !ok || v == nil {
		return ChatMessage{}, fmt.Errorf("message %s: missing %s", id, FieldTimestamp)
	}
	ts, err := Int64Field(fields, FieldTimestamp)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("message %s: %w", id, err)
	}
	msg.Timestamp = ts
	if v, ok := fields[FieldStatus].(string); ok && v != "" {
		msg.Status = MessageStatus(v)
	}
	return msg, nil
}

// Int64Field reads a numeric field that may have been decoded from JSON.
// A missing field yields 0.
func Int64Field(fields map[string]any, key string) (int64, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("%s is %T, want number", key, v)
	}
}

// StringField reads a string field, returning "" when missing or mistyped.
func StringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
