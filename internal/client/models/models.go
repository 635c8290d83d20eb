package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNoCredential = errors.New("no credential configured")

type SessionType string

const (
	SessionAIAssistant        SessionType = "ai_assistant"
	SessionCustomerSupport    SessionType = "customer_support"
	SessionTechnicianCustomer SessionType = "technician_customer"
	SessionInternal           SessionType = "internal"
)

type SessionStatus string

const (
	StatusActive   SessionStatus = "active"
	StatusClosed   SessionStatus = "closed"
	StatusArchived SessionStatus = "archived"
)

type SenderType string

const (
	SenderCustomer   SenderType = "customer"
	SenderStaff      SenderType = "staff"
	SenderTechnician SenderType = "technician"
	SenderAI         SenderType = "ai"
	SenderSystem     SenderType = "system"
)

// IsValid reports whether s is one of the roles the chat service emits.
func (s SenderType) IsValid() bool {
	switch s {
	case SenderCustomer, SenderStaff, SenderTechnician, SenderAI, SenderSystem:
		return true
	}
	return false
}

type MessageType string

const (
	MessageText       MessageType = "text"
	MessageImage      MessageType = "image"
	MessageFile       MessageType = "file"
	MessageSystem     MessageType = "system"
	MessageAIResponse MessageType = "ai_response"
)

// ID is an opaque identifier. The chat service sends integer message ids
// and string session ids, so both JSON forms decode into it.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

type ChatSession struct {
	ID          ID             `json:"id"`
	SessionType SessionType    `json:"session_type"`
	Title       string         `json:"title"`
	Status      SessionStatus  `json:"status"`
	CreatedBy   string         `json:"created_by"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   Timestamp      `json:"created_at"`
	UpdatedAt   Timestamp      `json:"updated_at"`
}

// SessionConfig is the body of a create-session request.
type SessionConfig struct {
	SessionType SessionType    `json:"session_type"`
	Title       string         `json:"title,omitempty"`
	Metadata    map[string]any `json:"metadata"`
}

type ChatMessage struct {
	ID          ID             `json:"id"`
	SessionID   ID             `json:"session_id"`
	SenderID    string         `json:"sender_id"`
	SenderType  SenderType     `json:"sender_type"`
	MessageType MessageType    `json:"message_type"`
	Content     string         `json:"content"`
	CreatedAt   Timestamp      `json:"created_at"`
	Metadata    map[string]any `json:"metadata"`
	IsPending   bool           `json:"-"`
}

type Participant struct {
	UserID   string    `json:"user_id"`
	UserType string    `json:"user_type"`
	Role     string    `json:"role,omitempty"`
	JoinedAt Timestamp `json:"joined_at"`
}

// AIAnswer is the response of the ask-AI endpoint.
type AIAnswer struct {
	Content     string         `json:"content"`
	Confidence  *float64       `json:"confidence,omitempty"`
	Suggestions []string       `json:"suggestions"`
	Metadata    map[string]any `json:"metadata"`
}

// Timestamp decodes both RFC 3339 and the naive ISO-8601 form the chat
// service writes (no zone, treated as UTC).
type Timestamp struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
