package models

import (
	"encoding/json"
	"time"
)

// Roles a token can carry. Message sender types use the same names.
const (
	RoleCustomer   = "customer"
	RoleStaff      = "staff"
	RoleTechnician = "technician"
	RoleAdmin      = "admin"
)

const (
	SenderAI     = "ai"
	SenderSystem = "system"
	AssistantID  = "ai_assistant"
)

const (
	StatusActive = "active"
	StatusClosed = "closed"
)

var SessionTypes = map[string]bool{
	"ai_assistant":        true,
	"customer_support":    true,
	"technician_customer": true,
	"internal":            true,
}

// Principal is the authenticated caller of a request or socket.
type Principal struct {
	UserID string
	Role   string
}

// SenderType is the sender_type p's messages carry. Admins post as staff;
// clients only know the customer, staff, technician, ai and system senders.
func (p Principal) SenderType() string {
	if p.Role == RoleAdmin {
		return RoleStaff
	}
	return p.Role
}

// IsStaff reports whether p may see and join every session.
func (p Principal) IsStaff() bool {
	return p.Role == RoleStaff || p.Role == RoleAdmin
}

type APIToken struct {
	ID         int64
	UserID     string
	Role       string
	SecretHash string
	CreatedAt  time.Time
}

type Session struct {
	ID          string         `json:"id"`
	SessionType string         `json:"session_type"`
	Title       string         `json:"title"`
	Status      string         `json:"status"`
	CreatedBy   string         `json:"created_by"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type Message struct {
	ID          int64          `json:"id"`
	SessionID   string         `json:"session_id"`
	SenderID    string         `json:"sender_id"`
	SenderType  string         `json:"sender_type"`
	MessageType string         `json:"message_type"`
	Content     string         `json:"content"`
	CreatedAt   time.Time      `json:"created_at"`
	IsRead      int            `json:"is_read"`
	Metadata    map[string]any `json:"metadata"`
}

type Participant struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	UserType  string    `json:"user_type"`
	Role      string    `json:"role"`
	JoinedAt  time.Time `json:"joined_at"`
}

// Request bodies

type CreateSessionRequest struct {
	SessionType string         `json:"session_type"`
	Title       string         `json:"title"`
	Metadata    map[string]any `json:"metadata"`
}

type AskRequest struct {
	Message   string         `json:"message"`
	SessionID *string        `json:"session_id"`
	Context   map[string]any `json:"context"`
}

type AIAnswer struct {
	Content     string         `json:"content"`
	Confidence  *float64       `json:"confidence,omitempty"`
	Suggestions []string       `json:"suggestions"`
	Metadata    map[string]any `json:"metadata"`
}

// WS frames

// ClientFrame is what a client writes on the session socket.
type ClientFrame struct {
	Type     string          `json:"type"`
	Content  string          `json:"content"`
	ToAI     bool            `json:"to_ai"`
	Metadata json.RawMessage `json:"metadata"`
}

// MessageFrame announces a persisted message to every socket of a session.
type MessageFrame struct {
	Type       string         `json:"type"`
	MessageID  int64          `json:"message_id"`
	SenderID   string         `json:"sender_id"`
	SenderType string         `json:"sender_type"`
	Content    string         `json:"content"`
	Timestamp  string         `json:"timestamp"`
	Metadata   map[string]any `json:"metadata"`
}

func NewMessageFrame(m *Message) MessageFrame {
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return MessageFrame{
		Type:       m.MessageType,
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		SenderType: m.SenderType,
		Content:    m.Content,
		Timestamp:  m.CreatedAt.UTC().Format(time.RFC3339Nano),
		Metadata:   meta,
	}
}

type SystemFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func NewSystemFrame(message string) SystemFrame {
	return SystemFrame{Type: SenderSystem, Message: message, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
}
