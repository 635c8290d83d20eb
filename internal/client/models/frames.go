package models

import (
	"encoding/json"
	"fmt"
)

// FrameTypeSystem marks connection-lifecycle frames. They never reach the
// message sequence.
const FrameTypeSystem = "system"

// OutboundFrame is what the client writes to the session socket.
type OutboundFrame struct {
	Type     string         `json:"type"`
	Content  string         `json:"content"`
	ToAI     bool           `json:"to_ai,omitempty"`
	Metadata map[string]any `json:"metadata"`
}

func NewTextFrame(content string, toAI bool) OutboundFrame {
	return OutboundFrame{
		Type:     string(MessageText),
		Content:  content,
		ToAI:     toAI,
		Metadata: map[string]any{},
	}
}

// InboundFrame is what the chat service pushes for every persisted message.
type InboundFrame struct {
	Type       string         `json:"type"`
	MessageID  ID             `json:"message_id"`
	SenderID   string         `json:"sender_id"`
	SenderType SenderType     `json:"sender_type"`
	Content    string         `json:"content"`
	Timestamp  string         `json:"timestamp"`
	Metadata   map[string]any `json:"metadata"`
	// Message is set on system frames instead of Content.
	Message string `json:"message,omitempty"`
}

func (f InboundFrame) IsSystem() bool {
	return f.Type == FrameTypeSystem
}

// MalformedFrameError is returned for inbound frames that fail to decode or
// miss required fields.
type MalformedFrameError struct {
	Raw    []byte
	Reason string
	Err    error
}

func (e *MalformedFrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Err)
	}
	return "malformed frame: " + e.Reason
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

// DecodeFrame parses a raw socket payload.
func DecodeFrame(raw []byte) (InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return InboundFrame{}, &MalformedFrameError{Raw: raw, Reason: "invalid json", Err: err}
	}
	if f.Type == "" {
		return InboundFrame{}, &MalformedFrameError{Raw: raw, Reason: "missing type"}
	}
	return f, nil
}

// ToMessage validates a confirmed frame and converts it into a ChatMessage
// for the given session.
func (f InboundFrame) ToMessage(sessionID ID) (ChatMessage, error) {
	if f.MessageID == "" {
		return ChatMessage{}, &MalformedFrameError{Reason: "missing message_id"}
	}
	if !f.SenderType.IsValid() {
		return ChatMessage{}, &MalformedFrameError{Reason: fmt.Sprintf("unknown sender_type %q", f.SenderType)}
	}
	ts, err := ParseTimestamp(f.Timestamp)
	if err != nil {
		return ChatMessage{}, &MalformedFrameError{Reason: "bad timestamp", Err: err}
	}
	msgType := MessageType(f.Type)
	if msgType == "" {
		msgType = MessageText
	}
	return ChatMessage{
		ID:          f.MessageID,
		SessionID:   sessionID,
		SenderID:    f.SenderID,
		SenderType:  f.SenderType,
		MessageType: msgType,
		Content:     f.Content,
		CreatedAt:   Timestamp{ts},
		Metadata:    f.Metadata,
	}, nil
}
