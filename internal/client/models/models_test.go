package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ID
		wantErr bool
	}{
		{"string", `"abc-123"`, "abc-123", false},
		{"integer", `42`, "42", false},
		{"null", `null`, "", false},
		{"object", `{"x":1}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id ID
			err := json.Unmarshal([]byte(tt.input), &id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && id != tt.want {
				t.Errorf("id = %q, want %q", id, tt.want)
			}
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Time
		wantErr bool
	}{
		{"2025-03-01T09:00:00Z", time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), false},
		{"2025-03-01T10:00:00+01:00", time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), false},
		{"2025-03-01T09:00:00.5", time.Date(2025, 3, 1, 9, 0, 0, 500_000_000, time.UTC), false},
		{"2025-03-01 09:00:00", time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), false},
		{"yesterday", time.Time{}, true},
		{"", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTimestamp(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTimestamp() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("ParseTimestamp() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"text frame", `{"type":"text","message_id":7,"sender_type":"ai","content":"hi","timestamp":"2025-03-01T09:00:00"}`, false},
		{"system frame", `{"type":"system","message":"Connected to chat session s1"}`, false},
		{"invalid json", `{"type":`, true},
		{"missing type", `{"content":"hi"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var mf *MalformedFrameError
				if !errors.As(err, &mf) {
					t.Errorf("error = %T, want *MalformedFrameError", err)
				}
			}
		})
	}
}

func TestInboundFrame_ToMessage(t *testing.T) {
	valid := InboundFrame{
		Type:       "text",
		MessageID:  "7",
		SenderID:   "ai_assistant",
		SenderType: SenderAI,
		Content:    "hello",
		Timestamp:  "2025-03-01T09:00:00",
	}

	msg, err := valid.ToMessage("s1")
	if err != nil {
		t.Fatalf("ToMessage() error = %v", err)
	}
	if msg.ID != "7" || msg.SessionID != "s1" || msg.MessageType != MessageText || msg.IsPending {
		t.Errorf("message = %+v", msg)
	}

	tests := []struct {
		name   string
		mutate func(*InboundFrame)
	}{
		{"missing id", func(f *InboundFrame) { f.MessageID = "" }},
		{"unknown sender", func(f *InboundFrame) { f.SenderType = "robot" }},
		{"bad timestamp", func(f *InboundFrame) { f.Timestamp = "soon" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := valid
			tt.mutate(&f)
			_, err := f.ToMessage("s1")
			var mf *MalformedFrameError
			if !errors.As(err, &mf) {
				t.Errorf("ToMessage() error = %v, want *MalformedFrameError", err)
			}
		})
	}
}
