package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/evcenter/chatsync/internal/server/assistant"
	"github.com/evcenter/chatsync/internal/server/models"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

type Client struct {
	Hub       *Hub
	Conn      *websocket.Conn
	Send      chan []byte
	SessionID string
	Principal models.Principal
	IP        string
	Log       *slog.Logger
}

func NewClient(hub *Hub, conn *websocket.Conn, sessionID string, p models.Principal, ip string) *Client {
	return &Client{
		Hub:       hub,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
		SessionID: sessionID,
		Principal: p,
		IP:        ip,
		Log:       hub.Log.With("sessionId", sessionID, "userId", p.UserID),
	}
}

func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)

	for {
		_, msgBytes, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.Log.Warn("read", "error", err)
			}
			return
		}

		var frame models.ClientFrame
		if err := json.Unmarshal(msgBytes, &frame); err != nil {
			c.Log.Warn("invalid frame", "error", err)
			continue
		}

		c.ProcessMessage(ctx, frame)
	}
}

func (c *Client) WritePump() {
	defer c.Conn.Close()
	for msg := range c.Send {
		c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	// Send closed by the hub.
	c.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// ProcessMessage persists a client frame, broadcasts it to the session and,
// when it is addressed to the AI, follows up with the assistant's reply.
func (c *Client) ProcessMessage(ctx context.Context, frame models.ClientFrame) {
	if strings.TrimSpace(frame.Content) == "" {
		return
	}
	msgType := strings.ToLower(frame.Type)
	switch msgType {
	case "", "text":
		msgType = "text"
	case "image", "file":
	default:
		c.Log.Warn("unsupported frame type", "type", frame.Type)
		return
	}

	meta := map[string]any{}
	if len(frame.Metadata) > 0 && string(frame.Metadata) != "null" {
		if err := json.Unmarshal(frame.Metadata, &meta); err != nil {
			c.Log.Warn("invalid frame metadata", "error", err)
			meta = map[string]any{}
		}
	}

	saved, err := c.Hub.Store.SaveMessage(ctx, models.Message{
		SessionID:   c.SessionID,
		SenderID:    c.Principal.UserID,
		SenderType:  c.Principal.SenderType(),
		MessageType: msgType,
		Content:     frame.Content,
		Metadata:    meta,
	})
	if err != nil {
		c.Log.Error("save message", "error", err)
		return
	}
	c.Hub.Broadcast(c.SessionID, models.NewMessageFrame(saved))

	if !frame.ToAI {
		return
	}
	answer := assistant.Reply(frame.Content, c.Principal.Role)
	answer.Metadata["suggestions"] = answer.Suggestions
	reply, err := c.Hub.Store.SaveMessage(ctx, models.Message{
		SessionID:   c.SessionID,
		SenderID:    models.AssistantID,
		SenderType:  models.SenderAI,
		MessageType: "text",
		Content:     answer.Content,
		Metadata:    answer.Metadata,
	})
	if err != nil {
		c.Log.Error("save ai reply", "error", err)
		return
	}
	c.Hub.Broadcast(c.SessionID, models.NewMessageFrame(reply))
}

func (c *Client) SendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}
