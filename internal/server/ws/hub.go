package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/evcenter/chatsync/internal/server/models"
)

// MessageStore persists messages received on sockets.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg models.Message) (*models.Message, error)
}

// Hub tracks the open sockets of every session and fans frames out to them.
type Hub struct {
	Store MessageStore
	Log   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]map[*Client]struct{}
}

func NewHub(store MessageStore, log *slog.Logger) *Hub {
	return &Hub{
		Store:    store,
		Log:      log.With("module", "hub"),
		sessions: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.sessions[c.SessionID]
	if !ok {
		clients = make(map[*Client]struct{})
		h.sessions[c.SessionID] = clients
	}
	clients[c] = struct{}{}
	h.Log.Info("client joined", "sessionId", c.SessionID, "userId", c.Principal.UserID, "connections", len(clients))
}

// Unregister removes c and closes its send channel. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	clients, ok := h.sessions[c.SessionID]
	if !ok {
		return
	}
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	close(c.Send)
	if len(clients) == 0 {
		delete(h.sessions, c.SessionID)
	}
	h.Log.Info("client left", "sessionId", c.SessionID, "userId", c.Principal.UserID)
}

// Broadcast sends v to every socket of the session. Clients whose buffer is
// full are dropped.
func (h *Hub) Broadcast(sessionID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.Log.Error("encode frame", "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.sessions[sessionID] {
		select {
		case c.Send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		h.Log.Warn("dropping slow client", "sessionId", sessionID, "userId", c.Principal.UserID)
		h.removeLocked(c)
	}
	h.mu.Unlock()
}

// DisconnectSession closes every socket of the session.
func (h *Hub) DisconnectSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.sessions[sessionID] {
		h.removeLocked(c)
	}
}

func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}
