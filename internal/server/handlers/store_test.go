package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/evcenter/chatsync/internal/server/models"
	"github.com/evcenter/chatsync/internal/server/storage"
	"github.com/google/uuid"
)

// memStore is an in-memory Store and auth.TokenStore.
type memStore struct {
	mu           sync.Mutex
	tokens       map[int64]models.APIToken
	sessions     map[string]*models.Session
	participants map[string][]models.Participant
	messages     map[string][]models.Message // oldest first
	nextID       int64
	clock        time.Time
}

func newMemStore() *memStore {
	return &memStore{
		tokens:       make(map[int64]models.APIToken),
		sessions:     make(map[string]*models.Session),
		participants: make(map[string][]models.Participant),
		messages:     make(map[string][]models.Message),
		clock:        time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memStore) CreateToken(ctx context.Context, userID, role, secretHash string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.tokens[m.nextID] = models.APIToken{ID: m.nextID, UserID: userID, Role: role, SecretHash: secretHash}
	return m.nextID, nil
}

func (m *memStore) GetToken(ctx context.Context, id int64) (*models.APIToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &t, nil
}

func (m *memStore) CreateSession(ctx context.Context, creator models.Principal, req models.CreateSessionRequest) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.tick()
	s := &models.Session{
		ID:          uuid.NewString(),
		SessionType: req.SessionType,
		Title:       req.Title,
		Status:      models.StatusActive,
		CreatedBy:   creator.UserID,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.sessions[s.ID] = s
	m.participants[s.ID] = append(m.participants[s.ID], models.Participant{
		SessionID: s.ID, UserID: creator.UserID, UserType: creator.Role, Role: "creator", JoinedAt: now,
	})
	cp := *s
	return &cp, nil
}

func (m *memStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) ListSessionsFor(ctx context.Context, userID string) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Session{}
	for id, ps := range m.participants {
		for _, p := range ps {
			if p.UserID == userID {
				out = append(out, *m.sessions[id])
			}
		}
	}
	return out, nil
}

func (m *memStore) ListActiveSessions(ctx context.Context) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Session{}
	for _, s := range m.sessions {
		if s.Status == models.StatusActive {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) CloseSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.Status = models.StatusClosed
	return nil
}

func (m *memStore) GetParticipant(ctx context.Context, sessionID, userID string) (*models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.participants[sessionID] {
		if p.UserID == userID {
			return &p, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) AddParticipant(ctx context.Context, sessionID, userID, userType, role string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.participants[sessionID] {
		if p.UserID == userID {
			return false, nil
		}
	}
	m.participants[sessionID] = append(m.participants[sessionID], models.Participant{
		SessionID: sessionID, UserID: userID, UserType: userType, Role: role, JoinedAt: m.tick(),
	})
	return true, nil
}

func (m *memStore) ListParticipants(ctx context.Context, sessionID string) ([]models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Participant{}, m.participants[sessionID]...), nil
}

func (m *memStore) SaveMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	msg.ID = m.nextID
	msg.CreatedAt = m.tick()
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg)
	return &msg, nil
}

func (m *memStore) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.messages[sessionID]
	out := []models.Message{}
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (m *memStore) messageCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[sessionID])
}
