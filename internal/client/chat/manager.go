package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/evcenter/chatsync/internal/client/api"
	"github.com/evcenter/chatsync/internal/client/conn"
	"github.com/evcenter/chatsync/internal/client/models"
	"github.com/evcenter/chatsync/internal/client/store"
	"github.com/gorilla/websocket"
)

const DefaultHistoryLimit = 50

// API is the subset of the chat service REST API the manager depends on.
// *api.Client satisfies it.
type API interface {
	CreateSession(ctx context.Context, cfg models.SessionConfig) (*models.ChatSession, error)
	GetSession(ctx context.Context, sessionID models.ID) (*models.ChatSession, error)
	GetMySessions(ctx context.Context) ([]models.ChatSession, error)
	GetAllActiveSessions(ctx context.Context) ([]models.ChatSession, error)
	GetMessages(ctx context.Context, sessionID models.ID, limit, offset int) ([]models.ChatMessage, error)
	JoinSessionAsStaff(ctx context.Context, sessionID models.ID) error
	CloseSession(ctx context.Context, sessionID models.ID) error
	GetParticipants(ctx context.Context, sessionID models.ID) ([]models.Participant, error)
}

var _ API = (*api.Client)(nil)

type Config struct {
	// WSBaseURL is the ws:// or wss:// origin of the chat service.
	WSBaseURL    string
	Token        string
	UserID       string
	SenderType   models.SenderType
	HistoryLimit int
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
}

// Manager creates, joins and closes sessions and owns the connection of
// every session it attached.
type Manager struct {
	api  API
	cfg  Config
	base *slog.Logger
	log  *slog.Logger

	mu       sync.Mutex
	sessions map[models.ID]*Session
	closed   map[models.ID]struct{}
}

func NewManager(client API, cfg Config) *Manager {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.SenderType == "" {
		cfg.SenderType = models.SenderCustomer
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		api:      client,
		cfg:      cfg,
		base:     log,
		log:      log.With("module", "chat"),
		sessions: make(map[models.ID]*Session),
		closed:   make(map[models.ID]struct{}),
	}
}

// CreateSession creates a session, loads its history and opens its
// connection. Only the create call itself can fail.
func (m *Manager) CreateSession(ctx context.Context, cfg models.SessionConfig) (*Session, error) {
	info, err := m.api.CreateSession(ctx, cfg)
	if err != nil {
		return nil, &SessionCreationError{Type: cfg.SessionType, Err: err}
	}
	m.log.Info("session created", "sessionId", info.ID, "type", info.SessionType)
	return m.attach(ctx, info, m.cfg.SenderType), nil
}

// JoinAsParticipant attaches to an existing session. Staff and technicians
// are registered through the join-as-staff endpoint first.
func (m *Manager) JoinAsParticipant(ctx context.Context, sessionID models.ID, userType models.SenderType) (*Session, error) {
	if s := m.Session(sessionID); s != nil {
		return s, nil
	}
	if userType == "" {
		userType = m.cfg.SenderType
	}

	if userType == models.SenderStaff || userType == models.SenderTechnician {
		if err := m.api.JoinSessionAsStaff(ctx, sessionID); err != nil {
			return nil, &SessionJoinError{SessionID: sessionID, Err: err}
		}
	}
	info, err := m.api.GetSession(ctx, sessionID)
	if err != nil {
		return nil, &SessionJoinError{SessionID: sessionID, Err: err}
	}
	if info.Status != "" && info.Status != models.StatusActive {
		return nil, &SessionJoinError{SessionID: sessionID, Err: fmt.Errorf("session is %s", info.Status)}
	}

	m.log.Info("session joined", "sessionId", sessionID, "userType", userType)
	return m.attach(ctx, info, userType), nil
}

func (m *Manager) attach(ctx context.Context, info *models.ChatSession, senderType models.SenderType) *Session {
	log := m.log.With("sessionId", info.ID)
	s := &Session{
		api:          m.api,
		store:        store.New(),
		log:          log,
		info:         *info,
		userID:       m.cfg.UserID,
		senderType:   senderType,
		historyLimit: m.cfg.HistoryLimit,
		updates:      make(chan struct{}, 1),
	}
	s.conn = conn.New(m.cfg.WSBaseURL,
		conn.WithDialer(m.cfg.Dialer),
		conn.WithLogger(m.base))
	s.conn.OnMessage(s.handleFrame)
	s.conn.OnStateChange(s.handleState)

	m.mu.Lock()
	if old, ok := m.sessions[info.ID]; ok {
		m.mu.Unlock()
		return old
	}
	m.sessions[info.ID] = s
	delete(m.closed, info.ID)
	m.mu.Unlock()

	if _, err := s.loadPage(ctx, 0); err != nil {
		log.Warn("history unavailable, continuing with live messages", "error", err)
	}

	// The socket outlives the call that opened it.
	if err := s.conn.Connect(context.WithoutCancel(ctx), info.ID.String(), m.cfg.Token); err != nil {
		log.Error("connect", "error", err)
	}
	return s
}

// LoadHistory refetches the newest page of an attached session. Messages
// already present are skipped.
func (m *Manager) LoadHistory(ctx context.Context, sessionID models.ID) error {
	s := m.Session(sessionID)
	if s == nil {
		return &HistoryLoadError{SessionID: sessionID, Err: ErrUnknownSession}
	}
	_, err := s.loadPage(ctx, 0)
	return err
}

// CloseSession closes the connection, marks the session closed on the
// service and forgets it. Closing an unknown or already closed session
// returns nil.
func (m *Manager) CloseSession(ctx context.Context, sessionID models.ID) error {
	m.mu.Lock()
	if _, done := m.closed[sessionID]; done {
		m.mu.Unlock()
		return nil
	}
	s := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.closed[sessionID] = struct{}{}
	m.mu.Unlock()

	if s != nil {
		s.close()
	}

	err := m.api.CloseSession(ctx, sessionID)
	if err != nil && !api.IsNotFound(err) {
		m.mu.Lock()
		delete(m.closed, sessionID)
		m.mu.Unlock()
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	m.log.Info("session closed", "sessionId", sessionID)
	return nil
}

// Session returns the attached session with the given id, or nil.
func (m *Manager) Session(id models.ID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// ActiveSessions lists every active session on the service; staff only.
func (m *Manager) ActiveSessions(ctx context.Context) ([]models.ChatSession, error) {
	return m.api.GetAllActiveSessions(ctx)
}

func (m *Manager) MySessions(ctx context.Context) ([]models.ChatSession, error) {
	return m.api.GetMySessions(ctx)
}

// Shutdown drops every attached session and closes its connection without
// touching server state.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[models.ID]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
