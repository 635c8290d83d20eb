package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/evcenter/chatsync/internal/client/models"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Manager owns one WebSocket for one chat session. It is single-use: once
// Closed, a new Manager is needed to connect again.
type Manager struct {
	baseURL string
	dialer  *websocket.Dialer
	log     *slog.Logger

	mu        sync.Mutex
	state     State
	err       error
	sessionID string
	ws        *websocket.Conn
	cancel    context.CancelFunc
	onMessage func(models.InboundFrame)
	onState   func(State, error)
	done      chan struct{}

	writeMu sync.Mutex
}

type Option func(*Manager)

func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// New prepares an idle connection against baseURL (ws:// or wss://).
func New(baseURL string, opts ...Option) *Manager {
	m := &Manager{
		baseURL: baseURL,
		dialer:  websocket.DefaultDialer,
		log:     slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("module", "conn")
	return m
}

// Endpoint builds the session socket URL with the credential as a query
// parameter.
func Endpoint(baseURL, sessionID, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse ws url: %w", err)
	}
	u = u.JoinPath("chat", "ws", "chat", sessionID)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// OnMessage registers the handler for inbound message frames. It runs on
// the reader goroutine, once per frame, in arrival order.
func (m *Manager) OnMessage(h func(models.InboundFrame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = h
}

// OnStateChange registers a handler called after every transition.
func (m *Manager) OnStateChange(h func(State, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = h
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the cause of the Closed state, nil for a requested close.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done is closed once the instance reaches Closed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Connect starts dialing in the background and returns immediately. ctx
// bounds the dial only.
func (m *Manager) Connect(ctx context.Context, sessionID, token string) error {
	if token == "" {
		return models.ErrNoCredential
	}
	endpoint, err := Endpoint(m.baseURL, sessionID, token)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrInvalidState
	}
	dialCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.sessionID = sessionID
	m.transitionLocked(StateConnecting, nil)
	m.mu.Unlock()

	m.notify(StateConnecting, nil)
	go m.run(dialCtx, endpoint)
	return nil
}

func (m *Manager) run(ctx context.Context, endpoint string) {
	ws, _, err := m.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		m.fail("dial", err)
		return
	}

	m.mu.Lock()
	if m.state != StateConnecting {
		// Closed while dialing.
		m.mu.Unlock()
		ws.Close()
		return
	}
	m.ws = ws
	m.transitionLocked(StateOpen, nil)
	m.mu.Unlock()

	m.log.Info("connected", "sessionId", m.sessionID)
	m.notify(StateOpen, nil)
	m.readLoop(ws)
}

func (m *Manager) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.closeWith(nil)
				return
			}
			m.fail("read", err)
			return
		}

		frame, err := models.DecodeFrame(data)
		if err != nil {
			m.log.Warn("dropping frame", "sessionId", m.sessionID, "error", err)
			continue
		}
		if frame.IsSystem() {
			m.log.Debug("system frame", "sessionId", m.sessionID, "message", frame.Message)
			continue
		}

		m.mu.Lock()
		open := m.state == StateOpen
		h := m.onMessage
		m.mu.Unlock()
		if !open {
			return
		}
		if h != nil {
			h(frame)
		}
	}
}

// Send writes a frame when the connection is Open. In any other state it
// does nothing and returns false; a failed write closes the connection.
func (m *Manager) Send(frame models.OutboundFrame) bool {
	m.mu.Lock()
	ws := m.ws
	open := m.state == StateOpen
	m.mu.Unlock()
	if !open {
		return false
	}

	data, err := json.Marshal(frame)
	if err != nil {
		m.log.Error("encode frame", "error", err)
		return false
	}

	m.writeMu.Lock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = ws.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		m.fail("write", err)
		return false
	}
	return true
}

// Close releases the transport. It is safe from any state and more than
// once. A handler already running may finish; no new one starts.
func (m *Manager) Close() {
	m.closeWith(nil)
}

func (m *Manager) fail(op string, err error) {
	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		m.closeWith(nil)
		return
	}
	cerr := &ConnectionError{Op: op, SessionID: sessionID, Err: err}
	if m.closeWith(cerr) {
		m.log.Warn("connection closed", "sessionId", sessionID, "op", op, "error", err)
	}
}

func (m *Manager) closeWith(cause error) bool {
	m.mu.Lock()
	if !m.transitionLocked(StateClosed, cause) {
		m.mu.Unlock()
		return false
	}
	ws := m.ws
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.Close()
	}
	m.notify(StateClosed, cause)
	return true
}

func (m *Manager) transitionLocked(to State, cause error) bool {
	if !CanTransition(m.state, to) {
		return false
	}
	m.state = to
	if to == StateClosed {
		m.err = cause
		close(m.done)
	}
	return true
}

func (m *Manager) notify(s State, err error) {
	m.mu.Lock()
	h := m.onState
	m.mu.Unlock()
	if h != nil {
		h(s, err)
	}
}
