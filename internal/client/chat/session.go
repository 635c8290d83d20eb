package chat

import (
	"context"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/evcenter/chatsync/internal/client/conn"
	"github.com/evcenter/chatsync/internal/client/models"
	"github.com/evcenter/chatsync/internal/client/store"
)

// Session is one attached conversation: its message store and the
// connection feeding it.
type Session struct {
	api   API
	conn  *conn.Manager
	store *store.Store
	log   *slog.Logger

	userID       string
	senderType   models.SenderType
	historyLimit int
	updates      chan struct{}

	// mu guards the fields below and orders store mutations against close.
	mu            sync.Mutex
	info          models.ChatSession
	closed        bool
	historyLoaded bool
	hasMore       bool
}

func (s *Session) ID() models.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.ID
}

func (s *Session) Info() models.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Send echoes content locally and writes it to the socket. It returns false
// without side effects unless the connection is open.
func (s *Session) Send(content string, toAI bool) bool {
	if strings.TrimSpace(content) == "" {
		return false
	}
	if s.conn.State() != conn.StateOpen {
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	pending, created := s.store.AppendPending(store.PendingInput{
		SessionID:  s.info.ID,
		SenderID:   s.userID,
		SenderType: s.senderType,
		Content:    content,
		Metadata:   map[string]any{},
	})
	s.mu.Unlock()
	if !created {
		s.log.Debug("identical message still awaiting confirmation", "pendingId", pending.ID)
	}
	s.notify()

	if s.conn.Send(models.NewTextFrame(content, toAI)) {
		return true
	}

	if created {
		s.mu.Lock()
		if !s.closed {
			s.store.Remove(pending.ID)
		}
		s.mu.Unlock()
		s.notify()
	}
	return false
}

// Messages is the ordered, deduplicated message sequence.
func (s *Session) Messages() iter.Seq[models.ChatMessage] {
	return s.store.Snapshot()
}

func (s *Session) Len() int {
	return s.store.Len()
}

func (s *Session) State() conn.State {
	return s.conn.State()
}

// Err is the reason the connection closed, nil while healthy or after a
// requested close.
func (s *Session) Err() error {
	return s.conn.Err()
}

// Updates delivers a signal after any change to messages or connection
// state. Signals coalesce; read Messages for the current view.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

func (s *Session) Participants(ctx context.Context) ([]models.Participant, error) {
	return s.api.GetParticipants(ctx, s.ID())
}

// HasMore reports whether older history may remain on the service.
func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// LoadMore fetches the page of history just older than what is held and
// returns how many messages were new.
func (s *Session) LoadMore(ctx context.Context) (int, error) {
	return s.loadPage(ctx, s.store.ConfirmedCount())
}

func (s *Session) loadPage(ctx context.Context, offset int) (int, error) {
	id := s.ID()
	page, err := s.api.GetMessages(ctx, id, s.historyLimit, offset)
	if err != nil {
		return 0, &HistoryLoadError{SessionID: id, Offset: offset, Err: err}
	}

	// The service pages newest first.
	slices.Reverse(page)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, &HistoryLoadError{SessionID: id, Offset: offset, Err: ErrUnknownSession}
	}
	added := s.store.AppendAll(page)
	full := len(page) == s.historyLimit
	switch {
	case !s.historyLoaded:
		s.historyLoaded = true
		s.hasMore = full
	case offset > 0 && !full:
		s.hasMore = false
	}
	s.mu.Unlock()

	s.log.Debug("history page loaded", "offset", offset, "received", len(page), "added", added)
	if added > 0 {
		s.notify()
	}
	return added, nil
}

func (s *Session) handleFrame(f models.InboundFrame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	msg, err := f.ToMessage(s.info.ID)
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("dropping frame", "type", f.Type, "error", err)
		return
	}
	outcome := s.store.Reconcile(msg)
	s.mu.Unlock()

	s.log.Debug("message received", "messageId", msg.ID, "outcome", outcome)
	if outcome != store.OutcomeDuplicate {
		s.notify()
	}
}

func (s *Session) handleState(state conn.State, err error) {
	if err != nil {
		s.log.Warn("connection state", "state", state, "error", err)
	} else {
		s.log.Debug("connection state", "state", state)
	}
	s.notify()
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.info.Status = models.StatusClosed
	s.mu.Unlock()

	s.conn.Close()
	s.notify()
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
