package store

import (
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/evcenter/chatsync/internal/client/models"
	"github.com/google/uuid"
)

// PendingPrefix marks locally generated ids of messages awaiting confirmation.
const PendingPrefix = "pending-"

func IsPendingID(id models.ID) bool {
	return strings.HasPrefix(string(id), PendingPrefix)
}

type entry struct {
	msg models.ChatMessage
	seq uint64 // insertion order, breaks CreatedAt ties
}

// Store is the ordered, deduplicated message list of one session. All
// mutations serialize on mu.
type Store struct {
	mu        sync.Mutex
	entries   []entry
	confirmed map[models.ID]struct{}
	nextSeq   uint64
	now       func() time.Time
}

type Option func(*Store)

// WithClock replaces time.Now for pending timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		confirmed: make(map[models.ID]struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append inserts a confirmed message. It returns false when a message with
// the same id is already stored. A pending entry with the same content and
// sender type is confirmed in place instead of leaving both.
func (s *Store) Append(msg models.ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(msg)
}

// AppendAll inserts a batch of confirmed messages and returns how many were new.
func (s *Store) AppendAll(msgs []models.ChatMessage) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, msg := range msgs {
		if s.appendLocked(msg) {
			added++
		}
	}
	return added
}

func (s *Store) appendLocked(msg models.ChatMessage) bool {
	msg.IsPending = false
	if _, ok := s.confirmed[msg.ID]; ok {
		return false
	}
	if i := s.findPendingLocked(msg.Content, msg.SenderType); i >= 0 {
		s.confirmPendingLocked(i, msg)
		return true
	}
	s.confirmed[msg.ID] = struct{}{}
	s.insertLocked(entry{msg: msg, seq: s.takeSeq()})
	return true
}

type PendingInput struct {
	SessionID  models.ID
	SenderID   string
	SenderType models.SenderType
	Content    string
	Metadata   map[string]any
}

// AppendPending inserts a locally echoed message. Only one pending entry may
// exist per (content, sender type); a second one is refused and the existing
// entry is returned with false.
func (s *Store) AppendPending(in PendingInput) (models.ChatMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.findPendingLocked(in.Content, in.SenderType); i >= 0 {
		return s.entries[i].msg, false
	}

	msg := models.ChatMessage{
		ID:          models.ID(PendingPrefix + uuid.NewString()),
		SessionID:   in.SessionID,
		SenderID:    in.SenderID,
		SenderType:  in.SenderType,
		MessageType: models.MessageText,
		Content:     in.Content,
		CreatedAt:   models.Timestamp{Time: s.now()},
		Metadata:    in.Metadata,
		IsPending:   true,
	}
	s.insertLocked(entry{msg: msg, seq: s.takeSeq()})
	return msg, true
}

// Remove deletes a pending entry. Confirmed messages are never removed.
func (s *Store) Remove(id models.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.msg.ID == id && e.msg.IsPending {
			s.entries = slices.Delete(s.entries, i, i+1)
			return true
		}
	}
	return false
}

// Snapshot returns a lazy view of the ordered sequence. Every range over it
// copies the current state, so it can be iterated again later.
func (s *Store) Snapshot() iter.Seq[models.ChatMessage] {
	return func(yield func(models.ChatMessage) bool) {
		for _, msg := range s.Messages() {
			if !yield(msg) {
				return
			}
		}
	}
}

func (s *Store) Messages() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ChatMessage, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// ConfirmedCount is the number of server-confirmed messages, used as the
// offset when paging older history.
func (s *Store) ConfirmedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.confirmed)
}

func (s *Store) takeSeq() uint64 {
	s.nextSeq++
	return s.nextSeq
}

func compareEntries(a, b entry) int {
	if c := a.msg.CreatedAt.Compare(b.msg.CreatedAt.Time); c != 0 {
		return c
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}

func (s *Store) insertLocked(e entry) {
	i, _ := slices.BinarySearchFunc(s.entries, e, compareEntries)
	s.entries = slices.Insert(s.entries, i, e)
}

func (s *Store) findPendingLocked(content string, sender models.SenderType) int {
	for i, e := range s.entries {
		if e.msg.IsPending && e.msg.Content == content && e.msg.SenderType == sender {
			return i
		}
	}
	return -1
}
