package store

import (
	"slices"

	"github.com/evcenter/chatsync/internal/client/models"
)

// Outcome describes what Reconcile did with a confirmed message.
type Outcome int

const (
	OutcomeDuplicate Outcome = iota
	OutcomeReconciled
	OutcomeAppended
	// OutcomeSettled: the id was already stored, and a pending copy of the
	// same message was dropped.
	OutcomeSettled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeReconciled:
		return "reconciled"
	case OutcomeAppended:
		return "appended"
	case OutcomeSettled:
		return "settled"
	}
	return "unknown"
}

// Reconcile merges a server-confirmed message into the store.
//
// A message whose id is already stored is not added again, but the earliest
// pending entry with the same content and sender type is dropped: history
// delivered that message before its echo did. Otherwise the earliest such
// pending entry takes over the server's identity in place. Anything else is
// appended. Matching is on (content, sender type) only, so two identical
// rapid sends from the same role confirm in send order.
func (s *Store) Reconcile(confirmed models.ChatMessage) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.findPendingLocked(confirmed.Content, confirmed.SenderType)
	if _, ok := s.confirmed[confirmed.ID]; ok {
		if i < 0 {
			return OutcomeDuplicate
		}
		s.entries = slices.Delete(s.entries, i, i+1)
		return OutcomeSettled
	}
	if i < 0 {
		s.appendLocked(confirmed)
		return OutcomeAppended
	}
	s.confirmPendingLocked(i, confirmed)
	return OutcomeReconciled
}

// confirmPendingLocked gives the pending entry at i the server's identity.
func (s *Store) confirmPendingLocked(i int, confirmed models.ChatMessage) {
	e := s.entries[i]
	e.msg.ID = confirmed.ID
	e.msg.CreatedAt = confirmed.CreatedAt
	e.msg.Metadata = confirmed.Metadata
	e.msg.IsPending = false
	if confirmed.SenderID != "" {
		e.msg.SenderID = confirmed.SenderID
	}
	if confirmed.MessageType != "" {
		e.msg.MessageType = confirmed.MessageType
	}
	if e.msg.SessionID == "" {
		e.msg.SessionID = confirmed.SessionID
	}
	s.confirmed[e.msg.ID] = struct{}{}

	// The server timestamp may move the entry; it keeps its insertion seq.
	s.entries = slices.Delete(s.entries, i, i+1)
	s.insertLocked(e)
}
