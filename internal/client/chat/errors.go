package chat

import (
	"errors"
	"fmt"

	"github.com/evcenter/chatsync/internal/client/models"
)

var ErrUnknownSession = errors.New("session is not attached")

// SessionCreationError means the service refused or failed to create a
// session. Callers should surface it to the user.
type SessionCreationError struct {
	Type models.SessionType
	Err  error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("create %s session: %v", e.Type, e.Err)
}

func (e *SessionCreationError) Unwrap() error { return e.Err }

type SessionJoinError struct {
	SessionID models.ID
	Err       error
}

func (e *SessionJoinError) Error() string {
	return fmt.Sprintf("join session %s: %v", e.SessionID, e.Err)
}

func (e *SessionJoinError) Unwrap() error { return e.Err }

// HistoryLoadError is logged and swallowed while attaching a session; new
// messages still flow.
type HistoryLoadError struct {
	SessionID models.ID
	Offset    int
	Err       error
}

func (e *HistoryLoadError) Error() string {
	return fmt.Sprintf("load history for session %s at offset %d: %v", e.SessionID, e.Offset, e.Err)
}

func (e *HistoryLoadError) Unwrap() error { return e.Err }
