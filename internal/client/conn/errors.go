package conn

import (
	"errors"
	"fmt"
)

var ErrInvalidState = errors.New("connection is not idle")

// ConnectionError records why a connection ended up Closed: the dial
// failed, the stream dropped, or a write failed.
type ConnectionError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s for session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
