package channel

import (
	"errors"
	"fmt"
)

var (
	ErrNotOpen            = errors.New("channel: no active conversation")
	ErrAlreadyOpen        = errors.New("channel: another conversation is open")
	ErrConversationClosed = errors.New("channel: conversation closed, switch to reopen")
	ErrShutdown           = errors.New("channel: shut down")
	ErrEmptyMessage       = errors.New("channel: message is empty")
	ErrUnknownMessage     = errors.New("channel: no such message")
	ErrNotLocationRequest = errors.New("channel: message is not a location request")
	ErrLocationAnswered   = errors.New("channel: location request already answered")
	ErrVoiceFailed        = errors.New("channel: voice session failed")
)

// StaleResponseError is returned by an operation whose result arrived after
// the channel moved to another conversation. The result was discarded.
type StaleResponseError struct {
	Op             string
	ConversationID string
}

func (e *StaleResponseError) Error() string {
	return fmt.Sprintf("channel: stale %s response for conversation %s discarded", e.Op, e.ConversationID)
}

// IsStale reports whether err is a discarded stale response.
func IsStale(err error) bool {
	var se *StaleResponseError
	return errors.As(err, &se)
}

// ErrorEvent is the bus payload of a surfaced error.
type ErrorEvent struct {
	Op  string
	Err error
}

func (e ErrorEvent) Error() string {
	return e.Op + ": " + e.Err.Error()
}
