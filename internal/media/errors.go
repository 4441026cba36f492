package media

import (
	"errors"
	"strings"
)

// TokenExpiredError reports that the media server rejected the room token.
type TokenExpiredError struct {
	Err error
}

func (e *TokenExpiredError) Error() string {
	return "media: room token rejected: " + e.Err.Error()
}

func (e *TokenExpiredError) Unwrap() error { return e.Err }

// MediaPermissionError reports that the microphone could not be opened.
type MediaPermissionError struct {
	Err error
}

func (e *MediaPermissionError) Error() string {
	return "media: microphone unavailable: " + e.Err.Error()
}

func (e *MediaPermissionError) Unwrap() error { return e.Err }

// ErrSessionClosed is returned by SendData after Leave.
var ErrSessionClosed = errors.New("media: session closed")

// The room client reports rejected tokens only through the error text of
// the signalling handshake.
var tokenRejections = []string{"401", "unauthorized", "token is expired", "invalid token"}

func classifyJoinError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, s := range tokenRejections {
		if strings.Contains(msg, s) {
			return &TokenExpiredError{Err: err}
		}
	}
	return err
}
