package pubsub

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send while the link is not connected.
	ErrNotConnected = errors.New("pubsub: not connected")
	// ErrEmptyCredentials is returned by Connect when channel or token is empty.
	ErrEmptyCredentials = errors.New("pubsub: channel name and auth token are required")
)

// ConnectionError reports a failed or timed out handshake.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("pubsub %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ServerError is an error reply from the pub/sub server.
type ServerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}
