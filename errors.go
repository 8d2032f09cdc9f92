package transcendence

import (
	"errors"
	"fmt"
)

var (
	// ErrNotOpen is returned by Channel.Send when the channel is not open.
	ErrNotOpen = errors.New("channel is not open")

	// ErrNotAuthenticated is returned when a connection is requested while the
	// session identity is not authenticated.
	ErrNotAuthenticated = errors.New("session is not authenticated")

	// ErrConnectionClosed rejects queued actions and outstanding calls after an
	// explicit close of the session.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrQueueFull is returned when the action queue is at capacity.
	ErrQueueFull = errors.New("action queue is full")

	// ErrReplyTimeout is returned when no reply matched a call in time.
	ErrReplyTimeout = errors.New("timed out waiting for reply")

	// ErrRetriesExhausted is reported once the reconnect ceiling is reached.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

	// ErrSessionExpired is reported after too many consecutive mid-session
	// drops; the server most likely invalidated the session.
	ErrSessionExpired = errors.New("session expired")

	// ErrUnauthorized is returned by the snapshot client on HTTP 401.
	ErrUnauthorized = errors.New("unauthorized")
)

// APIError represents a non-2xx response from the REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// ProtocolError is a business error returned by the server for a specific
// request. It is delivered inside a Reply, never as a Go error.
type ProtocolError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return e.Type + ": " + e.Message
}
