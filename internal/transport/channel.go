// Package transport carries protocol frames between the orchestrator and the
// automation worker over one ordered, full-duplex connection.
package transport

import (
	"context"
	"errors"

	"github.com/shehryarbajwa/examflow/internal/protocol"
)

var (
	// ErrAuthenticationFailed indicates the worker rejected the bearer token
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrClosed is returned when sending on a closed channel
	ErrClosed = errors.New("channel closed")
)

// Params are the values that must reach the worker at connect time
type Params struct {
	ExamID string
	UserID string
	Token  string
}

// Handler receives channel events. Calls are made from a single goroutine,
// in receive order, and HandleClose is called exactly once and last.
type Handler interface {
	HandleFrame(protocol.Frame)
	// HandleClose reports the end of the channel. err is nil for an orderly
	// close and non-nil when the connection dropped.
	HandleClose(err error)
}

// Channel is an open connection to one worker session
type Channel interface {
	Send(protocol.Frame) error
	// Close hangs up. It is safe to call more than once.
	Close() error
}

// Dialer opens channels. A returned error means the channel never opened and
// the handler will not be called.
type Dialer interface {
	Dial(ctx context.Context, p Params, h Handler) (Channel, error)
}
