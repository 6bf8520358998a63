// Package transport defines the contract between a session's lifecycle and
// the messaging network link that backs it.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/openclaw/wa-relay-server-go/internal/model"
)

// ErrNotReady is returned by Send when the link cannot transmit yet.
var ErrNotReady = errors.New("transport not ready")

// Adapter is one network link. An adapter instance serves exactly one
// connection attempt: after Terminate, or after it reported LinkLost or
// AuthFailure, it is discarded and a fresh adapter is built for the next
// attempt.
type Adapter interface {
	// Connect starts the link. credentials is the persisted device identity
	// from a previous pairing, or empty for a fresh pairing.
	Connect(ctx context.Context, credentials string) error

	// Events yields lifecycle and message events. Nothing is delivered after
	// Terminate. A closed channel counts as a lost link.
	Events() <-chan Event

	Send(ctx context.Context, destination string, content model.OutboundContent) (SendResult, error)

	// Ready reports whether the link can transmit right now.
	Ready() bool

	Terminate(ctx context.Context) error
}

// Spec names the session an adapter is built for.
type Spec struct {
	SessionID   string
	SessionName string
}

// Factory builds a fresh adapter per connection attempt.
type Factory interface {
	NewAdapter(spec Spec) (Adapter, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(spec Spec) (Adapter, error)

func (f FactoryFunc) NewAdapter(spec Spec) (Adapter, error) {
	return f(spec)
}

type SendResult struct {
	MessageID string
	Timestamp time.Time
}
