// Package notify fans domain events out to their consumers.
package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/wa-relay-server-go/internal/model"
)

// Sink consumes domain events. Deliver must not retain ev after returning.
type Sink interface {
	Deliver(ctx context.Context, ev model.Event)
}

type SinkFunc func(ctx context.Context, ev model.Event)

func (f SinkFunc) Deliver(ctx context.Context, ev model.Event) {
	f(ctx, ev)
}

// Hub delivers each event to every sink in registration order.
type Hub struct {
	sinks []Sink
}

func NewHub(sinks ...Sink) *Hub {
	h := &Hub{}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	return h
}

func (h *Hub) Deliver(ctx context.Context, ev model.Event) {
	for _, s := range h.sinks {
		s.Deliver(ctx, ev)
	}
}

// Outbox queues the events of one session and delivers them in order on a
// single goroutine, so slow consumers never stall the producer.
type Outbox struct {
	sessionID string
	sink      Sink
	queue     chan model.Event
	done      chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewOutbox(sessionID string, sink Sink, size int) *Outbox {
	if size <= 0 {
		size = 1
	}
	o := &Outbox{
		sessionID: sessionID,
		sink:      sink,
		queue:     make(chan model.Event, size),
		done:      make(chan struct{}),
	}
	go o.run()
	return o
}

// Enqueue never blocks. It reports false when the event was dropped.
func (o *Outbox) Enqueue(ev model.Event) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		log.Warn().
			Str("sessionId", o.sessionID).
			Str("event", string(ev.Kind)).
			Msg("outbox closed, event dropped")
		return false
	}

	select {
	case o.queue <- ev:
		return true
	default:
		log.Warn().
			Str("sessionId", o.sessionID).
			Str("event", string(ev.Kind)).
			Int("capacity", cap(o.queue)).
			Msg("outbox full, event dropped")
		return false
	}
}

// Close stops accepting events and waits until the queued ones were
// delivered or ctx expires.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Outbox) run() {
	defer close(o.done)
	for ev := range o.queue {
		o.sink.Deliver(context.Background(), ev)
	}
}
