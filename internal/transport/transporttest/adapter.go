// Package transporttest provides a scriptable in-memory transport for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openclaw/wa-relay-server-go/internal/model"
	"github.com/openclaw/wa-relay-server-go/internal/transport"
)

type SentMessage struct {
	Destination string
	Content     model.OutboundContent
}

// Adapter is a fake transport.Adapter. Tests drive it with Emit and
// inspect calls through its accessors.
type Adapter struct {
	Spec transport.Spec

	mu          sync.Mutex
	events      chan transport.Event
	done        chan struct{}
	ready       bool
	connected   bool
	credentials string
	connectErr  error
	sendErr     error
	sent        []SentMessage
	terminated  int
	seq         int
}

func NewAdapter(spec transport.Spec) *Adapter {
	return &Adapter{
		Spec:   spec,
		events: make(chan transport.Event, 64),
		done:   make(chan struct{}),
	}
}

func (a *Adapter) Connect(_ context.Context, credentials string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connectErr != nil {
		return a.connectErr
	}
	a.connected = true
	a.credentials = credentials
	return nil
}

func (a *Adapter) Events() <-chan transport.Event {
	return a.events
}

// Emit delivers an event unless the adapter was terminated. It reports
// whether the event was queued.
func (a *Adapter) Emit(ev transport.Event) bool {
	switch ev.(type) {
	case transport.Ready:
		a.SetReady(true)
	case transport.LinkLost, transport.AuthFailure:
		a.SetReady(false)
	}
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.events <- ev:
		return true
	case <-a.done:
		return false
	}
}

func (a *Adapter) Send(_ context.Context, destination string, content model.OutboundContent) (transport.SendResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return transport.SendResult{}, a.sendErr
	}
	if !a.ready {
		return transport.SendResult{}, transport.ErrNotReady
	}
	a.seq++
	a.sent = append(a.sent, SentMessage{Destination: destination, Content: content})
	return transport.SendResult{
		MessageID: fmt.Sprintf("msg-%d", a.seq),
		Timestamp: time.Now(),
	}, nil
}

func (a *Adapter) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

func (a *Adapter) Terminate(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminated++
	if a.terminated == 1 {
		a.ready = false
		close(a.done)
	}
	return nil
}

func (a *Adapter) SetReady(ready bool) {
	a.mu.Lock()
	a.ready = ready
	a.mu.Unlock()
}

func (a *Adapter) FailConnect(err error) {
	a.mu.Lock()
	a.connectErr = err
	a.mu.Unlock()
}

func (a *Adapter) FailSend(err error) {
	a.mu.Lock()
	a.sendErr = err
	a.mu.Unlock()
}

func (a *Adapter) Sent() []SentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SentMessage(nil), a.sent...)
}

func (a *Adapter) Credentials() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.credentials
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Adapter) Terminated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.terminated > 0
}

// Factory records every adapter it builds.
type Factory struct {
	mu       sync.Mutex
	adapters []*Adapter
	created  chan *Adapter
	err      error
}

func NewFactory() *Factory {
	return &Factory{created: make(chan *Adapter, 64)}
}

func (f *Factory) NewAdapter(spec transport.Spec) (transport.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	a := NewAdapter(spec)
	f.adapters = append(f.adapters, a)
	select {
	case f.created <- a:
	default:
	}
	return a, nil
}

func (f *Factory) Fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Next waits for the next adapter built by the factory.
func (f *Factory) Next(timeout time.Duration) (*Adapter, bool) {
	select {
	case a := <-f.created:
		return a, true
	case <-time.After(timeout):
		return nil, false
	}
}

func (f *Factory) Adapters() []*Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Adapter(nil), f.adapters...)
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adapters)
}
