// Package registry owns every live session and serializes their creation
// and removal.
package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/wa-relay-server-go/internal/errors"
	"github.com/openclaw/wa-relay-server-go/internal/lifecycle"
	"github.com/openclaw/wa-relay-server-go/internal/model"
	"github.com/openclaw/wa-relay-server-go/internal/notify"
	"github.com/openclaw/wa-relay-server-go/internal/transport"
	"github.com/openclaw/wa-relay-server-go/internal/webhook"
)

const (
	outboxDrainTimeout  = 30 * time.Second
	storeOpTimeout      = 10 * time.Second
	storeDeleteAttempts = 5
)

// SessionStore persists session definitions so they survive restarts.
type SessionStore interface {
	Create(ctx context.Context, params model.CreateSessionParams) (*model.SessionDefinition, error)
	FindAll(ctx context.Context) ([]model.SessionDefinition, error)
	UpdateDeviceJID(ctx context.Context, id, deviceJID string) error
	Delete(ctx context.Context, id string) error
}

// SinkFactory builds the consumer of one session's events.
type SinkFactory func(sessionID, webhookURL string) notify.Sink

type Options struct {
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	PairingTimeout    time.Duration
	LivenessProbe     bool
	QueueSize         int
	// StoreRetryDelay is the first pause before retrying a failed delete of
	// a persisted session. It doubles on every further attempt.
	StoreRetryDelay time.Duration
}

type Registry struct {
	factory   transport.Factory
	store     SessionStore
	sinks     SinkFactory
	opts      Options
	scheduler *Scheduler

	mu      sync.Mutex
	entries map[string]*entry
	byName  map[string]string
	order   []string

	closed    chan struct{}
	closeOnce sync.Once
}

// entry outlives the machines that serve it: a reconnection swaps the
// machine but keeps the identity and the outbox.
type entry struct {
	id         string
	name       string
	webhookURL string
	createdAt  time.Time
	outbox     *notify.Outbox
	machine    *lifecycle.Machine
	attempts   int
}

// store may be nil, in which case sessions live in memory only.
func New(factory transport.Factory, store SessionStore, sinks SinkFactory, opts Options) *Registry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.StoreRetryDelay <= 0 {
		opts.StoreRetryDelay = 2 * time.Second
	}
	return &Registry{
		factory:   factory,
		store:     store,
		sinks:     sinks,
		opts:      opts,
		scheduler: NewScheduler(),
		entries:   make(map[string]*entry),
		byName:    make(map[string]string),
		closed:    make(chan struct{}),
	}
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Create registers a new session and starts connecting it in the
// background. It returns as soon as the session is registered.
func (r *Registry) Create(ctx context.Context, name, webhookURL string) (*model.Session, error) {
	name = strings.TrimSpace(name)
	webhookURL = strings.TrimSpace(webhookURL)
	if name == "" {
		return nil, apperrors.MissingRequired("name")
	}
	if err := webhook.ValidateURL(webhookURL); err != nil {
		return nil, apperrors.InvalidInput("webhookUrl", err.Error())
	}

	e := &entry{
		id:         uuid.NewString(),
		name:       name,
		webhookURL: webhookURL,
		createdAt:  time.Now(),
	}
	m, err := r.newMachine(e, "", 0)
	if err != nil {
		return nil, err
	}
	e.machine = m
	e.outbox = notify.NewOutbox(e.id, r.sinkFor(e), r.opts.QueueSize)

	r.mu.Lock()
	if _, taken := r.byName[nameKey(name)]; taken {
		r.mu.Unlock()
		r.discard(ctx, e)
		return nil, apperrors.DuplicateName(name)
	}
	r.insertLocked(e)
	r.mu.Unlock()

	if r.store != nil {
		_, err := r.store.Create(ctx, model.CreateSessionParams{ID: e.id, Name: e.name, WebhookURL: e.webhookURL})
		if err != nil {
			r.mu.Lock()
			r.deleteLocked(e)
			r.mu.Unlock()
			r.discard(ctx, e)
			log.Error().Err(err).Str("sessionName", name).Msg("failed to persist session")
			return nil, apperrors.Database(err)
		}
	}

	m.Start(context.Background())

	log.Info().
		Str("sessionId", e.id).
		Str("sessionName", e.name).
		Bool("webhook", e.webhookURL != "").
		Msg("session created")

	snap := m.Snapshot()
	return &snap, nil
}

// Restore recreates the sessions persisted by a previous run.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}

	defs, err := r.store.FindAll(ctx)
	if err != nil {
		return 0, apperrors.Database(err)
	}

	restored := 0
	for _, def := range defs {
		e := &entry{
			id:         def.ID,
			name:       def.Name,
			webhookURL: def.WebhookURL,
			createdAt:  def.CreatedAt,
		}
		credentials := ""
		if def.DeviceJID != nil {
			credentials = *def.DeviceJID
		}

		m, err := r.newMachine(e, credentials, 0)
		if err != nil {
			log.Error().Err(err).Str("sessionId", def.ID).Msg("failed to restore session")
			continue
		}
		e.machine = m
		e.outbox = notify.NewOutbox(e.id, r.sinkFor(e), r.opts.QueueSize)

		r.mu.Lock()
		_, idTaken := r.entries[e.id]
		_, nameTaken := r.byName[nameKey(e.name)]
		if idTaken || nameTaken {
			r.mu.Unlock()
			r.discard(ctx, e)
			log.Warn().Str("sessionId", def.ID).Str("sessionName", def.Name).Msg("skipping duplicate persisted session")
			continue
		}
		r.insertLocked(e)
		r.mu.Unlock()

		m.Start(context.Background())
		restored++
	}

	log.Info().Int("count", restored).Msg("sessions restored")
	return restored, nil
}

func (r *Registry) Get(id string) (*model.Session, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	var m *lifecycle.Machine
	if ok {
		m = e.machine
	}
	r.mu.Unlock()
	if !ok {
		return nil, apperrors.NotFound("session")
	}
	snap := m.Snapshot()
	return &snap, nil
}

func (r *Registry) GetByName(name string) (*model.Session, error) {
	r.mu.Lock()
	id, ok := r.byName[nameKey(name)]
	r.mu.Unlock()
	if !ok {
		return nil, apperrors.NotFound("session")
	}
	return r.Get(id)
}

// Resolve looks a session up by id first and by name second.
func (r *Registry) Resolve(ref string) (*model.Session, error) {
	if s, err := r.Get(ref); err == nil {
		return s, nil
	}
	return r.GetByName(ref)
}

// List returns summaries in creation order.
func (r *Registry) List() []model.SessionSummary {
	r.mu.Lock()
	machines := make([]*lifecycle.Machine, 0, len(r.order))
	for _, id := range r.order {
		machines = append(machines, r.entries[id].machine)
	}
	r.mu.Unlock()

	out := make([]model.SessionSummary, 0, len(machines))
	for _, m := range machines {
		out = append(out, model.SessionSummary{ID: m.ID(), Name: m.Name(), State: m.State()})
	}
	return out
}

// Remove tears a session down. Unknown ids are ignored. A failure to delete
// the persisted definition is retried in the background and never reported
// to the caller, since the session is already gone.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	r.deleteLocked(e)
	m := e.machine
	r.mu.Unlock()

	m.Teardown(ctx)
	r.closeOutbox(e)

	log.Info().Str("sessionId", e.id).Str("sessionName", e.name).Msg("session removed")

	r.forget(ctx, e.id)
	return nil
}

// Send transmits content through the session identified by id or name.
func (r *Registry) Send(ctx context.Context, ref, destination string, content model.OutboundContent) (*model.Delivery, error) {
	m, err := r.machine(ref)
	if err != nil {
		return nil, err
	}
	return m.Send(ctx, destination, content)
}

// Close stops every session without forgetting the persisted ones.
func (r *Registry) Close(ctx context.Context) {
	r.closeOnce.Do(func() { close(r.closed) })
	r.scheduler.Stop()

	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, id := range r.order {
		entries = append(entries, r.entries[id])
	}
	r.entries = make(map[string]*entry)
	r.byName = make(map[string]string)
	r.order = nil
	r.mu.Unlock()

	for _, e := range entries {
		e.machine.Teardown(ctx)
	}
	for _, e := range entries {
		if err := e.outbox.Close(ctx); err != nil {
			log.Warn().Err(err).Str("sessionId", e.id).Msg("outbox not drained before shutdown")
		}
	}
}

func (r *Registry) machine(ref string) (*lifecycle.Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[ref]; ok {
		return e.machine, nil
	}
	if id, ok := r.byName[nameKey(ref)]; ok {
		return r.entries[id].machine, nil
	}
	return nil, apperrors.NotFound("session")
}

// discard releases what was built for an entry that never got registered.
func (r *Registry) discard(ctx context.Context, e *entry) {
	e.machine.Teardown(ctx)
	if err := e.outbox.Close(ctx); err != nil {
		log.Warn().Err(err).Str("sessionId", e.id).Msg("outbox not drained")
	}
}

func (r *Registry) newMachine(e *entry, credentials string, attempt int) (*lifecycle.Machine, error) {
	adapter, err := r.factory.NewAdapter(transport.Spec{SessionID: e.id, SessionName: e.name})
	if err != nil {
		log.Error().Err(err).Str("sessionName", e.name).Msg("failed to build transport adapter")
		return nil, apperrors.External("transport", err)
	}

	return lifecycle.New(lifecycle.Config{
		ID:             e.id,
		Name:           e.name,
		WebhookURL:     e.webhookURL,
		CreatedAt:      e.createdAt,
		Credentials:    credentials,
		Attempt:        attempt,
		PairingTimeout: r.opts.PairingTimeout,
		LivenessProbe:  r.opts.LivenessProbe,
	}, adapter, &hooks{registry: r, entry: e}), nil
}

func (r *Registry) sinkFor(e *entry) notify.Sink {
	var sinks []notify.Sink
	if r.store != nil {
		sinks = append(sinks, &deviceSink{store: r.store})
	}
	if r.sinks != nil {
		sinks = append(sinks, r.sinks(e.id, e.webhookURL))
	}
	return notify.NewHub(sinks...)
}

func (r *Registry) insertLocked(e *entry) {
	r.entries[e.id] = e
	r.byName[nameKey(e.name)] = e.id
	r.order = append(r.order, e.id)
}

func (r *Registry) deleteLocked(e *entry) {
	r.scheduler.Cancel(e.id)
	delete(r.entries, e.id)
	if r.byName[nameKey(e.name)] == e.id {
		delete(r.byName, nameKey(e.name))
	}
	for i, id := range r.order {
		if id == e.id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) closeOutbox(e *entry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), outboxDrainTimeout)
		defer cancel()
		if err := e.outbox.Close(ctx); err != nil {
			log.Warn().Err(err).Str("sessionId", e.id).Msg("outbox not drained")
		}
	}()
}

// currentLocked reports whether m still serves e and e is still registered.
func (r *Registry) currentLocked(e *entry, m *lifecycle.Machine) bool {
	registered, ok := r.entries[e.id]
	return ok && registered == e && e.machine == m
}

func (r *Registry) scheduleReconnect(e *entry, m *lifecycle.Machine, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.currentLocked(e, m) || m.TeardownRequested() {
		return
	}

	delay := Backoff(r.opts.ReconnectDelay, r.opts.ReconnectMaxDelay, e.attempts)
	e.attempts++

	log.Info().
		Str("sessionId", e.id).
		Str("sessionName", e.name).
		Str("reason", reason).
		Int("attempt", e.attempts).
		Dur("delay", delay).
		Msg("reconnection scheduled")

	r.scheduler.Schedule(e.id, delay, func() { r.reconnect(e, m) })
}

// reconnect replaces a disconnected machine with a fresh one for the same
// session. Nothing of the old instance is reused except its credentials.
func (r *Registry) reconnect(e *entry, old *lifecycle.Machine) {
	r.mu.Lock()
	stale := !r.currentLocked(e, old) || old.TeardownRequested()
	attempt := e.attempts
	r.mu.Unlock()
	if stale {
		return
	}

	credentials := old.Snapshot().DeviceJID
	m, err := r.newMachine(e, credentials, attempt)
	if err != nil {
		r.scheduleReconnect(e, old, "adapter_unavailable")
		return
	}

	r.mu.Lock()
	if !r.currentLocked(e, old) || old.TeardownRequested() {
		r.mu.Unlock()
		m.Teardown(context.Background())
		return
	}
	e.machine = m
	r.mu.Unlock()

	log.Info().
		Str("sessionId", e.id).
		Str("sessionName", e.name).
		Int("attempt", m.Attempt()).
		Msg("reconnecting session")

	m.Start(context.Background())
}

func (r *Registry) release(e *entry, m *lifecycle.Machine, reason string) {
	r.mu.Lock()
	if !r.currentLocked(e, m) {
		r.mu.Unlock()
		return
	}
	r.deleteLocked(e)
	r.mu.Unlock()

	r.closeOutbox(e)

	log.Info().
		Str("sessionId", e.id).
		Str("sessionName", e.name).
		Str("reason", reason).
		Msg("session released")

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	r.forget(ctx, e.id)
}

// forget deletes the persisted definition of a session that left the
// registry. Failed deletes are retried with a doubling delay until they
// succeed, the attempts run out or the registry closes.
func (r *Registry) forget(ctx context.Context, id string) {
	if r.store == nil {
		return
	}
	err := r.store.Delete(ctx, id)
	if err == nil {
		return
	}
	log.Error().Err(err).Str("sessionId", id).Msg("failed to delete persisted session, retrying")

	go func() {
		delay := r.opts.StoreRetryDelay
		for attempt := 2; attempt <= storeDeleteAttempts; attempt++ {
			select {
			case <-time.After(delay):
			case <-r.closed:
				log.Warn().Str("sessionId", id).Msg("registry closed before persisted session was deleted")
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			err := r.store.Delete(ctx, id)
			cancel()
			if err == nil {
				log.Info().Str("sessionId", id).Int("attempt", attempt).Msg("persisted session deleted")
				return
			}
			log.Warn().Err(err).Str("sessionId", id).Int("attempt", attempt).Msg("failed to delete persisted session")
			delay *= 2
		}
		log.Error().Str("sessionId", id).Msg("giving up deleting persisted session")
	}()
}

func (r *Registry) connected(e *entry, m *lifecycle.Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentLocked(e, m) {
		e.attempts = 0
	}
}

// hooks binds one entry's machines to the registry.
type hooks struct {
	registry *Registry
	entry    *entry
}

func (h *hooks) Emit(m *lifecycle.Machine, ev model.Event) {
	if ev.Kind == model.EventConnectionReady {
		h.registry.connected(h.entry, m)
	}
	h.entry.outbox.Enqueue(ev)
}

func (h *hooks) Reconnect(m *lifecycle.Machine, reason string) {
	h.registry.scheduleReconnect(h.entry, m, reason)
}

func (h *hooks) Release(m *lifecycle.Machine, reason string) {
	h.registry.release(h.entry, m, reason)
}

// deviceSink remembers the device identity of a linked session so it can be
// restored without pairing again.
type deviceSink struct {
	store SessionStore
}

func (s *deviceSink) Deliver(ctx context.Context, ev model.Event) {
	if ev.Kind != model.EventConnectionReady || ev.UserInfo == nil || ev.UserInfo.JID == "" {
		return
	}
	if err := s.store.UpdateDeviceJID(ctx, ev.Instance.ID, ev.UserInfo.JID); err != nil {
		log.Error().Err(err).Str("sessionId", ev.Instance.ID).Msg("failed to persist device identity")
	}
}
