// Package lifecycle runs the state machine of a single session instance.
//
// A Machine owns one transport adapter for one connection attempt. It reads
// adapter events on a dedicated goroutine, so events of a session are
// handled strictly in order while different sessions proceed in parallel.
// When the link is lost the machine stops and its owner decides whether a
// fresh machine replaces it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/wa-relay-server-go/internal/errors"
	"github.com/openclaw/wa-relay-server-go/internal/model"
	"github.com/openclaw/wa-relay-server-go/internal/transport"
)

const (
	probeTimeout = 20 * time.Second
	probeText    = "."

	reasonRemoved       = "removed"
	reasonConnectFailed = "connect_failed"
	reasonClosed        = "transport_closed"
	reasonProbeFailed   = "liveness_probe_failed"
	reasonPairingExpiry = "pairing_expired"
)

// Hooks connects a machine to its owner. Emit must not block.
type Hooks interface {
	Emit(m *Machine, ev model.Event)
	// Reconnect is called once after a recoverable link loss unless a
	// teardown was requested.
	Reconnect(m *Machine, reason string)
	// Release is called once when the session must be destroyed.
	Release(m *Machine, reason string)
}

type Config struct {
	ID         string
	Name       string
	WebhookURL string
	CreatedAt  time.Time

	// Credentials restores a previously paired device.
	Credentials string
	// Attempt is the number of reconnections that preceded this instance.
	Attempt int

	// PairingTimeout bounds the wait for a scanned pairing code. Zero
	// disables the bound.
	PairingTimeout time.Duration
	// LivenessProbe sends a message to the account itself before the
	// session is reported connected.
	LivenessProbe bool
}

type Machine struct {
	id         string
	name       string
	webhookURL string
	createdAt  time.Time
	attempt    int

	adapter        transport.Adapter
	hooks          Hooks
	pairingTimeout time.Duration
	livenessProbe  bool
	now            func() time.Time
	logger         zerolog.Logger

	mu  sync.RWMutex
	rec record

	commands     chan command
	stop         chan struct{}
	stopOnce     sync.Once
	done         chan struct{}
	started      atomic.Bool
	teardown     atomic.Bool
	pairingTimer *time.Timer
	// probing is set while a liveness probe is in flight. Only the run
	// loop touches it.
	probing bool
}

func New(cfg Config, adapter transport.Adapter, hooks Hooks) *Machine {
	createdAt := cfg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return &Machine{
		id:             cfg.ID,
		name:           cfg.Name,
		webhookURL:     cfg.WebhookURL,
		createdAt:      createdAt,
		attempt:        cfg.Attempt,
		adapter:        adapter,
		hooks:          hooks,
		pairingTimeout: cfg.PairingTimeout,
		livenessProbe:  cfg.LivenessProbe,
		now:            time.Now,
		logger: log.With().
			Str("sessionId", cfg.ID).
			Str("sessionName", cfg.Name).
			Logger(),
		rec: record{
			phase:       initializing{},
			credentials: cfg.Credentials,
			updatedAt:   time.Now(),
		},
		commands: make(chan command, 32),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (m *Machine) ID() string         { return m.id }
func (m *Machine) Name() string       { return m.name }
func (m *Machine) WebhookURL() string { return m.webhookURL }
func (m *Machine) Attempt() int       { return m.attempt }

// Done is closed once the machine stopped processing events.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// TeardownRequested reports whether Teardown was called.
func (m *Machine) TeardownRequested() bool {
	return m.teardown.Load()
}

// Start launches the event loop and connects the adapter in the
// background. It returns immediately.
func (m *Machine) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	if m.teardown.Load() {
		close(m.done)
		return
	}

	m.mu.RLock()
	credentials := m.rec.credentials
	m.mu.RUnlock()

	go m.run()
	go func() {
		if err := m.adapter.Connect(ctx, credentials); err != nil {
			m.logger.Error().Err(err).Msg("transport connect failed")
			m.post(linkLostCmd{reason: fmt.Sprintf("%s: %v", reasonConnectFailed, err)})
		}
	}()
}

// Teardown stops the machine for good: no reconnection follows and no
// further events are processed. Adapter termination errors are logged and
// otherwise ignored.
func (m *Machine) Teardown(ctx context.Context) {
	if !m.teardown.CompareAndSwap(false, true) {
		return
	}
	m.stopOnce.Do(func() { close(m.stop) })

	if !m.started.Load() {
		m.mu.Lock()
		m.rec.phase = terminated{reason: reasonRemoved}
		m.mu.Unlock()
	}

	if err := m.adapter.Terminate(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("transport terminate failed")
	}
}

func (m *Machine) State() model.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec.phase.state()
}

func (m *Machine) Snapshot() model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := model.Session{
		ID:                m.id,
		Name:              m.name,
		WebhookURL:        m.webhookURL,
		State:             m.rec.phase.state(),
		PairingPayload:    m.rec.pairingPayload(),
		AccountInfo:       m.rec.account(),
		LastMessageID:     m.rec.lastMessageID,
		DeviceJID:         m.rec.credentials,
		Reason:            m.rec.reason(),
		ReconnectAttempts: m.attempt,
		CreatedAt:         m.createdAt,
		UpdatedAt:         m.rec.updatedAt,
	}
	if m.rec.lastAck != nil {
		ack := *m.rec.lastAck
		s.LastDeliveryAck = &ack
	}
	return s
}

// Send transmits content through the session's link. The session must be
// connected or degraded; the adapter is asked as well since the recorded
// state can lag behind the socket.
func (m *Machine) Send(ctx context.Context, destination string, content model.OutboundContent) (*model.Delivery, error) {
	state := m.State()
	if !state.CanSend() || m.teardown.Load() {
		return nil, apperrors.SessionUnavailable(string(state))
	}
	if !m.adapter.Ready() {
		return nil, apperrors.TransportNotReady()
	}

	res, err := m.adapter.Send(ctx, destination, content)
	if err != nil {
		if errors.Is(err, transport.ErrNotReady) {
			return nil, apperrors.TransportNotReady()
		}
		return nil, apperrors.External("transport", err)
	}

	m.post(sentCmd{destination: destination, content: content, result: res})

	return &model.Delivery{
		SessionID: m.id,
		MessageID: res.MessageID,
		To:        destination,
		Timestamp: res.Timestamp,
	}, nil
}

// commands are posted to the run loop from other goroutines.
type command interface {
	command()
}

type linkLostCmd struct {
	reason string
}

type sentCmd struct {
	destination string
	content     model.OutboundContent
	result      transport.SendResult
}

type pairingExpiredCmd struct{}

type probeResultCmd struct {
	account model.AccountInfo
	err     error
}

func (linkLostCmd) command()       {}
func (sentCmd) command()           {}
func (pairingExpiredCmd) command() {}
func (probeResultCmd) command()    {}

func (m *Machine) post(c command) {
	select {
	case m.commands <- c:
	case <-m.done:
	}
}

func (m *Machine) run() {
	defer close(m.done)
	defer m.stopPairingTimer()

	events := m.adapter.Events()
	for {
		if m.teardown.Load() {
			m.finishRemoved()
			return
		}

		var finished bool
		select {
		case <-m.stop:
			m.finishRemoved()
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				finished = m.handleLinkLost(transport.LinkLost{Reason: reasonClosed})
				break
			}
			finished = m.handleEvent(ev)

		case c := <-m.commands:
			finished = m.handleCommand(c)
		}

		if finished {
			return
		}
	}
}

func (m *Machine) finishRemoved() {
	m.transition(terminated{reason: reasonRemoved})
}

// handleEvent applies one adapter event. It returns true once the machine
// reached the end of its life.
func (m *Machine) handleEvent(ev transport.Event) bool {
	switch e := ev.(type) {
	case transport.PairingChallenge:
		m.handlePairingChallenge(e)
	case transport.Authenticated:
		m.handleAuthenticated(e)
	case transport.Ready:
		m.handleReady(e)
	case transport.LinkLost:
		return m.handleLinkLost(e)
	case transport.AuthFailure:
		return m.handleAuthFailure(e.Reason, "")
	case transport.MessageAckChanged:
		m.handleAck(e)
	case transport.MessageInbound:
		m.handleInbound(e.Message, false)
	case transport.MessageReactionInbound:
		m.handleInbound(e.Message, false)
	case transport.MessageEditedInbound:
		m.handleInbound(e.Message, true)
	default:
		m.logger.Debug().Str("type", fmt.Sprintf("%T", ev)).Msg("ignoring unknown transport event")
	}
	return false
}

func (m *Machine) handleCommand(c command) bool {
	switch cmd := c.(type) {
	case linkLostCmd:
		return m.handleLinkLost(transport.LinkLost{Reason: cmd.reason})
	case sentCmd:
		m.handleSent(cmd)
	case pairingExpiredCmd:
		if m.State() == model.StateAwaitingPairing {
			return m.handleAuthFailure(reasonPairingExpiry, string(apperrors.ErrCodePairingExpired))
		}
	case probeResultCmd:
		return m.handleProbeResult(cmd)
	}
	return false
}

func (m *Machine) handlePairingChallenge(e transport.PairingChallenge) {
	switch m.State() {
	case model.StateInitializing, model.StateAwaitingPairing:
	default:
		m.logger.Debug().Str("state", string(m.State())).Msg("ignoring pairing challenge")
		return
	}

	m.transition(awaitingPairing{payload: e.Payload})
	m.startPairingTimer()

	ev := m.event(model.EventPairingRequested)
	ev.QRCode = e.Payload
	m.emit(ev)
}

func (m *Machine) handleAuthenticated(e transport.Authenticated) {
	switch m.State() {
	case model.StateInitializing, model.StateAwaitingPairing:
	default:
		return
	}

	m.stopPairingTimer()
	m.mu.Lock()
	if e.Credentials != "" {
		m.rec.credentials = e.Credentials
	}
	m.mu.Unlock()

	m.transition(authenticated{})
	m.emit(m.event(model.EventAuthenticated))
}

func (m *Machine) handleReady(e transport.Ready) {
	switch m.State() {
	case model.StateConnected, model.StateDegraded, model.StateTerminated:
		return
	}
	if m.probing {
		m.logger.Debug().Msg("ignoring ready while liveness probe is in flight")
		return
	}

	m.stopPairingTimer()
	m.mu.Lock()
	if m.rec.credentials == "" && e.Account.JID != "" {
		m.rec.credentials = e.Account.JID
	}
	m.mu.Unlock()

	if m.livenessProbe {
		m.probe(e.Account)
		return
	}
	m.connect(e.Account)
}

func (m *Machine) connect(account model.AccountInfo) {
	m.transition(connected{account: account})

	ev := m.event(model.EventConnectionReady)
	ev.UserInfo = &account
	m.emit(ev)
}

// probe sends a message to the account itself without blocking the loop.
func (m *Machine) probe(account model.AccountInfo) {
	m.logger.Debug().Msg("sending liveness probe")
	m.probing = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()

		_, err := m.adapter.Send(ctx, account.JID, model.OutboundContent{Text: probeText})
		m.post(probeResultCmd{account: account, err: err})
	}()
}

func (m *Machine) handleProbeResult(cmd probeResultCmd) bool {
	m.probing = false
	switch m.State() {
	case model.StateConnected, model.StateDegraded,
		model.StateTerminated, model.StateDisconnected, model.StateInvalid:
		return false
	}

	if cmd.err == nil {
		m.connect(cmd.account)
		return false
	}

	m.logger.Warn().Err(cmd.err).Msg("liveness probe failed")
	m.transition(invalid{reason: reasonProbeFailed})

	ev := m.event(model.EventAuthFailure)
	ev.Reason = reasonProbeFailed
	m.emit(ev)

	m.terminateAdapter()
	if !m.teardown.Load() {
		m.hooks.Reconnect(m, reasonProbeFailed)
	}
	return true
}

func (m *Machine) handleLinkLost(e transport.LinkLost) bool {
	if m.State() == model.StateTerminated {
		return true
	}
	m.stopPairingTimer()

	ev := m.event(model.EventDisconnected)
	ev.Reason = e.Reason

	if e.Logout {
		m.transition(terminated{reason: e.Reason})
		ev.Instance.State = model.StateTerminated
		ev.Code = string(apperrors.ErrCodeRemoteLogout)
		m.emit(ev)

		m.terminateAdapter()
		m.hooks.Release(m, e.Reason)
		return true
	}

	m.transition(disconnected{reason: e.Reason})
	ev.Instance.State = model.StateDisconnected
	ev.Code = string(apperrors.ErrCodeLinkLost)
	m.emit(ev)

	m.terminateAdapter()
	if m.teardown.Load() {
		return true
	}
	m.hooks.Reconnect(m, e.Reason)
	return true
}

func (m *Machine) handleAuthFailure(reason, code string) bool {
	m.stopPairingTimer()
	m.transition(terminated{reason: reason})

	ev := m.event(model.EventAuthFailure)
	ev.Reason = reason
	ev.Code = code
	m.emit(ev)

	m.terminateAdapter()
	m.hooks.Release(m, reason)
	return true
}

func (m *Machine) handleAck(e transport.MessageAckChanged) {
	state := m.State()
	if !state.CanSend() {
		return
	}

	level := e.Level
	m.mu.Lock()
	m.rec.lastAck = &level
	m.rec.updatedAt = m.now()
	m.mu.Unlock()

	switch {
	case state == model.StateConnected && level < model.AckDelivered:
		account := m.Snapshot().AccountInfo
		m.transition(degraded{account: *account})
		ev := m.event(model.EventDegraded)
		ev.Ack = &level
		m.emit(ev)

	case state == model.StateDegraded && level >= model.AckDelivered:
		account := m.Snapshot().AccountInfo
		m.transition(connected{account: *account})
		ev := m.event(model.EventRecovered)
		ev.Ack = &level
		m.emit(ev)
	}
}

func (m *Machine) handleInbound(raw transport.RawMessage, edited bool) {
	if !m.State().CanSend() {
		m.logger.Debug().Str("messageId", raw.ID).Msg("ignoring message outside an active link")
		return
	}

	msg, ok := Classify(raw)
	if !ok {
		m.logger.Debug().Str("messageId", raw.ID).Msg("dropping unclassifiable message")
		return
	}
	msg.Edited = edited

	kind := model.EventMessageReceived
	if msg.FromMe {
		kind = model.EventMessageSent
	}
	ev := m.event(kind)
	ev.Message = &msg
	m.emit(ev)
}

func (m *Machine) handleSent(cmd sentCmd) {
	if m.State() == model.StateTerminated {
		return
	}

	m.mu.Lock()
	m.rec.lastMessageID = cmd.result.MessageID
	m.rec.updatedAt = m.now()
	m.mu.Unlock()

	ts := cmd.result.Timestamp
	if ts.IsZero() {
		ts = m.now()
	}
	ev := m.event(model.EventMessageSent)
	ev.Message = &model.Message{
		ID:        cmd.result.MessageID,
		Chat:      cmd.destination,
		FromMe:    true,
		Kind:      model.MessageKindText,
		Text:      cmd.content.Text,
		Timestamp: ts,
	}
	m.emit(ev)
}

func (m *Machine) transition(next phase) {
	m.mu.Lock()
	prev := m.rec.phase.state()
	m.rec.phase = next
	m.rec.updatedAt = m.now()
	m.mu.Unlock()

	if prev != next.state() {
		m.logger.Info().
			Str("from", string(prev)).
			Str("to", string(next.state())).
			Msg("session state changed")
	}
}

func (m *Machine) event(kind model.EventKind) model.Event {
	return model.Event{
		Kind: kind,
		Instance: model.InstanceRef{
			ID:    m.id,
			Name:  m.name,
			State: m.State(),
		},
		Timestamp: m.now(),
	}
}

func (m *Machine) emit(ev model.Event) {
	m.hooks.Emit(m, ev)
}

func (m *Machine) terminateAdapter() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.adapter.Terminate(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("transport terminate failed")
	}
}

func (m *Machine) startPairingTimer() {
	if m.pairingTimeout <= 0 || m.pairingTimer != nil {
		return
	}
	m.pairingTimer = time.AfterFunc(m.pairingTimeout, func() {
		m.post(pairingExpiredCmd{})
	})
}

func (m *Machine) stopPairingTimer() {
	if m.pairingTimer != nil {
		m.pairingTimer.Stop()
		m.pairingTimer = nil
	}
}
