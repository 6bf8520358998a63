package lifecycle

import (
	"time"

	"github.com/openclaw/wa-relay-server-go/internal/model"
)

// phase is the lifecycle state together with the data that only exists in
// that state.
type phase interface {
	state() model.State
}

type initializing struct{}

type awaitingPairing struct {
	payload string
}

type authenticated struct{}

type connected struct {
	account model.AccountInfo
}

type degraded struct {
	account model.AccountInfo
}

// invalid is a link that authenticated but failed the liveness probe.
type invalid struct {
	reason string
}

type disconnected struct {
	reason string
}

type terminated struct {
	reason string
}

func (initializing) state() model.State    { return model.StateInitializing }
func (awaitingPairing) state() model.State { return model.StateAwaitingPairing }
func (authenticated) state() model.State   { return model.StateAuthenticated }
func (connected) state() model.State       { return model.StateConnected }
func (degraded) state() model.State        { return model.StateDegraded }
func (invalid) state() model.State         { return model.StateInvalid }
func (disconnected) state() model.State    { return model.StateDisconnected }
func (terminated) state() model.State      { return model.StateTerminated }

// record is the mutable part of a session. Only the machine's run loop
// writes it.
type record struct {
	phase         phase
	lastAck       *model.AckLevel
	lastMessageID string
	credentials   string
	updatedAt     time.Time
}

func (r *record) account() *model.AccountInfo {
	switch p := r.phase.(type) {
	case connected:
		a := p.account
		return &a
	case degraded:
		a := p.account
		return &a
	}
	return nil
}

func (r *record) pairingPayload() *string {
	if p, ok := r.phase.(awaitingPairing); ok {
		payload := p.payload
		return &payload
	}
	return nil
}

func (r *record) reason() string {
	switch p := r.phase.(type) {
	case invalid:
		return p.reason
	case disconnected:
		return p.reason
	case terminated:
		return p.reason
	}
	return ""
}
