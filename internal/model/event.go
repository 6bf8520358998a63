package model

import "time"

type EventKind string

const (
	EventPairingRequested EventKind = "pairing_requested"
	EventAuthenticated    EventKind = "authenticated"
	EventConnectionReady  EventKind = "connection_ready"
	EventMessageReceived  EventKind = "message_received"
	EventMessageSent      EventKind = "message_sent"
	EventDisconnected     EventKind = "disconnected"
	EventAuthFailure      EventKind = "auth_failure"

	// Health transitions are observable on the event stream but never sent to webhooks.
	EventDegraded  EventKind = "connection_degraded"
	EventRecovered EventKind = "connection_recovered"
)

// External reports whether events of this kind are delivered to webhooks.
func (k EventKind) External() bool {
	return k != EventDegraded && k != EventRecovered
}

type InstanceRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State State  `json:"state,omitempty"`
}

// Event is the envelope of a domain event.
type Event struct {
	Kind      EventKind    `json:"event"`
	Instance  InstanceRef  `json:"instance"`
	Timestamp time.Time    `json:"timestamp"`
	QRCode    string       `json:"qrCode,omitempty"`
	UserInfo  *AccountInfo `json:"userInfo,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Code      string       `json:"code,omitempty"`
	Message   *Message     `json:"message,omitempty"`
	Ack       *AckLevel    `json:"ack,omitempty"`
}
