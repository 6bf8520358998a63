package model

// State is the lifecycle state of a messaging session.
type State string

const (
	StateInitializing    State = "initializing"
	StateAwaitingPairing State = "awaiting_pairing"
	StateAuthenticated   State = "authenticated"
	StateConnected       State = "connected"
	StateDegraded        State = "degraded"
	StateInvalid         State = "invalid"
	StateDisconnected    State = "disconnected"
	StateTerminated      State = "terminated"
)

// CanSend reports whether outbound messages are accepted in this state.
func (s State) CanSend() bool {
	return s == StateConnected || s == StateDegraded
}

// AckLevel is the transport-reported delivery progress of a sent message.
type AckLevel int

const (
	AckError     AckLevel = -1
	AckPending   AckLevel = 0
	AckServer    AckLevel = 1
	AckDelivered AckLevel = 2
	AckRead      AckLevel = 3
	AckPlayed    AckLevel = 4
)

func (l AckLevel) String() string {
	switch l {
	case AckError:
		return "error"
	case AckPending:
		return "pending"
	case AckServer:
		return "server"
	case AckDelivered:
		return "delivered"
	case AckRead:
		return "read"
	case AckPlayed:
		return "played"
	default:
		return "unknown"
	}
}

type DeliveryStatus string

const (
	DeliveryStatusSkipped   DeliveryStatus = "skipped"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)
