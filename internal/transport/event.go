package transport

import (
	"time"

	"github.com/openclaw/wa-relay-server-go/internal/model"
)

// Event is implemented by every notification an adapter emits.
type Event interface {
	transportEvent()
}

// PairingChallenge carries the payload the user scans to link the device.
// It may be emitted repeatedly as the network rotates codes.
type PairingChallenge struct {
	Payload string
}

// Authenticated is emitted once the device credentials were accepted.
type Authenticated struct {
	// Credentials is the device identity to persist for later restores.
	Credentials string
}

// Ready is emitted when the link is fully usable.
type Ready struct {
	Account model.AccountInfo
}

// LinkLost reports the end of the link. Logout is true when the account
// itself revoked the device, which makes the credentials useless.
type LinkLost struct {
	Reason string
	Logout bool
}

// AuthFailure reports rejected credentials or a failed pairing.
type AuthFailure struct {
	Reason string
}

type MessageInbound struct {
	Message RawMessage
}

// MessageEditedInbound carries the new content of an edited message.
type MessageEditedInbound struct {
	Message RawMessage
}

// MessageReactionInbound is a reaction to an earlier message.
type MessageReactionInbound struct {
	Message RawMessage
}

// MessageAckChanged reports a delivery acknowledgement for a message this
// device sent.
type MessageAckChanged struct {
	MessageID string
	Level     model.AckLevel
}

func (PairingChallenge) transportEvent()       {}
func (Authenticated) transportEvent()          {}
func (Ready) transportEvent()                  {}
func (LinkLost) transportEvent()               {}
func (AuthFailure) transportEvent()            {}
func (MessageInbound) transportEvent()         {}
func (MessageEditedInbound) transportEvent()   {}
func (MessageReactionInbound) transportEvent() {}
func (MessageAckChanged) transportEvent()      {}

// Raw message type names as reported by adapters.
const (
	TypeText         = "text"
	TypeChat         = "chat"
	TypeImage        = "image"
	TypeVideo        = "video"
	TypeAudio        = "audio"
	TypeVoice        = "ptt"
	TypeDocument     = "document"
	TypeSticker      = "sticker"
	TypeLocation     = "location"
	TypeReaction     = "reaction"
	TypeRevoked      = "revoked"
	TypeProtocol     = "protocol"
	TypeE2ENotice    = "e2e_notification"
	TypeNotification = "notification_template"
	TypeCallLog      = "call_log"
)

// RawMessage is a network message before classification.
type RawMessage struct {
	ID        string
	Chat      string
	Sender    string
	PushName  string
	FromMe    bool
	Timestamp time.Time
	Type      string
	Body      string
	Caption   string
	FileName  string
	Latitude  float64
	Longitude float64
	// ReactionTo is the id of the message a reaction targets.
	ReactionTo string
}
