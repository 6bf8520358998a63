package model

import "time"

// MessageKind is the normalized category of an inbound message.
type MessageKind string

const (
	MessageKindText      MessageKind = "text"
	MessageKindImage     MessageKind = "image"
	MessageKindVideo     MessageKind = "video"
	MessageKindAudio     MessageKind = "audio"
	MessageKindDocument  MessageKind = "document"
	MessageKindSticker   MessageKind = "sticker"
	MessageKindLocation  MessageKind = "location"
	MessageKindReaction  MessageKind = "reaction"
	MessageKindSystem    MessageKind = "system"
	MessageKindUnhandled MessageKind = "unhandled"
)

// Message is a classified message as carried by domain events.
type Message struct {
	ID         string      `json:"id"`
	Chat       string      `json:"chat"`
	From       string      `json:"from"`
	PushName   string      `json:"pushName,omitempty"`
	FromMe     bool        `json:"fromMe"`
	Kind       MessageKind `json:"kind"`
	Text       string      `json:"text,omitempty"`
	Summary    string      `json:"summary,omitempty"`
	ReactionTo string      `json:"reactionTo,omitempty"`
	Edited     bool        `json:"edited,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// OutboundContent is what a caller asks a session to send.
type OutboundContent struct {
	Text string `json:"text"`
}

// Delivery is the handle returned for an accepted outbound message.
type Delivery struct {
	SessionID string    `json:"sessionId"`
	MessageID string    `json:"messageId"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}
