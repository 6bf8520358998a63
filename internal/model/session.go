package model

import "time"

// AccountInfo is the identity of the authenticated messaging account.
type AccountInfo struct {
	JID      string `json:"jid"`
	Number   string `json:"number"`
	PushName string `json:"pushName,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// Session is a point-in-time copy of a session record.
type Session struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	WebhookURL        string       `json:"webhookUrl,omitempty"`
	State             State        `json:"state"`
	PairingPayload    *string      `json:"qrCode"`
	AccountInfo       *AccountInfo `json:"userInfo"`
	LastDeliveryAck   *AckLevel    `json:"lastDeliveryAck,omitempty"`
	LastMessageID     string       `json:"lastMessageId,omitempty"`
	DeviceJID         string       `json:"-"`
	Reason            string       `json:"reason,omitempty"`
	ReconnectAttempts int          `json:"reconnectAttempts"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

func (s *Session) Summary() SessionSummary {
	return SessionSummary{ID: s.ID, Name: s.Name, State: s.State}
}

type SessionSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State State  `json:"state"`
}

// SessionDefinition is the persisted part of a session, enough to recreate it after a restart.
type SessionDefinition struct {
	ID         string    `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	WebhookURL string    `db:"webhook_url" json:"webhookUrl"`
	DeviceJID  *string   `db:"device_jid" json:"deviceJid,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

type CreateSessionParams struct {
	ID         string
	Name       string
	WebhookURL string
}
