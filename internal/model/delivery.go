package model

import "time"

// WebhookDelivery is one logged webhook dispatch attempt.
type WebhookDelivery struct {
	ID         int64          `db:"id" json:"id"`
	SessionID  string         `db:"session_id" json:"sessionId"`
	Event      EventKind      `db:"event" json:"event"`
	URL        string         `db:"url" json:"url"`
	Status     DeliveryStatus `db:"status" json:"status"`
	StatusCode *int           `db:"status_code" json:"statusCode,omitempty"`
	Error      *string        `db:"error" json:"error,omitempty"`
	ElapsedMs  int64          `db:"elapsed_ms" json:"elapsedMs"`
	CreatedAt  time.Time      `db:"created_at" json:"createdAt"`
}

type CreateWebhookDeliveryParams struct {
	SessionID  string
	Event      EventKind
	URL        string
	Status     DeliveryStatus
	StatusCode *int
	Error      *string
	ElapsedMs  int64
}
