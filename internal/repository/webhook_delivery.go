package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/wa-relay-server-go/internal/database"
	"github.com/openclaw/wa-relay-server-go/internal/model"
)

type WebhookDeliveryRepository interface {
	Create(ctx context.Context, params model.CreateWebhookDeliveryParams) (*model.WebhookDelivery, error)
	FindBySessionID(ctx context.Context, sessionID string, limit int) ([]model.WebhookDelivery, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type webhookDeliveryRepo struct {
	db database.DBTX
}

func NewWebhookDeliveryRepository(db *sqlx.DB) WebhookDeliveryRepository {
	return &webhookDeliveryRepo{db: db}
}

func (r *webhookDeliveryRepo) Create(ctx context.Context, params model.CreateWebhookDeliveryParams) (*model.WebhookDelivery, error) {
	var d model.WebhookDelivery
	err := r.db.GetContext(ctx, &d, `
		INSERT INTO webhook_deliveries (session_id, event, url, status, status_code, error, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING *
	`, params.SessionID, params.Event, params.URL, params.Status, params.StatusCode, params.Error, params.ElapsedMs)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *webhookDeliveryRepo) FindBySessionID(ctx context.Context, sessionID string, limit int) ([]model.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	var deliveries []model.WebhookDelivery
	err := r.db.SelectContext(ctx, &deliveries, `
		SELECT * FROM webhook_deliveries
		WHERE session_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	return deliveries, nil
}

func (r *webhookDeliveryRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM webhook_deliveries WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
