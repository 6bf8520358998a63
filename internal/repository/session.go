package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/wa-relay-server-go/internal/database"
	"github.com/openclaw/wa-relay-server-go/internal/model"
)

type SessionRepository interface {
	FindAll(ctx context.Context) ([]model.SessionDefinition, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.SessionDefinition, error)
	UpdateDeviceJID(ctx context.Context, id, deviceJID string) error
	Delete(ctx context.Context, id string) error
}

type sessionRepo struct {
	db database.DBTX
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) FindAll(ctx context.Context) ([]model.SessionDefinition, error) {
	var defs []model.SessionDefinition
	err := r.db.SelectContext(ctx, &defs, `
		SELECT * FROM wa_sessions ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	return defs, nil
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.SessionDefinition, error) {
	var def model.SessionDefinition
	err := r.db.GetContext(ctx, &def, `
		INSERT INTO wa_sessions (id, name, webhook_url)
		VALUES ($1, $2, $3)
		RETURNING *
	`, params.ID, params.Name, params.WebhookURL)
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (r *sessionRepo) UpdateDeviceJID(ctx context.Context, id, deviceJID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE wa_sessions
		SET device_jid = $2, updated_at = NOW()
		WHERE id = $1
	`, id, deviceJID)
	return err
}

func (r *sessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM wa_sessions WHERE id = $1
	`, id)
	return err
}
