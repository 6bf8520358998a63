package repository

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openclaw/wa-relay-server-go/internal/database"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := database.Connect(url)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))

	_, err = db.ExecContext(context.Background(), `TRUNCATE wa_sessions, webhook_deliveries`)
	require.NoError(t, err)
	return db
}
