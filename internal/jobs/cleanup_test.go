package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/openclaw/wa-relay-server-go/internal/model"
)

type mockDeliveryRepo struct {
	mock.Mock
}

func (m *mockDeliveryRepo) Create(ctx context.Context, params model.CreateWebhookDeliveryParams) (*model.WebhookDelivery, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WebhookDelivery), args.Error(1)
}

func (m *mockDeliveryRepo) FindBySessionID(ctx context.Context, sessionID string, limit int) ([]model.WebhookDelivery, error) {
	args := m.Called(ctx, sessionID, limit)
	return args.Get(0).([]model.WebhookDelivery), args.Error(1)
}

func (m *mockDeliveryRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func TestCleanupJob(t *testing.T) {
	t.Run("creates job with correct interval", func(t *testing.T) {
		job := NewCleanupJob(nil, 72*time.Hour, 5*time.Minute)

		assert.NotNil(t, job)
		assert.Equal(t, 5*time.Minute, job.interval)
		assert.Equal(t, 72*time.Hour, job.retention)
	})

	t.Run("starts and stops without panic", func(t *testing.T) {
		repo := &mockDeliveryRepo{}
		repo.On("DeleteOlderThan", mock.Anything, mock.Anything).Return(int64(0), nil)

		job := NewCleanupJob(repo, time.Hour, 100*time.Millisecond)

		job.Start()
		time.Sleep(50 * time.Millisecond)
		job.Stop()
	})

	t.Run("prunes with cutoff derived from retention", func(t *testing.T) {
		now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
		repo := &mockDeliveryRepo{}
		repo.On("DeleteOlderThan", mock.Anything, now.Add(-72*time.Hour)).Return(int64(7), nil).Once()

		job := NewCleanupJob(repo, 72*time.Hour, time.Minute)
		job.now = func() time.Time { return now }
		job.cleanup()

		repo.AssertExpectations(t)
	})

	t.Run("repository error does not panic", func(t *testing.T) {
		repo := &mockDeliveryRepo{}
		repo.On("DeleteOlderThan", mock.Anything, mock.Anything).Return(int64(0), errors.New("db down")).Once()

		job := NewCleanupJob(repo, time.Hour, time.Minute)
		assert.NotPanics(t, job.cleanup)
		repo.AssertExpectations(t)
	})

	t.Run("zero retention keeps the log", func(t *testing.T) {
		repo := &mockDeliveryRepo{}

		job := NewCleanupJob(repo, 0, time.Minute)
		job.cleanup()

		repo.AssertNotCalled(t, "DeleteOlderThan", mock.Anything, mock.Anything)
	})
}
