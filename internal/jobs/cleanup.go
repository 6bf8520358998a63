package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/wa-relay-server-go/internal/repository"
)

type CleanupJob struct {
	deliveryRepo repository.WebhookDeliveryRepository
	retention    time.Duration
	interval     time.Duration
	now          func() time.Time
	done         chan struct{}
}

// NewCleanupJob prunes webhook delivery logs older than retention every interval.
// A non-positive retention keeps the log forever.
func NewCleanupJob(deliveryRepo repository.WebhookDeliveryRepository, retention, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		deliveryRepo: deliveryRepo,
		retention:    retention,
		interval:     interval,
		now:          time.Now,
		done:         make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Dur("retention", j.retention).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	if j.deliveryRepo == nil || j.retention <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := j.now().Add(-j.retention)
	j.runCleanup(ctx, "webhook deliveries", func(ctx context.Context) (int64, error) {
		return j.deliveryRepo.DeleteOlderThan(ctx, cutoff)
	})
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
