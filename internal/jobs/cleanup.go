package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/augmentos/cloud-relay-go/internal/config"
)

type staleServerDeleter interface {
	DeleteStale(ctx context.Context, maxAge time.Duration) (int64, error)
}

type sessionSweeper interface {
	Sweep(now time.Time) int
}

// CleanupJob periodically expires sessions whose grace timer was lost and prunes
// TPA server registrations nobody has refreshed.
type CleanupJob struct {
	servers  staleServerDeleter
	sessions sessionSweeper
	interval time.Duration
	done     chan struct{}
}

func NewCleanupJob(servers staleServerDeleter, sessions sessionSweeper, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		servers:  servers,
		sessions: sessions,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
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
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	j.runCleanup(ctx, "stale sessions", func(context.Context) (int64, error) {
		return int64(j.sessions.Sweep(time.Now())), nil
	})
	if j.servers != nil {
		j.runCleanup(ctx, "tpa server registrations", func(ctx context.Context) (int64, error) {
			return j.servers.DeleteStale(ctx, config.TpaServerStaleAge)
		})
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
