package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/augmentos/cloud-relay-go/internal/config"
)

type mockServerRepo struct {
	calls  atomic.Int32
	maxAge atomic.Int64
	err    error
}

func (m *mockServerRepo) DeleteStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	m.calls.Add(1)
	m.maxAge.Store(int64(maxAge))
	return 3, m.err
}

type mockSweeper struct {
	calls atomic.Int32
}

func (m *mockSweeper) Sweep(now time.Time) int {
	m.calls.Add(1)
	return 1
}

func TestCleanupJob(t *testing.T) {
	t.Run("creates job with correct interval", func(t *testing.T) {
		job := NewCleanupJob(nil, &mockSweeper{}, 5*time.Minute)

		assert.NotNil(t, job)
		assert.Equal(t, 5*time.Minute, job.interval)
	})

	t.Run("runs cleanup on start", func(t *testing.T) {
		servers := &mockServerRepo{}
		sessions := &mockSweeper{}

		job := NewCleanupJob(servers, sessions, time.Hour)
		job.Start()
		defer job.Stop()

		assert.Eventually(t, func() bool {
			return servers.calls.Load() == 1 && sessions.calls.Load() == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, int64(config.TpaServerStaleAge), servers.maxAge.Load())
	})

	t.Run("keeps ticking", func(t *testing.T) {
		sessions := &mockSweeper{}

		job := NewCleanupJob(nil, sessions, 10*time.Millisecond)
		job.Start()
		defer job.Stop()

		assert.Eventually(t, func() bool { return sessions.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	})

	t.Run("a failing repository does not stop the sweep", func(t *testing.T) {
		servers := &mockServerRepo{err: errors.New("connection refused")}
		sessions := &mockSweeper{}

		job := NewCleanupJob(servers, sessions, 10*time.Millisecond)
		job.Start()
		defer job.Stop()

		assert.Eventually(t, func() bool { return sessions.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	})
}
