package tpa

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxAttempts: 3}

	tests := []struct {
		attempt   int
		delay     time.Duration
		exhausted bool
	}{
		{0, time.Second, false},
		{1, 2 * time.Second, false},
		{2, 4 * time.Second, false},
		{3, 8 * time.Second, true},
	}

	for _, tc := range tests {
		got := p
		for i := 0; i < tc.attempt; i++ {
			got = got.Next()
		}
		assert.Equal(t, tc.delay, got.Delay(), "attempt %d", tc.attempt)
		assert.Equal(t, tc.exhausted, got.Exhausted(), "attempt %d", tc.attempt)
	}

	assert.Equal(t, 0, p.Attempt, "Next must not mutate the receiver")
	assert.Equal(t, 7*time.Second, p.TotalDelay())
}

func TestRetryPolicy_ZeroAttempts(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second}
	assert.True(t, p.Exhausted())
	assert.Zero(t, p.TotalDelay())
}
