package tpa

import "time"

// RetryPolicy is passed by value through each reconnection attempt; Next returns a
// new policy rather than mutating a counter.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxAttempts int
	Attempt     int
}

// Delay is BaseDelay * 2^Attempt.
func (p RetryPolicy) Delay() time.Duration {
	return p.BaseDelay << uint(p.Attempt)
}

func (p RetryPolicy) Exhausted() bool {
	return p.Attempt >= p.MaxAttempts
}

func (p RetryPolicy) Next() RetryPolicy {
	p.Attempt++
	return p
}

// TotalDelay is the sum of every delay the policy allows, i.e. how long reconnection
// can take before giving up when every attempt fails immediately.
func (p RetryPolicy) TotalDelay() time.Duration {
	var total time.Duration
	for i := 0; i < p.MaxAttempts; i++ {
		total += p.BaseDelay << uint(i)
	}
	return total
}
