// Package retry provides the bounded exponential backoff shared by the
// reconnect and save-retry paths.
package retry

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff"
)

// Policy describes delay = min(InitialDelay * 2^attempt, MaxDelay), optionally
// randomised by Jitter (0 disables it), for at most MaxAttempts attempts.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Jitter       float64
}

// Backoff counts attempts against a Policy. Safe for concurrent use.
type Backoff struct {
	mu       sync.Mutex
	policy   Policy
	exp      *backoff.ExponentialBackOff
	attempts int
}

// New creates a backoff at attempt zero. A nil clk uses the system clock.
func New(policy Policy, clk clock.Clock) *Backoff {
	if clk == nil {
		clk = clock.New()
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.InitialDelay
	exp.MaxInterval = policy.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = policy.Jitter
	// attempts are bounded by count, not elapsed time
	exp.MaxElapsedTime = 0
	exp.Clock = clk
	exp.Reset()
	return &Backoff{policy: policy, exp: exp}
}

// Next consumes one attempt and returns its delay. ok is false once
// MaxAttempts attempts have been handed out.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.policy.MaxAttempts > 0 && b.attempts >= b.policy.MaxAttempts {
		return 0, false
	}
	d := b.exp.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	if b.policy.MaxDelay > 0 && d > b.policy.MaxDelay {
		d = b.policy.MaxDelay
	}
	b.attempts++
	return d, true
}

// Attempts returns how many attempts were handed out since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Exhausted reports whether no attempts are left.
func (b *Backoff) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.policy.MaxAttempts > 0 && b.attempts >= b.policy.MaxAttempts
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
	b.exp.Reset()
}
