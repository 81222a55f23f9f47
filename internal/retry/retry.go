// Package retry runs an operation a bounded number of times with exponential
// backoff between attempts.
package retry

import (
	"context"
	"time"
)

const (
	DefaultAttempts     = 3
	DefaultInitialDelay = 200 * time.Millisecond
	DefaultMaxDelay     = 2 * time.Second
)

type Policy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Retryable reports whether err warrants another attempt. Nil retries
	// nothing.
	Retryable func(err error) bool
	// OnRetry is called before each sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// Do calls fn until it returns nil, returns a non-retryable error, the
// attempts run out, or ctx is done. It reports how many attempts were made and
// the last error from fn (or ctx.Err() if cancelled while waiting).
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	p := policy.withDefaults()
	delay := p.InitialDelay

	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if p.Retryable == nil || !p.Retryable(err) || attempt == p.Attempts {
			return attempt, err
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, ctx.Err()
			case <-timer.C:
			}
		} else if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, ctxErr
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return p.Attempts, err
}
