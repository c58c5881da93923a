package retry

import (
	"context"
	"time"
)

// Policy bounds how an operation is retried. The zero value retries
// nothing; use Default for the usual network-call policy.
type Policy struct {
	// MaxAttempts counts the first try. 1 means no retries.
	MaxAttempts int
	// Backoff holds the wait before each retry. Shorter than
	// MaxAttempts-1, the last entry repeats.
	Backoff []time.Duration
	// Permanent, when set, reports errors that must not be retried.
	Permanent func(error) bool
}

// Default is the policy for idempotent network calls.
func Default() Policy {
	return Policy{
		MaxAttempts: 4,
		Backoff:     []time.Duration{250 * time.Millisecond, time.Second, 2 * time.Second},
	}
}

func (p Policy) wait(retry int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if retry >= len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[retry]
}

// Do runs fn until it succeeds, the policy is exhausted, fn returns a
// permanent error, or ctx ends. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.wait(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if p.Permanent != nil && p.Permanent(err) {
			return err
		}
	}
	return err
}
