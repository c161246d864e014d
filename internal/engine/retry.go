package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/IshaanNene/enemscrape/internal/types"
)

// retryPolicy runs an operation a fixed number of times. Every error is
// treated as transient: permanent outcomes are reported by returning a
// nil error and recording the skip.
type retryPolicy struct {
	MaxAttempts int
	Delay       time.Duration

	// OnRetry is called before each repeated attempt.
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds, the attempts run out or ctx is done.
// Exhaustion returns an error wrapping types.ErrMaxRetries and the last
// failure.
func (p retryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}

		if p.Delay > 0 {
			timer := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", types.ErrMaxRetries, attempts, lastErr)
}
