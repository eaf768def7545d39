// Package resilience provides small building blocks for handling transient
// infrastructure failures.
package resilience

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig controls bounded retries with linear backoff.
type RetryConfig struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetry is the policy for persistence write-through: failures are
// retried a few times and then surfaced, never discarded.
var DefaultRetry = RetryConfig{Attempts: 3, Delay: 100 * time.Millisecond}

// Retry runs fn up to cfg.Attempts times, waiting cfg.Delay * attempt
// between tries. The last error is returned wrapped with the attempt count.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}

	var last error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if last = fn(ctx); last == nil {
			return nil
		}
		if attempt < cfg.Attempts {
			select {
			case <-time.After(cfg.Delay * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("after %d attempts: %w", cfg.Attempts, last)
}
