// Package connectivity holds the resilience policies the job client applies to
// its calls: exponential backoff for transient poll failures and a circuit
// breaker that stops polling a server that keeps failing.
package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Backoff describes how a transient failure is retried: up to MaxRetries
// extra attempts, waiting Base, 2*Base, 4*Base... capped at Max.
type Backoff struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
}

// DefaultBackoff retries three times starting at one second, capped at 15s.
func DefaultBackoff() Backoff {
	return Backoff{MaxRetries: 3, Base: time.Second, Max: 15 * time.Second}
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := b.Base * (1 << uint(attempt))
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Retry calls fn until it succeeds, returns an error retryable rejects, or
// the retry budget is spent. It respects context cancellation between
// attempts and never retries ErrCircuitOpen. The last error is returned as is.
func Retry(ctx context.Context, b Backoff, retryable func(error) bool, logger *slog.Logger, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= b.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return lastErr
		}
		var open *ErrCircuitOpen
		if errors.As(err, &open) {
			return err
		}
		if retryable != nil && !retryable(err) {
			return err
		}

		if attempt < b.MaxRetries {
			wait := b.Delay(attempt)
			if logger != nil {
				logger.WarnContext(ctx, "retrying call",
					"attempt", attempt+1,
					"max_retries", b.MaxRetries,
					"backoff_ms", wait.Milliseconds(),
					"error", err)
			}
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return lastErr
			case <-t.C:
			}
		}
	}
	return lastErr
}
