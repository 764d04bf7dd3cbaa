package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	// DefaultMaxAttempts bounds transient-error retries per logical call.
	DefaultMaxAttempts = 5

	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// Backoff returns the wait before retry number attempt (0-based):
// exponential growth capped at backoffCap, with equal jitter so concurrent
// retries do not land in lockstep.
func Backoff(attempt int) time.Duration {
	d := backoffBase << uint(attempt)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	half := d / 2
	return half + rand.N(half+1)
}

// Retry runs fn up to DefaultMaxAttempts times, waiting between attempts.
// Only errors the domain taxonomy marks retryable are retried; anything
// else returns immediately. A rate-limit hint overrides the computed wait.
func Retry(ctx context.Context, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < DefaultMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !domain.Retryable(lastErr) {
			return lastErr
		}
		if attempt == DefaultMaxAttempts-1 {
			break
		}

		wait := Backoff(attempt)
		if hint := domain.RetryAfter(lastErr); hint > 0 {
			wait = hint
		}

		if logger != nil {
			logger.Warn("retrying after transient error",
				slog.String("op", op),
				slog.Int("attempt", attempt+1),
				slog.Duration("wait", wait),
				slog.String("error", lastErr.Error()),
			)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("exchange: %s: retries exhausted: %w", op, lastErr)
}
