package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrConflictActiveExists = errors.New("active position already exists for key")
	ErrTransientNetwork     = errors.New("transient network failure")
	ErrRateLimited          = errors.New("rate limited")
	ErrOrderNotFound        = errors.New("order not found on venue")
	ErrInvalidParam         = errors.New("invalid order parameters")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrAuth                 = errors.New("authentication failed")
	ErrVenueDown            = errors.New("venue unavailable")
	ErrCircuitOpen          = errors.New("circuit breaker open")
	ErrDailyLossLimit       = errors.New("daily loss limit reached")
	ErrCooldownActive       = errors.New("symbol cooldown active")
	ErrSymbolGuard          = errors.New("symbol already has an active position")
	ErrMinNotional          = errors.New("notional below venue minimum")
	ErrLockHeld             = errors.New("lock already held")
	ErrProfileDisabled      = errors.New("profile disabled")
	ErrDryRunMutation       = errors.New("live venue mutation attempted in dry-run")
)

// RateLimitError carries the venue-suggested retry delay alongside the
// ErrRateLimited sentinel so callers can match with errors.Is and still
// honor Retry-After.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// Is makes errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfter extracts the suggested delay from a rate-limit error chain.
// Returns zero when the error carries no hint.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// Retryable reports whether an adapter error is worth retrying with backoff.
// Hard rejections (bad params, missing funds, auth) never are.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrVenueDown)
}
