package refresh

import (
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/fitlink/internal/domain"
)

// ErrValidationFailed means the provider issued a token that failed the
// identity probe. Nothing was persisted.
var ErrValidationFailed = errors.New("refresh: new token failed validation")

// ErrReauthorizationRequired means the provider rejected the stored refresh
// token. The owner has to connect again.
var ErrReauthorizationRequired = errors.New("refresh: provider rejected refresh token, reauthorization required")

// LockedError reports that another process is refreshing the same owner.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("refresh in progress, retry after %s", e.RetryAfter)
}

// RateLimitedError reports a rate limit or anomaly rejection.
type RateLimitedError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %s", e.Reason, e.RetryAfter)
}

// UpstreamError wraps a failed provider exchange with the breaker state
// observed after the failure.
type UpstreamError struct {
	CircuitState domain.CircuitStatus
	Err          error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream token exchange failed (circuit %s): %v", e.CircuitState, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
