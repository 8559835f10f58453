package domain

import "time"

// Token status values reported to callers.
const (
	TokenStatusValid        = "valid"
	TokenStatusExpiringSoon = "expiring_soon"
	TokenStatusExpired      = "expired"
	TokenStatusNotFound     = "not_found"
)

// TokenStatus is the read-only view of an owner's credential health.
type TokenStatus struct {
	Status               string     `json:"status"`
	SecondsUntilExpiry   int64      `json:"seconds_until_expiry"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	LastRefreshAt        *time.Time `json:"last_refresh_at"`
	LastValidatedAt      *time.Time `json:"last_validated_at"`
	RefreshCount         int64      `json:"refresh_count"`
	CircuitBreakerStatus string     `json:"circuit_breaker_status"`
	NeedsRefresh         bool       `json:"needs_refresh"`
}
