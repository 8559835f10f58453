package domain

import "time"

// RateLimitKey identifies one counted stream of requests.
// An empty Route matches every route of the identity.
type RateLimitKey struct {
	Scope      string
	Identity   string
	OriginHash string
	Route      string
}

// RateLimitBlock is a standalone block on an identity.
type RateLimitBlock struct {
	Identity     string
	Reason       string
	BlockedUntil time.Time
	CreatedAt    time.Time
}
