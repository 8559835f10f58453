package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/fitlink/internal/domain"
)

// TokenRepository persists encrypted upstream credentials and their lock stamp.
type TokenRepository interface {
	Get(ctx context.Context, ownerID string) (domain.TokenRecord, error)
	Upsert(ctx context.Context, record domain.TokenRecord) (domain.TokenRecord, error)
	UpdateTokens(ctx context.Context, update domain.TokenUpdate) (domain.TokenRecord, error)
	Delete(ctx context.Context, ownerID string) error
	ListExpiring(ctx context.Context, before, now time.Time, limit int) ([]domain.TokenRecord, error)
	LockStamper
}

// LockStamper manages the durable lock stamp stored on a token record.
type LockStamper interface {
	StampLock(ctx context.Context, ownerID string, until, now time.Time) (bool, error)
	ClearLock(ctx context.Context, ownerID string) error
	PruneExpiredLocks(ctx context.Context, now time.Time) (int64, error)
}

// CircuitStateRepository stores breaker state per dependency name.
type CircuitStateRepository interface {
	LoadCircuit(ctx context.Context, name string) (domain.CircuitState, error)
	SaveCircuit(ctx context.Context, state domain.CircuitState) error
}

// RateLimitRepository stores sliding-window hits, anomaly violations and blocks.
type RateLimitRepository interface {
	Hits(ctx context.Context, key domain.RateLimitKey, since time.Time) ([]time.Time, error)
	RecordHit(ctx context.Context, key domain.RateLimitKey, at time.Time) error
	ActiveBlock(ctx context.Context, identity string, now time.Time) (*domain.RateLimitBlock, error)
	PutBlock(ctx context.Context, block domain.RateLimitBlock) error
	RecordViolation(ctx context.Context, identity, reason string, at time.Time) error
	CountViolations(ctx context.Context, identity string, since time.Time) (int, error)
	PruneRateLimits(ctx context.Context, windowsBefore, violationsBefore, now time.Time) (int64, error)
}

// AuditRepository is the append-only audit store.
type AuditRepository interface {
	AppendAudit(ctx context.Context, event domain.AuditEvent) error
	PurgeAuditBefore(ctx context.Context, before time.Time) (int64, error)
}

// StatusCache stores short-lived token status snapshots.
type StatusCache interface {
	GetStatus(ctx context.Context, ownerID string) (*domain.TokenStatus, error)
	SaveStatus(ctx context.Context, ownerID string, status domain.TokenStatus, ttl time.Duration) error
	DeleteStatus(ctx context.Context, ownerID string) error
}
