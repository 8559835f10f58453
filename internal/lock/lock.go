// Package lock provides per-owner mutual exclusion across processes.
//
// A lock is held in two layers: a session-scoped advisory primitive that gives
// fast exclusion between live connections, and a lock-expiry stamp on the token
// record that is visible to every pooled connection. The stamp is time-bound so
// a crashed holder stops blocking others once its TTL elapses.
package lock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smallbiznis/fitlink/internal/domain"
	"github.com/smallbiznis/fitlink/internal/repository"
)

// Reasons reported when a lease is not granted.
const (
	ReasonLockHeld      = "lock_held"
	ReasonRecordMissing = "record_missing"
)

// SessionLocker is the fast, session-scoped exclusion primitive.
type SessionLocker interface {
	TryLock(ctx context.Context, lockID string, key int64) (bool, error)
	Unlock(ctx context.Context, lockID string) error
}

// Store is the durable side of the lock.
type Store interface {
	repository.LockStamper
	Get(ctx context.Context, ownerID string) (domain.TokenRecord, error)
}

// Lease is the outcome of Acquire.
type Lease struct {
	Acquired   bool
	LockID     string
	ExpiresAt  time.Time
	RetryAfter time.Duration
	Reason     string
}

// Locker coordinates refreshes for a single owner.
type Locker struct {
	sessions SessionLocker
	store    Store
	logger   *zap.Logger
	now      func() time.Time
}

// NewLocker builds a Locker.
func NewLocker(sessions SessionLocker, store Store, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{sessions: sessions, store: store, logger: logger, now: time.Now}
}

// Key derives the advisory lock key for ownerID.
func Key(ownerID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(ownerID))
	return int64(h.Sum64())
}

// Acquire tries to take the lock for ownerID for ttl. Contention is reported
// through the returned Lease, not as an error.
func (l *Locker) Acquire(ctx context.Context, ownerID string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return Lease{}, fmt.Errorf("lock ttl must be positive")
	}
	lockID := uuid.NewString()

	ok, err := l.sessions.TryLock(ctx, lockID, Key(ownerID))
	if err != nil {
		return Lease{}, fmt.Errorf("advisory lock: %w", err)
	}
	if !ok {
		return l.contended(ctx, ownerID, ttl), nil
	}

	now := l.now()
	expiresAt := now.Add(ttl)
	stamped, err := l.store.StampLock(ctx, ownerID, expiresAt, now)
	if err != nil {
		l.unlockSession(ctx, lockID)
		return Lease{}, err
	}
	if !stamped {
		l.unlockSession(ctx, lockID)
		return l.contended(ctx, ownerID, ttl), nil
	}

	return Lease{Acquired: true, LockID: lockID, ExpiresAt: expiresAt}, nil
}

// Release clears the stamp and the session primitive. Calling it more than
// once, or for a lease that was never granted, is harmless.
func (l *Locker) Release(ctx context.Context, lockID, ownerID string) error {
	// Release runs on cleanup paths where the request context may already be done.
	ctx = context.WithoutCancel(ctx)

	var errs []error
	if err := l.store.ClearLock(ctx, ownerID); err != nil {
		errs = append(errs, err)
	}
	if lockID != "" {
		if err := l.sessions.Unlock(ctx, lockID); err != nil {
			errs = append(errs, fmt.Errorf("advisory unlock: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (l *Locker) contended(ctx context.Context, ownerID string, ttl time.Duration) Lease {
	lease := Lease{Reason: ReasonLockHeld, RetryAfter: ttl}

	rec, err := l.store.Get(ctx, ownerID)
	switch {
	case errors.Is(err, domain.ErrTokenNotFound):
		lease.Reason = ReasonRecordMissing
		lease.RetryAfter = 0
	case err != nil:
		l.logger.Warn("lock contention lookup failed", zap.String("owner_id", ownerID), zap.Error(err))
	default:
		now := l.now()
		if rec.Locked(now) {
			if remaining := rec.LockExpiresAt.Sub(now); remaining < ttl {
				lease.RetryAfter = remaining
			}
		}
	}
	return lease
}

func (l *Locker) unlockSession(ctx context.Context, lockID string) {
	if err := l.sessions.Unlock(context.WithoutCancel(ctx), lockID); err != nil {
		l.logger.Warn("advisory unlock failed", zap.String("lock_id", lockID), zap.Error(err))
	}
}
