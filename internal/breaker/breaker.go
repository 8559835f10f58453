// Package breaker implements a circuit breaker whose state is shared through
// the database so independent processes observe the same view of an upstream.
// Concurrent updates are last-write-wins.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/fitlink/internal/domain"
	"github.com/smallbiznis/fitlink/internal/metrics"
	"github.com/smallbiznis/fitlink/internal/repository"
)

// ErrOpen matches any *OpenError.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is returned without invoking the action while the circuit is open.
type OpenError struct {
	State   domain.CircuitState
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s is open until %s", e.State.Name, e.RetryAt.Format(time.RFC3339))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Options tune the breaker thresholds.
type Options struct {
	FailureThreshold  int
	RecoveryTimeout   time.Duration
	HalfOpenSuccesses int
}

// DefaultOptions returns threshold 5, recovery 60s, 3 half-open successes.
func DefaultOptions() Options {
	return Options{FailureThreshold: 5, RecoveryTimeout: time.Minute, HalfOpenSuccesses: 3}
}

// Breaker guards calls to one named dependency.
type Breaker struct {
	name   string
	store  repository.CircuitStateRepository
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// New builds a Breaker for the dependency name.
func New(name string, store repository.CircuitStateRepository, opts Options, logger *zap.Logger) *Breaker {
	def := DefaultOptions()
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = def.RecoveryTimeout
	}
	if opts.HalfOpenSuccesses <= 0 {
		opts.HalfOpenSuccesses = def.HalfOpenSuccesses
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{name: name, store: store, opts: opts, logger: logger, now: time.Now}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the stored state, or CLOSED when none is recorded.
func (b *Breaker) State(ctx context.Context) (domain.CircuitState, error) {
	st, err := b.store.LoadCircuit(ctx, b.name)
	if errors.Is(err, domain.ErrCircuitNotFound) {
		return domain.NewCircuitState(b.name), nil
	}
	if err != nil {
		return domain.CircuitState{}, err
	}
	return st, nil
}

// Execute runs action unless the circuit is open. The resulting state is
// persisted after every call that reaches the dependency.
func (b *Breaker) Execute(ctx context.Context, action func(context.Context) error) error {
	st := b.load(ctx)
	now := b.now()

	if st.State == domain.CircuitOpen {
		if st.NextAttemptAt != nil && now.Before(*st.NextAttemptAt) {
			return &OpenError{State: st, RetryAt: *st.NextAttemptAt}
		}
		st.State = domain.CircuitHalfOpen
		st.HalfOpenSuccesses = 0
		b.logger.Info("circuit half-open", zap.String("circuit", b.name))
	}

	err := action(ctx)
	now = b.now()
	previous := st.State

	switch {
	case err == nil:
		b.onSuccess(&st)
	case errors.Is(err, context.Canceled):
		// The caller gave up; the dependency was not shown to be unhealthy.
	default:
		b.onFailure(&st, now)
	}

	if st.State != previous {
		b.logger.Info("circuit state changed",
			zap.String("circuit", b.name),
			zap.String("from", string(previous)),
			zap.String("to", string(st.State)),
			zap.Int("failures", st.Failures),
		)
	}
	b.save(ctx, st, now)
	return err
}

func (b *Breaker) onSuccess(st *domain.CircuitState) {
	switch st.State {
	case domain.CircuitHalfOpen:
		st.HalfOpenSuccesses++
		if st.HalfOpenSuccesses >= b.opts.HalfOpenSuccesses {
			st.State = domain.CircuitClosed
			st.Failures = 0
			st.HalfOpenSuccesses = 0
			st.NextAttemptAt = nil
		}
	default:
		// Any success while CLOSED clears the count, so the threshold
		// counts consecutive failures rather than failures per window.
		st.Failures = 0
	}
}

func (b *Breaker) onFailure(st *domain.CircuitState, now time.Time) {
	st.Failures++
	st.LastFailureAt = &now
	if st.State == domain.CircuitHalfOpen || st.Failures >= b.opts.FailureThreshold {
		next := now.Add(b.opts.RecoveryTimeout)
		st.State = domain.CircuitOpen
		st.HalfOpenSuccesses = 0
		st.NextAttemptAt = &next
	}
}

func (b *Breaker) load(ctx context.Context) domain.CircuitState {
	st, err := b.State(ctx)
	if err != nil {
		b.logger.Warn("circuit state unavailable, assuming closed", zap.String("circuit", b.name), zap.Error(err))
		return domain.NewCircuitState(b.name)
	}
	st.Name = b.name
	if st.State == "" {
		st.State = domain.CircuitClosed
	}
	return st
}

func (b *Breaker) save(ctx context.Context, st domain.CircuitState, now time.Time) {
	st.UpdatedAt = now
	metrics.SetCircuitState(b.name, st.State)
	if err := b.store.SaveCircuit(context.WithoutCancel(ctx), st); err != nil {
		b.logger.Warn("persist circuit state failed", zap.String("circuit", b.name), zap.Error(err))
	}
}
