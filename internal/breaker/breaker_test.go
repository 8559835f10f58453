package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/fitlink/internal/domain"
)

var errUpstream = errors.New("upstream unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(store *memoryCircuitStore) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	b := New("fitness_provider_token", store, DefaultOptions(), zap.NewNop())
	b.now = clock.Now
	return b, clock
}

func fail(context.Context) error    { return errUpstream }
func succeed(context.Context) error { return nil }

func TestOpensAfterThresholdAndSkipsAction(t *testing.T) {
	store := newMemoryCircuitStore()
	b, _ := newTestBreaker(store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errUpstream)
	}
	st, err := b.State(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.CircuitOpen, st.State)
	require.Equal(t, 5, st.Failures)

	calls := 0
	err = b.Execute(ctx, func(context.Context) error { calls++; return nil })
	require.ErrorIs(t, err, ErrOpen)
	require.Zero(t, calls)

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	require.Equal(t, domain.CircuitOpen, openErr.State.State)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	store := newMemoryCircuitStore()
	b, _ := newTestBreaker(store)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, fail)
	}
	require.NoError(t, b.Execute(ctx, succeed))
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, fail)
	}

	st, err := b.State(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.CircuitClosed, st.State)
	require.Equal(t, 4, st.Failures)
}

func TestHalfOpenTrialAfterRecovery(t *testing.T) {
	store := newMemoryCircuitStore()
	b, clock := newTestBreaker(store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(59 * time.Second)
	require.ErrorIs(t, b.Execute(ctx, succeed), ErrOpen)

	clock.Advance(time.Second)
	calls := 0
	require.NoError(t, b.Execute(ctx, func(context.Context) error { calls++; return nil }))
	require.Equal(t, 1, calls)

	st, err := b.State(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.CircuitHalfOpen, st.State)
	require.Equal(t, 1, st.HalfOpenSuccesses)
}

func TestHalfOpenClosesAfterRequiredSuccesses(t *testing.T) {
	store := newMemoryCircuitStore()
	b, clock := newTestBreaker(store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Execute(ctx, succeed))
	}

	st, err := b.State(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.CircuitClosed, st.State)
	require.Zero(t, st.Failures)
	require.Nil(t, st.NextAttemptAt)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	store := newMemoryCircuitStore()
	b, clock := newTestBreaker(store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(time.Minute)
	require.NoError(t, b.Execute(ctx, succeed))
	require.ErrorIs(t, b.Execute(ctx, fail), errUpstream)

	st, err := b.State(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.CircuitOpen, st.State)
	require.NotNil(t, st.NextAttemptAt)
	require.True(t, st.NextAttemptAt.After(clock.Now()))
	require.ErrorIs(t, b.Execute(ctx, succeed), ErrOpen)
}

func TestStateSharedBetweenInstances(t *testing.T) {
	store := newMemoryCircuitStore()
	a, _ := newTestBreaker(store)
	b, _ := newTestBreaker(store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = a.Execute(ctx, fail)
	}
	require.ErrorIs(t, b.Execute(ctx, succeed), ErrOpen)
}

func TestStoreReadFailureDegradesToClosed(t *testing.T) {
	store := newMemoryCircuitStore()
	store.loadErr = errors.New("database unavailable")
	b, _ := newTestBreaker(store)

	calls := 0
	require.NoError(t, b.Execute(context.Background(), func(context.Context) error { calls++; return nil }))
	require.Equal(t, 1, calls)
}

func TestCancelledCallDoesNotCountAsFailure(t *testing.T) {
	store := newMemoryCircuitStore()
	b, _ := newTestBreaker(store)

	err := b.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)

	st, err := b.State(context.Background())
	require.NoError(t, err)
	require.Zero(t, st.Failures)
}

type memoryCircuitStore struct {
	mu      sync.Mutex
	states  map[string]domain.CircuitState
	loadErr error
}

func newMemoryCircuitStore() *memoryCircuitStore {
	return &memoryCircuitStore{states: make(map[string]domain.CircuitState)}
}

func (m *memoryCircuitStore) LoadCircuit(_ context.Context, name string) (domain.CircuitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return domain.CircuitState{}, m.loadErr
	}
	st, ok := m.states[name]
	if !ok {
		return domain.CircuitState{}, domain.ErrCircuitNotFound
	}
	return st, nil
}

func (m *memoryCircuitStore) SaveCircuit(_ context.Context, st domain.CircuitState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.Name] = st
	return nil
}
