package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSessionLocker implements SessionLocker with pg_try_advisory_lock.
// Advisory locks belong to a session, so the pooled connection that took the
// lock is held until Unlock.
type PostgresSessionLocker struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	held map[string]heldLock
}

type heldLock struct {
	conn *pgxpool.Conn
	key  int64
}

func NewPostgresSessionLocker(pool *pgxpool.Pool) *PostgresSessionLocker {
	return &PostgresSessionLocker{pool: pool, held: make(map[string]heldLock)}
}

func (p *PostgresSessionLocker) TryLock(ctx context.Context, lockID string, key int64) (bool, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}

	p.mu.Lock()
	p.held[lockID] = heldLock{conn: conn, key: key}
	p.mu.Unlock()
	return true, nil
}

func (p *PostgresSessionLocker) Unlock(ctx context.Context, lockID string) error {
	p.mu.Lock()
	h, ok := p.held[lockID]
	delete(p.held, lockID)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	_, err := h.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, h.key)
	if err != nil {
		// A connection with a stuck session lock must not go back to the pool.
		_ = h.conn.Conn().Close(ctx)
		h.conn.Release()
		return fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	h.conn.Release()
	return nil
}

// Close drops every held connection; their advisory locks die with them.
func (p *PostgresSessionLocker) Close(ctx context.Context) {
	p.mu.Lock()
	held := p.held
	p.held = make(map[string]heldLock)
	p.mu.Unlock()

	for _, h := range held {
		_ = h.conn.Conn().Close(ctx)
		h.conn.Release()
	}
}

// LocalSessionLocker is an in-process SessionLocker for single-instance
// deployments and tests. The durable stamp still guards across processes.
type LocalSessionLocker struct {
	mu   sync.Mutex
	keys map[int64]string
	ids  map[string]int64
}

func NewLocalSessionLocker() *LocalSessionLocker {
	return &LocalSessionLocker{keys: make(map[int64]string), ids: make(map[string]int64)}
}

func (l *LocalSessionLocker) TryLock(_ context.Context, lockID string, key int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.keys[key]; taken {
		return false, nil
	}
	l.keys[key] = lockID
	l.ids[lockID] = key
	return true, nil
}

func (l *LocalSessionLocker) Unlock(_ context.Context, lockID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if key, ok := l.ids[lockID]; ok {
		delete(l.ids, lockID)
		delete(l.keys, key)
	}
	return nil
}
