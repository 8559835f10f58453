//go:build integration

package lock

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

func TestPostgresSessionLockerExcludes(t *testing.T) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Fatal("DATABASE_URL must be set for integration tests")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	sessions := NewPostgresSessionLocker(pool)
	t.Cleanup(func() { sessions.Close(ctx) })
	key := Key("integration-owner")

	ok, err := sessions.TryLock(ctx, "first", key)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = sessions.TryLock(ctx, "second", key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, sessions.Unlock(ctx, "first"))
	require.NoError(t, sessions.Unlock(ctx, "first"))

	ok, err = sessions.TryLock(ctx, "third", key)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, sessions.Unlock(ctx, "third"))
}
