package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/fitlink/internal/domain"
)

// DBTX is the query surface shared by pgxpool.Pool, pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Compile-time interface assertions.
var (
	_ TokenRepository        = (*PostgresTokenRepo)(nil)
	_ CircuitStateRepository = (*PostgresCircuitRepo)(nil)
	_ RateLimitRepository    = (*PostgresRateLimitRepo)(nil)
	_ AuditRepository        = (*PostgresAuditRepo)(nil)
	_ DBTX                   = (*pgxpool.Pool)(nil)
)

const tokenColumns = `owner_id, access_token_enc, refresh_token_enc, expires_at, key_version,
	last_refresh_at, last_validated_at, refresh_count, lock_expires_at, provider_user_id, scope,
	created_at, updated_at`

// PostgresTokenRepo implements TokenRepository.
type PostgresTokenRepo struct {
	db DBTX
}

func NewPostgresTokenRepo(db DBTX) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

func (r *PostgresTokenRepo) Get(ctx context.Context, ownerID string) (domain.TokenRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+tokenColumns+` FROM oauth_tokens WHERE owner_id = $1`, ownerID)
	rec, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TokenRecord{}, fmt.Errorf("get token %s: %w", ownerID, domain.ErrTokenNotFound)
		}
		return domain.TokenRecord{}, fmt.Errorf("get token: %w", err)
	}
	return rec, nil
}

const upsertTokenSQL = `INSERT INTO oauth_tokens (owner_id, access_token_enc, refresh_token_enc, expires_at, key_version,
	last_validated_at, provider_user_id, scope)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (owner_id) DO UPDATE SET
	access_token_enc = EXCLUDED.access_token_enc,
	refresh_token_enc = EXCLUDED.refresh_token_enc,
	expires_at = EXCLUDED.expires_at,
	key_version = EXCLUDED.key_version,
	last_validated_at = EXCLUDED.last_validated_at,
	provider_user_id = EXCLUDED.provider_user_id,
	scope = EXCLUDED.scope,
	updated_at = now()
RETURNING ` + tokenColumns

func (r *PostgresTokenRepo) Upsert(ctx context.Context, rec domain.TokenRecord) (domain.TokenRecord, error) {
	row := r.db.QueryRow(ctx, upsertTokenSQL,
		rec.OwnerID,
		rec.AccessTokenEnc,
		rec.RefreshTokenEnc,
		rec.ExpiresAt,
		rec.KeyVersion,
		rec.LastValidatedAt,
		rec.ProviderUserID,
		rec.Scope,
	)
	saved, err := scanToken(row)
	if err != nil {
		return domain.TokenRecord{}, fmt.Errorf("upsert token: %w", err)
	}
	return saved, nil
}

// The expires_at guard keeps expiry monotonic across refreshes.
const updateTokensSQL = `UPDATE oauth_tokens SET
	access_token_enc = $2,
	refresh_token_enc = $3,
	expires_at = $4,
	key_version = $5,
	scope = CASE WHEN $6 = '' THEN scope ELSE $6 END,
	provider_user_id = CASE WHEN $7 = '' THEN provider_user_id ELSE $7 END,
	last_refresh_at = $8,
	last_validated_at = $8,
	refresh_count = refresh_count + 1,
	updated_at = now()
WHERE owner_id = $1 AND expires_at <= $4
RETURNING ` + tokenColumns

func (r *PostgresTokenRepo) UpdateTokens(ctx context.Context, upd domain.TokenUpdate) (domain.TokenRecord, error) {
	row := r.db.QueryRow(ctx, updateTokensSQL,
		upd.OwnerID,
		upd.AccessTokenEnc,
		upd.RefreshTokenEnc,
		upd.ExpiresAt,
		upd.KeyVersion,
		upd.Scope,
		upd.ProviderUserID,
		upd.RefreshedAt,
	)
	rec, err := scanToken(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.TokenRecord{}, fmt.Errorf("update tokens: %w", err)
	}
	if _, getErr := r.Get(ctx, upd.OwnerID); getErr != nil {
		return domain.TokenRecord{}, getErr
	}
	return domain.TokenRecord{}, fmt.Errorf("update tokens %s: %w", upd.OwnerID, domain.ErrExpiryRegression)
}

func (r *PostgresTokenRepo) Delete(ctx context.Context, ownerID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM oauth_tokens WHERE owner_id = $1`, ownerID)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete token %s: %w", ownerID, domain.ErrTokenNotFound)
	}
	return nil
}

const listExpiringSQL = `SELECT ` + tokenColumns + ` FROM oauth_tokens
WHERE expires_at <= $1 AND (lock_expires_at IS NULL OR lock_expires_at <= $2)
ORDER BY expires_at ASC
LIMIT $3`

func (r *PostgresTokenRepo) ListExpiring(ctx context.Context, before, now time.Time, limit int) ([]domain.TokenRecord, error) {
	rows, err := r.db.Query(ctx, listExpiringSQL, before, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expiring tokens: %w", err)
	}
	defer rows.Close()

	var out []domain.TokenRecord
	for rows.Next() {
		rec, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expiring token: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expiring tokens: %w", err)
	}
	return out, nil
}

const stampLockSQL = `UPDATE oauth_tokens SET lock_expires_at = $2
WHERE owner_id = $1 AND (lock_expires_at IS NULL OR lock_expires_at <= $3)`

func (r *PostgresTokenRepo) StampLock(ctx context.Context, ownerID string, until, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, stampLockSQL, ownerID, until, now)
	if err != nil {
		return false, fmt.Errorf("stamp lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresTokenRepo) ClearLock(ctx context.Context, ownerID string) error {
	if _, err := r.db.Exec(ctx, `UPDATE oauth_tokens SET lock_expires_at = NULL WHERE owner_id = $1`, ownerID); err != nil {
		return fmt.Errorf("clear lock: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepo) PruneExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `UPDATE oauth_tokens SET lock_expires_at = NULL WHERE lock_expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("prune expired locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanToken(row pgx.Row) (domain.TokenRecord, error) {
	var rec domain.TokenRecord
	err := row.Scan(
		&rec.OwnerID,
		&rec.AccessTokenEnc,
		&rec.RefreshTokenEnc,
		&rec.ExpiresAt,
		&rec.KeyVersion,
		&rec.LastRefreshAt,
		&rec.LastValidatedAt,
		&rec.RefreshCount,
		&rec.LockExpiresAt,
		&rec.ProviderUserID,
		&rec.Scope,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	return rec, err
}

// PostgresCircuitRepo implements CircuitStateRepository.
type PostgresCircuitRepo struct {
	db DBTX
}

func NewPostgresCircuitRepo(db DBTX) *PostgresCircuitRepo {
	return &PostgresCircuitRepo{db: db}
}

func (r *PostgresCircuitRepo) LoadCircuit(ctx context.Context, name string) (domain.CircuitState, error) {
	var st domain.CircuitState
	var state string
	err := r.db.QueryRow(ctx, `SELECT name, state, failure_count, half_open_successes, last_failure_at, next_attempt_at, updated_at
FROM circuit_breakers WHERE name = $1`, name).Scan(
		&st.Name, &state, &st.Failures, &st.HalfOpenSuccesses, &st.LastFailureAt, &st.NextAttemptAt, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CircuitState{}, fmt.Errorf("load circuit %s: %w", name, domain.ErrCircuitNotFound)
		}
		return domain.CircuitState{}, fmt.Errorf("load circuit: %w", err)
	}
	st.State = domain.CircuitStatus(state)
	return st, nil
}

// Last write wins; concurrent invocations may overwrite each other.
const saveCircuitSQL = `INSERT INTO circuit_breakers (name, state, failure_count, half_open_successes, last_failure_at, next_attempt_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (name) DO UPDATE SET
	state = EXCLUDED.state,
	failure_count = EXCLUDED.failure_count,
	half_open_successes = EXCLUDED.half_open_successes,
	last_failure_at = EXCLUDED.last_failure_at,
	next_attempt_at = EXCLUDED.next_attempt_at,
	updated_at = now()`

func (r *PostgresCircuitRepo) SaveCircuit(ctx context.Context, st domain.CircuitState) error {
	_, err := r.db.Exec(ctx, saveCircuitSQL, st.Name, string(st.State), st.Failures, st.HalfOpenSuccesses, st.LastFailureAt, st.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("save circuit: %w", err)
	}
	return nil
}

// PostgresRateLimitRepo implements RateLimitRepository. Each hit is stored as a
// window row whose window_start is the request instant; colliding instants
// increment the row count.
type PostgresRateLimitRepo struct {
	db DBTX
}

func NewPostgresRateLimitRepo(db DBTX) *PostgresRateLimitRepo {
	return &PostgresRateLimitRepo{db: db}
}

const rateLimitHitsSQL = `SELECT window_start, request_count FROM rate_limit_windows
WHERE scope = $1 AND identity = $2 AND origin_hash = $3 AND ($4 = '' OR route = $4) AND window_start > $5
ORDER BY window_start ASC`

func (r *PostgresRateLimitRepo) Hits(ctx context.Context, key domain.RateLimitKey, since time.Time) ([]time.Time, error) {
	rows, err := r.db.Query(ctx, rateLimitHitsSQL, key.Scope, key.Identity, key.OriginHash, key.Route, since)
	if err != nil {
		return nil, fmt.Errorf("rate limit hits: %w", err)
	}
	defer rows.Close()

	var hits []time.Time
	for rows.Next() {
		var at time.Time
		var count int
		if err := rows.Scan(&at, &count); err != nil {
			return nil, fmt.Errorf("scan rate limit hit: %w", err)
		}
		for i := 0; i < count; i++ {
			hits = append(hits, at)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rate limit hits: %w", err)
	}
	return hits, nil
}

const recordHitSQL = `INSERT INTO rate_limit_windows (scope, identity, origin_hash, route, window_start, request_count)
VALUES ($1, $2, $3, $4, $5, 1)
ON CONFLICT (scope, identity, origin_hash, route, window_start) DO UPDATE SET
	request_count = rate_limit_windows.request_count + 1`

func (r *PostgresRateLimitRepo) RecordHit(ctx context.Context, key domain.RateLimitKey, at time.Time) error {
	if _, err := r.db.Exec(ctx, recordHitSQL, key.Scope, key.Identity, key.OriginHash, key.Route, at); err != nil {
		return fmt.Errorf("record rate limit hit: %w", err)
	}
	return nil
}

func (r *PostgresRateLimitRepo) ActiveBlock(ctx context.Context, identity string, now time.Time) (*domain.RateLimitBlock, error) {
	var block domain.RateLimitBlock
	err := r.db.QueryRow(ctx, `SELECT identity, reason, blocked_until, created_at FROM rate_limit_blocks
WHERE identity = $1 AND blocked_until > $2`, identity, now).Scan(&block.Identity, &block.Reason, &block.BlockedUntil, &block.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load rate limit block: %w", err)
	}
	return &block, nil
}

// A block never shortens an existing longer one.
const putBlockSQL = `INSERT INTO rate_limit_blocks (identity, reason, blocked_until, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (identity) DO UPDATE SET
	reason = CASE WHEN EXCLUDED.blocked_until > rate_limit_blocks.blocked_until THEN EXCLUDED.reason ELSE rate_limit_blocks.reason END,
	blocked_until = GREATEST(rate_limit_blocks.blocked_until, EXCLUDED.blocked_until)`

func (r *PostgresRateLimitRepo) PutBlock(ctx context.Context, block domain.RateLimitBlock) error {
	if _, err := r.db.Exec(ctx, putBlockSQL, block.Identity, block.Reason, block.BlockedUntil, block.CreatedAt); err != nil {
		return fmt.Errorf("put rate limit block: %w", err)
	}
	return nil
}

func (r *PostgresRateLimitRepo) RecordViolation(ctx context.Context, identity, reason string, at time.Time) error {
	if _, err := r.db.Exec(ctx, `INSERT INTO rate_limit_violations (identity, reason, created_at) VALUES ($1, $2, $3)`, identity, reason, at); err != nil {
		return fmt.Errorf("record rate limit violation: %w", err)
	}
	return nil
}

func (r *PostgresRateLimitRepo) CountViolations(ctx context.Context, identity string, since time.Time) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM rate_limit_violations WHERE identity = $1 AND created_at > $2`, identity, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rate limit violations: %w", err)
	}
	return n, nil
}

func (r *PostgresRateLimitRepo) PruneRateLimits(ctx context.Context, windowsBefore, violationsBefore, now time.Time) (int64, error) {
	var total int64
	statements := []struct {
		sql string
		arg time.Time
	}{
		{`DELETE FROM rate_limit_windows WHERE window_start <= $1`, windowsBefore},
		{`DELETE FROM rate_limit_violations WHERE created_at <= $1`, violationsBefore},
		{`DELETE FROM rate_limit_blocks WHERE blocked_until <= $1`, now},
	}
	for _, stmt := range statements {
		tag, err := r.db.Exec(ctx, stmt.sql, stmt.arg)
		if err != nil {
			return total, fmt.Errorf("prune rate limits: %w", err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// PostgresAuditRepo implements AuditRepository. It exposes no update path.
type PostgresAuditRepo struct {
	db DBTX
}

func NewPostgresAuditRepo(db DBTX) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

const insertAuditSQL = `INSERT INTO token_audit_log (id, owner_id, action, status, error_message, ip_address, user_agent, metadata, created_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)`

func (r *PostgresAuditRepo) AppendAudit(ctx context.Context, event domain.AuditEvent) error {
	metadata := []byte("{}")
	if len(event.Metadata) > 0 {
		encoded, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		metadata = encoded
	}
	_, err := r.db.Exec(ctx, insertAuditSQL,
		event.ID,
		event.OwnerID,
		event.Action,
		event.Status,
		event.ErrorMessage,
		event.IPAddress,
		event.UserAgent,
		metadata,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (r *PostgresAuditRepo) PurgeAuditBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM token_audit_log WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge audit: %w", err)
	}
	return tag.RowsAffected(), nil
}
