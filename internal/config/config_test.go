package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/fitlink")
	t.Setenv("APP_JWT_SECRET", "fitlink-test-app-secret-0123456789")
	t.Setenv("PROVIDER_CLIENT_ID", "client")
	t.Setenv("PROVIDER_CLIENT_SECRET", "client-secret")
	t.Setenv("PROVIDER_TOKEN_URL", "https://provider.test/oauth/token")
	t.Setenv("PROVIDER_PROBE_URL", "https://provider.test/v1/user")
	t.Setenv("KEY_PROVIDER", "static")
	t.Setenv("KEY_STATIC_MASTER", "master")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, cfg.RefreshBuffer)
	require.Equal(t, 5, cfg.BreakerFailureThreshold)
	require.Equal(t, time.Minute, cfg.BreakerRecoveryTimeout)
	require.Equal(t, 3, cfg.BreakerHalfOpenSuccesses)
	require.Equal(t, 100*time.Millisecond, cfg.AnomalyMinInterval)
	require.Equal(t, 50, cfg.SchedulerBatch)
	require.Equal(t, 10, cfg.RateLimitDefault)
	require.Equal(t, map[string]int{"refresh": 10, "status": 60}, cfg.RateLimitRoutes)
}

func TestLoadRouteOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("RATE_LIMIT_ROUTES", "refresh=3, status=bad, sync=7")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, map[string]int{"refresh": 3, "status": 60, "sync": 7}, cfg.RateLimitRoutes)
}

func TestLoadRequiresKeyMaterial(t *testing.T) {
	setRequired(t)
	t.Setenv("KEY_STATIC_MASTER", "")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("KEY_PROVIDER", "vault")
	_, err = Load()
	require.ErrorContains(t, err, "VAULT_ADDR")
}

func TestLoadMissingDatabase(t *testing.T) {
	setRequired(t)
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.ErrorContains(t, err, "DATABASE_URL")
}

func TestLoadDatabaseSkipsProviderSettings(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/fitlink")
	t.Setenv("AUDIT_RETENTION", "720h")
	t.Setenv("PROVIDER_CLIENT_ID", "")

	cfg, err := LoadDatabase()
	require.NoError(t, err)
	require.Equal(t, 30*24*time.Hour, cfg.AuditRetention)

	t.Setenv("DATABASE_URL", "")
	_, err = LoadDatabase()
	require.Error(t, err)
}

func TestLoadTelemetryAndNodeSettings(t *testing.T) {
	setRequired(t)
	t.Setenv("OTEL_TRACES_SAMPLE_RATIO", "0.25")
	t.Setenv("NODE_ID", "7")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 0.25, cfg.TelemetrySampleRatio)
	require.Equal(t, int64(7), cfg.NodeID)
}

func TestLoadRejectsShortJWTSecret(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_JWT_SECRET", "too-short")

	_, err := Load()
	require.ErrorContains(t, err, "APP_JWT_SECRET")
}
