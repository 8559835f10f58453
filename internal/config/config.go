package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const minJWTSecretLen = 32

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	ServiceName string
	NodeID      int64
	DatabaseURL string
	AutoMigrate bool

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	StatusCacheTTL time.Duration

	AppJWTSecret string
	AppJWTIssuer string

	ProviderClientID     string
	ProviderClientSecret string
	ProviderTokenURL     string
	ProviderProbeURL     string
	ProviderTimeout      time.Duration

	KeyProvider       string
	KeyCurrentVersion int
	KeyCacheTTL       time.Duration
	KeyStaticMaster   string
	KeyStaticFallback bool
	VaultAddr         string
	VaultToken        string
	VaultMount        string
	VaultKeyPath      string
	VaultTimeout      time.Duration

	RefreshBuffer   time.Duration
	ValidityHintTTL time.Duration
	LockTTL         time.Duration

	BreakerFailureThreshold  int
	BreakerRecoveryTimeout   time.Duration
	BreakerHalfOpenSuccesses int

	RateLimitWindow            time.Duration
	RateLimitDefault           int
	RateLimitRoutes            map[string]int
	AnomalyMinRequests         int
	AnomalySample              int
	AnomalyMinInterval         time.Duration
	AnomalyCooldown            time.Duration
	AnomalyHardBlockViolations int
	AnomalyViolationWindow     time.Duration
	HardBlockDuration          time.Duration

	SchedulerEnabled  bool
	SchedulerInterval time.Duration
	SchedulerHorizon  time.Duration
	SchedulerBatch    int

	AuditRetention time.Duration

	HTTPRateLimitRPM     int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	TelemetrySampleRatio float64
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:    getEnv("APP_ENV", "development"),
		HTTPPort:       getEnv("HTTP_PORT", "8080"),
		ServiceName:    getEnv("SERVICE_NAME", "fitlink"),
		NodeID:         int64(getInt("NODE_ID", 1)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		AutoMigrate:    getBool("AUTO_MIGRATE", false),
		RedisAddr:      getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        getInt("REDIS_DB", 0),
		StatusCacheTTL: getDuration("STATUS_CACHE_TTL", 30*time.Second),

		AppJWTSecret: os.Getenv("APP_JWT_SECRET"),
		AppJWTIssuer: os.Getenv("APP_JWT_ISSUER"),

		ProviderClientID:     os.Getenv("PROVIDER_CLIENT_ID"),
		ProviderClientSecret: os.Getenv("PROVIDER_CLIENT_SECRET"),
		ProviderTokenURL:     os.Getenv("PROVIDER_TOKEN_URL"),
		ProviderProbeURL:     os.Getenv("PROVIDER_PROBE_URL"),
		ProviderTimeout:      getDuration("PROVIDER_TIMEOUT", 10*time.Second),

		KeyProvider:       strings.ToLower(getEnv("KEY_PROVIDER", "vault")),
		KeyCurrentVersion: getInt("KEY_CURRENT_VERSION", 1),
		KeyCacheTTL:       getDuration("KEY_CACHE_TTL", time.Hour),
		KeyStaticMaster:   os.Getenv("KEY_STATIC_MASTER"),
		KeyStaticFallback: getBool("KEY_STATIC_FALLBACK", false),
		VaultAddr:         os.Getenv("VAULT_ADDR"),
		VaultToken:        os.Getenv("VAULT_TOKEN"),
		VaultMount:        getEnv("VAULT_MOUNT", "secret"),
		VaultKeyPath:      getEnv("VAULT_KEY_PATH", "fitlink/token-keys"),
		VaultTimeout:      getDuration("VAULT_TIMEOUT", 5*time.Second),

		RefreshBuffer:   getDuration("REFRESH_BUFFER", 5*time.Minute),
		ValidityHintTTL: getDuration("VALIDITY_HINT_TTL", time.Minute),
		LockTTL:         getDuration("LOCK_TTL", 30*time.Second),

		BreakerFailureThreshold:  getInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerRecoveryTimeout:   getDuration("BREAKER_RECOVERY_TIMEOUT", time.Minute),
		BreakerHalfOpenSuccesses: getInt("BREAKER_HALF_OPEN_SUCCESSES", 3),

		RateLimitWindow:            getDuration("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitDefault:           getInt("RATE_LIMIT_DEFAULT", 10),
		RateLimitRoutes:            getIntMap("RATE_LIMIT_ROUTES", map[string]int{"refresh": 10, "status": 60}),
		AnomalyMinRequests:         getInt("ANOMALY_MIN_REQUESTS", 10),
		AnomalySample:              getInt("ANOMALY_SAMPLE", 10),
		AnomalyMinInterval:         getDuration("ANOMALY_MIN_INTERVAL", 100*time.Millisecond),
		AnomalyCooldown:            getDuration("ANOMALY_COOLDOWN", 15*time.Minute),
		AnomalyHardBlockViolations: getInt("ANOMALY_HARD_BLOCK_VIOLATIONS", 3),
		AnomalyViolationWindow:     getDuration("ANOMALY_VIOLATION_WINDOW", time.Hour),
		HardBlockDuration:          getDuration("HARD_BLOCK_DURATION", 24*time.Hour),

		SchedulerEnabled:  getBool("SCHEDULER_ENABLED", true),
		SchedulerInterval: getDuration("SCHEDULER_INTERVAL", 5*time.Minute),
		SchedulerHorizon:  getDuration("SCHEDULER_HORIZON", 10*time.Minute),
		SchedulerBatch:    getInt("SCHEDULER_BATCH", 50),

		AuditRetention: getDuration("AUDIT_RETENTION", 90*24*time.Hour),

		HTTPRateLimitRPM:     getInt("HTTP_RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		TelemetrySampleRatio: getFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDatabase reads only the settings needed by offline maintenance
// commands, so they run without provider or key configuration.
func LoadDatabase() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:    getEnv("APP_ENV", "development"),
		ServiceName:    getEnv("SERVICE_NAME", "fitlink"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		AuditRetention: getDuration("AUDIT_RETENTION", 90*24*time.Hour),
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.AuditRetention <= 0 {
		return Config{}, fmt.Errorf("AUDIT_RETENTION must be positive")
	}
	return cfg, nil
}

func (c Config) validate() error {
	required := map[string]string{
		"DATABASE_URL":           c.DatabaseURL,
		"APP_JWT_SECRET":         c.AppJWTSecret,
		"PROVIDER_CLIENT_ID":     c.ProviderClientID,
		"PROVIDER_CLIENT_SECRET": c.ProviderClientSecret,
		"PROVIDER_TOKEN_URL":     c.ProviderTokenURL,
		"PROVIDER_PROBE_URL":     c.ProviderProbeURL,
	}
	for key, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s is required", key)
		}
	}

	switch c.KeyProvider {
	case "vault":
		if c.VaultAddr == "" {
			return fmt.Errorf("VAULT_ADDR is required when KEY_PROVIDER=vault")
		}
		if c.KeyStaticFallback && c.KeyStaticMaster == "" {
			return fmt.Errorf("KEY_STATIC_MASTER is required when KEY_STATIC_FALLBACK is enabled")
		}
	case "static":
		if c.KeyStaticMaster == "" {
			return fmt.Errorf("KEY_STATIC_MASTER is required when KEY_PROVIDER=static")
		}
	default:
		return fmt.Errorf("KEY_PROVIDER must be vault or static, got %q", c.KeyProvider)
	}

	if c.KeyCurrentVersion < 1 {
		return fmt.Errorf("KEY_CURRENT_VERSION must be positive")
	}
	// HS256 keys below 256 bits are refused by the JWT library at use time.
	if len(c.AppJWTSecret) < minJWTSecretLen {
		return fmt.Errorf("APP_JWT_SECRET must be at least %d bytes", minJWTSecretLen)
	}
	return nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}

// getIntMap parses "route=limit,route=limit" pairs.
func getIntMap(key string, def map[string]int) map[string]int {
	out := make(map[string]int, len(def))
	for k, v := range def {
		out[k] = v
	}
	for _, pair := range getList(key, nil) {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n <= 0 {
			continue
		}
		out[strings.TrimSpace(name)] = n
	}
	return out
}
