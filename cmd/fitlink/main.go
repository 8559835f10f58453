package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/smallbiznis/fitlink/internal/adapter/cache"
	oauthadapter "github.com/smallbiznis/fitlink/internal/adapter/oauth"
	"github.com/smallbiznis/fitlink/internal/audit"
	"github.com/smallbiznis/fitlink/internal/breaker"
	"github.com/smallbiznis/fitlink/internal/config"
	"github.com/smallbiznis/fitlink/internal/crypto"
	httptransport "github.com/smallbiznis/fitlink/internal/http"
	"github.com/smallbiznis/fitlink/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/fitlink/internal/http/middleware"
	"github.com/smallbiznis/fitlink/internal/jwt"
	"github.com/smallbiznis/fitlink/internal/lock"
	apimiddleware "github.com/smallbiznis/fitlink/internal/middleware"
	"github.com/smallbiznis/fitlink/internal/migrations"
	"github.com/smallbiznis/fitlink/internal/ratelimit"
	"github.com/smallbiznis/fitlink/internal/refresh"
	"github.com/smallbiznis/fitlink/internal/repository"
	"github.com/smallbiznis/fitlink/internal/scheduler"
	"github.com/smallbiznis/fitlink/internal/server"
	"github.com/smallbiznis/fitlink/internal/telemetry"
)

const providerBreakerName = "fitness_provider_token"

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newTokenRepository,
			newCircuitRepository,
			newRateLimitRepository,
			newAuditRepository,
			newRedisClient,
			newStatusCache,
			newKeyProvider,
			newCipher,
			newAuditLogger,
			newLocker,
			newBreaker,
			newLimiter,
			newProviderClient,
			newRefreshService,
			newScheduler,
			newEdgeRateLimiter,
			jwt.NewVerifierFromConfig,
			newAuthMiddleware,
			newTokenHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, runMigrations, startScheduler, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", cfg.ServiceName))
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newTokenRepository(pool *pgxpool.Pool) *repository.PostgresTokenRepo {
	return repository.NewPostgresTokenRepo(pool)
}

func newCircuitRepository(pool *pgxpool.Pool) repository.CircuitStateRepository {
	return repository.NewPostgresCircuitRepo(pool)
}

func newRateLimitRepository(pool *pgxpool.Pool) repository.RateLimitRepository {
	return repository.NewPostgresRateLimitRepo(pool)
}

func newAuditRepository(pool *pgxpool.Pool) repository.AuditRepository {
	return repository.NewPostgresAuditRepo(pool)
}

// newRedisClient connects the status snapshot cache. Redis is optional: an
// unreachable server disables the cache instead of failing startup.
func newRedisClient(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) redis.UniversalClient {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, status cache disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = client.Close()
		return nil
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func newStatusCache(client redis.UniversalClient) repository.StatusCache {
	if client == nil {
		return nil
	}
	return cacheadapter.NewRedisStatusCache(client)
}

func newKeyProvider(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (crypto.KeyProvider, error) {
	keys, err := crypto.NewKeyProvider(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("key provider: %w", err)
	}
	if closer, ok := keys.(interface{ Close() }); ok {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				closer.Close()
				return nil
			},
		})
	}
	return keys, nil
}

func newCipher(keys crypto.KeyProvider, cfg config.Config) refresh.Cipher {
	return crypto.NewService(keys, cfg.KeyCurrentVersion)
}

func newAuditLogger(repo repository.AuditRepository, node *snowflake.Node, logger *zap.Logger) *audit.Logger {
	return audit.NewLogger(repo, node, logger)
}

func newLocker(lc fx.Lifecycle, pool *pgxpool.Pool, tokens *repository.PostgresTokenRepo, logger *zap.Logger) refresh.Locker {
	sessions := lock.NewPostgresSessionLocker(pool)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			sessions.Close(ctx)
			return nil
		},
	})
	return lock.NewLocker(sessions, tokens, logger)
}

func newBreaker(store repository.CircuitStateRepository, cfg config.Config, logger *zap.Logger) refresh.CircuitBreaker {
	return breaker.New(providerBreakerName, store, breaker.Options{
		FailureThreshold:  cfg.BreakerFailureThreshold,
		RecoveryTimeout:   cfg.BreakerRecoveryTimeout,
		HalfOpenSuccesses: cfg.BreakerHalfOpenSuccesses,
	}, logger)
}

func newLimiter(store repository.RateLimitRepository, cfg config.Config, logger *zap.Logger) *ratelimit.Limiter {
	return ratelimit.NewLimiter(store, ratelimit.OptionsFromConfig(cfg), logger)
}

func newProviderClient(cfg config.Config) oauthadapter.ProviderClient {
	return oauthadapter.NewHTTPProviderClient(oauthadapter.ProviderConfigFromConfig(cfg), &http.Client{Timeout: cfg.ProviderTimeout})
}

func newRefreshService(
	lc fx.Lifecycle,
	cfg config.Config,
	tokens *repository.PostgresTokenRepo,
	locker refresh.Locker,
	limiter *ratelimit.Limiter,
	cb refresh.CircuitBreaker,
	cipher refresh.Cipher,
	provider oauthadapter.ProviderClient,
	auditLogger *audit.Logger,
	statuses repository.StatusCache,
	logger *zap.Logger,
) (*refresh.Service, error) {
	svc, err := refresh.NewService(tokens, locker, limiter, cb, cipher, provider, auditLogger, statuses, refresh.OptionsFromConfig(cfg), logger.Named("refresh"))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			svc.Close()
			return nil
		},
	})
	return svc, nil
}

func newScheduler(cfg config.Config, tokens *repository.PostgresTokenRepo, svc *refresh.Service, limiter *ratelimit.Limiter, auditLogger *audit.Logger, logger *zap.Logger) *scheduler.Scheduler {
	return scheduler.New(tokens, svc, limiter, auditLogger, scheduler.OptionsFromConfig(cfg), logger)
}

func newEdgeRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.HTTPRateLimitRPM)
}

func newAuthMiddleware(verifier *jwt.Verifier) *httpmiddleware.Auth {
	return &httpmiddleware.Auth{Verifier: verifier}
}

func newTokenHandler(svc *refresh.Service, logger *zap.Logger) *handler.TokenHandler {
	return handler.NewTokenHandler(svc, logger)
}

func runMigrations(cfg config.Config, logger *zap.Logger) error {
	if !cfg.AutoMigrate {
		return nil
	}
	if err := migrations.Up(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("database migrations applied")
	return nil
}

func startScheduler(lc fx.Lifecycle, sched *scheduler.Scheduler, cfg config.Config, logger *zap.Logger) {
	if !cfg.SchedulerEnabled {
		logger.Info("refresh scheduler disabled")
		return
	}
	runBackground(lc, func(ctx context.Context) error {
		sched.Run(ctx)
		return nil
	}, logger, "refresh scheduler stopped")
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	runBackground(lc, func(ctx context.Context) error {
		return srv.Run(ctx, addr)
	}, logger, "http server stopped")
}

// runBackground ties a long-running loop to the fx lifecycle.
func runBackground(lc fx.Lifecycle, run func(ctx context.Context) error, logger *zap.Logger, stoppedMsg string) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := run(runCtx); err != nil {
					logger.Error(stoppedMsg, zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
