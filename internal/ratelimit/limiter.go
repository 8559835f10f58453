// Package ratelimit enforces per-route sliding-window limits and blocks
// automated traffic detected from request spacing.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/fitlink/internal/config"
	"github.com/smallbiznis/fitlink/internal/domain"
	"github.com/smallbiznis/fitlink/internal/metrics"
	"github.com/smallbiznis/fitlink/internal/repository"
)

// Rejection reasons.
const (
	ReasonRateLimited = "rate_limited"
	ReasonAnomaly     = "anomaly"
	ReasonHardBlocked = "hard_blocked"
	ReasonBlocked     = "blocked"
)

const scopeOwner = "owner"
const scopeOrigin = "origin"

// Identity describes the caller being limited.
type Identity struct {
	OwnerID   string
	IP        string
	UserAgent string
}

// Decision is the outcome of Check.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	Reason     string
	RetryAfter time.Duration
}

// Options configure windows, limits and the anomaly heuristic.
type Options struct {
	Window              time.Duration
	DefaultLimit        int
	RouteLimits         map[string]int
	AnomalyMinRequests  int
	AnomalySample       int
	AnomalyMinInterval  time.Duration
	AnomalyCooldown     time.Duration
	HardBlockViolations int
	ViolationWindow     time.Duration
	HardBlockDuration   time.Duration
}

// OptionsFromConfig maps service configuration onto limiter options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Window:              cfg.RateLimitWindow,
		DefaultLimit:        cfg.RateLimitDefault,
		RouteLimits:         cfg.RateLimitRoutes,
		AnomalyMinRequests:  cfg.AnomalyMinRequests,
		AnomalySample:       cfg.AnomalySample,
		AnomalyMinInterval:  cfg.AnomalyMinInterval,
		AnomalyCooldown:     cfg.AnomalyCooldown,
		HardBlockViolations: cfg.AnomalyHardBlockViolations,
		ViolationWindow:     cfg.AnomalyViolationWindow,
		HardBlockDuration:   cfg.HardBlockDuration,
	}
}

func (o Options) limit(route string) int {
	if n, ok := o.RouteLimits[route]; ok && n > 0 {
		return n
	}
	return o.DefaultLimit
}

// Limiter checks requests against the shared rate limit store.
type Limiter struct {
	store  repository.RateLimitRepository
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// NewLimiter builds a Limiter.
func NewLimiter(store repository.RateLimitRepository, opts Options, logger *zap.Logger) *Limiter {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 10
	}
	if opts.AnomalySample < 2 {
		opts.AnomalySample = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{store: store, opts: opts, logger: logger, now: time.Now}
}

// OriginHash returns the hex encoding of the first 16 bytes of SHA-256(ip).
func OriginHash(ip string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(ip)))
	return hex.EncodeToString(sum[:16])
}

// Check decides whether a request for route may proceed and records it when
// allowed. Store failures allow the request.
func (l *Limiter) Check(ctx context.Context, id Identity, route string) (Decision, error) {
	origin := OriginHash(id.IP)
	scope, subject := scopeOwner, strings.TrimSpace(id.OwnerID)
	if subject == "" {
		if strings.TrimSpace(id.IP) == "" {
			return Decision{}, fmt.Errorf("rate limit identity requires an owner id or ip")
		}
		scope, subject = scopeOrigin, origin
	}

	now := l.now()
	limit := l.opts.limit(route)

	block, err := l.store.ActiveBlock(ctx, subject, now)
	if err != nil {
		return l.failOpen(subject, route, limit, now, err), nil
	}
	if block != nil {
		return l.reject(route, ReasonBlocked, block.BlockedUntil, now), nil
	}

	since := now.Add(-l.opts.Window)
	key := domain.RateLimitKey{Scope: scope, Identity: subject, OriginHash: origin, Route: route}
	routeHits, err := l.store.Hits(ctx, key, since)
	if err != nil {
		return l.failOpen(subject, route, limit, now, err), nil
	}
	identityKey := key
	identityKey.Route = ""
	identityHits, err := l.store.Hits(ctx, identityKey, since)
	if err != nil {
		return l.failOpen(subject, route, limit, now, err), nil
	}

	if l.automated(append(identityHits, now)) {
		return l.classifyAnomaly(ctx, subject, route, limit, now), nil
	}

	// Counting and recording are separate statements, so concurrent checks for
	// one identity can each see limit-1 hits and all pass. Over-admission is
	// bounded by the number of requests racing inside one window.
	if len(routeHits) >= limit {
		return l.reject(route, ReasonRateLimited, routeHits[0].Add(l.opts.Window), now), nil
	}

	if err := l.store.RecordHit(ctx, key, now); err != nil {
		return l.failOpen(subject, route, limit, now, err), nil
	}

	resetAt := now.Add(l.opts.Window)
	if len(routeHits) > 0 {
		resetAt = routeHits[0].Add(l.opts.Window)
	}
	return Decision{Allowed: true, Remaining: limit - len(routeHits) - 1, ResetAt: resetAt}, nil
}

// automated reports whether the most recent requests arrive faster than a
// human plausibly could. hits must be ordered oldest first.
func (l *Limiter) automated(hits []time.Time) bool {
	if l.opts.AnomalyMinRequests <= 0 || l.opts.AnomalyMinInterval <= 0 || len(hits) < l.opts.AnomalyMinRequests {
		return false
	}
	sample := hits
	if len(sample) > l.opts.AnomalySample {
		sample = sample[len(sample)-l.opts.AnomalySample:]
	}
	span := sample[len(sample)-1].Sub(sample[0])
	avg := span / time.Duration(len(sample)-1)
	return avg < l.opts.AnomalyMinInterval
}

func (l *Limiter) classifyAnomaly(ctx context.Context, subject, route string, limit int, now time.Time) Decision {
	reason := ReasonAnomaly
	until := now.Add(l.opts.AnomalyCooldown)

	if err := l.store.RecordViolation(ctx, subject, ReasonAnomaly, now); err != nil {
		l.logger.Warn("record anomaly violation failed", zap.String("identity", subject), zap.Error(err))
	}
	violations, err := l.store.CountViolations(ctx, subject, now.Add(-l.opts.ViolationWindow))
	if err != nil {
		l.logger.Warn("count anomaly violations failed", zap.String("identity", subject), zap.Error(err))
	}
	if l.opts.HardBlockViolations > 0 && violations >= l.opts.HardBlockViolations {
		reason = ReasonHardBlocked
		until = now.Add(l.opts.HardBlockDuration)
	}

	block := domain.RateLimitBlock{Identity: subject, Reason: reason, BlockedUntil: until, CreatedAt: now}
	if err := l.store.PutBlock(ctx, block); err != nil {
		l.logger.Warn("store rate limit block failed", zap.String("identity", subject), zap.Error(err))
	}
	l.logger.Warn("automated traffic blocked",
		zap.String("identity", subject),
		zap.String("route", route),
		zap.String("reason", reason),
		zap.Int("violations", violations),
		zap.Time("blocked_until", until),
	)
	return l.reject(route, reason, until, now)
}

func (l *Limiter) reject(route, reason string, until, now time.Time) Decision {
	metrics.IncRateLimitRejection(route, reason)
	retry := until.Sub(now)
	if retry < 0 {
		retry = 0
	}
	return Decision{Allowed: false, Reason: reason, ResetAt: until, RetryAfter: retry}
}

func (l *Limiter) failOpen(subject, route string, limit int, now time.Time, err error) Decision {
	metrics.IncRateLimitFailOpen()
	l.logger.Warn("rate limit store unavailable, allowing request",
		zap.String("identity", subject),
		zap.String("route", route),
		zap.Error(err),
	)
	return Decision{Allowed: true, Remaining: limit, ResetAt: now.Add(l.opts.Window)}
}

// Prune removes windows older than the window, violations older than the
// violation window and expired blocks.
func (l *Limiter) Prune(ctx context.Context) (int64, error) {
	now := l.now()
	violationWindow := l.opts.ViolationWindow
	if violationWindow < l.opts.Window {
		violationWindow = l.opts.Window
	}
	return l.store.PruneRateLimits(ctx, now.Add(-l.opts.Window), now.Add(-violationWindow), now)
}
