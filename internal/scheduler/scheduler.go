// Package scheduler refreshes credentials before they expire and performs
// periodic maintenance of lock stamps and rate limit rows.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/fitlink/internal/audit"
	"github.com/smallbiznis/fitlink/internal/config"
	"github.com/smallbiznis/fitlink/internal/domain"
	"github.com/smallbiznis/fitlink/internal/metrics"
	"github.com/smallbiznis/fitlink/internal/refresh"
)

// systemOwner is the audit owner id for sweeps that are not tied to a user.
const systemOwner = "system:scheduler"

// Refresher runs a single refresh attempt.
type Refresher interface {
	Refresh(ctx context.Context, req refresh.Request) (*refresh.Result, error)
}

// TokenLister finds records that should be refreshed soon.
type TokenLister interface {
	ListExpiring(ctx context.Context, before, now time.Time, limit int) ([]domain.TokenRecord, error)
	PruneExpiredLocks(ctx context.Context, now time.Time) (int64, error)
}

// RateLimitPruner removes stale rate limit rows.
type RateLimitPruner interface {
	Prune(ctx context.Context) (int64, error)
}

// AuditLogger records the sweep summary.
type AuditLogger interface {
	Log(ctx context.Context, ev audit.Event)
}

// Options configure the sweep cadence and batch.
type Options struct {
	Interval time.Duration
	Horizon  time.Duration
	Batch    int
}

// OptionsFromConfig maps service configuration onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{Interval: cfg.SchedulerInterval, Horizon: cfg.SchedulerHorizon, Batch: cfg.SchedulerBatch}
}

// Summary counts the outcomes of one sweep.
type Summary struct {
	Processed           int   `json:"processed"`
	Succeeded           int   `json:"succeeded"`
	Failed              int   `json:"failed"`
	Cached              int   `json:"cached"`
	NotNeeded           int   `json:"not_needed"`
	LocksPruned         int64 `json:"locks_pruned"`
	RateLimitRowsPruned int64 `json:"rate_limit_rows_pruned"`
}

// Scheduler sweeps expiring credentials on a fixed interval.
type Scheduler struct {
	tokens    TokenLister
	refresher Refresher
	limits    RateLimitPruner
	audit     AuditLogger
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// New builds a Scheduler.
func New(tokens TokenLister, refresher Refresher, limits RateLimitPruner, auditLogger AuditLogger, opts Options, logger *zap.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Horizon <= 0 {
		opts.Horizon = 10 * time.Minute
	}
	if opts.Batch <= 0 {
		opts.Batch = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		tokens:    tokens,
		refresher: refresher,
		limits:    limits,
		audit:     auditLogger,
		opts:      opts,
		logger:    logger.Named("scheduler"),
		now:       time.Now,
	}
}

// Run sweeps immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep refreshes one batch of expiring credentials, then prunes stale
// coordination rows. A failure for one owner never stops the batch.
func (s *Scheduler) Sweep(ctx context.Context) Summary {
	var sum Summary
	now := s.now()

	records, listErr := s.tokens.ListExpiring(ctx, now.Add(s.opts.Horizon), now, s.opts.Batch)
	if listErr != nil {
		s.logger.Error("list expiring tokens failed", zap.Error(listErr))
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		sum.Processed++
		res, err := s.refreshOne(ctx, rec.OwnerID)
		switch {
		case err != nil:
			sum.Failed++
			s.logger.Warn("scheduled refresh failed", zap.String("owner_id", rec.OwnerID), zap.Error(err))
		case res.Cached:
			sum.Cached++
		case res.RefreshNotNeeded:
			sum.NotNeeded++
		default:
			sum.Succeeded++
		}
	}

	if n, err := s.tokens.PruneExpiredLocks(ctx, s.now()); err != nil {
		s.logger.Warn("prune expired locks failed", zap.Error(err))
	} else {
		sum.LocksPruned = n
	}
	if s.limits != nil {
		if n, err := s.limits.Prune(ctx); err != nil {
			s.logger.Warn("prune rate limit rows failed", zap.Error(err))
		} else {
			sum.RateLimitRowsPruned = n
		}
	}

	finished := s.now()
	metrics.ObserveSweep(sum.Succeeded, sum.Failed, sum.Cached, sum.NotNeeded, finished)
	s.logger.Info("sweep finished",
		zap.Int("processed", sum.Processed),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
		zap.Int("cached", sum.Cached),
		zap.Int("not_needed", sum.NotNeeded),
		zap.Int64("locks_pruned", sum.LocksPruned),
		zap.Int64("rate_limit_rows_pruned", sum.RateLimitRowsPruned),
		zap.Duration("elapsed", finished.Sub(now)),
	)

	status := domain.AuditStatusSuccess
	if sum.Failed > 0 || listErr != nil {
		status = domain.AuditStatusFailure
	}
	s.audit.Log(ctx, audit.Event{
		OwnerID: systemOwner,
		Action:  domain.AuditActionSchedulerSweep,
		Status:  status,
		Error:   listErr,
		Metadata: map[string]any{
			"processed":              sum.Processed,
			"succeeded":              sum.Succeeded,
			"failed":                 sum.Failed,
			"cached":                 sum.Cached,
			"not_needed":             sum.NotNeeded,
			"locks_pruned":           sum.LocksPruned,
			"rate_limit_rows_pruned": sum.RateLimitRowsPruned,
		},
	})
	return sum
}

// refreshOne isolates a single owner, including panics, from the batch.
func (s *Scheduler) refreshOne(ctx context.Context, ownerID string) (res *refresh.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled refresh panicked", zap.String("owner_id", ownerID), zap.Any("panic", r))
			res, err = nil, errPanicked
		}
	}()
	res, err = s.refresher.Refresh(ctx, refresh.Request{OwnerID: ownerID, Source: refresh.SourceScheduler})
	if err == nil && res == nil {
		err = errNoResult
	}
	return res, err
}
