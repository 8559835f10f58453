package refresh

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/fitlink/internal/audit"
	"github.com/smallbiznis/fitlink/internal/domain"
	"github.com/smallbiznis/fitlink/internal/lock"
	"github.com/smallbiznis/fitlink/internal/metrics"
	"github.com/smallbiznis/fitlink/internal/ratelimit"
)

const circuitUnknown = "UNKNOWN"

// Status reports the health of the owner's stored credential. Snapshots are
// cached briefly; cache failures fall through to the store.
func (s *Service) Status(ctx context.Context, req Request) (*domain.TokenStatus, error) {
	ctx, span := s.startSpan(ctx, "RefreshService.Status")
	defer span.End()

	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, fmt.Errorf("owner id required")
	}

	if req.Source != SourceScheduler {
		decision, err := s.limiter.Check(ctx, ratelimit.Identity{OwnerID: req.OwnerID, IP: req.IP, UserAgent: req.UserAgent}, RouteStatus)
		if err == nil && !decision.Allowed {
			s.logAudit(ctx, req, domain.AuditActionRateLimit, domain.AuditStatusBlocked, nil, map[string]any{"route": RouteStatus, "reason": decision.Reason})
			return nil, &RateLimitedError{Reason: decision.Reason, RetryAfter: decision.RetryAfter}
		}
	}

	if s.statuses != nil {
		cached, err := s.statuses.GetStatus(ctx, req.OwnerID)
		if err != nil {
			s.logger.Warn("status cache read failed", zap.String("owner_id", req.OwnerID), zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	status, err := s.buildStatus(ctx, req.OwnerID)
	if err != nil {
		span.RecordError(err)
		s.logAudit(ctx, req, domain.AuditActionTokenStatus, domain.AuditStatusFailure, err, nil)
		return nil, err
	}

	if s.statuses != nil && s.opts.StatusCacheTTL > 0 {
		if err := s.statuses.SaveStatus(ctx, req.OwnerID, *status, s.opts.StatusCacheTTL); err != nil {
			s.logger.Warn("status cache write failed", zap.String("owner_id", req.OwnerID), zap.Error(err))
		}
	}
	s.logAudit(ctx, req, domain.AuditActionTokenStatus, domain.AuditStatusSuccess, nil, map[string]any{"status": status.Status})
	return status, nil
}

func (s *Service) buildStatus(ctx context.Context, ownerID string) (*domain.TokenStatus, error) {
	circuit := circuitUnknown
	if st, err := s.breaker.State(ctx); err == nil {
		circuit = string(st.State)
	}

	rec, err := s.tokens.Get(ctx, ownerID)
	if errors.Is(err, domain.ErrTokenNotFound) {
		return &domain.TokenStatus{Status: domain.TokenStatusNotFound, CircuitBreakerStatus: circuit}, nil
	}
	if err != nil {
		return nil, err
	}

	remaining := rec.ExpiresAt.Sub(s.now())
	status := &domain.TokenStatus{
		Status:               domain.TokenStatusValid,
		SecondsUntilExpiry:   int64(math.Max(0, math.Floor(remaining.Seconds()))),
		ExpiresAt:            &rec.ExpiresAt,
		LastRefreshAt:        rec.LastRefreshAt,
		LastValidatedAt:      rec.LastValidatedAt,
		RefreshCount:         rec.RefreshCount,
		CircuitBreakerStatus: circuit,
		NeedsRefresh:         remaining <= s.opts.Buffer,
	}
	switch {
	case remaining <= 0:
		status.Status = domain.TokenStatusExpired
	case remaining <= s.opts.Buffer:
		status.Status = domain.TokenStatusExpiringSoon
	}
	return status, nil
}

// Connect stores the first token pair for an owner after proving it usable.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (rec domain.TokenRecord, err error) {
	ctx, span := s.startSpan(ctx, "RefreshService.Connect")
	defer span.End()
	defer func() {
		status := domain.AuditStatusSuccess
		if err != nil {
			status = domain.AuditStatusFailure
			span.RecordError(err)
		}
		s.logAudit(ctx, req.Request, domain.AuditActionTokenConnect, status, err, map[string]any{"key_version": rec.KeyVersion})
	}()

	if strings.TrimSpace(req.OwnerID) == "" {
		return domain.TokenRecord{}, fmt.Errorf("owner id required")
	}
	if req.AccessToken == "" || req.RefreshToken == "" {
		return domain.TokenRecord{}, fmt.Errorf("access and refresh token required")
	}
	if req.ExpiresIn <= 0 {
		return domain.TokenRecord{}, fmt.Errorf("expires_in must be positive")
	}

	identity, err := s.provider.Probe(ctx, req.AccessToken)
	if err != nil {
		return domain.TokenRecord{}, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	accessEnc, keyVer, err := s.cipher.EncryptString(ctx, req.AccessToken)
	if err != nil {
		return domain.TokenRecord{}, fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc, _, err := s.cipher.EncryptString(ctx, req.RefreshToken)
	if err != nil {
		return domain.TokenRecord{}, fmt.Errorf("encrypt refresh token: %w", err)
	}

	now := s.now()
	record := domain.TokenRecord{
		OwnerID:         req.OwnerID,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		ExpiresAt:       now.Add(time.Duration(req.ExpiresIn) * time.Second),
		KeyVersion:      keyVer,
		LastValidatedAt: &now,
		Scope:           req.Scope,
	}
	if identity != nil {
		record.ProviderUserID = identity.UserID
	}

	// Replacing a stored pair waits for any refresh in flight.
	lease, err := s.locker.Acquire(ctx, req.OwnerID, s.opts.LockTTL)
	if err != nil {
		return domain.TokenRecord{}, err
	}
	switch {
	case lease.Acquired:
		defer func() {
			if rerr := s.locker.Release(ctx, lease.LockID, req.OwnerID); rerr != nil {
				s.logger.Warn("release connect lock failed", zap.String("owner_id", req.OwnerID), zap.Error(rerr))
			}
		}()
	case lease.Reason != lock.ReasonRecordMissing:
		metrics.IncLockContention(lease.Reason)
		return domain.TokenRecord{}, &LockedError{RetryAfter: lease.RetryAfter}
	}

	saved, err := s.tokens.Upsert(ctx, record)
	if err != nil {
		return domain.TokenRecord{}, err
	}
	s.hints.put(req.OwnerID, saved.ExpiresAt)
	s.dropStatus(ctx, req.OwnerID)
	return saved, nil
}

// Disconnect deletes the owner's stored credential.
func (s *Service) Disconnect(ctx context.Context, req Request) (err error) {
	ctx, span := s.startSpan(ctx, "RefreshService.Disconnect")
	defer span.End()

	if strings.TrimSpace(req.OwnerID) == "" {
		return fmt.Errorf("owner id required")
	}
	defer func() {
		status := domain.AuditStatusSuccess
		if err != nil {
			status = domain.AuditStatusFailure
			span.RecordError(err)
		}
		s.logAudit(ctx, req, domain.AuditActionTokenDisconnect, status, err, nil)
	}()

	s.hints.forget(req.OwnerID)
	if err := s.tokens.Delete(ctx, req.OwnerID); err != nil {
		return err
	}
	s.dropStatus(ctx, req.OwnerID)
	return nil
}

// AccessToken ensures the credential is fresh and returns the plaintext access
// token for downstream provider calls. When another process holds the refresh
// lock, the stored token is returned as long as it has not expired.
func (s *Service) AccessToken(ctx context.Context, req Request) (string, error) {
	ctx, span := s.startSpan(ctx, "RefreshService.AccessToken")
	defer span.End()

	if _, err := s.Refresh(ctx, req); err != nil {
		var locked *LockedError
		if !errors.As(err, &locked) {
			return "", err
		}
	}

	rec, err := s.tokens.Get(ctx, req.OwnerID)
	if err != nil {
		return "", err
	}
	if !rec.ExpiresAt.After(s.now()) {
		return "", &LockedError{RetryAfter: s.opts.LockTTL}
	}
	token, err := s.cipher.DecryptString(ctx, rec.AccessTokenEnc)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("decrypt access token: %w", err)
	}
	return token, nil
}

func (s *Service) logAudit(ctx context.Context, req Request, action, status string, err error, metadata map[string]any) {
	s.audit.Log(ctx, audit.Event{
		OwnerID:   req.OwnerID,
		Action:    action,
		Status:    status,
		Error:     err,
		IPAddress: req.IP,
		UserAgent: req.UserAgent,
		Metadata:  metadata,
	})
}
