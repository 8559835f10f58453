// Package refresh keeps each owner's upstream token pair valid. A refresh is
// a single attempt that either commits a probed token pair or leaves the
// stored record untouched.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	oauthadapter "github.com/smallbiznis/fitlink/internal/adapter/oauth"
	"github.com/smallbiznis/fitlink/internal/audit"
	"github.com/smallbiznis/fitlink/internal/breaker"
	"github.com/smallbiznis/fitlink/internal/config"
	"github.com/smallbiznis/fitlink/internal/domain"
	"github.com/smallbiznis/fitlink/internal/lock"
	"github.com/smallbiznis/fitlink/internal/metrics"
	"github.com/smallbiznis/fitlink/internal/ratelimit"
	"github.com/smallbiznis/fitlink/internal/repository"
)

// Source identifies who asked for a refresh.
type Source string

const (
	SourceInteractive Source = "interactive"
	SourceScheduler   Source = "scheduler"
)

// Rate limit routes used by the service.
const (
	RouteRefresh = "refresh"
	RouteStatus  = "status"
)

// Attempt states, reported in logs and audit metadata.
const (
	stateCheckCache     = "check_cache"
	stateCheckRateLimit = "check_rate_limit"
	stateAcquireLock    = "acquire_lock"
	stateCheckNeed      = "check_need"
	stateCallProvider   = "call_provider"
	stateValidate       = "validate_new_token"
	statePersist        = "encrypt_and_persist"
	stateDone           = "done"
)

// Request identifies the owner and the caller metadata used for auditing.
type Request struct {
	OwnerID   string
	IP        string
	UserAgent string
	Source    Source
}

// Result describes a successful refresh attempt.
type Result struct {
	Cached           bool
	RefreshNotNeeded bool
	ExpiresAt        time.Time
	RefreshCount     int64
}

// ConnectRequest carries the token pair obtained by an authorization flow.
type ConnectRequest struct {
	Request
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	Scope        string
}

// Locker is the per-owner distributed lock.
type Locker interface {
	Acquire(ctx context.Context, ownerID string, ttl time.Duration) (lock.Lease, error)
	Release(ctx context.Context, lockID, ownerID string) error
}

// RateLimiter gates interactive requests.
type RateLimiter interface {
	Check(ctx context.Context, id ratelimit.Identity, route string) (ratelimit.Decision, error)
}

// CircuitBreaker guards the provider token endpoint.
type CircuitBreaker interface {
	Execute(ctx context.Context, action func(context.Context) error) error
	State(ctx context.Context) (domain.CircuitState, error)
}

// Cipher encrypts token material at rest.
type Cipher interface {
	EncryptString(ctx context.Context, plaintext string) (string, int, error)
	DecryptString(ctx context.Context, ciphertext string) (string, error)
}

// AuditLogger records security-relevant actions.
type AuditLogger interface {
	Log(ctx context.Context, ev audit.Event)
}

// Options tune refresh timing.
type Options struct {
	Buffer         time.Duration
	HintTTL        time.Duration
	LockTTL        time.Duration
	StatusCacheTTL time.Duration
}

// OptionsFromConfig maps service configuration onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Buffer:         cfg.RefreshBuffer,
		HintTTL:        cfg.ValidityHintTTL,
		LockTTL:        cfg.LockTTL,
		StatusCacheTTL: cfg.StatusCacheTTL,
	}
}

// Service orchestrates refreshes and credential queries.
type Service struct {
	tokens   repository.TokenRepository
	locker   Locker
	limiter  RateLimiter
	breaker  CircuitBreaker
	cipher   Cipher
	provider oauthadapter.ProviderClient
	audit    AuditLogger
	statuses repository.StatusCache
	hints    *validityHints
	opts     Options
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService wires dependencies. statuses may be nil.
func NewService(tokens repository.TokenRepository, locker Locker, limiter RateLimiter, cb CircuitBreaker, cipher Cipher, provider oauthadapter.ProviderClient, auditLogger AuditLogger, statuses repository.StatusCache, opts Options, logger *zap.Logger) (*Service, error) {
	if opts.Buffer <= 0 {
		opts.Buffer = 5 * time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hints, err := newValidityHints(opts.HintTTL)
	if err != nil {
		return nil, fmt.Errorf("validity hint cache: %w", err)
	}
	return &Service{
		tokens:   tokens,
		locker:   locker,
		limiter:  limiter,
		breaker:  cb,
		cipher:   cipher,
		provider: provider,
		audit:    auditLogger,
		statuses: statuses,
		hints:    hints,
		opts:     opts,
		logger:   logger,
		tracer:   otel.Tracer("github.com/smallbiznis/fitlink/internal/refresh"),
		now:      time.Now,
	}, nil
}

// Close releases process-local caches.
func (s *Service) Close() {
	s.hints.close()
}

// attempt tracks how far a refresh progressed for cleanup and audit.
type attempt struct {
	req       Request
	state     string
	lease     lock.Lease
	lockTaken bool
	keyVer    int
}

// Refresh runs one refresh attempt for req.OwnerID.
func (s *Service) Refresh(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := s.startSpan(ctx, "RefreshService.Refresh")
	defer span.End()
	span.SetAttributes(attribute.String("owner_id", req.OwnerID), attribute.String("source", string(req.Source)))

	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, fmt.Errorf("owner id required")
	}
	if req.Source == "" {
		req.Source = SourceInteractive
	}

	started := s.now()
	att := &attempt{req: req, state: stateCheckCache}
	defer func() {
		s.finish(ctx, att, res, err, started)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, att.state)
		}
	}()

	interactive := req.Source != SourceScheduler

	if interactive {
		if exp, ok := s.hints.get(req.OwnerID); ok && exp.Sub(s.now()) > s.opts.Buffer {
			return &Result{Cached: true, ExpiresAt: exp}, nil
		}

		att.state = stateCheckRateLimit
		decision, lerr := s.limiter.Check(ctx, ratelimit.Identity{OwnerID: req.OwnerID, IP: req.IP, UserAgent: req.UserAgent}, RouteRefresh)
		if lerr != nil {
			s.logger.Warn("rate limit check failed, continuing", zap.String("owner_id", req.OwnerID), zap.Error(lerr))
		} else if !decision.Allowed {
			return nil, &RateLimitedError{Reason: decision.Reason, RetryAfter: decision.RetryAfter}
		}
	}

	att.state = stateCheckNeed
	rec, err := s.tokens.Get(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if !s.needsRefresh(rec) {
		s.hints.put(req.OwnerID, rec.ExpiresAt)
		return &Result{RefreshNotNeeded: true, ExpiresAt: rec.ExpiresAt, RefreshCount: rec.RefreshCount}, nil
	}

	att.state = stateAcquireLock
	lease, err := s.locker.Acquire(ctx, req.OwnerID, s.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	if !lease.Acquired {
		metrics.IncLockContention(lease.Reason)
		if lease.Reason == lock.ReasonRecordMissing {
			return nil, fmt.Errorf("acquire lock %s: %w", req.OwnerID, domain.ErrTokenNotFound)
		}
		return nil, &LockedError{RetryAfter: lease.RetryAfter}
	}
	att.lease = lease
	att.lockTaken = true

	// Another process may have refreshed between the first read and the lock.
	att.state = stateCheckNeed
	rec, err = s.tokens.Get(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if !s.needsRefresh(rec) {
		s.hints.put(req.OwnerID, rec.ExpiresAt)
		return &Result{RefreshNotNeeded: true, ExpiresAt: rec.ExpiresAt, RefreshCount: rec.RefreshCount}, nil
	}

	att.state = stateCallProvider
	refreshToken, err := s.cipher.DecryptString(ctx, rec.RefreshTokenEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	var issued *domain.ProviderToken
	var grantErr error
	err = s.breaker.Execute(ctx, func(ctx context.Context) error {
		tok, err := s.provider.Refresh(ctx, refreshToken)
		if errors.Is(err, oauthadapter.ErrInvalidGrant) {
			// A revoked grant is about this owner, not provider health.
			grantErr = err
			return nil
		}
		if err != nil {
			return err
		}
		issued = tok
		return nil
	})
	if err != nil {
		return nil, &UpstreamError{CircuitState: s.circuitStatus(ctx, err), Err: err}
	}
	if grantErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrReauthorizationRequired, grantErr)
	}

	att.state = stateValidate
	identity, err := s.provider.Probe(ctx, issued.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	att.state = statePersist
	now := s.now()
	expiresAt := tokenExpiry(issued, now)
	if !expiresAt.After(now) {
		return nil, fmt.Errorf("%w: provider returned no usable expiry", ErrValidationFailed)
	}
	if issued.RefreshToken == "" {
		issued.RefreshToken = refreshToken
	}

	accessEnc, keyVer, err := s.cipher.EncryptString(ctx, issued.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc, _, err := s.cipher.EncryptString(ctx, issued.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	att.keyVer = keyVer

	providerUserID := rec.ProviderUserID
	if identity != nil && identity.UserID != "" {
		providerUserID = identity.UserID
	}
	scope := issued.Scope
	if scope == "" {
		scope = rec.Scope
	}

	updated, err := s.tokens.UpdateTokens(ctx, domain.TokenUpdate{
		OwnerID:         req.OwnerID,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		ExpiresAt:       expiresAt,
		KeyVersion:      keyVer,
		Scope:           scope,
		ProviderUserID:  providerUserID,
		RefreshedAt:     now,
	})
	if err != nil {
		return nil, err
	}

	att.state = stateDone
	s.hints.put(req.OwnerID, updated.ExpiresAt)
	s.dropStatus(ctx, req.OwnerID)
	return &Result{ExpiresAt: updated.ExpiresAt, RefreshCount: updated.RefreshCount}, nil
}

// finish releases the lock and emits the audit event on every exit path.
func (s *Service) finish(ctx context.Context, att *attempt, res *Result, err error, started time.Time) {
	if att.lockTaken {
		if rerr := s.locker.Release(ctx, att.lease.LockID, att.req.OwnerID); rerr != nil {
			s.logger.Warn("release refresh lock failed", zap.String("owner_id", att.req.OwnerID), zap.Error(rerr))
		}
	}

	action := domain.AuditActionTokenRefresh
	status, result := domain.AuditStatusSuccess, metrics.ResultSuccess
	metadata := map[string]any{
		"source": string(att.req.Source),
		"state":  att.state,
	}
	switch {
	case err != nil:
		status, result = classifyFailure(err)
		var locked *LockedError
		var limited *RateLimitedError
		var upstream *UpstreamError
		switch {
		case errors.As(err, &locked):
			action = domain.AuditActionLockAcquire
			metadata["retry_after_seconds"] = retrySeconds(locked.RetryAfter)
		case errors.As(err, &limited):
			action = domain.AuditActionRateLimit
			metadata["route"] = RouteRefresh
			metadata["reason"] = limited.Reason
			metadata["retry_after_seconds"] = retrySeconds(limited.RetryAfter)
		case errors.As(err, &upstream):
			metadata["circuit_state"] = string(upstream.CircuitState)
		}
	case res.Cached:
		status, result = domain.AuditStatusSkipped, metrics.ResultCached
		metadata["cached"] = true
	case res.RefreshNotNeeded:
		status, result = domain.AuditStatusSkipped, metrics.ResultNotNeeded
		metadata["refresh_not_needed"] = true
	default:
		metadata["refresh_count"] = res.RefreshCount
		metadata["key_version"] = att.keyVer
	}
	if res != nil {
		metadata["expires_at"] = res.ExpiresAt.UTC().Format(time.RFC3339)
	}

	elapsed := s.now().Sub(started)
	metrics.ObserveRefresh(string(att.req.Source), result, elapsed)

	fields := []zap.Field{
		zap.String("owner_id", att.req.OwnerID),
		zap.String("source", string(att.req.Source)),
		zap.String("state", att.state),
		zap.String("result", result),
		zap.Duration("elapsed", elapsed),
	}
	if err != nil && status == domain.AuditStatusFailure {
		s.logger.Error("token refresh failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Debug("token refresh finished", fields...)
	}

	s.audit.Log(ctx, audit.Event{
		OwnerID:   att.req.OwnerID,
		Action:    action,
		Status:    status,
		Error:     err,
		IPAddress: att.req.IP,
		UserAgent: att.req.UserAgent,
		Metadata:  metadata,
	})
}

func classifyFailure(err error) (string, string) {
	var locked *LockedError
	var limited *RateLimitedError
	switch {
	case errors.As(err, &locked):
		return domain.AuditStatusSkipped, metrics.ResultLocked
	case errors.As(err, &limited):
		return domain.AuditStatusBlocked, metrics.ResultRateLimited
	default:
		return domain.AuditStatusFailure, metrics.ResultFailure
	}
}

func retrySeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

// needsRefresh reports whether the stored expiry falls within the buffer.
func (s *Service) needsRefresh(rec domain.TokenRecord) bool {
	return !rec.ExpiresAt.After(s.now().Add(s.opts.Buffer))
}

func (s *Service) circuitStatus(ctx context.Context, err error) domain.CircuitStatus {
	var open *breaker.OpenError
	if errors.As(err, &open) {
		return open.State.State
	}
	st, serr := s.breaker.State(ctx)
	if serr != nil {
		return domain.CircuitClosed
	}
	return st.State
}

func tokenExpiry(tok *domain.ProviderToken, now time.Time) time.Time {
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	if tok.ExpiresIn > 0 {
		return now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	return time.Time{}
}

func (s *Service) dropStatus(ctx context.Context, ownerID string) {
	if s.statuses == nil {
		return
	}
	if err := s.statuses.DeleteStatus(ctx, ownerID); err != nil {
		s.logger.Warn("drop cached status failed", zap.String("owner_id", ownerID), zap.Error(err))
	}
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}
