// Package audit records security-relevant credential actions in an append-only log.
package audit

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/smallbiznis/fitlink/internal/domain"
	"github.com/smallbiznis/fitlink/internal/metrics"
	"github.com/smallbiznis/fitlink/internal/repository"
)

// Invalid replaces network or client metadata that fails validation.
const Invalid = "invalid"

const (
	maxUserAgentLen = 512
	maxErrorLen     = 1024
	writeTimeout    = 5 * time.Second
)

// Event is the caller-facing audit input.
type Event struct {
	OwnerID   string
	Action    string
	Status    string
	Error     error
	IPAddress string
	UserAgent string
	Metadata  map[string]any
}

// Logger appends audit events. Failures are reported to zap and never returned.
type Logger struct {
	repo   repository.AuditRepository
	node   *snowflake.Node
	logger *zap.Logger
	now    func() time.Time
}

// NewLogger builds an audit Logger.
func NewLogger(repo repository.AuditRepository, node *snowflake.Node, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{repo: repo, node: node, logger: logger, now: time.Now}
}

// Log validates, sanitizes and appends ev.
func (l *Logger) Log(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("audit log panicked", zap.String("action", ev.Action), zap.Any("panic", r))
		}
	}()

	record, err := l.build(ev)
	if err != nil {
		l.logger.Error("audit event rejected",
			zap.String("owner_id", ev.OwnerID),
			zap.String("action", ev.Action),
			zap.String("status", ev.Status),
			zap.Error(err),
		)
		return
	}

	// Audit writes survive cancellation of the request being audited.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := l.repo.AppendAudit(writeCtx, record); err != nil {
		metrics.IncAuditWriteFailure()
		l.logger.Error("audit write failed",
			zap.Int64("audit_id", record.ID),
			zap.String("owner_id", record.OwnerID),
			zap.String("action", record.Action),
			zap.String("status", record.Status),
			zap.Error(err),
		)
	}
}

func (l *Logger) build(ev Event) (domain.AuditEvent, error) {
	if strings.TrimSpace(ev.OwnerID) == "" {
		return domain.AuditEvent{}, fmt.Errorf("audit: owner id required")
	}
	if strings.TrimSpace(ev.Action) == "" {
		return domain.AuditEvent{}, fmt.Errorf("audit: action required")
	}
	if strings.TrimSpace(ev.Status) == "" {
		return domain.AuditEvent{}, fmt.Errorf("audit: status required")
	}

	record := domain.AuditEvent{
		OwnerID:   ev.OwnerID,
		Action:    ev.Action,
		Status:    ev.Status,
		IPAddress: SanitizeIP(ev.IPAddress),
		UserAgent: SanitizeUserAgent(ev.UserAgent),
		Metadata:  ev.Metadata,
		CreatedAt: l.now().UTC(),
	}
	if l.node != nil {
		record.ID = l.node.Generate().Int64()
	}
	if ev.Error != nil {
		record.ErrorMessage = truncate(ev.Error.Error(), maxErrorLen)
	}
	return record, nil
}

// SanitizeIP returns the canonical form of raw, "" when absent or Invalid when
// it does not parse as an address.
func SanitizeIP(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	addr, err := netip.ParseAddr(trimmed)
	if err != nil {
		return Invalid
	}
	return addr.Unmap().String()
}

// SanitizeUserAgent rejects control characters and oversized values.
func SanitizeUserAgent(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) > maxUserAgentLen {
		return Invalid
	}
	for _, r := range trimmed {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) {
			return Invalid
		}
	}
	return trimmed
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Retention removes audit events older than a fixed age. It is the only
// delete path for the audit log and runs outside request handling.
type Retention struct {
	repo   repository.AuditRepository
	maxAge time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewRetention builds a retention process.
func NewRetention(repo repository.AuditRepository, maxAge time.Duration, logger *zap.Logger) *Retention {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retention{repo: repo, maxAge: maxAge, logger: logger, now: time.Now}
}

// Purge deletes events older than the configured age.
func (r *Retention) Purge(ctx context.Context) (int64, error) {
	if r.maxAge <= 0 {
		return 0, fmt.Errorf("audit retention must be positive")
	}
	cutoff := r.now().Add(-r.maxAge)
	n, err := r.repo.PurgeAuditBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	r.logger.Info("audit retention purge", zap.Time("cutoff", cutoff), zap.Int64("deleted", n))
	return n, nil
}
