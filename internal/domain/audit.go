package domain

import "time"

// Audit actions.
const (
	AuditActionTokenRefresh    = "token_refresh"
	AuditActionTokenStatus     = "token_status"
	AuditActionTokenConnect    = "token_connect"
	AuditActionTokenDisconnect = "token_disconnect"
	AuditActionLockAcquire     = "lock_acquire"
	AuditActionRateLimit       = "rate_limit"
	AuditActionSchedulerSweep  = "scheduler_sweep"
)

// Audit statuses.
const (
	AuditStatusSuccess = "success"
	AuditStatusFailure = "failure"
	AuditStatusSkipped = "skipped"
	AuditStatusBlocked = "blocked"
)

// AuditEvent is an immutable record of a security-relevant action.
type AuditEvent struct {
	ID           int64
	OwnerID      string
	Action       string
	Status       string
	ErrorMessage string
	IPAddress    string
	UserAgent    string
	Metadata     map[string]any
	CreatedAt    time.Time
}
