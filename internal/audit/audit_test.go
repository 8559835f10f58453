package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/smallbiznis/fitlink/internal/domain"
)

func TestLogAppendsSanitizedEvent(t *testing.T) {
	repo := &memoryAuditRepo{}
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	l := NewLogger(repo, node, zap.NewNop())

	l.Log(context.Background(), Event{
		OwnerID:   "user-1",
		Action:    domain.AuditActionTokenRefresh,
		Status:    domain.AuditStatusSuccess,
		IPAddress: "::ffff:10.0.0.1",
		UserAgent: "Mozilla/5.0",
		Metadata:  map[string]any{"refresh_count": 3},
	})

	events := repo.snapshot()
	require.Len(t, events, 1)
	ev := events[0]
	require.NotZero(t, ev.ID)
	require.Equal(t, "10.0.0.1", ev.IPAddress)
	require.Equal(t, "Mozilla/5.0", ev.UserAgent)
	require.Equal(t, 3, ev.Metadata["refresh_count"])
	require.False(t, ev.CreatedAt.IsZero())
}

func TestLogMarksInvalidMetadata(t *testing.T) {
	repo := &memoryAuditRepo{}
	l := NewLogger(repo, nil, zap.NewNop())

	l.Log(context.Background(), Event{
		OwnerID:   "user-1",
		Action:    domain.AuditActionTokenStatus,
		Status:    domain.AuditStatusSuccess,
		IPAddress: "999.1.1.1",
		UserAgent: "bad\x00agent",
		Error:     errors.New("boom"),
	})

	events := repo.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, Invalid, events[0].IPAddress)
	require.Equal(t, Invalid, events[0].UserAgent)
	require.Equal(t, "boom", events[0].ErrorMessage)
}

func TestLogTruncatesErrorOnRuneBoundary(t *testing.T) {
	repo := &memoryAuditRepo{}
	l := NewLogger(repo, nil, zap.NewNop())
	// "é" is two bytes, so the limit falls inside the last rune.
	msg := strings.Repeat("a", maxErrorLen-1) + "é" + "tail"

	l.Log(context.Background(), Event{
		OwnerID: "user-1",
		Action:  domain.AuditActionTokenRefresh,
		Status:  domain.AuditStatusFailure,
		Error:   errors.New(msg),
	})

	events := repo.snapshot()
	require.Len(t, events, 1)
	got := events[0].ErrorMessage
	require.True(t, utf8.ValidString(got))
	require.Equal(t, strings.Repeat("a", maxErrorLen-1), got)

	require.Equal(t, "日本", truncate("日本語", 8))
	require.Equal(t, "", truncate("語", 2))
}

func TestLogRejectsIncompleteEvent(t *testing.T) {
	repo := &memoryAuditRepo{}
	core, logs := observer.New(zap.ErrorLevel)
	l := NewLogger(repo, nil, zap.New(core))

	l.Log(context.Background(), Event{Action: domain.AuditActionTokenRefresh, Status: domain.AuditStatusSuccess})

	require.Empty(t, repo.snapshot())
	require.Equal(t, 1, logs.FilterMessage("audit event rejected").Len())
}

func TestLogWriteFailureDoesNotPropagate(t *testing.T) {
	repo := &memoryAuditRepo{err: errors.New("database down")}
	core, logs := observer.New(zap.ErrorLevel)
	l := NewLogger(repo, nil, zap.New(core))

	require.NotPanics(t, func() {
		l.Log(context.Background(), Event{OwnerID: "u", Action: "a", Status: "s"})
	})
	require.Equal(t, 1, logs.FilterMessage("audit write failed").Len())
}

func TestLogSurvivesCancelledContext(t *testing.T) {
	repo := &memoryAuditRepo{}
	l := NewLogger(repo, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l.Log(ctx, Event{OwnerID: "u", Action: "a", Status: "s"})
	require.Len(t, repo.snapshot(), 1)
}

func TestSanitizeUserAgentLength(t *testing.T) {
	require.Equal(t, Invalid, SanitizeUserAgent(strings.Repeat("a", maxUserAgentLen+1)))
	require.Equal(t, "", SanitizeUserAgent("  "))
}

func TestRetentionPurge(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := &memoryAuditRepo{events: []domain.AuditEvent{
		{OwnerID: "a", CreatedAt: now.Add(-100 * 24 * time.Hour)},
		{OwnerID: "b", CreatedAt: now.Add(-time.Hour)},
	}}
	r := NewRetention(repo, 90*24*time.Hour, zap.NewNop())
	r.now = func() time.Time { return now }

	n, err := r.Purge(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Len(t, repo.snapshot(), 1)
}

type memoryAuditRepo struct {
	mu     sync.Mutex
	events []domain.AuditEvent
	err    error
}

func (m *memoryAuditRepo) AppendAudit(ctx context.Context, ev domain.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memoryAuditRepo) PurgeAuditBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	var n int64
	for _, ev := range m.events {
		if ev.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return n, nil
}

func (m *memoryAuditRepo) snapshot() []domain.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEvent(nil), m.events...)
}
