package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/service/message"
)

func newMessage(id string, status domain.MessageStatus, at time.Time) *domain.Message {
	return &domain.Message{
		ID:           id,
		To:           []string{"lead@example.com"},
		Subject:      "Hello",
		Text:         "hi",
		Status:       status,
		ScheduledFor: &at,
		Correlation:  domain.Correlation{LeadID: "lead-1", CoachID: "coach-1"},
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

func TestClaimIsExclusive(t *testing.T) {
	store := NewMessageStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.Create(ctx, newMessage("m1", domain.MessageScheduled, now)))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Claim(ctx, "m1", now)
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	m, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageProcessing, m.Status)
	assert.NotNil(t, m.ClaimedAt)
}

func TestGetDueOrdersAndFilters(t *testing.T) {
	store := NewMessageStore()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, newMessage("late", domain.MessageScheduled, now.Add(-time.Minute))))
	require.NoError(t, store.Create(ctx, newMessage("early", domain.MessagePending, now.Add(-time.Hour))))
	require.NoError(t, store.Create(ctx, newMessage("future", domain.MessageScheduled, now.Add(time.Hour))))
	require.NoError(t, store.Create(ctx, newMessage("paused", domain.MessagePaused, now.Add(-time.Hour))))

	due, err := store.GetDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "early", due[0].ID)
	assert.Equal(t, "late", due[1].ID)

	due, err = store.GetDue(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestIllegalTransitionsRejected(t *testing.T) {
	store := NewMessageStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.Create(ctx, newMessage("m1", domain.MessageScheduled, now)))

	err := store.MarkSent(ctx, "m1", message.SentResult{ProviderMessageID: "p", SentAt: now})
	assert.ErrorIs(t, err, message.ErrInvalidTransition)

	_, err = store.Claim(ctx, "missing", now)
	assert.ErrorIs(t, err, message.ErrNotFound)
}

func TestMarkBouncedIsIdempotent(t *testing.T) {
	store := NewMessageStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.Create(ctx, newMessage("m1", domain.MessageScheduled, now)))
	_, err := store.Claim(ctx, "m1", now)
	require.NoError(t, err)
	require.NoError(t, store.MarkSent(ctx, "m1", message.SentResult{ProviderMessageID: "<p1@mg>", SentAt: now}))

	u := domain.AnalyticsUpdate{At: now, Reason: "mailbox does not exist", Severity: domain.BouncePermanent}
	changed, err := store.MarkBounced(ctx, "m1", u)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.MarkBounced(ctx, "m1", u)
	require.NoError(t, err)
	assert.False(t, changed)

	m, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageBounced, m.Status)
	assert.True(t, m.Analytics.Bounced)
	assert.Equal(t, domain.BouncePermanent, m.Analytics.BounceSeverity)
}

func TestRecoverStale(t *testing.T) {
	store := NewMessageStore()
	ctx := context.Background()
	now := time.Now()

	fresh := newMessage("fresh", domain.MessageScheduled, now)
	stale := newMessage("stale", domain.MessageScheduled, now)
	exhausted := newMessage("exhausted", domain.MessageScheduled, now)
	exhausted.RetryCount = 2
	for _, m := range []*domain.Message{fresh, stale, exhausted} {
		require.NoError(t, store.Create(ctx, m))
	}
	_, _ = store.Claim(ctx, "stale", now.Add(-time.Hour))
	_, _ = store.Claim(ctx, "exhausted", now.Add(-time.Hour))
	_, _ = store.Claim(ctx, "fresh", now)

	res, err := store.RecoverStale(ctx, now.Add(-15*time.Minute), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "exhausted", res.Failed[0].ID)

	m, _ := store.Get(ctx, "stale")
	assert.Equal(t, domain.MessageScheduled, m.Status)
	assert.Equal(t, 1, m.RetryCount)
	m, _ = store.Get(ctx, "fresh")
	assert.Equal(t, domain.MessageProcessing, m.Status)
}

func TestDeleteTerminalBefore(t *testing.T) {
	store := NewMessageStore()
	ctx := context.Background()
	old := time.Now().Add(-100 * 24 * time.Hour)

	sent := newMessage("sent", domain.MessageSent, old)
	cancelled := newMessage("cancelled", domain.MessageCancelled, old)
	scheduled := newMessage("scheduled", domain.MessageScheduled, old)
	recent := newMessage("recent", domain.MessageSent, time.Now())
	for _, m := range []*domain.Message{sent, cancelled, scheduled, recent} {
		require.NoError(t, store.Create(ctx, m))
	}

	n, err := store.DeleteTerminalBefore(ctx, time.Now().Add(-90*24*time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.Get(ctx, "scheduled")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "recent")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "sent")
	assert.ErrorIs(t, err, message.ErrNotFound)
}

func TestFindDuplicateRecent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	since := now.Add(-24 * time.Hour)

	tests := []struct {
		name   string
		status domain.MessageStatus
		sentAt *time.Time
		claim  bool
		want   bool
	}{
		{name: "recent send", status: domain.MessageSent, sentAt: ptrTime(now.Add(-time.Hour)), want: true},
		{name: "send outside window", status: domain.MessageSent, sentAt: ptrTime(now.Add(-25 * time.Hour)), want: false},
		{name: "claimed sibling", status: domain.MessageScheduled, claim: true, want: true},
		{name: "scheduled sibling", status: domain.MessageScheduled, want: false},
		{name: "cancelled sibling", status: domain.MessageCancelled, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMessageStore()
			sibling := newMessage("sibling", tt.status, now.Add(-time.Minute))
			sibling.SentAt = tt.sentAt
			require.NoError(t, store.Create(ctx, sibling))
			require.NoError(t, store.Create(ctx, newMessage("target", domain.MessageScheduled, now.Add(-time.Minute))))
			if tt.claim {
				ok, err := store.Claim(ctx, "sibling", now)
				require.NoError(t, err)
				require.True(t, ok)
			}

			dup, err := store.FindDuplicateRecent(ctx, "Hello", "LEAD@example.com", since, "target")
			require.NoError(t, err)
			assert.Equal(t, tt.want, dup)
		})
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
