package message_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/events"
	"github.com/nlc-ai/mailflow/internal/repository/memory"
	"github.com/nlc-ai/mailflow/internal/service/message"
	"github.com/nlc-ai/mailflow/internal/service/template"
)

var testNow = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store     *memory.MessageStore
	templates *memory.TemplateStore
	pub       *events.MemoryPublisher
	svc       *message.Service
}

func newFixture() *fixture {
	store := memory.NewMessageStore()
	store.SetClock(func() time.Time { return testNow })
	templates := memory.NewTemplateStore(domain.EmailTemplate{
		ID:              "tpl-welcome",
		OwnerID:         "coach-1",
		SubjectTemplate: "Welcome {{firstName}}",
		BodyTemplate:    "<p>Hi {{firstName}}</p>",
		Engine:          domain.EngineHandlebars,
		IsActive:        true,
	})
	pub := events.NewMemoryPublisher()
	svc := message.NewService(store, template.NewRenderer(templates), pub)
	svc.SetClock(func() time.Time { return testNow })
	return &fixture{store: store, templates: templates, pub: pub, svc: svc}
}

// sendingDispatcher marks every dispatched message sent.
type sendingDispatcher struct{ store *memory.MessageStore }

func (d sendingDispatcher) Dispatch(ctx context.Context, id string) (*domain.Message, error) {
	if ok, err := d.store.Claim(ctx, id, testNow); err != nil || !ok {
		return nil, errors.New("not claimed")
	}
	if err := d.store.MarkSent(ctx, id, message.SentResult{ProviderMessageID: "<" + id + "@mg>", SentAt: testNow}); err != nil {
		return nil, err
	}
	return d.store.Get(ctx, id)
}

func TestCreateImmediateIsPending(t *testing.T) {
	f := newFixture()
	res, err := f.svc.Create(context.Background(), message.CreateInput{
		To:      []string{"Lead <LEAD@Example.com>"},
		Subject: "Hi",
		Text:    "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.MessagePending, res.Status)
	assert.True(t, res.ScheduledFor.Equal(testNow))

	m, err := f.svc.Get(context.Background(), res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, []string{"lead@example.com"}, m.To)
}

func TestCreatePastTimeIsImmediate(t *testing.T) {
	f := newFixture()
	past := testNow.Add(-time.Hour)
	res, err := f.svc.Create(context.Background(), message.CreateInput{
		To: []string{"lead@example.com"}, Subject: "Hi", Text: "x", ScheduledFor: &past,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.MessagePending, res.Status)
	assert.True(t, res.ScheduledFor.Equal(testNow))
}

func TestCreateFutureIsScheduled(t *testing.T) {
	f := newFixture()
	f.svc.SetDispatcher(sendingDispatcher{f.store})
	at := testNow.Add(48 * time.Hour)

	res, err := f.svc.Create(context.Background(), message.CreateInput{
		To: []string{"lead@example.com"}, Subject: "Later", HTML: "<p>x</p>", ScheduledFor: &at,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.MessageScheduled, res.Status)
	assert.True(t, res.ScheduledFor.Equal(at))
	assert.Empty(t, res.ProviderMessageID)
}

func TestCreateDeferredKeepsPastSchedule(t *testing.T) {
	f := newFixture()
	f.svc.SetDispatcher(sendingDispatcher{f.store})
	past := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	res, err := f.svc.Create(context.Background(), message.CreateInput{
		To: []string{"lead@example.com"}, Subject: "Step", Text: "x", ScheduledFor: &past, Deferred: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.MessageScheduled, res.Status)
	assert.True(t, res.ScheduledFor.Equal(past))
}

func TestCreateImmediateDispatchesSynchronously(t *testing.T) {
	f := newFixture()
	f.svc.SetDispatcher(sendingDispatcher{f.store})

	res, err := f.svc.Create(context.Background(), message.CreateInput{
		To: []string{"lead@example.com"}, Subject: "Now", Text: "x",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.MessageSent, res.Status)
	assert.Equal(t, "<"+res.MessageID+"@mg>", res.ProviderMessageID)
}

func TestCreateFromTemplate(t *testing.T) {
	f := newFixture()
	res, err := f.svc.Create(context.Background(), message.CreateInput{
		To:          []string{"lead@example.com"},
		TemplateID:  "tpl-welcome",
		Variables:   map[string]any{"firstName": "Ada"},
		Correlation: domain.Correlation{CoachID: "coach-1", LeadID: "lead-1"},
	})
	require.NoError(t, err)

	m, err := f.svc.Get(context.Background(), res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "Welcome Ada", m.Subject)
	assert.Equal(t, "<p>Hi Ada</p>", m.HTML)
	assert.Equal(t, "Hi Ada", m.Text)
	assert.Equal(t, "tpl-welcome", m.Correlation.TemplateID)

	_, err = f.svc.Create(context.Background(), message.CreateInput{
		To:          []string{"lead@example.com"},
		TemplateID:  "tpl-welcome",
		Correlation: domain.Correlation{CoachID: "coach-2"},
	})
	assert.ErrorIs(t, err, template.ErrNotFound)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture()
	tests := []struct {
		name string
		in   message.CreateInput
	}{
		{"no recipients", message.CreateInput{Subject: "s", Text: "t"}},
		{"bad recipient", message.CreateInput{To: []string{"not-an-email"}, Subject: "s", Text: "t"}},
		{"no subject", message.CreateInput{To: []string{"a@example.com"}, Text: "t"}},
		{"no body", message.CreateInput{To: []string{"a@example.com"}, Subject: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tt.in)
			assert.ErrorIs(t, err, message.ErrInvalidInput)
		})
	}
}

func TestPauseResumeCancel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	corr := domain.Correlation{LeadID: "lead-L", CoachID: "coach-1", EmailSequenceID: "seq-1"}

	var ids []string
	for i := 1; i <= 3; i++ {
		at := testNow.Add(time.Duration(i) * 24 * time.Hour)
		res, err := f.svc.Create(ctx, message.CreateInput{
			To: []string{"l@example.com"}, Subject: "step", Text: "x", ScheduledFor: &at, Correlation: corr,
		})
		require.NoError(t, err)
		ids = append(ids, res.MessageID)
	}
	other := testNow.Add(time.Hour)
	_, err := f.svc.Create(ctx, message.CreateInput{
		To: []string{"o@example.com"}, Subject: "other", Text: "x", ScheduledFor: &other,
		Correlation: domain.Correlation{LeadID: "lead-O"},
	})
	require.NoError(t, err)

	filter := message.CorrelationFilter{LeadID: "lead-L"}
	statuses := func() []domain.MessageStatus {
		var out []domain.MessageStatus
		for _, id := range ids {
			m, err := f.svc.Get(ctx, id)
			require.NoError(t, err)
			out = append(out, m.Status)
		}
		return out
	}

	n, err := f.svc.Pause(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []domain.MessageStatus{domain.MessagePaused, domain.MessagePaused, domain.MessagePaused}, statuses())

	n, err = f.svc.Pause(ctx, filter)
	require.NoError(t, err)
	assert.Zero(t, n, "pause is idempotent")

	n, err = f.svc.Resume(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []domain.MessageStatus{domain.MessageScheduled, domain.MessageScheduled, domain.MessageScheduled}, statuses())

	n, err = f.svc.Cancel(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []domain.MessageStatus{domain.MessageCancelled, domain.MessageCancelled, domain.MessageCancelled}, statuses())

	cancelled, _ := f.svc.Get(ctx, ids[0])
	assert.Equal(t, string(domain.CancelByUser), cancelled.Context[domain.ContextCancelReason])

	n, err = f.svc.Cancel(ctx, filter)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancelCoversPausedAndScheduled(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	filter := message.CorrelationFilter{LeadID: "lead-L"}

	var ids []string
	for i := 1; i <= 2; i++ {
		at := testNow.Add(time.Duration(i) * time.Hour)
		res, err := f.svc.Create(ctx, message.CreateInput{
			To: []string{"l@example.com"}, Subject: "s", Text: "x", ScheduledFor: &at,
			Correlation: domain.Correlation{LeadID: "lead-L", EmailSequenceID: fmt.Sprintf("seq-%d", i)},
		})
		require.NoError(t, err)
		ids = append(ids, res.MessageID)
	}
	_, err := f.svc.Pause(ctx, message.CorrelationFilter{EmailSequenceID: "seq-1"})
	require.NoError(t, err)

	n, err := f.svc.Cancel(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, id := range ids {
		m, err := f.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.MessageCancelled, m.Status)
	}
}

func TestBulkControlsRequireCorrelation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.Pause(ctx, message.CorrelationFilter{})
	assert.ErrorIs(t, err, message.ErrEmptyCorrelation)
	_, err = f.svc.Resume(ctx, message.CorrelationFilter{})
	assert.ErrorIs(t, err, message.ErrEmptyCorrelation)
	_, err = f.svc.Cancel(ctx, message.CorrelationFilter{})
	assert.ErrorIs(t, err, message.ErrEmptyCorrelation)
}

func TestEmergencyPause(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	at := testNow.Add(time.Hour)
	for _, coach := range []string{"coach-1", "coach-1", "coach-2"} {
		_, err := f.svc.Create(ctx, message.CreateInput{
			To: []string{"l@example.com"}, Subject: "s", Text: "x", ScheduledFor: &at,
			Correlation: domain.Correlation{CoachID: coach},
		})
		require.NoError(t, err)
	}

	n, err := f.svc.EmergencyPause(ctx, "coach-1", "compromised account")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	evts := f.pub.OfType(domain.EventEmailEmergencyPaused)
	require.Len(t, evts, 1)
	payload := evts[0].Payload.(domain.EmergencyPauseEvent)
	assert.Equal(t, "coach-1", payload.CoachID)
	assert.Equal(t, 2, payload.Paused)

	_, err = f.svc.EmergencyPause(ctx, "", "x")
	assert.ErrorIs(t, err, message.ErrInvalidInput)
}

func TestRetryFailed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for i, coach := range []string{"coach-1", "coach-1", "coach-2"} {
		m := &domain.Message{
			ID:          fmt.Sprintf("failed-%c", 'a'+i),
			To:          []string{"l@example.com"},
			Subject:     "s",
			Text:        "x",
			Status:      domain.MessageFailed,
			RetryCount:  3,
			Correlation: domain.Correlation{CoachID: coach},
			CreatedAt:   testNow,
			UpdatedAt:   testNow,
		}
		require.NoError(t, f.store.Create(ctx, m))
	}

	n, err := f.svc.RetryFailed(ctx, "coach-1", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	orig, err := f.svc.Get(ctx, "failed-a")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageFailed, orig.Status)
	cloneID := orig.Context[domain.ContextRetriedAs]
	require.NotEmpty(t, cloneID)

	clone, err := f.svc.Get(ctx, cloneID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageScheduled, clone.Status)
	assert.Zero(t, clone.RetryCount)
	assert.Equal(t, "failed-a", clone.Context[domain.ContextRetryOf])

	n, err = f.svc.RetryFailed(ctx, "coach-1", 10)
	require.NoError(t, err)
	assert.Zero(t, n, "already retried messages are not cloned again")

	n, err = f.svc.RetryFailed(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
