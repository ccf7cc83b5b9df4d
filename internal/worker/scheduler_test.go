package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/pkg/distlock"
	"github.com/nlc-ai/mailflow/internal/service/message"
)

// =============================================================================
// DELIVERY SWEEP TESTS
// =============================================================================

func TestDeliverySweep_SendsDueMessages(t *testing.T) {
	f := newFixture(t)
	f.add(t, "m1")
	f.add(t, "m2", func(m *domain.Message) { m.Status = domain.MessagePending })
	f.add(t, "future", func(m *domain.Message) {
		at := f.now.Add(time.Hour)
		m.ScheduledFor = &at
	})

	res := f.sweep(t)

	if res.Due != 2 || res.Sent != 2 {
		t.Fatalf("sweep = %+v, want 2 due and 2 sent", res)
	}
	for _, id := range []string{"m1", "m2"} {
		m := f.get(t, id)
		if m.Status != domain.MessageSent {
			t.Errorf("%s status = %s, want sent", id, m.Status)
		}
		if m.ProviderMessageID != "pm-"+id {
			t.Errorf("%s provider id = %q", id, m.ProviderMessageID)
		}
	}
	if got := f.get(t, "future").Status; got != domain.MessageScheduled {
		t.Errorf("future status = %s, want scheduled", got)
	}
	if n := len(f.pub.OfType(domain.EventEmailSent)); n != 2 {
		t.Errorf("email.sent events = %d, want 2", n)
	}

	lead, err := f.contacts.Get(context.Background(), domain.ContactLead, "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if lead.LastContactedAt == nil || !lead.LastContactedAt.Equal(f.now) {
		t.Errorf("lead last contacted = %v, want %v", lead.LastContactedAt, f.now)
	}
}

func TestDeliverySweep_CancelsMessagesThatMayNotSend(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, f *fixture)
		mutate func(m *domain.Message)
		reason domain.CancelReason
	}{
		{
			name: "suppressed recipient",
			setup: func(t *testing.T, f *fixture) {
				err := f.suppressions.Suppress(context.Background(), &domain.Suppression{Email: "lead@example.com", Reason: domain.ReasonHardBounce})
				if err != nil {
					t.Fatal(err)
				}
			},
			reason: domain.CancelSuppressed,
		},
		{
			name: "inactive lead",
			setup: func(t *testing.T, f *fixture) {
				f.contacts.Put(domain.Contact{ID: "lead-1", Kind: domain.ContactLead, Email: "lead@example.com", IsActive: false})
			},
			reason: domain.CancelRecipientInactive,
		},
		{
			name:   "deleted client",
			mutate: func(m *domain.Message) { m.Correlation.ClientID = "client-gone" },
			reason: domain.CancelRecipientInactive,
		},
		{
			name: "inactive coach",
			setup: func(t *testing.T, f *fixture) {
				f.contacts.Put(domain.Contact{ID: "coach-1", Kind: domain.ContactCoach, IsActive: false})
			},
			reason: domain.CancelSenderInactive,
		},
		{
			name: "deactivated sequence",
			setup: func(t *testing.T, f *fixture) {
				err := f.sequences.Create(context.Background(), &domain.Sequence{ID: "seq-1", CoachID: "coach-1", IsActive: false})
				if err != nil {
					t.Fatal(err)
				}
			},
			mutate: func(m *domain.Message) { m.Correlation.EmailSequenceID = "seq-1" },
			reason: domain.CancelSequenceInactive,
		},
		{
			name:   "deleted sequence",
			mutate: func(m *domain.Message) { m.Correlation.EmailSequenceID = "seq-gone" },
			reason: domain.CancelSequenceInactive,
		},
		{
			name: "duplicate of a recent send",
			setup: func(t *testing.T, f *fixture) {
				sentAt := f.now.Add(-2 * time.Hour)
				f.add(t, "earlier", func(m *domain.Message) {
					m.Subject = "Subject target"
					m.Status = domain.MessageSent
					m.SentAt = &sentAt
				})
			},
			reason: domain.CancelDuplicate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(t, f)
			}
			mutate := tt.mutate
			if mutate == nil {
				mutate = func(*domain.Message) {}
			}
			f.add(t, "target", mutate)

			res := f.sweep(t)

			if res.Cancelled != 1 {
				t.Errorf("cancelled = %d, want 1 (%+v)", res.Cancelled, res)
			}
			m := f.get(t, "target")
			if m.Status != domain.MessageCancelled {
				t.Fatalf("status = %s, want cancelled", m.Status)
			}
			if got := m.Context[domain.ContextCancelReason]; got != string(tt.reason) {
				t.Errorf("cancel reason = %q, want %q", got, tt.reason)
			}
			if f.system.callCount() != 0 {
				t.Errorf("provider called %d times, want 0", f.system.callCount())
			}
		})
	}
}

func TestDeliverySweep_DuplicateOutsideWindowIsSent(t *testing.T) {
	f := newFixture(t)
	sentAt := f.now.Add(-25 * time.Hour)
	f.add(t, "old", func(m *domain.Message) {
		m.Subject = "Subject target"
		m.Status = domain.MessageSent
		m.SentAt = &sentAt
	})
	f.add(t, "target")

	if res := f.sweep(t); res.Sent != 1 {
		t.Fatalf("sweep = %+v, want 1 sent", res)
	}
}

func TestDeliverySweep_IdenticalMessagesDueTogetherSendOnce(t *testing.T) {
	f := newFixture(t)
	first := f.now.Add(-10 * time.Minute)
	f.add(t, "a", func(m *domain.Message) {
		m.Subject = "Same"
		m.ScheduledFor = &first
	})
	f.add(t, "b", func(m *domain.Message) {
		m.Subject = "Same"
		m.To = []string{"LEAD@example.com"}
	})

	res := f.sweep(t)

	if res.Sent != 1 || res.Cancelled != 1 {
		t.Fatalf("sweep = %+v, want 1 sent and 1 cancelled", res)
	}
	if got := f.get(t, "a").Status; got != domain.MessageSent {
		t.Errorf("earliest status = %s, want sent", got)
	}
	b := f.get(t, "b")
	if b.Status != domain.MessageCancelled {
		t.Fatalf("later status = %s, want cancelled", b.Status)
	}
	if got := b.Context[domain.ContextCancelReason]; got != string(domain.CancelDuplicate) {
		t.Errorf("cancel reason = %q, want %q", got, domain.CancelDuplicate)
	}
	if f.system.callCount() != 1 {
		t.Errorf("provider sends = %d, want 1", f.system.callCount())
	}
}

func TestDeliverySweep_CancelsDuplicateOfClaimedMessage(t *testing.T) {
	f := newFixture(t)
	f.add(t, "inflight", func(m *domain.Message) { m.Subject = "Same" })
	if ok, err := f.repo.Claim(context.Background(), "inflight", f.now); err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}
	f.add(t, "target", func(m *domain.Message) { m.Subject = "Same" })

	res := f.sweep(t)

	if res.Cancelled != 1 || res.Sent != 0 {
		t.Fatalf("sweep = %+v, want 1 cancelled and nothing sent", res)
	}
	if got := f.get(t, "target").Status; got != domain.MessageCancelled {
		t.Errorf("status = %s, want cancelled", got)
	}
}

func TestSplitBatchDuplicates(t *testing.T) {
	at := func(min int) *time.Time {
		v := time.Date(2024, 3, 1, 9, min, 0, 0, time.UTC)
		return &v
	}
	due := []domain.Message{
		{ID: "late", Subject: "Hi", To: []string{"a@example.com"}, ScheduledFor: at(30)},
		{ID: "early", Subject: "Hi", To: []string{"b@example.com", "A@example.com"}, ScheduledFor: at(5)},
		{ID: "other-subject", Subject: "Bye", To: []string{"a@example.com"}, ScheduledFor: at(10)},
		{ID: "other-recipient", Subject: "Hi", To: []string{"c@example.com"}, ScheduledFor: at(20)},
		{ID: "immediate", Subject: "Hi", To: []string{"b@example.com"}},
	}

	send, dups := splitBatchDuplicates(due)

	ids := func(ms []*domain.Message) []string {
		var out []string
		for _, m := range ms {
			out = append(out, m.ID)
		}
		return out
	}
	if got, want := fmt.Sprint(ids(send)), "[immediate other-subject other-recipient late]"; got != want {
		t.Errorf("send = %s, want %s", got, want)
	}
	if got, want := fmt.Sprint(ids(dups)), "[early]"; got != want {
		t.Errorf("dups = %s, want %s", got, want)
	}
}

func TestDeliverySweep_ConcurrentSchedulersSendOnce(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 20; i++ {
		f.add(t, fmt.Sprintf("m%02d", i), func(m *domain.Message) {
			m.Subject = "Subject " + m.ID
		})
	}
	other := f.newScheduler(testDeliveryConfig())

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{f.sched, other} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.RunDeliverySweep(context.Background()); err != nil {
				t.Errorf("sweep error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.system.callCount(); got != 20 {
		t.Errorf("provider sends = %d, want exactly 20", got)
	}
}

// =============================================================================
// DISPATCH TESTS
// =============================================================================

func TestDispatch_ImmediateMessageThroughMessageService(t *testing.T) {
	f := newFixture(t)
	svc := message.NewService(f.repo, nil, f.pub)
	svc.SetClock(func() time.Time { return f.now })
	svc.SetDispatcher(f.sched)

	res, err := svc.Create(context.Background(), message.CreateInput{
		To:          []string{"lead@example.com"},
		Subject:     "Right now",
		Text:        "hello",
		Correlation: domain.Correlation{CoachID: "coach-1", LeadID: "lead-1"},
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if res.Status != domain.MessageSent {
		t.Errorf("status = %s, want sent", res.Status)
	}
	if res.ProviderMessageID != "pm-"+res.MessageID {
		t.Errorf("provider id = %q", res.ProviderMessageID)
	}
}

func TestDispatch_LeavesNonClaimableMessagesAlone(t *testing.T) {
	f := newFixture(t)
	f.add(t, "paused", func(m *domain.Message) { m.Status = domain.MessagePaused })

	m, err := f.sched.Dispatch(context.Background(), "paused")
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if m.Status != domain.MessagePaused {
		t.Errorf("status = %s, want paused", m.Status)
	}
	if f.system.callCount() != 0 {
		t.Error("paused message must not be sent")
	}
}

// =============================================================================
// RECOVERY AND CLEANUP TESTS
// =============================================================================

func TestRecoverySweep(t *testing.T) {
	f := newFixture(t)
	stale := f.now.Add(-20 * time.Minute)
	recent := f.now.Add(-5 * time.Minute)
	f.add(t, "stuck", func(m *domain.Message) {
		m.Status = domain.MessageProcessing
		m.ClaimedAt = &stale
	})
	f.add(t, "exhausted", func(m *domain.Message) {
		m.Status = domain.MessageProcessing
		m.ClaimedAt = &stale
		m.RetryCount = 2
	})
	f.add(t, "in-flight", func(m *domain.Message) {
		m.Status = domain.MessageProcessing
		m.ClaimedAt = &recent
	})

	res, err := f.sched.RunRecoverySweep(context.Background())
	if err != nil {
		t.Fatalf("RunRecoverySweep() error: %v", err)
	}
	if res.Requeued != 1 || len(res.Failed) != 1 {
		t.Fatalf("recovery = %+v, want 1 requeued and 1 failed", res)
	}

	if m := f.get(t, "stuck"); m.Status != domain.MessageScheduled || m.RetryCount != 1 {
		t.Errorf("stuck = %s/%d, want scheduled/1", m.Status, m.RetryCount)
	}
	if m := f.get(t, "exhausted"); m.Status != domain.MessageFailed {
		t.Errorf("exhausted = %s, want failed", m.Status)
	}
	if m := f.get(t, "in-flight"); m.Status != domain.MessageProcessing {
		t.Errorf("in-flight = %s, want processing", m.Status)
	}
	if n := len(f.pub.OfType(domain.EventEmailFailed)); n != 1 {
		t.Errorf("failed events = %d, want 1", n)
	}
}

func TestCleanupSweep(t *testing.T) {
	f := newFixture(t)
	old := f.now.Add(-100 * 24 * time.Hour)
	f.add(t, "old-sent", func(m *domain.Message) { m.Status = domain.MessageSent; m.UpdatedAt = old })
	f.add(t, "old-cancelled", func(m *domain.Message) { m.Status = domain.MessageCancelled; m.UpdatedAt = old })
	f.add(t, "old-scheduled", func(m *domain.Message) { m.UpdatedAt = old })
	f.add(t, "new-sent", func(m *domain.Message) { m.Status = domain.MessageSent })

	n, err := f.sched.RunCleanupSweep(context.Background())
	if err != nil {
		t.Fatalf("RunCleanupSweep() error: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	for _, id := range []string{"old-scheduled", "new-sent"} {
		if _, err := f.repo.Get(context.Background(), id); err != nil {
			t.Errorf("%s should survive cleanup: %v", id, err)
		}
	}
}

func TestCleanupSweep_SkipsWhenLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	f := newFixture(t)
	locks := distlock.NewFactory(client, nil)
	f.sched.locks = locks
	old := f.now.Add(-100 * 24 * time.Hour)
	f.add(t, "old-sent", func(m *domain.Message) { m.Status = domain.MessageSent; m.UpdatedAt = old })

	held := locks(cleanupLockKey, time.Minute)
	ok, err := held.Acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}

	n, err := f.sched.RunCleanupSweep(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("RunCleanupSweep() = %d, %v; want 0, nil", n, err)
	}

	if err := held.Release(context.Background()); err != nil {
		t.Fatal(err)
	}
	n, err = f.sched.RunCleanupSweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RunCleanupSweep() after release = %d, %v; want 1, nil", n, err)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t)
	cfg := testDeliveryConfig()
	cfg.SweepIntervalMinutes = 60
	s := f.newScheduler(cfg)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Error("double Start() should return error")
	}
	if !s.Stats().Running {
		t.Error("scheduler should report running")
	}
	s.Stop()
	if s.Stats().Running {
		t.Error("scheduler should not be running after Stop()")
	}
	s.Stop()
}
