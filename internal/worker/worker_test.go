package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nlc-ai/mailflow/internal/config"
	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/events"
	"github.com/nlc-ai/mailflow/internal/provider"
	"github.com/nlc-ai/mailflow/internal/repository/memory"
	"github.com/nlc-ai/mailflow/internal/service/contact"
	"github.com/nlc-ai/mailflow/internal/service/suppression"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

type fakeProvider struct {
	kind domain.ProviderKind

	mu         sync.Mutex
	calls      []string
	lastOpts   provider.SendOptions
	err        error
	panicOn    map[string]bool
	threadMsgs bool
}

func (p *fakeProvider) Kind() domain.ProviderKind { return p.kind }

func (p *fakeProvider) Send(_ context.Context, m *domain.Message, opts provider.SendOptions) provider.DeliveryResult {
	p.mu.Lock()
	p.calls = append(p.calls, m.ID)
	p.lastOpts = opts
	err, panics, threadMsgs := p.err, p.panicOn[m.ID], p.threadMsgs
	p.mu.Unlock()

	if panics {
		panic("provider exploded")
	}
	if err != nil {
		return provider.DeliveryResult{MessageID: m.ID, Provider: p.kind, Status: domain.MessageFailed, Error: err.Error(), Err: err}
	}
	res := provider.DeliveryResult{MessageID: m.ID, ProviderMessageID: "pm-" + m.ID, Provider: p.kind, Status: domain.MessageSent}
	if threadMsgs {
		res.ThreadMessageID = "rfc-" + m.ID
	}
	return res
}

func (p *fakeProvider) SendBulk(ctx context.Context, msgs []*domain.Message, opts provider.SendOptions) []provider.DeliveryResult {
	out := make([]provider.DeliveryResult, len(msgs))
	for i, m := range msgs {
		out[i] = p.Send(ctx, m, opts)
	}
	return out
}

func (p *fakeProvider) Health(context.Context) provider.Health {
	return provider.Health{Provider: p.kind, Healthy: true}
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeSelector struct {
	mu     sync.Mutex
	sel    *provider.Selection
	err    error
	system *fakeProvider
}

func (s *fakeSelector) Select(context.Context, *domain.Message) (provider.Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return provider.Selection{}, s.err
	}
	if s.sel != nil {
		return *s.sel, nil
	}
	return s.System(), nil
}

func (s *fakeSelector) System() provider.Selection {
	return provider.Selection{Provider: s.system}
}

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	repo         *memory.MessageStore
	contacts     *memory.ContactStore
	sequences    *memory.SequenceStore
	suppressions *memory.SuppressionStore
	accounts     *memory.AccountStore
	system       *fakeProvider
	selector     *fakeSelector
	pub          *events.MemoryPublisher
	sched        *Scheduler
	now          time.Time
}

func testDeliveryConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		BatchSize:             50,
		MaxRetries:            3,
		RetryBaseDelayMinutes: 30,
		RetentionDays:         90,
		StaleClaimMinutes:     15,
		DuplicateWindowHours:  24,
		Concurrency:           4,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo: memory.NewMessageStore(),
		contacts: memory.NewContactStore(
			domain.Contact{ID: "coach-1", Kind: domain.ContactCoach, Email: "coach@example.com", IsActive: true},
			domain.Contact{ID: "lead-1", Kind: domain.ContactLead, Email: "lead@example.com", IsActive: true, MarketingOptIn: true},
		),
		sequences:    memory.NewSequenceStore(),
		suppressions: memory.NewSuppressionStore(),
		accounts:     memory.NewAccountStore(),
		system:       &fakeProvider{kind: domain.ProviderMailgun},
		pub:          events.NewMemoryPublisher(),
		now:          time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.selector = &fakeSelector{system: f.system}
	f.sched = f.newScheduler(testDeliveryConfig())
	return f
}

func (f *fixture) newScheduler(cfg config.DeliveryConfig) *Scheduler {
	contacts := contact.NewService(f.contacts)
	guard := NewGuard(contacts, f.sequences, suppression.NewService(f.suppressions), f.repo, cfg.DuplicateWindow())
	deliverer := NewDeliverer(f.repo, f.selector, contacts, f.accounts, f.pub, cfg.MaxRetries, cfg.RetryBaseDelay())
	s := NewScheduler(f.repo, guard, deliverer, f.pub, nil, cfg)
	s.SetClock(func() time.Time { return f.now })
	f.repo.SetClock(func() time.Time { return f.now })
	return s
}

func (f *fixture) add(t *testing.T, id string, mutate ...func(*domain.Message)) {
	t.Helper()
	at := f.now.Add(-time.Minute)
	m := &domain.Message{
		ID:           id,
		To:           []string{"lead@example.com"},
		Subject:      "Subject " + id,
		HTML:         "<p>hello</p>",
		Status:       domain.MessageScheduled,
		ScheduledFor: &at,
		Correlation:  domain.Correlation{CoachID: "coach-1", LeadID: "lead-1"},
		CreatedAt:    f.now.Add(-time.Hour),
		UpdatedAt:    f.now.Add(-time.Hour),
	}
	for _, fn := range mutate {
		fn(m)
	}
	if err := f.repo.Create(context.Background(), m); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func (f *fixture) get(t *testing.T, id string) *domain.Message {
	t.Helper()
	m, err := f.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return m
}

func (f *fixture) sweep(t *testing.T) SweepResult {
	t.Helper()
	res, err := f.sched.RunDeliverySweep(context.Background())
	if err != nil {
		t.Fatalf("RunDeliverySweep() error: %v", err)
	}
	return res
}
