package worker

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nlc-ai/mailflow/internal/config"
	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/events"
	"github.com/nlc-ai/mailflow/internal/pkg/distlock"
	"github.com/nlc-ai/mailflow/internal/service/message"
)

// =============================================================================
// MESSAGE SCHEDULER
// =============================================================================
// Three loops share one scheduler:
//   - delivery: every sweep interval, pick up due messages, re-check that
//     each may still be sent, claim it and hand it to the Deliverer
//   - recovery: put messages stuck in processing back on the schedule
//   - cleanup: delete terminal messages past the retention period
//
// Replicas may run the delivery and recovery loops at the same time; the
// atomic claim keeps a message from being delivered twice. Cleanup takes a
// distributed lock so only one replica deletes per cycle.

// SweepResult counts what one delivery sweep did.
type SweepResult struct {
	Due       int `json:"due"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
	Sent      int `json:"sent"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

// Stats is a snapshot of scheduler activity since start.
type Stats struct {
	Running     bool      `json:"running"`
	Sweeps      int64     `json:"sweeps"`
	Sent        int64     `json:"sent"`
	Failed      int64     `json:"failed"`
	Cancelled   int64     `json:"cancelled"`
	LastSweepAt time.Time `json:"last_sweep_at,omitempty"`
}

// Scheduler drives the message pipeline.
type Scheduler struct {
	repo      message.Repository
	guard     *Guard
	deliverer *Deliverer
	publisher events.Publisher
	locks     distlock.Factory
	cfg       config.DeliveryConfig
	now       func() time.Time

	// Stats
	sweeps    atomic.Int64
	sent      atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	lastSweep atomic.Int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewScheduler creates a scheduler. locks may be nil on a single replica.
func NewScheduler(repo message.Repository, guard *Guard, deliverer *Deliverer, publisher events.Publisher, locks distlock.Factory, cfg config.DeliveryConfig) *Scheduler {
	return &Scheduler{
		repo:      repo,
		guard:     guard,
		deliverer: deliverer,
		publisher: publisher,
		locks:     locks,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetClock overrides the time source of the scheduler and its deliverer.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
	s.deliverer.now = now
}

// Start launches the sweep loops.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	log.Printf("[Scheduler] Starting (sweep=%s, recovery=%s, cleanup=%s, batch=%d, concurrency=%d)",
		s.cfg.SweepInterval(), s.cfg.RecoveryInterval(), s.cfg.CleanupInterval(), s.cfg.BatchSize, s.cfg.Concurrency)

	s.loop("delivery", s.cfg.SweepInterval(), func(ctx context.Context) {
		if _, err := s.RunDeliverySweep(ctx); err != nil {
			log.Printf("[Scheduler] Delivery sweep error: %v", err)
		}
	})
	s.loop("recovery", s.cfg.RecoveryInterval(), func(ctx context.Context) {
		if _, err := s.RunRecoverySweep(ctx); err != nil {
			log.Printf("[Scheduler] Recovery sweep error: %v", err)
		}
	})
	s.loop("cleanup", s.cfg.CleanupInterval(), func(ctx context.Context) {
		if _, err := s.RunCleanupSweep(ctx); err != nil {
			log.Printf("[Scheduler] Cleanup sweep error: %v", err)
		}
	})
	return nil
}

// Stop cancels the loops and waits for in-flight sweeps to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log.Printf("[Scheduler] Stopping...")
	s.cancel()
	s.wg.Wait()
	log.Printf("[Scheduler] Stopped. Sweeps: %d, sent: %d, failed: %d, cancelled: %d",
		s.sweeps.Load(), s.sent.Load(), s.failed.Load(), s.cancelled.Load())
}

// loop runs fn on every tick. A tick that arrives while fn is still running
// is dropped by the ticker, so sweeps of one kind never overlap.
func (s *Scheduler) loop(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		log.Printf("[Scheduler] %s loop disabled", name)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				fn(s.ctx)
			}
		}
	}()
}

// Stats returns a snapshot of scheduler activity.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	st := Stats{
		Running:   running,
		Sweeps:    s.sweeps.Load(),
		Sent:      s.sent.Load(),
		Failed:    s.failed.Load(),
		Cancelled: s.cancelled.Load(),
	}
	if ns := s.lastSweep.Load(); ns > 0 {
		st.LastSweepAt = time.Unix(0, ns).UTC()
	}
	return st
}

// RunDeliverySweep processes one batch of due messages. Messages are handled
// concurrently and independently; one failure never stops the batch.
func (s *Scheduler) RunDeliverySweep(ctx context.Context) (SweepResult, error) {
	now := s.now().UTC()
	due, err := s.repo.GetDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("load due messages: %w", err)
	}
	s.sweeps.Add(1)
	s.lastSweep.Store(now.UnixNano())

	res := SweepResult{Due: len(due)}
	if len(due) == 0 {
		return res, nil
	}

	send, dups := splitBatchDuplicates(due)
	for _, m := range dups {
		ok, err := s.repo.Cancel(ctx, m.ID, domain.CancelDuplicate)
		if err != nil {
			log.Printf("[Scheduler] Failed to cancel %s (%s): %v", m.ID, domain.CancelDuplicate, err)
			res.Skipped++
			continue
		}
		if ok {
			s.cancelled.Add(1)
			res.Cancelled++
			log.Printf("[Scheduler] Cancelled %s: %s within the same batch", m.ID, domain.CancelDuplicate)
		} else {
			res.Skipped++
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.Concurrency, 1))
	for _, m := range send {
		g.Go(func() error {
			outcome, cancelled := s.process(gctx, m, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case cancelled:
				res.Cancelled++
			case outcome == OutcomeSent:
				res.Sent++
			case outcome == OutcomeRetried:
				res.Retried++
			case outcome == OutcomeFailed:
				res.Failed++
			default:
				res.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Printf("[Scheduler] Sweep: due=%d sent=%d retried=%d failed=%d cancelled=%d skipped=%d",
		res.Due, res.Sent, res.Retried, res.Failed, res.Cancelled, res.Skipped)
	return res, nil
}

// splitBatchDuplicates keeps the earliest scheduled message for each
// subject and recipient pair in the batch and returns the others as
// duplicates. The guard only sees siblings that are already sent or
// claimed, so pairs that fall due together are resolved here.
func splitBatchDuplicates(due []domain.Message) (send, dups []*domain.Message) {
	ordered := make([]*domain.Message, len(due))
	for i := range due {
		ordered[i] = &due[i]
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := dueAt(ordered[i]), dueAt(ordered[j])
		if !a.Equal(b) {
			return a.Before(b)
		}
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	seen := make(map[string]bool)
	for _, m := range ordered {
		keys := make([]string, 0, len(m.To))
		dup := false
		for _, to := range m.To {
			k := m.Subject + "\x00" + domain.NormalizeEmail(to)
			if seen[k] {
				dup = true
				break
			}
			keys = append(keys, k)
		}
		if dup {
			dups = append(dups, m)
			continue
		}
		for _, k := range keys {
			seen[k] = true
		}
		send = append(send, m)
	}
	return send, dups
}

func dueAt(m *domain.Message) time.Time {
	if m.ScheduledFor == nil {
		return time.Time{}
	}
	return *m.ScheduledFor
}

// process checks, claims and delivers one message. An empty outcome means
// the message was left alone this sweep.
func (s *Scheduler) process(ctx context.Context, m *domain.Message, now time.Time) (Outcome, bool) {
	reason, err := s.guard.CanSend(ctx, m, now)
	if err != nil {
		log.Printf("[Scheduler] Could not check %s, leaving for next sweep: %v", m.ID, err)
		return "", false
	}
	if reason != "" {
		ok, err := s.repo.Cancel(ctx, m.ID, reason)
		if err != nil {
			log.Printf("[Scheduler] Failed to cancel %s (%s): %v", m.ID, reason, err)
			return "", false
		}
		if ok {
			s.cancelled.Add(1)
			log.Printf("[Scheduler] Cancelled %s: %s", m.ID, reason)
		}
		return "", ok
	}

	claimed, err := s.repo.Claim(ctx, m.ID, now)
	if err != nil {
		log.Printf("[Scheduler] Failed to claim %s: %v", m.ID, err)
		return "", false
	}
	if !claimed {
		// another replica or a concurrent dispatch got it first
		return "", false
	}
	m.Status = domain.MessageProcessing

	outcome, err := s.deliverer.Deliver(ctx, m)
	if err != nil {
		log.Printf("[Scheduler] Failed to record delivery of %s: %v", m.ID, err)
	}
	switch outcome {
	case OutcomeSent:
		s.sent.Add(1)
	case OutcomeFailed:
		s.failed.Add(1)
	}
	return outcome, false
}

// Dispatch delivers one message immediately, outside the sweep. It goes
// through the same checks and claim as a sweep, so it is safe to race with
// one. The message is returned as stored afterwards.
func (s *Scheduler) Dispatch(ctx context.Context, id string) (*domain.Message, error) {
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status.IsClaimable() {
		s.process(ctx, m, s.now().UTC())
	}
	return s.repo.Get(ctx, id)
}
