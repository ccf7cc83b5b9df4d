package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/events"
	"github.com/nlc-ai/mailflow/internal/service/message"
)

// RunRecoverySweep reclaims messages left in processing by a worker that
// died mid-send. Each one counts as a failed attempt: it is rescheduled, or
// failed once its attempts run out.
func (s *Scheduler) RunRecoverySweep(ctx context.Context) (*message.RecoveryResult, error) {
	now := s.now().UTC()
	res, err := s.repo.RecoverStale(ctx, now.Add(-s.cfg.StaleClaim()), s.cfg.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("recover stale claims: %w", err)
	}

	for i := range res.Failed {
		m := &res.Failed[i]
		evt := domain.NewMessageEvent(m)
		evt.Reason = m.ErrorMessage
		events.Emit(ctx, s.publisher, domain.NewEvent(domain.EventEmailFailed, now, evt))
	}
	s.failed.Add(int64(len(res.Failed)))

	if res.Requeued > 0 || len(res.Failed) > 0 {
		log.Printf("[Recovery] Requeued %d stuck messages, failed %d", res.Requeued, len(res.Failed))
	}
	return res, nil
}
