package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nlc-ai/mailflow/internal/pkg/distlock"
)

const (
	// cleanupBatchSize limits each delete to avoid long-running transactions.
	cleanupBatchSize = 1000

	cleanupLockKey = "mailflow:cleanup"
	cleanupLockTTL = 30 * time.Minute
)

// RunCleanupSweep deletes sent, failed and cancelled messages older than the
// retention period, in batches. When another replica holds the cleanup lock
// the sweep does nothing and reports zero.
func (s *Scheduler) RunCleanupSweep(ctx context.Context) (int, error) {
	if s.locks == nil {
		return s.cleanup(ctx)
	}

	var deleted int
	err := distlock.Do(ctx, s.locks(cleanupLockKey, cleanupLockTTL), func(ctx context.Context) error {
		var err error
		deleted, err = s.cleanup(ctx)
		return err
	})
	if errors.Is(err, distlock.ErrNotAcquired) {
		log.Println("[Cleanup] Another replica is cleaning up, skipping")
		return 0, nil
	}
	return deleted, err
}

func (s *Scheduler) cleanup(ctx context.Context) (int, error) {
	start := time.Now()
	cutoff := s.now().UTC().Add(-s.cfg.Retention())

	total := 0
	for {
		n, err := s.repo.DeleteTerminalBefore(ctx, cutoff, cleanupBatchSize)
		if err != nil {
			return total, fmt.Errorf("delete terminal messages: %w", err)
		}
		total += n
		if n < cleanupBatchSize {
			break
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
	}

	if total > 0 {
		log.Printf("[Cleanup] Deleted %d messages older than %s in %s",
			total, cutoff.Format(time.RFC3339), time.Since(start).Round(time.Millisecond))
	}
	return total, nil
}
