package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/service/sequence"
)

// ActivityChecker reports whether the sender and recipients of a message are
// still active.
type ActivityChecker interface {
	CheckActive(ctx context.Context, corr domain.Correlation) (domain.CancelReason, error)
}

// SequenceLookup loads a sequence.
type SequenceLookup interface {
	Get(ctx context.Context, id string) (*domain.Sequence, error)
}

// SuppressionChecker reports whether any address is suppressed.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, emails ...string) (bool, error)
}

// DuplicateFinder reports recent sends of the same content.
type DuplicateFinder interface {
	FindDuplicateRecent(ctx context.Context, subject, to string, since time.Time, excludeID string) (bool, error)
}

// Guard decides right before delivery whether a due message may still go
// out. The checks run in a fixed order and the first failing one names the
// cancel reason.
type Guard struct {
	contacts     ActivityChecker
	sequences    SequenceLookup
	suppressions SuppressionChecker
	duplicates   DuplicateFinder
	window       time.Duration
}

// NewGuard creates a send guard. window is how far back an identical send
// makes a message a duplicate.
func NewGuard(contacts ActivityChecker, sequences SequenceLookup, suppressions SuppressionChecker, duplicates DuplicateFinder, window time.Duration) *Guard {
	return &Guard{
		contacts:     contacts,
		sequences:    sequences,
		suppressions: suppressions,
		duplicates:   duplicates,
		window:       window,
	}
}

// CanSend returns "" when m may be delivered, or the reason it must be
// cancelled. An error means the check itself could not run and the message
// should be left for the next sweep.
func (g *Guard) CanSend(ctx context.Context, m *domain.Message, now time.Time) (domain.CancelReason, error) {
	reason, err := g.contacts.CheckActive(ctx, m.Correlation)
	if err != nil {
		return "", fmt.Errorf("check activity: %w", err)
	}
	if reason != "" {
		return reason, nil
	}

	if id := m.Correlation.EmailSequenceID; id != "" {
		seq, err := g.sequences.Get(ctx, id)
		switch {
		case errors.Is(err, sequence.ErrNotFound):
			return domain.CancelSequenceInactive, nil
		case err != nil:
			return "", fmt.Errorf("load sequence: %w", err)
		case !seq.IsActive:
			return domain.CancelSequenceInactive, nil
		}
	}

	suppressed, err := g.suppressions.IsSuppressed(ctx, m.To...)
	if err != nil {
		return "", fmt.Errorf("check suppression: %w", err)
	}
	if suppressed {
		return domain.CancelSuppressed, nil
	}

	since := now.Add(-g.window)
	for _, to := range m.To {
		dup, err := g.duplicates.FindDuplicateRecent(ctx, m.Subject, to, since, m.ID)
		if err != nil {
			return "", fmt.Errorf("check duplicate: %w", err)
		}
		if dup {
			return domain.CancelDuplicate, nil
		}
	}
	return "", nil
}
