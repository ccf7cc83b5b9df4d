package sequence

import (
	"context"

	"github.com/nlc-ai/mailflow/internal/domain"
)

// Repository defines the data access contract for sequences.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Create inserts a new sequence. ID must be set by the caller.
	Create(ctx context.Context, s *domain.Sequence) error

	// Update replaces name, description, steps and active flag.
	// Returns ErrNotFound if the sequence doesn't exist.
	Update(ctx context.Context, s *domain.Sequence) error

	// Get returns a single sequence. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Sequence, error)
}
