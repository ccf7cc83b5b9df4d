package suppression

import (
	"context"

	"github.com/nlc-ai/mailflow/internal/domain"
)

// Repository defines the data access contract for the suppression list.
// Implementations must be safe for concurrent use.
type Repository interface {
	// IsSuppressed returns true if any of the addresses is suppressed.
	IsSuppressed(ctx context.Context, emails ...string) (bool, error)

	// Suppress adds an address to the list. If it already exists, the
	// existing record is preserved (idempotent).
	Suppress(ctx context.Context, s *domain.Suppression) error

	// Remove deletes a suppression entry. Returns ErrNotFound if it doesn't exist.
	Remove(ctx context.Context, email string) error

	// List returns suppression entries matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]domain.Suppression, int, error)
}

// ListFilter controls pagination and filtering for suppression lists.
type ListFilter struct {
	Reason string
	Limit  int
	Offset int
}
