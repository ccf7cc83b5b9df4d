package contact

import (
	"context"
	"time"

	"github.com/nlc-ai/mailflow/internal/domain"
)

// Repository defines the data access contract for contact records.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns one contact of the given kind. Returns ErrNotFound if it
	// doesn't exist.
	Get(ctx context.Context, kind domain.ContactKind, id string) (*domain.Contact, error)

	// TouchLastContacted sets last_contacted_at. Missing records are ignored.
	TouchLastContacted(ctx context.Context, kind domain.ContactKind, id string, at time.Time) error

	// OptOutByEmail clears marketing_opt_in on every lead, client and coach
	// with the address and returns how many records changed.
	OptOutByEmail(ctx context.Context, email string) (int, error)
}
