package template

import (
	"context"
	"time"

	"github.com/nlc-ai/mailflow/internal/domain"
)

// Repository defines the data access contract for templates.
// Implementations must be safe for concurrent use.
type Repository interface {
	// GetByID returns an active template owned by ownerID. Returns
	// ErrNotFound when it does not exist, belongs to someone else or is
	// inactive.
	GetByID(ctx context.Context, ownerID, id string) (*domain.EmailTemplate, error)

	// GetBySystemKey returns the active system template with the given key.
	GetBySystemKey(ctx context.Context, key string) (*domain.EmailTemplate, error)

	// IncrementUsage bumps usage_count and sets last_used_at.
	IncrementUsage(ctx context.Context, id string, at time.Time) error
}

// Ref points at a template. Either ID (scoped to OwnerID) or SystemKey
// must be set; ID wins when both are.
type Ref struct {
	ID        string `json:"template_id,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
	SystemKey string `json:"template_key,omitempty"`
}
