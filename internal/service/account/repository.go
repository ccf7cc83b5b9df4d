package account

import (
	"context"
	"time"

	"github.com/nlc-ai/mailflow/internal/domain"
)

// Repository defines the data access contract for connected mailboxes.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single account. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.EmailAccount, error)

	// GetPrimary returns the coach's primary account. Returns ErrNotFound
	// when the coach has none.
	GetPrimary(ctx context.Context, coachID string) (*domain.EmailAccount, error)

	// SetPrimary demotes every other account of the coach and promotes id,
	// atomically, so a coach never has two primaries.
	SetPrimary(ctx context.Context, coachID, id string) error

	// UpdateTokens stores a refreshed token pair.
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error

	// MarkReauthRequired disables sync and clears the access token.
	MarkReauthRequired(ctx context.Context, id string) error

	// GetThread returns a thread. Returns ErrThreadNotFound if it doesn't exist.
	GetThread(ctx context.Context, id string) (*domain.EmailThread, error)

	// UpdateThreadLastMessage records the newest provider message id of a
	// thread so the next reply can reference it.
	UpdateThreadLastMessage(ctx context.Context, threadID, providerMessageID string, at time.Time) error
}
