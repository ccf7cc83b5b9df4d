package message

import (
	"context"
	"time"

	"github.com/nlc-ai/mailflow/internal/domain"
)

// Repository is the Message Store. It is the only place message status
// changes, and every status write is conditional on the current status so
// concurrent sweeps, webhooks and API calls cannot make an illegal move.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Create inserts a new message. ID must be set by the caller.
	Create(ctx context.Context, m *domain.Message) error

	// Get returns a single message. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Message, error)

	// GetDue returns up to limit pending/scheduled messages whose scheduled
	// time is at or before now, oldest first.
	GetDue(ctx context.Context, now time.Time, limit int) ([]domain.Message, error)

	// Claim atomically moves a message from pending/scheduled to processing.
	// Returns false when another worker claimed it first or it is no longer
	// claimable.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)

	// MarkSent moves a processing message to sent.
	MarkSent(ctx context.Context, id string, res SentResult) error

	// MarkFailed moves a processing message to failed.
	MarkFailed(ctx context.Context, id, errMsg string, retryCount int, failureKind string) error

	// Reschedule moves a processing message back to scheduled at the given time.
	Reschedule(ctx context.Context, id string, at time.Time, retryCount int, errMsg string) error

	// Cancel moves a single pending/scheduled/paused message to cancelled.
	// Returns false if the message was in any other status.
	Cancel(ctx context.Context, id string, reason domain.CancelReason) (bool, error)

	// UpdateStatusByCorrelation moves every message matching f whose status
	// is in from to status to, returning how many moved. Messages already in
	// the target status are not counted, which makes the call idempotent.
	UpdateStatusByCorrelation(ctx context.Context, f CorrelationFilter, from []domain.MessageStatus, to domain.MessageStatus, reason domain.CancelReason) (int, error)

	// CancelByRecipient cancels every scheduled or paused message addressed
	// to email.
	CancelByRecipient(ctx context.Context, email string, reason domain.CancelReason) (int, error)

	// FindDuplicateRecent reports whether a message other than excludeID
	// with the same subject and recipient was sent, or claimed for sending,
	// at or after since.
	FindDuplicateRecent(ctx context.Context, subject, to string, since time.Time, excludeID string) (bool, error)

	// FindByProviderMessageID resolves a provider-assigned id to a message.
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.Message, error)

	// MergeAnalytics applies an engagement update. Returns true if the
	// stored analytics changed.
	MergeAnalytics(ctx context.Context, id string, u domain.AnalyticsUpdate) (bool, error)

	// MarkBounced merges the bounce into analytics and moves a sent message
	// to bounced. Returns true if anything changed.
	MarkBounced(ctx context.Context, id string, u domain.AnalyticsUpdate) (bool, error)

	// ListFailed returns failed messages that have not been retried yet,
	// optionally scoped to a coach.
	ListFailed(ctx context.Context, coachID string, limit int) ([]domain.Message, error)

	// MarkRetried records that a failed message was cloned into newID.
	MarkRetried(ctx context.Context, id, newID string) error

	// RecoverStale finds messages stuck in processing since before
	// staleBefore. Those under maxRetries go back to scheduled with one more
	// retry, the rest become failed.
	RecoverStale(ctx context.Context, staleBefore time.Time, maxRetries int) (*RecoveryResult, error)

	// DeleteTerminalBefore deletes up to limit sent/failed/cancelled
	// messages last updated before cutoff. Returns the number deleted.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// SentResult is what a successful delivery records on the message.
type SentResult struct {
	ProviderMessageID string
	Provider          domain.ProviderKind
	AccountID         string
	SentAt            time.Time
}

// RecoveryResult reports what a stale-claim recovery pass did.
type RecoveryResult struct {
	Requeued int
	Failed   []domain.Message
}

// CorrelationFilter selects messages for bulk sequence controls. Every
// non-empty field must match.
type CorrelationFilter struct {
	LeadID          string `json:"lead_id,omitempty"`
	ClientID        string `json:"client_id,omitempty"`
	CoachID         string `json:"coach_id,omitempty"`
	EmailThreadID   string `json:"email_thread_id,omitempty"`
	EmailSequenceID string `json:"email_sequence_id,omitempty"`
}

// IsEmpty reports whether no field is set. An empty filter would match
// every message and is always rejected.
func (f CorrelationFilter) IsEmpty() bool {
	return f.LeadID == "" && f.ClientID == "" && f.CoachID == "" &&
		f.EmailThreadID == "" && f.EmailSequenceID == ""
}

// Matches reports whether c satisfies the filter.
func (f CorrelationFilter) Matches(c domain.Correlation) bool {
	return (f.LeadID == "" || f.LeadID == c.LeadID) &&
		(f.ClientID == "" || f.ClientID == c.ClientID) &&
		(f.CoachID == "" || f.CoachID == c.CoachID) &&
		(f.EmailThreadID == "" || f.EmailThreadID == c.EmailThreadID) &&
		(f.EmailSequenceID == "" || f.EmailSequenceID == c.EmailSequenceID)
}
