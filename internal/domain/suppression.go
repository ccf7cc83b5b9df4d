package domain

import "time"

// SuppressionReason enumerates why an address was suppressed.
type SuppressionReason string

const (
	ReasonHardBounce  SuppressionReason = "hard_bounce"
	ReasonComplaint   SuppressionReason = "spam_complaint"
	ReasonUnsubscribe SuppressionReason = "unsubscribe"
	ReasonManual      SuppressionReason = "manual"
)

// SuppressionSource indicates where the suppression signal originated.
type SuppressionSource string

const (
	SourceESPWebhook SuppressionSource = "esp_webhook"
	SourceManual     SuppressionSource = "manual"
)

// Suppression is a single entry in the suppression list. A suppressed
// address receives no further mail from any sequence or sweep.
type Suppression struct {
	ID        string            `json:"id" db:"id"`
	Email     string            `json:"email" db:"email"`
	MD5Hash   string            `json:"md5_hash" db:"md5_hash"`
	Reason    SuppressionReason `json:"reason" db:"reason"`
	Source    SuppressionSource `json:"source" db:"source"`
	MessageID string            `json:"message_id,omitempty" db:"message_id"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}
