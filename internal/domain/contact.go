package domain

import "time"

// ContactKind identifies which platform entity a contact record is.
type ContactKind string

const (
	ContactLead   ContactKind = "lead"
	ContactClient ContactKind = "client"
	ContactCoach  ContactKind = "coach"
)

// Valid reports whether k is a known kind.
func (k ContactKind) Valid() bool {
	return k == ContactLead || k == ContactClient || k == ContactCoach
}

// Contact is the slice of a lead, client or coach record the pipeline reads
// and writes: activity, marketing consent and last-contacted bookkeeping.
type Contact struct {
	ID              string            `json:"id" db:"id"`
	Kind            ContactKind       `json:"kind" db:"kind"`
	CoachID         string            `json:"coach_id,omitempty" db:"coach_id"`
	Email           string            `json:"email" db:"email"`
	Name            string            `json:"name,omitempty" db:"name"`
	IsActive        bool              `json:"is_active" db:"is_active"`
	MarketingOptIn  bool              `json:"marketing_opt_in" db:"marketing_opt_in"`
	LastContactedAt *time.Time        `json:"last_contacted_at,omitempty" db:"last_contacted_at"`
	Attributes      map[string]string `json:"attributes,omitempty" db:"attributes"`
}
