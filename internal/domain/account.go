package domain

import "time"

// ProviderKind identifies a delivery backend.
type ProviderKind string

const (
	ProviderMailgun ProviderKind = "mailgun"
	ProviderSES     ProviderKind = "ses"
	ProviderGmail   ProviderKind = "gmail"
	ProviderOutlook ProviderKind = "outlook"
)

// IsMailbox returns true for providers that send through a coach's own
// connected mailbox rather than the system sender.
func (k ProviderKind) IsMailbox() bool {
	return k == ProviderGmail || k == ProviderOutlook
}

// EmailAccount is a coach's connected Gmail or Outlook mailbox.
type EmailAccount struct {
	ID             string       `json:"id" db:"id"`
	CoachID        string       `json:"coach_id" db:"coach_id"`
	Provider       ProviderKind `json:"provider" db:"provider"`
	Email          string       `json:"email" db:"email"`
	AccessToken    string       `json:"-" db:"access_token"`
	RefreshToken   string       `json:"-" db:"refresh_token"`
	TokenExpiresAt *time.Time   `json:"token_expires_at,omitempty" db:"token_expires_at"`
	IsPrimary      bool         `json:"is_primary" db:"is_primary"`
	SyncEnabled    bool         `json:"sync_enabled" db:"sync_enabled"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// Usable reports whether the account can be used to send. Accounts marked
// for re-authentication have sync disabled and stay unusable until the
// coach reconnects them.
func (a *EmailAccount) Usable() bool {
	return a.SyncEnabled && a.RefreshToken != ""
}

// TokenFresh reports whether the access token stays valid for at least skew.
func (a *EmailAccount) TokenFresh(now time.Time, skew time.Duration) bool {
	if a.AccessToken == "" || a.TokenExpiresAt == nil {
		return false
	}
	return a.TokenExpiresAt.After(now.Add(skew))
}

// EmailThread is a conversation in a coach's mailbox that replies continue.
type EmailThread struct {
	ID                    string    `json:"id" db:"id"`
	AccountID             string    `json:"account_id" db:"account_id"`
	CoachID               string    `json:"coach_id" db:"coach_id"`
	ProviderThreadID      string    `json:"provider_thread_id" db:"provider_thread_id"`
	LastProviderMessageID string    `json:"last_provider_message_id,omitempty" db:"last_provider_message_id"`
	Subject               string    `json:"subject,omitempty" db:"subject"`
	UpdatedAt             time.Time `json:"updated_at" db:"updated_at"`
}
