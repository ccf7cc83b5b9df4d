package domain

import (
	"strings"
	"time"
)

// MessageStatus enumerates the lifecycle states of an outbound message.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageScheduled  MessageStatus = "scheduled"
	MessageProcessing MessageStatus = "processing"
	MessageSent       MessageStatus = "sent"
	MessageFailed     MessageStatus = "failed"
	MessageBounced    MessageStatus = "bounced"
	MessageCancelled  MessageStatus = "cancelled"
	MessagePaused     MessageStatus = "paused"
)

// messageTransitions is the complete set of legal status changes. Anything
// not listed here is rejected by CanTransition.
var messageTransitions = map[MessageStatus][]MessageStatus{
	MessagePending:    {MessageProcessing, MessageCancelled},
	MessageScheduled:  {MessageProcessing, MessagePaused, MessageCancelled},
	MessageProcessing: {MessageSent, MessageScheduled, MessageFailed},
	MessagePaused:     {MessageScheduled, MessageCancelled},
	MessageSent:       {MessageBounced},
}

// CanTransition reports whether a message may move from one status to another.
func CanTransition(from, to MessageStatus) bool {
	for _, s := range messageTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	switch s {
	case MessagePending, MessageScheduled, MessageProcessing, MessageSent,
		MessageFailed, MessageBounced, MessageCancelled, MessagePaused:
		return true
	}
	return false
}

// IsTerminal returns true if no further delivery work will happen.
func (s MessageStatus) IsTerminal() bool {
	switch s {
	case MessageSent, MessageFailed, MessageBounced, MessageCancelled:
		return true
	}
	return false
}

// IsClaimable returns true if a worker may claim a message in this status.
func (s MessageStatus) IsClaimable() bool {
	return s == MessagePending || s == MessageScheduled
}

// CancelReason records why a message was cancelled instead of sent.
type CancelReason string

const (
	CancelDuplicate         CancelReason = "duplicate"
	CancelRecipientInactive CancelReason = "recipient_inactive"
	CancelSenderInactive    CancelReason = "sender_inactive"
	CancelSequenceInactive  CancelReason = "sequence_inactive"
	CancelSuppressed        CancelReason = "recipient_suppressed"
	CancelUnsubscribed      CancelReason = "unsubscribed"
	CancelBounced           CancelReason = "recipient_bounced"
	CancelComplained        CancelReason = "recipient_complained"
	CancelByUser            CancelReason = "cancelled_by_user"
)

// Keys used in Message.Context.
const (
	ContextCancelReason = "cancel_reason"
	ContextRetryOf      = "retry_of"
	ContextRetriedAs    = "retried_as"
	ContextProvider     = "provider"
	ContextAccountID    = "account_id"
	ContextFailureKind  = "failure_kind"
)

// FailureAccountReauth marks a failure caused by a mailbox that needs re-authentication.
const FailureAccountReauth = "account_reauth_required"

// Correlation ties a message to the platform entities it was sent for.
// Bulk sequence controls (pause/resume/cancel) select messages by these ids.
type Correlation struct {
	LeadID          string `json:"lead_id,omitempty" db:"lead_id"`
	ClientID        string `json:"client_id,omitempty" db:"client_id"`
	CoachID         string `json:"coach_id,omitempty" db:"coach_id"`
	EmailThreadID   string `json:"email_thread_id,omitempty" db:"email_thread_id"`
	EmailSequenceID string `json:"email_sequence_id,omitempty" db:"email_sequence_id"`
	SequenceOrder   int    `json:"sequence_order,omitempty" db:"sequence_order"`
	TemplateID      string `json:"template_id,omitempty" db:"template_id"`
}

// Message is one outbound email unit and the single source of truth for its
// delivery state.
type Message struct {
	ID                string            `json:"id" db:"id"`
	From              string            `json:"from,omitempty" db:"from_address"`
	To                []string          `json:"to" db:"to_addresses"`
	Subject           string            `json:"subject" db:"subject"`
	Text              string            `json:"text,omitempty" db:"text_body"`
	HTML              string            `json:"html,omitempty" db:"html_body"`
	Status            MessageStatus     `json:"status" db:"status"`
	ScheduledFor      *time.Time        `json:"scheduled_for,omitempty" db:"scheduled_for"`
	SentAt            *time.Time        `json:"sent_at,omitempty" db:"sent_at"`
	ClaimedAt         *time.Time        `json:"claimed_at,omitempty" db:"claimed_at"`
	RetryCount        int               `json:"retry_count" db:"retry_count"`
	ErrorMessage      string            `json:"error_message,omitempty" db:"error_message"`
	ProviderMessageID string            `json:"provider_message_id,omitempty" db:"provider_message_id"`
	FallbackToSystem  bool              `json:"fallback_to_system" db:"fallback_to_system"`
	Correlation       Correlation       `json:"correlation"`
	Analytics         Analytics         `json:"analytics" db:"analytics"`
	Context           map[string]string `json:"context,omitempty" db:"context"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}

// PrimaryRecipient returns the first recipient address, lowercased.
func (m *Message) PrimaryRecipient() string {
	if len(m.To) == 0 {
		return ""
	}
	return NormalizeEmail(m.To[0])
}

// IsThreadReply returns true when the message continues an existing thread.
func (m *Message) IsThreadReply() bool {
	return m.Correlation.EmailThreadID != ""
}

// IsDue reports whether the message should be picked up by a sweep at now.
func (m *Message) IsDue(now time.Time) bool {
	if !m.Status.IsClaimable() {
		return false
	}
	return m.ScheduledFor == nil || !m.ScheduledFor.After(now)
}

// SetContext stores a scheduling context value, allocating the map on demand.
func (m *Message) SetContext(key, value string) {
	if m.Context == nil {
		m.Context = make(map[string]string)
	}
	m.Context[key] = value
}

// NormalizeEmail lowercases and trims an address for comparisons and lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
