package domain

import "time"

// EventType names a domain event published by the pipeline.
type EventType string

const (
	EventEmailSent            EventType = "email.sent"
	EventEmailFailed          EventType = "email.scheduled.failed"
	EventEmailOpened          EventType = "email.opened"
	EventEmailClicked         EventType = "email.clicked"
	EventEmailBounced         EventType = "email.bounced"
	EventEmailComplained      EventType = "email.complained"
	EventEmailUnsubscribed    EventType = "email.unsubscribed"
	EventEmailEmergencyPaused EventType = "email.emergency.paused"
)

// EventSchemaVersion is bumped whenever a payload shape changes incompatibly.
const EventSchemaVersion = 1

// Event is the envelope every domain event is published in.
type Event struct {
	EventType     EventType `json:"event_type"`
	SchemaVersion int       `json:"schema_version"`
	OccurredAt    time.Time `json:"occurred_at"`
	Payload       any       `json:"payload"`
}

// NewEvent wraps payload in an envelope stamped with the current schema version.
func NewEvent(t EventType, at time.Time, payload any) Event {
	return Event{EventType: t, SchemaVersion: EventSchemaVersion, OccurredAt: at.UTC(), Payload: payload}
}

// MessageEvent is the payload of every per-message event.
type MessageEvent struct {
	MessageID         string       `json:"message_id"`
	To                []string     `json:"to"`
	Subject           string       `json:"subject,omitempty"`
	Provider          ProviderKind `json:"provider,omitempty"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	Correlation       Correlation  `json:"correlation"`
	RetryCount        int          `json:"retry_count,omitempty"`
	Reason            string       `json:"reason,omitempty"`
	URL               string       `json:"url,omitempty"`
}

// NewMessageEvent builds a payload from the message's identifying fields.
func NewMessageEvent(m *Message) MessageEvent {
	return MessageEvent{
		MessageID:         m.ID,
		To:                m.To,
		Subject:           m.Subject,
		ProviderMessageID: m.ProviderMessageID,
		Correlation:       m.Correlation,
		RetryCount:        m.RetryCount,
	}
}

// RecipientEvent is the payload of events about an address rather than a
// single message, such as an unsubscribe arriving for an unknown message.
type RecipientEvent struct {
	Email     string `json:"email"`
	MessageID string `json:"message_id,omitempty"`
	Cancelled int    `json:"cancelled"`
	Reason    string `json:"reason,omitempty"`
}

// EmergencyPauseEvent is the payload of email.emergency.paused.
type EmergencyPauseEvent struct {
	CoachID string `json:"coach_id"`
	Paused  int    `json:"paused"`
	Reason  string `json:"reason,omitempty"`
}
