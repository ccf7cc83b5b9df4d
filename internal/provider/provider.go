// Package provider delivers messages through the system sender (Mailgun or
// SES) or a coach's own connected mailbox (Gmail or Outlook). Providers are
// built by a static registry keyed by domain.ProviderKind.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/nlc-ai/mailflow/internal/domain"
)

var (
	// ErrReauthRequired means a mailbox's refresh token no longer works. The
	// account has been disabled and the coach must reconnect it.
	ErrReauthRequired = errors.New("email account requires re-authentication")

	// ErrUnsupportedProvider is returned for a kind the registry cannot build.
	ErrUnsupportedProvider = errors.New("unsupported email provider")

	// ErrNotConfigured is returned when a provider lacks credentials.
	ErrNotConfigured = errors.New("email provider not configured")
)

// SendOptions carries per-call overrides.
type SendOptions struct {
	// From replaces the provider's default sender address.
	From string
	// Thread makes the send a reply within an existing mailbox thread.
	Thread *domain.EmailThread
}

// DeliveryResult is the outcome of one send. Status is either
// domain.MessageSent or domain.MessageFailed; Err is set on failure.
type DeliveryResult struct {
	MessageID         string               `json:"message_id"`
	ProviderMessageID string               `json:"provider_message_id,omitempty"`
	Provider          domain.ProviderKind  `json:"provider"`
	Status            domain.MessageStatus `json:"status"`
	Error             string               `json:"error,omitempty"`
	Err               error                `json:"-"`

	// ThreadMessageID is the id the next reply in the same thread should
	// reference, when the provider exposes one.
	ThreadMessageID string `json:"-"`
}

// OK reports whether the send succeeded.
func (r DeliveryResult) OK() bool { return r.Status == domain.MessageSent }

// Health is a point-in-time view of a provider.
type Health struct {
	Provider  domain.ProviderKind `json:"provider"`
	Healthy   bool                `json:"healthy"`
	Detail    string              `json:"detail,omitempty"`
	Sent      int64               `json:"sent"`
	Failed    int64               `json:"failed"`
	CheckedAt time.Time           `json:"checked_at"`
}

// Provider is the capability set every delivery backend implements.
type Provider interface {
	Kind() domain.ProviderKind
	Send(ctx context.Context, m *domain.Message, opts SendOptions) DeliveryResult
	SendBulk(ctx context.Context, msgs []*domain.Message, opts SendOptions) []DeliveryResult
	Health(ctx context.Context) Health
}

func sent(kind domain.ProviderKind, m *domain.Message, providerID string) DeliveryResult {
	return DeliveryResult{
		MessageID:         m.ID,
		ProviderMessageID: providerID,
		Provider:          kind,
		Status:            domain.MessageSent,
	}
}

func failed(kind domain.ProviderKind, m *domain.Message, err error) DeliveryResult {
	return DeliveryResult{
		MessageID: m.ID,
		Provider:  kind,
		Status:    domain.MessageFailed,
		Error:     err.Error(),
		Err:       err,
	}
}

func senderAddress(opts SendOptions, fallbacks ...string) string {
	if opts.From != "" {
		return opts.From
	}
	for _, f := range fallbacks {
		if f != "" {
			return f
		}
	}
	return ""
}
