package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nlc-ai/mailflow/internal/config"
	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/pkg/httpretry"
)

// Registry builds providers by kind. The system provider is created once;
// mailbox providers are created per account since each one sends as a
// different identity.
type Registry struct {
	system   Provider
	tokens   *TokenManager
	client   httpretry.HTTPDoer
	gmailURL string
	graphURL string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithGmailBaseURL points Gmail sends at another API root.
func WithGmailBaseURL(u string) RegistryOption {
	return func(r *Registry) { r.gmailURL = strings.TrimRight(u, "/") }
}

// WithGraphBaseURL points Outlook sends at another API root.
func WithGraphBaseURL(u string) RegistryOption {
	return func(r *Registry) { r.graphURL = strings.TrimRight(u, "/") }
}

// NewRegistry creates a registry around an already built system provider.
func NewRegistry(system Provider, tokens *TokenManager, client httpretry.HTTPDoer, opts ...RegistryOption) *Registry {
	if client == nil {
		client = httpretry.NewSendClient(&http.Client{Timeout: 30 * time.Second}, 2)
	}
	r := &Registry{
		system:   system,
		tokens:   tokens,
		client:   client,
		gmailURL: DefaultGmailBaseURL,
		graphURL: DefaultGraphBaseURL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewSystemProvider builds the configured system sender.
func NewSystemProvider(ctx context.Context, cfg *config.Config, client httpretry.HTTPDoer) (Provider, error) {
	switch domain.ProviderKind(cfg.SystemProvider) {
	case domain.ProviderMailgun, "":
		return NewMailgun(cfg.Mailgun, client), nil
	case domain.ProviderSES:
		return NewSES(ctx, cfg.SES)
	default:
		return nil, fmt.Errorf("%w: system provider %q", ErrUnsupportedProvider, cfg.SystemProvider)
	}
}

// System returns the system provider.
func (r *Registry) System() Provider { return r.system }

// ForAccount returns a provider that sends as acct.
func (r *Registry) ForAccount(acct *domain.EmailAccount) (Provider, error) {
	if r.tokens == nil {
		return nil, fmt.Errorf("%w: mailbox sending disabled", ErrNotConfigured)
	}
	switch acct.Provider {
	case domain.ProviderGmail:
		return &GmailProvider{mailbox{account: acct, tokens: r.tokens, client: r.client, baseURL: r.gmailURL}}, nil
	case domain.ProviderOutlook:
		return &OutlookProvider{mailbox{account: acct, tokens: r.tokens, client: r.client, baseURL: r.graphURL}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, acct.Provider)
	}
}
