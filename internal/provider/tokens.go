package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/nlc-ai/mailflow/internal/config"
	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/pkg/distlock"
)

const (
	// refreshSkew is how long before expiry a token is refreshed.
	refreshSkew = 5 * time.Minute

	tokenLockTTL  = 30 * time.Second
	lockWaitTries = 10
	lockWaitStep  = 500 * time.Millisecond
)

// TokenStore persists mailbox credentials.
type TokenStore interface {
	Get(ctx context.Context, id string) (*domain.EmailAccount, error)
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error
	MarkReauthRequired(ctx context.Context, id string) error
}

// TokenManager keeps mailbox access tokens fresh. Refreshes of one account
// are serialized in-process, and across processes when a lock factory is
// configured, so a rotated refresh token is never used twice.
type TokenManager struct {
	store   TokenStore
	configs map[domain.ProviderKind]*oauth2.Config
	client  *http.Client
	locks   distlock.Factory
	now     func() time.Time

	mu      sync.Mutex
	perAcct map[string]*sync.Mutex
}

// TokenOption configures a TokenManager.
type TokenOption func(*TokenManager)

// WithTokenEndpoint overrides the OAuth endpoint used for kind.
func WithTokenEndpoint(kind domain.ProviderKind, ep oauth2.Endpoint) TokenOption {
	return func(m *TokenManager) {
		if cfg, ok := m.configs[kind]; ok {
			cfg.Endpoint = ep
		}
	}
}

// WithLockFactory enables cross-process serialization of refreshes.
func WithLockFactory(f distlock.Factory) TokenOption {
	return func(m *TokenManager) { m.locks = f }
}

// WithTokenHTTPClient sets the client used to reach the token endpoints.
func WithTokenHTTPClient(c *http.Client) TokenOption {
	return func(m *TokenManager) { m.client = c }
}

// NewTokenManager creates a token manager for the configured OAuth clients.
// Providers whose client credentials are missing cannot be refreshed.
func NewTokenManager(store TokenStore, googleCfg config.OAuthConfig, msCfg config.MicrosoftConfig, opts ...TokenOption) *TokenManager {
	m := &TokenManager{
		store:   store,
		configs: make(map[domain.ProviderKind]*oauth2.Config),
		client:  &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
		perAcct: make(map[string]*sync.Mutex),
	}
	if googleCfg.Configured() {
		m.configs[domain.ProviderGmail] = &oauth2.Config{
			ClientID:     googleCfg.ClientID,
			ClientSecret: googleCfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://www.googleapis.com/auth/gmail.send"},
		}
	}
	if msCfg.Configured() {
		tenant := msCfg.Tenant
		if tenant == "" {
			tenant = "common"
		}
		m.configs[domain.ProviderOutlook] = &oauth2.Config{
			ClientID:     msCfg.ClientID,
			ClientSecret: msCfg.ClientSecret,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
			Scopes:       []string{"offline_access", "https://graph.microsoft.com/Mail.Send"},
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureFresh returns a usable access token for acct, refreshing it when it
// expires within five minutes. acct is updated in place.
func (m *TokenManager) EnsureFresh(ctx context.Context, acct *domain.EmailAccount) (string, error) {
	if !acct.SyncEnabled {
		return "", ErrReauthRequired
	}
	if acct.TokenFresh(m.now(), refreshSkew) {
		return acct.AccessToken, nil
	}
	return m.refresh(ctx, acct, "")
}

// ForceRefresh replaces an access token the mailbox API has rejected.
func (m *TokenManager) ForceRefresh(ctx context.Context, acct *domain.EmailAccount) (string, error) {
	return m.refresh(ctx, acct, acct.AccessToken)
}

func (m *TokenManager) accountLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.perAcct[id]
	if !ok {
		l = &sync.Mutex{}
		m.perAcct[id] = l
	}
	return l
}

// refresh exchanges the refresh token. rejected is the access token the
// caller saw fail; if the stored token already differs, someone else has
// refreshed in the meantime and that token is used instead.
func (m *TokenManager) refresh(ctx context.Context, acct *domain.EmailAccount, rejected string) (string, error) {
	l := m.accountLock(acct.ID)
	l.Lock()
	defer l.Unlock()

	if tok, ok, err := m.reload(ctx, acct, rejected); err != nil || ok {
		return tok, err
	}

	if m.locks == nil {
		return m.exchange(ctx, acct)
	}

	for attempt := 0; attempt < lockWaitTries; attempt++ {
		var tok string
		err := distlock.Do(ctx, m.locks("oauth-token:"+acct.ID, tokenLockTTL), func(ctx context.Context) error {
			// the previous holder may have finished while we waited
			if t, ok, err := m.reload(ctx, acct, rejected); err != nil || ok {
				tok = t
				return err
			}
			var err error
			tok, err = m.exchange(ctx, acct)
			return err
		})
		if !errors.Is(err, distlock.ErrNotAcquired) {
			return tok, err
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(lockWaitStep):
		}
		if t, ok, err := m.reload(ctx, acct, rejected); err != nil || ok {
			return t, err
		}
	}
	return "", fmt.Errorf("token refresh for account %s still locked elsewhere", acct.ID)
}

// reload re-reads the stored account and reports whether it already holds
// a token that can be used.
func (m *TokenManager) reload(ctx context.Context, acct *domain.EmailAccount, rejected string) (string, bool, error) {
	cur, err := m.store.Get(ctx, acct.ID)
	if err != nil {
		return "", false, fmt.Errorf("reload account: %w", err)
	}
	*acct = *cur
	if !acct.SyncEnabled {
		return "", false, ErrReauthRequired
	}
	if acct.AccessToken == rejected {
		return "", false, nil
	}
	if acct.TokenFresh(m.now(), refreshSkew) {
		return acct.AccessToken, true, nil
	}
	return "", false, nil
}

func (m *TokenManager) exchange(ctx context.Context, acct *domain.EmailAccount) (string, error) {
	cfg, ok := m.configs[acct.Provider]
	if !ok {
		return "", fmt.Errorf("%w: no oauth client for %s", ErrNotConfigured, acct.Provider)
	}
	if acct.RefreshToken == "" {
		return "", m.reauth(ctx, acct, errors.New("no refresh token"))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: acct.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && (re.Response == nil || re.Response.StatusCode < 500) {
			return "", m.reauth(ctx, acct, err)
		}
		return "", fmt.Errorf("refresh token for account %s: %w", acct.ID, err)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = acct.RefreshToken
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = m.now().Add(time.Hour)
	}
	if err := m.store.UpdateTokens(ctx, acct.ID, tok.AccessToken, refreshToken, expiry); err != nil {
		return "", fmt.Errorf("store refreshed token: %w", err)
	}

	acct.AccessToken = tok.AccessToken
	acct.RefreshToken = refreshToken
	acct.TokenExpiresAt = &expiry
	log.Printf("[Tokens] Refreshed %s token for account %s (expires %s)", acct.Provider, acct.ID, expiry.Format(time.RFC3339))
	return tok.AccessToken, nil
}

func (m *TokenManager) reauth(ctx context.Context, acct *domain.EmailAccount, cause error) error {
	log.Printf("[Tokens] Account %s needs re-authentication: %v", acct.ID, cause)
	if err := m.store.MarkReauthRequired(ctx, acct.ID); err != nil {
		return fmt.Errorf("mark account %s for re-auth: %w", acct.ID, err)
	}
	acct.SyncEnabled = false
	acct.AccessToken = ""
	acct.TokenExpiresAt = nil
	return fmt.Errorf("%w: %v", ErrReauthRequired, cause)
}
