package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/pkg/httpretry"
)

// mailbox holds what the Gmail and Outlook providers share: the account they
// send as, its token manager and the HTTP client.
type mailbox struct {
	account *domain.EmailAccount
	tokens  *TokenManager
	client  httpretry.HTTPDoer
	baseURL string

	sent   atomic.Int64
	failed atomic.Int64
}

// authorizedDo sends the request built by build with a fresh bearer token.
// A 401 triggers one forced refresh and one resend.
func (b *mailbox) authorizedDo(ctx context.Context, build func(token string) (*http.Request, error)) (*http.Response, error) {
	token, err := b.tokens.EnsureFresh(ctx, b.account)
	if err != nil {
		return nil, err
	}
	resp, err := b.do(build, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	token, err = b.tokens.ForceRefresh(ctx, b.account)
	if err != nil {
		return nil, err
	}
	return b.do(build, token)
}

func (b *mailbox) do(build func(string) (*http.Request, error), token string) (*http.Response, error) {
	req, err := build(token)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return b.client.Do(req)
}

func (b *mailbox) record(res DeliveryResult) DeliveryResult {
	if res.OK() {
		b.sent.Add(1)
	} else {
		b.failed.Add(1)
	}
	return res
}

// health reports mailbox usability; no request is made so that health checks
// never spend a token refresh.
func (b *mailbox) health(kind domain.ProviderKind) Health {
	h := Health{Provider: kind, Sent: b.sent.Load(), Failed: b.failed.Load(), CheckedAt: time.Now().UTC()}
	switch {
	case !b.account.Usable():
		h.Detail = "account requires re-authentication"
	case b.account.TokenExpiresAt != nil:
		h.Healthy = true
		h.Detail = "token expires " + b.account.TokenExpiresAt.UTC().Format(time.RFC3339)
	default:
		h.Healthy = true
	}
	return h
}

func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
}
