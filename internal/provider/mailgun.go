package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nlc-ai/mailflow/internal/config"
	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/pkg/httpretry"
)

// MailgunProvider sends through the Mailgun Messages API. It is the default
// system provider.
type MailgunProvider struct {
	apiKey  string
	domain  string
	from    string
	baseURL string
	client  httpretry.HTTPDoer

	sent   atomic.Int64
	failed atomic.Int64
}

// NewMailgun creates a Mailgun provider. A nil client gets a send client
// with the configured timeout, which retries only 429 and 503.
func NewMailgun(cfg config.MailgunConfig, client httpretry.HTTPDoer) *MailgunProvider {
	if client == nil {
		client = httpretry.NewSendClient(&http.Client{Timeout: cfg.Timeout()}, 3)
	}
	return &MailgunProvider{
		apiKey:  cfg.APIKey,
		domain:  cfg.Domain,
		from:    cfg.From,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
	}
}

func (p *MailgunProvider) Kind() domain.ProviderKind { return domain.ProviderMailgun }

// Send delivers one message. The message id travels as the user variable
// message_id so webhook events can be matched back to it.
func (p *MailgunProvider) Send(ctx context.Context, m *domain.Message, opts SendOptions) DeliveryResult {
	res := p.send(ctx, m, opts)
	if res.OK() {
		p.sent.Add(1)
	} else {
		p.failed.Add(1)
	}
	return res
}

func (p *MailgunProvider) send(ctx context.Context, m *domain.Message, opts SendOptions) DeliveryResult {
	if p.apiKey == "" || p.domain == "" {
		return failed(p.Kind(), m, fmt.Errorf("%w: mailgun api key or domain missing", ErrNotConfigured))
	}

	form := url.Values{}
	form.Set("from", senderAddress(opts, p.from, m.From))
	form.Set("to", strings.Join(m.To, ","))
	form.Set("subject", m.Subject)
	if m.HTML != "" {
		form.Set("html", m.HTML)
	}
	if m.Text != "" {
		form.Set("text", m.Text)
	}
	form.Set("v:message_id", m.ID)
	if m.Correlation.CoachID != "" {
		form.Set("v:coach_id", m.Correlation.CoachID)
	}
	if m.Correlation.EmailSequenceID != "" {
		form.Set("v:sequence_id", m.Correlation.EmailSequenceID)
	}
	if opts.Thread != nil && opts.Thread.LastProviderMessageID != "" {
		ref := "<" + strings.Trim(opts.Thread.LastProviderMessageID, "<>") + ">"
		form.Set("h:In-Reply-To", ref)
		form.Set("h:References", ref)
	}
	form.Set("o:tracking", "yes")

	endpoint := fmt.Sprintf("%s/v3/%s/messages", p.baseURL, p.domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return failed(p.Kind(), m, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return failed(p.Kind(), m, fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return failed(p.Kind(), m, fmt.Errorf("mailgun error %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var result struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return failed(p.Kind(), m, fmt.Errorf("decode mailgun response: %w", err))
	}
	providerID := strings.Trim(result.ID, "<>")
	log.Printf("[Mailgun] Sent %s (id: %s)", m.ID, providerID)
	return sent(p.Kind(), m, providerID)
}

// SendBulk sends each message individually; failures are isolated.
func (p *MailgunProvider) SendBulk(ctx context.Context, msgs []*domain.Message, opts SendOptions) []DeliveryResult {
	return sendAll(ctx, msgs, func(ctx context.Context, m *domain.Message) DeliveryResult {
		return p.Send(ctx, m, opts)
	})
}

// Health checks the sending domain's verification state and reports the
// running send counters.
func (p *MailgunProvider) Health(ctx context.Context) Health {
	h := Health{
		Provider:  p.Kind(),
		Sent:      p.sent.Load(),
		Failed:    p.failed.Load(),
		CheckedAt: time.Now().UTC(),
	}
	if p.apiKey == "" || p.domain == "" {
		h.Detail = "not configured"
		return h
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v3/domains/%s", p.baseURL, p.domain), nil)
	if err != nil {
		h.Detail = err.Error()
		return h
	}
	req.SetBasicAuth("api", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		h.Detail = err.Error()
		return h
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		h.Detail = fmt.Sprintf("domain lookup returned %d", resp.StatusCode)
		return h
	}

	var body struct {
		Domain struct {
			State string `json:"state"`
		} `json:"domain"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		h.Detail = fmt.Sprintf("decode domain: %v", err)
		return h
	}
	h.Healthy = body.Domain.State == "active"
	h.Detail = "domain " + body.Domain.State
	return h
}
