package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/nlc-ai/mailflow/internal/domain"
)

// DefaultGraphBaseURL is the Microsoft Graph root.
const DefaultGraphBaseURL = "https://graph.microsoft.com"

// OutlookProvider sends as a coach's connected Microsoft mailbox through
// Microsoft Graph.
type OutlookProvider struct {
	mailbox
}

type graphRecipient struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphMessage struct {
	Subject           string           `json:"subject,omitempty"`
	Body              *graphBody       `json:"body,omitempty"`
	ToRecipients      []graphRecipient `json:"toRecipients"`
	InternetMessageID string           `json:"internetMessageId,omitempty"`
}

func (p *OutlookProvider) Kind() domain.ProviderKind { return domain.ProviderOutlook }

// Send uses sendMail for new conversations and the reply action when the
// message continues a thread. Graph returns 202 with no body, so the
// provider id for new messages is the internetMessageId set here.
func (p *OutlookProvider) Send(ctx context.Context, m *domain.Message, opts SendOptions) DeliveryResult {
	return p.record(p.send(ctx, m, opts))
}

func (p *OutlookProvider) send(ctx context.Context, m *domain.Message, opts SendOptions) DeliveryResult {
	msg := graphMessage{ToRecipients: recipients(m.To)}
	body := &graphBody{ContentType: "HTML", Content: m.HTML}
	if m.HTML == "" {
		body = &graphBody{ContentType: "Text", Content: m.Text}
	}

	var (
		endpoint   string
		payload    any
		providerID string
	)
	if opts.Thread != nil && opts.Thread.LastProviderMessageID != "" {
		endpoint = fmt.Sprintf("%s/v1.0/me/messages/%s/reply", p.baseURL, url.PathEscape(opts.Thread.LastProviderMessageID))
		msg.Body = body
		payload = map[string]any{"message": msg}
		// Graph assigns no id to a reply; a local one keeps ids unique
		providerID = "reply-" + uuid.New().String()
	} else {
		providerID = fmt.Sprintf("<%s@%s>", uuid.New().String(), mailDomain(p.account.Email))
		msg.Subject = m.Subject
		msg.Body = body
		msg.InternetMessageID = providerID
		endpoint = p.baseURL + "/v1.0/me/sendMail"
		payload = map[string]any{"message": msg, "saveToSentItems": true}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return failed(p.Kind(), m, err)
	}
	resp, err := p.authorizedDo(ctx, func(string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return failed(p.Kind(), m, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return failed(p.Kind(), m, fmt.Errorf("graph send: %w", readError(resp)))
	}

	log.Printf("[Outlook] Sent %s from %s (id: %s)", m.ID, p.account.ID, providerID)
	return sent(p.Kind(), m, providerID)
}

func (p *OutlookProvider) SendBulk(ctx context.Context, msgs []*domain.Message, opts SendOptions) []DeliveryResult {
	return sendAll(ctx, msgs, func(ctx context.Context, m *domain.Message) DeliveryResult {
		return p.Send(ctx, m, opts)
	})
}

func (p *OutlookProvider) Health(context.Context) Health { return p.health(p.Kind()) }

func recipients(to []string) []graphRecipient {
	out := make([]graphRecipient, len(to))
	for i, addr := range to {
		out[i].EmailAddress.Address = addr
	}
	return out
}
