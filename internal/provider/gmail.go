package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/nlc-ai/mailflow/internal/domain"
)

// DefaultGmailBaseURL is the Gmail API root.
const DefaultGmailBaseURL = "https://gmail.googleapis.com"

// GmailProvider sends as a coach's connected Google mailbox.
type GmailProvider struct {
	mailbox
}

func (p *GmailProvider) Kind() domain.ProviderKind { return domain.ProviderGmail }

// Send builds an RFC 5322 message and posts it to users.messages.send.
// Replies carry the thread id plus In-Reply-To and References so Gmail
// keeps them in the conversation.
func (p *GmailProvider) Send(ctx context.Context, m *domain.Message, opts SendOptions) DeliveryResult {
	return p.record(p.send(ctx, m, opts))
}

func (p *GmailProvider) send(ctx context.Context, m *domain.Message, opts SendOptions) DeliveryResult {
	rfcID := fmt.Sprintf("%s@%s", uuid.New().String(), mailDomain(p.account.Email))
	raw, err := buildMIME(m, senderAddress(opts, p.account.Email), rfcID, opts.Thread)
	if err != nil {
		return failed(p.Kind(), m, fmt.Errorf("build message: %w", err))
	}

	payload := map[string]string{"raw": base64.RawURLEncoding.EncodeToString(raw)}
	if opts.Thread != nil && opts.Thread.ProviderThreadID != "" {
		payload["threadId"] = opts.Thread.ProviderThreadID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return failed(p.Kind(), m, err)
	}

	endpoint := p.baseURL + "/gmail/v1/users/me/messages/send"
	resp, err := p.authorizedDo(ctx, func(string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
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
		return failed(p.Kind(), m, fmt.Errorf("gmail send: %w", readError(resp)))
	}

	var out struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return failed(p.Kind(), m, fmt.Errorf("decode gmail response: %w", err))
	}

	log.Printf("[Gmail] Sent %s from %s (gmail id: %s, thread: %s)", m.ID, p.account.ID, out.ID, out.ThreadID)
	res := sent(p.Kind(), m, rfcID)
	res.ThreadMessageID = rfcID
	return res
}

func (p *GmailProvider) SendBulk(ctx context.Context, msgs []*domain.Message, opts SendOptions) []DeliveryResult {
	return sendAll(ctx, msgs, func(ctx context.Context, m *domain.Message) DeliveryResult {
		return p.Send(ctx, m, opts)
	})
}

func (p *GmailProvider) Health(context.Context) Health { return p.health(p.Kind()) }

// buildMIME renders m as a multipart/alternative message.
func buildMIME(m *domain.Message, from, messageID string, thread *domain.EmailThread) ([]byte, error) {
	sender, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parse sender %q: %w", from, err)
	}
	to := make([]*mail.Address, 0, len(m.To))
	for _, addr := range m.To {
		to = append(to, &mail.Address{Address: addr})
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{sender})
	h.SetAddressList("To", to)
	h.SetSubject(m.Subject)
	h.SetMessageID(messageID)
	if thread != nil && thread.LastProviderMessageID != "" {
		ref := []string{strings.Trim(thread.LastProviderMessageID, "<>")}
		h.SetMsgIDList("In-Reply-To", ref)
		h.SetMsgIDList("References", ref)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}
	if m.Text != "" {
		if err := writePart(iw, "text/plain", m.Text); err != nil {
			return nil, err
		}
	}
	if m.HTML != "" {
		if err := writePart(iw, "text/html", m.HTML); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(iw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(ph)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(body)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func mailDomain(email string) string {
	if _, d, ok := strings.Cut(email, "@"); ok && d != "" {
		return d
	}
	return "mailflow.local"
}
