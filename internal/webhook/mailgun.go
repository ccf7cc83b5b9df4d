package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for webhook parsing and verification.
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Mailgun event names. "bounced" is the legacy name for a permanent failure.
const (
	EventDelivered    = "delivered"
	EventOpened       = "opened"
	EventClicked      = "clicked"
	EventFailed       = "failed"
	EventBounced      = "bounced"
	EventComplained   = "complained"
	EventUnsubscribed = "unsubscribed"
)

// Signature is the per-event signing block Mailgun attaches to a webhook.
type Signature struct {
	Timestamp string `json:"timestamp"`
	Token     string `json:"token"`
	Signature string `json:"signature"`
}

// Payload is one Mailgun webhook delivery.
type Payload struct {
	Signature Signature `json:"signature"`
	EventData EventData `json:"event-data"`
}

// EventData is the event body of a Mailgun webhook.
type EventData struct {
	ID             string            `json:"id"`
	Event          string            `json:"event"`
	Timestamp      EpochTime         `json:"timestamp"`
	Recipient      string            `json:"recipient"`
	Severity       string            `json:"severity,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	URL            string            `json:"url,omitempty"`
	DeliveryStatus DeliveryStatus    `json:"delivery-status"`
	Message        MessageInfo       `json:"message"`
	UserVariables  map[string]string `json:"user-variables,omitempty"`
}

// DeliveryStatus carries the remote server's verdict for failed events.
type DeliveryStatus struct {
	Code        int    `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Description string `json:"description,omitempty"`
}

// MessageInfo identifies the message an event is about.
type MessageInfo struct {
	Headers MessageHeaders `json:"headers"`
}

// MessageHeaders holds the headers Mailgun echoes back.
type MessageHeaders struct {
	MessageID string `json:"message-id"`
}

// EpochTime decodes Unix timestamps sent as integers, fractional numbers or
// numeric strings.
type EpochTime struct {
	time.Time
}

func (t *EpochTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	sec, frac := math.Modf(f)
	t.Time = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	return nil
}

func (t EpochTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, float64(t.UnixNano())/1e9, 'f', -1, 64), nil
}

// MessageID returns the id of our message the event refers to: the
// message_id user variable stamped at send time, falling back to the
// provider Message-ID header.
func (e *EventData) MessageID() (id string, providerID string) {
	id = strings.TrimSpace(e.UserVariables["message_id"])
	providerID = strings.Trim(strings.TrimSpace(e.Message.Headers.MessageID), "<>")
	return id, providerID
}

// FailureReason returns the most descriptive failure reason available.
func (e *EventData) FailureReason() string {
	switch {
	case e.DeliveryStatus.Description != "":
		return e.DeliveryStatus.Description
	case e.DeliveryStatus.Message != "":
		return e.DeliveryStatus.Message
	default:
		return e.Reason
	}
}

// DedupKey identifies the event for replay filtering.
func (p *Payload) DedupKey() string {
	if p.EventData.ID != "" {
		return p.EventData.ID
	}
	return p.Signature.Token
}

// ParsePayloads decodes a webhook body holding either one payload object or
// an array of them. Array elements are decoded one by one; those that do not
// decode are counted in malformed and left out. The error is reserved for
// bodies that are not a payload or an array at all.
func ParsePayloads(body []byte) (payloads []Payload, malformed int, err error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, 0, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}

	if trimmed[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		payloads = make([]Payload, 0, len(raw))
		for i, item := range raw {
			var p Payload
			if err := json.Unmarshal(item, &p); err != nil {
				log.Printf("[Webhook] Skipping malformed event %d of %d: %v", i+1, len(raw), err)
				malformed++
				continue
			}
			payloads = append(payloads, p)
		}
		return payloads, malformed, nil
	}

	var p Payload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return []Payload{p}, 0, nil
}

// =============================================================================
// SIGNATURE VERIFICATION
// =============================================================================

// Verifier checks Mailgun webhook signatures: HMAC-SHA256 over
// timestamp+token keyed with the webhook signing key.
type Verifier struct {
	key []byte
}

// NewVerifier creates a verifier. With an empty key every signature is
// accepted; Enabled reports which mode is active.
func NewVerifier(signingKey string) *Verifier {
	return &Verifier{key: []byte(signingKey)}
}

// Enabled reports whether signatures are actually checked.
func (v *Verifier) Enabled() bool { return len(v.key) > 0 }

// Verify returns ErrInvalidSignature unless sig was produced with the key.
func (v *Verifier) Verify(sig Signature) error {
	if !v.Enabled() {
		return nil
	}
	if sig.Timestamp == "" || sig.Token == "" || sig.Signature == "" {
		return fmt.Errorf("%w: missing fields", ErrInvalidSignature)
	}
	expected := Sign(v.key, sig.Timestamp, sig.Token)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig.Signature))) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the hex signature Mailgun sends for timestamp and token.
func Sign(key []byte, timestamp, token string) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(timestamp + token))
	return hex.EncodeToString(h.Sum(nil))
}
