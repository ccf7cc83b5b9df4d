package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/events"
	"github.com/nlc-ai/mailflow/internal/pkg/logger"
	"github.com/nlc-ai/mailflow/internal/service/message"
)

// MessageStore is the slice of the message store the ingestor writes to.
type MessageStore interface {
	Get(ctx context.Context, id string) (*domain.Message, error)
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.Message, error)
	MergeAnalytics(ctx context.Context, id string, u domain.AnalyticsUpdate) (bool, error)
	MarkBounced(ctx context.Context, id string, u domain.AnalyticsUpdate) (bool, error)
	CancelByRecipient(ctx context.Context, email string, reason domain.CancelReason) (int, error)
}

// Suppressor adds addresses to the suppression list.
type Suppressor interface {
	Suppress(ctx context.Context, email string, reason domain.SuppressionReason, source domain.SuppressionSource, messageID string) error
}

// ConsentRevoker clears marketing consent for every contact with an address.
type ConsentRevoker interface {
	OptOutByEmail(ctx context.Context, email string) (int, error)
}

// Result summarizes one webhook delivery.
type Result struct {
	Received   int `json:"received"`
	Processed  int `json:"processed"`
	Failed     int `json:"failed"`
	Duplicates int `json:"duplicates"`
	Ignored    int `json:"ignored"`
}

// Ingestor turns provider webhook events into message analytics and
// recipient-level cascades.
type Ingestor struct {
	messages     MessageStore
	suppressions Suppressor
	contacts     ConsentRevoker
	publisher    events.Publisher
	verifier     *Verifier
	dedup        Deduper
	now          func() time.Time
}

// NewIngestor creates an ingestor. dedup may be nil.
func NewIngestor(messages MessageStore, suppressions Suppressor, contacts ConsentRevoker, publisher events.Publisher, verifier *Verifier, dedup Deduper) *Ingestor {
	if verifier == nil {
		verifier = NewVerifier("")
	}
	if !verifier.Enabled() {
		log.Println("[Webhook] WARNING: no signing key configured, webhook signatures are not verified")
	}
	return &Ingestor{
		messages:     messages,
		suppressions: suppressions,
		contacts:     contacts,
		publisher:    publisher,
		verifier:     verifier,
		dedup:        dedup,
		now:          time.Now,
	}
}

// SetClock overrides the time source used for events without a timestamp.
func (in *Ingestor) SetClock(now func() time.Time) { in.now = now }

// Ingest verifies and applies every payload. A payload that fails never
// stops the rest of the batch.
func (in *Ingestor) Ingest(ctx context.Context, payloads []Payload) Result {
	res := Result{Received: len(payloads)}
	for i := range payloads {
		p := &payloads[i]
		switch err := in.ingestOne(ctx, p); {
		case err == nil:
			res.Processed++
		case errors.Is(err, errDuplicate):
			res.Duplicates++
		case errors.Is(err, errIgnored):
			res.Ignored++
		default:
			res.Failed++
			logger.Error("webhook event failed",
				"event", p.EventData.Event, "event_id", p.EventData.ID,
				"recipient", p.EventData.Recipient, "error", err)
		}
	}
	return res
}

var (
	errDuplicate = errors.New("duplicate event")
	errIgnored   = errors.New("ignored event")
)

func (in *Ingestor) ingestOne(ctx context.Context, p *Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s event: %v", p.EventData.Event, r)
		}
	}()

	if err := in.verifier.Verify(p.Signature); err != nil {
		return err
	}

	if in.dedup != nil {
		first, err := in.dedup.First(ctx, p.DedupKey())
		if err != nil {
			// the handlers are idempotent, so a dedup outage only costs repeat work
			logger.Warn("webhook dedup unavailable", "error", err)
		} else if !first {
			return errDuplicate
		}
	}

	return in.Handle(ctx, &p.EventData)
}

// Handle applies a single verified event.
func (in *Ingestor) Handle(ctx context.Context, e *EventData) error {
	at := e.Timestamp.Time
	if at.IsZero() {
		at = in.now()
	}
	at = at.UTC()

	switch e.Event {
	case EventDelivered:
		return in.engagement(ctx, e, domain.AnalyticsUpdate{Kind: domain.AnalyticsDelivered, At: at}, "")
	case EventOpened:
		return in.engagement(ctx, e, domain.AnalyticsUpdate{Kind: domain.AnalyticsOpened, At: at}, domain.EventEmailOpened)
	case EventClicked:
		return in.engagement(ctx, e, domain.AnalyticsUpdate{Kind: domain.AnalyticsClicked, At: at, URL: e.URL}, domain.EventEmailClicked)
	case EventFailed, EventBounced:
		return in.bounce(ctx, e, at)
	case EventComplained:
		return in.complaint(ctx, e, at)
	case EventUnsubscribed:
		return in.unsubscribe(ctx, e, at)
	default:
		return fmt.Errorf("%w: %s", errIgnored, e.Event)
	}
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

func (in *Ingestor) engagement(ctx context.Context, e *EventData, u domain.AnalyticsUpdate, evtType domain.EventType) error {
	m, err := in.lookup(ctx, e)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: %s for unknown message", errIgnored, e.Event)
	}

	changed, err := in.messages.MergeAnalytics(ctx, m.ID, u)
	if err != nil {
		return fmt.Errorf("merge %s: %w", u.Kind, err)
	}
	if changed && evtType != "" {
		evt := domain.NewMessageEvent(m)
		evt.URL = u.URL
		events.Emit(ctx, in.publisher, domain.NewEvent(evtType, u.At, evt))
	}
	return nil
}

func (in *Ingestor) bounce(ctx context.Context, e *EventData, at time.Time) error {
	severity := domain.BounceTemporary
	if e.Event == EventBounced || e.Severity == string(domain.BouncePermanent) {
		severity = domain.BouncePermanent
	}
	reason := e.FailureReason()

	m, err := in.lookup(ctx, e)
	if err != nil {
		return err
	}

	var errs []error
	messageID := ""
	if m != nil {
		messageID = m.ID
		u := domain.AnalyticsUpdate{Kind: domain.AnalyticsBounced, At: at, Reason: reason, Severity: severity}
		changed, err := in.messages.MarkBounced(ctx, m.ID, u)
		if err != nil {
			errs = append(errs, fmt.Errorf("mark bounced: %w", err))
		} else if changed {
			evt := domain.NewMessageEvent(m)
			evt.Reason = reason
			events.Emit(ctx, in.publisher, domain.NewEvent(domain.EventEmailBounced, at, evt))
		}
	}

	if severity == domain.BouncePermanent {
		cancelled, err := in.cascade(ctx, e.Recipient, messageID, domain.ReasonHardBounce, domain.CancelBounced)
		if err != nil {
			errs = append(errs, err)
		}
		log.Printf("[Webhook] Hard bounce for %s, cancelled %d pending messages",
			logger.RedactEmail(e.Recipient), cancelled)
	}
	return errors.Join(errs...)
}

func (in *Ingestor) complaint(ctx context.Context, e *EventData, at time.Time) error {
	m, err := in.lookup(ctx, e)
	if err != nil {
		return err
	}

	var errs []error
	messageID := ""
	if m != nil {
		messageID = m.ID
		if _, err := in.messages.MergeAnalytics(ctx, m.ID, domain.AnalyticsUpdate{Kind: domain.AnalyticsComplained, At: at}); err != nil {
			errs = append(errs, fmt.Errorf("merge complaint: %w", err))
		}
	}

	cancelled, err := in.cascade(ctx, e.Recipient, messageID, domain.ReasonComplaint, domain.CancelComplained)
	if err != nil {
		errs = append(errs, err)
	}
	events.Emit(ctx, in.publisher, domain.NewEvent(domain.EventEmailComplained, at, domain.RecipientEvent{
		Email:     domain.NormalizeEmail(e.Recipient),
		MessageID: messageID,
		Cancelled: cancelled,
		Reason:    string(domain.ReasonComplaint),
	}))
	log.Printf("[Webhook] Spam complaint from %s, cancelled %d pending messages",
		logger.RedactEmail(e.Recipient), cancelled)
	return errors.Join(errs...)
}

func (in *Ingestor) unsubscribe(ctx context.Context, e *EventData, at time.Time) error {
	m, err := in.lookup(ctx, e)
	if err != nil {
		return err
	}

	var errs []error
	messageID := ""
	if m != nil {
		messageID = m.ID
		if _, err := in.messages.MergeAnalytics(ctx, m.ID, domain.AnalyticsUpdate{Kind: domain.AnalyticsUnsubscribed, At: at}); err != nil {
			errs = append(errs, fmt.Errorf("merge unsubscribe: %w", err))
		}
	}

	if in.contacts != nil {
		if _, err := in.contacts.OptOutByEmail(ctx, e.Recipient); err != nil {
			errs = append(errs, fmt.Errorf("revoke consent: %w", err))
		}
	}

	cancelled, err := in.cascade(ctx, e.Recipient, messageID, domain.ReasonUnsubscribe, domain.CancelUnsubscribed)
	if err != nil {
		errs = append(errs, err)
	}
	events.Emit(ctx, in.publisher, domain.NewEvent(domain.EventEmailUnsubscribed, at, domain.RecipientEvent{
		Email:     domain.NormalizeEmail(e.Recipient),
		MessageID: messageID,
		Cancelled: cancelled,
		Reason:    string(domain.ReasonUnsubscribe),
	}))
	log.Printf("[Webhook] Unsubscribe from %s, cancelled %d pending messages",
		logger.RedactEmail(e.Recipient), cancelled)
	return errors.Join(errs...)
}

// cascade suppresses the address and cancels whatever is still queued for it.
func (in *Ingestor) cascade(ctx context.Context, email, messageID string, reason domain.SuppressionReason, cancel domain.CancelReason) (int, error) {
	if domain.NormalizeEmail(email) == "" {
		return 0, fmt.Errorf("%w: event has no recipient", ErrMalformedPayload)
	}

	var errs []error
	if err := in.suppressions.Suppress(ctx, email, reason, domain.SourceESPWebhook, messageID); err != nil {
		errs = append(errs, fmt.Errorf("suppress: %w", err))
	}
	cancelled, err := in.messages.CancelByRecipient(ctx, domain.NormalizeEmail(email), cancel)
	if err != nil {
		errs = append(errs, fmt.Errorf("cancel queued messages: %w", err))
	}
	return cancelled, errors.Join(errs...)
}

// lookup resolves the message an event refers to. A nil message with a nil
// error means the event cannot be tied to any message we sent.
func (in *Ingestor) lookup(ctx context.Context, e *EventData) (*domain.Message, error) {
	id, providerID := e.MessageID()
	if id != "" {
		m, err := in.messages.Get(ctx, id)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, message.ErrNotFound) {
			return nil, fmt.Errorf("get message %s: %w", id, err)
		}
	}
	if providerID != "" {
		m, err := in.messages.FindByProviderMessageID(ctx, providerID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, message.ErrNotFound) {
			return nil, fmt.Errorf("find message by provider id: %w", err)
		}
	}
	return nil, nil
}
