package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/events"
	"github.com/nlc-ai/mailflow/internal/pkg/logger"
	"github.com/nlc-ai/mailflow/internal/provider"
	"github.com/nlc-ai/mailflow/internal/service/message"
)

// Outcome is how one delivery attempt ended.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeRetried Outcome = "retried"
	OutcomeFailed  Outcome = "failed"
)

// ProviderSelector picks the provider for a message.
type ProviderSelector interface {
	Select(ctx context.Context, m *domain.Message) (provider.Selection, error)
	System() provider.Selection
}

// ContactToucher records successful sends on correlated contacts.
type ContactToucher interface {
	TouchLastContacted(ctx context.Context, corr domain.Correlation, at time.Time) error
}

// ThreadUpdater advances a mailbox thread after a reply goes out.
type ThreadUpdater interface {
	UpdateThreadLastMessage(ctx context.Context, threadID, providerMessageID string, at time.Time) error
}

// Deliverer sends claimed messages and records the result.
type Deliverer struct {
	repo       message.Repository
	selector   ProviderSelector
	contacts   ContactToucher
	threads    ThreadUpdater
	publisher  events.Publisher
	maxRetries int
	baseDelay  time.Duration
	now        func() time.Time
}

// NewDeliverer creates a deliverer. A retry waits baseDelay times the
// attempt number; after maxRetries attempts the message fails.
func NewDeliverer(repo message.Repository, selector ProviderSelector, contacts ContactToucher, threads ThreadUpdater, publisher events.Publisher, maxRetries int, baseDelay time.Duration) *Deliverer {
	return &Deliverer{
		repo:       repo,
		selector:   selector,
		contacts:   contacts,
		threads:    threads,
		publisher:  publisher,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		now:        time.Now,
	}
}

// Deliver sends a message that the caller has already claimed. It never
// panics; a panic inside a provider is treated as a failed attempt. The
// returned error is only set when the outcome could not be stored.
func (d *Deliverer) Deliver(ctx context.Context, m *domain.Message) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Delivery] Panic delivering %s: %v", m.ID, r)
			outcome, err = d.retryOrFail(ctx, m, fmt.Errorf("panic: %v", r))
		}
	}()

	sel, err := d.selector.Select(ctx, m)
	if errors.Is(err, provider.ErrReauthRequired) {
		return d.reauthRequired(ctx, m, sel, err)
	}
	if err != nil {
		return d.retryOrFail(ctx, m, err)
	}

	res := sel.Provider.Send(ctx, m, sel.Options())
	if !res.OK() && errors.Is(res.Err, provider.ErrReauthRequired) {
		return d.reauthRequired(ctx, m, sel, res.Err)
	}
	if !res.OK() && sel.Account != nil && sel.FallbackAllowed {
		log.Printf("[Delivery] %s failed via account %s (%s), falling back to system provider", m.ID, sel.Account.ID, res.Error)
		sel = d.selector.System()
		res = sel.Provider.Send(ctx, m, provider.SendOptions{})
	}
	if !res.OK() {
		return d.retryOrFail(ctx, m, res.Err)
	}
	return d.sent(ctx, m, sel, res)
}

func (d *Deliverer) sent(ctx context.Context, m *domain.Message, sel provider.Selection, res provider.DeliveryResult) (Outcome, error) {
	now := d.now().UTC()
	sr := message.SentResult{
		ProviderMessageID: res.ProviderMessageID,
		Provider:          res.Provider,
		SentAt:            now,
	}
	if sel.Account != nil {
		sr.AccountID = sel.Account.ID
	}
	if err := d.repo.MarkSent(ctx, m.ID, sr); err != nil {
		return OutcomeSent, fmt.Errorf("mark %s sent: %w", m.ID, err)
	}
	m.Status = domain.MessageSent
	m.ProviderMessageID = res.ProviderMessageID
	m.SentAt = &now

	// bookkeeping failures must not turn a delivered message into a retry
	if err := d.contacts.TouchLastContacted(ctx, m.Correlation, now); err != nil {
		log.Printf("[Delivery] Failed to update last contacted for %s: %v", m.ID, err)
	}
	if sel.Thread != nil && res.ThreadMessageID != "" {
		if err := d.threads.UpdateThreadLastMessage(ctx, sel.Thread.ID, res.ThreadMessageID, now); err != nil {
			log.Printf("[Delivery] Failed to update thread %s: %v", sel.Thread.ID, err)
		}
	}

	evt := domain.NewMessageEvent(m)
	evt.Provider = res.Provider
	events.Emit(ctx, d.publisher, domain.NewEvent(domain.EventEmailSent, now, evt))
	log.Printf("[Delivery] Sent %s via %s to %v", m.ID, res.Provider, logger.RedactEmails(m.To))
	return OutcomeSent, nil
}

// retryOrFail consumes one attempt. The message goes back to scheduled
// with a linear backoff until the attempts run out.
func (d *Deliverer) retryOrFail(ctx context.Context, m *domain.Message, cause error) (Outcome, error) {
	if cause == nil {
		cause = errors.New("unknown delivery error")
	}
	now := d.now().UTC()
	next := m.RetryCount + 1

	if next >= d.maxRetries {
		if err := d.repo.MarkFailed(ctx, m.ID, cause.Error(), next, ""); err != nil {
			return OutcomeFailed, fmt.Errorf("mark %s failed: %w", m.ID, err)
		}
		m.Status = domain.MessageFailed
		m.RetryCount = next
		d.emitFailed(ctx, m, cause.Error(), now)
		log.Printf("[Delivery] %s failed permanently after %d attempts: %v", m.ID, next, cause)
		return OutcomeFailed, nil
	}

	at := now.Add(d.baseDelay * time.Duration(next))
	if err := d.repo.Reschedule(ctx, m.ID, at, next, cause.Error()); err != nil {
		return OutcomeRetried, fmt.Errorf("reschedule %s: %w", m.ID, err)
	}
	m.Status = domain.MessageScheduled
	m.RetryCount = next
	log.Printf("[Delivery] %s attempt %d failed, retrying at %s: %v", m.ID, next, at.Format(time.RFC3339), cause)
	return OutcomeRetried, nil
}

// reauthRequired handles a mailbox whose credentials no longer work. That
// is an account problem, not a content problem, so no attempt is consumed:
// a thread reply fails outright since it may only go out from its own
// mailbox, anything else is retried and the next selection skips the
// disabled account.
func (d *Deliverer) reauthRequired(ctx context.Context, m *domain.Message, sel provider.Selection, cause error) (Outcome, error) {
	now := d.now().UTC()

	if m.IsThreadReply() {
		if err := d.repo.MarkFailed(ctx, m.ID, cause.Error(), m.RetryCount, domain.FailureAccountReauth); err != nil {
			return OutcomeFailed, fmt.Errorf("mark %s failed: %w", m.ID, err)
		}
		m.Status = domain.MessageFailed
		d.emitFailed(ctx, m, domain.FailureAccountReauth, now)
		log.Printf("[Delivery] Thread reply %s failed: account needs re-authentication", m.ID)
		return OutcomeFailed, nil
	}

	if sel.FallbackAllowed {
		sys := d.selector.System()
		res := sys.Provider.Send(ctx, m, provider.SendOptions{})
		if res.OK() {
			return d.sent(ctx, m, sys, res)
		}
		return d.retryOrFail(ctx, m, res.Err)
	}

	if err := d.repo.Reschedule(ctx, m.ID, now, m.RetryCount, cause.Error()); err != nil {
		return OutcomeRetried, fmt.Errorf("reschedule %s: %w", m.ID, err)
	}
	m.Status = domain.MessageScheduled
	log.Printf("[Delivery] %s rescheduled: sending account needs re-authentication", m.ID)
	return OutcomeRetried, nil
}

func (d *Deliverer) emitFailed(ctx context.Context, m *domain.Message, reason string, at time.Time) {
	evt := domain.NewMessageEvent(m)
	evt.Reason = reason
	events.Emit(ctx, d.publisher, domain.NewEvent(domain.EventEmailFailed, at, evt))
}
