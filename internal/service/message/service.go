package message

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/events"
	"github.com/nlc-ai/mailflow/internal/pkg/logger"
	"github.com/nlc-ai/mailflow/internal/service/template"
)

const (
	defaultRetryLimit = 50
	maxRetryLimit     = 500
)

// Renderer resolves a template reference into final content.
type Renderer interface {
	Render(ctx context.Context, ref template.Ref, vars map[string]any) (*domain.RenderedEmail, error)
}

// Dispatcher delivers one message right away, bypassing the sweep. It
// returns the message as stored after the attempt.
type Dispatcher interface {
	Dispatch(ctx context.Context, id string) (*domain.Message, error)
}

// Service implements the caller-facing message operations. All public
// methods are safe for concurrent use if the underlying repository is
// concurrency-safe.
type Service struct {
	repo       Repository
	renderer   Renderer
	dispatcher Dispatcher
	publisher  events.Publisher
	now        func() time.Time
}

// NewService creates a message service backed by the given repository.
// renderer may be nil when no template-based messages are created.
func NewService(repo Repository, renderer Renderer, publisher events.Publisher) *Service {
	return &Service{repo: repo, renderer: renderer, publisher: publisher, now: time.Now}
}

// SetDispatcher wires synchronous delivery for immediate messages. Without
// one, immediate messages wait for the next delivery sweep.
func (s *Service) SetDispatcher(d Dispatcher) { s.dispatcher = d }

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CreateInput describes a message to queue.
type CreateInput struct {
	From             string
	To               []string
	Subject          string
	Text             string
	HTML             string
	ScheduledFor     *time.Time
	TemplateID       string
	TemplateKey      string
	Variables        map[string]any
	Correlation      domain.Correlation
	FallbackToSystem bool
	// Deferred messages are always stored as scheduled at ScheduledFor, even
	// when that time has passed, and are left for the sweep. Sequence
	// materialization uses this so steps never send inline.
	Deferred bool
	Context  map[string]string
}

// CreateResult is returned to the caller of Create.
type CreateResult struct {
	MessageID         string               `json:"message_id"`
	ScheduledFor      time.Time            `json:"scheduled_for"`
	Status            domain.MessageStatus `json:"status"`
	ProviderMessageID string               `json:"provider_message_id,omitempty"`
	Error             string               `json:"error,omitempty"`
}

// Get returns a single message.
func (s *Service) Get(ctx context.Context, id string) (*domain.Message, error) {
	return s.repo.Get(ctx, id)
}

// Create validates, renders and persists a message. Immediate messages are
// delivered synchronously when a dispatcher is set; the result then carries
// the outcome of that attempt.
func (s *Service) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	now := s.now()

	to, err := normalizeRecipients(in.To)
	if err != nil {
		return nil, err
	}

	subject, html, text := in.Subject, in.HTML, in.Text
	corr := in.Correlation
	if in.TemplateID != "" || in.TemplateKey != "" {
		if s.renderer == nil {
			return nil, fmt.Errorf("%w: templates are not available", ErrInvalidInput)
		}
		rendered, err := s.renderer.Render(ctx, template.Ref{
			ID:        in.TemplateID,
			OwnerID:   corr.CoachID,
			SystemKey: in.TemplateKey,
		}, in.Variables)
		if err != nil {
			return nil, err
		}
		if subject == "" {
			subject = rendered.Subject
		}
		if html == "" {
			html = rendered.HTML
		}
		if text == "" {
			text = rendered.Text
		}
		if in.TemplateID != "" {
			corr.TemplateID = in.TemplateID
		}
	}

	if subject == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if html == "" && text == "" {
		return nil, fmt.Errorf("%w: a text or html body is required", ErrInvalidInput)
	}

	scheduled := in.ScheduledFor
	if scheduled != nil && scheduled.IsZero() {
		scheduled = nil
	}
	immediate := scheduled == nil || !scheduled.After(now)

	status := domain.MessageScheduled
	at := now
	switch {
	case in.Deferred:
		if scheduled != nil {
			at = *scheduled
		}
	case immediate:
		status = domain.MessagePending
	default:
		at = *scheduled
	}
	at = at.UTC()

	m := &domain.Message{
		ID:               uuid.New().String(),
		From:             in.From,
		To:               to,
		Subject:          subject,
		Text:             text,
		HTML:             html,
		Status:           status,
		ScheduledFor:     &at,
		FallbackToSystem: in.FallbackToSystem,
		Correlation:      corr,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for k, v := range in.Context {
		m.SetContext(k, v)
	}

	if err := s.repo.Create(ctx, m); err != nil {
		return nil, err
	}

	result := &CreateResult{MessageID: m.ID, ScheduledFor: at, Status: m.Status}
	if status != domain.MessagePending || s.dispatcher == nil {
		return result, nil
	}

	final, err := s.dispatcher.Dispatch(ctx, m.ID)
	if err != nil {
		// the message stays pending and the next sweep delivers it
		logger.Warn("immediate dispatch failed", "message_id", m.ID, "error", err)
		return result, nil
	}
	result.Status = final.Status
	result.ProviderMessageID = final.ProviderMessageID
	result.Error = final.ErrorMessage
	return result, nil
}

// Pause moves the correlated scheduled messages to paused.
func (s *Service) Pause(ctx context.Context, f CorrelationFilter) (int, error) {
	if f.IsEmpty() {
		return 0, ErrEmptyCorrelation
	}
	n, err := s.repo.UpdateStatusByCorrelation(ctx, f,
		[]domain.MessageStatus{domain.MessageScheduled}, domain.MessagePaused, "")
	if err != nil {
		return 0, err
	}
	logger.Info("messages paused", "count", n, "filter", fmt.Sprintf("%+v", f))
	return n, nil
}

// Resume moves the correlated paused messages back to scheduled.
func (s *Service) Resume(ctx context.Context, f CorrelationFilter) (int, error) {
	if f.IsEmpty() {
		return 0, ErrEmptyCorrelation
	}
	n, err := s.repo.UpdateStatusByCorrelation(ctx, f,
		[]domain.MessageStatus{domain.MessagePaused}, domain.MessageScheduled, "")
	if err != nil {
		return 0, err
	}
	logger.Info("messages resumed", "count", n, "filter", fmt.Sprintf("%+v", f))
	return n, nil
}

// Cancel cancels every correlated message that has not started delivery.
func (s *Service) Cancel(ctx context.Context, f CorrelationFilter) (int, error) {
	if f.IsEmpty() {
		return 0, ErrEmptyCorrelation
	}
	n, err := s.repo.UpdateStatusByCorrelation(ctx, f,
		[]domain.MessageStatus{domain.MessagePending, domain.MessageScheduled, domain.MessagePaused},
		domain.MessageCancelled, domain.CancelByUser)
	if err != nil {
		return 0, err
	}
	logger.Info("messages cancelled", "count", n, "filter", fmt.Sprintf("%+v", f))
	return n, nil
}

// EmergencyPause pauses everything a coach has scheduled and announces it.
func (s *Service) EmergencyPause(ctx context.Context, coachID, reason string) (int, error) {
	if coachID == "" {
		return 0, fmt.Errorf("%w: coach id is required", ErrInvalidInput)
	}
	n, err := s.Pause(ctx, CorrelationFilter{CoachID: coachID})
	if err != nil {
		return 0, err
	}
	events.Emit(ctx, s.publisher, domain.NewEvent(domain.EventEmailEmergencyPaused, s.now(),
		domain.EmergencyPauseEvent{CoachID: coachID, Paused: n, Reason: reason}))
	logger.Warn("emergency pause", "coach_id", coachID, "paused", n, "reason", reason)
	return n, nil
}

// RetryFailed re-queues up to limit failed messages. Each one is cloned into
// a fresh scheduled message with a zero retry count; the original stays
// failed and records the id of its replacement, so it is never retried twice.
func (s *Service) RetryFailed(ctx context.Context, coachID string, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultRetryLimit
	}
	if limit > maxRetryLimit {
		limit = maxRetryLimit
	}

	failed, err := s.repo.ListFailed(ctx, coachID, limit)
	if err != nil {
		return 0, err
	}

	now := s.now().UTC()
	retried := 0
	for i := range failed {
		orig := &failed[i]
		clone := &domain.Message{
			ID:               uuid.New().String(),
			From:             orig.From,
			To:               append([]string(nil), orig.To...),
			Subject:          orig.Subject,
			Text:             orig.Text,
			HTML:             orig.HTML,
			Status:           domain.MessageScheduled,
			ScheduledFor:     &now,
			FallbackToSystem: orig.FallbackToSystem,
			Correlation:      orig.Correlation,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		clone.SetContext(domain.ContextRetryOf, orig.ID)

		if err := s.repo.Create(ctx, clone); err != nil {
			logger.Error("retry clone failed", "message_id", orig.ID, "error", err)
			continue
		}
		if err := s.repo.MarkRetried(ctx, orig.ID, clone.ID); err != nil {
			logger.Error("mark retried failed", "message_id", orig.ID, "clone_id", clone.ID, "error", err)
		}
		retried++
	}
	logger.Info("failed messages requeued", "coach_id", coachID, "retried", retried, "candidates", len(failed))
	return retried, nil
}

func normalizeRecipients(to []string) ([]string, error) {
	if len(to) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrInvalidInput)
	}
	out := make([]string, 0, len(to))
	seen := make(map[string]bool, len(to))
	for _, raw := range to {
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid recipient %q", ErrInvalidInput, raw)
		}
		email := domain.NormalizeEmail(addr.Address)
		if seen[email] {
			continue
		}
		seen[email] = true
		out = append(out, email)
	}
	return out, nil
}
