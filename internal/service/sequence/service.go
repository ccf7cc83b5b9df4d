package sequence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/pkg/logger"
	"github.com/nlc-ai/mailflow/internal/service/message"
)

// ContactDirectory looks up the target of a sequence.
type ContactDirectory interface {
	Get(ctx context.Context, kind domain.ContactKind, id string) (*domain.Contact, error)
}

// SuppressionChecker reports whether an address must not be mailed.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, emails ...string) (bool, error)
}

// MessageCreator queues messages.
type MessageCreator interface {
	Create(ctx context.Context, in message.CreateInput) (*message.CreateResult, error)
}

// Service implements sequence business logic. It is safe for concurrent use.
type Service struct {
	repo         Repository
	contacts     ContactDirectory
	suppressions SuppressionChecker
	messages     MessageCreator
	now          func() time.Time
}

// NewService creates a sequence service.
func NewService(repo Repository, contacts ContactDirectory, suppressions SuppressionChecker, messages MessageCreator) *Service {
	return &Service{
		repo:         repo,
		contacts:     contacts,
		suppressions: suppressions,
		messages:     messages,
		now:          time.Now,
	}
}

// CreateInput holds the fields for creating a sequence.
type CreateInput struct {
	CoachID     string                `json:"coach_id" validate:"required"`
	Name        string                `json:"name" validate:"required"`
	Description string                `json:"description"`
	Steps       []domain.SequenceStep `json:"steps" validate:"required,min=1"`
}

// UpdateInput holds the mutable fields. Nil fields are left unchanged.
type UpdateInput struct {
	Name        *string               `json:"name"`
	Description *string               `json:"description"`
	Steps       []domain.SequenceStep `json:"steps"`
	IsActive    *bool                 `json:"is_active"`
}

// Target identifies who a sequence is executed against.
type Target struct {
	Kind domain.ContactKind `json:"kind"`
	ID   string             `json:"id"`
}

// StepResult reports what happened to one step during execution.
type StepResult struct {
	Order        int       `json:"order"`
	MessageID    string    `json:"message_id,omitempty"`
	ScheduledFor time.Time `json:"scheduled_for,omitempty"`
	Skipped      bool      `json:"skipped,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// ExecuteResult summarizes a sequence execution.
type ExecuteResult struct {
	SequenceID string       `json:"sequence_id"`
	Scheduled  int          `json:"scheduled"`
	Steps      []StepResult `json:"steps"`
}

// Create validates and stores a new active sequence.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Sequence, error) {
	if strings.TrimSpace(in.CoachID) == "" || strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: coach_id and name are required", ErrInvalidInput)
	}
	if err := ValidateSteps(in.Steps); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	seq := &domain.Sequence{
		ID:          uuid.New().String(),
		CoachID:     in.CoachID,
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		IsActive:    true,
		Steps:       sortedSteps(in.Steps),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, seq); err != nil {
		return nil, err
	}
	return seq, nil
}

// Update applies a partial update. Steps are revalidated when replaced;
// messages already materialized from the old steps are not touched.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*domain.Sequence, error) {
	seq, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name cannot be empty", ErrInvalidInput)
		}
		seq.Name = name
	}
	if in.Description != nil {
		seq.Description = *in.Description
	}
	if in.Steps != nil {
		if err := ValidateSteps(in.Steps); err != nil {
			return nil, err
		}
		seq.Steps = sortedSteps(in.Steps)
	}
	if in.IsActive != nil {
		seq.IsActive = *in.IsActive
	}
	seq.UpdatedAt = s.now().UTC()

	if err := s.repo.Update(ctx, seq); err != nil {
		return nil, err
	}
	return seq, nil
}

// Get returns a single sequence.
func (s *Service) Get(ctx context.Context, id string) (*domain.Sequence, error) {
	return s.repo.Get(ctx, id)
}

// Execute materializes one scheduled message per step at start + delayDays.
// Steps whose conditions do not hold are skipped. A suppressed, inactive or
// opted-out target gets no messages at all; that is reported in the result,
// not as an error. Messages are always stored as scheduled and left for the
// delivery sweep, even when a step falls due immediately.
func (s *Service) Execute(ctx context.Context, id string, target Target, start time.Time, vars map[string]any) (*ExecuteResult, error) {
	if !target.Kind.Valid() || target.ID == "" {
		return nil, fmt.Errorf("%w: target kind and id are required", ErrInvalidInput)
	}
	seq, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !seq.IsActive {
		return nil, ErrInactive
	}

	contact, err := s.contacts.Get(ctx, target.Kind, target.ID)
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", target.Kind, target.ID, err)
	}
	if start.IsZero() {
		start = s.now()
	}
	start = start.UTC()

	result := &ExecuteResult{SequenceID: seq.ID}
	steps := sortedSteps(seq.Steps)

	if reason, err := s.ineligible(ctx, contact); err != nil {
		return nil, err
	} else if reason != "" {
		for _, st := range steps {
			result.Steps = append(result.Steps, StepResult{Order: st.Order, Skipped: true, Reason: reason})
		}
		logger.Info("sequence skipped for target", "sequence_id", seq.ID, "target_id", contact.ID, "reason", reason)
		return result, nil
	}

	attrs := targetAttributes(contact)
	for _, st := range steps {
		if !conditionsMet(st.Conditions, attrs) {
			result.Steps = append(result.Steps, StepResult{Order: st.Order, Skipped: true, Reason: "conditions_not_met"})
			continue
		}

		at := start.Add(time.Duration(st.DelayDays) * 24 * time.Hour)
		created, err := s.messages.Create(ctx, message.CreateInput{
			To:           []string{contact.Email},
			Subject:      st.Subject,
			ScheduledFor: &at,
			TemplateID:   st.TemplateID,
			Variables:    stepVariables(contact, vars),
			Correlation:  correlationFor(seq, st, contact),
			Deferred:     true,
		})
		if err != nil {
			// one bad step must not drop the rest of the sequence
			logger.Error("sequence step not scheduled", "sequence_id", seq.ID, "order", st.Order, "error", err)
			result.Steps = append(result.Steps, StepResult{Order: st.Order, Skipped: true, Reason: err.Error()})
			continue
		}
		result.Scheduled++
		result.Steps = append(result.Steps, StepResult{
			Order:        st.Order,
			MessageID:    created.MessageID,
			ScheduledFor: created.ScheduledFor,
		})
	}

	logger.Info("sequence executed", "sequence_id", seq.ID, "target_id", contact.ID, "scheduled", result.Scheduled)
	return result, nil
}

func (s *Service) ineligible(ctx context.Context, c *domain.Contact) (string, error) {
	if !c.IsActive {
		return string(domain.CancelRecipientInactive), nil
	}
	if !c.MarketingOptIn {
		return string(domain.CancelUnsubscribed), nil
	}
	suppressed, err := s.suppressions.IsSuppressed(ctx, c.Email)
	if err != nil {
		return "", fmt.Errorf("check suppression: %w", err)
	}
	if suppressed {
		return string(domain.CancelSuppressed), nil
	}
	return "", nil
}

func targetAttributes(c *domain.Contact) map[string]string {
	attrs := make(map[string]string, len(c.Attributes)+2)
	for k, v := range c.Attributes {
		attrs[k] = v
	}
	attrs["email"] = c.Email
	if c.Name != "" {
		attrs["name"] = c.Name
	}
	return attrs
}

// stepVariables merges the target's own fields under the caller's variables;
// caller values win.
func stepVariables(c *domain.Contact, vars map[string]any) map[string]any {
	out := make(map[string]any, len(c.Attributes)+len(vars)+3)
	for k, v := range c.Attributes {
		out[k] = v
	}
	out["email"] = c.Email
	out["name"] = c.Name
	if first, _, _ := strings.Cut(c.Name, " "); first != "" {
		out["firstName"] = first
	}
	for k, v := range vars {
		out[k] = v
	}
	return out
}

func correlationFor(seq *domain.Sequence, st domain.SequenceStep, c *domain.Contact) domain.Correlation {
	corr := domain.Correlation{
		CoachID:         seq.CoachID,
		EmailSequenceID: seq.ID,
		SequenceOrder:   st.Order,
		TemplateID:      st.TemplateID,
	}
	switch c.Kind {
	case domain.ContactLead:
		corr.LeadID = c.ID
	case domain.ContactClient:
		corr.ClientID = c.ID
	}
	return corr
}
