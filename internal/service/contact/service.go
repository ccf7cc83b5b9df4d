package contact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nlc-ai/mailflow/internal/domain"
)

// Service implements contact bookkeeping. It is safe for concurrent use.
type Service struct {
	repo Repository
}

// NewService creates a contact service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Get returns one contact.
func (s *Service) Get(ctx context.Context, kind domain.ContactKind, id string) (*domain.Contact, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown contact kind %q", kind)
	}
	return s.repo.Get(ctx, kind, id)
}

// CheckActive verifies that the sender and recipient a message is
// correlated with still exist and are active. It returns the cancel reason
// when one of them is not, or "" when the message may go out.
func (s *Service) CheckActive(ctx context.Context, corr domain.Correlation) (domain.CancelReason, error) {
	if corr.CoachID != "" {
		ok, err := s.active(ctx, domain.ContactCoach, corr.CoachID)
		if err != nil {
			return "", err
		}
		if !ok {
			return domain.CancelSenderInactive, nil
		}
	}

	for _, r := range recipients(corr) {
		ok, err := s.active(ctx, r.kind, r.id)
		if err != nil {
			return "", err
		}
		if !ok {
			return domain.CancelRecipientInactive, nil
		}
	}
	return "", nil
}

// TouchLastContacted records a successful send on every correlated recipient.
func (s *Service) TouchLastContacted(ctx context.Context, corr domain.Correlation, at time.Time) error {
	var errs []error
	for _, r := range recipients(corr) {
		if err := s.repo.TouchLastContacted(ctx, r.kind, r.id, at); err != nil {
			errs = append(errs, fmt.Errorf("touch %s %s: %w", r.kind, r.id, err))
		}
	}
	return errors.Join(errs...)
}

// OptOutByEmail clears marketing consent for every record with the address.
func (s *Service) OptOutByEmail(ctx context.Context, email string) (int, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return 0, fmt.Errorf("email is required")
	}
	return s.repo.OptOutByEmail(ctx, email)
}

func (s *Service) active(ctx context.Context, kind domain.ContactKind, id string) (bool, error) {
	c, err := s.repo.Get(ctx, kind, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s %s: %w", kind, id, err)
	}
	return c.IsActive, nil
}

type ref struct {
	kind domain.ContactKind
	id   string
}

func recipients(corr domain.Correlation) []ref {
	var out []ref
	if corr.LeadID != "" {
		out = append(out, ref{domain.ContactLead, corr.LeadID})
	}
	if corr.ClientID != "" {
		out = append(out, ref{domain.ContactClient, corr.ClientID})
	}
	return out
}
