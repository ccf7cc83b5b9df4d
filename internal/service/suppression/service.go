package suppression

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/nlc-ai/mailflow/internal/domain"
)

// Service implements suppression business logic. It is safe for concurrent use.
type Service struct {
	repo Repository
}

// NewService creates a suppression service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// IsSuppressed checks whether any of the addresses must be blocked from sending.
func (s *Service) IsSuppressed(ctx context.Context, emails ...string) (bool, error) {
	normalized := make([]string, 0, len(emails))
	for _, e := range emails {
		if e = domain.NormalizeEmail(e); e != "" {
			normalized = append(normalized, e)
		}
	}
	if len(normalized) == 0 {
		return false, nil
	}
	return s.repo.IsSuppressed(ctx, normalized...)
}

// Suppress adds an address to the suppression list. Idempotent: if the
// address is already suppressed, the existing record is preserved.
func (s *Service) Suppress(ctx context.Context, email string, reason domain.SuppressionReason, source domain.SuppressionSource, messageID string) error {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return fmt.Errorf("email is required")
	}

	hash := md5.Sum([]byte(email))
	return s.repo.Suppress(ctx, &domain.Suppression{
		Email:     email,
		MD5Hash:   hex.EncodeToString(hash[:]),
		Reason:    reason,
		Source:    source,
		MessageID: messageID,
	})
}

// Remove deletes a suppression entry. Returns ErrNotFound if the address is not suppressed.
func (s *Service) Remove(ctx context.Context, email string) error {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return fmt.Errorf("email is required")
	}
	return s.repo.Remove(ctx, email)
}

// List returns suppression entries matching the given filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]domain.Suppression, int, error) {
	return s.repo.List(ctx, filter)
}

// Count returns the number of suppressed addresses, optionally restricted to
// one reason.
func (s *Service) Count(ctx context.Context, reason domain.SuppressionReason) (int, error) {
	_, total, err := s.repo.List(ctx, ListFilter{Reason: string(reason), Limit: 1})
	if err != nil {
		return 0, fmt.Errorf("count suppressions: %w", err)
	}
	return total, nil
}
