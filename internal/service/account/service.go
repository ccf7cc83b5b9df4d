package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/pkg/logger"
)

// Service implements account business logic. It is safe for concurrent use.
type Service struct {
	repo Repository
}

// NewService creates an account service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Get returns a single account.
func (s *Service) Get(ctx context.Context, id string) (*domain.EmailAccount, error) {
	return s.repo.Get(ctx, id)
}

// SetPrimary makes id the primary account of its coach. Accounts that need
// re-authentication cannot be promoted.
func (s *Service) SetPrimary(ctx context.Context, id string) (*domain.EmailAccount, error) {
	acct, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !acct.Usable() {
		return nil, ErrNotUsable
	}
	if err := s.repo.SetPrimary(ctx, acct.CoachID, acct.ID); err != nil {
		return nil, fmt.Errorf("set primary: %w", err)
	}
	acct.IsPrimary = true
	logger.Info("primary account changed", "coach_id", acct.CoachID, "account_id", acct.ID)
	return acct, nil
}

// PrimaryUsable returns the coach's primary account when it can send, or
// nil when the coach has no usable primary.
func (s *Service) PrimaryUsable(ctx context.Context, coachID string) (*domain.EmailAccount, error) {
	if coachID == "" {
		return nil, nil
	}
	acct, err := s.repo.GetPrimary(ctx, coachID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !acct.Usable() {
		return nil, nil
	}
	return acct, nil
}

// ThreadAccount returns a thread and the account it belongs to. The
// account is returned even when it is no longer usable so callers can fail
// the reply explicitly instead of sending it from somewhere else.
func (s *Service) ThreadAccount(ctx context.Context, threadID string) (*domain.EmailThread, *domain.EmailAccount, error) {
	th, err := s.repo.GetThread(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	acct, err := s.repo.Get(ctx, th.AccountID)
	if err != nil {
		return th, nil, err
	}
	return th, acct, nil
}
