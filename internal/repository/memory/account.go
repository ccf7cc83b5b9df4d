package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/service/account"
)

// AccountStore implements account.Repository.
type AccountStore struct {
	mu       sync.Mutex
	accounts map[string]*domain.EmailAccount
	threads  map[string]*domain.EmailThread
}

var _ account.Repository = (*AccountStore)(nil)

// NewAccountStore creates an empty account store.
func NewAccountStore() *AccountStore {
	return &AccountStore{
		accounts: make(map[string]*domain.EmailAccount),
		threads:  make(map[string]*domain.EmailThread),
	}
}

// PutAccount inserts or replaces an account.
func (s *AccountStore) PutAccount(a domain.EmailAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = &a
}

// PutThread inserts or replaces a thread.
func (s *AccountStore) PutThread(t domain.EmailThread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.ID] = &t
}

func (s *AccountStore) Get(_ context.Context, id string) (*domain.EmailAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	return cloneAccount(a), nil
}

func (s *AccountStore) GetPrimary(_ context.Context, coachID string) (*domain.EmailAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.CoachID == coachID && a.IsPrimary {
			return cloneAccount(a), nil
		}
	}
	return nil, account.ErrNotFound
}

func (s *AccountStore) SetPrimary(_ context.Context, coachID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.accounts[id]
	if !ok || target.CoachID != coachID {
		return account.ErrNotFound
	}
	for _, a := range s.accounts {
		if a.CoachID == coachID {
			a.IsPrimary = false
		}
	}
	target.IsPrimary = true
	return nil
}

func (s *AccountStore) UpdateTokens(_ context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return account.ErrNotFound
	}
	a.AccessToken = accessToken
	if refreshToken != "" {
		a.RefreshToken = refreshToken
	}
	exp := expiresAt.UTC()
	a.TokenExpiresAt = &exp
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *AccountStore) MarkReauthRequired(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return account.ErrNotFound
	}
	a.SyncEnabled = false
	a.AccessToken = ""
	a.TokenExpiresAt = nil
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *AccountStore) GetThread(_ context.Context, id string) (*domain.EmailThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, account.ErrThreadNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *AccountStore) UpdateThreadLastMessage(_ context.Context, threadID, providerMessageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return account.ErrThreadNotFound
	}
	t.LastProviderMessageID = providerMessageID
	t.UpdatedAt = at.UTC()
	return nil
}

func cloneAccount(a *domain.EmailAccount) *domain.EmailAccount {
	cp := *a
	cp.TokenExpiresAt = copyTime(a.TokenExpiresAt)
	return &cp
}
