package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/service/suppression"
)

// SuppressionStore implements suppression.Repository.
type SuppressionStore struct {
	mu      sync.RWMutex
	entries map[string]*domain.Suppression // keyed by normalized email
}

var _ suppression.Repository = (*SuppressionStore)(nil)

// NewSuppressionStore creates an empty suppression list.
func NewSuppressionStore() *SuppressionStore {
	return &SuppressionStore{entries: make(map[string]*domain.Suppression)}
}

func (s *SuppressionStore) IsSuppressed(_ context.Context, emails ...string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range emails {
		if _, ok := s.entries[domain.NormalizeEmail(e)]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *SuppressionStore) Suppress(_ context.Context, sup *domain.Suppression) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := domain.NormalizeEmail(sup.Email)
	if _, exists := s.entries[email]; exists {
		return nil
	}
	cp := *sup
	cp.Email = email
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.entries[email] = &cp
	return nil
}

func (s *SuppressionStore) Remove(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = domain.NormalizeEmail(email)
	if _, ok := s.entries[email]; !ok {
		return suppression.ErrNotFound
	}
	delete(s.entries, email)
	return nil
}

func (s *SuppressionStore) List(_ context.Context, f suppression.ListFilter) ([]domain.Suppression, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Suppression
	for _, e := range s.entries {
		if f.Reason != "" && string(e.Reason) != f.Reason {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if f.Offset >= len(out) {
		return nil, total, nil
	}
	end := len(out)
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return out[f.Offset:end], total, nil
}
