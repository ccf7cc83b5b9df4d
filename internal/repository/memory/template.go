package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/service/template"
)

// TemplateStore implements template.Repository.
type TemplateStore struct {
	mu        sync.Mutex
	templates map[string]*domain.EmailTemplate
}

var _ template.Repository = (*TemplateStore)(nil)

// NewTemplateStore creates a store holding the given templates.
func NewTemplateStore(ts ...domain.EmailTemplate) *TemplateStore {
	s := &TemplateStore{templates: make(map[string]*domain.EmailTemplate)}
	for i := range ts {
		s.Put(ts[i])
	}
	return s
}

// Put inserts or replaces a template.
func (s *TemplateStore) Put(t domain.EmailTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = &t
}

func (s *TemplateStore) GetByID(_ context.Context, ownerID, id string) (*domain.EmailTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok || !t.IsActive || t.IsSystem() || t.OwnerID != ownerID {
		return nil, template.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *TemplateStore) GetBySystemKey(_ context.Context, key string) (*domain.EmailTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.templates {
		if t.SystemKey == key && t.IsActive {
			cp := *t
			return &cp, nil
		}
	}
	return nil, template.ErrNotFound
}

func (s *TemplateStore) IncrementUsage(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return template.ErrNotFound
	}
	t.UsageCount++
	t.LastUsedAt = &at
	return nil
}
