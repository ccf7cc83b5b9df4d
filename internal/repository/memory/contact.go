package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/service/contact"
)

// ContactStore implements contact.Repository for leads, clients and coaches.
type ContactStore struct {
	mu       sync.Mutex
	contacts map[domain.ContactKind]map[string]*domain.Contact
}

var _ contact.Repository = (*ContactStore)(nil)

// NewContactStore creates a store holding the given contacts.
func NewContactStore(cs ...domain.Contact) *ContactStore {
	s := &ContactStore{contacts: make(map[domain.ContactKind]map[string]*domain.Contact)}
	for i := range cs {
		s.Put(cs[i])
	}
	return s
}

// Put inserts or replaces a contact.
func (s *ContactStore) Put(c domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.contacts[c.Kind]
	if !ok {
		byID = make(map[string]*domain.Contact)
		s.contacts[c.Kind] = byID
	}
	byID[c.ID] = &c
}

func (s *ContactStore) Get(_ context.Context, kind domain.ContactKind, id string) (*domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[kind][id]
	if !ok {
		return nil, contact.ErrNotFound
	}
	cp := *c
	cp.Attributes = make(map[string]string, len(c.Attributes))
	for k, v := range c.Attributes {
		cp.Attributes[k] = v
	}
	return &cp, nil
}

func (s *ContactStore) TouchLastContacted(_ context.Context, kind domain.ContactKind, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contacts[kind][id]; ok {
		t := at.UTC()
		c.LastContactedAt = &t
	}
	return nil
}

func (s *ContactStore) OptOutByEmail(_ context.Context, email string) (int, error) {
	email = domain.NormalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, byID := range s.contacts {
		for _, c := range byID {
			if domain.NormalizeEmail(c.Email) == email && c.MarketingOptIn {
				c.MarketingOptIn = false
				n++
			}
		}
	}
	return n, nil
}
