package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/service/sequence"
)

// SequenceStore implements sequence.Repository.
type SequenceStore struct {
	mu        sync.Mutex
	sequences map[string]*domain.Sequence
}

var _ sequence.Repository = (*SequenceStore)(nil)

// NewSequenceStore creates an empty sequence store.
func NewSequenceStore() *SequenceStore {
	return &SequenceStore{sequences: make(map[string]*domain.Sequence)}
}

func (s *SequenceStore) Create(_ context.Context, seq *domain.Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq.ID == "" {
		return fmt.Errorf("sequence id required")
	}
	s.sequences[seq.ID] = cloneSequence(seq)
	return nil
}

func (s *SequenceStore) Update(_ context.Context, seq *domain.Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sequences[seq.ID]; !ok {
		return sequence.ErrNotFound
	}
	s.sequences[seq.ID] = cloneSequence(seq)
	return nil
}

func (s *SequenceStore) Get(_ context.Context, id string) (*domain.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.sequences[id]
	if !ok {
		return nil, sequence.ErrNotFound
	}
	return cloneSequence(seq), nil
}

func cloneSequence(seq *domain.Sequence) *domain.Sequence {
	cp := *seq
	cp.Steps = make([]domain.SequenceStep, len(seq.Steps))
	for i, st := range seq.Steps {
		st.Conditions = append([]domain.StepCondition(nil), st.Conditions...)
		cp.Steps[i] = st
	}
	return &cp
}
