package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/service/message"
)

// MessageStore implements message.Repository. Every status change happens
// under one mutex, which makes each conditional update atomic.
type MessageStore struct {
	mu       sync.Mutex
	messages map[string]*domain.Message
	now      func() time.Time
}

var _ message.Repository = (*MessageStore)(nil)

// NewMessageStore creates an empty message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{messages: make(map[string]*domain.Message), now: time.Now}
}

// SetClock overrides the time source used for updated_at stamps.
func (s *MessageStore) SetClock(now func() time.Time) { s.now = now }

func (s *MessageStore) Create(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		return fmt.Errorf("message id required")
	}
	if _, exists := s.messages[m.ID]; exists {
		return fmt.Errorf("message %s already exists", m.ID)
	}
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

func (s *MessageStore) Get(_ context.Context, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, message.ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *MessageStore) GetDue(_ context.Context, now time.Time, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.Message
	for _, m := range s.messages {
		if m.IsDue(now) {
			due = append(due, *cloneMessage(m))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return scheduledAt(&due[i]).Before(scheduledAt(&due[j]))
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MessageStore) Claim(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, message.ErrNotFound
	}
	if !m.Status.IsClaimable() {
		return false, nil
	}
	m.Status = domain.MessageProcessing
	claimed := now.UTC()
	m.ClaimedAt = &claimed
	m.UpdatedAt = claimed
	return true, nil
}

func (s *MessageStore) MarkSent(_ context.Context, id string, res message.SentResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.transition(id, domain.MessageSent)
	if err != nil {
		return err
	}
	sentAt := res.SentAt.UTC()
	m.SentAt = &sentAt
	m.ProviderMessageID = res.ProviderMessageID
	m.ErrorMessage = ""
	m.ClaimedAt = nil
	if res.Provider != "" {
		m.SetContext(domain.ContextProvider, string(res.Provider))
	}
	if res.AccountID != "" {
		m.SetContext(domain.ContextAccountID, res.AccountID)
	}
	return nil
}

func (s *MessageStore) MarkFailed(_ context.Context, id, errMsg string, retryCount int, failureKind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.transition(id, domain.MessageFailed)
	if err != nil {
		return err
	}
	m.ErrorMessage = errMsg
	m.RetryCount = retryCount
	m.ClaimedAt = nil
	if failureKind != "" {
		m.SetContext(domain.ContextFailureKind, failureKind)
	}
	return nil
}

func (s *MessageStore) Reschedule(_ context.Context, id string, at time.Time, retryCount int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.transition(id, domain.MessageScheduled)
	if err != nil {
		return err
	}
	next := at.UTC()
	m.ScheduledFor = &next
	m.RetryCount = retryCount
	m.ErrorMessage = errMsg
	m.ClaimedAt = nil
	return nil
}

func (s *MessageStore) Cancel(_ context.Context, id string, reason domain.CancelReason) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, message.ErrNotFound
	}
	if !domain.CanTransition(m.Status, domain.MessageCancelled) {
		return false, nil
	}
	s.cancel(m, reason)
	return true, nil
}

func (s *MessageStore) UpdateStatusByCorrelation(_ context.Context, f message.CorrelationFilter, from []domain.MessageStatus, to domain.MessageStatus, reason domain.CancelReason) (int, error) {
	if f.IsEmpty() {
		return 0, message.ErrEmptyCorrelation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if !f.Matches(m.Correlation) || !statusIn(m.Status, from) || !domain.CanTransition(m.Status, to) {
			continue
		}
		if to == domain.MessageCancelled {
			s.cancel(m, reason)
		} else {
			m.Status = to
			m.UpdatedAt = s.now().UTC()
		}
		n++
	}
	return n, nil
}

func (s *MessageStore) CancelByRecipient(_ context.Context, email string, reason domain.CancelReason) (int, error) {
	email = domain.NormalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.Status != domain.MessageScheduled && m.Status != domain.MessagePaused {
			continue
		}
		if !addressedTo(m, email) {
			continue
		}
		s.cancel(m, reason)
		n++
	}
	return n, nil
}

func (s *MessageStore) FindDuplicateRecent(_ context.Context, subject, to string, since time.Time, excludeID string) (bool, error) {
	to = domain.NormalizeEmail(to)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == excludeID || m.Subject != subject {
			continue
		}
		var at *time.Time
		switch m.Status {
		case domain.MessageSent:
			at = m.SentAt
		case domain.MessageProcessing:
			at = m.ClaimedAt
		}
		if at == nil || at.Before(since) {
			continue
		}
		if addressedTo(m, to) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MessageStore) FindByProviderMessageID(_ context.Context, providerMessageID string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if providerMessageID != "" && m.ProviderMessageID == providerMessageID {
			return cloneMessage(m), nil
		}
	}
	return nil, message.ErrNotFound
}

func (s *MessageStore) MergeAnalytics(_ context.Context, id string, u domain.AnalyticsUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, message.ErrNotFound
	}
	changed := m.Analytics.Apply(u)
	if changed {
		m.UpdatedAt = s.now().UTC()
	}
	return changed, nil
}

func (s *MessageStore) MarkBounced(_ context.Context, id string, u domain.AnalyticsUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, message.ErrNotFound
	}
	u.Kind = domain.AnalyticsBounced
	changed := m.Analytics.Apply(u)
	if domain.CanTransition(m.Status, domain.MessageBounced) {
		m.Status = domain.MessageBounced
		if m.ErrorMessage == "" {
			m.ErrorMessage = u.Reason
		}
		changed = true
	}
	if changed {
		m.UpdatedAt = s.now().UTC()
	}
	return changed, nil
}

func (s *MessageStore) ListFailed(_ context.Context, coachID string, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.messages {
		if m.Status != domain.MessageFailed || m.Context[domain.ContextRetriedAs] != "" {
			continue
		}
		if coachID != "" && m.Correlation.CoachID != coachID {
			continue
		}
		out = append(out, *cloneMessage(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MessageStore) MarkRetried(_ context.Context, id, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return message.ErrNotFound
	}
	m.SetContext(domain.ContextRetriedAs, newID)
	m.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MessageStore) RecoverStale(_ context.Context, staleBefore time.Time, maxRetries int) (*message.RecoveryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := &message.RecoveryResult{}
	now := s.now().UTC()
	for _, m := range s.messages {
		if m.Status != domain.MessageProcessing || m.ClaimedAt == nil || !m.ClaimedAt.Before(staleBefore) {
			continue
		}
		m.RetryCount++
		m.ClaimedAt = nil
		m.UpdatedAt = now
		if m.RetryCount >= maxRetries {
			m.Status = domain.MessageFailed
			m.ErrorMessage = "delivery attempt abandoned"
			res.Failed = append(res.Failed, *cloneMessage(m))
			continue
		}
		m.Status = domain.MessageScheduled
		m.ScheduledFor = &now
		res.Requeued++
	}
	return res, nil
}

func (s *MessageStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.messages {
		if limit > 0 && n >= limit {
			break
		}
		switch m.Status {
		case domain.MessageSent, domain.MessageFailed, domain.MessageCancelled:
		default:
			continue
		}
		if m.UpdatedAt.Before(cutoff) {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

// transition moves a message to status if the move is legal. Callers hold mu.
func (s *MessageStore) transition(id string, to domain.MessageStatus) (*domain.Message, error) {
	m, ok := s.messages[id]
	if !ok {
		return nil, message.ErrNotFound
	}
	if !domain.CanTransition(m.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", message.ErrInvalidTransition, m.Status, to)
	}
	m.Status = to
	m.UpdatedAt = s.now().UTC()
	return m, nil
}

func (s *MessageStore) cancel(m *domain.Message, reason domain.CancelReason) {
	m.Status = domain.MessageCancelled
	m.UpdatedAt = s.now().UTC()
	if reason != "" {
		m.SetContext(domain.ContextCancelReason, string(reason))
	}
}

func statusIn(s domain.MessageStatus, set []domain.MessageStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func addressedTo(m *domain.Message, email string) bool {
	for _, to := range m.To {
		if domain.NormalizeEmail(to) == email {
			return true
		}
	}
	return false
}

func scheduledAt(m *domain.Message) time.Time {
	if m.ScheduledFor == nil {
		return m.CreatedAt
	}
	return *m.ScheduledFor
}

func cloneMessage(m *domain.Message) *domain.Message {
	cp := *m
	cp.To = append([]string(nil), m.To...)
	if m.Context != nil {
		cp.Context = make(map[string]string, len(m.Context))
		for k, v := range m.Context {
			cp.Context[k] = v
		}
	}
	cp.ScheduledFor = copyTime(m.ScheduledFor)
	cp.SentAt = copyTime(m.SentAt)
	cp.ClaimedAt = copyTime(m.ClaimedAt)
	a := m.Analytics
	a.DeliveredAt = copyTime(a.DeliveredAt)
	a.OpenedAt = copyTime(a.OpenedAt)
	a.ClickedAt = copyTime(a.ClickedAt)
	a.BouncedAt = copyTime(a.BouncedAt)
	a.ComplainedAt = copyTime(a.ComplainedAt)
	a.UnsubscribedAt = copyTime(a.UnsubscribedAt)
	cp.Analytics = a
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
