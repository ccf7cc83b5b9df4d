package suppression

import (
	"context"
	"sync"
	"testing"

	"github.com/nlc-ai/mailflow/internal/domain"
)

// mockRepo is an in-memory repository for testing.
type mockRepo struct {
	mu    sync.RWMutex
	store map[string]*domain.Suppression // keyed by email
	order []string
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[string]*domain.Suppression)}
}

func (m *mockRepo) IsSuppressed(_ context.Context, emails ...string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range emails {
		if _, ok := m.store[e]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepo) Suppress(_ context.Context, s *domain.Suppression) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.store[s.Email]; exists {
		return nil
	}
	m.store[s.Email] = s
	m.order = append(m.order, s.Email)
	return nil
}

func (m *mockRepo) Remove(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[email]; !ok {
		return ErrNotFound
	}
	delete(m.store, email)
	return nil
}

func (m *mockRepo) List(_ context.Context, f ListFilter) ([]domain.Suppression, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []domain.Suppression
	for _, email := range m.order {
		s, ok := m.store[email]
		if !ok {
			continue
		}
		if f.Reason != "" && string(s.Reason) != f.Reason {
			continue
		}
		result = append(result, *s)
	}
	return result, len(result), nil
}

func TestSuppress_AddsEmailToList(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()

	err := svc.Suppress(ctx, " BOUNCE@example.com", domain.ReasonHardBounce, domain.SourceESPWebhook, "msg-1")
	if err != nil {
		t.Fatalf("Suppress: %v", err)
	}

	ok, err := svc.IsSuppressed(ctx, "bounce@example.com")
	if err != nil {
		t.Fatalf("IsSuppressed: %v", err)
	}
	if !ok {
		t.Error("expected email to be suppressed after Suppress()")
	}
}

func TestSuppress_StoresHash(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	_ = svc.Suppress(context.Background(), "a@example.com", domain.ReasonUnsubscribe, domain.SourceESPWebhook, "")

	s := repo.store["a@example.com"]
	if s == nil || len(s.MD5Hash) != 32 {
		t.Fatalf("expected md5 hash on entry, got %+v", s)
	}
}

func TestSuppress_Idempotent(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := svc.Suppress(ctx, "dup@example.com", domain.ReasonComplaint, domain.SourceESPWebhook, ""); err != nil {
			t.Fatalf("Suppress #%d: %v", i, err)
		}
	}

	_, total, _ := svc.List(ctx, ListFilter{})
	if total != 1 {
		t.Errorf("expected 1 suppression, got %d", total)
	}
}

func TestSuppress_EmptyEmail_Fails(t *testing.T) {
	svc := NewService(newMockRepo())
	if err := svc.Suppress(context.Background(), "  ", domain.ReasonManual, domain.SourceManual, ""); err == nil {
		t.Error("expected error for empty email")
	}
}

func TestIsSuppressed_AnyRecipient(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()
	_ = svc.Suppress(ctx, "blocked@example.com", domain.ReasonUnsubscribe, domain.SourceESPWebhook, "")

	ok, _ := svc.IsSuppressed(ctx, "fine@example.com", "Blocked@Example.com")
	if !ok {
		t.Error("one suppressed recipient should block the message")
	}
	ok, _ = svc.IsSuppressed(ctx)
	if ok {
		t.Error("no recipients cannot be suppressed")
	}
}

func TestRemove_DeletesSuppression(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()

	_ = svc.Suppress(ctx, "remove@example.com", domain.ReasonManual, domain.SourceManual, "")

	if err := svc.Remove(ctx, "remove@example.com"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	ok, _ := svc.IsSuppressed(ctx, "remove@example.com")
	if ok {
		t.Error("expected email to no longer be suppressed after Remove()")
	}
}

func TestRemove_NotFound_ReturnsError(t *testing.T) {
	svc := NewService(newMockRepo())
	if err := svc.Remove(context.Background(), "ghost@example.com"); err != ErrNotFound {
		t.Errorf("Remove() = %v, want ErrNotFound", err)
	}
}

func TestList_FiltersByReason(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()

	_ = svc.Suppress(ctx, "bounce1@example.com", domain.ReasonHardBounce, domain.SourceESPWebhook, "")
	_ = svc.Suppress(ctx, "complaint1@example.com", domain.ReasonComplaint, domain.SourceESPWebhook, "")
	_ = svc.Suppress(ctx, "bounce2@example.com", domain.ReasonHardBounce, domain.SourceESPWebhook, "")

	results, total, err := svc.List(ctx, ListFilter{Reason: "hard_bounce"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 hard bounces, got %d", total)
	}
	for _, r := range results {
		if r.Reason != domain.ReasonHardBounce {
			t.Errorf("unexpected reason: %s", r.Reason)
		}
	}
}

func TestCount_ByReason(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()

	svc.Suppress(ctx, "a@example.com", domain.ReasonHardBounce, domain.SourceESPWebhook, "")
	svc.Suppress(ctx, "b@example.com", domain.ReasonUnsubscribe, domain.SourceESPWebhook, "")
	svc.Suppress(ctx, "c@example.com", domain.ReasonUnsubscribe, domain.SourceESPWebhook, "")

	all, err := svc.Count(ctx, "")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if all != 3 {
		t.Errorf("Count() = %d, want 3", all)
	}

	unsubs, err := svc.Count(ctx, domain.ReasonUnsubscribe)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if unsubs != 2 {
		t.Errorf("Count(unsubscribe) = %d, want 2", unsubs)
	}
}
