package template

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlc-ai/mailflow/internal/domain"
)

type fakeRepo struct {
	mu        sync.Mutex
	templates map[string]*domain.EmailTemplate
}

func newFakeRepo(ts ...*domain.EmailTemplate) *fakeRepo {
	r := &fakeRepo{templates: make(map[string]*domain.EmailTemplate)}
	for _, t := range ts {
		r.templates[t.ID] = t
	}
	return r
}

func (r *fakeRepo) GetByID(_ context.Context, ownerID, id string) (*domain.EmailTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.templates[id]
	if !ok || !t.IsActive || t.IsSystem() || t.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *fakeRepo) GetBySystemKey(_ context.Context, key string) (*domain.EmailTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.templates {
		if t.SystemKey == key && t.IsActive {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *fakeRepo) IncrementUsage(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.templates[id]
	if !ok {
		return ErrNotFound
	}
	t.UsageCount++
	t.LastUsedAt = &at
	return nil
}

func (r *fakeRepo) usage(id string) (int, *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.templates[id].UsageCount, r.templates[id].LastUsedAt
}

func welcomeTemplate() *domain.EmailTemplate {
	return &domain.EmailTemplate{
		ID:              "tpl-1",
		OwnerID:         "coach-1",
		Name:            "Welcome",
		SubjectTemplate: "Welcome, {{firstName}}",
		BodyTemplate:    "<p>Hi {{firstName}}</p>{{#if goals}}<ul>{{#each goals}}<li>{{@index}}. {{this}}</li>{{/each}}</ul>{{/if}}",
		Engine:          domain.EngineHandlebars,
		IsActive:        true,
	}
}

func TestRenderIdempotentOutputAndUsage(t *testing.T) {
	repo := newFakeRepo(welcomeTemplate())
	r := NewRenderer(repo)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	vars := map[string]any{"firstName": "Ada", "goals": []any{"Sleep", "Run"}}
	ref := Ref{ID: "tpl-1", OwnerID: "coach-1"}

	first, err := r.Render(context.Background(), ref, vars)
	require.NoError(t, err)
	second, err := r.Render(context.Background(), ref, vars)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "Welcome, Ada", first.Subject)
	assert.Equal(t, "<p>Hi Ada</p><ul><li>1. Sleep</li><li>2. Run</li></ul>", first.HTML)
	assert.Equal(t, "Hi Ada\n1. Sleep\n2. Run", first.Text)

	count, lastUsed := repo.usage("tpl-1")
	assert.Equal(t, 2, count)
	require.NotNil(t, lastUsed)
	assert.True(t, lastUsed.Equal(fixed))
}

func TestPreviewDoesNotCountUsage(t *testing.T) {
	repo := newFakeRepo(welcomeTemplate())
	r := NewRenderer(repo)

	out, err := r.Preview(context.Background(), Ref{ID: "tpl-1", OwnerID: "coach-1"}, map[string]any{"firstName": "Lin"})
	require.NoError(t, err)
	assert.Equal(t, "Welcome, Lin", out.Subject)

	count, _ := repo.usage("tpl-1")
	assert.Zero(t, count)
}

func TestRenderNotFound(t *testing.T) {
	inactive := welcomeTemplate()
	inactive.ID = "tpl-off"
	inactive.IsActive = false
	r := NewRenderer(newFakeRepo(welcomeTemplate(), inactive))
	ctx := context.Background()

	tests := []struct {
		name string
		ref  Ref
	}{
		{"unknown id", Ref{ID: "nope", OwnerID: "coach-1"}},
		{"other owner", Ref{ID: "tpl-1", OwnerID: "coach-2"}},
		{"inactive", Ref{ID: "tpl-off", OwnerID: "coach-1"}},
		{"unknown system key", Ref{SystemKey: "nope"}},
		{"empty ref", Ref{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Render(ctx, tt.ref, nil)
			assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
		})
	}
}

func TestRenderSystemTemplateWithLiquid(t *testing.T) {
	repo := newFakeRepo(&domain.EmailTemplate{
		ID:              "sys-reset",
		SystemKey:       "password_reset",
		SubjectTemplate: "Reset for {{ name | default: \"you\" }}",
		BodyTemplate:    "{% if link %}<a href=\"{{ link }}\">Reset</a>{% endif %}",
		TextTemplate:    "Reset: {{ link }}",
		Engine:          domain.EngineLiquid,
		IsActive:        true,
	})
	r := NewRenderer(repo)

	out, err := r.Render(context.Background(), Ref{SystemKey: "password_reset"},
		map[string]any{"link": "https://app.example.com/r/1"})
	require.NoError(t, err)
	assert.Equal(t, "Reset for you", out.Subject)
	assert.Equal(t, `<a href="https://app.example.com/r/1">Reset</a>`, out.HTML)
	assert.Equal(t, "Reset: https://app.example.com/r/1", out.Text)

	count, _ := repo.usage("sys-reset")
	assert.Equal(t, 1, count)
}

func TestRenderContentInvalid(t *testing.T) {
	r := NewRenderer(newFakeRepo())
	_, err := r.RenderContent(Content{Subject: "ok", Body: "{{#if a}}never closed"}, nil)
	assert.True(t, errors.Is(err, ErrInvalidTemplate))
}
