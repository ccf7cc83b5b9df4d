package template

import (
	"context"
	"fmt"
	"time"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/pkg/logger"
)

// Renderer resolves template references and renders them. It is safe for
// concurrent use.
type Renderer struct {
	repo   Repository
	liquid *liquidEngine
	now    func() time.Time
}

// NewRenderer creates a renderer backed by the given repository.
func NewRenderer(repo Repository) *Renderer {
	return &Renderer{repo: repo, liquid: newLiquidEngine(), now: time.Now}
}

// Content is raw template source that has not been stored.
type Content struct {
	Engine  domain.TemplateEngine `json:"engine,omitempty"`
	Subject string                `json:"subject"`
	Body    string                `json:"body"`
	Text    string                `json:"text,omitempty"`
}

// Render resolves ref, renders it against vars and records the use.
// Rendering the same template with the same variables always yields the
// same output; only the usage counter changes between calls.
func (r *Renderer) Render(ctx context.Context, ref Ref, vars map[string]any) (*domain.RenderedEmail, error) {
	t, err := r.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	out, err := r.RenderContent(contentOf(t), vars)
	if err != nil {
		return nil, fmt.Errorf("render template %s: %w", t.ID, err)
	}

	if err := r.repo.IncrementUsage(ctx, t.ID, r.now().UTC()); err != nil {
		// a missed usage tick must not block delivery
		logger.Warn("template usage not recorded", "template_id", t.ID, "error", err)
	}
	return out, nil
}

// Preview renders a stored template without recording a use.
func (r *Renderer) Preview(ctx context.Context, ref Ref, vars map[string]any) (*domain.RenderedEmail, error) {
	t, err := r.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return r.RenderContent(contentOf(t), vars)
}

// RenderContent renders raw template source. Substituted values are HTML
// escaped in the body only; subject and text are plain. When no text
// template is given the text body is derived from the rendered HTML.
func (r *Renderer) RenderContent(c Content, vars map[string]any) (*domain.RenderedEmail, error) {
	if vars == nil {
		vars = map[string]any{}
	}

	render := func(src string, escape bool) (string, error) {
		if src == "" {
			return "", nil
		}
		if c.Engine == domain.EngineLiquid {
			return r.liquid.render(src, vars)
		}
		return renderHandlebars(src, vars, escape)
	}

	subject, err := render(c.Subject, false)
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	body, err := render(c.Body, true)
	if err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}
	text, err := render(c.Text, false)
	if err != nil {
		return nil, fmt.Errorf("text: %w", err)
	}
	if text == "" && body != "" {
		if text, err = htmlToText(body); err != nil {
			return nil, fmt.Errorf("derive text: %w", err)
		}
	}

	return &domain.RenderedEmail{Subject: subject, HTML: body, Text: text}, nil
}

func (r *Renderer) resolve(ctx context.Context, ref Ref) (*domain.EmailTemplate, error) {
	switch {
	case ref.ID != "":
		return r.repo.GetByID(ctx, ref.OwnerID, ref.ID)
	case ref.SystemKey != "":
		return r.repo.GetBySystemKey(ctx, ref.SystemKey)
	}
	return nil, fmt.Errorf("%w: empty template reference", ErrNotFound)
}

func contentOf(t *domain.EmailTemplate) Content {
	return Content{Engine: t.Engine, Subject: t.SubjectTemplate, Body: t.BodyTemplate, Text: t.TextTemplate}
}
