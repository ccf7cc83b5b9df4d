package api

import (
	"net/http"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/pkg/httputil"
	"github.com/nlc-ai/mailflow/internal/service/template"
)

// RenderTemplateRequest is the body of POST /templates/render. Either a
// stored template (template_id with owner_id, or template_key) or inline
// content is rendered.
type RenderTemplateRequest struct {
	TemplateID  string                `json:"template_id"`
	OwnerID     string                `json:"owner_id"`
	TemplateKey string                `json:"template_key"`
	Engine      domain.TemplateEngine `json:"engine" validate:"omitempty,oneof=handlebars liquid"`
	Subject     string                `json:"subject"`
	Body        string                `json:"body"`
	Text        string                `json:"text"`
	Variables   map[string]any        `json:"variables"`
}

// RenderTemplate previews a template. Previews never count as a use.
//
//	POST /api/v1/templates/render
func (h *Handlers) RenderTemplate(w http.ResponseWriter, r *http.Request) {
	var req RenderTemplateRequest
	if !httputil.DecodeValid(w, r, &req) {
		return
	}

	var (
		out *domain.RenderedEmail
		err error
	)
	switch {
	case req.TemplateID != "" || req.TemplateKey != "":
		out, err = h.templates.Preview(r.Context(), template.Ref{
			ID:        req.TemplateID,
			OwnerID:   req.OwnerID,
			SystemKey: req.TemplateKey,
		}, req.Variables)
	case req.Subject != "" || req.Body != "":
		out, err = h.templates.RenderContent(template.Content{
			Engine:  req.Engine,
			Subject: req.Subject,
			Body:    req.Body,
			Text:    req.Text,
		}, req.Variables)
	default:
		httputil.BadRequest(w, "template_id, template_key or inline content is required")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, out)
}
