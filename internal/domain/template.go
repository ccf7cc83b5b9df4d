package domain

import "time"

// TemplateEngine selects the placeholder dialect a template is written in.
type TemplateEngine string

const (
	EngineHandlebars TemplateEngine = "handlebars"
	EngineLiquid     TemplateEngine = "liquid"
)

// EmailTemplate is a coach-owned or system-shared email template. Coach
// templates are addressed by id within the owner's scope, system templates
// by their fixed SystemKey.
type EmailTemplate struct {
	ID              string         `json:"id" db:"id"`
	OwnerID         string         `json:"owner_id,omitempty" db:"owner_id"`
	SystemKey       string         `json:"system_key,omitempty" db:"system_key"`
	Name            string         `json:"name" db:"name"`
	SubjectTemplate string         `json:"subject_template" db:"subject_template"`
	BodyTemplate    string         `json:"body_template" db:"body_template"`
	TextTemplate    string         `json:"text_template,omitempty" db:"text_template"`
	Engine          TemplateEngine `json:"engine" db:"engine"`
	UsageCount      int            `json:"usage_count" db:"usage_count"`
	LastUsedAt      *time.Time     `json:"last_used_at,omitempty" db:"last_used_at"`
	IsActive        bool           `json:"is_active" db:"is_active"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}

// IsSystem returns true for templates shared by every coach.
func (t *EmailTemplate) IsSystem() bool { return t.SystemKey != "" }

// RenderedEmail is the output of rendering a template.
type RenderedEmail struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}
