package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/service/template"
)

const templateColumns = `
	id, COALESCE(owner_id,''), COALESCE(system_key,''), name,
	subject_template, body_template, COALESCE(text_template,''), engine,
	usage_count, last_used_at, is_active, created_at, updated_at`

// TemplateRepo implements template.Repository against PostgreSQL.
type TemplateRepo struct{ db *sql.DB }

var _ template.Repository = (*TemplateRepo)(nil)

// NewTemplateRepo creates a Postgres-backed template repository.
func NewTemplateRepo(db *sql.DB) *TemplateRepo { return &TemplateRepo{db: db} }

func scanTemplate(row rowScanner) (*domain.EmailTemplate, error) {
	var (
		t        domain.EmailTemplate
		lastUsed sql.NullTime
	)
	if err := row.Scan(
		&t.ID, &t.OwnerID, &t.SystemKey, &t.Name,
		&t.SubjectTemplate, &t.BodyTemplate, &t.TextTemplate, &t.Engine,
		&t.UsageCount, &lastUsed, &t.IsActive, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.LastUsedAt = nullTime(lastUsed)
	return &t, nil
}

// GetByID only ever returns coach templates; system templates are reached
// through their key.
func (r *TemplateRepo) GetByID(ctx context.Context, ownerID, id string) (*domain.EmailTemplate, error) {
	t, err := scanTemplate(r.db.QueryRowContext(ctx, `
		SELECT `+templateColumns+`
		FROM email_templates
		WHERE id = $1 AND owner_id = $2 AND system_key IS NULL AND is_active = true
	`, id, ownerID))
	if err == sql.ErrNoRows {
		return nil, template.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

func (r *TemplateRepo) GetBySystemKey(ctx context.Context, key string) (*domain.EmailTemplate, error) {
	t, err := scanTemplate(r.db.QueryRowContext(ctx, `
		SELECT `+templateColumns+`
		FROM email_templates
		WHERE system_key = $1 AND is_active = true
	`, key))
	if err == sql.ErrNoRows {
		return nil, template.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get system template: %w", err)
	}
	return t, nil
}

func (r *TemplateRepo) IncrementUsage(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_templates
		SET usage_count = usage_count + 1, last_used_at = $2
		WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("increment template usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return template.ErrNotFound
	}
	return nil
}
