package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/service/sequence"
)

// SequenceRepo implements sequence.Repository against PostgreSQL. Steps
// live in a jsonb column so a sequence is always read and written whole.
type SequenceRepo struct{ db *sql.DB }

var _ sequence.Repository = (*SequenceRepo)(nil)

// NewSequenceRepo creates a Postgres-backed sequence repository.
func NewSequenceRepo(db *sql.DB) *SequenceRepo { return &SequenceRepo{db: db} }

func (r *SequenceRepo) Create(ctx context.Context, s *domain.Sequence) error {
	steps, err := encodeSteps(s.Steps)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO email_sequences (id, coach_id, name, description, is_active, steps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.ID, s.CoachID, s.Name, nullString(s.Description), s.IsActive, steps, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create sequence: %w", err)
	}
	return nil
}

func (r *SequenceRepo) Update(ctx context.Context, s *domain.Sequence) error {
	steps, err := encodeSteps(s.Steps)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_sequences
		SET name = $2, description = $3, is_active = $4, steps = $5, updated_at = $6
		WHERE id = $1
	`, s.ID, s.Name, nullString(s.Description), s.IsActive, steps, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update sequence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sequence.ErrNotFound
	}
	return nil
}

func (r *SequenceRepo) Get(ctx context.Context, id string) (*domain.Sequence, error) {
	var (
		s     domain.Sequence
		steps []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, coach_id, name, COALESCE(description,''), is_active, steps, created_at, updated_at
		FROM email_sequences
		WHERE id = $1
	`, id).Scan(&s.ID, &s.CoachID, &s.Name, &s.Description, &s.IsActive, &steps, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, sequence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sequence: %w", err)
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &s.Steps); err != nil {
			return nil, fmt.Errorf("decode steps of %s: %w", id, err)
		}
	}
	return &s, nil
}

func encodeSteps(steps []domain.SequenceStep) (string, error) {
	if steps == nil {
		steps = []domain.SequenceStep{}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("encode steps: %w", err)
	}
	return string(b), nil
}
