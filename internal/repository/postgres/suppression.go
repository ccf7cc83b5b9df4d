package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/service/suppression"
)

// SuppressionRepo implements suppression.Repository against PostgreSQL.
type SuppressionRepo struct{ db *sql.DB }

var _ suppression.Repository = (*SuppressionRepo)(nil)

// NewSuppressionRepo creates a Postgres-backed suppression repository.
func NewSuppressionRepo(db *sql.DB) *SuppressionRepo { return &SuppressionRepo{db: db} }

func (r *SuppressionRepo) IsSuppressed(ctx context.Context, emails ...string) (bool, error) {
	if len(emails) == 0 {
		return false, nil
	}
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM email_suppressions WHERE email = ANY($1))`,
		pq.Array(emails),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check suppression: %w", err)
	}
	return exists, nil
}

// Suppress keeps the first record for an address; later signals for the
// same address are no-ops.
func (r *SuppressionRepo) Suppress(ctx context.Context, s *domain.Suppression) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_suppressions (id, email, md5_hash, reason, source, message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (email) DO NOTHING
	`, s.ID, s.Email, s.MD5Hash, s.Reason, s.Source, nullString(s.MessageID))
	if err != nil {
		return fmt.Errorf("suppress: %w", err)
	}
	return nil
}

func (r *SuppressionRepo) Remove(ctx context.Context, email string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM email_suppressions WHERE email = $1`, email)
	if err != nil {
		return fmt.Errorf("remove suppression: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return suppression.ErrNotFound
	}
	return nil
}

func (r *SuppressionRepo) List(ctx context.Context, f suppression.ListFilter) ([]domain.Suppression, int, error) {
	where := ""
	args := []interface{}{}
	if f.Reason != "" {
		where = " WHERE reason = $1"
		args = append(args, f.Reason)
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM email_suppressions`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count suppressions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`
		SELECT id, email, COALESCE(md5_hash,''), reason, source, COALESCE(message_id,''), created_at
		FROM email_suppressions%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list suppressions: %w", err)
	}
	defer rows.Close()

	var out []domain.Suppression
	for rows.Next() {
		var s domain.Suppression
		if err := rows.Scan(&s.ID, &s.Email, &s.MD5Hash, &s.Reason, &s.Source, &s.MessageID, &s.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan suppression: %w", err)
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}
