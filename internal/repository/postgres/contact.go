package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/service/contact"
)

// contactTable maps a contact kind onto the platform table that owns it.
type contactTable struct {
	name    string
	coachID string // expression yielding the owning coach id
}

var contactTables = map[domain.ContactKind]contactTable{
	domain.ContactLead:   {name: "leads", coachID: "COALESCE(coach_id,'')"},
	domain.ContactClient: {name: "clients", coachID: "COALESCE(coach_id,'')"},
	domain.ContactCoach:  {name: "coaches", coachID: "id"},
}

// ContactRepo implements contact.Repository over the platform's leads,
// clients and coaches tables.
type ContactRepo struct{ db *sql.DB }

var _ contact.Repository = (*ContactRepo)(nil)

// NewContactRepo creates a Postgres-backed contact repository.
func NewContactRepo(db *sql.DB) *ContactRepo { return &ContactRepo{db: db} }

func (r *ContactRepo) Get(ctx context.Context, kind domain.ContactKind, id string) (*domain.Contact, error) {
	t, ok := contactTables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown contact kind %q", kind)
	}

	var (
		c     = domain.Contact{Kind: kind}
		last  sql.NullTime
		attrs []byte
	)
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, %s, email, COALESCE(name,''), is_active, marketing_opt_in,
		       last_contacted_at, attributes
		FROM %s
		WHERE id = $1`, t.coachID, t.name), id,
	).Scan(&c.ID, &c.CoachID, &c.Email, &c.Name, &c.IsActive, &c.MarketingOptIn, &last, &attrs)
	if err == sql.ErrNoRows {
		return nil, contact.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", kind, err)
	}
	c.LastContactedAt = nullTime(last)
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &c.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes of %s %s: %w", kind, id, err)
		}
	}
	return &c, nil
}

func (r *ContactRepo) TouchLastContacted(ctx context.Context, kind domain.ContactKind, id string, at time.Time) error {
	t, ok := contactTables[kind]
	if !ok {
		return fmt.Errorf("unknown contact kind %q", kind)
	}
	_, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET last_contacted_at = $2 WHERE id = $1`, t.name), id, at.UTC())
	if err != nil {
		return fmt.Errorf("touch %s: %w", kind, err)
	}
	return nil
}

func (r *ContactRepo) OptOutByEmail(ctx context.Context, email string) (int, error) {
	total := 0
	for _, kind := range []domain.ContactKind{domain.ContactLead, domain.ContactClient, domain.ContactCoach} {
		res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET marketing_opt_in = false
			WHERE LOWER(email) = $1 AND marketing_opt_in = true`, contactTables[kind].name), email)
		if err != nil {
			return total, fmt.Errorf("opt out %s: %w", kind, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}
