package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/service/account"
)

const accountColumns = `
	id, coach_id, provider, email,
	COALESCE(access_token,''), COALESCE(refresh_token,''), token_expires_at,
	is_primary, sync_enabled, created_at, updated_at`

// AccountRepo implements account.Repository against PostgreSQL.
type AccountRepo struct{ db *sql.DB }

var _ account.Repository = (*AccountRepo)(nil)

// NewAccountRepo creates a Postgres-backed email account repository.
func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{db: db} }

func scanAccount(row rowScanner) (*domain.EmailAccount, error) {
	var (
		a       domain.EmailAccount
		expires sql.NullTime
	)
	if err := row.Scan(
		&a.ID, &a.CoachID, &a.Provider, &a.Email,
		&a.AccessToken, &a.RefreshToken, &expires,
		&a.IsPrimary, &a.SyncEnabled, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.TokenExpiresAt = nullTime(expires)
	return &a, nil
}

func (r *AccountRepo) Get(ctx context.Context, id string) (*domain.EmailAccount, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM email_accounts WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, account.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (r *AccountRepo) GetPrimary(ctx context.Context, coachID string) (*domain.EmailAccount, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM email_accounts WHERE coach_id = $1 AND is_primary = true LIMIT 1`, coachID))
	if err == sql.ErrNoRows {
		return nil, account.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get primary account: %w", err)
	}
	return a, nil
}

// SetPrimary demotes and promotes in one transaction. The partial unique
// index on (coach_id) WHERE is_primary backs this up at the schema level.
func (r *AccountRepo) SetPrimary(ctx context.Context, coachID, id string) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		UPDATE email_accounts SET is_primary = false, updated_at = NOW()
		WHERE coach_id = $1 AND is_primary = true AND id <> $2
	`, coachID, id); err != nil {
		return fmt.Errorf("demote primary: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE email_accounts SET is_primary = true, updated_at = NOW()
		WHERE id = $1 AND coach_id = $2
	`, id, coachID)
	if err != nil {
		return fmt.Errorf("promote primary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = account.ErrNotFound
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpdateTokens keeps the stored refresh token when the provider did not
// rotate it.
func (r *AccountRepo) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_accounts
		SET access_token = $2, refresh_token = COALESCE(NULLIF($3, ''), refresh_token),
		    token_expires_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, accessToken, refreshToken, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.ErrNotFound
	}
	return nil
}

func (r *AccountRepo) MarkReauthRequired(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_accounts
		SET sync_enabled = false, access_token = NULL, token_expires_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark reauth required: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.ErrNotFound
	}
	return nil
}

func (r *AccountRepo) GetThread(ctx context.Context, id string) (*domain.EmailThread, error) {
	var t domain.EmailThread
	err := r.db.QueryRowContext(ctx, `
		SELECT id, account_id, coach_id, provider_thread_id,
		       COALESCE(last_provider_message_id,''), COALESCE(subject,''), updated_at
		FROM email_threads
		WHERE id = $1
	`, id).Scan(&t.ID, &t.AccountID, &t.CoachID, &t.ProviderThreadID,
		&t.LastProviderMessageID, &t.Subject, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, account.ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return &t, nil
}

func (r *AccountRepo) UpdateThreadLastMessage(ctx context.Context, threadID, providerMessageID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_threads
		SET last_provider_message_id = $2, updated_at = $3
		WHERE id = $1
	`, threadID, providerMessageID, at.UTC())
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.ErrThreadNotFound
	}
	return nil
}
