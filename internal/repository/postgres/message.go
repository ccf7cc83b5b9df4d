package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/service/message"
)

// messageColumns is the column list every message SELECT scans, in the
// order scanMessage expects.
const messageColumns = `
	id, COALESCE(from_address,''), to_addresses, subject,
	COALESCE(text_body,''), COALESCE(html_body,''), status,
	scheduled_for, sent_at, claimed_at, retry_count,
	COALESCE(error_message,''), COALESCE(provider_message_id,''), fallback_to_system,
	COALESCE(lead_id,''), COALESCE(client_id,''), COALESCE(coach_id,''),
	COALESCE(email_thread_id,''), COALESCE(email_sequence_id,''), sequence_order,
	COALESCE(template_id,''), analytics, context, created_at, updated_at`

// MessageRepo implements message.Repository against PostgreSQL. Every
// status write is a single conditional UPDATE, so two workers racing for
// the same row cannot both win.
type MessageRepo struct{ db *sql.DB }

var _ message.Repository = (*MessageRepo)(nil)

// NewMessageRepo creates a Postgres-backed message repository.
func NewMessageRepo(db *sql.DB) *MessageRepo { return &MessageRepo{db: db} }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var (
		m                             domain.Message
		scheduledFor, sentAt, claimed sql.NullTime
		analytics, msgContext         []byte
	)
	err := row.Scan(
		&m.ID, &m.From, pq.Array(&m.To), &m.Subject,
		&m.Text, &m.HTML, &m.Status,
		&scheduledFor, &sentAt, &claimed, &m.RetryCount,
		&m.ErrorMessage, &m.ProviderMessageID, &m.FallbackToSystem,
		&m.Correlation.LeadID, &m.Correlation.ClientID, &m.Correlation.CoachID,
		&m.Correlation.EmailThreadID, &m.Correlation.EmailSequenceID, &m.Correlation.SequenceOrder,
		&m.Correlation.TemplateID, &analytics, &msgContext, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.ScheduledFor = nullTime(scheduledFor)
	m.SentAt = nullTime(sentAt)
	m.ClaimedAt = nullTime(claimed)
	if len(analytics) > 0 {
		if err := json.Unmarshal(analytics, &m.Analytics); err != nil {
			return nil, fmt.Errorf("decode analytics of %s: %w", m.ID, err)
		}
	}
	if len(msgContext) > 0 {
		if err := json.Unmarshal(msgContext, &m.Context); err != nil {
			return nil, fmt.Errorf("decode context of %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func (r *MessageRepo) Create(ctx context.Context, m *domain.Message) error {
	analytics, err := json.Marshal(m.Analytics)
	if err != nil {
		return fmt.Errorf("encode analytics: %w", err)
	}
	msgContext, err := jsonObject(m.Context)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scheduled_emails
			(id, from_address, to_addresses, subject, text_body, html_body, status,
			 scheduled_for, retry_count, fallback_to_system,
			 lead_id, client_id, coach_id, email_thread_id, email_sequence_id,
			 sequence_order, template_id, analytics, context, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`, m.ID, nullString(m.From), pq.Array(m.To), m.Subject, nullString(m.Text), nullString(m.HTML), m.Status,
		m.ScheduledFor, m.RetryCount, m.FallbackToSystem,
		nullString(m.Correlation.LeadID), nullString(m.Correlation.ClientID), nullString(m.Correlation.CoachID),
		nullString(m.Correlation.EmailThreadID), nullString(m.Correlation.EmailSequenceID),
		m.Correlation.SequenceOrder, nullString(m.Correlation.TemplateID),
		string(analytics), msgContext, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (r *MessageRepo) Get(ctx context.Context, id string) (*domain.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM scheduled_emails WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, message.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (r *MessageRepo) GetDue(ctx context.Context, now time.Time, limit int) ([]domain.Message, error) {
	return r.query(ctx, "get due messages", `
		SELECT `+messageColumns+`
		FROM scheduled_emails
		WHERE status IN ('pending', 'scheduled')
		  AND (scheduled_for IS NULL OR scheduled_for <= $1)
		ORDER BY COALESCE(scheduled_for, created_at) ASC
		LIMIT $2
	`, now.UTC(), limit)
}

func (r *MessageRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_emails
		SET status = 'processing', claimed_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'scheduled')
	`, id, now.UTC())
	if err != nil {
		return false, fmt.Errorf("claim message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *MessageRepo) MarkSent(ctx context.Context, id string, sent message.SentResult) error {
	patch := map[string]string{}
	if sent.Provider != "" {
		patch[domain.ContextProvider] = string(sent.Provider)
	}
	if sent.AccountID != "" {
		patch[domain.ContextAccountID] = sent.AccountID
	}
	return r.transition(ctx, id, domain.MessageSent, patch, `
		UPDATE scheduled_emails
		SET status = 'sent', sent_at = $2, provider_message_id = $3,
		    error_message = NULL, claimed_at = NULL,
		    context = context || $4::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, sent.SentAt.UTC(), nullString(sent.ProviderMessageID))
}

func (r *MessageRepo) MarkFailed(ctx context.Context, id, errMsg string, retryCount int, failureKind string) error {
	patch := map[string]string{}
	if failureKind != "" {
		patch[domain.ContextFailureKind] = failureKind
	}
	return r.transition(ctx, id, domain.MessageFailed, patch, `
		UPDATE scheduled_emails
		SET status = 'failed', error_message = $2, retry_count = $3,
		    claimed_at = NULL, context = context || $4::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, errMsg, retryCount)
}

func (r *MessageRepo) Reschedule(ctx context.Context, id string, at time.Time, retryCount int, errMsg string) error {
	return r.transition(ctx, id, domain.MessageScheduled, nil, `
		UPDATE scheduled_emails
		SET status = 'scheduled', scheduled_for = $2, retry_count = $3,
		    error_message = NULLIF($4, ''), claimed_at = NULL,
		    context = context || $5::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, at.UTC(), retryCount, errMsg)
}

// transition runs a conditional status UPDATE whose last placeholder is the
// context patch. When no row matched it works out whether the message is
// missing or in the wrong status.
func (r *MessageRepo) transition(ctx context.Context, id string, to domain.MessageStatus, patch map[string]string, query string, args ...interface{}) error {
	encoded, err := jsonObject(patch)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, query, append(args, encoded)...)
	if err != nil {
		return fmt.Errorf("mark %s: %w", to, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current domain.MessageStatus
	err = r.db.QueryRowContext(ctx, `SELECT status FROM scheduled_emails WHERE id = $1`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return message.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mark %s: %w", to, err)
	}
	return fmt.Errorf("%w: %s -> %s", message.ErrInvalidTransition, current, to)
}

func (r *MessageRepo) Cancel(ctx context.Context, id string, reason domain.CancelReason) (bool, error) {
	patch, err := cancelPatch(reason)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_emails
		SET status = 'cancelled', context = context || $2::jsonb, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'scheduled', 'paused')
	`, id, patch)
	if err != nil {
		return false, fmt.Errorf("cancel message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM scheduled_emails WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("cancel message: %w", err)
	}
	if !exists {
		return false, message.ErrNotFound
	}
	return false, nil
}

func (r *MessageRepo) UpdateStatusByCorrelation(ctx context.Context, f message.CorrelationFilter, from []domain.MessageStatus, to domain.MessageStatus, reason domain.CancelReason) (int, error) {
	if f.IsEmpty() {
		return 0, message.ErrEmptyCorrelation
	}

	var legal []string
	for _, s := range from {
		if domain.CanTransition(s, to) {
			legal = append(legal, string(s))
		}
	}
	if len(legal) == 0 {
		return 0, nil
	}

	patch := "{}"
	if to == domain.MessageCancelled {
		var err error
		if patch, err = cancelPatch(reason); err != nil {
			return 0, err
		}
	}

	q := `UPDATE scheduled_emails
		SET status = $1, context = context || $2::jsonb, updated_at = NOW()
		WHERE status = ANY($3)`
	args := []interface{}{to, patch, pq.Array(legal)}
	idx := 4

	for _, c := range []struct{ column, value string }{
		{"lead_id", f.LeadID},
		{"client_id", f.ClientID},
		{"coach_id", f.CoachID},
		{"email_thread_id", f.EmailThreadID},
		{"email_sequence_id", f.EmailSequenceID},
	} {
		if c.value == "" {
			continue
		}
		q += fmt.Sprintf(" AND %s = $%d", c.column, idx)
		args = append(args, c.value)
		idx++
	}

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("update status by correlation: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *MessageRepo) CancelByRecipient(ctx context.Context, email string, reason domain.CancelReason) (int, error) {
	patch, err := cancelPatch(reason)
	if err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_emails
		SET status = 'cancelled', context = context || $2::jsonb, updated_at = NOW()
		WHERE status IN ('scheduled', 'paused') AND $1 = ANY(to_addresses)
	`, domain.NormalizeEmail(email), patch)
	if err != nil {
		return 0, fmt.Errorf("cancel by recipient: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *MessageRepo) FindDuplicateRecent(ctx context.Context, subject, to string, since time.Time, excludeID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM scheduled_emails
			WHERE subject = $1 AND $2 = ANY(to_addresses) AND id <> $4
			  AND ((status = 'sent' AND sent_at >= $3)
			    OR (status = 'processing' AND claimed_at >= $3))
		)
	`, subject, domain.NormalizeEmail(to), since.UTC(), excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("find duplicate: %w", err)
	}
	return exists, nil
}

func (r *MessageRepo) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.Message, error) {
	if providerMessageID == "" {
		return nil, message.ErrNotFound
	}
	m, err := scanMessage(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM scheduled_emails WHERE provider_message_id = $1 LIMIT 1`,
		providerMessageID))
	if err == sql.ErrNoRows {
		return nil, message.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by provider message id: %w", err)
	}
	return m, nil
}

func (r *MessageRepo) MergeAnalytics(ctx context.Context, id string, u domain.AnalyticsUpdate) (bool, error) {
	return r.updateAnalytics(ctx, id, u, false)
}

func (r *MessageRepo) MarkBounced(ctx context.Context, id string, u domain.AnalyticsUpdate) (bool, error) {
	u.Kind = domain.AnalyticsBounced
	return r.updateAnalytics(ctx, id, u, true)
}

// updateAnalytics merges u under a row lock so concurrent webhook events
// for the same message apply one after the other.
func (r *MessageRepo) updateAnalytics(ctx context.Context, id string, u domain.AnalyticsUpdate, bounce bool) (changed bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var (
		status       domain.MessageStatus
		raw          []byte
		errorMessage string
		analytics    domain.Analytics
	)
	err = tx.QueryRowContext(ctx, `
		SELECT status, analytics, COALESCE(error_message,'')
		FROM scheduled_emails WHERE id = $1 FOR UPDATE
	`, id).Scan(&status, &raw, &errorMessage)
	if err == sql.ErrNoRows {
		return false, message.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lock message: %w", err)
	}
	if len(raw) > 0 {
		if err = json.Unmarshal(raw, &analytics); err != nil {
			return false, fmt.Errorf("decode analytics: %w", err)
		}
	}

	changed = analytics.Apply(u)
	if bounce && domain.CanTransition(status, domain.MessageBounced) {
		status = domain.MessageBounced
		if errorMessage == "" {
			errorMessage = u.Reason
		}
		changed = true
	}
	if !changed {
		return false, tx.Commit()
	}

	encoded, err := json.Marshal(analytics)
	if err != nil {
		return false, fmt.Errorf("encode analytics: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `
		UPDATE scheduled_emails
		SET analytics = $2, status = $3, error_message = NULLIF($4, ''), updated_at = NOW()
		WHERE id = $1
	`, id, string(encoded), status, errorMessage); err != nil {
		return false, fmt.Errorf("update analytics: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (r *MessageRepo) ListFailed(ctx context.Context, coachID string, limit int) ([]domain.Message, error) {
	q := `SELECT ` + messageColumns + `
		FROM scheduled_emails
		WHERE status = 'failed' AND context->>'retried_as' IS NULL`
	args := []interface{}{}
	if coachID != "" {
		q += ` AND coach_id = $1`
		args = append(args, coachID)
	}
	q += fmt.Sprintf(` ORDER BY updated_at ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)
	return r.query(ctx, "list failed messages", q, args...)
}

func (r *MessageRepo) MarkRetried(ctx context.Context, id, newID string) error {
	patch, err := jsonObject(map[string]string{domain.ContextRetriedAs: newID})
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_emails
		SET context = context || $2::jsonb, updated_at = NOW()
		WHERE id = $1
	`, id, patch)
	if err != nil {
		return fmt.Errorf("mark retried: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return message.ErrNotFound
	}
	return nil
}

func (r *MessageRepo) RecoverStale(ctx context.Context, staleBefore time.Time, maxRetries int) (res *message.RecoveryResult, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// exhausted claims fail first so the requeue below cannot pick them up
	rows, err := tx.QueryContext(ctx, `
		UPDATE scheduled_emails
		SET status = 'failed', retry_count = retry_count + 1,
		    error_message = 'delivery attempt abandoned', claimed_at = NULL, updated_at = NOW()
		WHERE status = 'processing' AND claimed_at < $1 AND retry_count + 1 >= $2
		RETURNING `+messageColumns, staleBefore.UTC(), maxRetries)
	if err != nil {
		return nil, fmt.Errorf("fail stale claims: %w", err)
	}
	res = &message.RecoveryResult{}
	for rows.Next() {
		m, scanErr := scanMessage(rows)
		if scanErr != nil {
			rows.Close()
			return nil, fmt.Errorf("scan failed claim: %w", scanErr)
		}
		res.Failed = append(res.Failed, *m)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("fail stale claims: %w", err)
	}

	requeued, err := tx.ExecContext(ctx, `
		UPDATE scheduled_emails
		SET status = 'scheduled', retry_count = retry_count + 1, scheduled_for = NOW(),
		    claimed_at = NULL, updated_at = NOW()
		WHERE status = 'processing' AND claimed_at < $1
	`, staleBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("requeue stale claims: %w", err)
	}
	n, _ := requeued.RowsAffected()
	res.Requeued = int(n)

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func (r *MessageRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM scheduled_emails
		WHERE id IN (
			SELECT id FROM scheduled_emails
			WHERE status IN ('sent', 'failed', 'cancelled')
			  AND updated_at < $1
			LIMIT $2
		)
	`, cutoff.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("delete terminal messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *MessageRepo) query(ctx context.Context, op, q string, args ...interface{}) ([]domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func cancelPatch(reason domain.CancelReason) (string, error) {
	if reason == "" {
		return "{}", nil
	}
	return jsonObject(map[string]string{domain.ContextCancelReason: string(reason)})
}

// jsonObject encodes m for a jsonb column, writing {} for an empty map.
func jsonObject(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode context: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
