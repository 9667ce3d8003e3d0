package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
)

const campaignColumns = `id, name, template_id, contact_ids, status, scheduled_at, cancelled,
	failure_reason, recipient_count, sent_count, delivered_count, opened_count,
	clicked_count, failed_count, started_at, completed_at, created_at, updated_at`

const deliveryColumns = `id, campaign_id, contact_id, email, rendered_subject, rendered_body,
	outcome, attempts, last_error, transport_id, sent_at, delivered_at, opened_at,
	clicked_at, failed_at, created_at, updated_at`

// CampaignRepo implements campaign.Repository and campaign.DeliveryRepository
// against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

type scanner interface {
	Scan(dest ...any) error
}

func scanCampaign(s scanner) (*domain.Campaign, error) {
	var (
		c                             domain.Campaign
		ids                           []string
		scheduled, started, completed sql.NullTime
	)
	err := s.Scan(
		&c.ID, &c.Name, &c.TemplateID, pq.Array(&ids), &c.Status, &scheduled, &c.Cancelled,
		&c.FailureReason, &c.RecipientCount, &c.SentCount, &c.DeliveredCount, &c.OpenedCount,
		&c.ClickedCount, &c.FailedCount, &started, &completed, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Recipients.ContactIDs = ids
	c.ScheduledAt = timePtr(scheduled)
	c.StartedAt = timePtr(started)
	c.CompletedAt = timePtr(completed)
	return &c, nil
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		where = append(where, fmt.Sprintf("name ILIKE $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := `SELECT ` + campaignColumns + ` FROM campaigns` + clause +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, q, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, template_id, contact_ids, status, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.Name, c.TemplateID, pq.Array(c.Recipients.ContactIDs), c.Status,
		nullTime(c.ScheduledAt), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

// BeginDispatch flips the draft row and inserts the pending records in one
// transaction. The status predicate makes concurrent starts lose cleanly.
func (r *CampaignRepo) BeginDispatch(ctx context.Context, c *domain.Campaign, records []domain.DeliveryRecord) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $2, recipient_count = $3, failure_reason = $4, started_at = $5,
		    completed_at = $6, updated_at = $7
		WHERE id = $1 AND status = 'draft'
	`, c.ID, c.Status, c.RecipientCount, c.FailureReason, nullTime(c.StartedAt),
		nullTime(c.CompletedAt), c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("begin dispatch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		switch qerr := tx.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = $1`, c.ID).Scan(&status); {
		case errors.Is(qerr, sql.ErrNoRows):
			return campaign.ErrNotFound
		case qerr != nil:
			return fmt.Errorf("begin dispatch: %w", qerr)
		}
		return fmt.Errorf("%w: campaign is %s", campaign.ErrAlreadyDispatched, status)
	}

	if len(records) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO delivery_records (`+deliveryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		`)
		if err != nil {
			return fmt.Errorf("prepare delivery insert: %w", err)
		}
		defer stmt.Close()
		for i := range records {
			if _, err := stmt.ExecContext(ctx, deliveryArgs(&records[i])...); err != nil {
				return fmt.Errorf("insert delivery %s: %w", records[i].ContactID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dispatch: %w", err)
	}
	return nil
}

// SaveStatus only touches rows still in sending, so a replica holding an
// older view cannot reopen or overwrite a terminal campaign.
func (r *CampaignRepo) SaveStatus(ctx context.Context, c *domain.Campaign) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $2, cancelled = $3, failure_reason = $4, completed_at = $5, updated_at = $6
		WHERE id = $1 AND status = 'sending'
	`, c.ID, c.Status, c.Cancelled, c.FailureReason, nullTime(c.CompletedAt), c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		switch qerr := r.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = $1`, c.ID).Scan(&status); {
		case errors.Is(qerr, sql.ErrNoRows):
			return campaign.ErrNotFound
		case qerr != nil:
			return fmt.Errorf("save campaign status: %w", qerr)
		}
		return fmt.Errorf("%w: campaign is %s", campaign.ErrInvalidTransition, status)
	}
	return nil
}

func (r *CampaignRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM campaigns
		WHERE status = 'draft' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due campaigns: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due campaign: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *CampaignRepo) Totals(ctx context.Context) (int, int, error) {
	var campaigns, sent int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(sent_count), 0) FROM campaigns`,
	).Scan(&campaigns, &sent)
	if err != nil {
		return 0, 0, fmt.Errorf("campaign totals: %w", err)
	}
	return campaigns, sent, nil
}

// SettleDelivery writes a pending record's result and bumps the matching
// counter in one transaction. The outcome predicate makes a repeated or
// racing settle a no-op.
func (r *CampaignRepo) SettleDelivery(ctx context.Context, rec *domain.DeliveryRecord) (c *domain.Campaign, applied bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE delivery_records
		SET rendered_subject = $3, rendered_body = $4, outcome = $5, attempts = $6,
		    last_error = $7, transport_id = $8, sent_at = $9, failed_at = $10, updated_at = $11
		WHERE campaign_id = $1 AND contact_id = $2 AND outcome = 'pending'
	`, rec.CampaignID, rec.ContactID, rec.Subject, rec.Body, rec.Outcome, rec.Attempts,
		rec.LastError, rec.TransportID, nullTime(rec.SentAt), nullTime(rec.FailedAt), rec.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("settle delivery: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		var outcome string
		qerr := tx.QueryRowContext(ctx,
			`SELECT outcome FROM delivery_records WHERE campaign_id = $1 AND contact_id = $2`,
			rec.CampaignID, rec.ContactID).Scan(&outcome)
		if errors.Is(qerr, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("%w: %s", campaign.ErrUnknownRecipient, rec.ContactID)
		}
		if qerr != nil {
			return nil, false, fmt.Errorf("settle delivery: %w", qerr)
		}
		c, err = scanCampaign(tx.QueryRowContext(ctx,
			`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, rec.CampaignID))
		if err != nil {
			return nil, false, fmt.Errorf("settle delivery: %w", err)
		}
		return c, false, tx.Commit()
	}

	counter := "sent_count"
	if rec.Outcome == domain.OutcomeFailed {
		counter = "failed_count"
	}
	c, err = scanCampaign(tx.QueryRowContext(ctx, `
		UPDATE campaigns SET `+counter+` = `+counter+` + 1, updated_at = $2
		WHERE id = $1
		RETURNING `+campaignColumns, rec.CampaignID, rec.UpdatedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, campaign.ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("count settled delivery: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit settle: %w", err)
	}
	return c, true, nil
}

// eventColumns maps an event type to the record timestamp it stamps, the
// campaign counter it bumps and the outcomes it advances from.
func eventColumns(t domain.EventType) (stamp, counter, advance string, err error) {
	switch t {
	case domain.EventDelivered:
		return "delivered_at", "delivered_count", `CASE WHEN outcome = 'sent' THEN 'delivered' ELSE outcome END`, nil
	case domain.EventOpened:
		return "opened_at", "opened_count", `CASE WHEN outcome = 'clicked' THEN outcome ELSE 'opened' END`, nil
	case domain.EventClicked:
		return "clicked_at", "clicked_count", `'clicked'`, nil
	}
	return "", "", "", fmt.Errorf("%w: %q", campaign.ErrInvalidEvent, t)
}

// ApplyEvent stamps the event on a sent record and bumps the counter in one
// transaction. The IS NULL predicate is the idempotency check, so
// concurrent deliveries of one event count once across replicas.
func (r *CampaignRepo) ApplyEvent(ctx context.Context, campaignID, contactID string, t domain.EventType, at time.Time) (applied bool, err error) {
	stamp, counter, advance, err := eventColumns(t)
	if err != nil {
		return false, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE delivery_records
		SET `+stamp+` = $3, outcome = `+advance+`, updated_at = $3
		WHERE campaign_id = $1 AND contact_id = $2
		  AND sent_at IS NOT NULL AND outcome <> 'failed' AND `+stamp+` IS NULL
	`, campaignID, contactID, at)
	if err != nil {
		return false, fmt.Errorf("apply event: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		if err := explainSkippedEvent(ctx, tx, campaignID, contactID); err != nil {
			return false, err
		}
		return false, tx.Commit()
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE campaigns SET `+counter+` = `+counter+` + 1, updated_at = $2 WHERE id = $1
	`, campaignID, at)
	if err != nil {
		return false, fmt.Errorf("count event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, campaign.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit event: %w", err)
	}
	return true, nil
}

// explainSkippedEvent tells a duplicate (nil) apart from an event that can
// never apply.
func explainSkippedEvent(ctx context.Context, tx *sql.Tx, campaignID, contactID string) error {
	var (
		outcome string
		sent    bool
	)
	err := tx.QueryRowContext(ctx, `
		SELECT outcome, sent_at IS NOT NULL FROM delivery_records
		WHERE campaign_id = $1 AND contact_id = $2
	`, campaignID, contactID).Scan(&outcome, &sent)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if qerr := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1)`, campaignID).Scan(&exists); qerr != nil {
			return fmt.Errorf("apply event: %w", qerr)
		}
		if !exists {
			return campaign.ErrNotFound
		}
		return fmt.Errorf("%w: %s", campaign.ErrUnknownRecipient, contactID)
	}
	if err != nil {
		return fmt.Errorf("apply event: %w", err)
	}
	switch {
	case domain.Outcome(outcome) == domain.OutcomeFailed:
		return fmt.Errorf("%w: %s", campaign.ErrRecipientFailed, contactID)
	case !sent:
		return fmt.Errorf("%w: %s is %s", campaign.ErrNotSent, contactID, outcome)
	}
	return nil
}

func (r *CampaignRepo) ListDeliveries(ctx context.Context, campaignID string, f campaign.DeliveryFilter) ([]domain.DeliveryRecord, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args := []any{campaignID}
	clause := " WHERE campaign_id = $1"
	if f.Outcome != "" {
		args = append(args, f.Outcome)
		clause += " AND outcome = $2"
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_records`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count deliveries: %w", err)
	}

	q := `SELECT ` + deliveryColumns + ` FROM delivery_records` + clause +
		fmt.Sprintf(" ORDER BY seq LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	out, err := r.queryDeliveries(ctx, q, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *CampaignRepo) AllDeliveries(ctx context.Context, campaignID string) ([]domain.DeliveryRecord, error) {
	return r.queryDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM delivery_records WHERE campaign_id = $1 ORDER BY seq`, campaignID)
}

func (r *CampaignRepo) queryDeliveries(ctx context.Context, q string, args ...any) ([]domain.DeliveryRecord, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []domain.DeliveryRecord
	for rows.Next() {
		var (
			d                                        domain.DeliveryRecord
			sent, delivered, opened, clicked, failed sql.NullTime
		)
		if err := rows.Scan(
			&d.ID, &d.CampaignID, &d.ContactID, &d.Email, &d.Subject, &d.Body,
			&d.Outcome, &d.Attempts, &d.LastError, &d.TransportID, &sent, &delivered, &opened,
			&clicked, &failed, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.SentAt = timePtr(sent)
		d.DeliveredAt = timePtr(delivered)
		d.OpenedAt = timePtr(opened)
		d.ClickedAt = timePtr(clicked)
		d.FailedAt = timePtr(failed)
		out = append(out, d)
	}
	return out, rows.Err()
}

func deliveryArgs(d *domain.DeliveryRecord) []any {
	return []any{
		d.ID, d.CampaignID, d.ContactID, d.Email, d.Subject, d.Body,
		d.Outcome, d.Attempts, d.LastError, d.TransportID, nullTime(d.SentAt),
		nullTime(d.DeliveredAt), nullTime(d.OpenedAt), nullTime(d.ClickedAt),
		nullTime(d.FailedAt), d.CreatedAt, d.UpdatedAt,
	}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
