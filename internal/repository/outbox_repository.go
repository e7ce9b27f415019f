package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/buildcrest/be-proposals/internal/database"
	"github.com/buildcrest/be-proposals/internal/errors"
)

// OutboxRepository queues outbound notifications for at-least-once delivery.
// The dispatcher drains pending rows; a row is only marked sent after the
// notifier call succeeded, so a crash between send and mark yields a resend,
// never a lost notification.
type OutboxRepository struct {
	db *database.DB
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(db *database.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

const outboxInsertQuery = `
	INSERT INTO notification_outbox
	    (id, proposal_id, recipients, subject, html_body, status)
	VALUES ($1, $2, $3, $4, $5, 'pending')
	RETURNING created_at
`

// Enqueue inserts a pending outbox entry outside any state-changing
// transaction. Used for notifications with no accompanying state change
// (approver notices, sweep reminders).
func (r *OutboxRepository) Enqueue(ctx context.Context, entry *OutboxEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Status = OutboxPending

	err := r.db.QueryRow(ctx, outboxInsertQuery,
		entry.ID,
		entry.ProposalID,
		entry.Recipients,
		entry.Subject,
		entry.HTMLBody,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to enqueue notification")
	}
	return nil
}

// enqueueOutboxTx inserts an outbox entry inside an already-open transaction.
// Used by the proposal repository so a status transition and the notifications
// it owes are one atomic commit: either both exist or neither does.
func enqueueOutboxTx(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Status = OutboxPending

	err := tx.QueryRow(ctx, outboxInsertQuery,
		entry.ID,
		entry.ProposalID,
		entry.Recipients,
		entry.Subject,
		entry.HTMLBody,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to enqueue notification")
	}
	return nil
}

// FetchPending returns up to limit pending entries, oldest first. Rows are not
// claimed: concurrent dispatcher instances may pick up the same entry and both
// deliver it, which at-least-once tolerates.
func (r *OutboxRepository) FetchPending(ctx context.Context, limit int) ([]*OutboxEntry, error) {
	query := `
		SELECT id, proposal_id, recipients, subject, html_body,
		       status, attempts, last_error, created_at, sent_at
		FROM notification_outbox
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to fetch pending notifications")
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		err := rows.Scan(
			&e.ID,
			&e.ProposalID,
			&e.Recipients,
			&e.Subject,
			&e.HTMLBody,
			&e.Status,
			&e.Attempts,
			&e.LastError,
			&e.CreatedAt,
			&e.SentAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan outbox entry")
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// MarkSent records a successful delivery.
func (r *OutboxRepository) MarkSent(ctx context.Context, id string) error {
	query := `
		UPDATE notification_outbox
		SET status   = 'sent',
		    attempts = attempts + 1,
		    sent_at  = NOW()
		WHERE id = $1
	`

	_, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark notification sent")
	}
	return nil
}

// MarkFailed records a delivery failure. The entry stays pending for the next
// poll cycle unless the dispatcher has exhausted its retry budget, in which
// case it is parked as failed for manual inspection.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id, errMsg string, exhausted bool) error {
	status := OutboxPending
	if exhausted {
		status = OutboxFailed
	}

	query := `
		UPDATE notification_outbox
		SET status     = $2,
		    attempts   = attempts + 1,
		    last_error = $3
		WHERE id = $1
	`

	_, err := r.db.Exec(ctx, query, id, status, errMsg)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark notification failed")
	}
	return nil
}
