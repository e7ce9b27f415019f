package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/buildcrest/be-proposals/internal/database"
	"github.com/buildcrest/be-proposals/internal/errors"
)

// ProposalRepository handles proposal aggregate data operations.
type ProposalRepository struct {
	db *database.DB
}

// NewProposalRepository creates a new ProposalRepository.
func NewProposalRepository(db *database.DB) *ProposalRepository {
	return &ProposalRepository{db: db}
}

const proposalColumns = `
	id, proposal_number, title,
	client_name, client_email, client_phone, client_address,
	status, priority, currency, valid_until, total_amount, sent_at,
	created_by, created_at, updated_by, updated_at
`

// Create inserts a new draft proposal.
func (r *ProposalRepository) Create(ctx context.Context, p *Proposal) error {
	query := `
		INSERT INTO proposals
		    (proposal_number, title,
		     client_name, client_email, client_phone, client_address,
		     status, priority, currency, valid_until, total_amount, created_by)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7::proposal_status, $8::proposal_priority, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		p.ProposalNumber,
		p.Title,
		p.ClientName,
		p.ClientEmail,
		p.ClientPhone,
		p.ClientAddress,
		p.Status,
		p.Priority,
		p.Currency,
		p.ValidUntil,
		p.TotalAmount,
		p.CreatedBy,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create proposal")
	}
	return nil
}

// GetByID retrieves a proposal by ID.
func (r *ProposalRepository) GetByID(ctx context.Context, id string) (*Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE id = $1`

	p, err := scanProposal(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("proposal", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get proposal")
	}
	return p, nil
}

// List retrieves proposals with filtering and pagination.
func (r *ProposalRepository) List(ctx context.Context, status, priority *string, limit, offset int) ([]*Proposal, int64, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE TRUE`
	countQuery := `SELECT COUNT(*) FROM proposals WHERE TRUE`

	args := []any{}
	argCount := 1

	if status != nil {
		cond := fmt.Sprintf(" AND status = $%d::proposal_status", argCount)
		query += cond
		countQuery += cond
		args = append(args, *status)
		argCount++
	}
	if priority != nil {
		cond := fmt.Sprintf(" AND priority = $%d::proposal_priority", argCount)
		query += cond
		countQuery += cond
		args = append(args, *priority)
		argCount++
	}

	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argCount, argCount+1)
	queryArgs := append(args, limit, offset)

	var total int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count proposals")
	}

	rows, err := r.db.Query(ctx, query, queryArgs...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list proposals")
	}
	defer rows.Close()

	proposals := make([]*Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan proposal")
		}
		proposals = append(proposals, p)
	}
	return proposals, total, nil
}

// ListByStatus returns all proposals in a given status. Used by the periodic
// sweeps (time-based rules, expiry materialization).
func (r *ProposalRepository) ListByStatus(ctx context.Context, status string) ([]*Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE status = $1::proposal_status`

	rows, err := r.db.Query(ctx, query, status)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list proposals by status")
	}
	defer rows.Close()

	var proposals []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan proposal")
		}
		proposals = append(proposals, p)
	}
	return proposals, nil
}

// TransitionStatus applies a status transition, appends its status_change
// event and enqueues the notification mails the transition owes, all in one
// transaction. The `WHERE status = from` guard is the compare-and-swap that
// serializes concurrent transitions per proposal: a second caller observing
// the same `from` status fails with Conflict and must refetch. A committed
// transition therefore always has its outbox rows; a crash can at worst delay
// their delivery, never lose them.
func (r *ProposalRepository) TransitionStatus(ctx context.Context, id, from, to, actor string, mails []*OutboxEntry) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE proposals
			SET status     = $3::proposal_status,
			    sent_at    = CASE WHEN $3 = 'sent' AND sent_at IS NULL THEN NOW() ELSE sent_at END,
			    updated_by = $4,
			    updated_at = NOW()
			WHERE id = $1 AND status = $2::proposal_status
			RETURNING id
		`

		var returnedID string
		err := tx.QueryRow(ctx, query, id, from, to, actor).Scan(&returnedID)
		if err == pgx.ErrNoRows {
			return errors.Conflict(
				fmt.Sprintf("proposal %s is no longer in status '%s'", id, from))
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to transition proposal status")
		}

		for _, mail := range mails {
			if err := enqueueOutboxTx(ctx, tx, mail); err != nil {
				return err
			}
		}

		return appendEventTx(ctx, tx, StatusChangeEvent(id, from, to, actor))
	})
}

// Delete removes a draft that never got its initial version. Only drafts can
// be deleted; versions and events cascade.
func (r *ProposalRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM proposals WHERE id = $1 AND status = 'draft'`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete proposal")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("proposal", id)
	}
	return nil
}

// MaterializeExpired flips proposals past their validity deadline into the
// expired status, emitting one status_change event per proposal. Returns the
// affected proposal IDs. Terminal statuses are never touched.
func (r *ProposalRepository) MaterializeExpired(ctx context.Context) ([]string, error) {
	var expired []string

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE proposals p
			SET status = 'expired'::proposal_status, updated_at = NOW()
			FROM (
			    SELECT id, status FROM proposals
			    WHERE valid_until IS NOT NULL
			      AND valid_until < NOW()
			      AND status IN ('draft', 'pending_approval', 'sent', 'viewed')
			    FOR UPDATE
			) old
			WHERE p.id = old.id
			RETURNING p.id, old.status
		`

		rows, err := tx.Query(ctx, query)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to materialize expired proposals")
		}

		type flipped struct{ id, from string }
		var flips []flipped
		for rows.Next() {
			var f flipped
			if err := rows.Scan(&f.id, &f.from); err != nil {
				rows.Close()
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan expired proposal")
			}
			flips = append(flips, f)
		}
		rows.Close()

		for _, f := range flips {
			if err := appendEventTx(ctx, tx, StatusChangeEvent(f.id, f.from, StatusExpired, "system")); err != nil {
				return err
			}
			expired = append(expired, f.id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type proposalScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row proposalScanner) (*Proposal, error) {
	p := &Proposal{}
	err := row.Scan(
		&p.ID,
		&p.ProposalNumber,
		&p.Title,
		&p.ClientName,
		&p.ClientEmail,
		&p.ClientPhone,
		&p.ClientAddress,
		&p.Status,
		&p.Priority,
		&p.Currency,
		&p.ValidUntil,
		&p.TotalAmount,
		&p.SentAt,
		&p.CreatedBy,
		&p.CreatedAt,
		&p.UpdatedBy,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}
