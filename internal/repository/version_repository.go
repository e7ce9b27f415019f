package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/buildcrest/be-proposals/internal/database"
	"github.com/buildcrest/be-proposals/internal/errors"
)

// VersionRepository manages the append-only version store. Versions are never
// updated or deleted after creation; only Commit changes which version is
// current, and it does so in a single transaction.
type VersionRepository struct {
	db *database.DB
}

// NewVersionRepository creates a new VersionRepository.
func NewVersionRepository(db *database.DB) *VersionRepository {
	return &VersionRepository{db: db}
}

const versionColumns = `
	id, proposal_id, version_number, content, line_items,
	subtotal, tax_rate_percent, tax_amount, discount_amount, total_amount,
	is_current, change_summary, created_by, created_at
`

// Commit appends a new version. baseVersionID is the id of the version the
// caller edited from; it must still be the current version, otherwise the
// commit fails with Conflict and the caller must refetch and retry. An empty
// baseVersionID is only valid for a proposal's first version. The prior
// current flag flip, the new row insert, the proposal total update and the
// version_committed event are one transaction.
func (r *VersionRepository) Commit(ctx context.Context, version *ProposalVersion, baseVersionID string) error {
	contentJSON, err := json.Marshal(version.Content)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal version content")
	}
	lineItemsJSON, err := json.Marshal(version.LineItems)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal line items")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if baseVersionID == "" {
			// First commit: no current version may exist yet.
			var existingID string
			err := tx.QueryRow(ctx,
				`SELECT id FROM proposal_versions WHERE proposal_id = $1 AND is_current LIMIT 1`,
				version.ProposalID,
			).Scan(&existingID)
			if err == nil {
				return errors.Conflict(
					fmt.Sprintf("proposal %s already has a current version %s", version.ProposalID, existingID))
			}
			if err != pgx.ErrNoRows {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to check current version")
			}
			version.VersionNumber = 1
		} else {
			// Flip the prior current off; zero rows means the base version is
			// stale (a concurrent commit won) and the caller must retry.
			var baseNumber int
			err := tx.QueryRow(ctx, `
				UPDATE proposal_versions
				SET is_current = FALSE
				WHERE id = $1 AND proposal_id = $2 AND is_current
				RETURNING version_number
			`, baseVersionID, version.ProposalID).Scan(&baseNumber)
			if err == pgx.ErrNoRows {
				return errors.Conflict(
					fmt.Sprintf("version %s is not the current version of proposal %s", baseVersionID, version.ProposalID))
			}
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to retire current version")
			}
			version.VersionNumber = baseNumber + 1
		}

		insertQuery := `
			INSERT INTO proposal_versions
			    (proposal_id, version_number, content, line_items,
			     subtotal, tax_rate_percent, tax_amount, discount_amount, total_amount,
			     is_current, change_summary, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, $10, $11)
			RETURNING id, created_at
		`

		err := tx.QueryRow(ctx, insertQuery,
			version.ProposalID,
			version.VersionNumber,
			contentJSON,
			lineItemsJSON,
			version.Subtotal,
			version.TaxRatePercent,
			version.TaxAmount,
			version.DiscountAmount,
			version.TotalAmount,
			version.ChangeSummary,
			version.CreatedBy,
		).Scan(&version.ID, &version.CreatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert version")
		}
		version.IsCurrent = true

		// Keep the aggregate's total in lockstep with the current version.
		tag, err := tx.Exec(ctx, `
			UPDATE proposals
			SET total_amount = $2, updated_at = NOW()
			WHERE id = $1
		`, version.ProposalID, version.TotalAmount)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update proposal total")
		}
		if tag.RowsAffected() == 0 {
			return errors.NotFound("proposal", version.ProposalID)
		}

		actor := ""
		if version.CreatedBy != nil {
			actor = *version.CreatedBy
		}
		return appendEventTx(ctx, tx, &ProposalEvent{
			ProposalID: version.ProposalID,
			EventType:  EventVersionCommitted,
			Actor:      actor,
			Payload: map[string]any{
				"version_id":     version.ID,
				"version_number": version.VersionNumber,
				"total_amount":   version.TotalAmount,
			},
		})
	})
}

// GetCurrent returns the current version of a proposal.
func (r *VersionRepository) GetCurrent(ctx context.Context, proposalID string) (*ProposalVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM proposal_versions WHERE proposal_id = $1 AND is_current`

	version, err := scanVersion(r.db.QueryRow(ctx, query, proposalID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("current version for proposal", proposalID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get current version")
	}
	return version, nil
}

// GetByID loads one past snapshot. This read never changes is_current and
// never creates a version; only Commit mutates the store.
func (r *VersionRepository) GetByID(ctx context.Context, versionID string) (*ProposalVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM proposal_versions WHERE id = $1`

	version, err := scanVersion(r.db.QueryRow(ctx, query, versionID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("version", versionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get version")
	}
	return version, nil
}

// History returns versions descending by version_number with restartable
// offset pagination, plus the total stored count.
func (r *VersionRepository) History(ctx context.Context, proposalID string, limit, offset int) ([]*ProposalVersion, int64, error) {
	var total int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM proposal_versions WHERE proposal_id = $1`, proposalID,
	).Scan(&total)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count versions")
	}

	query := `
		SELECT ` + versionColumns + `
		FROM proposal_versions
		WHERE proposal_id = $1
		ORDER BY version_number DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, proposalID, limit, offset)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list versions")
	}
	defer rows.Close()

	versions := make([]*ProposalVersion, 0)
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan version")
		}
		versions = append(versions, version)
	}
	return versions, total, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type versionScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row versionScanner) (*ProposalVersion, error) {
	version := &ProposalVersion{}
	var contentJSON, lineItemsJSON []byte

	err := row.Scan(
		&version.ID,
		&version.ProposalID,
		&version.VersionNumber,
		&contentJSON,
		&lineItemsJSON,
		&version.Subtotal,
		&version.TaxRatePercent,
		&version.TaxAmount,
		&version.DiscountAmount,
		&version.TotalAmount,
		&version.IsCurrent,
		&version.ChangeSummary,
		&version.CreatedBy,
		&version.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(contentJSON, &version.Content); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal version content")
	}
	if err := json.Unmarshal(lineItemsJSON, &version.LineItems); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal line items")
	}
	return version, nil
}
