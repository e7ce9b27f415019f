package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/buildcrest/be-proposals/internal/database"
	"github.com/buildcrest/be-proposals/internal/errors"
)

// ApprovalRepository manages approval step templates, runtime instances and
// their steps. Instance + step creation and every decision are single
// transactions: a decision either records the step outcome and the instance
// advance together, or nothing changes.
type ApprovalRepository struct {
	db *database.DB
}

// NewApprovalRepository creates a new ApprovalRepository.
func NewApprovalRepository(db *database.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// ── Step templates ────────────────────────────────────────────────────────────

// ListTemplates returns the configured approval chain ordered by position.
func (r *ApprovalRepository) ListTemplates(ctx context.Context) ([]*ApprovalStepTemplate, error) {
	query := `
		SELECT id, position, step_name, approver_role, approver_email,
		       is_required, timeout_hours, escalation_email, created_at, updated_at
		FROM approval_step_templates
		ORDER BY position ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval step templates")
	}
	defer rows.Close()

	var templates []*ApprovalStepTemplate
	for rows.Next() {
		t := &ApprovalStepTemplate{}
		err := rows.Scan(
			&t.ID,
			&t.Position,
			&t.StepName,
			&t.ApproverRole,
			&t.ApproverEmail,
			&t.IsRequired,
			&t.TimeoutHours,
			&t.EscalationEmail,
			&t.CreatedAt,
			&t.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step template")
		}
		templates = append(templates, t)
	}
	return templates, nil
}

// CreateTemplate inserts a new approval step template.
func (r *ApprovalRepository) CreateTemplate(ctx context.Context, t *ApprovalStepTemplate) error {
	query := `
		INSERT INTO approval_step_templates
		    (position, step_name, approver_role, approver_email,
		     is_required, timeout_hours, escalation_email)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		t.Position,
		t.StepName,
		t.ApproverRole,
		t.ApproverEmail,
		t.IsRequired,
		t.TimeoutHours,
		t.EscalationEmail,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval step template")
	}
	return nil
}

// UpdateTemplate persists changes to a template.
func (r *ApprovalRepository) UpdateTemplate(ctx context.Context, t *ApprovalStepTemplate) error {
	query := `
		UPDATE approval_step_templates
		SET position         = $2,
		    step_name        = $3,
		    approver_role    = $4,
		    approver_email   = $5,
		    is_required      = $6,
		    timeout_hours    = $7,
		    escalation_email = $8,
		    updated_at       = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		t.ID,
		t.Position,
		t.StepName,
		t.ApproverRole,
		t.ApproverEmail,
		t.IsRequired,
		t.TimeoutHours,
		t.EscalationEmail,
	).Scan(&t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_step_template", t.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval step template")
	}
	return nil
}

// DeleteTemplate removes a template from the configured chain.
func (r *ApprovalRepository) DeleteTemplate(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_step_templates WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approval step template")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_step_template", id)
	}
	return nil
}

// ── Instances ─────────────────────────────────────────────────────────────────

// CreateInstance inserts an instance and its steps in one transaction. The
// first step's activation clock starts immediately.
func (r *ApprovalRepository) CreateInstance(ctx context.Context, inst *ApprovalInstance, steps []*ApprovalInstanceStep) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		instQuery := `
			INSERT INTO approval_instances
			    (proposal_id, active_step_index, overall, submitted_by, completed_at)
			VALUES ($1, $2, $3::approval_overall, $4, $5)
			RETURNING id, submitted_at
		`

		err := tx.QueryRow(ctx, instQuery,
			inst.ProposalID,
			inst.ActiveStepIndex,
			inst.Overall,
			inst.SubmittedBy,
			inst.CompletedAt,
		).Scan(&inst.ID, &inst.SubmittedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval instance")
		}

		stepQuery := `
			INSERT INTO approval_instance_steps
			    (instance_id, step_index, step_name, approver_role, approver_email,
			     is_required, timeout_hours, escalation_email, outcome, activated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::approval_step_outcome, $10)
			RETURNING id
		`

		for _, step := range steps {
			step.InstanceID = inst.ID
			err := tx.QueryRow(ctx, stepQuery,
				step.InstanceID,
				step.StepIndex,
				step.StepName,
				step.ApproverRole,
				step.ApproverEmail,
				step.IsRequired,
				step.TimeoutHours,
				step.EscalationEmail,
				step.Outcome,
				step.ActivatedAt,
			).Scan(&step.ID)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval instance step")
			}
		}
		return nil
	})
}

// GetInstance retrieves an instance by primary key.
func (r *ApprovalRepository) GetInstance(ctx context.Context, id string) (*ApprovalInstance, error) {
	query := `
		SELECT id, proposal_id, active_step_index, overall,
		       submitted_by, submitted_at, completed_at
		FROM approval_instances
		WHERE id = $1
	`

	inst, err := scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", id)
	}
	return inst, err
}

// GetActiveByProposal returns the in-progress instance for a proposal, or nil
// when the proposal is not in an approval chain.
func (r *ApprovalRepository) GetActiveByProposal(ctx context.Context, proposalID string) (*ApprovalInstance, error) {
	query := `
		SELECT id, proposal_id, active_step_index, overall,
		       submitted_by, submitted_at, completed_at
		FROM approval_instances
		WHERE proposal_id = $1 AND overall = 'in_progress'
		ORDER BY submitted_at DESC
		LIMIT 1
	`

	inst, err := scanInstance(r.db.QueryRow(ctx, query, proposalID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

// ListInProgress returns every instance still awaiting a decision. Used by
// the timeout sweep.
func (r *ApprovalRepository) ListInProgress(ctx context.Context) ([]*ApprovalInstance, error) {
	query := `
		SELECT id, proposal_id, active_step_index, overall,
		       submitted_by, submitted_at, completed_at
		FROM approval_instances
		WHERE overall = 'in_progress'
		ORDER BY submitted_at ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list in-progress approval instances")
	}
	defer rows.Close()

	var instances []*ApprovalInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval instance")
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// GetSteps returns all steps for an instance ordered by step_index.
func (r *ApprovalRepository) GetSteps(ctx context.Context, instanceID string) ([]*ApprovalInstanceStep, error) {
	query := `
		SELECT id, instance_id, step_index, step_name, approver_role, approver_email,
		       is_required, timeout_hours, escalation_email,
		       outcome, decided_by, decided_at, activated_at
		FROM approval_instance_steps
		WHERE instance_id = $1
		ORDER BY step_index ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval steps")
	}
	defer rows.Close()

	var steps []*ApprovalInstanceStep
	for rows.Next() {
		s := &ApprovalInstanceStep{}
		err := rows.Scan(
			&s.ID,
			&s.InstanceID,
			&s.StepIndex,
			&s.StepName,
			&s.ApproverRole,
			&s.ApproverEmail,
			&s.IsRequired,
			&s.TimeoutHours,
			&s.EscalationEmail,
			&s.Outcome,
			&s.DecidedBy,
			&s.DecidedAt,
			&s.ActivatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step")
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// DecisionUpdate is the atomic state change one decision applies.
type DecisionUpdate struct {
	InstanceID      string
	ProposalID      string
	StepIndex       int
	Outcome         string // approved | rejected | skipped
	DecidedBy       string
	NextActiveIndex int        // unchanged when the chain completes or halts
	Overall         string     // in_progress | approved | rejected
	CompletedAt     *time.Time // set when Overall is terminal
}

// Decide records a step outcome and the instance advance in one transaction.
// Both writes carry a compare-and-swap guard: the step must still be pending
// and the instance must still be in progress at that step. A duplicate or
// out-of-order decision therefore fails with Conflict and changes nothing.
func (r *ApprovalRepository) Decide(ctx context.Context, d DecisionUpdate) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		stepQuery := `
			UPDATE approval_instance_steps
			SET outcome    = $3::approval_step_outcome,
			    decided_by = $4,
			    decided_at = NOW()
			WHERE instance_id = $1 AND step_index = $2 AND outcome = 'pending'
			RETURNING id
		`

		var stepID string
		err := tx.QueryRow(ctx, stepQuery, d.InstanceID, d.StepIndex, d.Outcome, d.DecidedBy).Scan(&stepID)
		if err == pgx.ErrNoRows {
			return errors.Conflict(
				fmt.Sprintf("step %d of instance %s is not pending", d.StepIndex, d.InstanceID))
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to record step decision")
		}

		instQuery := `
			UPDATE approval_instances
			SET active_step_index = $3,
			    overall           = $4::approval_overall,
			    completed_at      = $5
			WHERE id = $1 AND active_step_index = $2 AND overall = 'in_progress'
			RETURNING id
		`

		var instID string
		err = tx.QueryRow(ctx, instQuery,
			d.InstanceID, d.StepIndex, d.NextActiveIndex, d.Overall, d.CompletedAt,
		).Scan(&instID)
		if err == pgx.ErrNoRows {
			return errors.Conflict(
				fmt.Sprintf("instance %s is not in progress at step %d", d.InstanceID, d.StepIndex))
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to advance approval instance")
		}

		// Start the next step's timeout clock when the chain advances.
		if d.Overall == ApprovalInProgress && d.NextActiveIndex != d.StepIndex {
			_, err := tx.Exec(ctx, `
				UPDATE approval_instance_steps
				SET activated_at = NOW()
				WHERE instance_id = $1 AND step_index = $2 AND activated_at IS NULL
			`, d.InstanceID, d.NextActiveIndex)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to activate next approval step")
			}
		}

		return appendEventTx(ctx, tx, &ProposalEvent{
			ProposalID: d.ProposalID,
			EventType:  EventStepDecided,
			Actor:      d.DecidedBy,
			Payload: map[string]any{
				"instance_id": d.InstanceID,
				"step_index":  d.StepIndex,
				"outcome":     d.Outcome,
				"overall":     d.Overall,
			},
		})
	})
}

// RestartStepClock resets the active step's activation time after an
// escalation re-notify. The pending decision itself is untouched.
func (r *ApprovalRepository) RestartStepClock(ctx context.Context, instanceID, proposalID string, stepIndex int) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_instance_steps
			SET activated_at = NOW()
			WHERE instance_id = $1 AND step_index = $2 AND outcome = 'pending'
			RETURNING id
		`

		var stepID string
		err := tx.QueryRow(ctx, query, instanceID, stepIndex).Scan(&stepID)
		if err == pgx.ErrNoRows {
			return errors.Conflict(
				fmt.Sprintf("step %d of instance %s is not pending", stepIndex, instanceID))
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to restart step clock")
		}

		return appendEventTx(ctx, tx, &ProposalEvent{
			ProposalID: proposalID,
			EventType:  EventStepEscalated,
			Actor:      "system",
			Payload: map[string]any{
				"instance_id": instanceID,
				"step_index":  stepIndex,
			},
		})
	})
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type instanceScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row instanceScanner) (*ApprovalInstance, error) {
	inst := &ApprovalInstance{}
	err := row.Scan(
		&inst.ID,
		&inst.ProposalID,
		&inst.ActiveStepIndex,
		&inst.Overall,
		&inst.SubmittedBy,
		&inst.SubmittedAt,
		&inst.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}
