package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/buildcrest/be-proposals/internal/database"
	"github.com/buildcrest/be-proposals/internal/errors"
)

// WorkflowRulesRepository handles CRUD for workflow_rules. Rules are authored
// data: the engine reads them, it never writes them.
type WorkflowRulesRepository struct {
	db *database.DB
}

// NewWorkflowRulesRepository creates a new WorkflowRulesRepository.
func NewWorkflowRulesRepository(db *database.DB) *WorkflowRulesRepository {
	return &WorkflowRulesRepository{db: db}
}

// Create inserts a new workflow rule.
func (r *WorkflowRulesRepository) Create(ctx context.Context, rule *WorkflowRule) error {
	conditionJSON, actionsJSON, err := marshalRule(rule)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_rules
		    (rule_name, description, trigger_type, condition, actions, is_active, priority)
		VALUES ($1, $2, $3::rule_trigger_type, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		rule.RuleName,
		rule.Description,
		rule.TriggerType,
		conditionJSON,
		actionsJSON,
		rule.IsActive,
		rule.Priority,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow rule")
	}
	return nil
}

// GetByID retrieves a rule by primary key.
func (r *WorkflowRulesRepository) GetByID(ctx context.Context, id string) (*WorkflowRule, error) {
	query := `
		SELECT id, rule_name, description, trigger_type, condition, actions,
		       is_active, priority, created_at, updated_at
		FROM workflow_rules
		WHERE id = $1
	`

	rule, err := scanRule(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_rule", id)
	}
	return rule, err
}

// List returns all rules, optionally filtered to active only, ordered by
// ascending priority (lower = evaluated first).
func (r *WorkflowRulesRepository) List(ctx context.Context, activeOnly bool) ([]*WorkflowRule, error) {
	query := `
		SELECT id, rule_name, description, trigger_type, condition, actions,
		       is_active, priority, created_at, updated_at
		FROM workflow_rules
	`
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY priority ASC, rule_name ASC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow rules")
	}
	defer rows.Close()

	var rules []*WorkflowRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow rule")
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Update persists changes to an existing rule.
func (r *WorkflowRulesRepository) Update(ctx context.Context, rule *WorkflowRule) error {
	conditionJSON, actionsJSON, err := marshalRule(rule)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_rules
		SET rule_name    = $2,
		    description  = $3,
		    trigger_type = $4::rule_trigger_type,
		    condition    = $5,
		    actions      = $6,
		    is_active    = $7,
		    priority     = $8,
		    updated_at   = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		rule.ID,
		rule.RuleName,
		rule.Description,
		rule.TriggerType,
		conditionJSON,
		actionsJSON,
		rule.IsActive,
		rule.Priority,
	).Scan(&rule.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_rule", rule.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow rule")
	}
	return nil
}

// Delete removes a workflow rule.
func (r *WorkflowRulesRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM workflow_rules WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete workflow rule")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workflow_rule", id)
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func marshalRule(rule *WorkflowRule) (conditionJSON, actionsJSON []byte, err error) {
	conditionJSON, err = json.Marshal(rule.Condition)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal rule condition")
	}
	actionsJSON, err = json.Marshal(rule.Actions)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal rule actions")
	}
	return conditionJSON, actionsJSON, nil
}

type ruleScanner interface {
	Scan(dest ...any) error
}

func scanRule(row ruleScanner) (*WorkflowRule, error) {
	rule := &WorkflowRule{}
	var conditionJSON, actionsJSON []byte

	err := row.Scan(
		&rule.ID,
		&rule.RuleName,
		&rule.Description,
		&rule.TriggerType,
		&conditionJSON,
		&actionsJSON,
		&rule.IsActive,
		&rule.Priority,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(conditionJSON, &rule.Condition); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal rule condition")
	}
	if err := json.Unmarshal(actionsJSON, &rule.Actions); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal rule actions")
	}
	return rule, nil
}
