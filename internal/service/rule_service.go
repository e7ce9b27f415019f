package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/buildcrest/be-proposals/internal/errors"
	"github.com/buildcrest/be-proposals/internal/repository"
)

// RuleAdminStore is the authoring surface over the rule set.
type RuleAdminStore interface {
	Create(ctx context.Context, rule *repository.WorkflowRule) error
	GetByID(ctx context.Context, id string) (*repository.WorkflowRule, error)
	List(ctx context.Context, activeOnly bool) ([]*repository.WorkflowRule, error)
	Update(ctx context.Context, rule *repository.WorkflowRule) error
	Delete(ctx context.Context, id string) error
}

var validTriggers = map[string]bool{
	repository.TriggerStatusChange:    true,
	repository.TriggerAmountThreshold: true,
	repository.TriggerTimeBased:       true,
	repository.TriggerUserAction:      true,
}

var validRuleStatuses = map[string]bool{
	repository.StatusDraft:           true,
	repository.StatusPendingApproval: true,
	repository.StatusSent:            true,
	repository.StatusViewed:          true,
	repository.StatusSigned:          true,
	repository.StatusRejected:        true,
	repository.StatusExpired:         true,
}

// RuleService manages authored workflow rules. Every write refreshes the
// engine's in-memory table so a rule change takes effect without a restart.
type RuleService struct {
	rules  RuleAdminStore
	engine *WorkflowEngine
	log    zerolog.Logger
}

// NewRuleService creates a new RuleService.
func NewRuleService(rules RuleAdminStore, engine *WorkflowEngine, log zerolog.Logger) *RuleService {
	return &RuleService{rules: rules, engine: engine, log: log}
}

// Create validates and persists a new rule, then reloads the engine.
func (s *RuleService) Create(ctx context.Context, rule *repository.WorkflowRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return err
	}

	s.log.Info().
		Str("rule_id", rule.ID).
		Str("rule_name", rule.RuleName).
		Str("trigger", rule.TriggerType).
		Msg("Workflow rule created")

	return s.engine.Reload(ctx)
}

// Get returns one rule by id.
func (s *RuleService) Get(ctx context.Context, id string) (*repository.WorkflowRule, error) {
	return s.rules.GetByID(ctx, id)
}

// List returns the rule set, optionally active rules only.
func (s *RuleService) List(ctx context.Context, activeOnly bool) ([]*repository.WorkflowRule, error) {
	return s.rules.List(ctx, activeOnly)
}

// Update validates and persists rule changes, then reloads the engine.
func (s *RuleService) Update(ctx context.Context, rule *repository.WorkflowRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if err := s.rules.Update(ctx, rule); err != nil {
		return err
	}

	s.log.Info().
		Str("rule_id", rule.ID).
		Str("rule_name", rule.RuleName).
		Msg("Workflow rule updated")

	return s.engine.Reload(ctx)
}

// Delete removes a rule, then reloads the engine.
func (s *RuleService) Delete(ctx context.Context, id string) error {
	if err := s.rules.Delete(ctx, id); err != nil {
		return err
	}

	s.log.Info().Str("rule_id", id).Msg("Workflow rule deleted")

	return s.engine.Reload(ctx)
}

// validateRule rejects rules whose condition is incomplete for their trigger
// kind, so the engine never has to second-guess stored data.
func validateRule(rule *repository.WorkflowRule) error {
	if rule.RuleName == "" {
		return errors.Validation("rule_name", "rule name is required")
	}
	if !validTriggers[rule.TriggerType] {
		return errors.Validation("trigger_type",
			fmt.Sprintf("unknown trigger type '%s'", rule.TriggerType))
	}
	if rule.Priority < 0 {
		return errors.Validation("priority", "priority cannot be negative")
	}

	cond := rule.Condition
	switch rule.TriggerType {
	case repository.TriggerStatusChange:
		if cond.ToStatus == "" {
			return errors.Validation("condition.to_status", "to_status is required for status_change rules")
		}
		if !validRuleStatuses[cond.ToStatus] {
			return errors.Validation("condition.to_status",
				fmt.Sprintf("unknown status '%s'", cond.ToStatus))
		}
		if cond.FromStatus != "" && !validRuleStatuses[cond.FromStatus] {
			return errors.Validation("condition.from_status",
				fmt.Sprintf("unknown status '%s'", cond.FromStatus))
		}

	case repository.TriggerAmountThreshold:
		if cond.MinAmount <= 0 {
			return errors.Validation("condition.min_amount", "min_amount must be positive")
		}

	case repository.TriggerTimeBased:
		if !validRuleStatuses[cond.Status] {
			return errors.Validation("condition.status",
				fmt.Sprintf("unknown status '%s'", cond.Status))
		}
		if cond.Days <= 0 {
			return errors.Validation("condition.days", "days must be positive")
		}

	case repository.TriggerUserAction:
		if cond.ActionName == "" {
			return errors.Validation("condition.action_name", "action_name is required for user_action rules")
		}
	}

	if !anyActionSet(rule.Actions) {
		return errors.Validation("actions", "at least one action is required")
	}
	return nil
}

func anyActionSet(a repository.RuleActions) bool {
	return a.RequireApproval || a.NotifyManager || a.SendToClient ||
		a.TrackAnalytics || a.SendReminder || a.Escalate
}
