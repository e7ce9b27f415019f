package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/buildcrest/be-proposals/internal/client"
	"github.com/buildcrest/be-proposals/internal/errors"
	"github.com/buildcrest/be-proposals/internal/repository"
)

// Decisions an approver can record on a step.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionSkip    = "skip"
)

// RuleEvaluator is the slice of the workflow engine consulted when a chain
// outcome moves the proposal on. Chain starts are deliberately absent:
// approval-driven transitions never re-enter approval.
type RuleEvaluator interface {
	MatchStatusChange(from, to string) []*repository.WorkflowRule
	PlanMails(p *repository.Proposal, matched []*repository.WorkflowRule) []*repository.OutboxEntry
	RecordMatches(ctx context.Context, p *repository.Proposal, matched []*repository.WorkflowRule, actor string)
}

// ApprovalService coordinates the ordered approval chain: instantiating the
// configured steps when a proposal needs approval, recording decisions, and
// sweeping overdue steps. The proposal sits in pending_approval for the whole
// life of an instance; the first terminal outcome moves it on.
type ApprovalService struct {
	approvals ApprovalStore
	proposals ProposalStore
	outbox    OutboxStore
	rules     RuleEvaluator
	mail      MailSettings
	log       zerolog.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	approvals ApprovalStore,
	proposals ProposalStore,
	outbox OutboxStore,
	mail MailSettings,
	log zerolog.Logger,
) *ApprovalService {
	return &ApprovalService{
		approvals: approvals,
		proposals: proposals,
		outbox:    outbox,
		mail:      mail,
		log:       log,
	}
}

// SetRuleEvaluator wires the workflow engine in after construction; the engine
// itself depends on this service as its chain starter. Without an evaluator,
// chain outcomes still transition the proposal, just without rule actions.
func (s *ApprovalService) SetRuleEvaluator(rules RuleEvaluator) {
	s.rules = rules
}

// concludeProposal moves a proposal out of pending_approval on a chain
// outcome. Status-change rules matching the transition contribute their mail
// rows to the transition transaction and their analytics after commit.
func (s *ApprovalService) concludeProposal(ctx context.Context, proposalID, to, actor string) error {
	var (
		matched []*repository.WorkflowRule
		mails   []*repository.OutboxEntry
		p       *repository.Proposal
	)
	if s.rules != nil {
		var err error
		p, err = s.proposals.GetByID(ctx, proposalID)
		if err != nil {
			return err
		}
		matched = s.rules.MatchStatusChange(repository.StatusPendingApproval, to)
		p.Status = to
		mails = s.rules.PlanMails(p, matched)
	}

	if err := s.proposals.TransitionStatus(ctx, proposalID,
		repository.StatusPendingApproval, to, actor, mails); err != nil {
		return err
	}
	if len(matched) > 0 {
		s.rules.RecordMatches(ctx, p, matched, actor)
	}
	return nil
}

// Start instantiates the configured chain for a proposal. Idempotent: a
// proposal already inside an active instance is left alone. With no templates
// configured the chain completes immediately and the proposal advances to
// sent.
func (s *ApprovalService) Start(ctx context.Context, p *repository.Proposal, submittedBy string) error {
	existing, err := s.approvals.GetActiveByProposal(ctx, p.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		s.log.Debug().
			Str("proposal_id", p.ID).
			Str("instance_id", existing.ID).
			Msg("approval chain already active, skipping start")
		return nil
	}

	templates, err := s.approvals.ListTemplates(ctx)
	if err != nil {
		return err
	}

	if len(templates) == 0 {
		now := time.Now()
		inst := &repository.ApprovalInstance{
			ProposalID:      p.ID,
			ActiveStepIndex: 0,
			Overall:         repository.ApprovalApproved,
			SubmittedBy:     submittedBy,
			CompletedAt:     &now,
		}
		if err := s.approvals.CreateInstance(ctx, inst, nil); err != nil {
			return err
		}

		s.log.Info().
			Str("proposal_id", p.ID).
			Str("instance_id", inst.ID).
			Msg("No approval steps configured, chain auto-approved")

		return s.concludeProposal(ctx, p.ID, repository.StatusSent, "system")
	}

	now := time.Now()
	inst := &repository.ApprovalInstance{
		ProposalID:      p.ID,
		ActiveStepIndex: 0,
		Overall:         repository.ApprovalInProgress,
		SubmittedBy:     submittedBy,
	}

	steps := make([]*repository.ApprovalInstanceStep, len(templates))
	for i, tmpl := range templates {
		step := &repository.ApprovalInstanceStep{
			StepIndex:       i,
			StepName:        tmpl.StepName,
			ApproverRole:    tmpl.ApproverRole,
			ApproverEmail:   tmpl.ApproverEmail,
			IsRequired:      tmpl.IsRequired,
			TimeoutHours:    tmpl.TimeoutHours,
			EscalationEmail: tmpl.EscalationEmail,
			Outcome:         repository.StepPending,
		}
		if i == 0 {
			step.ActivatedAt = &now
		}
		steps[i] = step
	}

	if err := s.approvals.CreateInstance(ctx, inst, steps); err != nil {
		return err
	}

	s.log.Info().
		Str("proposal_id", p.ID).
		Str("instance_id", inst.ID).
		Int("step_count", len(steps)).
		Msg("Approval chain started")

	s.notifyApprover(ctx, p.ID, steps[0])
	return nil
}

// Decide records an approver's decision on a step. The step must be the
// instance's active step and still pending; anything else fails with Conflict
// and leaves all state unchanged, which makes retries of a delivered decision
// safe. A terminal instance fails with InvalidState.
func (s *ApprovalService) Decide(ctx context.Context, instanceID string, stepIndex int, decision, actor string) error {
	inst, err := s.approvals.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Overall != repository.ApprovalInProgress {
		return errors.InvalidState(
			fmt.Sprintf("approval instance %s already concluded as %s", instanceID, inst.Overall))
	}
	if stepIndex != inst.ActiveStepIndex {
		return errors.Conflict(
			fmt.Sprintf("step %d is not the active step of instance %s", stepIndex, instanceID))
	}

	steps, err := s.approvals.GetSteps(ctx, instanceID)
	if err != nil {
		return err
	}
	if stepIndex < 0 || stepIndex >= len(steps) {
		return errors.Validation("step_index",
			fmt.Sprintf("instance %s has no step %d", instanceID, stepIndex))
	}
	step := steps[stepIndex]
	if step.Outcome != repository.StepPending {
		return errors.Conflict(
			fmt.Sprintf("step %d of instance %s already decided as %s", stepIndex, instanceID, step.Outcome))
	}

	var outcome string
	switch decision {
	case DecisionApprove:
		outcome = repository.StepApproved
	case DecisionReject:
		outcome = repository.StepRejected
	case DecisionSkip:
		if step.IsRequired {
			return errors.InvalidState(
				fmt.Sprintf("step %d of instance %s is required and cannot be skipped", stepIndex, instanceID))
		}
		outcome = repository.StepSkipped
	default:
		return errors.Validation("decision",
			fmt.Sprintf("unknown decision '%s'", decision))
	}

	update := repository.DecisionUpdate{
		InstanceID:      instanceID,
		ProposalID:      inst.ProposalID,
		StepIndex:       stepIndex,
		Outcome:         outcome,
		DecidedBy:       actor,
		NextActiveIndex: stepIndex,
		Overall:         repository.ApprovalInProgress,
	}

	advanced := false
	switch outcome {
	case repository.StepRejected:
		now := time.Now()
		update.Overall = repository.ApprovalRejected
		update.CompletedAt = &now
	default: // approved or skipped advance the chain
		if stepIndex+1 < len(steps) {
			update.NextActiveIndex = stepIndex + 1
			advanced = true
		} else {
			now := time.Now()
			update.Overall = repository.ApprovalApproved
			update.CompletedAt = &now
		}
	}

	if err := s.approvals.Decide(ctx, update); err != nil {
		return err
	}

	s.log.Info().
		Str("instance_id", instanceID).
		Str("proposal_id", inst.ProposalID).
		Int("step_index", stepIndex).
		Str("outcome", outcome).
		Str("overall", update.Overall).
		Msg("Approval step decided")

	switch update.Overall {
	case repository.ApprovalApproved:
		if err := s.concludeProposal(ctx, inst.ProposalID, repository.StatusSent, actor); err != nil {
			return err
		}
	case repository.ApprovalRejected:
		if err := s.concludeProposal(ctx, inst.ProposalID, repository.StatusRejected, actor); err != nil {
			return err
		}
	}

	if advanced {
		s.notifyApprover(ctx, inst.ProposalID, steps[stepIndex+1])
	}
	return nil
}

// ChainStatus returns the instance covering a proposal and its steps. Prefers
// the active instance; with none active it reports nothing.
func (s *ApprovalService) ChainStatus(ctx context.Context, proposalID string) (*repository.ApprovalInstance, []*repository.ApprovalInstanceStep, error) {
	inst, err := s.approvals.GetActiveByProposal(ctx, proposalID)
	if err != nil {
		return nil, nil, err
	}
	if inst == nil {
		return nil, nil, nil
	}
	steps, err := s.approvals.GetSteps(ctx, inst.ID)
	if err != nil {
		return nil, nil, err
	}
	return inst, steps, nil
}

// Instance returns one instance and its steps by id.
func (s *ApprovalService) Instance(ctx context.Context, instanceID string) (*repository.ApprovalInstance, []*repository.ApprovalInstanceStep, error) {
	inst, err := s.approvals.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := s.approvals.GetSteps(ctx, inst.ID)
	if err != nil {
		return nil, nil, err
	}
	return inst, steps, nil
}

// Templates returns the configured chain ordered by position.
func (s *ApprovalService) Templates(ctx context.Context) ([]*repository.ApprovalStepTemplate, error) {
	return s.approvals.ListTemplates(ctx)
}

// AddTemplate validates and appends a step template to the configured chain.
// Running instances keep the step set they were created with.
func (s *ApprovalService) AddTemplate(ctx context.Context, t *repository.ApprovalStepTemplate) error {
	if err := validateTemplate(t); err != nil {
		return err
	}
	return s.approvals.CreateTemplate(ctx, t)
}

// UpdateTemplate validates and persists template changes.
func (s *ApprovalService) UpdateTemplate(ctx context.Context, t *repository.ApprovalStepTemplate) error {
	if err := validateTemplate(t); err != nil {
		return err
	}
	return s.approvals.UpdateTemplate(ctx, t)
}

// RemoveTemplate deletes a step template.
func (s *ApprovalService) RemoveTemplate(ctx context.Context, id string) error {
	return s.approvals.DeleteTemplate(ctx, id)
}

func validateTemplate(t *repository.ApprovalStepTemplate) error {
	if t.StepName == "" {
		return errors.Validation("step_name", "step name is required")
	}
	if t.ApproverEmail == "" {
		return errors.Validation("approver_email", "approver email is required")
	}
	if t.Position < 0 {
		return errors.Validation("position", "position cannot be negative")
	}
	if t.TimeoutHours < 0 {
		return errors.Validation("timeout_hours", "timeout cannot be negative")
	}
	return nil
}

// SweepTimeouts walks in-progress instances and handles steps whose timeout
// window has elapsed. A step with an escalation address is re-notified there
// and its clock restarts; an overdue optional step without one is skipped by
// the system; an overdue required step without one stays blocked and is only
// logged. Failures on one instance never stop the sweep.
func (s *ApprovalService) SweepTimeouts(ctx context.Context, now time.Time) error {
	instances, err := s.approvals.ListInProgress(ctx)
	if err != nil {
		return err
	}

	for _, inst := range instances {
		if err := s.sweepInstance(ctx, inst, now); err != nil {
			s.log.Warn().Err(err).
				Str("instance_id", inst.ID).
				Str("proposal_id", inst.ProposalID).
				Msg("timeout sweep: instance failed")
		}
	}
	return nil
}

func (s *ApprovalService) sweepInstance(ctx context.Context, inst *repository.ApprovalInstance, now time.Time) error {
	steps, err := s.approvals.GetSteps(ctx, inst.ID)
	if err != nil {
		return err
	}
	if inst.ActiveStepIndex < 0 || inst.ActiveStepIndex >= len(steps) {
		return nil
	}

	step := steps[inst.ActiveStepIndex]
	if step.Outcome != repository.StepPending || step.ActivatedAt == nil || step.TimeoutHours <= 0 {
		return nil
	}

	deadline := step.ActivatedAt.Add(time.Duration(step.TimeoutHours) * time.Hour)
	if now.Before(deadline) {
		return nil
	}

	switch {
	case step.EscalationEmail != nil && *step.EscalationEmail != "":
		s.enqueueStepMail(ctx, inst.ProposalID, step, *step.EscalationEmail,
			"Overdue approval: step {{step_name}}",
			"<p>Approval step <b>{{step_name}}</b> ({{approver_role}}) has exceeded its {{timeout_hours}}h window and needs attention.</p>")
		if err := s.approvals.RestartStepClock(ctx, inst.ID, inst.ProposalID, step.StepIndex); err != nil {
			return err
		}
		s.log.Info().
			Str("instance_id", inst.ID).
			Int("step_index", step.StepIndex).
			Msg("Overdue approval step escalated")

	case !step.IsRequired:
		if err := s.Decide(ctx, inst.ID, step.StepIndex, DecisionSkip, "system"); err != nil {
			return err
		}
		s.log.Info().
			Str("instance_id", inst.ID).
			Int("step_index", step.StepIndex).
			Msg("Overdue optional approval step skipped")

	default:
		s.log.Warn().
			Str("instance_id", inst.ID).
			Str("proposal_id", inst.ProposalID).
			Int("step_index", step.StepIndex).
			Msg("Required approval step overdue with no escalation address, chain blocked")
	}
	return nil
}

func (s *ApprovalService) notifyApprover(ctx context.Context, proposalID string, step *repository.ApprovalInstanceStep) {
	s.enqueueStepMail(ctx, proposalID, step, step.ApproverEmail,
		"Approval required: {{step_name}}",
		"<p>You have a proposal awaiting your approval at step <b>{{step_name}}</b> ({{approver_role}}).</p><p>Please review and record your decision.</p>")
}

func (s *ApprovalService) enqueueStepMail(ctx context.Context, proposalID string, step *repository.ApprovalInstanceStep, to, subjectTmpl, bodyTmpl string) {
	if to == "" {
		s.log.Warn().
			Str("proposal_id", proposalID).
			Int("step_index", step.StepIndex).
			Msg("approval notification has no recipient, skipping")
		return
	}

	vars := map[string]string{
		"step_name":     step.StepName,
		"approver_role": step.ApproverRole,
		"timeout_hours": fmt.Sprintf("%d", step.TimeoutHours),
	}

	entry := &repository.OutboxEntry{
		ProposalID: proposalID,
		Recipients: []string{to},
		Subject:    client.RenderTemplate(subjectTmpl, vars),
		HTMLBody:   client.RenderTemplate(bodyTmpl, vars),
	}
	if err := s.outbox.Enqueue(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("proposal_id", proposalID).
			Int("step_index", step.StepIndex).
			Msg("failed to enqueue approval notification")
	}
}
