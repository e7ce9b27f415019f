package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/buildcrest/be-proposals/internal/client"
	"github.com/buildcrest/be-proposals/internal/repository"
)

// RuleEvent is the input to rule matching. Kind selects the trigger; only the
// fields relevant to that kind are read.
type RuleEvent struct {
	Kind          string
	FromStatus    string
	ToStatus      string
	ProposalTotal int64 // minor units
	Status        string
	DaysSinceSent int
	ActionName    string
}

// MatchRules selects every active rule whose trigger kind matches the event
// and whose condition is satisfied, ordered by ascending priority. All
// matches fire: a rule never suppresses lower-priority rules. Evaluation is
// read-only; rules are never mutated as a side effect.
func MatchRules(rules []*repository.WorkflowRule, evt RuleEvent) []*repository.WorkflowRule {
	var matched []*repository.WorkflowRule
	for _, rule := range rules {
		if !rule.IsActive || rule.TriggerType != evt.Kind {
			continue
		}
		if conditionSatisfied(rule, evt) {
			matched = append(matched, rule)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority < matched[j].Priority
	})
	return matched
}

func conditionSatisfied(rule *repository.WorkflowRule, evt RuleEvent) bool {
	cond := rule.Condition
	switch rule.TriggerType {
	case repository.TriggerStatusChange:
		if cond.FromStatus != "" && cond.FromStatus != evt.FromStatus {
			return false
		}
		return cond.ToStatus == evt.ToStatus

	case repository.TriggerAmountThreshold:
		return evt.ProposalTotal >= cond.MinAmount

	case repository.TriggerTimeBased:
		return evt.Status == cond.Status && evt.DaysSinceSent >= cond.Days

	case repository.TriggerUserAction:
		return evt.ActionName == cond.ActionName
	}
	return false
}

// RequiresApproval reports whether any matched rule carries the
// require_approval action.
func RequiresApproval(rules []*repository.WorkflowRule) bool {
	for _, rule := range rules {
		if rule.Actions.RequireApproval {
			return true
		}
	}
	return false
}

// ChainStarter begins an approval chain for a proposal. Satisfied by
// ApprovalService.
type ChainStarter interface {
	Start(ctx context.Context, proposal *repository.Proposal, submittedBy string) error
}

// MailSettings carries the addressing configuration for rule-driven mail.
type MailSettings struct {
	From         string
	ManagerEmail string
}

// WorkflowEngine evaluates the authored rule set against proposal events and
// dispatches matched actions to the collaborators. The rule table is loaded
// once and replaced wholesale on Reload; evaluation works on an immutable
// snapshot, so an administrative change never affects an in-flight dispatch.
type WorkflowEngine struct {
	ruleStore RuleStore
	proposals ProposalStore
	chain     ChainStarter
	outbox    OutboxStore
	recorder  *EventRecorder
	mail      MailSettings
	log       zerolog.Logger

	mu     sync.RWMutex
	active []*repository.WorkflowRule
}

// NewWorkflowEngine creates an engine. Call Load before first use.
func NewWorkflowEngine(
	ruleStore RuleStore,
	proposals ProposalStore,
	chain ChainStarter,
	outbox OutboxStore,
	recorder *EventRecorder,
	mail MailSettings,
	log zerolog.Logger,
) *WorkflowEngine {
	return &WorkflowEngine{
		ruleStore: ruleStore,
		proposals: proposals,
		chain:     chain,
		outbox:    outbox,
		recorder:  recorder,
		mail:      mail,
		log:       log,
	}
}

// Load reads the active rule set from the store into the in-memory table.
func (e *WorkflowEngine) Load(ctx context.Context) error {
	rules, err := e.ruleStore.List(ctx, true)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.active = rules
	e.mu.Unlock()

	e.log.Info().Int("rule_count", len(rules)).Msg("Workflow rule table loaded")
	return nil
}

// Reload re-reads the rule set after an administrative change.
func (e *WorkflowEngine) Reload(ctx context.Context) error {
	return e.Load(ctx)
}

// ActiveRules returns the current rule table snapshot.
func (e *WorkflowEngine) ActiveRules() []*repository.WorkflowRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// MatchStatusChange returns the rules matching a status transition.
func (e *WorkflowEngine) MatchStatusChange(from, to string) []*repository.WorkflowRule {
	return MatchRules(e.ActiveRules(), RuleEvent{
		Kind:       repository.TriggerStatusChange,
		FromStatus: from,
		ToStatus:   to,
	})
}

// MatchSubmission returns the rules consulted when a draft is sent: the
// draft→sent status rules plus amount-threshold rules against the current
// total, merged and ordered by priority.
func (e *WorkflowEngine) MatchSubmission(total int64) []*repository.WorkflowRule {
	rules := e.ActiveRules()
	statusMatches := MatchRules(rules, RuleEvent{
		Kind:       repository.TriggerStatusChange,
		FromStatus: repository.StatusDraft,
		ToStatus:   repository.StatusSent,
	})
	amountMatches := MatchRules(rules, RuleEvent{
		Kind:          repository.TriggerAmountThreshold,
		ProposalTotal: total,
	})
	return mergeMatches(statusMatches, amountMatches)
}

// mergeMatches unions two match lists, deduplicating by rule id and keeping
// ascending priority order.
func mergeMatches(a, b []*repository.WorkflowRule) []*repository.WorkflowRule {
	seen := make(map[string]bool, len(a)+len(b))
	merged := make([]*repository.WorkflowRule, 0, len(a)+len(b))
	for _, rule := range append(append([]*repository.WorkflowRule{}, a...), b...) {
		if seen[rule.ID] {
			continue
		}
		seen[rule.ID] = true
		merged = append(merged, rule)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Priority < merged[j].Priority
	})
	return merged
}

// Dispatch fires the actions of every matched rule, in priority order, for
// triggers with no surrounding transaction (time-based sweeps, user actions):
// mails are enqueued directly, then the remaining actions run. Each action is
// isolated: a collaborator failure is logged and the rest still run.
//
// Status transitions do not go through here; their mail rows are planned with
// PlanMails and written inside the transition transaction, followed by
// DispatchCommitted.
func (e *WorkflowEngine) Dispatch(ctx context.Context, p *repository.Proposal, matched []*repository.WorkflowRule, actor string) {
	for _, entry := range e.PlanMails(p, matched) {
		if err := e.outbox.Enqueue(ctx, entry); err != nil {
			e.log.Warn().Err(err).
				Str("proposal_id", p.ID).
				Msg("rule dispatch: failed to enqueue notification")
		}
	}
	e.DispatchCommitted(ctx, p, matched, actor)
}

// PlanMails builds the outbox rows for the mail actions of the matched rules,
// in priority order. Nothing is enqueued: the caller writes the rows, for a
// status transition inside the transition's own transaction.
func (e *WorkflowEngine) PlanMails(p *repository.Proposal, matched []*repository.WorkflowRule) []*repository.OutboxEntry {
	var entries []*repository.OutboxEntry
	add := func(entry *repository.OutboxEntry) {
		if entry != nil {
			entries = append(entries, entry)
		}
	}

	for _, rule := range matched {
		if rule.Actions.NotifyManager {
			add(e.buildMail(p, rule, e.mail.ManagerEmail,
				managerSubjectTemplate, managerBodyTemplate))
		}
		if rule.Actions.SendToClient {
			add(e.buildMail(p, rule, p.ClientEmail,
				clientSubjectTemplate, clientBodyTemplate))
		}
		if rule.Actions.SendReminder {
			add(e.buildMail(p, rule, p.ClientEmail,
				reminderSubjectTemplate, reminderBodyTemplate))
		}
		if rule.Actions.Escalate {
			add(e.buildMail(p, rule, e.mail.ManagerEmail,
				escalateSubjectTemplate, escalateBodyTemplate))
		}
	}
	return entries
}

// DispatchCommitted runs the non-mail actions of the matched rules after the
// triggering transition has committed: approval chain starts and analytics
// recording. The mail rows were already written by the transition transaction.
func (e *WorkflowEngine) DispatchCommitted(ctx context.Context, p *repository.Proposal, matched []*repository.WorkflowRule, actor string) {
	for _, rule := range matched {
		if rule.Actions.RequireApproval {
			if err := e.chain.Start(ctx, p, actor); err != nil {
				e.log.Warn().Err(err).
					Str("proposal_id", p.ID).
					Str("rule_id", rule.ID).
					Msg("rule dispatch: failed to start approval chain")
			}
		}
	}
	e.RecordMatches(ctx, p, matched, actor)
}

// RecordMatches emits the rule_matched analytics event for every matched rule
// carrying track_analytics.
func (e *WorkflowEngine) RecordMatches(ctx context.Context, p *repository.Proposal, matched []*repository.WorkflowRule, actor string) {
	for _, rule := range matched {
		if !rule.Actions.TrackAnalytics {
			continue
		}
		event := &repository.ProposalEvent{
			ProposalID: p.ID,
			EventType:  repository.EventRuleMatched,
			Actor:      actor,
			Payload: map[string]any{
				"rule_id":   rule.ID,
				"rule_name": rule.RuleName,
				"trigger":   rule.TriggerType,
			},
			OccurredAt: time.Now(),
		}
		if err := e.recorder.Record(ctx, event); err != nil {
			e.log.Warn().Err(err).
				Str("proposal_id", p.ID).
				Str("rule_id", rule.ID).
				Msg("rule dispatch: failed to record analytics event")
		}
	}
}

// SweepTimeBased evaluates time-based rules. The engine owns no timer; an
// external periodic trigger (the cron in cmd/server, or an operator) supplies
// `now`.
func (e *WorkflowEngine) SweepTimeBased(ctx context.Context, now time.Time) error {
	rules := e.ActiveRules()

	// Collect the statuses any active time-based rule watches.
	statuses := make(map[string]bool)
	for _, rule := range rules {
		if rule.IsActive && rule.TriggerType == repository.TriggerTimeBased {
			statuses[rule.Condition.Status] = true
		}
	}

	for status := range statuses {
		proposals, err := e.proposals.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, p := range proposals {
			if p.SentAt == nil {
				continue
			}
			days := int(now.Sub(*p.SentAt).Hours() / 24)
			matched := MatchRules(rules, RuleEvent{
				Kind:          repository.TriggerTimeBased,
				Status:        p.Status,
				DaysSinceSent: days,
			})
			if len(matched) > 0 {
				e.Dispatch(ctx, p, matched, "system")
			}
		}
	}
	return nil
}

// HandleUserAction evaluates user_action rules for a named action on a
// proposal and records the action itself.
func (e *WorkflowEngine) HandleUserAction(ctx context.Context, p *repository.Proposal, actionName, actor string) {
	matched := MatchRules(e.ActiveRules(), RuleEvent{
		Kind:       repository.TriggerUserAction,
		ActionName: actionName,
	})
	e.Dispatch(ctx, p, matched, actor)
}

func (e *WorkflowEngine) buildMail(p *repository.Proposal, rule *repository.WorkflowRule, to, subjectTmpl, bodyTmpl string) *repository.OutboxEntry {
	if to == "" {
		e.log.Warn().
			Str("proposal_id", p.ID).
			Str("rule_id", rule.ID).
			Msg("rule dispatch: no recipient configured, skipping notification")
		return nil
	}

	vars := map[string]string{
		"proposal_number": p.ProposalNumber,
		"title":           p.Title,
		"client_name":     p.ClientName,
		"status":          p.Status,
		"total":           fmt.Sprintf("%.2f %s", float64(p.TotalAmount)/100, p.Currency),
	}

	return &repository.OutboxEntry{
		ProposalID: p.ID,
		Recipients: []string{to},
		Subject:    client.RenderTemplate(subjectTmpl, vars),
		HTMLBody:   client.RenderTemplate(bodyTmpl, vars),
	}
}

// Rule-driven mail templates. {{placeholders}} are filled from the proposal.
const (
	managerSubjectTemplate = "Proposal {{proposal_number}} needs your attention"
	managerBodyTemplate    = "<p>Proposal <b>{{proposal_number}}</b> ({{title}}) for {{client_name}} is now {{status}}.</p><p>Total: {{total}}</p>"

	clientSubjectTemplate = "Your proposal {{proposal_number}}"
	clientBodyTemplate    = "<p>Dear {{client_name}},</p><p>Your proposal <b>{{title}}</b> is ready for review.</p><p>Total: {{total}}</p>"

	reminderSubjectTemplate = "Reminder: proposal {{proposal_number}} awaits your review"
	reminderBodyTemplate    = "<p>Dear {{client_name}},</p><p>This is a friendly reminder that proposal <b>{{title}}</b> is still awaiting your review.</p>"

	escalateSubjectTemplate = "Escalation: proposal {{proposal_number}}"
	escalateBodyTemplate    = "<p>Proposal <b>{{proposal_number}}</b> ({{title}}) requires escalated attention. Current status: {{status}}.</p>"
)
