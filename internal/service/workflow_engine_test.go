package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildcrest/be-proposals/internal/errors"
	"github.com/buildcrest/be-proposals/internal/repository"
)

func statusChangeRule(name string, priority int, from, to string, actions repository.RuleActions) *repository.WorkflowRule {
	return &repository.WorkflowRule{
		ID:          name,
		RuleName:    name,
		TriggerType: repository.TriggerStatusChange,
		Condition:   repository.RuleCondition{FromStatus: from, ToStatus: to},
		Actions:     actions,
		IsActive:    true,
		Priority:    priority,
	}
}

func TestMatchRules(t *testing.T) {
	t.Run("status change rule fires on its transition", func(t *testing.T) {
		rules := []*repository.WorkflowRule{
			statusChangeRule("on-send", 10, repository.StatusDraft, repository.StatusSent,
				repository.RuleActions{SendToClient: true}),
		}

		matched := MatchRules(rules, RuleEvent{
			Kind:       repository.TriggerStatusChange,
			FromStatus: repository.StatusDraft,
			ToStatus:   repository.StatusSent,
		})
		require.Len(t, matched, 1)
		assert.Equal(t, "on-send", matched[0].RuleName)

		matched = MatchRules(rules, RuleEvent{
			Kind:       repository.TriggerStatusChange,
			FromStatus: repository.StatusSent,
			ToStatus:   repository.StatusViewed,
		})
		assert.Empty(t, matched)
	})

	t.Run("inactive rule never fires", func(t *testing.T) {
		rule := statusChangeRule("disabled", 10, repository.StatusDraft, repository.StatusSent,
			repository.RuleActions{NotifyManager: true})
		rule.IsActive = false

		matched := MatchRules([]*repository.WorkflowRule{rule}, RuleEvent{
			Kind:       repository.TriggerStatusChange,
			FromStatus: repository.StatusDraft,
			ToStatus:   repository.StatusSent,
		})
		assert.Empty(t, matched)
	})

	t.Run("empty from_status matches any source status", func(t *testing.T) {
		rules := []*repository.WorkflowRule{
			statusChangeRule("on-any-signed", 10, "", repository.StatusSigned,
				repository.RuleActions{TrackAnalytics: true}),
		}

		for _, from := range []string{repository.StatusSent, repository.StatusViewed} {
			matched := MatchRules(rules, RuleEvent{
				Kind:       repository.TriggerStatusChange,
				FromStatus: from,
				ToStatus:   repository.StatusSigned,
			})
			assert.Len(t, matched, 1, "from %s", from)
		}
	})

	t.Run("amount threshold boundary is inclusive", func(t *testing.T) {
		rules := []*repository.WorkflowRule{{
			ID:          "big-deal",
			RuleName:    "big-deal",
			TriggerType: repository.TriggerAmountThreshold,
			Condition:   repository.RuleCondition{MinAmount: 5000000},
			Actions:     repository.RuleActions{RequireApproval: true},
			IsActive:    true,
		}}

		assert.Len(t, MatchRules(rules, RuleEvent{
			Kind: repository.TriggerAmountThreshold, ProposalTotal: 5500000}), 1)
		assert.Len(t, MatchRules(rules, RuleEvent{
			Kind: repository.TriggerAmountThreshold, ProposalTotal: 5000000}), 1)
		assert.Empty(t, MatchRules(rules, RuleEvent{
			Kind: repository.TriggerAmountThreshold, ProposalTotal: 4999999}))
	})

	t.Run("time based rule needs status and elapsed days", func(t *testing.T) {
		rules := []*repository.WorkflowRule{{
			ID:          "stale-sent",
			RuleName:    "stale-sent",
			TriggerType: repository.TriggerTimeBased,
			Condition:   repository.RuleCondition{Status: repository.StatusSent, Days: 7},
			Actions:     repository.RuleActions{SendReminder: true},
			IsActive:    true,
		}}

		assert.Len(t, MatchRules(rules, RuleEvent{
			Kind: repository.TriggerTimeBased, Status: repository.StatusSent, DaysSinceSent: 7}), 1)
		assert.Empty(t, MatchRules(rules, RuleEvent{
			Kind: repository.TriggerTimeBased, Status: repository.StatusSent, DaysSinceSent: 6}))
		assert.Empty(t, MatchRules(rules, RuleEvent{
			Kind: repository.TriggerTimeBased, Status: repository.StatusViewed, DaysSinceSent: 30}))
	})

	t.Run("all matches fire in priority order", func(t *testing.T) {
		rules := []*repository.WorkflowRule{
			statusChangeRule("second", 20, repository.StatusDraft, repository.StatusSent,
				repository.RuleActions{TrackAnalytics: true}),
			statusChangeRule("first", 10, repository.StatusDraft, repository.StatusSent,
				repository.RuleActions{NotifyManager: true}),
			statusChangeRule("third", 30, repository.StatusDraft, repository.StatusSent,
				repository.RuleActions{SendToClient: true}),
		}

		matched := MatchRules(rules, RuleEvent{
			Kind:       repository.TriggerStatusChange,
			FromStatus: repository.StatusDraft,
			ToStatus:   repository.StatusSent,
		})
		require.Len(t, matched, 3)
		assert.Equal(t, "first", matched[0].RuleName)
		assert.Equal(t, "second", matched[1].RuleName)
		assert.Equal(t, "third", matched[2].RuleName)
	})
}

func newTestEngine(t *testing.T, rules []*repository.WorkflowRule) (*WorkflowEngine, *fakeProposalStore, *fakeChain, *fakeOutboxStore, *fakeEventStore) {
	t.Helper()

	proposals := newFakeProposalStore()
	chain := &fakeChain{}
	outbox := &fakeOutboxStore{}
	events := &fakeEventStore{}
	recorder := NewEventRecorder(events, nil, zerolog.Nop())

	engine := NewWorkflowEngine(&fakeRuleStore{rules: rules}, proposals, chain, outbox, recorder,
		MailSettings{From: "proposals@example.com", ManagerEmail: "manager@example.com"},
		zerolog.Nop())
	require.NoError(t, engine.Load(context.Background()))

	return engine, proposals, chain, outbox, events
}

func TestWorkflowEngineDispatch(t *testing.T) {
	proposal := &repository.Proposal{
		ID:             "p1",
		ProposalNumber: "PRO-20260901-AAAAAA",
		Title:          "Kitchen remodel",
		ClientName:     "Dana Alvarez",
		ClientEmail:    "dana@example.com",
		Status:         repository.StatusSent,
		Currency:       "USD",
		TotalAmount:    250000,
	}

	t.Run("send to client enqueues one notification", func(t *testing.T) {
		engine, _, _, outbox, _ := newTestEngine(t, []*repository.WorkflowRule{
			statusChangeRule("on-send", 10, repository.StatusDraft, repository.StatusSent,
				repository.RuleActions{SendToClient: true}),
		})

		matched := engine.MatchStatusChange(repository.StatusDraft, repository.StatusSent)
		engine.Dispatch(context.Background(), proposal, matched, "pm@example.com")

		entries := outbox.all()
		require.Len(t, entries, 1)
		assert.Equal(t, []string{"dana@example.com"}, entries[0].Recipients)
		assert.Contains(t, entries[0].Subject, "PRO-20260901-AAAAAA")
		assert.Contains(t, entries[0].HTMLBody, "Kitchen remodel")
	})

	t.Run("require approval starts the chain", func(t *testing.T) {
		engine, _, chain, _, _ := newTestEngine(t, []*repository.WorkflowRule{{
			ID:          "big-deal",
			RuleName:    "big-deal",
			TriggerType: repository.TriggerAmountThreshold,
			Condition:   repository.RuleCondition{MinAmount: 100000},
			Actions:     repository.RuleActions{RequireApproval: true},
			IsActive:    true,
		}})

		matched := engine.MatchSubmission(proposal.TotalAmount)
		require.Len(t, matched, 1)
		assert.True(t, RequiresApproval(matched))

		engine.Dispatch(context.Background(), proposal, matched, "pm@example.com")
		assert.Equal(t, []string{"p1"}, chain.started)
	})

	t.Run("track analytics records a rule_matched event", func(t *testing.T) {
		engine, _, _, _, events := newTestEngine(t, []*repository.WorkflowRule{
			statusChangeRule("analytics", 10, "", repository.StatusSigned,
				repository.RuleActions{TrackAnalytics: true}),
		})

		matched := engine.MatchStatusChange(repository.StatusViewed, repository.StatusSigned)
		engine.Dispatch(context.Background(), proposal, matched, "client")

		recorded := events.byType(repository.EventRuleMatched)
		require.Len(t, recorded, 1)
		assert.Equal(t, "analytics", recorded[0].Payload["rule_name"])
	})

	t.Run("one failing action does not stop the others", func(t *testing.T) {
		engine, _, chain, outbox, _ := newTestEngine(t, []*repository.WorkflowRule{
			statusChangeRule("both", 10, repository.StatusDraft, repository.StatusSent,
				repository.RuleActions{RequireApproval: true, SendToClient: true}),
		})
		chain.err = errors.New(errors.ErrCodeCollaborator, "chain unavailable")

		matched := engine.MatchStatusChange(repository.StatusDraft, repository.StatusSent)
		engine.Dispatch(context.Background(), proposal, matched, "pm@example.com")

		// Chain start failed, the client mail still went out.
		assert.Empty(t, chain.started)
		assert.Len(t, outbox.all(), 1)
	})

	t.Run("planning mails writes nothing", func(t *testing.T) {
		engine, _, _, outbox, _ := newTestEngine(t, []*repository.WorkflowRule{
			statusChangeRule("on-send", 10, repository.StatusDraft, repository.StatusSent,
				repository.RuleActions{NotifyManager: true, SendToClient: true}),
		})

		matched := engine.MatchStatusChange(repository.StatusDraft, repository.StatusSent)
		mails := engine.PlanMails(proposal, matched)

		require.Len(t, mails, 2)
		assert.Equal(t, []string{"manager@example.com"}, mails[0].Recipients)
		assert.Equal(t, []string{"dana@example.com"}, mails[1].Recipients)
		assert.Empty(t, outbox.all())
		assert.Equal(t, 0, outbox.enqueueCalls)
	})

	t.Run("submission matches merge in priority order", func(t *testing.T) {
		rule := &repository.WorkflowRule{
			ID:          "dual",
			RuleName:    "dual",
			TriggerType: repository.TriggerStatusChange,
			Condition: repository.RuleCondition{
				FromStatus: repository.StatusDraft,
				ToStatus:   repository.StatusSent,
			},
			Actions:  repository.RuleActions{NotifyManager: true},
			IsActive: true,
			Priority: 5,
		}
		amount := &repository.WorkflowRule{
			ID:          "threshold",
			RuleName:    "threshold",
			TriggerType: repository.TriggerAmountThreshold,
			Condition:   repository.RuleCondition{MinAmount: 1},
			Actions:     repository.RuleActions{RequireApproval: true},
			IsActive:    true,
			Priority:    1,
		}
		engine, _, _, _, _ := newTestEngine(t, []*repository.WorkflowRule{rule, amount})

		matched := engine.MatchSubmission(100)
		require.Len(t, matched, 2)
		assert.Equal(t, "threshold", matched[0].RuleName)
		assert.Equal(t, "dual", matched[1].RuleName)
	})
}

func TestWorkflowEngineSweepTimeBased(t *testing.T) {
	rule := &repository.WorkflowRule{
		ID:          "remind-7d",
		RuleName:    "remind-7d",
		TriggerType: repository.TriggerTimeBased,
		Condition:   repository.RuleCondition{Status: repository.StatusSent, Days: 7},
		Actions:     repository.RuleActions{SendReminder: true},
		IsActive:    true,
	}
	engine, proposals, _, outbox, _ := newTestEngine(t, []*repository.WorkflowRule{rule})

	now := time.Now()
	staleSent := now.Add(-8 * 24 * time.Hour)
	freshSent := now.Add(-2 * 24 * time.Hour)

	stale := &repository.Proposal{
		ID: "stale", ProposalNumber: "PRO-1", ClientEmail: "stale@example.com",
		Status: repository.StatusSent, SentAt: &staleSent,
	}
	fresh := &repository.Proposal{
		ID: "fresh", ProposalNumber: "PRO-2", ClientEmail: "fresh@example.com",
		Status: repository.StatusSent, SentAt: &freshSent,
	}
	require.NoError(t, proposals.Create(context.Background(), stale))
	require.NoError(t, proposals.Create(context.Background(), fresh))

	require.NoError(t, engine.SweepTimeBased(context.Background(), now))

	entries := outbox.all()
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"stale@example.com"}, entries[0].Recipients)
}

func TestWorkflowEngineReload(t *testing.T) {
	store := &fakeRuleStore{rules: []*repository.WorkflowRule{
		statusChangeRule("first", 10, repository.StatusDraft, repository.StatusSent,
			repository.RuleActions{NotifyManager: true}),
	}}

	engine := NewWorkflowEngine(store, newFakeProposalStore(), &fakeChain{}, &fakeOutboxStore{},
		NewEventRecorder(&fakeEventStore{}, nil, zerolog.Nop()),
		MailSettings{From: "proposals@example.com"}, zerolog.Nop())
	require.NoError(t, engine.Load(context.Background()))
	assert.Len(t, engine.ActiveRules(), 1)

	store.rules = append(store.rules,
		statusChangeRule("second", 20, "", repository.StatusSigned,
			repository.RuleActions{TrackAnalytics: true}))

	require.NoError(t, engine.Reload(context.Background()))
	assert.Len(t, engine.ActiveRules(), 2)
}
