package service

import (
	"context"

	"github.com/buildcrest/be-proposals/internal/repository"
)

// The services depend on narrow store interfaces rather than the concrete pgx
// repositories so the state-machine and engine logic is testable against
// in-memory fakes. The repository package satisfies all of them.

// ProposalStore persists the proposal aggregate. TransitionStatus writes the
// given mails in the same transaction as the transition.
type ProposalStore interface {
	Create(ctx context.Context, p *repository.Proposal) error
	GetByID(ctx context.Context, id string) (*repository.Proposal, error)
	List(ctx context.Context, status, priority *string, limit, offset int) ([]*repository.Proposal, int64, error)
	ListByStatus(ctx context.Context, status string) ([]*repository.Proposal, error)
	TransitionStatus(ctx context.Context, id, from, to, actor string, mails []*repository.OutboxEntry) error
	MaterializeExpired(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
}

// VersionStore persists the append-only version history.
type VersionStore interface {
	Commit(ctx context.Context, version *repository.ProposalVersion, baseVersionID string) error
	GetCurrent(ctx context.Context, proposalID string) (*repository.ProposalVersion, error)
	GetByID(ctx context.Context, versionID string) (*repository.ProposalVersion, error)
	History(ctx context.Context, proposalID string, limit, offset int) ([]*repository.ProposalVersion, int64, error)
}

// RuleStore persists the authored workflow rule set.
type RuleStore interface {
	List(ctx context.Context, activeOnly bool) ([]*repository.WorkflowRule, error)
}

// ApprovalStore persists approval chain templates, instances and decisions.
type ApprovalStore interface {
	ListTemplates(ctx context.Context) ([]*repository.ApprovalStepTemplate, error)
	CreateTemplate(ctx context.Context, t *repository.ApprovalStepTemplate) error
	UpdateTemplate(ctx context.Context, t *repository.ApprovalStepTemplate) error
	DeleteTemplate(ctx context.Context, id string) error
	CreateInstance(ctx context.Context, inst *repository.ApprovalInstance, steps []*repository.ApprovalInstanceStep) error
	GetInstance(ctx context.Context, id string) (*repository.ApprovalInstance, error)
	GetActiveByProposal(ctx context.Context, proposalID string) (*repository.ApprovalInstance, error)
	ListInProgress(ctx context.Context) ([]*repository.ApprovalInstance, error)
	GetSteps(ctx context.Context, instanceID string) ([]*repository.ApprovalInstanceStep, error)
	Decide(ctx context.Context, d repository.DecisionUpdate) error
	RestartStepClock(ctx context.Context, instanceID, proposalID string, stepIndex int) error
}

// EventStore persists the immutable lifecycle event log.
type EventStore interface {
	Append(ctx context.Context, event *repository.ProposalEvent) error
	ListByProposal(ctx context.Context, proposalID string, limit, offset int) ([]*repository.ProposalEvent, int64, error)
}

// OutboxStore queues outbound notifications for the dispatcher.
type OutboxStore interface {
	Enqueue(ctx context.Context, entry *repository.OutboxEntry) error
}
