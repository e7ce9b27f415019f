package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buildcrest/be-proposals/internal/errors"
	"github.com/buildcrest/be-proposals/internal/repository"
)

// In-memory stores mirroring the repository semantics, including the
// compare-and-swap guards the Postgres layer enforces.

type fakeProposalStore struct {
	mu        sync.Mutex
	proposals map[string]*repository.Proposal
	outbox    *fakeOutboxStore // receives the mails a transition writes
}

func newFakeProposalStore() *fakeProposalStore {
	return &fakeProposalStore{proposals: make(map[string]*repository.Proposal)}
}

func (s *fakeProposalStore) Create(_ context.Context, p *repository.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	s.proposals[p.ID] = &cp
	return nil
}

func (s *fakeProposalStore) GetByID(_ context.Context, id string) (*repository.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, errors.NotFound("proposal", id)
	}
	cp := *p
	return &cp, nil
}

func (s *fakeProposalStore) List(_ context.Context, status, priority *string, limit, offset int) ([]*repository.Proposal, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Proposal
	for _, p := range s.proposals {
		if status != nil && p.Status != *status {
			continue
		}
		if priority != nil && p.Priority != *priority {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, int64(len(out)), nil
}

func (s *fakeProposalStore) ListByStatus(_ context.Context, status string) ([]*repository.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Proposal
	for _, p := range s.proposals {
		if p.Status == status {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeProposalStore) TransitionStatus(_ context.Context, id, from, to, _ string, mails []*repository.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return errors.NotFound("proposal", id)
	}
	if p.Status != from {
		return errors.Conflict(
			fmt.Sprintf("proposal %s is not in status '%s'", id, from))
	}
	// Mails are part of the transition write: a failure aborts the whole
	// transition, like the real transaction.
	if len(mails) > 0 {
		if s.outbox == nil {
			return errors.New(errors.ErrCodeInternal, "no outbox wired for transition mails")
		}
		if err := s.outbox.addTx(mails); err != nil {
			return err
		}
	}
	p.Status = to
	if to == repository.StatusSent && p.SentAt == nil {
		now := time.Now()
		p.SentAt = &now
	}
	p.UpdatedAt = time.Now()
	return nil
}

func (s *fakeProposalStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok || p.Status != repository.StatusDraft {
		return errors.NotFound("proposal", id)
	}
	delete(s.proposals, id)
	return nil
}

func (s *fakeProposalStore) MaterializeExpired(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var ids []string
	for _, p := range s.proposals {
		if terminalStatuses[p.Status] {
			continue
		}
		if p.ValidUntil != nil && now.After(*p.ValidUntil) {
			p.Status = repository.StatusExpired
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

// ── versions ──────────────────────────────────────────────────────────────────

type fakeVersionStore struct {
	mu       sync.Mutex
	versions map[string][]*repository.ProposalVersion // keyed by proposal id
	failErr  error
}

func newFakeVersionStore() *fakeVersionStore {
	return &fakeVersionStore{versions: make(map[string][]*repository.ProposalVersion)}
}

func (s *fakeVersionStore) Commit(_ context.Context, version *repository.ProposalVersion, baseVersionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return s.failErr
	}

	chain := s.versions[version.ProposalID]

	if baseVersionID == "" {
		if len(chain) > 0 {
			return errors.Conflict(
				fmt.Sprintf("proposal %s already has versions", version.ProposalID))
		}
		version.VersionNumber = 1
	} else {
		var base *repository.ProposalVersion
		for _, v := range chain {
			if v.ID == baseVersionID && v.IsCurrent {
				base = v
				break
			}
		}
		if base == nil {
			return errors.Conflict(
				fmt.Sprintf("version %s is not the current version", baseVersionID))
		}
		base.IsCurrent = false
		version.VersionNumber = base.VersionNumber + 1
	}

	version.ID = uuid.NewString()
	version.IsCurrent = true
	version.CreatedAt = time.Now()
	s.versions[version.ProposalID] = append(chain, version)
	return nil
}

func (s *fakeVersionStore) GetCurrent(_ context.Context, proposalID string) (*repository.ProposalVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[proposalID] {
		if v.IsCurrent {
			cp := *v
			return &cp, nil
		}
	}
	return nil, errors.NotFound("proposal_version", proposalID)
}

func (s *fakeVersionStore) GetByID(_ context.Context, versionID string) (*repository.ProposalVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chain := range s.versions {
		for _, v := range chain {
			if v.ID == versionID {
				cp := *v
				return &cp, nil
			}
		}
	}
	return nil, errors.NotFound("proposal_version", versionID)
}

func (s *fakeVersionStore) History(_ context.Context, proposalID string, limit, offset int) ([]*repository.ProposalVersion, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.versions[proposalID]
	out := make([]*repository.ProposalVersion, len(chain))
	copy(out, chain)
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out, int64(len(out)), nil
}

// ── rules ─────────────────────────────────────────────────────────────────────

type fakeRuleStore struct {
	rules []*repository.WorkflowRule
}

func (s *fakeRuleStore) List(_ context.Context, activeOnly bool) ([]*repository.WorkflowRule, error) {
	var out []*repository.WorkflowRule
	for _, r := range s.rules {
		if activeOnly && !r.IsActive {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// ── approvals ─────────────────────────────────────────────────────────────────

type fakeApprovalStore struct {
	mu        sync.Mutex
	templates []*repository.ApprovalStepTemplate
	instances map[string]*repository.ApprovalInstance
	steps     map[string][]*repository.ApprovalInstanceStep
}

func newFakeApprovalStore() *fakeApprovalStore {
	return &fakeApprovalStore{
		instances: make(map[string]*repository.ApprovalInstance),
		steps:     make(map[string][]*repository.ApprovalInstanceStep),
	}
}

func (s *fakeApprovalStore) ListTemplates(_ context.Context) ([]*repository.ApprovalStepTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*repository.ApprovalStepTemplate, len(s.templates))
	copy(out, s.templates)
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *fakeApprovalStore) CreateTemplate(_ context.Context, t *repository.ApprovalStepTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = uuid.NewString()
	s.templates = append(s.templates, t)
	return nil
}

func (s *fakeApprovalStore) UpdateTemplate(_ context.Context, t *repository.ApprovalStepTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.templates {
		if existing.ID == t.ID {
			s.templates[i] = t
			return nil
		}
	}
	return errors.NotFound("approval_step_template", t.ID)
}

func (s *fakeApprovalStore) DeleteTemplate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.templates {
		if existing.ID == id {
			s.templates = append(s.templates[:i], s.templates[i+1:]...)
			return nil
		}
	}
	return errors.NotFound("approval_step_template", id)
}

func (s *fakeApprovalStore) CreateInstance(_ context.Context, inst *repository.ApprovalInstance, steps []*repository.ApprovalInstanceStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst.ID = uuid.NewString()
	inst.SubmittedAt = time.Now()
	s.instances[inst.ID] = inst
	for _, step := range steps {
		step.ID = uuid.NewString()
		step.InstanceID = inst.ID
	}
	s.steps[inst.ID] = steps
	return nil
}

func (s *fakeApprovalStore) GetInstance(_ context.Context, id string) (*repository.ApprovalInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, errors.NotFound("approval_instance", id)
	}
	cp := *inst
	return &cp, nil
}

func (s *fakeApprovalStore) GetActiveByProposal(_ context.Context, proposalID string) (*repository.ApprovalInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if inst.ProposalID == proposalID && inst.Overall == repository.ApprovalInProgress {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeApprovalStore) ListInProgress(_ context.Context) ([]*repository.ApprovalInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.ApprovalInstance
	for _, inst := range s.instances {
		if inst.Overall == repository.ApprovalInProgress {
			cp := *inst
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeApprovalStore) GetSteps(_ context.Context, instanceID string) ([]*repository.ApprovalInstanceStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := s.steps[instanceID]
	out := make([]*repository.ApprovalInstanceStep, len(steps))
	for i, step := range steps {
		cp := *step
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (s *fakeApprovalStore) Decide(_ context.Context, d repository.DecisionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var step *repository.ApprovalInstanceStep
	for _, candidate := range s.steps[d.InstanceID] {
		if candidate.StepIndex == d.StepIndex {
			step = candidate
			break
		}
	}
	if step == nil || step.Outcome != repository.StepPending {
		return errors.Conflict(
			fmt.Sprintf("step %d of instance %s is not pending", d.StepIndex, d.InstanceID))
	}

	inst := s.instances[d.InstanceID]
	if inst == nil || inst.Overall != repository.ApprovalInProgress || inst.ActiveStepIndex != d.StepIndex {
		return errors.Conflict(
			fmt.Sprintf("instance %s is not in progress at step %d", d.InstanceID, d.StepIndex))
	}

	now := time.Now()
	step.Outcome = d.Outcome
	step.DecidedBy = &d.DecidedBy
	step.DecidedAt = &now

	inst.ActiveStepIndex = d.NextActiveIndex
	inst.Overall = d.Overall
	inst.CompletedAt = d.CompletedAt

	if d.Overall == repository.ApprovalInProgress && d.NextActiveIndex != d.StepIndex {
		for _, next := range s.steps[d.InstanceID] {
			if next.StepIndex == d.NextActiveIndex && next.ActivatedAt == nil {
				next.ActivatedAt = &now
			}
		}
	}
	return nil
}

func (s *fakeApprovalStore) RestartStepClock(_ context.Context, instanceID, _ string, stepIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, step := range s.steps[instanceID] {
		if step.StepIndex == stepIndex && step.Outcome == repository.StepPending {
			now := time.Now()
			step.ActivatedAt = &now
			return nil
		}
	}
	return errors.Conflict(
		fmt.Sprintf("step %d of instance %s is not pending", stepIndex, instanceID))
}

// ── events and outbox ─────────────────────────────────────────────────────────

type fakeEventStore struct {
	mu     sync.Mutex
	events []*repository.ProposalEvent
}

func (s *fakeEventStore) Append(_ context.Context, event *repository.ProposalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = uuid.NewString()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	s.events = append(s.events, event)
	return nil
}

func (s *fakeEventStore) ListByProposal(_ context.Context, proposalID string, _, _ int) ([]*repository.ProposalEvent, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.ProposalEvent
	for _, e := range s.events {
		if e.ProposalID == proposalID {
			out = append(out, e)
		}
	}
	return out, int64(len(out)), nil
}

func (s *fakeEventStore) byType(eventType string) []*repository.ProposalEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.ProposalEvent
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakeOutboxStore struct {
	mu           sync.Mutex
	entries      []*repository.OutboxEntry
	enqueueCalls int // standalone Enqueue calls, excluding transition writes
	failErr      error
}

func (s *fakeOutboxStore) Enqueue(_ context.Context, entry *repository.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueCalls++
	if s.failErr != nil {
		return s.failErr
	}
	s.add(entry)
	return nil
}

// addTx mirrors the in-transaction enqueue a status transition performs.
func (s *fakeOutboxStore) addTx(entries []*repository.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	for _, entry := range entries {
		s.add(entry)
	}
	return nil
}

func (s *fakeOutboxStore) add(entry *repository.OutboxEntry) {
	entry.ID = uuid.NewString()
	entry.Status = repository.OutboxPending
	entry.CreatedAt = time.Now()
	s.entries = append(s.entries, entry)
}

func (s *fakeOutboxStore) all() []*repository.OutboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*repository.OutboxEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// fakeChain records Start calls for engine tests.
type fakeChain struct {
	mu      sync.Mutex
	started []string
	err     error
}

func (c *fakeChain) Start(_ context.Context, p *repository.Proposal, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.started = append(c.started, p.ID)
	return nil
}
