package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/buildcrest/be-proposals/internal/errors"
	"github.com/buildcrest/be-proposals/internal/repository"
)

var validPriorities = map[string]bool{
	repository.PriorityLow:    true,
	repository.PriorityNormal: true,
	repository.PriorityHigh:   true,
	repository.PriorityUrgent: true,
}

var terminalStatuses = map[string]bool{
	repository.StatusSigned:   true,
	repository.StatusRejected: true,
	repository.StatusExpired:  true,
}

// EffectiveStatus is the status a reader should see: a non-terminal proposal
// whose validity deadline has passed reads as expired even before the sweep
// materializes the row. Terminal statuses are absorbing and never change.
func EffectiveStatus(p *repository.Proposal, now time.Time) string {
	if terminalStatuses[p.Status] {
		return p.Status
	}
	if p.ValidUntil != nil && now.After(*p.ValidUntil) {
		return repository.StatusExpired
	}
	return p.Status
}

// ProposalService owns the proposal aggregate lifecycle: creation with the
// initial version, the status state machine, and the engagement signals
// reported by the delivery channel.
type ProposalService struct {
	proposals ProposalStore
	versions  *VersionService
	engine    *WorkflowEngine
	recorder  *EventRecorder
	log       zerolog.Logger
}

// NewProposalService creates a new ProposalService.
func NewProposalService(
	proposals ProposalStore,
	versions *VersionService,
	engine *WorkflowEngine,
	recorder *EventRecorder,
	log zerolog.Logger,
) *ProposalService {
	return &ProposalService{
		proposals: proposals,
		versions:  versions,
		engine:    engine,
		recorder:  recorder,
		log:       log,
	}
}

// CreateProposalRequest carries a new proposal and its initial snapshot.
type CreateProposalRequest struct {
	Title          string
	ClientName     string
	ClientEmail    string
	ClientPhone    *string
	ClientAddress  *string
	Priority       string
	Currency       string
	ValidUntil     *time.Time
	Content        repository.VersionContent
	LineItems      []repository.LineItem
	TaxRatePercent float64
	DiscountMinor  int64
	Actor          string
}

// Create inserts a draft proposal together with its version 1 snapshot. The
// snapshot is validated up front, and a storage failure on the version commit
// removes the draft again, so a version-less proposal never survives Create.
func (s *ProposalService) Create(ctx context.Context, req *CreateProposalRequest) (*repository.Proposal, error) {
	if req.Title == "" {
		return nil, errors.Validation("title", "title is required")
	}
	if req.ClientName == "" {
		return nil, errors.Validation("client_name", "client name is required")
	}
	if req.Priority == "" {
		req.Priority = repository.PriorityNormal
	}
	if !validPriorities[req.Priority] {
		return nil, errors.Validation("priority",
			fmt.Sprintf("unknown priority '%s'", req.Priority))
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}
	if len(req.Currency) != 3 {
		return nil, errors.Validation("currency", "currency must be a 3-letter ISO code")
	}

	if req.Content.ClientName == "" {
		req.Content.ClientName = req.ClientName
	}
	if req.Content.ClientEmail == "" {
		req.Content.ClientEmail = req.ClientEmail
	}

	commit := &CommitVersionRequest{
		Content:        req.Content,
		LineItems:      req.LineItems,
		TaxRatePercent: req.TaxRatePercent,
		DiscountMinor:  req.DiscountMinor,
		ChangeSummary:  "Initial version",
		Actor:          req.Actor,
	}
	if err := s.versions.Validate(commit); err != nil {
		return nil, err
	}

	p := &repository.Proposal{
		ProposalNumber: newProposalNumber(),
		Title:          req.Title,
		ClientName:     req.ClientName,
		ClientEmail:    req.ClientEmail,
		ClientPhone:    req.ClientPhone,
		ClientAddress:  req.ClientAddress,
		Status:         repository.StatusDraft,
		Priority:       req.Priority,
		Currency:       strings.ToUpper(req.Currency),
		ValidUntil:     req.ValidUntil,
	}
	if req.Actor != "" {
		p.CreatedBy = &req.Actor
	}

	if err := s.proposals.Create(ctx, p); err != nil {
		return nil, err
	}

	commit.ProposalID = p.ID
	version, err := s.versions.Commit(ctx, commit)
	if err != nil {
		// Remove the just-created draft so a storage failure here never
		// leaves a version-less proposal behind.
		if delErr := s.proposals.Delete(ctx, p.ID); delErr != nil {
			s.log.Error().Err(delErr).
				Str("proposal_id", p.ID).
				Msg("failed to remove proposal after version commit failure")
		}
		return nil, err
	}
	p.TotalAmount = version.TotalAmount

	s.log.Info().
		Str("proposal_id", p.ID).
		Str("proposal_number", p.ProposalNumber).
		Int64("total_amount", p.TotalAmount).
		Msg("Proposal created")

	return p, nil
}

func newProposalNumber() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("PRO-%s-%s", time.Now().Format("20060102"), suffix)
}

// Get returns one proposal with its effective status applied.
func (s *ProposalService) Get(ctx context.Context, id string) (*repository.Proposal, error) {
	p, err := s.proposals.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Status = EffectiveStatus(p, time.Now())
	return p, nil
}

// List returns proposals with optional status and priority filters, effective
// statuses applied.
func (s *ProposalService) List(ctx context.Context, status, priority *string, limit, offset int) ([]*repository.Proposal, int64, error) {
	proposals, total, err := s.proposals.List(ctx, status, priority, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	now := time.Now()
	for _, p := range proposals {
		p.Status = EffectiveStatus(p, now)
	}
	return proposals, total, nil
}

// Send submits a draft for delivery. The workflow rules decide the landing
// status: when any matched rule requires approval the proposal parks in
// pending_approval and the chain starts, otherwise it goes straight to sent.
// Mail rows of the matched rules are written inside the transition
// transaction; the remaining actions fire after it commits.
func (s *ProposalService) Send(ctx context.Context, id, actor string) (*repository.Proposal, error) {
	p, err := s.proposals.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	eff := EffectiveStatus(p, time.Now())
	if eff == repository.StatusExpired {
		return nil, errors.InvalidState("proposal validity deadline has passed")
	}
	if eff != repository.StatusDraft {
		return nil, errors.InvalidState(
			fmt.Sprintf("proposal cannot be sent from status '%s'", eff))
	}

	if p.Title == "" {
		return nil, errors.Validation("title", "proposal has no title")
	}
	if p.ClientName == "" || p.ClientEmail == "" {
		return nil, errors.Validation("client", "proposal has no client contact")
	}

	current, err := s.versions.Current(ctx, p.ID)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return nil, errors.Validation("version", "proposal has no content version")
		}
		return nil, err
	}
	if current.TotalAmount < 0 {
		return nil, errors.Validation("total", "proposal total is negative")
	}

	matched := s.engine.MatchSubmission(current.TotalAmount)
	target := repository.StatusSent
	if RequiresApproval(matched) {
		target = repository.StatusPendingApproval
	}

	p.Status = target
	p.TotalAmount = current.TotalAmount
	mails := s.engine.PlanMails(p, matched)

	if err := s.proposals.TransitionStatus(ctx, p.ID,
		repository.StatusDraft, target, actor, mails); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("proposal_id", p.ID).
		Str("target_status", target).
		Int("matched_rules", len(matched)).
		Msg("Proposal sent")

	// Reload to pick up the transition's timestamps before dispatching.
	p, err = s.proposals.GetByID(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	s.engine.DispatchCommitted(ctx, p, matched, actor)
	return p, nil
}

// MarkOpened records that the client opened the proposal. The first open of a
// sent proposal moves it to viewed; repeat opens only append engagement
// events.
func (s *ProposalService) MarkOpened(ctx context.Context, id, actor string) (*repository.Proposal, error) {
	p, err := s.proposals.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	eff := EffectiveStatus(p, time.Now())
	switch eff {
	case repository.StatusSent:
		if err := s.transitionWithRules(ctx, p,
			repository.StatusSent, repository.StatusViewed, actor); err != nil {
			return nil, err
		}

	case repository.StatusViewed:
		// already viewed, record the repeat open below

	default:
		return nil, errors.InvalidState(
			fmt.Sprintf("proposal in status '%s' cannot be opened", eff))
	}

	event := &repository.ProposalEvent{
		ProposalID: p.ID,
		EventType:  repository.EventProposalOpened,
		Actor:      actor,
		OccurredAt: time.Now(),
	}
	if err := s.recorder.Record(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("proposal_id", p.ID).Msg("failed to record open event")
	}
	return p, nil
}

// MarkSigned records the client's acceptance. Allowed from sent or viewed;
// signed is terminal.
func (s *ProposalService) MarkSigned(ctx context.Context, id, actor string) (*repository.Proposal, error) {
	p, err := s.proposals.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	eff := EffectiveStatus(p, time.Now())
	if eff != repository.StatusSent && eff != repository.StatusViewed {
		return nil, errors.InvalidState(
			fmt.Sprintf("proposal in status '%s' cannot be signed", eff))
	}

	if err := s.transitionWithRules(ctx, p, eff, repository.StatusSigned, actor); err != nil {
		return nil, err
	}

	event := &repository.ProposalEvent{
		ProposalID: p.ID,
		EventType:  repository.EventProposalSigned,
		Actor:      actor,
		OccurredAt: time.Now(),
	}
	if err := s.recorder.Record(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("proposal_id", p.ID).Msg("failed to record signed event")
	}

	s.log.Info().
		Str("proposal_id", p.ID).
		Str("proposal_number", p.ProposalNumber).
		Msg("Proposal signed")

	return p, nil
}

// RecordUserAction evaluates user_action rules for a named action taken on a
// proposal.
func (s *ProposalService) RecordUserAction(ctx context.Context, id, actionName, actor string) error {
	p, err := s.proposals.GetByID(ctx, id)
	if err != nil {
		return err
	}
	s.engine.HandleUserAction(ctx, p, actionName, actor)
	return nil
}

// ExpireSweep materializes lazy expiry: every non-terminal proposal past its
// validity deadline is moved to expired with a status_change event.
func (s *ProposalService) ExpireSweep(ctx context.Context) error {
	expired, err := s.proposals.MaterializeExpired(ctx)
	if err != nil {
		return err
	}
	if len(expired) > 0 {
		s.log.Info().Int("count", len(expired)).Msg("Expired proposals materialized")
	}
	return nil
}

// transitionWithRules applies from→to with the matched status-change rules'
// mail rows inside the transition transaction, then fires the remaining rule
// actions. p's status is updated to the target on success.
func (s *ProposalService) transitionWithRules(ctx context.Context, p *repository.Proposal, from, to, actor string) error {
	matched := s.engine.MatchStatusChange(from, to)
	p.Status = to
	mails := s.engine.PlanMails(p, matched)

	if err := s.proposals.TransitionStatus(ctx, p.ID, from, to, actor, mails); err != nil {
		p.Status = from
		return err
	}
	if len(matched) > 0 {
		s.engine.DispatchCommitted(ctx, p, matched, actor)
	}
	return nil
}
