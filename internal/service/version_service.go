package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/buildcrest/be-proposals/internal/errors"
	"github.com/buildcrest/be-proposals/internal/repository"
)

// contentSchemaVersion is the structured snapshot schema the store writes.
// Older schema versions are readable but never written.
const contentSchemaVersion = 1

var knownSectionKinds = map[string]bool{
	"introduction": true,
	"scope":        true,
	"schedule":     true,
	"terms":        true,
	"custom":       true,
}

// VersionService is the version store's write and read surface: validated
// commits, history pagination and non-mutating peeks at past snapshots.
type VersionService struct {
	versions VersionStore
	log      zerolog.Logger
}

// NewVersionService creates a new VersionService.
func NewVersionService(versions VersionStore, log zerolog.Logger) *VersionService {
	return &VersionService{versions: versions, log: log}
}

// CommitVersionRequest carries one commit. BaseVersionID must be the version
// the caller edited from (empty only for a proposal's first version).
type CommitVersionRequest struct {
	ProposalID     string
	BaseVersionID  string
	Content        repository.VersionContent
	LineItems      []repository.LineItem
	TaxRatePercent float64
	DiscountMinor  int64
	ChangeSummary  string
	Actor          string
}

// Validate checks a commit request's snapshot and pricing inputs without
// touching the store. Commit runs the same checks; callers that need to fail
// fast before creating other state can call it directly.
func (s *VersionService) Validate(req *CommitVersionRequest) error {
	if err := validateContent(&req.Content); err != nil {
		return err
	}
	if err := validateLineItems(req.LineItems); err != nil {
		return err
	}
	if req.TaxRatePercent < 0 || req.TaxRatePercent > 100 {
		return errors.Validation("tax_rate_percent", "tax rate must be between 0 and 100")
	}
	if req.DiscountMinor < 0 {
		return errors.Validation("discount", "discount cannot be negative")
	}
	return nil
}

// Commit validates the snapshot, computes its pricing and appends it as the
// new current version. A stale BaseVersionID fails with Conflict; the caller
// must refetch the current version and retry.
func (s *VersionService) Commit(ctx context.Context, req *CommitVersionRequest) (*repository.ProposalVersion, error) {
	if req.ProposalID == "" {
		return nil, errors.Validation("proposal_id", "proposal id is required")
	}
	if err := s.Validate(req); err != nil {
		return nil, err
	}

	items := make([]repository.LineItem, len(req.LineItems))
	for i, item := range req.LineItems {
		item.LineTotal = LineTotal(item)
		items[i] = item
	}

	totals := ComputeTotals(items, req.TaxRatePercent, req.DiscountMinor)
	if totals.Total < 0 {
		return nil, errors.Validation("total",
			fmt.Sprintf("discount produces a negative total (%d)", totals.Total))
	}

	version := &repository.ProposalVersion{
		ProposalID:     req.ProposalID,
		Content:        req.Content,
		LineItems:      items,
		Subtotal:       totals.Subtotal,
		TaxRatePercent: req.TaxRatePercent,
		TaxAmount:      totals.Tax,
		DiscountAmount: req.DiscountMinor,
		TotalAmount:    totals.Total,
		ChangeSummary:  req.ChangeSummary,
	}
	if req.Actor != "" {
		version.CreatedBy = &req.Actor
	}

	if err := s.versions.Commit(ctx, version, req.BaseVersionID); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("proposal_id", version.ProposalID).
		Str("version_id", version.ID).
		Int("version_number", version.VersionNumber).
		Int64("total_amount", version.TotalAmount).
		Msg("Version committed")

	return version, nil
}

// History returns a proposal's versions, newest first.
func (s *VersionService) History(ctx context.Context, proposalID string, limit, offset int) ([]*repository.ProposalVersion, int64, error) {
	return s.versions.History(ctx, proposalID, limit, offset)
}

// Peek loads one past snapshot for display or editing-as-draft. It never
// changes which version is current and never creates a version.
func (s *VersionService) Peek(ctx context.Context, versionID string) (*repository.ProposalVersion, error) {
	return s.versions.GetByID(ctx, versionID)
}

// Current returns the current version of a proposal.
func (s *VersionService) Current(ctx context.Context, proposalID string) (*repository.ProposalVersion, error) {
	return s.versions.GetCurrent(ctx, proposalID)
}

// validateContent checks the structured snapshot at commit time, so malformed
// content can never enter the store.
func validateContent(content *repository.VersionContent) error {
	if content.SchemaVersion == 0 {
		content.SchemaVersion = contentSchemaVersion
	}
	if content.SchemaVersion != contentSchemaVersion {
		return errors.Validation("content.schema_version",
			fmt.Sprintf("unsupported schema version %d", content.SchemaVersion))
	}
	if content.ClientName == "" {
		return errors.Validation("content.client_name", "client name is required")
	}
	for i, section := range content.Sections {
		if !knownSectionKinds[section.Kind] {
			return errors.Validation(
				fmt.Sprintf("content.sections[%d].kind", i),
				fmt.Sprintf("unknown section kind '%s'", section.Kind))
		}
	}
	return nil
}

func validateLineItems(items []repository.LineItem) error {
	for i, item := range items {
		if item.Description == "" {
			return errors.Validation(fmt.Sprintf("line_items[%d].description", i), "description is required")
		}
		if item.Quantity < 0 {
			return errors.Validation(fmt.Sprintf("line_items[%d].quantity", i), "quantity cannot be negative")
		}
		if item.UnitPrice < 0 {
			return errors.Validation(fmt.Sprintf("line_items[%d].unit_price", i), "unit price cannot be negative")
		}
	}
	return nil
}
