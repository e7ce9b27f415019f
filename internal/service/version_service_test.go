package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildcrest/be-proposals/internal/errors"
	"github.com/buildcrest/be-proposals/internal/repository"
)

func testContent() repository.VersionContent {
	return repository.VersionContent{
		ClientName:  "Acme Logistics",
		ClientEmail: "ops@acme.example.com",
		Sections: []repository.ContentSection{
			{Kind: "introduction", Title: "Overview", Body: "Warehouse build-out."},
			{Kind: "scope", Title: "Scope", Body: "Racking, electrical, dock doors."},
		},
		Terms: "Net 30.",
	}
}

func commitRequest(proposalID, base string) *CommitVersionRequest {
	return &CommitVersionRequest{
		ProposalID:    proposalID,
		BaseVersionID: base,
		Content:       testContent(),
		LineItems: []repository.LineItem{
			{Description: "Racking", Quantity: 10, UnitPrice: 50000},
		},
		TaxRatePercent: 8,
		ChangeSummary:  "Edit",
		Actor:          "pm@example.com",
	}
}

func TestVersionServiceCommit(t *testing.T) {
	ctx := context.Background()

	t.Run("first commit becomes version 1 with computed totals", func(t *testing.T) {
		store := newFakeVersionStore()
		svc := NewVersionService(store, zerolog.Nop())

		version, err := svc.Commit(ctx, commitRequest("p1", ""))
		require.NoError(t, err)

		assert.Equal(t, 1, version.VersionNumber)
		assert.True(t, version.IsCurrent)
		assert.Equal(t, int64(500000), version.Subtotal)
		assert.Equal(t, int64(40000), version.TaxAmount)
		assert.Equal(t, int64(540000), version.TotalAmount)
		assert.Equal(t, int64(500000), version.LineItems[0].LineTotal)
	})

	t.Run("stale base fails with conflict, retry with fresh base succeeds", func(t *testing.T) {
		store := newFakeVersionStore()
		svc := NewVersionService(store, zerolog.Nop())

		v1, err := svc.Commit(ctx, commitRequest("p1", ""))
		require.NoError(t, err)

		// Two editors both loaded v1. The first commit wins.
		v2, err := svc.Commit(ctx, commitRequest("p1", v1.ID))
		require.NoError(t, err)
		assert.Equal(t, 2, v2.VersionNumber)

		// The second editor's commit against the stale base is rejected
		// without writing anything.
		_, err = svc.Commit(ctx, commitRequest("p1", v1.ID))
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))

		history, total, err := svc.History(ctx, "p1", 50, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
		require.Len(t, history, 2)

		// Refetching the current version and retrying succeeds.
		current, err := svc.Current(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, v2.ID, current.ID)

		v3, err := svc.Commit(ctx, commitRequest("p1", current.ID))
		require.NoError(t, err)
		assert.Equal(t, 3, v3.VersionNumber)
	})

	t.Run("exactly one current version after many commits", func(t *testing.T) {
		store := newFakeVersionStore()
		svc := NewVersionService(store, zerolog.Nop())

		base := ""
		for i := 0; i < 5; i++ {
			v, err := svc.Commit(ctx, commitRequest("p1", base))
			require.NoError(t, err)
			base = v.ID
		}

		history, _, err := svc.History(ctx, "p1", 50, 0)
		require.NoError(t, err)
		require.Len(t, history, 5)

		currentCount := 0
		for i, v := range history {
			// Newest first, contiguous 1..N numbering.
			assert.Equal(t, 5-i, v.VersionNumber)
			if v.IsCurrent {
				currentCount++
			}
		}
		assert.Equal(t, 1, currentCount)
	})

	t.Run("empty base on a proposal with versions conflicts", func(t *testing.T) {
		store := newFakeVersionStore()
		svc := NewVersionService(store, zerolog.Nop())

		_, err := svc.Commit(ctx, commitRequest("p1", ""))
		require.NoError(t, err)

		_, err = svc.Commit(ctx, commitRequest("p1", ""))
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
	})

	t.Run("peek returns a past snapshot without changing current", func(t *testing.T) {
		store := newFakeVersionStore()
		svc := NewVersionService(store, zerolog.Nop())

		v1, err := svc.Commit(ctx, commitRequest("p1", ""))
		require.NoError(t, err)
		v2, err := svc.Commit(ctx, commitRequest("p1", v1.ID))
		require.NoError(t, err)

		peeked, err := svc.Peek(ctx, v1.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, peeked.VersionNumber)

		current, err := svc.Current(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, v2.ID, current.ID)
	})

	t.Run("validation failures", func(t *testing.T) {
		store := newFakeVersionStore()
		svc := NewVersionService(store, zerolog.Nop())

		tests := []struct {
			name   string
			mutate func(req *CommitVersionRequest)
		}{
			{"missing client name", func(req *CommitVersionRequest) {
				req.Content.ClientName = ""
			}},
			{"unknown section kind", func(req *CommitVersionRequest) {
				req.Content.Sections[0].Kind = "blueprint"
			}},
			{"negative quantity", func(req *CommitVersionRequest) {
				req.LineItems[0].Quantity = -1
			}},
			{"negative unit price", func(req *CommitVersionRequest) {
				req.LineItems[0].UnitPrice = -1
			}},
			{"missing description", func(req *CommitVersionRequest) {
				req.LineItems[0].Description = ""
			}},
			{"tax rate above 100", func(req *CommitVersionRequest) {
				req.TaxRatePercent = 101
			}},
			{"negative discount", func(req *CommitVersionRequest) {
				req.DiscountMinor = -5
			}},
			{"discount exceeding total", func(req *CommitVersionRequest) {
				req.DiscountMinor = 10000000
			}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				req := commitRequest("p1", "")
				tt.mutate(req)

				_, err := svc.Commit(ctx, req)
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
			})
		}

		// None of the rejected commits wrote a version.
		_, err := svc.Current(ctx, "p1")
		assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	})
}
