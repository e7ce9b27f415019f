package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/buildcrest/be-proposals/internal/database"
	"github.com/buildcrest/be-proposals/internal/errors"
)

// EventRepository appends and reads the immutable lifecycle event log.
// Entries are never updated or deleted.
type EventRepository struct {
	db *database.DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *database.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append inserts one event entry.
func (r *EventRepository) Append(ctx context.Context, event *ProposalEvent) error {
	payloadJSON, err := marshalEventPayload(event)
	if err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	query := `
		INSERT INTO proposal_events (id, proposal_id, event_type, actor, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING occurred_at
	`

	err = r.db.QueryRow(ctx, query,
		event.ID,
		event.ProposalID,
		event.EventType,
		event.Actor,
		payloadJSON,
	).Scan(&event.OccurredAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append event")
	}
	return nil
}

// ListByProposal returns events for a proposal ordered oldest-first, with
// restartable offset pagination.
func (r *EventRepository) ListByProposal(ctx context.Context, proposalID string, limit, offset int) ([]*ProposalEvent, int64, error) {
	countQuery := `SELECT COUNT(*) FROM proposal_events WHERE proposal_id = $1`

	var total int64
	if err := r.db.QueryRow(ctx, countQuery, proposalID).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count events")
	}

	query := `
		SELECT id, proposal_id, event_type, actor, payload, occurred_at
		FROM proposal_events
		WHERE proposal_id = $1
		ORDER BY occurred_at ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, proposalID, limit, offset)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list events")
	}
	defer rows.Close()

	var events []*ProposalEvent
	for rows.Next() {
		event := &ProposalEvent{}
		var payloadJSON []byte
		err := rows.Scan(
			&event.ID,
			&event.ProposalID,
			&event.EventType,
			&event.Actor,
			&payloadJSON,
			&event.OccurredAt,
		)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan event")
		}
		if payloadJSON != nil {
			if err := json.Unmarshal(payloadJSON, &event.Payload); err != nil {
				return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal event payload")
			}
		}
		events = append(events, event)
	}
	return events, total, nil
}

// appendEventTx inserts an event inside an already-open transaction. Used by
// the proposal, version and approval repositories so that state change and
// event emission are part of the same logical commit.
func appendEventTx(ctx context.Context, tx pgx.Tx, event *ProposalEvent) error {
	payloadJSON, err := marshalEventPayload(event)
	if err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	query := `
		INSERT INTO proposal_events (id, proposal_id, event_type, actor, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING occurred_at
	`

	err = tx.QueryRow(ctx, query,
		event.ID,
		event.ProposalID,
		event.EventType,
		event.Actor,
		payloadJSON,
	).Scan(&event.OccurredAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append event")
	}
	return nil
}

func marshalEventPayload(event *ProposalEvent) ([]byte, error) {
	if event.Payload == nil {
		return nil, nil
	}
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal event payload")
	}
	return payloadJSON, nil
}

// StatusChangeEvent builds the single event every status transition emits.
func StatusChangeEvent(proposalID, from, to, actor string) *ProposalEvent {
	return &ProposalEvent{
		ProposalID: proposalID,
		EventType:  EventStatusChange,
		Actor:      actor,
		Payload:    map[string]any{"from": from, "to": to},
		OccurredAt: time.Now(),
	}
}
