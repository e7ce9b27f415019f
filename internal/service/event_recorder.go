package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/buildcrest/be-proposals/internal/client"
	"github.com/buildcrest/be-proposals/internal/repository"
)

// EventRecorder writes engagement and analytics events to the durable log and
// mirrors them onto the analytics stream. The Postgres log is the source of
// truth; the stream publish is best-effort.
type EventRecorder struct {
	events    EventStore
	publisher *client.EventsPublisher
	log       zerolog.Logger
}

// NewEventRecorder creates a new EventRecorder.
func NewEventRecorder(events EventStore, publisher *client.EventsPublisher, log zerolog.Logger) *EventRecorder {
	return &EventRecorder{events: events, publisher: publisher, log: log}
}

// Record appends one event and mirrors it to the stream.
func (r *EventRecorder) Record(ctx context.Context, event *repository.ProposalEvent) error {
	if err := r.events.Append(ctx, event); err != nil {
		return err
	}
	if r.publisher != nil {
		r.publisher.Publish(event)
	}
	return nil
}

// History returns a proposal's event log with offset pagination.
func (r *EventRecorder) History(ctx context.Context, proposalID string, limit, offset int) ([]*repository.ProposalEvent, int64, error) {
	return r.events.ListByProposal(ctx, proposalID, limit, offset)
}
