package client

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/buildcrest/be-proposals/internal/repository"
)

// EventsPublisher mirrors recorded lifecycle events onto NATS for downstream
// analytics consumers.
//
// Subject convention: <prefix>.<event_type>, e.g. events.proposals.status_change
//
// Publishing is non-fatal by contract: the durable Postgres event log is the
// source of truth, the stream is best-effort. Errors are logged and dropped so
// a broker outage never interrupts a lifecycle operation.
type EventsPublisher struct {
	conn          *nats.Conn
	subjectPrefix string
	log           zerolog.Logger
}

// NewEventsPublisher creates a publisher on an existing NATS connection.
// A nil connection disables publishing.
func NewEventsPublisher(conn *nats.Conn, subjectPrefix string, log zerolog.Logger) *EventsPublisher {
	return &EventsPublisher{conn: conn, subjectPrefix: subjectPrefix, log: log}
}

// Publish mirrors one event onto the stream.
func (p *EventsPublisher) Publish(event *repository.ProposalEvent) {
	if p.conn == nil {
		return
	}

	data, err := json.Marshal(map[string]any{
		"id":          event.ID,
		"proposal_id": event.ProposalID,
		"event_type":  event.EventType,
		"actor":       event.Actor,
		"payload":     event.Payload,
		"occurred_at": event.OccurredAt,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("events: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.subjectPrefix, event.EventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("proposal_id", event.ProposalID).
			Msg("events: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("proposal_id", event.ProposalID).
		Msg("events: event published")
}
