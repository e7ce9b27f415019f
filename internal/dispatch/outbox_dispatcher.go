// Package dispatch drains the notification outbox. Delivery is at-least-once:
// an entry is only marked sent after the notifier succeeded, so a crash
// between send and mark produces a duplicate mail, never a lost one.
package dispatch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/buildcrest/be-proposals/internal/client"
	"github.com/buildcrest/be-proposals/internal/repository"
)

// OutboxStore is the dispatcher's view of the outbox queue.
type OutboxStore interface {
	FetchPending(ctx context.Context, limit int) ([]*repository.OutboxEntry, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string, exhausted bool) error
}

// OutboxDispatcher polls the outbox and delivers entries through the notifier.
type OutboxDispatcher struct {
	outbox   OutboxStore
	notifier client.Notifier
	from     string
	interval time.Duration
	batch    int
	maxTries int
	log      zerolog.Logger
}

// NewOutboxDispatcher creates a dispatcher. maxTries caps attempts per entry
// before it is parked as failed.
func NewOutboxDispatcher(
	outbox OutboxStore,
	notifier client.Notifier,
	from string,
	interval time.Duration,
	batch int,
	maxTries int,
	log zerolog.Logger,
) *OutboxDispatcher {
	return &OutboxDispatcher{
		outbox:   outbox,
		notifier: notifier,
		from:     from,
		interval: interval,
		batch:    batch,
		maxTries: maxTries,
		log:      log,
	}
}

// Run polls until the context is cancelled. Intended to run as a goroutine
// next to the HTTP server.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.log.Info().
		Dur("interval", d.interval).
		Int("batch_size", d.batch).
		Msg("Outbox dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("Outbox dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.Drain(ctx); err != nil {
				d.log.Error().Err(err).Msg("outbox drain failed")
			}
		}
	}
}

// Drain processes one batch of pending entries. Exported so the sweep cron or
// a test can force a cycle without waiting for the ticker.
func (d *OutboxDispatcher) Drain(ctx context.Context) error {
	entries, err := d.outbox.FetchPending(ctx, d.batch)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		d.deliver(ctx, entry)
	}
	return nil
}

// deliver sends one entry with short in-process retries. A failure after the
// retry budget leaves the entry pending for later cycles until the total
// attempt count is exhausted.
func (d *OutboxDispatcher) deliver(ctx context.Context, entry *repository.OutboxEntry) {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), 2), ctx)

	sendErr := backoff.Retry(func() error {
		return d.notifier.Send(ctx, d.from, entry.Recipients, entry.Subject, entry.HTMLBody)
	}, policy)

	if sendErr == nil {
		if err := d.outbox.MarkSent(ctx, entry.ID); err != nil {
			d.log.Error().Err(err).
				Str("entry_id", entry.ID).
				Msg("notification delivered but could not be marked sent, will be resent")
			return
		}
		d.log.Debug().
			Str("entry_id", entry.ID).
			Str("proposal_id", entry.ProposalID).
			Strs("recipients", entry.Recipients).
			Msg("Notification delivered")
		return
	}

	exhausted := entry.Attempts+1 >= d.maxTries
	if err := d.outbox.MarkFailed(ctx, entry.ID, sendErr.Error(), exhausted); err != nil {
		d.log.Error().Err(err).
			Str("entry_id", entry.ID).
			Msg("failed to record notification failure")
		return
	}

	event := d.log.Warn()
	if exhausted {
		event = d.log.Error()
	}
	event.Err(sendErr).
		Str("entry_id", entry.ID).
		Str("proposal_id", entry.ProposalID).
		Int("attempts", entry.Attempts+1).
		Bool("exhausted", exhausted).
		Msg("Notification delivery failed")
}
