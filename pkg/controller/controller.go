package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/classkit/beacon/pkg/backoff"
	"github.com/classkit/beacon/pkg/clock"
	"github.com/classkit/beacon/pkg/delivery"
	"github.com/classkit/beacon/pkg/log"
	"github.com/classkit/beacon/pkg/metrics"
	"github.com/classkit/beacon/pkg/progress"
	"github.com/classkit/beacon/pkg/queue"
	"github.com/classkit/beacon/pkg/storage"
	"github.com/classkit/beacon/pkg/types"
)

// Outcome classifies one delivery attempt.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRecoverable Outcome = "recoverable"
	OutcomePermanent   Outcome = "permanent"
	OutcomeCancelled   Outcome = "cancelled"
)

// Sender abstracts the delivery client for testability.
type Sender interface {
	Send(ctx context.Context, batch *types.SyncBatch, events []*types.Event) (*delivery.Result, error)
}

// Controller executes one delivery attempt per claimed work item and
// applies the retry policy: success completes the batch, recoverable
// failures are rescheduled with exponential backoff, permanent failures
// mark the batch and its still-unsynced events failed.
type Controller struct {
	store  storage.Store
	queue  *queue.Queue
	sender Sender
	policy backoff.Policy
	clock  clock.Clock
	broker *progress.Broker
	logger zerolog.Logger
}

// New creates a controller.
func New(store storage.Store, q *queue.Queue, sender Sender, policy backoff.Policy, clk clock.Clock, broker *progress.Broker) *Controller {
	return &Controller{
		store:  store,
		queue:  q,
		sender: sender,
		policy: policy,
		clock:  clk,
		broker: broker,
		logger: log.WithComponent("controller"),
	}
}

// Attempt runs one delivery attempt for a claimed delivery work item.
func (c *Controller) Attempt(ctx context.Context, item *types.WorkItem) (Outcome, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DeliveryDuration)

	batch, err := c.store.GetBatch(item.Payload)
	if err != nil {
		if storage.IsNotFound(err) {
			// Batch purged by retention; nothing left to deliver.
			c.logger.Warn().Str("item_id", item.ID).Str("batch_id", item.Payload).Msg("batch gone, completing item")
			return OutcomeSuccess, c.queue.Complete(item.ID)
		}
		return OutcomeRecoverable, err
	}

	now := types.ToMillis(c.clock.Now())
	batch.Status = types.BatchStatusInFlight
	batch.StartedAt = now
	batch.Attempts++
	batch.NextRetryAt = 0
	if err := c.store.UpdateBatch(batch); err != nil {
		return OutcomeRecoverable, err
	}

	// Idempotent retry by exclusion: re-send only members the server has
	// not already accepted.
	members, err := c.store.GetEventsByIDs(batch.EventIDs)
	if err != nil {
		return OutcomeRecoverable, err
	}
	var unsent []*types.Event
	for _, e := range members {
		if e.SyncStatus != types.SyncStatusSynced {
			unsent = append(unsent, e)
		}
	}
	if len(unsent) == 0 {
		return OutcomeSuccess, c.complete(item, batch, nil)
	}

	result, err := c.sender.Send(ctx, batch, unsent)

	switch {
	case err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil):
		// A result that made it back despite a stop signal is still a
		// server verdict; only an aborted wire call cancels the attempt.
		return OutcomeCancelled, c.cancel(item, batch)

	case err != nil:
		var serverErr *delivery.ServerError
		if errors.As(err, &serverErr) && serverErr.Retryable {
			return c.recoverable(item, batch, err)
		}
		// Non-retryable server rejection, or a payload we could not even
		// encode: permanent either way.
		return c.permanent(item, batch, unsent, err)

	case result.TransportErr != nil:
		return c.recoverable(item, batch, result.TransportErr)
	}

	// Per-event outcomes. Accepted events are synced immediately and never
	// re-sent, whatever happens to the rest of the batch.
	if len(result.AcceptedIDs) > 0 {
		if err := c.store.MarkEventsSynced(result.AcceptedIDs, types.ToMillis(c.clock.Now())); err != nil {
			return OutcomeRecoverable, err
		}
		batch.SuccessCount += len(result.AcceptedIDs)
		metrics.EventsSynced.WithLabelValues(string(batch.Kind)).Add(float64(len(result.AcceptedIDs)))
	}

	// Events the response never mentions got no verdict; a batch may only
	// complete once every sent event was acknowledged, so the rest is
	// retried like a server deferral instead of stranding in pending.
	acked := make(map[string]bool, len(result.AcceptedIDs)+len(result.Rejected))
	for _, id := range result.AcceptedIDs {
		acked[id] = true
	}
	for _, r := range result.Rejected {
		acked[r.ID] = true
	}
	unacked := 0
	for _, e := range unsent {
		if !acked[e.ID] {
			unacked++
		}
	}

	if len(result.Rejected) == 0 && unacked == 0 {
		return OutcomeSuccess, c.complete(item, batch, result.AcceptedIDs)
	}

	if allTransient(result.Rejected) {
		return c.recoverable(item, batch,
			fmt.Errorf("%d events deferred by server", len(result.Rejected)+unacked))
	}

	// Validation-style rejections are not retryable. Every member the
	// server did not accept is failed, acknowledged or not.
	return c.permanent(item, batch, nil,
		fmt.Errorf("server rejected %d events: %s", len(result.Rejected), result.Rejected[0].Reason))
}

// complete finishes a fully accepted batch.
func (c *Controller) complete(item *types.WorkItem, batch *types.SyncBatch, acceptedNow []string) error {
	now := types.ToMillis(c.clock.Now())
	batch.Status = types.BatchStatusCompleted
	batch.CompletedAt = now
	batch.NextRetryAt = 0
	batch.LastError = ""
	batch.SuccessCount = len(batch.EventIDs)
	if err := c.store.UpdateBatch(batch); err != nil {
		return err
	}
	if err := c.queue.Complete(item.ID); err != nil {
		return err
	}

	metrics.DeliveryAttempts.WithLabelValues(string(OutcomeSuccess)).Inc()
	c.broker.Publish(&progress.Event{
		Kind:      progress.KindBatchCompleted,
		BatchID:   batch.ID,
		EventKind: string(batch.Kind),
		Count:     len(batch.EventIDs),
	})
	c.logger.Info().
		Str("batch_id", batch.ID).
		Int("events", len(batch.EventIDs)).
		Int("attempts", batch.Attempts).
		Msg("batch delivered")
	return nil
}

// recoverable reschedules the batch with exponential backoff, or escalates
// to permanent when attempts are exhausted.
func (c *Controller) recoverable(item *types.WorkItem, batch *types.SyncBatch, cause error) (Outcome, error) {
	attempts := item.Attempts + 1 // the attempt that just failed
	if attempts >= item.MaxAttempts {
		return c.permanent(item, batch, nil, fmt.Errorf("attempts exhausted after %d: %w", attempts, cause))
	}

	now := c.clock.Now()
	retryAt := c.policy.NextRetryAt(now, attempts)
	if err := c.queue.Fail(item.ID, cause, &retryAt); err != nil {
		return OutcomeRecoverable, err
	}

	batch.Status = types.BatchStatusPending
	batch.NextRetryAt = types.ToMillis(retryAt)
	batch.LastError = cause.Error()
	if err := c.store.UpdateBatch(batch); err != nil {
		return OutcomeRecoverable, err
	}

	metrics.DeliveryAttempts.WithLabelValues(string(OutcomeRecoverable)).Inc()
	c.broker.Publish(&progress.Event{
		Kind:      progress.KindAttemptMade,
		BatchID:   batch.ID,
		EventKind: string(batch.Kind),
		Message:   cause.Error(),
	})
	c.logger.Warn().
		Str("batch_id", batch.ID).
		Int("attempt", attempts).
		Time("retry_at", retryAt).
		Err(cause).
		Msg("delivery failed, will retry")
	return OutcomeRecoverable, nil
}

// permanent fails the batch and its still-unsynced members. Failed events
// become eligible for a new batch after the re-queue cool-down; accepted
// members keep their synced status.
func (c *Controller) permanent(item *types.WorkItem, batch *types.SyncBatch, failedEvents []*types.Event, cause error) (Outcome, error) {
	now := types.ToMillis(c.clock.Now())

	if failedEvents == nil {
		members, err := c.store.GetEventsByIDs(batch.EventIDs)
		if err != nil {
			return OutcomePermanent, err
		}
		for _, e := range members {
			if e.SyncStatus != types.SyncStatusSynced {
				failedEvents = append(failedEvents, e)
			}
		}
	}

	ids := make([]string, len(failedEvents))
	for i, e := range failedEvents {
		ids[i] = e.ID
	}
	if err := c.store.MarkEventsFailed(ids, cause.Error(), now); err != nil {
		return OutcomePermanent, err
	}

	batch.Status = types.BatchStatusFailed
	batch.CompletedAt = now
	batch.NextRetryAt = 0
	batch.FailureCount = len(ids)
	batch.LastError = cause.Error()
	if err := c.store.UpdateBatch(batch); err != nil {
		return OutcomePermanent, err
	}
	if err := c.queue.Fail(item.ID, cause, nil); err != nil {
		return OutcomePermanent, err
	}

	metrics.DeliveryAttempts.WithLabelValues(string(OutcomePermanent)).Inc()
	metrics.SyncHealth.Inc()
	metrics.EventsFailed.WithLabelValues(string(batch.Kind)).Add(float64(len(ids)))
	c.broker.Publish(&progress.Event{
		Kind:      progress.KindBatchFailed,
		BatchID:   batch.ID,
		EventKind: string(batch.Kind),
		Count:     len(ids),
		Message:   cause.Error(),
	})
	// Full batch metadata, no event content.
	c.logger.Error().
		Str("batch_id", batch.ID).
		Str("kind", string(batch.Kind)).
		Int("attempts", batch.Attempts).
		Int("failed_events", len(ids)).
		Err(cause).
		Msg("batch permanently failed")
	return OutcomePermanent, nil
}

// cancel returns the item and batch to pending without marking any event
// failed. Used when a delivery is aborted by a stop signal.
func (c *Controller) cancel(item *types.WorkItem, batch *types.SyncBatch) error {
	batch.Status = types.BatchStatusPending
	batch.Attempts-- // the aborted attempt does not count
	if err := c.store.UpdateBatch(batch); err != nil {
		return err
	}
	if err := c.queue.Release(item.ID); err != nil {
		return err
	}
	c.logger.Info().Str("batch_id", batch.ID).Msg("delivery cancelled, batch returned to pending")
	return nil
}

// allTransient reports whether every rejection is a server-side deferral
// rather than a validation failure.
func allTransient(rejected []delivery.RejectedEvent) bool {
	for _, r := range rejected {
		switch r.Reason {
		case "rate_limited", "throttled", "temporarily_unavailable", "retry_later":
		default:
			return false
		}
	}
	return true
}
