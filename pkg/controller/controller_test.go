package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classkit/beacon/pkg/backoff"
	"github.com/classkit/beacon/pkg/clock"
	"github.com/classkit/beacon/pkg/delivery"
	"github.com/classkit/beacon/pkg/progress"
	"github.com/classkit/beacon/pkg/queue"
	"github.com/classkit/beacon/pkg/storage"
	"github.com/classkit/beacon/pkg/types"
)

// fakeSender scripts the delivery client: each call consumes the next
// response in order, repeating the last one when the script runs out.
type fakeSender struct {
	responses []sendResponse
	calls     int
	sentIDs   [][]string
}

type sendResponse struct {
	result *delivery.Result
	err    error
}

func (f *fakeSender) Send(_ context.Context, _ *types.SyncBatch, events []*types.Event) (*delivery.Result, error) {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	f.sentIDs = append(f.sentIDs, ids)

	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	resp := f.responses[i]
	return resp.result, resp.err
}

func accept(ids ...string) sendResponse {
	return sendResponse{result: &delivery.Result{AcceptedIDs: ids}}
}

type fixture struct {
	controller *Controller
	store      storage.Store
	queue      *queue.Queue
	clock      *clock.MockClock
	sender     *fakeSender
}

func newFixture(t *testing.T, sender *fakeSender) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.NewMock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	q := queue.New(store, clk)
	policy := backoff.Policy{Base: time.Second, Ceiling: 10 * time.Minute}

	return &fixture{
		controller: New(store, q, sender, policy, clk, progress.NewBroker()),
		store:      store,
		queue:      q,
		clock:      clk,
		sender:     sender,
	}
}

// seedBatch stores n events assigned to one batch with a claimed delivery
// work item, mirroring what the batcher and scheduler produce.
func (fx *fixture) seedBatch(t *testing.T, n int) (*types.SyncBatch, *types.WorkItem, []string) {
	t.Helper()

	now := types.ToMillis(fx.clock.Now())
	ids := make([]string, n)
	for i := range ids {
		event := &types.Event{
			ID:           uuid.New().String(),
			Kind:         types.EventKindInteraction,
			Category:     "lesson",
			Action:       "view",
			SessionToken: "tok",
			OccurredAt:   now,
			Sequence:     uint64(i + 1),
			SyncStatus:   types.SyncStatusUnsynced,
			CreatedAt:    now,
		}
		require.NoError(t, fx.store.AppendEvent(event))
		ids[i] = event.ID
	}

	batch := &types.SyncBatch{
		ID:          uuid.New().String(),
		Kind:        types.EventKindInteraction,
		EventIDs:    ids,
		Status:      types.BatchStatusPending,
		CreatedAt:   now,
		MaxAttempts: 5,
		Network:     types.NetworkAny,
	}
	require.NoError(t, fx.store.CreateBatch(batch))
	require.NoError(t, fx.store.AssignEventsToBatch(ids, batch.ID))

	require.NoError(t, fx.queue.Enqueue(&types.WorkItem{
		Kind:        types.DeliveryWorkKind(batch.Kind),
		Payload:     batch.ID,
		MaxAttempts: batch.MaxAttempts,
	}))
	item, err := fx.queue.ClaimNext(nil, nil)
	require.NoError(t, err)
	require.NotNil(t, item)
	return batch, item, ids
}

func (fx *fixture) reclaim(t *testing.T) *types.WorkItem {
	t.Helper()
	item, err := fx.queue.ClaimNext(nil, nil)
	require.NoError(t, err)
	require.NotNil(t, item)
	return item
}

func TestAttemptFullSuccess(t *testing.T) {
	sender := &fakeSender{}
	fx := newFixture(t, sender)
	batch, item, ids := fx.seedBatch(t, 3)
	sender.responses = []sendResponse{accept(ids...)}

	outcome, err := fx.controller.Attempt(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	got, err := fx.store.GetBatch(batch.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusCompleted, got.Status)
	assert.Equal(t, 3, got.SuccessCount)
	assert.Equal(t, 1, got.Attempts)

	for _, id := range ids {
		event, err := fx.store.GetEvent(id)
		require.NoError(t, err)
		assert.Equal(t, types.SyncStatusSynced, event.SyncStatus)
	}

	// No further work.
	next, err := fx.queue.ClaimNext(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestAttemptPartialSuccessWithValidationRejects(t *testing.T) {
	sender := &fakeSender{}
	fx := newFixture(t, sender)
	batch, item, ids := fx.seedBatch(t, 50)

	acceptedIDs := ids[:40]
	var rejected []delivery.RejectedEvent
	for _, id := range ids[40:] {
		rejected = append(rejected, delivery.RejectedEvent{ID: id, Reason: "validation"})
	}
	sender.responses = []sendResponse{{result: &delivery.Result{
		AcceptedIDs: acceptedIDs,
		Rejected:    rejected,
	}}}

	outcome, err := fx.controller.Attempt(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, OutcomePermanent, outcome)

	// Accepted members stay synced; only the rejected ten are failed.
	for _, id := range acceptedIDs {
		event, err := fx.store.GetEvent(id)
		require.NoError(t, err)
		assert.Equal(t, types.SyncStatusSynced, event.SyncStatus)
	}
	for _, id := range ids[40:] {
		event, err := fx.store.GetEvent(id)
		require.NoError(t, err)
		assert.Equal(t, types.SyncStatusFailed, event.SyncStatus)
	}

	got, err := fx.store.GetBatch(batch.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusFailed, got.Status)
	assert.Equal(t, 40, got.SuccessCount)
	assert.Equal(t, 10, got.FailureCount)
}

func TestAttemptTransportFailuresExhaustAttempts(t *testing.T) {
	sender := &fakeSender{responses: []sendResponse{
		{result: &delivery.Result{TransportErr: errors.New("dial timeout")}},
	}}
	fx := newFixture(t, sender)
	batch, item, ids := fx.seedBatch(t, 5)

	// Four recoverable failures, each pushing the retry further out.
	var lastRetry types.Millis
	for i := 1; i < 5; i++ {
		outcome, err := fx.controller.Attempt(context.Background(), item)
		require.NoError(t, err)
		require.Equal(t, OutcomeRecoverable, outcome)

		got, err := fx.store.GetBatch(batch.ID)
		require.NoError(t, err)
		assert.Equal(t, types.BatchStatusPending, got.Status)
		assert.Greater(t, got.NextRetryAt, lastRetry)
		lastRetry = got.NextRetryAt

		fx.clock.Advance(20 * time.Minute)
		item = fx.reclaim(t)
		assert.Equal(t, i, item.Attempts)
	}

	// The fifth attempt exhausts the budget.
	outcome, err := fx.controller.Attempt(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, OutcomePermanent, outcome)

	got, err := fx.store.GetBatch(batch.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusFailed, got.Status)
	assert.Equal(t, 5, got.Attempts)

	for _, id := range ids {
		event, err := fx.store.GetEvent(id)
		require.NoError(t, err)
		assert.Equal(t, types.SyncStatusFailed, event.SyncStatus)
	}
	assert.Equal(t, 5, sender.calls)
}

func TestAttemptRetriesExcludeAcceptedEvents(t *testing.T) {
	sender := &fakeSender{}
	fx := newFixture(t, sender)
	_, item, ids := fx.seedBatch(t, 4)

	// First attempt accepts two and defers the rest; the retry must only
	// carry the two the server has not seen accepted.
	sender.responses = []sendResponse{
		{result: &delivery.Result{
			AcceptedIDs: ids[:2],
			Rejected: []delivery.RejectedEvent{
				{ID: ids[2], Reason: "rate_limited"},
				{ID: ids[3], Reason: "rate_limited"},
			},
		}},
		accept(ids[2], ids[3]),
	}

	outcome, err := fx.controller.Attempt(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, OutcomeRecoverable, outcome)

	fx.clock.Advance(20 * time.Minute)
	item = fx.reclaim(t)

	outcome, err = fx.controller.Attempt(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	require.Len(t, sender.sentIDs, 2)
	assert.ElementsMatch(t, ids, sender.sentIDs[0])
	assert.ElementsMatch(t, ids[2:], sender.sentIDs[1])
}

func TestAttemptIncompleteResponseRetriesUnacknowledged(t *testing.T) {
	sender := &fakeSender{}
	fx := newFixture(t, sender)
	batch, item, ids := fx.seedBatch(t, 3)

	// The first response accepts two events and never mentions the third.
	// The batch must not complete on a verdict-less member; the retry
	// carries it until the server acknowledges it one way or the other.
	sender.responses = []sendResponse{
		accept(ids[0], ids[1]),
		accept(ids[2]),
	}

	outcome, err := fx.controller.Attempt(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, OutcomeRecoverable, outcome)

	got, err := fx.store.GetBatch(batch.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusPending, got.Status)

	third, err := fx.store.GetEvent(ids[2])
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusPending, third.SyncStatus)

	fx.clock.Advance(20 * time.Minute)
	item = fx.reclaim(t)

	outcome, err = fx.controller.Attempt(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	require.Len(t, sender.sentIDs, 2)
	assert.Equal(t, []string{ids[2]}, sender.sentIDs[1])

	got, err = fx.store.GetBatch(batch.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusCompleted, got.Status)
	for _, id := range ids {
		event, err := fx.store.GetEvent(id)
		require.NoError(t, err)
		assert.Equal(t, types.SyncStatusSynced, event.SyncStatus)
	}
}

func TestAttemptValidationRejectsFailUnacknowledgedToo(t *testing.T) {
	sender := &fakeSender{}
	fx := newFixture(t, sender)
	batch, item, ids := fx.seedBatch(t, 3)

	// One accepted, one validation reject, one unmentioned. The permanent
	// failure must cover the unmentioned member as well so it re-enters
	// batching via the re-queue path instead of stranding in pending.
	sender.responses = []sendResponse{{result: &delivery.Result{
		AcceptedIDs: ids[:1],
		Rejected:    []delivery.RejectedEvent{{ID: ids[1], Reason: "validation"}},
	}}}

	outcome, err := fx.controller.Attempt(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, OutcomePermanent, outcome)

	accepted, err := fx.store.GetEvent(ids[0])
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusSynced, accepted.SyncStatus)

	for _, id := range ids[1:] {
		event, err := fx.store.GetEvent(id)
		require.NoError(t, err)
		assert.Equal(t, types.SyncStatusFailed, event.SyncStatus)
	}

	got, err := fx.store.GetBatch(batch.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusFailed, got.Status)
	assert.Equal(t, 2, got.FailureCount)
}

func TestAttemptAppliesResultDeliveredDuringShutdown(t *testing.T) {
	sender := &fakeSender{}
	fx := newFixture(t, sender)
	batch, item, ids := fx.seedBatch(t, 2)
	sender.responses = []sendResponse{accept(ids...)}

	// Stop raced the end of the wire call: the context is cancelled but the
	// server already answered. The verdict still counts.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := fx.controller.Attempt(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	got, err := fx.store.GetBatch(batch.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusCompleted, got.Status)
	for _, id := range ids {
		event, err := fx.store.GetEvent(id)
		require.NoError(t, err)
		assert.Equal(t, types.SyncStatusSynced, event.SyncStatus)
	}
}

func TestAttemptRetryableServerError(t *testing.T) {
	sender := &fakeSender{responses: []sendResponse{
		{err: &delivery.ServerError{StatusCode: 503, Retryable: true}},
	}}
	fx := newFixture(t, sender)
	batch, item, _ := fx.seedBatch(t, 2)

	outcome, err := fx.controller.Attempt(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecoverable, outcome)

	got, err := fx.store.GetBatch(batch.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusPending, got.Status)
	assert.NotZero(t, got.NextRetryAt)
}

func TestAttemptNonRetryableServerError(t *testing.T) {
	sender := &fakeSender{responses: []sendResponse{
		{err: &delivery.ServerError{StatusCode: 400, Retryable: false}},
	}}
	fx := newFixture(t, sender)
	batch, item, ids := fx.seedBatch(t, 2)

	outcome, err := fx.controller.Attempt(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, OutcomePermanent, outcome)

	got, err := fx.store.GetBatch(batch.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusFailed, got.Status)
	for _, id := range ids {
		event, err := fx.store.GetEvent(id)
		require.NoError(t, err)
		assert.Equal(t, types.SyncStatusFailed, event.SyncStatus)
	}
}

func TestAttemptCancellation(t *testing.T) {
	sender := &fakeSender{responses: []sendResponse{
		{err: context.Canceled},
	}}
	fx := newFixture(t, sender)
	batch, item, ids := fx.seedBatch(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := fx.controller.Attempt(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)

	// Nothing counted, nothing failed; the batch and item return to
	// pending for the next scheduling cycle.
	got, err := fx.store.GetBatch(batch.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusPending, got.Status)
	assert.Zero(t, got.Attempts)

	for _, id := range ids {
		event, err := fx.store.GetEvent(id)
		require.NoError(t, err)
		assert.Equal(t, types.SyncStatusPending, event.SyncStatus)
	}

	next := fx.reclaim(t)
	assert.Zero(t, next.Attempts)
}

func TestAttemptMissingBatchCompletesItem(t *testing.T) {
	sender := &fakeSender{}
	fx := newFixture(t, sender)

	require.NoError(t, fx.queue.Enqueue(&types.WorkItem{
		Kind:        "delivery.interaction",
		Payload:     "purged-batch",
		MaxAttempts: 5,
	}))
	item := fx.reclaim(t)

	outcome, err := fx.controller.Attempt(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Zero(t, sender.calls)

	next, err := fx.queue.ClaimNext(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestAttemptAllMembersAlreadySynced(t *testing.T) {
	sender := &fakeSender{}
	fx := newFixture(t, sender)
	batch, item, ids := fx.seedBatch(t, 3)

	require.NoError(t, fx.store.MarkEventsSynced(ids, types.ToMillis(fx.clock.Now())))

	outcome, err := fx.controller.Attempt(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Zero(t, sender.calls)

	got, err := fx.store.GetBatch(batch.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusCompleted, got.Status)
}
