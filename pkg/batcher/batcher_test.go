package batcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classkit/beacon/pkg/clock"
	"github.com/classkit/beacon/pkg/config"
	"github.com/classkit/beacon/pkg/progress"
	"github.com/classkit/beacon/pkg/queue"
	"github.com/classkit/beacon/pkg/storage"
	"github.com/classkit/beacon/pkg/types"
)

type fixture struct {
	former *Former
	store  storage.Store
	queue  *queue.Queue
	clock  *clock.MockClock
	seq    uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.NewMock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	q := queue.New(store, clk)
	broker := progress.NewBroker()

	batchCfg := config.BatchConfig{
		MaxSize:      50,
		MaxWait:      5 * time.Minute,
		EvalInterval: 30 * time.Second,
		MaxAttempts:  5,
	}
	retryCfg := config.RetryConfig{
		Base:            time.Second,
		Ceiling:         10 * time.Minute,
		Jitter:          0.2,
		RequeueCooldown: 15 * time.Minute,
		RequeueLimit:    3,
	}

	return &fixture{
		former: NewFormer(store, q, clk, batchCfg, retryCfg, broker),
		store:  store,
		queue:  q,
		clock:  clk,
	}
}

func (fx *fixture) capture(t *testing.T, kind types.EventKind) string {
	t.Helper()
	fx.seq++
	now := types.ToMillis(fx.clock.Now())
	event := &types.Event{
		ID:           eventID(fx.seq),
		Kind:         kind,
		Category:     "lesson",
		Action:       "view",
		SessionToken: "tok",
		OccurredAt:   now,
		Sequence:     fx.seq,
		SyncStatus:   types.SyncStatusUnsynced,
		CreatedAt:    now,
	}
	require.NoError(t, fx.store.AppendEvent(event))
	return event.ID
}

// eventID produces a fixed-width id whose lexical order matches numeric order.
func eventID(n uint64) string {
	const digits = "0123456789"
	buf := []byte("event-000000")
	for i := len(buf) - 1; n > 0 && i >= 6; i-- {
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf)
}

func (fx *fixture) pendingBatches(t *testing.T) []*types.SyncBatch {
	t.Helper()
	batches, err := fx.store.ListBatchesByStatus(types.BatchStatusPending)
	require.NoError(t, err)
	return batches
}

func TestSizeTriggerSplitsIntoFullBatches(t *testing.T) {
	fx := newFixture(t)

	// 60 events within the wait window: one full batch of 50 plus a
	// remainder of 10 once the remainder's oldest event ages past max wait.
	for i := 0; i < 60; i++ {
		fx.capture(t, types.EventKindInteraction)
		fx.clock.Advance(2 * time.Second)
	}

	require.NoError(t, fx.former.Evaluate(false))
	batches := fx.pendingBatches(t)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].EventIDs, 50)

	fx.clock.Advance(5 * time.Minute)
	require.NoError(t, fx.former.Evaluate(false))
	batches = fx.pendingBatches(t)
	require.Len(t, batches, 2)

	sizes := map[int]int{}
	for _, b := range batches {
		sizes[len(b.EventIDs)]++
	}
	assert.Equal(t, 1, sizes[50])
	assert.Equal(t, 1, sizes[10])
}

func TestBelowThresholdsFormsNothing(t *testing.T) {
	fx := newFixture(t)

	for i := 0; i < 10; i++ {
		fx.capture(t, types.EventKindInteraction)
	}

	require.NoError(t, fx.former.Evaluate(false))
	assert.Empty(t, fx.pendingBatches(t))
}

func TestLatencyTrigger(t *testing.T) {
	fx := newFixture(t)

	fx.capture(t, types.EventKindInteraction)
	fx.clock.Advance(6 * time.Minute)

	require.NoError(t, fx.former.Evaluate(false))
	batches := fx.pendingBatches(t)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].EventIDs, 1)
}

func TestPriorityTriggerBypassesWait(t *testing.T) {
	fx := newFixture(t)

	fx.capture(t, types.EventKindError)

	require.NoError(t, fx.former.Evaluate(false))
	batches := fx.pendingBatches(t)
	require.Len(t, batches, 1)
	assert.Equal(t, types.EventKindError, batches[0].Kind)
	assert.Equal(t, 10, batches[0].Priority)
}

func TestFlushFormsRegardlessOfThresholds(t *testing.T) {
	fx := newFixture(t)

	fx.capture(t, types.EventKindInteraction)
	fx.capture(t, types.EventKindMilestone)

	require.NoError(t, fx.former.Flush())
	batches := fx.pendingBatches(t)
	assert.Len(t, batches, 2)
}

func TestBatchesNeverMixKinds(t *testing.T) {
	fx := newFixture(t)

	fx.capture(t, types.EventKindInteraction)
	fx.capture(t, types.EventKindError)
	fx.capture(t, types.EventKindMilestone)

	require.NoError(t, fx.former.Flush())
	for _, batch := range fx.pendingBatches(t) {
		events, err := fx.store.GetEventsByIDs(batch.EventIDs)
		require.NoError(t, err)
		for _, e := range events {
			assert.Equal(t, batch.Kind, e.Kind)
		}
	}
}

func TestFormAssignsEventsAndEnqueuesDelivery(t *testing.T) {
	fx := newFixture(t)

	id := fx.capture(t, types.EventKindError)
	require.NoError(t, fx.former.Evaluate(false))

	event, err := fx.store.GetEvent(id)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusPending, event.SyncStatus)
	assert.NotEmpty(t, event.BatchID)
	assert.Equal(t, 1, event.Attempts)

	item, err := fx.queue.ClaimNext([]string{types.DeliveryWorkKind(types.EventKindError)}, nil)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, event.BatchID, item.Payload)
	assert.Equal(t, 10, item.Priority)
}

func TestPendingEventsNotReBatched(t *testing.T) {
	fx := newFixture(t)

	fx.capture(t, types.EventKindError)
	require.NoError(t, fx.former.Evaluate(false))
	require.NoError(t, fx.former.Evaluate(false))

	assert.Len(t, fx.pendingBatches(t), 1)
}

func TestFailedEventsRequeueAfterCooldown(t *testing.T) {
	fx := newFixture(t)

	id := fx.capture(t, types.EventKindInteraction)
	require.NoError(t, fx.store.AssignEventsToBatch([]string{id}, "dead-batch"))
	require.NoError(t, fx.store.MarkEventsFailed([]string{id}, "rejected", types.ToMillis(fx.clock.Now())))

	// Still cooling down: not picked up even on flush.
	require.NoError(t, fx.former.Flush())
	assert.Empty(t, fx.pendingBatches(t))

	fx.clock.Advance(16 * time.Minute)
	require.NoError(t, fx.former.Flush())
	batches := fx.pendingBatches(t)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{id}, batches[0].EventIDs)
}

func TestExhaustedEventsDropped(t *testing.T) {
	fx := newFixture(t)

	id := fx.capture(t, types.EventKindInteraction)
	for i := 0; i < 3; i++ {
		require.NoError(t, fx.store.AssignEventsToBatch([]string{id}, "dead-batch"))
		require.NoError(t, fx.store.MarkEventsFailed([]string{id}, "rejected", types.ToMillis(fx.clock.Now())))
	}

	fx.clock.Advance(16 * time.Minute)
	require.NoError(t, fx.former.Flush())

	_, err := fx.store.GetEvent(id)
	assert.True(t, storage.IsNotFound(err))
	assert.Empty(t, fx.pendingBatches(t))
}

func TestOrphanedBatchReEnqueued(t *testing.T) {
	fx := newFixture(t)

	// A crash between batch creation and enqueue leaves a pending batch
	// with no work item.
	id := fx.capture(t, types.EventKindInteraction)
	batch := &types.SyncBatch{
		ID:          "orphan",
		Kind:        types.EventKindInteraction,
		EventIDs:    []string{id},
		Status:      types.BatchStatusPending,
		CreatedAt:   types.ToMillis(fx.clock.Now()),
		MaxAttempts: 5,
		Network:     types.NetworkAny,
	}
	require.NoError(t, fx.store.CreateBatch(batch))
	require.NoError(t, fx.store.AssignEventsToBatch([]string{id}, batch.ID))

	require.NoError(t, fx.former.Evaluate(false))

	item, err := fx.queue.ClaimNext(nil, nil)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "orphan", item.Payload)
}

func TestUnmeteredKindsCarryNetworkRequirement(t *testing.T) {
	fx := newFixture(t)
	fx.former.batchCfg.UnmeteredKinds = []string{"system"}

	fx.capture(t, types.EventKindSystem)
	require.NoError(t, fx.former.Flush())

	batches := fx.pendingBatches(t)
	require.Len(t, batches, 1)
	assert.Equal(t, types.NetworkUnmetered, batches[0].Network)
}
