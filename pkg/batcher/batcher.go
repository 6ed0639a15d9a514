package batcher

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/classkit/beacon/pkg/clock"
	"github.com/classkit/beacon/pkg/config"
	"github.com/classkit/beacon/pkg/log"
	"github.com/classkit/beacon/pkg/metrics"
	"github.com/classkit/beacon/pkg/progress"
	"github.com/classkit/beacon/pkg/queue"
	"github.com/classkit/beacon/pkg/storage"
	"github.com/classkit/beacon/pkg/types"
)

// allKinds is the evaluation order; error events first so high-priority
// batches are formed before the rest of a cycle's work.
var allKinds = []types.EventKind{
	types.EventKindError,
	types.EventKindInteraction,
	types.EventKindMilestone,
	types.EventKindSystem,
}

// priorityFor maps an event kind to its work item priority.
func priorityFor(kind types.EventKind) int {
	if kind.HighPriority() {
		return 10
	}
	return 0
}

// Former groups unsynced events into batches under size, latency and
// priority constraints, and enqueues each batch as a delivery work item.
type Former struct {
	store    storage.Store
	queue    *queue.Queue
	clock    clock.Clock
	batchCfg config.BatchConfig
	retryCfg config.RetryConfig
	broker   *progress.Broker
	logger   zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewFormer creates a batch former.
func NewFormer(store storage.Store, q *queue.Queue, clk clock.Clock, batchCfg config.BatchConfig, retryCfg config.RetryConfig, broker *progress.Broker) *Former {
	return &Former{
		store:    store,
		queue:    q,
		clock:    clk,
		batchCfg: batchCfg,
		retryCfg: retryCfg,
		broker:   broker,
		logger:   log.WithComponent("batcher"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic evaluation loop.
func (f *Former) Start() {
	go f.run()
}

// Stop stops the evaluation loop.
func (f *Former) Stop() {
	close(f.stopCh)
}

func (f *Former) run() {
	ticker := time.NewTicker(f.batchCfg.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := f.Evaluate(false); err != nil {
				f.logger.Error().Err(err).Msg("batch evaluation failed")
			}
		case <-f.stopCh:
			return
		}
	}
}

// Flush forces batch formation for every kind regardless of size or
// latency thresholds. Called on app backgrounding and from the CLI.
func (f *Former) Flush() error {
	return f.Evaluate(true)
}

// Evaluate performs one formation cycle.
func (f *Former) Evaluate(flush bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, kind := range allKinds {
		if err := f.dropExhausted(kind); err != nil {
			return err
		}
		if err := f.formKind(kind, flush); err != nil {
			return err
		}
	}

	return f.reEnqueueOrphans()
}

// formKind forms zero or more batches for one event kind.
func (f *Former) formKind(kind types.EventKind, flush bool) error {
	for {
		candidates, err := f.candidates(kind)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		trigger := ""
		switch {
		case len(candidates) >= f.batchCfg.MaxSize:
			trigger = "size"
		case flush:
			trigger = "flush"
		case kind.HighPriority():
			trigger = "priority"
		case f.oldestWaitedPast(candidates, f.batchCfg.MaxWait):
			trigger = "latency"
		default:
			return nil
		}

		n := len(candidates)
		if n > f.batchCfg.MaxSize {
			n = f.batchCfg.MaxSize
		}
		if err := f.form(kind, candidates[:n], trigger); err != nil {
			return err
		}

		// A full batch may leave a remainder; loop to re-evaluate it
		// against the same thresholds.
		if n == len(candidates) {
			return nil
		}
	}
}

// candidates returns the events eligible for the next batch of a kind:
// unsynced events plus failed events past their cool-down and under the
// re-queue ceiling, ordered by sequence number then creation time.
func (f *Former) candidates(kind types.EventKind) ([]*types.Event, error) {
	unsynced, err := f.store.SelectUnsynced(kind, 0)
	if err != nil {
		return nil, err
	}

	cutoff := types.ToMillis(f.clock.Now().Add(-f.retryCfg.RequeueCooldown))
	requeueable, err := f.store.SelectRequeueable(kind, cutoff, f.retryCfg.RequeueLimit, 0)
	if err != nil {
		return nil, err
	}

	events := append(unsynced, requeueable...)
	sort.Slice(events, func(i, j int) bool {
		if events[i].Sequence != events[j].Sequence {
			return events[i].Sequence < events[j].Sequence
		}
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt < events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
	return events, nil
}

func (f *Former) oldestWaitedPast(events []*types.Event, maxWait time.Duration) bool {
	cutoff := types.ToMillis(f.clock.Now().Add(-maxWait))
	for _, e := range events {
		if e.CreatedAt <= cutoff {
			return true
		}
	}
	return false
}

// form creates one batch from the given events and enqueues its delivery.
// Membership is immutable after this point.
func (f *Former) form(kind types.EventKind, events []*types.Event, trigger string) error {
	now := types.ToMillis(f.clock.Now())

	ids := make([]string, len(events))
	var estimated int64
	for i, e := range events {
		ids[i] = e.ID
		if data, err := json.Marshal(e); err == nil {
			estimated += int64(len(data))
		}
	}

	batch := &types.SyncBatch{
		ID:             uuid.New().String(),
		Kind:           kind,
		EventIDs:       ids,
		Status:         types.BatchStatusPending,
		Priority:       priorityFor(kind),
		CreatedAt:      now,
		ScheduledAt:    now,
		MaxAttempts:    f.batchCfg.MaxAttempts,
		Network:        f.networkFor(kind),
		EstimatedBytes: estimated,
	}

	if err := f.store.CreateBatch(batch); err != nil {
		return err
	}
	if err := f.store.AssignEventsToBatch(ids, batch.ID); err != nil {
		return err
	}

	item := &types.WorkItem{
		Kind:        types.DeliveryWorkKind(kind),
		Priority:    batch.Priority,
		Payload:     batch.ID,
		MaxAttempts: batch.MaxAttempts,
		Network:     batch.Network,
	}
	if err := f.queue.Enqueue(item); err != nil {
		return err
	}

	metrics.BatchesFormed.WithLabelValues(trigger).Inc()
	f.broker.Publish(&progress.Event{
		Kind:      progress.KindBatchFormed,
		BatchID:   batch.ID,
		EventKind: string(kind),
		Count:     len(ids),
	})
	lg := log.WithBatchID(batch.ID)
	lg.Info().
		Str("kind", string(kind)).
		Str("trigger", trigger).
		Int("events", len(ids)).
		Msg("batch formed")
	return nil
}

// networkFor returns the delivery network requirement for a kind.
func (f *Former) networkFor(kind types.EventKind) types.NetworkRequirement {
	for _, k := range f.batchCfg.UnmeteredKinds {
		if k == string(kind) {
			return types.NetworkUnmetered
		}
	}
	return types.NetworkAny
}

// dropExhausted removes failed events that have hit the re-queue ceiling
// once their cool-down has elapsed, counting them as permanently lost.
func (f *Former) dropExhausted(kind types.EventKind) error {
	cutoff := types.ToMillis(f.clock.Now().Add(-f.retryCfg.RequeueCooldown))
	// Large ceiling so the selector returns every cooled-down failed event;
	// partitioning happens here.
	failed, err := f.store.SelectRequeueable(kind, cutoff, 1<<30, 0)
	if err != nil {
		return err
	}

	var lost []string
	for _, e := range failed {
		if e.Attempts >= f.retryCfg.RequeueLimit {
			lost = append(lost, e.ID)
		}
	}
	if len(lost) == 0 {
		return nil
	}

	if err := f.store.DropEvents(lost); err != nil {
		return err
	}
	metrics.EventsLost.Add(float64(len(lost)))
	f.broker.Publish(&progress.Event{
		Kind:      progress.KindEventsLost,
		EventKind: string(kind),
		Count:     len(lost),
	})
	lg := log.WithEventKind(string(kind))
	lg.Warn().
		Int("events", len(lost)).
		Msg("dropped events past re-queue ceiling")
	return nil
}

// reEnqueueOrphans restores delivery work items for pending batches whose
// item was lost to a crash between batch creation and enqueue.
func (f *Former) reEnqueueOrphans() error {
	pending, err := f.store.ListBatchesByStatus(types.BatchStatusPending)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	covered := make(map[string]bool)
	for _, status := range []types.WorkItemStatus{types.WorkStatusPending, types.WorkStatusProcessing} {
		items, err := f.store.ListWorkItemsByStatus(status)
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.Payload != "" {
				covered[item.Payload] = true
			}
		}
	}

	for _, batch := range pending {
		if covered[batch.ID] {
			continue
		}
		item := &types.WorkItem{
			Kind:        types.DeliveryWorkKind(batch.Kind),
			Priority:    batch.Priority,
			Payload:     batch.ID,
			MaxAttempts: batch.MaxAttempts,
			Network:     batch.Network,
		}
		if err := f.queue.Enqueue(item); err != nil {
			return err
		}
		f.logger.Warn().Str("batch_id", batch.ID).Msg("re-enqueued orphaned batch")
	}
	return nil
}
