package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/classkit/beacon/pkg/clock"
	"github.com/classkit/beacon/pkg/log"
	"github.com/classkit/beacon/pkg/storage"
	"github.com/classkit/beacon/pkg/types"
)

// Queue is the durable priority work queue shared by batch deliveries and
// maintenance jobs. Claims are atomic: exactly one caller can move an item
// from pending to processing.
type Queue struct {
	store  storage.Store
	clock  clock.Clock
	logger zerolog.Logger
}

// New creates a queue over the given store.
func New(store storage.Store, clk clock.Clock) *Queue {
	return &Queue{
		store:  store,
		clock:  clk,
		logger: log.WithComponent("queue"),
	}
}

// Enqueue persists a new work item. Missing fields are defaulted: a fresh
// id, pending status, and an immediate schedule.
func (q *Queue) Enqueue(item *types.WorkItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Status == "" {
		item.Status = types.WorkStatusPending
	}
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = types.ToMillis(q.clock.Now())
	}
	if item.Network == "" {
		item.Network = types.NetworkAny
	}

	if err := q.store.CreateWorkItem(item); err != nil {
		return fmt.Errorf("failed to enqueue work item: %w", err)
	}

	q.logger.Debug().
		Str("item_id", item.ID).
		Str("kind", item.Kind).
		Int("priority", item.Priority).
		Msg("work item enqueued")
	return nil
}

// ClaimNext atomically claims the next due item among the given kinds,
// additionally filtered by the optional predicate. Returns (nil, nil) when
// nothing is eligible.
func (q *Queue) ClaimNext(kinds []string, filter func(*types.WorkItem) bool) (*types.WorkItem, error) {
	kindSet := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	now := types.ToMillis(q.clock.Now())
	item, err := q.store.ClaimNextWorkItem(now, func(it *types.WorkItem) bool {
		if len(kindSet) > 0 && !kindSet[it.Kind] {
			return false
		}
		if filter != nil && !filter(it) {
			return false
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim work item: %w", err)
	}
	return item, nil
}

// Complete marks a processing item as completed.
func (q *Queue) Complete(id string) error {
	item, err := q.store.GetWorkItem(id)
	if err != nil {
		return err
	}
	item.Status = types.WorkStatusCompleted
	item.CompletedAt = types.ToMillis(q.clock.Now())
	item.LastError = ""
	return q.store.UpdateWorkItem(item)
}

// Fail records a failed attempt. With retryAt set the item returns to
// pending for another attempt at that time; without it the item is
// permanently failed.
func (q *Queue) Fail(id string, cause error, retryAt *time.Time) error {
	item, err := q.store.GetWorkItem(id)
	if err != nil {
		return err
	}

	item.Attempts++
	if cause != nil {
		item.LastError = cause.Error()
	}

	if retryAt != nil {
		item.Status = types.WorkStatusPending
		item.ScheduledAt = types.ToMillis(*retryAt)
		item.StartedAt = 0
	} else {
		item.Status = types.WorkStatusFailed
		item.CompletedAt = types.ToMillis(q.clock.Now())
	}
	return q.store.UpdateWorkItem(item)
}

// Release returns a processing item to pending without counting an attempt.
// Used when a delivery is cancelled.
func (q *Queue) Release(id string) error {
	item, err := q.store.GetWorkItem(id)
	if err != nil {
		return err
	}
	if item.Status != types.WorkStatusProcessing {
		return nil
	}
	item.Status = types.WorkStatusPending
	item.StartedAt = 0
	item.ScheduledAt = types.ToMillis(q.clock.Now())
	return q.store.UpdateWorkItem(item)
}

// Cancel marks a pending or processing item as cancelled.
func (q *Queue) Cancel(id string) error {
	item, err := q.store.GetWorkItem(id)
	if err != nil {
		return err
	}
	if terminal(item.Status) {
		return nil
	}
	item.Status = types.WorkStatusCancelled
	item.CompletedAt = types.ToMillis(q.clock.Now())
	return q.store.UpdateWorkItem(item)
}

// ReclaimStale returns items stuck in processing beyond the timeout to
// pending. A crashed worker leaves its claim behind; the sweep makes the
// item claimable again, giving at-least-once processing semantics.
func (q *Queue) ReclaimStale(timeout time.Duration) (int, error) {
	items, err := q.store.ListWorkItemsByStatus(types.WorkStatusProcessing)
	if err != nil {
		return 0, err
	}

	now := q.clock.Now()
	cutoff := types.ToMillis(now.Add(-timeout))
	reclaimed := 0
	for _, item := range items {
		if item.StartedAt > cutoff {
			continue
		}
		item.Status = types.WorkStatusPending
		item.StartedAt = 0
		item.ScheduledAt = types.ToMillis(now)
		if err := q.store.UpdateWorkItem(item); err != nil {
			return reclaimed, err
		}
		q.logger.Warn().
			Str("item_id", item.ID).
			Str("kind", item.Kind).
			Msg("reclaimed stale work item")
		reclaimed++
	}
	return reclaimed, nil
}

// Depth returns the number of pending items.
func (q *Queue) Depth() (int, error) {
	items, err := q.store.ListWorkItemsByStatus(types.WorkStatusPending)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func terminal(s types.WorkItemStatus) bool {
	return s == types.WorkStatusCompleted || s == types.WorkStatusFailed || s == types.WorkStatusCancelled
}
