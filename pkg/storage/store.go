package storage

import (
	"github.com/classkit/beacon/pkg/types"
)

// Store defines the interface for durable engine state.
// This is implemented by BoltDB-backed storage.
type Store interface {
	// Events
	AppendEvent(event *types.Event) error
	GetEvent(id string) (*types.Event, error)
	GetEventsByIDs(ids []string) ([]*types.Event, error)
	MarkEventsSynced(ids []string, at types.Millis) error
	MarkEventsFailed(ids []string, errMsg string, at types.Millis) error
	AssignEventsToBatch(ids []string, batchID string) error
	ReleaseEvents(ids []string) error
	SelectUnsynced(kind types.EventKind, limit int) ([]*types.Event, error)
	SelectRequeueable(kind types.EventKind, failedBefore types.Millis, maxAttempts, limit int) ([]*types.Event, error)
	OldestUnsynced(kind types.EventKind) (*types.Event, error)
	CountUnsynced() (int, error)
	DropEvents(ids []string) error
	SelectOldestUnsyncedLowPriority(limit int) ([]*types.Event, error)
	PurgeEventsOlderThan(ts types.Millis) (int, error)
	NextSequence(sessionToken string) (uint64, error)

	// Batches
	CreateBatch(batch *types.SyncBatch) error
	GetBatch(id string) (*types.SyncBatch, error)
	UpdateBatch(batch *types.SyncBatch) error
	ListBatchesByStatus(status types.BatchStatus) ([]*types.SyncBatch, error)
	PurgeBatchesOlderThan(ts types.Millis) (int, error)

	// Work items
	CreateWorkItem(item *types.WorkItem) error
	GetWorkItem(id string) (*types.WorkItem, error)
	UpdateWorkItem(item *types.WorkItem) error
	ClaimNextWorkItem(now types.Millis, eligible func(*types.WorkItem) bool) (*types.WorkItem, error)
	ListWorkItemsByStatus(status types.WorkItemStatus) ([]*types.WorkItem, error)
	PurgeWorkItemsOlderThan(ts types.Millis) (int, error)

	// Engine metadata (anonymization seed, schema marker)
	GetMeta(key string) ([]byte, error)
	PutMeta(key string, value []byte) error

	// Utility
	Close() error
}
