package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/classkit/beacon/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketEvents    = []byte("events")
	bucketBatches   = []byte("sync_batches")
	bucketWorkItems = []byte("work_items")
	bucketSequences = []byte("sequences")
	bucketMeta      = []byte("meta")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "beacon.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, storageErr("open", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketEvents,
			bucketBatches,
			bucketWorkItems,
			bucketSequences,
			bucketMeta,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, storageErr("init", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Event operations

func (s *BoltStore) AppendEvent(event *types.Event) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return b.Put([]byte(event.ID), data)
	})
	return storageErr("append event", err)
}

func (s *BoltStore) GetEvent(id string) (*types.Event, error) {
	var event types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("event %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &event)
	})
	if err != nil {
		return nil, storageErr("get event", err)
	}
	return &event, nil
}

func (s *BoltStore) GetEventsByIDs(ids []string) ([]*types.Event, error) {
	events := make([]*types.Event, 0, len(ids))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				// Purged mid-flight; skip rather than fail the batch.
				continue
			}
			var event types.Event
			if err := json.Unmarshal(data, &event); err != nil {
				return err
			}
			events = append(events, &event)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("get events", err)
	}
	return events, nil
}

// mutateEvents applies fn to each listed event inside one transaction.
func (s *BoltStore) mutateEvents(op string, ids []string, fn func(*types.Event)) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var event types.Event
			if err := json.Unmarshal(data, &event); err != nil {
				return err
			}
			fn(&event)
			updated, err := json.Marshal(&event)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(id), updated); err != nil {
				return err
			}
		}
		return nil
	})
	return storageErr(op, err)
}

func (s *BoltStore) MarkEventsSynced(ids []string, at types.Millis) error {
	return s.mutateEvents("mark synced", ids, func(e *types.Event) {
		e.SyncStatus = types.SyncStatusSynced
		e.LastAttemptAt = at
		e.LastError = ""
	})
}

func (s *BoltStore) MarkEventsFailed(ids []string, errMsg string, at types.Millis) error {
	return s.mutateEvents("mark failed", ids, func(e *types.Event) {
		e.SyncStatus = types.SyncStatusFailed
		e.LastAttemptAt = at
		e.LastError = errMsg
	})
}

func (s *BoltStore) AssignEventsToBatch(ids []string, batchID string) error {
	return s.mutateEvents("assign to batch", ids, func(e *types.Event) {
		e.SyncStatus = types.SyncStatusPending
		e.BatchID = batchID
		e.Attempts++
	})
}

// ReleaseEvents returns events to the unsynced pool, clearing their batch
// assignment. Used when a delivery is cancelled before completion.
func (s *BoltStore) ReleaseEvents(ids []string) error {
	return s.mutateEvents("release", ids, func(e *types.Event) {
		if e.SyncStatus == types.SyncStatusPending {
			e.SyncStatus = types.SyncStatusUnsynced
			e.BatchID = ""
			if e.Attempts > 0 {
				e.Attempts--
			}
		}
	})
}

// selectEvents scans the event bucket and returns matches ordered by
// per-session sequence number, then creation timestamp, then id.
func (s *BoltStore) selectEvents(limit int, match func(*types.Event) bool) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if match(&event) {
				e := event
				events = append(events, &e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].Sequence != events[j].Sequence {
			return events[i].Sequence < events[j].Sequence
		}
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt < events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})

	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *BoltStore) SelectUnsynced(kind types.EventKind, limit int) ([]*types.Event, error) {
	events, err := s.selectEvents(limit, func(e *types.Event) bool {
		return e.Kind == kind && e.SyncStatus == types.SyncStatusUnsynced
	})
	if err != nil {
		return nil, storageErr("select unsynced", err)
	}
	return events, nil
}

// SelectRequeueable returns failed events whose cool-down has elapsed and
// whose batch-assignment count is still under the ceiling.
func (s *BoltStore) SelectRequeueable(kind types.EventKind, failedBefore types.Millis, maxAttempts, limit int) ([]*types.Event, error) {
	events, err := s.selectEvents(limit, func(e *types.Event) bool {
		return e.Kind == kind &&
			e.SyncStatus == types.SyncStatusFailed &&
			e.LastAttemptAt <= failedBefore &&
			e.Attempts < maxAttempts
	})
	if err != nil {
		return nil, storageErr("select requeueable", err)
	}
	return events, nil
}

func (s *BoltStore) OldestUnsynced(kind types.EventKind) (*types.Event, error) {
	var oldest *types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if event.Kind != kind || event.SyncStatus != types.SyncStatusUnsynced {
				continue
			}
			if oldest == nil || event.CreatedAt < oldest.CreatedAt {
				e := event
				oldest = &e
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("oldest unsynced", err)
	}
	return oldest, nil
}

func (s *BoltStore) CountUnsynced() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		return b.ForEach(func(k, v []byte) error {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if event.SyncStatus == types.SyncStatusUnsynced {
				count++
			}
			return nil
		})
	})
	if err != nil {
		return 0, storageErr("count unsynced", err)
	}
	return count, nil
}

func (s *BoltStore) DropEvents(ids []string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	return storageErr("drop events", err)
}

// SelectOldestUnsyncedLowPriority returns shedding candidates: the oldest
// unsynced events excluding high-priority kinds, which are never shed.
func (s *BoltStore) SelectOldestUnsyncedLowPriority(limit int) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if event.SyncStatus != types.SyncStatusUnsynced || event.Kind.HighPriority() {
				continue
			}
			e := event
			events = append(events, &e)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("select shedding candidates", err)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt < events[j].CreatedAt
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *BoltStore) PurgeEventsOlderThan(ts types.Millis) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if event.CreatedAt < ts {
				if err := c.Delete(); err != nil {
					return err
				}
				purged++
			}
		}
		return nil
	})
	if err != nil {
		return 0, storageErr("purge events", err)
	}
	return purged, nil
}

// NextSequence returns the next monotonic sequence number for a session.
func (s *BoltStore) NextSequence(sessionToken string) (uint64, error) {
	var next uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSequences)
		key := []byte(sessionToken)
		data := b.Get(key)
		if data != nil {
			next = binary.BigEndian.Uint64(data)
		}
		next++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return b.Put(key, buf)
	})
	if err != nil {
		return 0, storageErr("next sequence", err)
	}
	return next, nil
}

// Batch operations

func (s *BoltStore) CreateBatch(batch *types.SyncBatch) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBatches)
		data, err := json.Marshal(batch)
		if err != nil {
			return err
		}
		return b.Put([]byte(batch.ID), data)
	})
	return storageErr("create batch", err)
}

func (s *BoltStore) GetBatch(id string) (*types.SyncBatch, error) {
	var batch types.SyncBatch
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBatches)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &batch)
	})
	if err != nil {
		return nil, storageErr("get batch", err)
	}
	return &batch, nil
}

func (s *BoltStore) UpdateBatch(batch *types.SyncBatch) error {
	return s.CreateBatch(batch) // Same as create (upsert)
}

func (s *BoltStore) ListBatchesByStatus(status types.BatchStatus) ([]*types.SyncBatch, error) {
	var batches []*types.SyncBatch
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBatches)
		return b.ForEach(func(k, v []byte) error {
			var batch types.SyncBatch
			if err := json.Unmarshal(v, &batch); err != nil {
				return err
			}
			if batch.Status == status {
				batches = append(batches, &batch)
			}
			return nil
		})
	})
	if err != nil {
		return nil, storageErr("list batches", err)
	}
	return batches, nil
}

func (s *BoltStore) PurgeBatchesOlderThan(ts types.Millis) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBatches)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var batch types.SyncBatch
			if err := json.Unmarshal(v, &batch); err != nil {
				return err
			}
			if batch.CreatedAt < ts {
				if err := c.Delete(); err != nil {
					return err
				}
				purged++
			}
		}
		return nil
	})
	if err != nil {
		return 0, storageErr("purge batches", err)
	}
	return purged, nil
}

// Work item operations

func (s *BoltStore) CreateWorkItem(item *types.WorkItem) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkItems)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		item.Seq = seq
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return b.Put([]byte(item.ID), data)
	})
	return storageErr("create work item", err)
}

func (s *BoltStore) GetWorkItem(id string) (*types.WorkItem, error) {
	var item types.WorkItem
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkItems)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("work item %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &item)
	})
	if err != nil {
		return nil, storageErr("get work item", err)
	}
	return &item, nil
}

func (s *BoltStore) UpdateWorkItem(item *types.WorkItem) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkItems)
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return b.Put([]byte(item.ID), data)
	})
	return storageErr("update work item", err)
}

// ClaimNextWorkItem atomically transitions the best eligible pending item to
// processing and returns it. Selection order: lowest scheduled-at among due
// items, ties broken by highest priority, then insertion order. Returns
// (nil, nil) when nothing is eligible.
func (s *BoltStore) ClaimNextWorkItem(now types.Millis, eligible func(*types.WorkItem) bool) (*types.WorkItem, error) {
	var claimed *types.WorkItem
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkItems)

		var best *types.WorkItem
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var item types.WorkItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.Status != types.WorkStatusPending || item.ScheduledAt > now {
				continue
			}
			if eligible != nil && !eligible(&item) {
				continue
			}
			if best == nil || claimBefore(&item, best) {
				candidate := item
				best = &candidate
			}
		}

		if best == nil {
			return nil
		}

		best.Status = types.WorkStatusProcessing
		best.StartedAt = now
		data, err := json.Marshal(best)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(best.ID), data); err != nil {
			return err
		}
		claimed = best
		return nil
	})
	if err != nil {
		return nil, storageErr("claim work item", err)
	}
	return claimed, nil
}

// claimBefore reports whether a should be claimed ahead of b.
func claimBefore(a, b *types.WorkItem) bool {
	if a.ScheduledAt != b.ScheduledAt {
		return a.ScheduledAt < b.ScheduledAt
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

func (s *BoltStore) ListWorkItemsByStatus(status types.WorkItemStatus) ([]*types.WorkItem, error) {
	var items []*types.WorkItem
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkItems)
		return b.ForEach(func(k, v []byte) error {
			var item types.WorkItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.Status == status {
				items = append(items, &item)
			}
			return nil
		})
	})
	if err != nil {
		return nil, storageErr("list work items", err)
	}
	return items, nil
}

func (s *BoltStore) PurgeWorkItemsOlderThan(ts types.Millis) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkItems)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var item types.WorkItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if terminalWorkStatus(item.Status) && item.ScheduledAt < ts {
				if err := c.Delete(); err != nil {
					return err
				}
				purged++
			}
		}
		return nil
	})
	if err != nil {
		return 0, storageErr("purge work items", err)
	}
	return purged, nil
}

func terminalWorkStatus(s types.WorkItemStatus) bool {
	return s == types.WorkStatusCompleted || s == types.WorkStatusFailed || s == types.WorkStatusCancelled
}

// Meta operations

func (s *BoltStore) GetMeta(key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("meta %s: %w", key, ErrNotFound)
		}
		// Make a copy since BoltDB data is only valid during the transaction
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, storageErr("get meta", err)
	}
	return data, nil
}

func (s *BoltStore) PutMeta(key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		return b.Put([]byte(key), value)
	})
	return storageErr("put meta", err)
}
