/*
Package storage provides durable local state for the beacon sync engine,
backed by BoltDB.

Five buckets hold the engine's state:

	events        captured events keyed by event id
	sync_batches  formed batches keyed by batch id
	work_items    schedulable work keyed by item id
	sequences     per-session monotonic counters
	meta          engine metadata (anonymization seed)

Records are JSON-marshalled; all timestamps are UTC epoch milliseconds.
Every mutation runs inside a single Bolt transaction, so a crash mid-delivery
leaves a work item in a well-defined processing state that the reclaim sweep
returns to pending. ClaimNextWorkItem performs selection and the
pending→processing transition in one write transaction, which is what gives
the work queue its mutual-exclusion guarantee.

Read/write failures are wrapped in StorageError so capture paths can surface
them to callers instead of dropping events silently.
*/
package storage
