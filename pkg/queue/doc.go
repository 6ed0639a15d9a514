/*
Package queue implements the durable priority work queue.

Work items cover both batch deliveries and maintenance sweeps; they share the
same claim, retry and failure machinery. Selection order is lowest
scheduled-at among due items, ties broken by highest priority, then by
insertion order.

The claim transition runs in a single storage transaction, so under
concurrent ClaimNext calls no two workers ever hold processing on the same
item. Crashed claims are returned to pending by ReclaimStale after a
processing timeout; consumers must therefore complete idempotently.
*/
package queue
