/*
Package batcher implements the batch formation policy.

The former periodically selects unsynced events of one kind, ordered by
per-session sequence number, and forms a batch when the count reaches the
configured maximum, when the oldest event has waited past the latency
threshold, or on an explicit flush. High-priority kinds (error events)
bypass the wait threshold entirely. Batch membership is immutable once
formed; later events go into later batches.

The former also owns two recovery duties: failed events past their
cool-down are re-selected into new batches up to a per-event ceiling (then
dropped and counted as lost), and pending batches whose delivery work item
was lost to a crash get a fresh one.
*/
package batcher
