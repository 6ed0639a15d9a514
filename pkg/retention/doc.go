// Package retention bounds local storage by purging events, batches and
// finished work items older than the configured horizon, regardless of sync
// status. Data past the horizon is permanently lost by design; the sweep
// runs as a maintenance work item on the shared queue.
package retention
