// Package types defines the shared data model for the beacon sync engine:
// captured events, sync batches, durable work items and their status
// enumerations. All persisted timestamps are UTC epoch milliseconds (Millis).
package types
