package types

import "time"

// Millis is a UTC timestamp in epoch milliseconds, the unit used for all
// persisted and transmitted timestamps.
type Millis int64

// ToMillis converts a time.Time to epoch milliseconds (UTC).
func ToMillis(t time.Time) Millis {
	if t.IsZero() {
		return 0
	}
	return Millis(t.UTC().UnixMilli())
}

// Time converts epoch milliseconds back to a time.Time in UTC.
func (m Millis) Time() time.Time {
	return time.UnixMilli(int64(m)).UTC()
}

// IsZero reports whether the timestamp is unset.
func (m Millis) IsZero() bool {
	return m == 0
}

// EventKind classifies a captured event
type EventKind string

const (
	EventKindInteraction EventKind = "interaction"
	EventKindMilestone   EventKind = "milestone"
	EventKindSystem      EventKind = "system"
	EventKindError       EventKind = "error"
)

// Valid reports whether the kind belongs to the closed set.
func (k EventKind) Valid() bool {
	switch k {
	case EventKindInteraction, EventKindMilestone, EventKindSystem, EventKindError:
		return true
	}
	return false
}

// HighPriority reports whether events of this kind bypass the batch
// wait threshold and are batched immediately.
func (k EventKind) HighPriority() bool {
	return k == EventKindError
}

// SyncStatus represents the delivery state of a single event
type SyncStatus string

const (
	SyncStatusUnsynced SyncStatus = "unsynced"
	SyncStatusPending  SyncStatus = "pending" // assigned to a batch awaiting delivery
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusFailed   SyncStatus = "failed"
)

// Event is one observed occurrence (interaction, lesson milestone, system
// condition). Once created an event is immutable except for its sync fields;
// its ID is globally unique and never reused.
type Event struct {
	ID       string    `json:"id"`
	Kind     EventKind `json:"kind"`
	Category string    `json:"category"`
	Action   string    `json:"action"`
	Label    string    `json:"label,omitempty"`

	// SessionToken is the anonymized session reference. Raw identifiers
	// never reach this struct.
	SessionToken string `json:"session_token"`
	ClassroomRef string `json:"classroom_ref,omitempty"`
	LessonRef    string `json:"lesson_ref,omitempty"`
	ActivityRef  string `json:"activity_ref,omitempty"`

	OccurredAt Millis `json:"occurred_at"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	// Sequence is monotonic per session, assigned at capture.
	Sequence uint64 `json:"sequence"`

	Properties map[string]string `json:"properties,omitempty"`

	DeviceModel string `json:"device_model,omitempty"`
	AppVersion  string `json:"app_version,omitempty"`
	NetworkType string `json:"network_type,omitempty"`

	SyncStatus    SyncStatus `json:"sync_status"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt Millis     `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	BatchID       string     `json:"batch_id,omitempty"`

	CreatedAt Millis `json:"created_at"`
}

// BatchStatus represents the lifecycle state of a sync batch
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusInFlight  BatchStatus = "in_flight"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// SyncBatch is a named, ordered collection of event ids destined for one
// delivery attempt set. Membership is immutable after formation.
type SyncBatch struct {
	ID       string      `json:"id"`
	Kind     EventKind   `json:"kind"`
	EventIDs []string    `json:"event_ids"`
	Status   BatchStatus `json:"status"`
	Priority int         `json:"priority"`

	CreatedAt   Millis `json:"created_at"`
	ScheduledAt Millis `json:"scheduled_at,omitempty"`
	StartedAt   Millis `json:"started_at,omitempty"`
	CompletedAt Millis `json:"completed_at,omitempty"`

	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	NextRetryAt Millis `json:"next_retry_at,omitempty"`

	SuccessCount int    `json:"success_count"`
	FailureCount int    `json:"failure_count"`
	LastError    string `json:"last_error,omitempty"`

	Network        NetworkRequirement `json:"network"`
	EstimatedBytes int64              `json:"estimated_bytes"`
}

// NetworkRequirement constrains which network conditions a batch may be
// delivered under
type NetworkRequirement string

const (
	NetworkAny       NetworkRequirement = "any"
	NetworkUnmetered NetworkRequirement = "unmetered"
)

// WorkItemStatus represents the lifecycle state of a work item
type WorkItemStatus string

const (
	WorkStatusPending    WorkItemStatus = "pending"
	WorkStatusProcessing WorkItemStatus = "processing"
	WorkStatusCompleted  WorkItemStatus = "completed"
	WorkStatusFailed     WorkItemStatus = "failed"
	WorkStatusCancelled  WorkItemStatus = "cancelled"
)

// Work item kinds. Delivery kinds are derived per event kind so the
// scheduler can serialize deliveries within one kind.
const (
	WorkKindDeliveryPrefix = "delivery."
	WorkKindPurge          = "maintenance.purge"
)

// DeliveryWorkKind returns the work item kind for delivering batches of the
// given event kind.
func DeliveryWorkKind(k EventKind) string {
	return WorkKindDeliveryPrefix + string(k)
}

// WorkItem is a schedulable, retryable unit of background work: a batch
// delivery or a maintenance sweep. Exactly one worker may hold processing
// status for an item at a time.
type WorkItem struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	Priority int            `json:"priority"`
	Status   WorkItemStatus `json:"status"`

	// Payload carries the batch id for delivery items; maintenance items
	// leave it empty.
	Payload string `json:"payload,omitempty"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	ScheduledAt Millis `json:"scheduled_at"`
	StartedAt   Millis `json:"started_at,omitempty"`
	CompletedAt Millis `json:"completed_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`

	Network NetworkRequirement `json:"network,omitempty"`

	// Seq is the insertion order, used as the final claim tie-break.
	Seq uint64 `json:"seq"`
}
