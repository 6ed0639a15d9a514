package delivery

import (
	"github.com/classkit/beacon/pkg/types"
)

// BatchPayload is the request body sent to the collection endpoint.
type BatchPayload struct {
	BatchID        string         `json:"batch_id"`
	Kind           string         `json:"kind"`
	EventCount     int            `json:"event_count"`
	EstimatedBytes int64          `json:"estimated_bytes"`
	Events         []EventPayload `json:"events"`
}

// EventPayload is one event on the wire. Only anonymized tokens ever appear
// in the session field.
type EventPayload struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	Category     string            `json:"category"`
	Action       string            `json:"action"`
	Label        string            `json:"label,omitempty"`
	SessionToken string            `json:"session_token"`
	ClassroomRef string            `json:"classroom_ref,omitempty"`
	LessonRef    string            `json:"lesson_ref,omitempty"`
	ActivityRef  string            `json:"activity_ref,omitempty"`
	OccurredAt   types.Millis      `json:"occurred_at"`
	DurationMs   int64             `json:"duration_ms,omitempty"`
	Sequence     uint64            `json:"sequence"`
	Properties   map[string]string `json:"properties,omitempty"`
	DeviceModel  string            `json:"device_model,omitempty"`
	AppVersion   string            `json:"app_version,omitempty"`
	NetworkType  string            `json:"network_type,omitempty"`
}

// BatchResponse is the structured response from the collection endpoint:
// per-event outcomes plus overall batch status.
type BatchResponse struct {
	BatchID string         `json:"batch_id"`
	Status  string         `json:"status"` // "accepted", "partial", "rejected"
	Events  []EventOutcome `json:"events"`
}

// EventOutcome is the server's verdict on one event.
type EventOutcome struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"` // "accepted" or "rejected"
	Reason  string `json:"reason,omitempty"`
}

// RejectedEvent pairs a rejected event id with the server's reason.
type RejectedEvent struct {
	ID     string
	Reason string
}

// Result is the interpreted outcome of one delivery attempt. Exactly one of
// TransportErr being nil or the id slices being populated holds: a transport
// failure means nothing is known about per-event outcomes.
type Result struct {
	AcceptedIDs  []string
	Rejected     []RejectedEvent
	TransportErr error
}

// eventPayload shapes a stored event for the wire.
func eventPayload(e *types.Event) EventPayload {
	return EventPayload{
		ID:           e.ID,
		Kind:         string(e.Kind),
		Category:     e.Category,
		Action:       e.Action,
		Label:        e.Label,
		SessionToken: e.SessionToken,
		ClassroomRef: e.ClassroomRef,
		LessonRef:    e.LessonRef,
		ActivityRef:  e.ActivityRef,
		OccurredAt:   e.OccurredAt,
		DurationMs:   e.DurationMs,
		Sequence:     e.Sequence,
		Properties:   e.Properties,
		DeviceModel:  e.DeviceModel,
		AppVersion:   e.AppVersion,
		NetworkType:  e.NetworkType,
	}
}
