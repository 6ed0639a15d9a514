package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/classkit/beacon/pkg/anonymize"
	"github.com/classkit/beacon/pkg/clock"
	"github.com/classkit/beacon/pkg/config"
	"github.com/classkit/beacon/pkg/log"
	"github.com/classkit/beacon/pkg/metrics"
	"github.com/classkit/beacon/pkg/storage"
	"github.com/classkit/beacon/pkg/types"
)

// ErrShed is returned when storage pressure forces the incoming event to be
// dropped. The caller sees an explicit signal; nothing is lost silently.
var ErrShed = errors.New("event shed under storage pressure")

// Options carries the optional attributes of a captured event.
type Options struct {
	Label        string
	ClassroomRef string
	LessonRef    string
	ActivityRef  string
	Duration     time.Duration
	Properties   map[string]string
	// OccurredAt defaults to now when zero.
	OccurredAt time.Time
}

// Recorder is the capture surface consumed by domain code. Record is
// fire-and-forget from the caller's perspective: a bounded local write, no
// network dependency.
type Recorder struct {
	store  storage.Store
	anon   *anonymize.Anonymizer
	clock  clock.Clock
	cfg    config.CaptureConfig
	logger zerolog.Logger

	mu          sync.RWMutex
	networkType string
}

// NewRecorder creates a recorder over the given store and anonymizer.
func NewRecorder(store storage.Store, anon *anonymize.Anonymizer, clk clock.Clock, cfg config.CaptureConfig) *Recorder {
	return &Recorder{
		store:  store,
		anon:   anon,
		clock:  clk,
		cfg:    cfg,
		logger: log.WithComponent("capture"),
	}
}

// SetNetworkType records the current network type for event metadata.
func (r *Recorder) SetNetworkType(networkType string) {
	r.mu.Lock()
	r.networkType = networkType
	r.mu.Unlock()
}

// Record captures one event. The raw session reference is anonymized before
// anything is persisted; the returned id identifies the stored event.
// A storage failure is surfaced as an error, never swallowed.
func (r *Recorder) Record(kind types.EventKind, category, action, sessionRef string, opts Options) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown event kind %q", kind)
	}
	if category == "" || action == "" {
		return "", errors.New("category and action are required")
	}
	if sessionRef == "" {
		return "", errors.New("session reference is required")
	}

	now := r.clock.Now()
	token := r.anon.Hash(sessionRef, now)

	if err := r.shed(kind); err != nil {
		return "", err
	}

	seq, err := r.store.NextSequence(token)
	if err != nil {
		return "", err
	}

	occurred := opts.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}

	r.mu.RLock()
	networkType := r.networkType
	r.mu.RUnlock()

	event := &types.Event{
		ID:           uuid.New().String(),
		Kind:         kind,
		Category:     category,
		Action:       action,
		Label:        opts.Label,
		SessionToken: token,
		ClassroomRef: opts.ClassroomRef,
		LessonRef:    opts.LessonRef,
		ActivityRef:  opts.ActivityRef,
		OccurredAt:   types.ToMillis(occurred),
		DurationMs:   opts.Duration.Milliseconds(),
		Sequence:     seq,
		Properties:   opts.Properties,
		DeviceModel:  r.cfg.DeviceModel,
		AppVersion:   r.cfg.AppVersion,
		NetworkType:  networkType,
		SyncStatus:   types.SyncStatusUnsynced,
		CreatedAt:    types.ToMillis(now),
	}

	if err := r.store.AppendEvent(event); err != nil {
		return "", err
	}

	metrics.EventsCaptured.WithLabelValues(string(kind)).Inc()
	r.logger.Debug().
		Str("event_id", event.ID).
		Str("kind", string(kind)).
		Str("category", category).
		Str("action", action).
		Msg("event captured")
	return event.ID, nil
}

// shed enforces the unsynced cap before an append. The oldest low-priority
// events go first; high-priority kinds are never shed. When nothing is
// sheddable and the incoming event is itself low priority, the incoming
// event is refused with ErrShed.
func (r *Recorder) shed(incoming types.EventKind) error {
	if r.cfg.MaxUnsynced <= 0 {
		return nil
	}

	count, err := r.store.CountUnsynced()
	if err != nil {
		return err
	}
	if count < r.cfg.MaxUnsynced {
		return nil
	}

	overflow := count - r.cfg.MaxUnsynced + 1
	victims, err := r.store.SelectOldestUnsyncedLowPriority(overflow)
	if err != nil {
		return err
	}

	if len(victims) == 0 {
		if incoming.HighPriority() {
			// Error events are appended even over the cap.
			return nil
		}
		metrics.EventsDropped.Inc()
		return ErrShed
	}

	ids := make([]string, len(victims))
	for i, v := range victims {
		ids[i] = v.ID
	}
	if err := r.store.DropEvents(ids); err != nil {
		return err
	}
	metrics.EventsDropped.Add(float64(len(ids)))
	r.logger.Warn().Int("dropped", len(ids)).Msg("shed oldest unsynced events under storage pressure")
	return nil
}
