package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classkit/beacon/pkg/capture"
	"github.com/classkit/beacon/pkg/clock"
	"github.com/classkit/beacon/pkg/config"
	"github.com/classkit/beacon/pkg/delivery"
	"github.com/classkit/beacon/pkg/scheduler"
	"github.com/classkit/beacon/pkg/types"
)

// acceptAllSender accepts every event it is handed.
type acceptAllSender struct {
	mu    sync.Mutex
	sent  int
	calls int
}

func (s *acceptAllSender) Send(_ context.Context, _ *types.SyncBatch, events []*types.Event) (*delivery.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.sent += len(events)

	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return &delivery.Result{AcceptedIDs: ids}, nil
}

func (s *acceptAllSender) totals() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.sent
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Endpoint = "https://telemetry.example.com/v1/batches"
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config, sender *acceptAllSender) *Engine {
	t.Helper()
	e, err := New(cfg,
		WithSender(sender),
		WithClock(clock.RealClock{}),
	)
	require.NoError(t, err)
	return e
}

func TestRecordBeforeStart(t *testing.T) {
	cfg := testConfig(t)
	e := newEngine(t, cfg, &acceptAllSender{})
	defer e.Stop()

	// Capture works without the background loops running.
	id, err := e.Record(types.EventKindInteraction, "lesson", "view", "student-42", capture.Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	st, err := e.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, st.UnsyncedEvents)
	assert.Zero(t, st.PendingItems)
}

func TestEndToEndSync(t *testing.T) {
	cfg := testConfig(t)
	sender := &acceptAllSender{}
	e := newEngine(t, cfg, sender)
	defer e.Stop()

	for i := 0; i < 5; i++ {
		_, err := e.Record(types.EventKindInteraction, "lesson", "view", "student-42", capture.Options{})
		require.NoError(t, err)
	}

	e.Start(context.Background())
	e.SetConditions(scheduler.Conditions{Online: true}, "wifi")
	require.NoError(t, e.Flush())

	require.Eventually(t, func() bool {
		st, err := e.Status()
		if err != nil {
			return false
		}
		return st.UnsyncedEvents == 0 && st.PendingItems == 0 && st.InFlightBatches == 0
	}, 5*time.Second, 20*time.Millisecond)

	calls, sent := sender.totals()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 5, sent)
}

func TestOfflineCaptureSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)

	e := newEngine(t, cfg, &acceptAllSender{})
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := e.Record(types.EventKindMilestone, "lesson", "complete", "student-42", capture.Options{})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	e.Stop()

	// Second process over the same data dir: events are still there and
	// sync to completion once online.
	sender := &acceptAllSender{}
	e2 := newEngine(t, cfg, sender)
	defer e2.Stop()

	st, err := e2.Status()
	require.NoError(t, err)
	assert.Equal(t, 3, st.UnsyncedEvents)

	e2.Start(context.Background())
	e2.SetConditions(scheduler.Conditions{Online: true}, "wifi")
	require.NoError(t, e2.Flush())

	require.Eventually(t, func() bool {
		st, err := e2.Status()
		return err == nil && st.UnsyncedEvents == 0 && st.PendingItems == 0
	}, 5*time.Second, 20*time.Millisecond)

	_, sent := sender.totals()
	assert.Equal(t, 3, sent)
}

func TestOfflineHoldsDelivery(t *testing.T) {
	cfg := testConfig(t)
	sender := &acceptAllSender{}
	e := newEngine(t, cfg, sender)
	defer e.Stop()

	_, err := e.Record(types.EventKindError, "app", "crash", "student-42", capture.Options{})
	require.NoError(t, err)

	e.Start(context.Background())
	require.NoError(t, e.Flush())

	// Batch formed, delivery deferred while offline.
	require.Eventually(t, func() bool {
		st, err := e.Status()
		return err == nil && st.PendingBatches == 1
	}, 5*time.Second, 20*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	calls, _ := sender.totals()
	assert.Zero(t, calls)

	e.SetConditions(scheduler.Conditions{Online: true}, "wifi")
	require.Eventually(t, func() bool {
		st, err := e.Status()
		return err == nil && st.PendingItems == 0 && st.UnsyncedEvents == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSubscribeReceivesProgress(t *testing.T) {
	cfg := testConfig(t)
	e := newEngine(t, cfg, &acceptAllSender{})
	defer e.Stop()

	sub := e.Subscribe()
	defer e.Unsubscribe(sub)

	e.Start(context.Background())
	e.SetConditions(scheduler.Conditions{Online: true}, "wifi")

	_, err := e.Record(types.EventKindError, "app", "crash", "student-42", capture.Options{})
	require.NoError(t, err)
	require.NoError(t, e.Flush())

	deadline := time.After(5 * time.Second)
	seen := map[string]bool{}
	for !seen[string(types.EventKindError)] {
		select {
		case ev := <-sub:
			if ev.EventKind == string(types.EventKindError) {
				seen[ev.EventKind] = true
			}
		case <-deadline:
			t.Fatal("no progress event received")
		}
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Batch.MaxSize = 0
	_, err := New(cfg, WithSender(&acceptAllSender{}))
	assert.Error(t, err)
}
