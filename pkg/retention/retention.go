package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/classkit/beacon/pkg/clock"
	"github.com/classkit/beacon/pkg/config"
	"github.com/classkit/beacon/pkg/log"
	"github.com/classkit/beacon/pkg/metrics"
	"github.com/classkit/beacon/pkg/progress"
	"github.com/classkit/beacon/pkg/queue"
	"github.com/classkit/beacon/pkg/storage"
	"github.com/classkit/beacon/pkg/types"
)

// Sweeper purges state older than the retention horizon. The purge itself
// runs as a maintenance work item so it shares the queue's claim and retry
// machinery with deliveries.
type Sweeper struct {
	store  storage.Store
	queue  *queue.Queue
	clock  clock.Clock
	cfg    config.RetentionConfig
	broker *progress.Broker
	logger zerolog.Logger

	stopCh chan struct{}
}

// NewSweeper creates a retention sweeper.
func NewSweeper(store storage.Store, q *queue.Queue, clk clock.Clock, cfg config.RetentionConfig, broker *progress.Broker) *Sweeper {
	return &Sweeper{
		store:  store,
		queue:  q,
		clock:  clk,
		cfg:    cfg,
		broker: broker,
		logger: log.WithComponent("retention"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the periodic enqueue loop.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop stops the enqueue loop.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.EnqueueSweep(); err != nil {
				s.logger.Error().Err(err).Msg("failed to enqueue purge sweep")
			}
		case <-s.stopCh:
			return
		}
	}
}

// EnqueueSweep queues a purge work item unless one is already pending.
func (s *Sweeper) EnqueueSweep() error {
	pending, err := s.store.ListWorkItemsByStatus(types.WorkStatusPending)
	if err != nil {
		return err
	}
	for _, item := range pending {
		if item.Kind == types.WorkKindPurge {
			return nil
		}
	}

	return s.queue.Enqueue(&types.WorkItem{
		Kind:        types.WorkKindPurge,
		MaxAttempts: 3,
	})
}

// Handle processes a claimed purge work item: events, batches and terminal
// work items beyond the horizon are removed regardless of sync status.
func (s *Sweeper) Handle(ctx context.Context, item *types.WorkItem) error {
	events, batches, err := s.Purge()
	if err != nil {
		if ctx.Err() != nil {
			return s.queue.Release(item.ID)
		}
		if failErr := s.queue.Fail(item.ID, err, nil); failErr != nil {
			return failErr
		}
		return err
	}

	if events > 0 || batches > 0 {
		s.broker.Publish(&progress.Event{
			Kind:  progress.KindEventsPurged,
			Count: events,
		})
	}
	return s.queue.Complete(item.ID)
}

// Purge removes everything older than the horizon and returns the counts.
func (s *Sweeper) Purge() (events, batches int, err error) {
	cutoff := types.ToMillis(s.clock.Now().Add(-s.cfg.Horizon))

	events, err = s.store.PurgeEventsOlderThan(cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to purge events: %w", err)
	}
	batches, err = s.store.PurgeBatchesOlderThan(cutoff)
	if err != nil {
		return events, 0, fmt.Errorf("failed to purge batches: %w", err)
	}
	if _, err = s.store.PurgeWorkItemsOlderThan(cutoff); err != nil {
		return events, batches, fmt.Errorf("failed to purge work items: %w", err)
	}

	if events > 0 {
		metrics.EventsPurged.Add(float64(events))
	}
	if events > 0 || batches > 0 {
		s.logger.Info().
			Int("events", events).
			Int("batches", batches).
			Msg("retention sweep purged old records")
	}
	return events, batches, nil
}
