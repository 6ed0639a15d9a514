package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/classkit/beacon/pkg/anonymize"
	"github.com/classkit/beacon/pkg/backoff"
	"github.com/classkit/beacon/pkg/batcher"
	"github.com/classkit/beacon/pkg/capture"
	"github.com/classkit/beacon/pkg/clock"
	"github.com/classkit/beacon/pkg/config"
	"github.com/classkit/beacon/pkg/controller"
	"github.com/classkit/beacon/pkg/delivery"
	"github.com/classkit/beacon/pkg/log"
	"github.com/classkit/beacon/pkg/progress"
	"github.com/classkit/beacon/pkg/queue"
	"github.com/classkit/beacon/pkg/retention"
	"github.com/classkit/beacon/pkg/scheduler"
	"github.com/classkit/beacon/pkg/storage"
	"github.com/classkit/beacon/pkg/types"
)

// Option customizes engine construction, mainly for tests.
type Option func(*options)

type options struct {
	clock      clock.Clock
	httpClient delivery.HTTPClient
	sender     controller.Sender
}

// WithClock injects a deterministic clock.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithHTTPClient injects the HTTP client used for deliveries.
func WithHTTPClient(c delivery.HTTPClient) Option {
	return func(o *options) { o.httpClient = c }
}

// WithSender replaces the delivery client entirely.
func WithSender(s controller.Sender) Option {
	return func(o *options) { o.sender = s }
}

// Engine wires the capture, batching, queueing, scheduling and delivery
// components together and owns their lifecycle.
type Engine struct {
	cfg    *config.Config
	store  *storage.BoltStore
	clock  clock.Clock
	broker *progress.Broker

	recorder   *capture.Recorder
	queue      *queue.Queue
	former     *batcher.Former
	controller *controller.Controller
	scheduler  *scheduler.Scheduler
	sweeper    *retention.Sweeper

	logger zerolog.Logger
}

// New opens the store and builds the engine. Call Start to begin syncing;
// Record works as soon as New returns.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(o)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	anon, err := anonymize.New(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	broker := progress.NewBroker()
	q := queue.New(store, o.clock)
	recorder := capture.NewRecorder(store, anon, o.clock, cfg.Capture)
	former := batcher.NewFormer(store, q, o.clock, cfg.Batch, cfg.Retry, broker)

	sender := o.sender
	if sender == nil {
		sender = delivery.NewClient(cfg.Endpoint, cfg.APIKey, cfg.Scheduler.RequestTimeout, o.httpClient)
	}

	policy := backoff.Policy{
		Base:    cfg.Retry.Base,
		Ceiling: cfg.Retry.Ceiling,
		Jitter:  cfg.Retry.Jitter,
	}
	ctrl := controller.New(store, q, sender, policy, o.clock, broker)
	sweeper := retention.NewSweeper(store, q, o.clock, cfg.Retention, broker)

	e := &Engine{
		cfg:        cfg,
		store:      store,
		clock:      o.clock,
		broker:     broker,
		recorder:   recorder,
		queue:      q,
		former:     former,
		controller: ctrl,
		sweeper:    sweeper,
		logger:     log.WithComponent("engine"),
	}
	e.scheduler = scheduler.New(q, cfg.Scheduler, e.dispatch)
	return e, nil
}

// dispatch routes a claimed work item to its processor.
func (e *Engine) dispatch(ctx context.Context, item *types.WorkItem) error {
	switch {
	case item.Kind == types.WorkKindPurge:
		return e.sweeper.Handle(ctx, item)
	case strings.HasPrefix(item.Kind, types.WorkKindDeliveryPrefix):
		_, err := e.controller.Attempt(ctx, item)
		return err
	default:
		e.logger.Error().Str("kind", item.Kind).Msg("unknown work item kind, cancelling")
		return e.queue.Cancel(item.ID)
	}
}

// Start launches the background components.
func (e *Engine) Start(ctx context.Context) {
	e.broker.Start()
	e.former.Start()
	e.sweeper.Start()
	e.scheduler.Start(ctx)
	e.logger.Info().Msg("sync engine started")
}

// Stop shuts the engine down. In-flight deliveries are aborted and their
// batches returned to pending; captured events stay durable for the next run.
func (e *Engine) Stop() {
	e.scheduler.Stop()
	e.former.Stop()
	e.sweeper.Stop()
	e.broker.Stop()
	if err := e.store.Close(); err != nil {
		e.logger.Error().Err(err).Msg("failed to close store")
	}
	e.logger.Info().Msg("sync engine stopped")
}

// Record captures one event. Fire-and-forget delivery; synchronous local
// durability.
func (e *Engine) Record(kind types.EventKind, category, action, sessionRef string, opts capture.Options) (string, error) {
	return e.recorder.Record(kind, category, action, sessionRef, opts)
}

// Flush forces batch formation and wakes the scheduler. Called on app
// backgrounding.
func (e *Engine) Flush() error {
	if err := e.former.Flush(); err != nil {
		return err
	}
	e.scheduler.Wake(scheduler.TriggerManual)
	return nil
}

// SetConditions reports the current device state to the engine. The
// networkType string is attached to newly captured events as metadata.
func (e *Engine) SetConditions(cond scheduler.Conditions, networkType string) {
	e.recorder.SetNetworkType(networkType)
	e.scheduler.SetConditions(cond)
}

// OnForeground signals that the application entered the foreground.
func (e *Engine) OnForeground() {
	e.scheduler.OnForeground()
}

// Subscribe returns a channel of sync progress events.
func (e *Engine) Subscribe() progress.Subscriber {
	return e.broker.Subscribe()
}

// Unsubscribe releases a progress subscription.
func (e *Engine) Unsubscribe(sub progress.Subscriber) {
	e.broker.Unsubscribe(sub)
}

// Status summarizes the engine's durable state for diagnostics.
type Status struct {
	UnsyncedEvents  int
	PendingItems    int
	PendingBatches  int
	InFlightBatches int
	FailedBatches   int
}

// Status returns current queue and event counts.
func (e *Engine) Status() (*Status, error) {
	unsynced, err := e.store.CountUnsynced()
	if err != nil {
		return nil, err
	}
	depth, err := e.queue.Depth()
	if err != nil {
		return nil, err
	}

	st := &Status{UnsyncedEvents: unsynced, PendingItems: depth}
	for status, dst := range map[types.BatchStatus]*int{
		types.BatchStatusPending:  &st.PendingBatches,
		types.BatchStatusInFlight: &st.InFlightBatches,
		types.BatchStatusFailed:   &st.FailedBatches,
	} {
		batches, err := e.store.ListBatchesByStatus(status)
		if err != nil {
			return nil, err
		}
		*dst = len(batches)
	}
	return st, nil
}

// Purge runs a retention sweep immediately, outside the queue. Used by the
// CLI.
func (e *Engine) Purge() (events, batches int, err error) {
	return e.sweeper.Purge()
}
