package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/classkit/beacon/pkg/config"
	"github.com/classkit/beacon/pkg/log"
	"github.com/classkit/beacon/pkg/metrics"
	"github.com/classkit/beacon/pkg/queue"
	"github.com/classkit/beacon/pkg/types"
)

// Conditions describes the device state the host app reports to the engine.
// The engine cannot portably sniff radio state itself, so these are injected.
type Conditions struct {
	Online     bool
	Metered    bool
	Foreground bool
	Idle       bool
}

// Trigger identifies what woke the scheduler.
type Trigger string

const (
	TriggerConnectivity Trigger = "connectivity"
	TriggerForeground   Trigger = "foreground"
	TriggerTimerHigh    Trigger = "timer_high"
	TriggerTimerIdle    Trigger = "timer_idle"
	TriggerManual       Trigger = "manual"
)

// highPriorityFloor is the work item priority at or above which the
// unconditional short timer fires deliveries.
const highPriorityFloor = 10

// Processor handles one claimed work item and is responsible for its
// terminal queue transition (complete, fail, or release).
type Processor func(ctx context.Context, item *types.WorkItem) error

// Scheduler decides when delivery is attempted. It reacts to connectivity
// changes, app foregrounding and two timers, then hands eligible work items
// to a small worker pool. Deliveries within one work item kind are
// serialized; different kinds may run concurrently.
type Scheduler struct {
	queue   *queue.Queue
	cfg     config.SchedulerConfig
	process Processor
	logger  zerolog.Logger

	// limiter damps trigger bursts from connectivity flapping.
	limiter *rate.Limiter

	mu         sync.Mutex
	conditions Conditions
	inFlight   map[string]bool // work item kind -> claimed

	wakeCh chan Trigger
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a scheduler. The processor is invoked once per claimed item.
func New(q *queue.Queue, cfg config.SchedulerConfig, process Processor) *Scheduler {
	return &Scheduler{
		queue:    q,
		cfg:      cfg,
		process:  process,
		logger:   log.WithComponent("scheduler"),
		limiter:  rate.NewLimiter(rate.Every(10*time.Second), 5),
		inFlight: make(map[string]bool),
		wakeCh:   make(chan Trigger, 1),
	}
}

// Start launches the worker pool and the timer loops.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.wg.Add(1)
	go s.timers(ctx)

	s.logger.Info().Int("workers", s.cfg.Workers).Msg("scheduler started")
}

// Stop cancels in-flight deliveries and waits for the pool to drain.
// Cancelled items return to pending without any event marked failed.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// SetConditions updates the device state. A transition to online wakes the
// scheduler.
func (s *Scheduler) SetConditions(c Conditions) {
	s.mu.Lock()
	wasOnline := s.conditions.Online
	s.conditions = c
	s.mu.Unlock()

	if c.Online && !wasOnline {
		s.Wake(TriggerConnectivity)
	}
}

// OnForeground signals that the application entered the foreground.
func (s *Scheduler) OnForeground() {
	s.Wake(TriggerForeground)
}

// Wake requests a drain for the given trigger. Bursts are coalesced and
// rate limited.
func (s *Scheduler) Wake(trigger Trigger) {
	if trigger != TriggerManual && !s.limiter.Allow() {
		s.logger.Debug().Str("trigger", string(trigger)).Msg("trigger suppressed by rate limit")
		return
	}
	select {
	case s.wakeCh <- trigger:
	default:
		// A wake is already queued; the pending drain covers this one.
	}
}

// timers drives the recurring triggers: the short unconditional timer for
// high-priority work and the long idle timer for everything else. It also
// runs the reclaim sweep for stale claims.
func (s *Scheduler) timers(ctx context.Context) {
	defer s.wg.Done()

	high := time.NewTicker(s.cfg.HighPriorityInterval)
	defer high.Stop()
	idle := time.NewTicker(s.cfg.IdleInterval)
	defer idle.Stop()
	reclaim := time.NewTicker(s.cfg.ProcessingTimeout / 2)
	defer reclaim.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-high.C:
			s.Wake(TriggerTimerHigh)
		case <-idle.C:
			s.Wake(TriggerTimerIdle)
		case <-reclaim.C:
			n, err := s.queue.ReclaimStale(s.cfg.ProcessingTimeout)
			if err != nil {
				s.logger.Error().Err(err).Msg("reclaim sweep failed")
				continue
			}
			if n > 0 {
				metrics.ItemsReclaimed.Add(float64(n))
				s.Wake(TriggerManual)
			}
		}
	}
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	logger := log.WithWorkerID(id)

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("worker shutting down")
			return
		case trigger := <-s.wakeCh:
			s.drain(ctx, trigger, logger)
		}
	}
}

// drain claims and processes eligible items until the queue has nothing
// left for the current trigger and conditions.
func (s *Scheduler) drain(ctx context.Context, trigger Trigger, logger zerolog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		item, err := s.claim(trigger)
		if err != nil {
			logger.Error().Err(err).Msg("claim failed")
			return
		}
		if item == nil {
			return
		}

		logger.Debug().
			Str("item_id", item.ID).
			Str("kind", item.Kind).
			Str("trigger", string(trigger)).
			Msg("processing work item")

		if err := s.process(ctx, item); err != nil {
			logger.Error().Err(err).Str("item_id", item.ID).Msg("processor error")
		}
		s.release(item.Kind)

		if depth, err := s.queue.Depth(); err == nil {
			metrics.QueueDepth.Set(float64(depth))
		}
	}
}

// claim atomically takes the next item eligible under the trigger's scope,
// the current network conditions, and the per-kind serialization rule. The
// lock spans the whole claim so checking inFlight and marking the claimed
// kind is one step; two workers can never claim the same kind concurrently.
func (s *Scheduler) claim(trigger Trigger) (*types.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cond := s.conditions

	item, err := s.queue.ClaimNext(nil, func(it *types.WorkItem) bool {
		return s.eligible(it, trigger, cond) && !s.inFlight[it.Kind]
	})
	if err != nil || item == nil {
		return nil, err
	}

	s.inFlight[item.Kind] = true
	return item, nil
}

func (s *Scheduler) release(kind string) {
	s.mu.Lock()
	delete(s.inFlight, kind)
	s.mu.Unlock()
}

// eligible applies the trigger scope and network gating for one item.
func (s *Scheduler) eligible(item *types.WorkItem, trigger Trigger, cond Conditions) bool {
	// Maintenance items run regardless of connectivity.
	if item.Kind == types.WorkKindPurge {
		return true
	}

	if !cond.Online {
		return false
	}
	if item.Network == types.NetworkUnmetered && cond.Metered {
		return false
	}

	switch trigger {
	case TriggerTimerHigh:
		return item.Priority >= highPriorityFloor
	case TriggerTimerIdle:
		// The long timer is the opportunistic path: only on an idle
		// device and an unmetered network.
		return cond.Idle && !cond.Metered
	default:
		return true
	}
}
