package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/dispatch-engine/internal/pkg/distlock"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

// DefaultSchedulerPollInterval is how often the scheduler looks for due campaigns.
const DefaultSchedulerPollInterval = 30 * time.Second

// ScheduledDispatcher is the slice of the campaign service the scheduler needs.
type ScheduledDispatcher interface {
	// DueCampaigns lists draft campaigns whose scheduled time is <= now.
	DueCampaigns(ctx context.Context, now time.Time) ([]string, error)
	// DispatchScheduled starts one campaign with its stored recipient spec.
	DispatchScheduled(ctx context.Context, id string) error
}

// Scheduler polls for scheduled campaigns that are due and dispatches them.
// A distributed lock keeps multiple replicas from dispatching the same tick.
type Scheduler struct {
	dispatcher   ScheduledDispatcher
	locks        distlock.Factory
	pollInterval time.Duration
	now          func() time.Time

	dispatched int64
	errors     int64

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewScheduler creates a scheduler. interval <= 0 uses the default.
func NewScheduler(d ScheduledDispatcher, locks distlock.Factory, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultSchedulerPollInterval
	}
	if locks == nil {
		locks = distlock.NewFactory(nil)
	}
	return &Scheduler{
		dispatcher:   d,
		locks:        locks,
		pollInterval: interval,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)

	logger.Info("scheduler starting", "poll_interval", s.pollInterval)
	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop ends the loop and waits for an in-progress tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	logger.Info("scheduler stopped",
		"dispatched", atomic.LoadInt64(&s.dispatched),
		"errors", atomic.LoadInt64(&s.errors))
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches every campaign that is due right now and returns how many
// were started.
func (s *Scheduler) Tick(ctx context.Context) int {
	lock := s.locks("scheduler:tick", s.pollInterval)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		logger.Error("scheduler lock failed", "error", err)
		return 0
	}
	if !ok {
		return 0
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()

	ids, err := s.dispatcher.DueCampaigns(ctx, s.now())
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
		logger.Error("list due campaigns failed", "error", err)
		return 0
	}

	started := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := s.dispatcher.DispatchScheduled(ctx, id); err != nil {
			atomic.AddInt64(&s.errors, 1)
			logger.Warn("scheduled dispatch rejected", "campaign_id", id, "error", err)
			continue
		}
		atomic.AddInt64(&s.dispatched, 1)
		started++
	}
	return started
}
