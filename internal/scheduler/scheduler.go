package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/careloop/careloop/internal/shared/config"
	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/metrics"
)

// HandlerFunc handles a fired timer. Handlers re-check current state before
// acting and must tolerate being run more than once for the same timer.
type HandlerFunc func(ctx context.Context, timer Timer) error

// Scheduler polls the timer store and dispatches due timers to registered
// handlers. Multiple instances can poll the same table; row locks keep them
// from double-firing.
type Scheduler struct {
	store    Store
	config   config.SchedulerConfig
	handlers map[string]HandlerFunc
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler
func New(store Store, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:    store,
		config:   cfg,
		handlers: make(map[string]HandlerFunc),
		stopCh:   make(chan struct{}),
	}
}

// Register binds a handler to a timer kind. Last registration wins.
func (s *Scheduler) Register(kind string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = handler
}

// Start begins the polling loop and blocks until the context is cancelled
// or Stop is called. A tick runs one batch; anything still due is picked up
// next tick.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	// immediate pass so restarts drain the backlog without waiting a tick
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop stops the polling loop
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	timers, err := s.store.ClaimDue(ctx, now, s.config.BatchSize)
	if err != nil {
		log.Printf("scheduler: claim due timers: %v", err)
		return
	}

	for _, timer := range timers {
		s.fire(ctx, timer, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, timer Timer, now time.Time) {
	s.mu.RLock()
	handler, ok := s.handlers[timer.Kind]
	s.mu.RUnlock()

	if !ok {
		// Unknown kind: mark fired so it does not poison every future tick.
		log.Printf("scheduler: no handler for timer kind %s (id=%s)", timer.Kind, timer.ID)
		if err := s.store.MarkFired(ctx, timer.ID, now); err != nil {
			log.Printf("scheduler: mark orphan timer fired: %v", err)
		}
		return
	}

	if err := handler(ctx, timer); err != nil {
		// Leave the timer unfired; the next tick retries it.
		log.Printf("scheduler: handler for %s (entity=%s) failed: %v", timer.Kind, timer.EntityID, err)
		return
	}

	metrics.RecordTimerFired(timer.Kind)

	// NotFound means the handler cancelled its own timer, which some
	// handlers do when they reschedule.
	if err := s.store.MarkFired(ctx, timer.ID, now); err != nil && !errors.Is(err, errors.ErrNotFound) {
		log.Printf("scheduler: mark timer fired: %v", err)
	}
}
