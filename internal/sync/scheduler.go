package sync

import (
	"context"
	stdsync "sync"
	"time"
)

// Scheduler drives the engine: a periodic ticker plus debounced run-on-change
// notifications. The engine itself serializes cycles, so an overlapping
// trigger coalesces into one re-run instead of a concurrent cycle.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	debounce time.Duration

	notify   chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce stdsync.Once
}

func NewScheduler(engine *Engine, interval, debounce time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		debounce: debounce,
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// NotifyChange requests a sync soon. Rapid bursts of local edits collapse
// into one debounced cycle. Never blocks.
func (s *Scheduler) NotifyChange() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Start launches the scheduling loop. It returns immediately; the loop runs
// until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop terminates the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer
	var debounced <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return

		case <-s.notify:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(s.debounce)
			debounced = debounceTimer.C

		case <-debounced:
			debounced = nil
			debounceTimer = nil
			s.runCycle(ctx)

		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if _, err := s.engine.RunCycle(ctx); err != nil {
		s.engine.log.Error(ctx, "scheduled sync cycle failed", "error", err)
	}
}
