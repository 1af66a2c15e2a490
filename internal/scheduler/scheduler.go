// Package scheduler drives the engine on a fixed interval so purchases
// execute without an external cron caller.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"dca-core/internal/engine"
)

// Runner is the slice of the engine the scheduler drives.
type Runner interface {
	RunDueOrders(ctx context.Context) (engine.RunSummary, error)
}

// Scheduler invokes the runner every interval until stopped.
type Scheduler struct {
	runner   Runner
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Scheduler ticking at the given interval.
func New(runner Runner, interval time.Duration) *Scheduler {
	return &Scheduler{
		runner:   runner,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the tick loop. The first run happens immediately so a
// restart does not wait a full interval to catch up on due schedules.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop halts the loop and waits for an in-flight run to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	log.Printf("scheduler: running every %s", s.interval)
	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	summary, err := s.runner.RunDueOrders(ctx)
	switch {
	case errors.Is(err, engine.ErrRunInProgress):
		// An external trigger beat the tick. Nothing to do.
		log.Printf("scheduler: tick skipped, run already in progress")
	case err != nil:
		log.Printf("scheduler: run failed: %v", err)
	case summary.Processed > 0:
		log.Printf("scheduler: processed %d schedule(s)", summary.Processed)
	}
}
