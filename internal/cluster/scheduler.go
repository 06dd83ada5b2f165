// =============================================================================
// SCHEDULER - NAMED PERIODIC BACKGROUND JOBS
// =============================================================================
//
// WHAT: Runs the replica manager's periodic maintenance (isr-expiration,
// isr-change-propagation, highwatermark-checkpoint) as named ticker
// goroutines with a shared lifecycle.
//
// =============================================================================

package cluster

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler runs named periodic jobs until stopped.
type Scheduler struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewScheduler creates a running scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger.With("component", "scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule starts a job that runs fn every interval until Stop.
// The first run happens one interval after scheduling.
func (s *Scheduler) Schedule(name string, interval time.Duration, fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.logger.Warn("schedule after stop ignored", "job", name)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("scheduled job", "job", name, "interval", interval)

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// Stop cancels all jobs and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
