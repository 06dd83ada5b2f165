// =============================================================================
// PURGATORY - KEY-INDEXED STORE FOR DELAYED OPERATIONS
// =============================================================================
//
// WHAT: Holds operations that could not complete immediately (a produce
// awaiting ISR acknowledgement, a fetch awaiting minBytes) until a progress
// event or their timeout completes them.
//
// CONTRACT:
//   - an operation completes exactly once (CAS on a completed flag)
//   - callbacks fire on the completing goroutine
//   - CheckAndComplete(key) observes all state changes its caller made
//     before the call
//   - no operation outlives its deadline by more than the timer wheel slack
//
// No goroutine is parked inside an operation; operations are passive state
// machines poked by progress events and by the timer wheel.
//
// =============================================================================

package cluster

import (
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// DelayedOperation is an operation awaiting an event or timeout.
//
// TryComplete checks whether the operation can complete now and, if so,
// must call its own ForceComplete and return true. ForceComplete completes
// at most once; later calls return false. ExpireNow is ForceComplete for
// the timeout path: pending work is marked timed out before the callback.
type DelayedOperation interface {
	TryComplete() bool
	ForceComplete() bool
	ExpireNow() bool
	IsCompleted() bool
}

// completable is the embeddable complete-once flag.
type completable struct {
	completed atomic.Bool
}

// markCompleted wins at most once.
func (c *completable) markCompleted() bool {
	return c.completed.CompareAndSwap(false, true)
}

// IsCompleted reports whether the operation has completed.
func (c *completable) IsCompleted() bool {
	return c.completed.Load()
}

// watchedOp pairs an operation with its timeout timer.
type watchedOp struct {
	op      DelayedOperation
	timerID uint64
}

// Purgatory watches delayed operations under per-partition keys.
type Purgatory struct {
	// name distinguishes the produce and fetch purgatories in logs.
	name string

	wheel  *TimerWheel
	logger *slog.Logger

	mu sync.Mutex

	// watchers maps "topic-partition" to the operations watching it.
	watchers map[string][]*watchedOp

	// pending counts registered, not-yet-completed operations.
	pending int
}

// NewPurgatory creates a purgatory backed by the given wheel.
func NewPurgatory(name string, wheel *TimerWheel, logger *slog.Logger) *Purgatory {
	return &Purgatory{
		name:     name,
		wheel:    wheel,
		logger:   logger.With("component", "purgatory", "purgatory", name),
		watchers: make(map[string][]*watchedOp),
	}
}

// TryCompleteElseWatch attempts completion; if the operation is not yet
// satisfiable it is registered under every key with a timeout. Returns true
// when the operation completed immediately.
func (p *Purgatory) TryCompleteElseWatch(op DelayedOperation, keys []TopicPartition, timeout time.Duration) bool {
	if op.TryComplete() {
		return true
	}

	w := &watchedOp{op: op}

	p.mu.Lock()
	for _, key := range keys {
		k := key.String()
		p.watchers[k] = append(p.watchers[k], w)
	}
	p.pending++
	p.mu.Unlock()

	timerID, err := p.wheel.Schedule(timeout, func() {
		if w.op.ExpireNow() {
			p.logger.Debug("operation expired", "timeout_ms", timeout.Milliseconds())
			p.noteCompleted()
		}
	})
	if err != nil {
		// Wheel stopped: broker is shutting down; expire immediately.
		if w.op.ExpireNow() {
			p.noteCompleted()
		}
		return false
	}
	w.timerID = timerID

	// Close the race where the awaited event fired between the first
	// attempt and registration.
	if op.TryComplete() {
		p.wheel.Cancel(w.timerID)
		p.noteCompleted()
		return true
	}
	return false
}

// CheckAndComplete attempts completion of every operation watching key.
// Returns how many completed.
func (p *Purgatory) CheckAndComplete(key TopicPartition) int {
	k := key.String()

	p.mu.Lock()
	watched := append([]*watchedOp(nil), p.watchers[k]...)
	p.mu.Unlock()

	completed := 0
	for _, w := range watched {
		if w.op.IsCompleted() {
			continue
		}
		if w.op.TryComplete() {
			p.wheel.Cancel(w.timerID)
			p.noteCompleted()
			completed++
		}
	}

	p.purge(k)
	return completed
}

// Pending returns the number of registered, uncompleted operations.
func (p *Purgatory) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Shutdown force-expires every pending operation.
func (p *Purgatory) Shutdown() {
	p.mu.Lock()
	var all []*watchedOp
	seen := make(map[*watchedOp]struct{})
	for _, ops := range p.watchers {
		for _, w := range ops {
			if _, dup := seen[w]; dup {
				continue
			}
			seen[w] = struct{}{}
			all = append(all, w)
		}
	}
	p.watchers = make(map[string][]*watchedOp)
	p.mu.Unlock()

	for _, w := range all {
		p.wheel.Cancel(w.timerID)
		if w.op.ExpireNow() {
			p.noteCompleted()
		}
	}
	p.logger.Info("purgatory drained", "operations", len(all))
}

// noteCompleted decrements the pending count.
func (p *Purgatory) noteCompleted() {
	p.mu.Lock()
	if p.pending > 0 {
		p.pending--
	}
	p.mu.Unlock()
}

// purge drops completed operations from one watch list.
func (p *Purgatory) purge(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ops := p.watchers[key]
	live := ops[:0]
	for _, w := range ops {
		if !w.op.IsCompleted() {
			live = append(live, w)
		}
	}
	if len(live) == 0 {
		delete(p.watchers, key)
		return
	}
	p.watchers[key] = live
}
