// =============================================================================
// REPLICA - PER-BROKER VIEW OF ONE PARTITION
// =============================================================================
//
// WHAT: A Replica is one broker's copy of a partition. The local replica
// wraps the on-disk log; remote replicas are the leader's bookkeeping view
// of its followers (LEO and last-caught-up time, learned from their fetches).
//
// INVARIANTS:
//   - HW <= LEO
//   - HW is monotonically non-decreasing within a leadership epoch
//
// =============================================================================

package cluster

import (
	"sync"

	"logbroker/internal/storage"
)

// unknownOffset marks a remote replica whose LEO has not been learned yet.
const unknownOffset int64 = -1

// Replica is one broker's view of a partition.
type Replica struct {
	// BrokerID identifies which broker this replica lives on.
	BrokerID NodeID

	// TP identifies the partition.
	TP TopicPartition

	// log is non-nil only for the local replica.
	log *storage.Log

	// mu protects the offset fields below.
	mu sync.Mutex

	// logEndOffset caches the LEO. For the local replica it mirrors the log;
	// for remote replicas it is updated from follower fetch requests.
	logEndOffset int64

	// highWatermark is meaningful for the local replica only.
	highWatermark int64

	// lastCaughtUpTimeMs is when this replica last had LEO >= the leader's
	// LEO captured at fetch time. Drives ISR shrink decisions.
	lastCaughtUpTimeMs int64
}

// NewLocalReplica wraps the local log as a replica.
func NewLocalReplica(brokerID NodeID, tp TopicPartition, log *storage.Log) *Replica {
	return &Replica{
		BrokerID:     brokerID,
		TP:           tp,
		log:          log,
		logEndOffset: log.LogEndOffset(),
	}
}

// NewRemoteReplica creates the leader-side view of a follower. Its LEO is
// unknown until the follower fetches.
func NewRemoteReplica(brokerID NodeID, tp TopicPartition) *Replica {
	return &Replica{
		BrokerID:     brokerID,
		TP:           tp,
		logEndOffset: unknownOffset,
	}
}

// IsLocal reports whether this replica wraps a local log.
func (r *Replica) IsLocal() bool { return r.log != nil }

// Log returns the local log, or nil for remote replicas.
func (r *Replica) Log() *storage.Log { return r.log }

// LogEndOffset returns the replica's LEO. For the local replica this reads
// the log directly so concurrent appends are always observed.
func (r *Replica) LogEndOffset() int64 {
	if r.log != nil {
		return r.log.LogEndOffset()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logEndOffset
}

// UpdateFetchState records a follower's progress from one fetch: its new LEO
// and, when it had read up to the leader's LEO at fetch time, the caught-up
// timestamp.
func (r *Replica) UpdateFetchState(leo int64, caughtUp bool, nowMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if leo > r.logEndOffset {
		r.logEndOffset = leo
	}
	if caughtUp {
		r.lastCaughtUpTimeMs = nowMs
	}
}

// LastCaughtUpTimeMs returns when this replica was last caught up.
func (r *Replica) LastCaughtUpTimeMs() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCaughtUpTimeMs
}

// ResetLastCaughtUpTime stamps the replica as caught up now. Used when a new
// leader inherits an ISR from the controller and must not shrink it before
// followers have had a chance to fetch.
func (r *Replica) ResetLastCaughtUpTime(nowMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastCaughtUpTimeMs = nowMs
}

// ResetLogEndOffset marks a remote replica's LEO as unknown again, so its
// stale progress cannot advance the HW.
func (r *Replica) ResetLogEndOffset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logEndOffset = unknownOffset
}

// HighWatermark returns the local replica's HW.
func (r *Replica) HighWatermark() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.highWatermark
}

// TrySetHighWatermark advances the HW, clamped to the LEO, and reports
// whether it moved. The HW never moves backward here; leadership
// transitions reset it through SetHighWatermark.
func (r *Replica) TrySetHighWatermark(hw int64) bool {
	if leo := r.LogEndOffset(); hw > leo {
		hw = leo
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if hw > r.highWatermark {
		r.highWatermark = hw
		return true
	}
	return false
}

// SetHighWatermark force-sets the HW, clamped to the LEO. Only leadership
// transitions use this; it may move the HW backward across epochs.
func (r *Replica) SetHighWatermark(hw int64) {
	leo := r.LogEndOffset()
	if hw > leo {
		hw = leo
	}
	if hw < 0 {
		hw = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.highWatermark = hw
}
