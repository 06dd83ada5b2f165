// =============================================================================
// PARTITION - LEADER/FOLLOWER STATE FOR ONE TOPIC-PARTITION
// =============================================================================
//
// WHAT: A Partition owns everything partition-scoped on this broker: the
// local replica, the leader's view of remote replicas, ISR membership, the
// leader epoch and the high watermark computation.
//
// MODES:
//
//      ┌─────────┐  MakeLeader   ┌────────┐
//      │ OFFLINE │──────────────►│ LEADER │
//      └────┬────┘               └───┬────┘
//           │ MakeFollower           │ MakeFollower
//           ▼                        ▼
//      ┌──────────┐  MakeLeader  ┌──────────┐
//      │ FOLLOWER │─────────────►│  LEADER  │
//      └──────────┘              └──────────┘
//
// LOCKING:
//   - mu protects leader/ISR/epoch state
//   - mu is never held across log I/O: append and read snapshot what they
//     need, do the I/O, then re-acquire to publish results
//
// INVARIANTS:
//   - the leader, if present, is in the assigned set
//   - ISR is a non-empty subset of assigned while leading
//   - leader epoch only increases
//   - ISR membership changes persist to the coordination store before they
//     are observable
//
// =============================================================================

package cluster

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"logbroker/internal/storage"
)

// PartitionHooks is the narrow surface a Partition needs from its owner.
// Injected at construction so partitions hold no reference to the manager.
type PartitionHooks interface {
	// Now returns the current time.
	Now() time.Time

	// LogFor opens or creates the local log for a partition.
	LogFor(tp TopicPartition) (*storage.Log, error)

	// CheckpointedHighWatermark returns the HW recorded for a partition in
	// the data directory checkpoint, or 0 when no entry exists.
	CheckpointedHighWatermark(tp TopicPartition) int64

	// PersistIsr durably records a leader/ISR change, compare-and-swapped on
	// the coordination version. Returns the new version.
	PersistIsr(tp TopicPartition, state IsrState) (int, error)

	// RecordIsrChange enqueues the partition for batched ISR propagation.
	RecordIsrChange(tp TopicPartition)

	// CompleteDelayedRequests pokes the purgatories watching this partition.
	CompleteDelayedRequests(tp TopicPartition)
}

// AppendInfo reports the outcome of a leader append.
type AppendInfo struct {
	// FirstOffset and LastOffset bound the appended records, inclusive.
	FirstOffset int64
	LastOffset  int64

	// Timestamp is the append time of the first record, Unix ms.
	Timestamp int64

	// HwAdvanced is true when the append itself moved the high watermark
	// (single-member ISR).
	HwAdvanced bool
}

// ReadInfo reports the outcome of a local read.
type ReadInfo struct {
	// Records are the fetched records in offset order.
	Records []storage.Record

	// HighWatermark is the partition HW at read time.
	HighWatermark int64

	// LogEndOffset is the local LEO captured before the read.
	LogEndOffset int64

	// ReadToEndOfLog is true when the read reached the pre-read LEO.
	ReadToEndOfLog bool

	// ActiveSegmentBase identifies the active segment at read time, so a
	// delayed fetch can detect segment rolls.
	ActiveSegmentBase int64

	// BytesRead is the framed size of Records.
	BytesRead int
}

// Partition models one topic-partition hosted on this broker.
type Partition struct {
	// TP is the partition identity.
	TP TopicPartition

	// localID is this broker's id.
	localID NodeID

	// hooks is the injected manager surface.
	hooks PartitionHooks

	// minInSync is the ISR floor for acks=all produces.
	minInSync int

	logger *slog.Logger

	// mu protects everything below.
	mu sync.Mutex

	// leaderID is the current leader, empty when unknown.
	leaderID NodeID

	// leaderEpoch is the controller-assigned epoch; strictly increasing.
	leaderEpoch int64

	// controllerEpoch is the epoch of the controller that last decided
	// leadership for this partition.
	controllerEpoch int64

	// coordinationVersion is the coordination-store version used for CAS.
	coordinationVersion int

	// assigned is the full replica set.
	assigned []NodeID

	// isr is the in-sync set; tracked only while leading.
	isr map[NodeID]struct{}

	// local is this broker's replica, nil until materialised.
	local *Replica

	// remotes is the leader's view of other replicas, by broker id.
	remotes map[NodeID]*Replica

	// debugFetchSeen gates the one-time warning for debug fetches.
	debugFetchSeen bool
}

// NewPartition creates an offline partition.
func NewPartition(tp TopicPartition, localID NodeID, minInSync int, hooks PartitionHooks, logger *slog.Logger) *Partition {
	return &Partition{
		TP:        tp,
		localID:   localID,
		hooks:     hooks,
		minInSync: minInSync,
		logger: logger.With(
			"component", "partition",
			"topic", tp.Topic,
			"partition", tp.Partition,
		),
		isr:     make(map[NodeID]struct{}),
		remotes: make(map[NodeID]*Replica),
	}
}

// =============================================================================
// ACCESSORS
// =============================================================================

// IsLeader reports whether this broker currently leads the partition.
func (p *Partition) IsLeader() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isLeaderLocked()
}

func (p *Partition) isLeaderLocked() bool {
	return p.leaderID == p.localID && p.local != nil
}

// LeaderID returns the current leader, empty when unknown.
func (p *Partition) LeaderID() NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leaderID
}

// LeaderEpoch returns the current leader epoch.
func (p *Partition) LeaderEpoch() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leaderEpoch
}

// HighWatermark returns the local replica's HW, or 0 when offline.
func (p *Partition) HighWatermark() int64 {
	p.mu.Lock()
	local := p.local
	p.mu.Unlock()
	if local == nil {
		return 0
	}
	return local.HighWatermark()
}

// LogEndOffset returns the local replica's LEO, or -1 when offline.
func (p *Partition) LogEndOffset() int64 {
	p.mu.Lock()
	local := p.local
	p.mu.Unlock()
	if local == nil {
		return unknownOffset
	}
	return local.LogEndOffset()
}

// ISR returns a copy of the in-sync set.
func (p *Partition) ISR() []NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]NodeID, 0, len(p.isr))
	for id := range p.isr {
		out = append(out, id)
	}
	return out
}

// InSyncSize returns |ISR|.
func (p *Partition) InSyncSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.isr)
}

// AssignedReplicas returns a copy of the assigned replica set.
func (p *Partition) AssignedReplicas() []NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]NodeID(nil), p.assigned...)
}

// LocalReplica returns the local replica, nil when offline.
func (p *Partition) LocalReplica() *Replica {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

// =============================================================================
// LEADERSHIP TRANSITIONS
// =============================================================================

// MakeLeader applies a controller decision naming this broker leader.
// Returns true if this broker was not already the leader.
func (p *Partition) MakeLeader(state PartitionState) (bool, error) {
	log, err := p.ensureLocalLog()
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	wasLeader := p.leaderID == p.localID

	p.controllerEpoch = state.ControllerEpoch
	p.leaderEpoch = state.LeaderEpoch
	p.coordinationVersion = state.CoordinationVersion
	p.leaderID = p.localID
	p.assigned = append([]NodeID(nil), state.Replicas...)

	if p.local == nil {
		p.local = NewLocalReplica(p.localID, p.TP, log)
		p.local.SetHighWatermark(p.hooks.CheckpointedHighWatermark(p.TP))
	}

	nowMs := p.hooks.Now().UnixMilli()

	// Rebuild the remote replica views: stale follower progress from a
	// prior epoch must never advance the new HW.
	p.remotes = make(map[NodeID]*Replica, len(state.Replicas))
	for _, id := range state.Replicas {
		if id == p.localID {
			continue
		}
		p.remotes[id] = NewRemoteReplica(id, p.TP)
	}

	p.isr = make(map[NodeID]struct{}, len(state.ISR))
	for _, id := range state.ISR {
		p.isr[id] = struct{}{}
		if r, ok := p.remotes[id]; ok {
			r.ResetLastCaughtUpTime(nowMs)
		}
	}

	// A new leader's HW starts from its own log, capped at the prior HW.
	hw := p.local.HighWatermark()
	if leo := p.local.LogEndOffset(); hw > leo {
		hw = leo
	}
	p.local.SetHighWatermark(hw)

	p.logger.Info("became leader",
		"leader_epoch", p.leaderEpoch,
		"isr", state.ISR,
		"hw", p.local.HighWatermark())

	// A single-member ISR may already satisfy pending waiters.
	p.maybeAdvanceHwLocked()

	return !wasLeader, nil
}

// MakeFollower applies a controller decision naming another broker leader.
// Returns true when the leader actually changed.
func (p *Partition) MakeFollower(state PartitionState) (bool, error) {
	log, err := p.ensureLocalLog()
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	oldLeader := p.leaderID

	p.controllerEpoch = state.ControllerEpoch
	p.leaderEpoch = state.LeaderEpoch
	p.coordinationVersion = state.CoordinationVersion
	p.leaderID = state.Leader
	p.assigned = append([]NodeID(nil), state.Replicas...)

	if p.local == nil {
		p.local = NewLocalReplica(p.localID, p.TP, log)
		// No checkpoint entry means truncate-to-zero on the follower path;
		// the partition catches up from the new leader.
		p.local.SetHighWatermark(p.hooks.CheckpointedHighWatermark(p.TP))
	}

	// Followers do not track ISR or remote progress.
	p.isr = make(map[NodeID]struct{})
	p.remotes = make(map[NodeID]*Replica)

	p.logger.Info("became follower",
		"leader", state.Leader,
		"leader_epoch", p.leaderEpoch)

	return oldLeader != state.Leader || oldLeader == p.localID, nil
}

// ensureLocalLog opens the local log outside the partition lock.
func (p *Partition) ensureLocalLog() (*storage.Log, error) {
	p.mu.Lock()
	local := p.local
	p.mu.Unlock()
	if local != nil {
		return local.Log(), nil
	}
	return p.hooks.LogFor(p.TP)
}

// TruncateToHighWatermark cuts the local log back to the HW. Called on the
// become-follower path before the fetcher starts: uncommitted suffixes must
// never survive a leadership change.
func (p *Partition) TruncateToHighWatermark() error {
	p.mu.Lock()
	local := p.local
	p.mu.Unlock()
	if local == nil {
		return nil
	}

	hw := local.HighWatermark()
	if err := local.Log().TruncateTo(hw); err != nil {
		return fmt.Errorf("truncate %s to hw %d: %w", p.TP, hw, err)
	}
	p.logger.Info("truncated log to high watermark", "hw", hw)
	return nil
}

// MarkOffline clears leadership state, keeping the local replica and log.
func (p *Partition) MarkOffline() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaderID = ""
	p.isr = make(map[NodeID]struct{})
	p.remotes = make(map[NodeID]*Replica)
}

// Delete closes and removes the local log.
func (p *Partition) Delete() error {
	p.mu.Lock()
	local := p.local
	p.local = nil
	p.leaderID = ""
	p.isr = make(map[NodeID]struct{})
	p.remotes = make(map[NodeID]*Replica)
	p.mu.Unlock()

	if local == nil {
		return nil
	}
	return local.Log().Delete()
}

// =============================================================================
// PRODUCE PATH
// =============================================================================

// AppendToLeader appends records as the partition leader. With acks=all the
// ISR must meet the configured minimum before the write is attempted.
func (p *Partition) AppendToLeader(records []storage.Record, requiredAcks int) (AppendInfo, error) {
	p.mu.Lock()
	if !p.isLeaderLocked() {
		leader := p.leaderID
		p.mu.Unlock()
		return AppendInfo{}, NewReplicationError(ErrNotLeaderForPartition,
			"broker %s is not the leader for %s (leader is %q)", p.localID, p.TP, leader)
	}
	if requiredAcks == AckAll && len(p.isr) < p.minInSync {
		inSync := len(p.isr)
		p.mu.Unlock()
		return AppendInfo{}, NewReplicationError(ErrNotEnoughReplicas,
			"%s has %d in-sync replicas, need %d for acks=all", p.TP, inSync, p.minInSync)
	}
	local := p.local
	p.mu.Unlock()

	// Log I/O happens outside the partition lock; the log serialises
	// appends, so offsets still observe a single total order.
	now := p.hooks.Now().UnixMilli()
	for i := range records {
		if records[i].Timestamp == 0 {
			records[i].Timestamp = now
		}
	}
	first, last, err := local.Log().Append(records)
	if err != nil {
		return AppendInfo{}, err
	}

	p.mu.Lock()
	hwAdvanced := p.maybeAdvanceHwLocked()
	p.mu.Unlock()

	return AppendInfo{
		FirstOffset: first,
		LastOffset:  last,
		Timestamp:   records[0].Timestamp,
		HwAdvanced:  hwAdvanced,
	}, nil
}

// AppendAsFollower writes records replicated from the leader, preserving
// their offsets, and mirrors the leader's HW clamped to the local LEO.
func (p *Partition) AppendAsFollower(records []storage.Record, leaderHW int64) error {
	p.mu.Lock()
	if p.isLeaderLocked() {
		p.mu.Unlock()
		return NewReplicationError(ErrNotLeaderForPartition,
			"%s is led locally; follower append rejected", p.TP)
	}
	local := p.local
	p.mu.Unlock()

	if local == nil {
		return NewReplicationError(ErrReplicaNotAvailable, "no local replica for %s", p.TP)
	}
	if len(records) > 0 {
		if err := local.Log().AppendRecords(records); err != nil {
			return err
		}
	}
	local.TrySetHighWatermark(leaderHW)
	return nil
}

// =============================================================================
// FETCH PATH
// =============================================================================

// ReadFromLocal reads from the local log. A non-negative maxOffset caps the
// read (used to confine consumers to committed records); pass -1 for no cap.
// leaderOnly rejects reads when this broker is not the leader.
func (p *Partition) ReadFromLocal(offset int64, maxBytes int, maxOffset int64, leaderOnly bool) (ReadInfo, error) {
	p.mu.Lock()
	if leaderOnly && !p.isLeaderLocked() {
		leader := p.leaderID
		p.mu.Unlock()
		return ReadInfo{}, NewReplicationError(ErrNotLeaderForPartition,
			"broker %s is not the leader for %s (leader is %q)", p.localID, p.TP, leader)
	}
	local := p.local
	p.mu.Unlock()

	if local == nil {
		return ReadInfo{}, NewReplicationError(ErrReplicaNotAvailable,
			"no local replica for %s", p.TP)
	}

	log := local.Log()

	// LEO is captured before the read so "read to end of log" reflects the
	// log as it was when the fetch began, not after concurrent appends.
	leo := log.LogEndOffset()
	hw := local.HighWatermark()
	segBase := log.ActiveSegmentBaseOffset()

	upper := leo
	if maxOffset >= 0 && maxOffset < upper {
		upper = maxOffset
	}

	records, err := log.Read(offset, maxBytes, upper)
	if err != nil {
		return ReadInfo{}, err
	}

	bytesRead := 0
	readTo := offset
	for i := range records {
		bytesRead += records[i].EncodedLen()
		readTo = records[i].Offset + 1
	}

	return ReadInfo{
		Records:           records,
		HighWatermark:     hw,
		LogEndOffset:      leo,
		ReadToEndOfLog:    readTo >= leo,
		ActiveSegmentBase: segBase,
		BytesRead:         bytesRead,
	}, nil
}

// NoteDebugFetch logs the first use of the debug replica id on this
// partition. Whether to accept it in production is a deployment decision.
func (p *Partition) NoteDebugFetch() {
	p.mu.Lock()
	seen := p.debugFetchSeen
	p.debugFetchSeen = true
	p.mu.Unlock()
	if !seen {
		p.logger.Warn("debug fetch observed; leader-only check bypassed")
	}
}

// =============================================================================
// FOLLOWER PROGRESS, ISR AND HW
// =============================================================================

// UpdateFollowerFetchState records one follower fetch: the follower's LEO
// becomes its fetch offset, and it counts as caught up iff that offset
// reached the leader LEO captured when the read began. May expand the ISR
// and advance the HW. Returns whether the ISR expanded.
func (p *Partition) UpdateFollowerFetchState(followerID NodeID, fetchOffset int64, leaderLEOAtRead int64) bool {
	nowMs := p.hooks.Now().UnixMilli()

	p.mu.Lock()
	if !p.isLeaderLocked() {
		p.mu.Unlock()
		return false
	}
	follower, ok := p.remotes[followerID]
	if !ok {
		// Not in the assigned set; nothing to track.
		p.logger.Debug("fetch from unassigned replica", "follower", followerID)
		p.mu.Unlock()
		return false
	}

	follower.UpdateFetchState(fetchOffset, fetchOffset >= leaderLEOAtRead, nowMs)

	expanded := p.maybeExpandIsrLocked(followerID)
	hwAdvanced := p.maybeAdvanceHwLocked()
	p.mu.Unlock()

	if hwAdvanced {
		// Waiters keyed on this partition may now be satisfiable. The HW is
		// published before the purgatory is poked, so completion attempts
		// observe it.
		p.hooks.CompleteDelayedRequests(p.TP)
	}
	return expanded
}

// maybeExpandIsrLocked adds a follower back to the ISR once its LEO has
// reached the leader's current HW. Comparing against the HW rather than the
// LEO keeps an oscillating follower from re-entering prematurely.
func (p *Partition) maybeExpandIsrLocked(followerID NodeID) bool {
	if _, in := p.isr[followerID]; in {
		return false
	}
	follower, ok := p.remotes[followerID]
	if !ok {
		return false
	}
	leo := follower.LogEndOffset()
	if leo == unknownOffset || leo < p.local.HighWatermark() {
		return false
	}

	newIsr := make(map[NodeID]struct{}, len(p.isr)+1)
	for id := range p.isr {
		newIsr[id] = struct{}{}
	}
	newIsr[followerID] = struct{}{}

	if !p.persistIsrLocked(newIsr) {
		return false
	}
	p.isr = newIsr
	p.logger.Info("expanded ISR", "follower", followerID, "isr_size", len(p.isr))
	return true
}

// MaybeShrinkIsr removes followers whose last caught-up time is older than
// maxLagMs. The leader itself is never removed. Returns the removed ids.
func (p *Partition) MaybeShrinkIsr(maxLagMs int64) []NodeID {
	nowMs := p.hooks.Now().UnixMilli()

	p.mu.Lock()

	if !p.isLeaderLocked() {
		p.mu.Unlock()
		return nil
	}

	var lagging []NodeID
	for id := range p.isr {
		if id == p.localID {
			continue
		}
		follower, ok := p.remotes[id]
		if !ok {
			continue
		}
		if nowMs-follower.LastCaughtUpTimeMs() > maxLagMs {
			lagging = append(lagging, id)
		}
	}
	if len(lagging) == 0 {
		p.mu.Unlock()
		return nil
	}

	newIsr := make(map[NodeID]struct{}, len(p.isr))
	for id := range p.isr {
		newIsr[id] = struct{}{}
	}
	for _, id := range lagging {
		delete(newIsr, id)
	}

	if !p.persistIsrLocked(newIsr) {
		p.mu.Unlock()
		return nil
	}
	p.isr = newIsr
	p.logger.Info("shrank ISR", "removed", lagging, "isr_size", len(p.isr))

	// A smaller ISR may unblock the HW.
	hwAdvanced := p.maybeAdvanceHwLocked()
	p.mu.Unlock()

	if hwAdvanced {
		p.hooks.CompleteDelayedRequests(p.TP)
	}
	return lagging
}

// persistIsrLocked records the new ISR in the coordination store and queues
// a propagation notice. Returns false if a conflicting controller won the
// compare-and-swap; the local ISR is then left unchanged.
func (p *Partition) persistIsrLocked(newIsr map[NodeID]struct{}) bool {
	isrList := make([]NodeID, 0, len(newIsr))
	for id := range newIsr {
		isrList = append(isrList, id)
	}
	version, err := p.hooks.PersistIsr(p.TP, IsrState{
		Leader:          p.leaderID,
		LeaderEpoch:     p.leaderEpoch,
		ISR:             isrList,
		ControllerEpoch: p.controllerEpoch,
		Version:         p.coordinationVersion,
	})
	if err != nil {
		p.logger.Warn("ISR update rejected by coordination store", "error", err)
		return false
	}
	p.coordinationVersion = version
	p.hooks.RecordIsrChange(p.TP)
	return true
}

// CheckEnoughReplicasReachOffset reports whether a delayed produce may stop
// waiting on this partition: done with ErrNone once the HW has reached
// requiredOffset, done with an error once waiting has become futile.
func (p *Partition) CheckEnoughReplicasReachOffset(requiredOffset int64) (bool, ErrorCode) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isLeaderLocked() {
		return true, ErrNotLeaderForPartition
	}
	if p.local.HighWatermark() >= requiredOffset {
		// Committed, but the write only counts if the ISR still meets the
		// configured floor at satisfaction time.
		if len(p.isr) >= p.minInSync {
			return true, ErrNone
		}
		return true, ErrNotEnoughReplicasAfterAppend
	}
	return false, ErrNone
}

// maybeAdvanceHwLocked recomputes HW = min LEO over the ISR and advances the
// local HW if it moved strictly forward. A member with unknown LEO blocks
// the advance.
func (p *Partition) maybeAdvanceHwLocked() bool {
	if p.local == nil {
		return false
	}
	newHw := p.local.LogEndOffset()
	for id := range p.isr {
		if id == p.localID {
			continue
		}
		follower, ok := p.remotes[id]
		if !ok {
			return false
		}
		leo := follower.LogEndOffset()
		if leo == unknownOffset {
			return false
		}
		if leo < newHw {
			newHw = leo
		}
	}
	if p.local.TrySetHighWatermark(newHw) {
		p.logger.Debug("advanced high watermark", "hw", newHw)
		return true
	}
	return false
}
