// =============================================================================
// REPLICA MANAGER - TOP-LEVEL REPLICATION COORDINATOR
// =============================================================================
//
// WHAT: Owns the partitions hosted on this broker, routes produce and fetch
// requests to their leaders, applies controller commands, tracks ISR
// changes for batched propagation and checkpoints high watermarks.
//
//   ┌─────────────────────────────────────────────────────────────────────┐
//   │                         REPLICA MANAGER                             │
//   │                                                                     │
//   │  partitions: "orders-0" → Partition{leader, epoch 7, ISR {a,b,c}}   │
//   │              "orders-1" → Partition{follower of b}                  │
//   │                                                                     │
//   │  produce ───► Partition.AppendToLeader ──► DelayedProduce (acks=-1) │
//   │  fetch   ───► Partition.ReadFromLocal  ──► DelayedFetch (minBytes)  │
//   │  LeaderAndIsr ─► makeLeaders / makeFollowers ─► fetcher manager     │
//   │                                                                     │
//   │  background: isr-expiration, isr-change-propagation,                │
//   │              highwatermark-checkpoint                               │
//   └─────────────────────────────────────────────────────────────────────┘
//
// LOCKING:
//   - stateChangeMu serialises controller-originated topology changes
//     (BecomeLeaderOrFollower, StopReplicas) and is held for the whole
//     command, including the log opens, truncations and deletions that
//     command performs; produce and fetch never take it
//   - the partitions table is a concurrent map: lock-free reads,
//     compare-and-insert materialisation
//   - hot paths (append, fetch, follower state updates) contend only on
//     the per-partition lock
//
// =============================================================================

package cluster

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/atomic"

	"logbroker/internal/config"
	"logbroker/internal/metrics"
	"logbroker/internal/storage"
)

// ReplicaManager coordinates replication for all partitions on this broker.
type ReplicaManager struct {
	localID NodeID
	cfg     config.ReplicationConfig

	// dataDirs hold partition logs; each has its own HW checkpoint file.
	dataDirs   []string
	storageCfg storage.LogConfig

	logger *slog.Logger

	// partitions maps "topic-partition" to its Partition.
	partitions cmap.ConcurrentMap[string, *Partition]

	// controllerEpoch guards all controller-originated mutations.
	controllerEpoch *atomic.Int64

	// stateChangeMu serialises controller commands against each other.
	// Held across the log I/O those commands perform.
	stateChangeMu sync.Mutex

	// isrChangeSet collects partitions whose ISR changed since the last
	// propagation; guarded by its own monitor.
	isrChangeMu  sync.Mutex
	isrChangeSet map[string]TopicPartition

	lastIsrChangeMs      *atomic.Int64
	lastIsrPropagationMs *atomic.Int64

	wheel            *TimerWheel
	producePurgatory *Purgatory
	fetchPurgatory   *Purgatory

	fetcherManager *ReplicaFetcherManager

	// checkpoints maps data directory to its checkpoint file.
	checkpoints map[string]*OffsetCheckpoint

	// checkpointedHw caches the checkpoint contents read at startup.
	checkpointedHw map[TopicPartition]int64

	coordination CoordinationStore
	metadata     *MetadataCache
	scheduler    *Scheduler
	metrics      *metrics.ReplicationMetrics

	hwCheckpointStarted *atomic.Bool
	shuttingDown        *atomic.Bool
}

// NewReplicaManager builds a replica manager. Startup must be called to
// begin background maintenance.
func NewReplicaManager(
	localID NodeID,
	cfg config.ReplicationConfig,
	storageCfg storage.LogConfig,
	dataDirs []string,
	coordination CoordinationStore,
	client *ReplicationClient,
	metadataCache *MetadataCache,
	sink *metrics.ReplicationMetrics,
	logger *slog.Logger,
) (*ReplicaManager, error) {
	rm := &ReplicaManager{
		localID:              localID,
		cfg:                  cfg,
		dataDirs:             dataDirs,
		storageCfg:           storageCfg,
		logger:               logger.With("component", "replica-manager", "node", localID),
		partitions:           cmap.New[*Partition](),
		controllerEpoch:      atomic.NewInt64(0),
		isrChangeSet:         make(map[string]TopicPartition),
		lastIsrChangeMs:      atomic.NewInt64(time.Now().UnixMilli()),
		lastIsrPropagationMs: atomic.NewInt64(time.Now().UnixMilli()),
		checkpoints:          make(map[string]*OffsetCheckpoint, len(dataDirs)),
		checkpointedHw:       make(map[TopicPartition]int64),
		coordination:         coordination,
		metadata:             metadataCache,
		metrics:              sink,
		hwCheckpointStarted:  atomic.NewBool(false),
		shuttingDown:         atomic.NewBool(false),
	}

	rm.wheel = NewTimerWheel()
	rm.producePurgatory = NewPurgatory("produce", rm.wheel, logger)
	rm.fetchPurgatory = NewPurgatory("fetch", rm.wheel, logger)
	rm.scheduler = NewScheduler(logger)
	rm.fetcherManager = NewReplicaFetcherManager(
		localID, cfg, client, metadataCache.AliveBroker, rm.partitionByTP, logger)

	for _, dir := range dataDirs {
		checkpoint := NewOffsetCheckpoint(dir)
		rm.checkpoints[dir] = checkpoint
		offsets, err := checkpoint.Read()
		if err != nil {
			return nil, fmt.Errorf("read checkpoint in %s: %w", dir, err)
		}
		for tp, hw := range offsets {
			rm.checkpointedHw[tp] = hw
		}
	}

	return rm, nil
}

// Startup begins the periodic ISR maintenance jobs. The HW checkpoint job
// starts on the first leadership transition instead.
func (rm *ReplicaManager) Startup() {
	rm.scheduler.Schedule("isr-expiration",
		time.Duration(rm.cfg.ReplicaLagTimeMaxMs)*time.Millisecond,
		rm.maybeShrinkIsr)
	rm.scheduler.Schedule("isr-change-propagation",
		time.Duration(rm.cfg.IsrChangeCheckIntervalMs)*time.Millisecond,
		rm.maybePropagateIsrChanges)
}

// Shutdown stops background work, drains the purgatories and, when
// checkpointHW is set, synchronously checkpoints high watermarks.
func (rm *ReplicaManager) Shutdown(checkpointHW bool) {
	rm.logger.Info("shutting down replica manager")
	rm.shuttingDown.Store(true)

	rm.scheduler.Stop()
	rm.fetcherManager.CloseAll()
	rm.producePurgatory.Shutdown()
	rm.fetchPurgatory.Shutdown()
	rm.wheel.Stop()

	if checkpointHW {
		rm.checkpointHighWatermarks()
	}

	for item := range rm.partitions.IterBuffered() {
		if local := item.Val.LocalReplica(); local != nil {
			local.Log().Close()
		}
	}
	rm.logger.Info("replica manager stopped")
}

// =============================================================================
// PARTITION TABLE
// =============================================================================

// partitionByTP returns the hosted partition, if any.
func (rm *ReplicaManager) partitionByTP(tp TopicPartition) (*Partition, bool) {
	return rm.partitions.Get(tp.String())
}

// getOrCreatePartition materialises a partition entry lazily.
func (rm *ReplicaManager) getOrCreatePartition(tp TopicPartition) *Partition {
	key := tp.String()
	if p, ok := rm.partitions.Get(key); ok {
		return p
	}
	fresh := NewPartition(tp, rm.localID, rm.cfg.MinInSyncReplicas, rm, rm.logger)
	rm.partitions.SetIfAbsent(key, fresh)
	// Another goroutine may have won the insert.
	p, _ := rm.partitions.Get(key)
	return p
}

// PartitionCount returns the number of hosted partitions.
func (rm *ReplicaManager) PartitionCount() int {
	return rm.partitions.Count()
}

// LeaderCount returns the number of partitions this broker leads.
func (rm *ReplicaManager) LeaderCount() int {
	count := 0
	for item := range rm.partitions.IterBuffered() {
		if item.Val.IsLeader() {
			count++
		}
	}
	return count
}

// dirFor spreads partitions across the data directories by stable hash.
func (rm *ReplicaManager) dirFor(tp TopicPartition) string {
	h := fnv.New32a()
	h.Write([]byte(tp.String()))
	return rm.dataDirs[int(h.Sum32())%len(rm.dataDirs)]
}

// =============================================================================
// PARTITION HOOKS
// =============================================================================

// Now implements PartitionHooks.
func (rm *ReplicaManager) Now() time.Time { return time.Now() }

// LogFor implements PartitionHooks: opens or creates the partition's log in
// its data directory.
func (rm *ReplicaManager) LogFor(tp TopicPartition) (*storage.Log, error) {
	dir := filepath.Join(rm.dirFor(tp), tp.String())
	log, err := storage.LoadLog(dir, rm.storageCfg)
	if err != nil {
		return nil, fmt.Errorf("open log for %s: %w", tp, err)
	}
	return log, nil
}

// CheckpointedHighWatermark implements PartitionHooks.
func (rm *ReplicaManager) CheckpointedHighWatermark(tp TopicPartition) int64 {
	if hw, ok := rm.checkpointedHw[tp]; ok {
		return hw
	}
	return 0
}

// PersistIsr implements PartitionHooks.
func (rm *ReplicaManager) PersistIsr(tp TopicPartition, state IsrState) (int, error) {
	return rm.coordination.UpdatePartitionState(tp, state)
}

// RecordIsrChange implements PartitionHooks.
func (rm *ReplicaManager) RecordIsrChange(tp TopicPartition) {
	rm.isrChangeMu.Lock()
	rm.isrChangeSet[tp.String()] = tp
	rm.isrChangeMu.Unlock()
	rm.lastIsrChangeMs.Store(time.Now().UnixMilli())
}

// CompleteDelayedRequests implements PartitionHooks: pokes both purgatories
// for a partition whose state progressed.
func (rm *ReplicaManager) CompleteDelayedRequests(tp TopicPartition) {
	rm.producePurgatory.CheckAndComplete(tp)
	rm.fetchPurgatory.CheckAndComplete(tp)
	rm.updatePurgatoryGauges()
}

func (rm *ReplicaManager) updatePurgatoryGauges() {
	if rm.metrics == nil {
		return
	}
	rm.metrics.DelayedProduceOps.Set(float64(rm.producePurgatory.Pending()))
	rm.metrics.DelayedFetchOps.Set(float64(rm.fetchPurgatory.Pending()))
}

// =============================================================================
// PRODUCE PATH
// =============================================================================

// AppendMessages appends records to the leader replicas of the given
// partitions. respond is invoked exactly once, immediately unless acks=all
// requires waiting for the high watermark.
func (rm *ReplicaManager) AppendMessages(
	timeoutMs int64,
	requiredAcks int,
	internalTopicsAllowed bool,
	entries map[TopicPartition][]storage.Record,
	respond func(map[string]ProducePartitionResponse),
) {
	if !ValidRequiredAcks(requiredAcks) {
		out := make(map[string]ProducePartitionResponse, len(entries))
		for tp := range entries {
			out[tp.String()] = ProducePartitionResponse{ErrorCode: ErrInvalidRequiredAcks, BaseOffset: -1}
		}
		if rm.metrics != nil {
			rm.metrics.ProduceRequests.WithLabelValues("error").Inc()
		}
		respond(out)
		return
	}

	results := make(map[TopicPartition]ProducePartitionResponse, len(entries))
	requiredOffsets := make(map[TopicPartition]int64)
	anyRecords := false
	anySuccess := false

	for tp, records := range entries {
		if len(records) > 0 {
			anyRecords = true
		}
		code := rm.appendToPartition(tp, records, requiredAcks, internalTopicsAllowed, results, requiredOffsets)
		if code == ErrNone {
			anySuccess = true
			// Fresh data may satisfy delayed fetches on this partition.
			rm.fetchPurgatory.CheckAndComplete(tp)
		}
	}
	rm.updatePurgatoryGauges()

	if rm.metrics != nil {
		outcome := "ok"
		if !anySuccess && anyRecords {
			outcome = "error"
		}
		rm.metrics.ProduceRequests.WithLabelValues(outcome).Inc()
	}

	if requiredAcks == AckAll && anyRecords && anySuccess {
		op := NewDelayedProduce(results, rm.partitionByTP, respond)
		for tp, offset := range requiredOffsets {
			op.SetRequiredOffset(tp, offset)
		}
		keys := make([]TopicPartition, 0, len(entries))
		for tp := range entries {
			keys = append(keys, tp)
		}
		rm.producePurgatory.TryCompleteElseWatch(op, keys, time.Duration(timeoutMs)*time.Millisecond)
		rm.updatePurgatoryGauges()
		return
	}

	out := make(map[string]ProducePartitionResponse, len(results))
	for tp, res := range results {
		out[tp.String()] = res
	}
	respond(out)
}

// appendToPartition runs one partition's slice of a produce request and
// records its outcome. Returns the partition's error code.
func (rm *ReplicaManager) appendToPartition(
	tp TopicPartition,
	records []storage.Record,
	requiredAcks int,
	internalTopicsAllowed bool,
	results map[TopicPartition]ProducePartitionResponse,
	requiredOffsets map[TopicPartition]int64,
) ErrorCode {
	fail := func(code ErrorCode) ErrorCode {
		results[tp] = ProducePartitionResponse{ErrorCode: code, BaseOffset: -1}
		return code
	}

	if tp.IsInternal() && !internalTopicsAllowed {
		return fail(ErrInvalidTopic)
	}
	partition, ok := rm.partitionByTP(tp)
	if !ok {
		return fail(ErrUnknownTopicOrPartition)
	}
	if len(records) == 0 {
		results[tp] = ProducePartitionResponse{ErrorCode: ErrNone, BaseOffset: -1}
		return ErrNone
	}

	info, err := partition.AppendToLeader(records, requiredAcks)
	if err != nil {
		if isStorageFatal(err) {
			fatalStorageFailure(rm.logger, "append failed", "partition", tp, "error", err)
		}
		code := CodeFor(err)
		if code == ErrUnknownServer {
			rm.logger.Error("unclassified append failure", "partition", tp, "error", err)
		}
		return fail(code)
	}

	results[tp] = ProducePartitionResponse{
		ErrorCode:  ErrNone,
		BaseOffset: info.FirstOffset,
		Timestamp:  info.Timestamp,
	}
	requiredOffsets[tp] = info.LastOffset + 1
	return ErrNone
}

// =============================================================================
// FETCH PATH
// =============================================================================

// FetchMessages reads records for a consumer or follower. respond is
// invoked exactly once, immediately unless minBytes requires waiting.
func (rm *ReplicaManager) FetchMessages(
	timeoutMs int64,
	replicaID NodeID,
	minBytes int,
	partitions []FetchPartition,
	respond func([]FetchPartitionResponse),
) {
	fromFollower := isFollowerID(replicaID)

	if rm.metrics != nil {
		origin := "consumer"
		if fromFollower {
			origin = "follower"
		}
		rm.metrics.FetchRequests.WithLabelValues(origin).Inc()
	}

	responses, statuses := rm.readFromLocalLogs(replicaID, partitions)

	// A follower fetch doubles as a progress report: its fetch offset is
	// its LEO, which may expand the ISR and advance the HW.
	if fromFollower {
		for i := range partitions {
			if responses[i].ErrorCode != ErrNone {
				continue
			}
			tp := partitions[i].TopicPartition()
			if partition, ok := rm.partitionByTP(tp); ok {
				expanded := partition.UpdateFollowerFetchState(replicaID, partitions[i].FetchOffset, responses[i].LogEndOffset)
				if expanded && rm.metrics != nil {
					rm.metrics.IsrExpands.Inc()
				}
			}
			rm.producePurgatory.CheckAndComplete(tp)
		}
		rm.updatePurgatoryGauges()
	}

	bytesReadable := 0
	anyError := false
	for i := range responses {
		if responses[i].ErrorCode != ErrNone {
			anyError = true
			continue
		}
		for j := range responses[i].Records {
			bytesReadable += responses[i].Records[j].EncodedLen()
		}
	}

	if timeoutMs <= 0 || len(partitions) == 0 || bytesReadable >= minBytes || anyError {
		respond(responses)
		return
	}

	op := NewDelayedFetch(replicaID, minBytes, statuses, rm.partitionByTP, rm.readOnly, respond)
	keys := make([]TopicPartition, 0, len(partitions))
	for i := range partitions {
		keys = append(keys, partitions[i].TopicPartition())
	}
	rm.fetchPurgatory.TryCompleteElseWatch(op, keys, time.Duration(timeoutMs)*time.Millisecond)
	rm.updatePurgatoryGauges()
}

// readOnly is the delayed fetch's completion read: same as the initial read
// but without the wait-state bookkeeping.
func (rm *ReplicaManager) readOnly(replicaID NodeID, partitions []FetchPartition) []FetchPartitionResponse {
	responses, _ := rm.readFromLocalLogs(replicaID, partitions)
	return responses
}

// readFromLocalLogs performs the local reads for a fetch, in request order.
// Consumers are confined to committed records (reads capped at the HW).
func (rm *ReplicaManager) readFromLocalLogs(replicaID NodeID, partitions []FetchPartition) ([]FetchPartitionResponse, []fetchPartitionStatus) {
	fromFollower := isFollowerID(replicaID)
	leaderOnly := replicaID != DebugReplicaID

	responses := make([]FetchPartitionResponse, len(partitions))
	statuses := make([]fetchPartitionStatus, len(partitions))

	for i, fp := range partitions {
		tp := fp.TopicPartition()
		responses[i] = FetchPartitionResponse{Topic: fp.Topic, Partition: fp.Partition}
		statuses[i] = fetchPartitionStatus{request: fp}

		partition, ok := rm.partitionByTP(tp)
		if !ok {
			responses[i].ErrorCode = ErrUnknownTopicOrPartition
			continue
		}
		if replicaID == DebugReplicaID {
			partition.NoteDebugFetch()
		}

		maxOffset := int64(-1)
		if !fromFollower && leaderOnly {
			// Consumers read committed records only.
			maxOffset = partition.HighWatermark()
		}

		info, err := partition.ReadFromLocal(fp.FetchOffset, fp.MaxBytes, maxOffset, leaderOnly)
		if err != nil {
			if isStorageFatal(err) {
				fatalStorageFailure(rm.logger, "read failed", "partition", tp, "error", err)
			}
			code := CodeFor(err)
			if code == ErrUnknownServer {
				rm.logger.Error("unclassified read failure", "partition", tp, "error", err)
			}
			responses[i].ErrorCode = code
			continue
		}

		responses[i].HighWatermark = info.HighWatermark
		responses[i].LogEndOffset = info.LogEndOffset
		responses[i].Records = info.Records
		statuses[i].segmentBase = info.ActiveSegmentBase
	}
	return responses, statuses
}

// =============================================================================
// CONTROLLER COMMANDS
// =============================================================================

// BecomeLeaderOrFollower applies a LeaderAndIsr request from the controller.
func (rm *ReplicaManager) BecomeLeaderOrFollower(
	req *LeaderAndIsrRequest,
	onLeadershipChange func(newLeaders, newFollowers []*Partition),
) *LeaderAndIsrResponse {
	rm.stateChangeMu.Lock()
	defer rm.stateChangeMu.Unlock()

	if req.ControllerEpoch < rm.controllerEpoch.Load() {
		rm.logger.Warn("rejecting LeaderAndIsr from stale controller",
			"request_epoch", req.ControllerEpoch,
			"current_epoch", rm.controllerEpoch.Load(),
			"controller", req.ControllerID)
		return &LeaderAndIsrResponse{
			ErrorCode:  ErrStaleControllerEpoch,
			Partitions: map[string]ErrorCode{},
		}
	}
	rm.controllerEpoch.Store(req.ControllerEpoch)
	rm.metadata.AddBrokers(req.LiveLeaders)

	responses := make(map[string]ErrorCode, len(req.Partitions))
	var leaderStates, followerStates []PartitionState

	for _, ps := range req.Partitions {
		tp := ps.TopicPartition()
		partition := rm.getOrCreatePartition(tp)

		switch {
		case partition.LeaderEpoch() >= ps.LeaderEpoch:
			rm.logger.Warn("ignoring stale leader epoch",
				"partition", tp,
				"request_epoch", ps.LeaderEpoch,
				"current_epoch", partition.LeaderEpoch())
			responses[tp.String()] = ErrStaleLeaderEpoch
		case !ps.HasReplica(rm.localID):
			rm.logger.Warn("not in assigned replicas", "partition", tp, "replicas", ps.Replicas)
			responses[tp.String()] = ErrUnknownTopicOrPartition
		case ps.Leader == rm.localID:
			leaderStates = append(leaderStates, ps)
		default:
			followerStates = append(followerStates, ps)
		}
	}

	newLeaders := rm.makeLeaders(leaderStates, responses)
	newFollowers := rm.makeFollowers(followerStates, responses)

	// The checkpoint task starts once the broker hosts its first replica;
	// before that there is nothing to checkpoint.
	if (len(newLeaders) > 0 || len(newFollowers) > 0) && rm.hwCheckpointStarted.CompareAndSwap(false, true) {
		rm.scheduler.Schedule("highwatermark-checkpoint",
			time.Duration(rm.cfg.HighWatermarkCheckpointIntervalMs)*time.Millisecond,
			rm.checkpointHighWatermarks)
	}

	rm.fetcherManager.ShutdownIdleFetchers()
	rm.updateReplicationGauges()

	if onLeadershipChange != nil {
		onLeadershipChange(newLeaders, newFollowers)
	}

	return &LeaderAndIsrResponse{ErrorCode: ErrNone, Partitions: responses}
}

// makeLeaders promotes partitions to leader: their fetchers stop first, then
// each partition rebuilds its leader state.
func (rm *ReplicaManager) makeLeaders(states []PartitionState, responses map[string]ErrorCode) []*Partition {
	if len(states) == 0 {
		return nil
	}

	tps := make([]TopicPartition, 0, len(states))
	for i := range states {
		tps = append(tps, states[i].TopicPartition())
	}
	rm.fetcherManager.RemovePartitions(tps)

	var promoted []*Partition
	for i := range states {
		tp := states[i].TopicPartition()
		partition, _ := rm.partitionByTP(tp)

		if _, err := partition.MakeLeader(states[i]); err != nil {
			if isStorageFatal(err) {
				fatalStorageFailure(rm.logger, "make-leader failed", "partition", tp, "error", err)
			}
			rm.logger.Error("make-leader failed", "partition", tp, "error", err)
			responses[tp.String()] = CodeFor(err)
			continue
		}
		responses[tp.String()] = ErrNone
		promoted = append(promoted, partition)
	}
	return promoted
}

// makeFollowers demotes partitions to follower. Ordering is the durability
// contract: stop fetchers, change mode, truncate to HW, fail local waiters,
// then start fetching from the new leader.
func (rm *ReplicaManager) makeFollowers(states []PartitionState, responses map[string]ErrorCode) []*Partition {
	if len(states) == 0 {
		return nil
	}

	tps := make([]TopicPartition, 0, len(states))
	for i := range states {
		tps = append(tps, states[i].TopicPartition())
	}
	rm.fetcherManager.RemovePartitions(tps)

	var demoted []*Partition
	byLeader := make(map[NodeID][]TopicPartition)

	for i := range states {
		tp := states[i].TopicPartition()
		partition, _ := rm.partitionByTP(tp)

		if _, err := partition.MakeFollower(states[i]); err != nil {
			if isStorageFatal(err) {
				fatalStorageFailure(rm.logger, "make-follower failed", "partition", tp, "error", err)
			}
			rm.logger.Error("make-follower failed", "partition", tp, "error", err)
			responses[tp.String()] = CodeFor(err)
			continue
		}

		// Never retain an uncommitted suffix across a leadership change.
		if err := partition.TruncateToHighWatermark(); err != nil {
			fatalStorageFailure(rm.logger, "truncate on demotion failed", "partition", tp, "error", err)
			responses[tp.String()] = CodeFor(err)
			continue
		}

		// Anything delayed on this partition can no longer progress here.
		rm.CompleteDelayedRequests(tp)

		responses[tp.String()] = ErrNone
		demoted = append(demoted, partition)

		leader := states[i].Leader
		if _, alive := rm.metadata.AliveBroker(leader); !alive {
			// Leader not known alive yet: local replica and checkpoint are
			// kept, but no fetcher is added here, and UpdateMetadata does
			// not add one later.
			rm.logger.Warn("new leader not known alive; deferring fetcher",
				"partition", tp, "leader", leader)
			continue
		}
		byLeader[leader] = append(byLeader[leader], tp)
	}

	if !rm.shuttingDown.Load() {
		for leader, grouped := range byLeader {
			rm.fetcherManager.AddPartitions(grouped, leader)
		}
	}
	return demoted
}

// StopReplicas applies a StopReplica request from the controller.
func (rm *ReplicaManager) StopReplicas(req *StopReplicaRequest) *StopReplicaResponse {
	rm.stateChangeMu.Lock()
	defer rm.stateChangeMu.Unlock()

	if req.ControllerEpoch < rm.controllerEpoch.Load() {
		rm.logger.Warn("rejecting StopReplica from stale controller",
			"request_epoch", req.ControllerEpoch,
			"current_epoch", rm.controllerEpoch.Load())
		return &StopReplicaResponse{
			ErrorCode:  ErrStaleControllerEpoch,
			Partitions: map[string]ErrorCode{},
		}
	}
	rm.controllerEpoch.Store(req.ControllerEpoch)

	responses := make(map[string]ErrorCode, len(req.Partitions))
	rm.fetcherManager.RemovePartitions(req.Partitions)

	for _, tp := range req.Partitions {
		responses[tp.String()] = rm.stopReplica(tp, req.DeletePartitions)
	}

	rm.fetcherManager.ShutdownIdleFetchers()
	rm.updateReplicationGauges()
	return &StopReplicaResponse{ErrorCode: ErrNone, Partitions: responses}
}

// stopReplica stops one partition, optionally deleting its log.
func (rm *ReplicaManager) stopReplica(tp TopicPartition, deletePartition bool) ErrorCode {
	partition, ok := rm.partitionByTP(tp)
	if !ok {
		// Already gone; stopping is idempotent.
		return ErrNone
	}

	if deletePartition {
		rm.partitions.Remove(tp.String())
		// Demoted before delete so delayed operations fail with
		// NotLeaderForPartition rather than observing a half-deleted log.
		partition.MarkOffline()
		rm.CompleteDelayedRequests(tp)
		if err := partition.Delete(); err != nil {
			rm.logger.Error("delete partition failed", "partition", tp, "error", err)
			return CodeFor(err)
		}
		rm.logger.Info("stopped and deleted replica", "partition", tp)
		return ErrNone
	}

	partition.MarkOffline()
	rm.CompleteDelayedRequests(tp)
	rm.logger.Info("stopped replica", "partition", tp)
	return ErrNone
}

// UpdateMetadata applies an UpdateMetadata request from the controller.
func (rm *ReplicaManager) UpdateMetadata(req *UpdateMetadataRequest) *UpdateMetadataResponse {
	rm.stateChangeMu.Lock()
	defer rm.stateChangeMu.Unlock()

	if req.ControllerEpoch < rm.controllerEpoch.Load() {
		return &UpdateMetadataResponse{ErrorCode: ErrStaleControllerEpoch}
	}
	rm.controllerEpoch.Store(req.ControllerEpoch)
	rm.metadata.Update(req)
	return &UpdateMetadataResponse{ErrorCode: ErrNone}
}

// ControllerEpoch returns the highest controller epoch observed.
func (rm *ReplicaManager) ControllerEpoch() int64 {
	return rm.controllerEpoch.Load()
}

// =============================================================================
// BACKGROUND MAINTENANCE
// =============================================================================

// maybeShrinkIsr evicts followers that stopped catching up, partition by
// partition.
func (rm *ReplicaManager) maybeShrinkIsr() {
	for item := range rm.partitions.IterBuffered() {
		removed := item.Val.MaybeShrinkIsr(rm.cfg.ReplicaLagTimeMaxMs)
		if len(removed) > 0 && rm.metrics != nil {
			rm.metrics.IsrShrinks.Add(float64(len(removed)))
		}
	}
	rm.updateReplicationGauges()
}

// maybePropagateIsrChanges flushes the pending ISR-change set when it has
// settled (no change inside the blackout window) or when the maximum delay
// has passed since the last propagation.
func (rm *ReplicaManager) maybePropagateIsrChanges() {
	now := time.Now().UnixMilli()

	rm.isrChangeMu.Lock()
	if len(rm.isrChangeSet) == 0 {
		rm.isrChangeMu.Unlock()
		return
	}
	settled := rm.lastIsrChangeMs.Load()+rm.cfg.IsrChangeBlackoutMs < now
	overdue := rm.lastIsrPropagationMs.Load()+rm.cfg.IsrChangeMaxDelayMs < now
	if !settled && !overdue {
		rm.isrChangeMu.Unlock()
		return
	}
	batch := make([]TopicPartition, 0, len(rm.isrChangeSet))
	for _, tp := range rm.isrChangeSet {
		batch = append(batch, tp)
	}
	rm.isrChangeSet = make(map[string]TopicPartition)
	rm.isrChangeMu.Unlock()

	if err := rm.coordination.NotifyIsrChange(batch); err != nil {
		rm.logger.Warn("ISR propagation failed; will retry", "error", err, "partitions", len(batch))
		rm.isrChangeMu.Lock()
		for _, tp := range batch {
			rm.isrChangeSet[tp.String()] = tp
		}
		rm.isrChangeMu.Unlock()
		return
	}

	rm.lastIsrPropagationMs.Store(now)
	if rm.metrics != nil {
		rm.metrics.IsrPropagations.Inc()
	}
	rm.logger.Info("propagated ISR changes", "partitions", len(batch))
}

// checkpointHighWatermarks writes every local replica's HW to its data
// directory's checkpoint file. A failed checkpoint halts the broker: after
// a restart it would otherwise expose uncommitted offsets as committed.
func (rm *ReplicaManager) checkpointHighWatermarks() {
	start := time.Now()

	perDir := make(map[string]map[TopicPartition]int64, len(rm.dataDirs))
	for _, dir := range rm.dataDirs {
		perDir[dir] = make(map[TopicPartition]int64)
	}

	for item := range rm.partitions.IterBuffered() {
		partition := item.Val
		local := partition.LocalReplica()
		if local == nil {
			continue
		}
		perDir[rm.dirFor(partition.TP)][partition.TP] = local.HighWatermark()
	}

	for dir, offsets := range perDir {
		if err := rm.checkpoints[dir].Write(offsets); err != nil {
			fatalStorageFailure(rm.logger, "high watermark checkpoint failed", "dir", dir, "error", err)
			return
		}
	}

	if rm.metrics != nil {
		rm.metrics.HwCheckpointDuration.Observe(time.Since(start).Seconds())
	}
}

// updateReplicationGauges refreshes the partition-level gauges.
func (rm *ReplicaManager) updateReplicationGauges() {
	if rm.metrics == nil {
		return
	}
	partitionCount := 0
	leaderCount := 0
	underReplicated := 0
	for item := range rm.partitions.IterBuffered() {
		partitionCount++
		partition := item.Val
		if !partition.IsLeader() {
			continue
		}
		leaderCount++
		if partition.InSyncSize() < len(partition.AssignedReplicas()) {
			underReplicated++
		}
	}
	rm.metrics.PartitionCount.Set(float64(partitionCount))
	rm.metrics.LeaderCount.Set(float64(leaderCount))
	rm.metrics.UnderReplicatedPartitions.Set(float64(underReplicated))
}
