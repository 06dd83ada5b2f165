// =============================================================================
// REPLICA FETCHERS - BACKGROUND REPLICATION FROM PARTITION LEADERS
// =============================================================================
//
// WHAT: One fetch loop per upstream leader. The manager assigns partitions
// to the fetcher for their leader; the loop batches them into one fetch
// request per round, appends the returned records to the local logs and
// mirrors the leader's high watermark.
//
// FLOW (per round):
//
//   1. snapshot assigned partitions and their local LEOs
//   2. POST /replication/fetch to the leader
//   3. per partition: append records, mirror HW, or handle the error
//   4. sleep the fetch interval when nothing came back
//
// ERROR HANDLING:
//   - transport error: exponential backoff (100ms doubling, max 5s)
//   - NotLeader / StaleLeaderEpoch: drop the partition; the controller's
//     next LeaderAndIsr will re-route it
//   - OffsetOutOfRange with local LEO ahead of the leader's: truncate to
//     the leader's LEO and retry
//
// =============================================================================

package cluster

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"logbroker/internal/config"
)

// ReplicaFetcherManager owns the follower fetch loops, one per leader.
type ReplicaFetcherManager struct {
	localID NodeID
	cfg     config.ReplicationConfig
	client  *ReplicationClient

	// resolve maps a broker id to its endpoint (metadata cache).
	resolve func(NodeID) (BrokerEndpoint, bool)

	// lookup resolves a partition at fetch time.
	lookup func(TopicPartition) (*Partition, bool)

	logger *slog.Logger

	mu       sync.Mutex
	fetchers map[NodeID]*replicaFetcher
}

// NewReplicaFetcherManager creates an empty fetcher manager.
func NewReplicaFetcherManager(
	localID NodeID,
	cfg config.ReplicationConfig,
	client *ReplicationClient,
	resolve func(NodeID) (BrokerEndpoint, bool),
	lookup func(TopicPartition) (*Partition, bool),
	logger *slog.Logger,
) *ReplicaFetcherManager {
	return &ReplicaFetcherManager{
		localID:  localID,
		cfg:      cfg,
		client:   client,
		resolve:  resolve,
		lookup:   lookup,
		logger:   logger.With("component", "fetcher-manager"),
		fetchers: make(map[NodeID]*replicaFetcher),
	}
}

// AddPartitions routes partitions to the fetcher for their leader, starting
// one if needed. Partitions already routed elsewhere must be removed first.
func (m *ReplicaFetcherManager) AddPartitions(partitions []TopicPartition, leader NodeID) {
	endpoint, ok := m.resolve(leader)
	if !ok {
		m.logger.Warn("no endpoint for leader; partitions not fetched yet",
			"leader", leader, "partitions", len(partitions))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fetcher, ok := m.fetchers[leader]
	if !ok {
		fetcher = newReplicaFetcher(m.localID, leader, endpoint.Addr, m.cfg, m.client, m.lookup, m.logger)
		m.fetchers[leader] = fetcher
		fetcher.start()
	}
	fetcher.addPartitions(partitions)
}

// RemovePartitions detaches partitions from whichever fetchers hold them.
func (m *ReplicaFetcherManager) RemovePartitions(partitions []TopicPartition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fetcher := range m.fetchers {
		fetcher.removePartitions(partitions)
	}
}

// ShutdownIdleFetchers stops loops with no partitions left.
func (m *ReplicaFetcherManager) ShutdownIdleFetchers() {
	m.mu.Lock()
	var idle []*replicaFetcher
	for leader, fetcher := range m.fetchers {
		if fetcher.partitionCount() == 0 {
			idle = append(idle, fetcher)
			delete(m.fetchers, leader)
		}
	}
	m.mu.Unlock()

	for _, fetcher := range idle {
		fetcher.stop()
	}
}

// CloseAll stops every fetch loop.
func (m *ReplicaFetcherManager) CloseAll() {
	m.mu.Lock()
	all := make([]*replicaFetcher, 0, len(m.fetchers))
	for _, fetcher := range m.fetchers {
		all = append(all, fetcher)
	}
	m.fetchers = make(map[NodeID]*replicaFetcher)
	m.mu.Unlock()

	for _, fetcher := range all {
		fetcher.stop()
	}
}

// =============================================================================
// FETCH LOOP
// =============================================================================

// replicaFetcher replicates a set of partitions from one leader.
type replicaFetcher struct {
	localID    NodeID
	leaderID   NodeID
	leaderAddr string

	cfg    config.ReplicationConfig
	client *ReplicationClient
	lookup func(TopicPartition) (*Partition, bool)
	logger *slog.Logger

	mu         sync.Mutex
	partitions map[string]TopicPartition

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	consecutiveErrors int
}

func newReplicaFetcher(
	localID, leaderID NodeID,
	leaderAddr string,
	cfg config.ReplicationConfig,
	client *ReplicationClient,
	lookup func(TopicPartition) (*Partition, bool),
	logger *slog.Logger,
) *replicaFetcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &replicaFetcher{
		localID:    localID,
		leaderID:   leaderID,
		leaderAddr: leaderAddr,
		cfg:        cfg,
		client:     client,
		lookup:     lookup,
		logger: logger.With(
			"component", "replica-fetcher",
			"leader", leaderID,
		),
		partitions: make(map[string]TopicPartition),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (f *replicaFetcher) start() {
	f.logger.Info("starting replica fetcher", "leader_addr", f.leaderAddr)
	f.wg.Add(1)
	go f.loop()
}

func (f *replicaFetcher) stop() {
	f.cancel()
	f.wg.Wait()
	f.logger.Info("replica fetcher stopped")
}

func (f *replicaFetcher) addPartitions(partitions []TopicPartition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tp := range partitions {
		f.partitions[tp.String()] = tp
	}
}

func (f *replicaFetcher) removePartitions(partitions []TopicPartition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tp := range partitions {
		delete(f.partitions, tp.String())
	}
}

func (f *replicaFetcher) partitionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.partitions)
}

func (f *replicaFetcher) loop() {
	defer f.wg.Done()

	interval := time.Duration(f.cfg.FetchIntervalMs) * time.Millisecond
	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		fetched := f.doFetch()

		if !fetched {
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}
}

// doFetch runs one fetch round. Returns true when records were appended, so
// the loop skips its idle sleep and keeps draining.
func (f *replicaFetcher) doFetch() bool {
	targets := f.snapshotTargets()
	if len(targets) == 0 {
		return false
	}

	req := &FetchRequest{
		ReplicaID:  f.localID,
		MaxWaitMs:  f.cfg.FetchMaxWaitMs,
		MinBytes:   f.cfg.FetchMinBytes,
		Partitions: targets,
	}

	resp, err := f.client.Fetch(f.ctx, f.leaderAddr, req)
	if err != nil {
		if f.ctx.Err() != nil {
			return false
		}
		f.consecutiveErrors++
		backoff := f.backoff()
		f.logger.Warn("fetch failed, backing off",
			"error", err,
			"consecutive_errors", f.consecutiveErrors,
			"backoff_ms", backoff.Milliseconds())
		select {
		case <-f.ctx.Done():
		case <-time.After(backoff):
		}
		return false
	}
	f.consecutiveErrors = 0

	progressed := false
	for i := range resp.Partitions {
		if f.handlePartitionResponse(&resp.Partitions[i]) {
			progressed = true
		}
	}
	return progressed
}

// snapshotTargets builds the per-partition fetch slices from current LEOs,
// in a stable order.
func (f *replicaFetcher) snapshotTargets() []FetchPartition {
	f.mu.Lock()
	tps := make([]TopicPartition, 0, len(f.partitions))
	for _, tp := range f.partitions {
		tps = append(tps, tp)
	}
	f.mu.Unlock()

	sort.Slice(tps, func(i, j int) bool {
		if tps[i].Topic != tps[j].Topic {
			return tps[i].Topic < tps[j].Topic
		}
		return tps[i].Partition < tps[j].Partition
	})

	targets := make([]FetchPartition, 0, len(tps))
	for _, tp := range tps {
		partition, ok := f.lookup(tp)
		if !ok {
			continue
		}
		leo := partition.LogEndOffset()
		if leo == unknownOffset {
			continue
		}
		targets = append(targets, FetchPartition{
			Topic:       tp.Topic,
			Partition:   tp.Partition,
			FetchOffset: leo,
			MaxBytes:    f.cfg.FetchMaxBytes,
		})
	}
	return targets
}

// handlePartitionResponse applies one partition's fetch result. Returns
// true when records were appended.
func (f *replicaFetcher) handlePartitionResponse(pr *FetchPartitionResponse) bool {
	tp := pr.TopicPartition()
	partition, ok := f.lookup(tp)
	if !ok {
		return false
	}

	switch pr.ErrorCode {
	case ErrNone:
		if err := partition.AppendAsFollower(pr.Records, pr.HighWatermark); err != nil {
			f.logger.Error("follower append failed", "partition", tp, "error", err)
			return false
		}
		return len(pr.Records) > 0

	case ErrNotLeaderForPartition, ErrStaleLeaderEpoch, ErrUnknownTopicOrPartition:
		// The leader moved on; drop the partition and let the next
		// LeaderAndIsr re-route it.
		f.logger.Warn("leader rejected fetch, dropping partition",
			"partition", tp, "code", pr.ErrorCode)
		f.removePartitions([]TopicPartition{tp})
		return false

	case ErrOffsetOutOfRange:
		leo := partition.LogEndOffset()
		if leo > pr.LogEndOffset {
			// Local log ran ahead of the new leader: cut back to its LEO.
			f.logger.Warn("local log ahead of leader, truncating",
				"partition", tp, "local_leo", leo, "leader_leo", pr.LogEndOffset)
			local := partition.LocalReplica()
			if local != nil {
				if err := local.Log().TruncateTo(pr.LogEndOffset); err != nil {
					f.logger.Error("truncate to leader LEO failed", "partition", tp, "error", err)
				}
			}
			return false
		}
		// Behind the leader's retained range; cannot recover by fetching.
		f.logger.Error("fetch offset below leader log start, dropping partition",
			"partition", tp, "local_leo", leo, "leader_leo", pr.LogEndOffset)
		f.removePartitions([]TopicPartition{tp})
		return false

	default:
		f.logger.Warn("fetch partition error", "partition", tp, "code", pr.ErrorCode)
		return false
	}
}

// backoff doubles from 100ms per consecutive error, capped at 5s.
func (f *replicaFetcher) backoff() time.Duration {
	backoffMs := 100 << (f.consecutiveErrors - 1)
	if backoffMs > 5000 || backoffMs <= 0 {
		backoffMs = 5000
	}
	return time.Duration(backoffMs) * time.Millisecond
}
