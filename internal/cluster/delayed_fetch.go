// =============================================================================
// DELAYED FETCH - WAITING FOR MIN BYTES
// =============================================================================
//
// WHAT: A fetch that found fewer than minBytes of readable data waits in
// the fetch purgatory, keyed by every requested partition. It completes as
// soon as enough bytes accumulate or further waiting is futile:
//
//   - leadership moved away from this broker
//   - the fetch offset fell out of the log's range (truncation)
//   - the segment holding the fetch offset rolled
//   - accumulated readable bytes reached minBytes
//   - the timeout elapsed
//
// Completion re-reads the log so the response carries the freshest data.
//
// =============================================================================

package cluster

// fetchPartitionStatus is one partition's wait state inside a delayed fetch.
type fetchPartitionStatus struct {
	// request is the original per-partition fetch slice.
	request FetchPartition

	// segmentBase is the active segment's base offset at enqueue time;
	// a change means the segment rolled.
	segmentBase int64
}

// DelayedFetch waits for minBytes of readable data.
type DelayedFetch struct {
	completable

	// replicaID identifies the fetcher (empty = consumer).
	replicaID NodeID

	// minBytes is the accumulation target.
	minBytes int

	// statuses holds the per-partition wait state, in request order.
	statuses []fetchPartitionStatus

	// lookup resolves partitions at completion-check time.
	lookup func(TopicPartition) (*Partition, bool)

	// read performs the final reads on completion.
	read func(replicaID NodeID, partitions []FetchPartition) []FetchPartitionResponse

	// respond delivers the final responses. Called exactly once.
	respond func([]FetchPartitionResponse)
}

// NewDelayedFetch builds the operation from the initial read outcomes.
func NewDelayedFetch(
	replicaID NodeID,
	minBytes int,
	statuses []fetchPartitionStatus,
	lookup func(TopicPartition) (*Partition, bool),
	read func(NodeID, []FetchPartition) []FetchPartitionResponse,
	respond func([]FetchPartitionResponse),
) *DelayedFetch {
	return &DelayedFetch{
		replicaID: replicaID,
		minBytes:  minBytes,
		statuses:  statuses,
		lookup:    lookup,
		read:      read,
		respond:   respond,
	}
}

// TryComplete implements DelayedOperation.
func (d *DelayedFetch) TryComplete() bool {
	fromFollower := isFollowerID(d.replicaID)

	accumulated := int64(0)
	for _, st := range d.statuses {
		tp := st.request.TopicPartition()
		partition, ok := d.lookup(tp)
		if !ok {
			// Partition went away: respond now with the per-partition error.
			return d.ForceComplete()
		}
		if d.replicaID != DebugReplicaID && !partition.IsLeader() {
			return d.ForceComplete()
		}

		local := partition.LocalReplica()
		if local == nil {
			return d.ForceComplete()
		}
		log := local.Log()

		// Consumers wait on committed data only; followers on the LEO.
		bound := local.HighWatermark()
		if fromFollower || d.replicaID == DebugReplicaID {
			bound = log.LogEndOffset()
		}

		switch {
		case st.request.FetchOffset > bound:
			// Truncated past the fetch offset, or offset beyond the log.
			return d.ForceComplete()
		case st.request.FetchOffset < log.StartOffset():
			return d.ForceComplete()
		case log.ActiveSegmentBaseOffset() != st.segmentBase:
			// The segment holding the fetch position rolled.
			return d.ForceComplete()
		default:
			accumulated += log.BytesAvailable(st.request.FetchOffset, bound)
		}
	}

	if accumulated >= int64(d.minBytes) {
		return d.ForceComplete()
	}
	return false
}

// ForceComplete implements DelayedOperation: re-reads every partition and
// responds with the freshest data.
func (d *DelayedFetch) ForceComplete() bool {
	if !d.markCompleted() {
		return false
	}
	requests := make([]FetchPartition, len(d.statuses))
	for i, st := range d.statuses {
		requests[i] = st.request
	}
	d.respond(d.read(d.replicaID, requests))
	return true
}

// ExpireNow implements DelayedOperation: a timed-out fetch is not an error,
// it simply returns whatever is readable at expiry.
func (d *DelayedFetch) ExpireNow() bool {
	return d.ForceComplete()
}
