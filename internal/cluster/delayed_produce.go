// =============================================================================
// DELAYED PRODUCE - ACKS=ALL WAITING FOR THE HIGH WATERMARK
// =============================================================================
//
// WHAT: A produce with acks=all is acknowledged only when every partition's
// high watermark covers the written records. The operation sits in the
// produce purgatory, keyed by every partition in the request, and is poked
// whenever one of them advances its HW.
//
// A partition stops being waited on as soon as one of these holds:
//   - it errored during the initial append
//   - this broker no longer leads it
//   - its HW reached requiredOffset (= last written offset + 1); the
//     partition then reports NotEnoughReplicasAfterAppend if the ISR is
//     below the configured minimum at that point, success otherwise
//
// On timeout the operation completes with whatever partitions succeeded;
// the rest report RequestTimedOut.
//
// =============================================================================

package cluster

import (
	"sync"
)

// produceStatus tracks one partition inside a delayed produce.
type produceStatus struct {
	// requiredOffset is the HW the partition must reach: last offset + 1.
	requiredOffset int64

	// acksPending is true while the partition is still being waited on.
	acksPending bool

	// response is the partition's current outcome.
	response ProducePartitionResponse
}

// DelayedProduce waits for acks=all produces to commit.
type DelayedProduce struct {
	completable

	// lookup resolves partitions at completion-check time.
	lookup func(TopicPartition) (*Partition, bool)

	// respond delivers the final per-partition outcomes. Called exactly once.
	respond func(map[string]ProducePartitionResponse)

	// mu protects status.
	mu sync.Mutex

	// status tracks every partition in the original request.
	status map[TopicPartition]*produceStatus
}

// NewDelayedProduce builds the operation from the initial append outcomes.
// Partitions that failed their local append are recorded with their error
// and never waited on.
func NewDelayedProduce(
	results map[TopicPartition]ProducePartitionResponse,
	lookup func(TopicPartition) (*Partition, bool),
	respond func(map[string]ProducePartitionResponse),
) *DelayedProduce {
	status := make(map[TopicPartition]*produceStatus, len(results))
	for tp, res := range results {
		st := &produceStatus{response: res}
		if res.ErrorCode == ErrNone {
			st.acksPending = true
			st.requiredOffset = res.BaseOffset + 1 // caller sets last offset + 1 via SetRequiredOffset
		}
		status[tp] = st
	}
	return &DelayedProduce{
		lookup:  lookup,
		respond: respond,
		status:  status,
	}
}

// SetRequiredOffset fixes the HW a partition must reach (last offset + 1).
func (d *DelayedProduce) SetRequiredOffset(tp TopicPartition, requiredOffset int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.status[tp]; ok {
		st.requiredOffset = requiredOffset
	}
}

// TryComplete implements DelayedOperation. Completes when no partition is
// still pending.
func (d *DelayedProduce) TryComplete() bool {
	d.mu.Lock()
	allDone := true
	for tp, st := range d.status {
		if !st.acksPending {
			continue
		}

		partition, ok := d.lookup(tp)
		if !ok {
			st.acksPending = false
			st.response.ErrorCode = ErrNotLeaderForPartition
			continue
		}

		done, code := partition.CheckEnoughReplicasReachOffset(st.requiredOffset)
		if done {
			st.acksPending = false
			st.response.ErrorCode = code
			continue
		}
		allDone = false
	}
	d.mu.Unlock()

	if !allDone {
		return false
	}
	return d.ForceComplete()
}

// ForceComplete implements DelayedOperation.
func (d *DelayedProduce) ForceComplete() bool {
	if !d.markCompleted() {
		return false
	}
	d.respond(d.snapshotResponses())
	return true
}

// ExpireNow implements DelayedOperation: still-pending partitions report
// RequestTimedOut, the rest keep their outcome.
func (d *DelayedProduce) ExpireNow() bool {
	if !d.markCompleted() {
		return false
	}
	d.mu.Lock()
	for _, st := range d.status {
		if st.acksPending {
			st.acksPending = false
			st.response.ErrorCode = ErrRequestTimedOut
		}
	}
	d.mu.Unlock()
	d.respond(d.snapshotResponses())
	return true
}

// snapshotResponses copies the per-partition outcomes for delivery.
func (d *DelayedProduce) snapshotResponses() map[string]ProducePartitionResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]ProducePartitionResponse, len(d.status))
	for tp, st := range d.status {
		out[tp.String()] = st.response
	}
	return out
}
