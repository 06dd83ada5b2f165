// =============================================================================
// CLUSTER TYPES - SHARED VOCABULARY FOR THE REPLICATION LAYER
// =============================================================================
//
// WHAT: Identity types and wire messages used by the replica manager, the
// fetcher layer, and the controller-facing endpoints.
//
// DESIGN:
//   - JSON tags for the inter-node wire format
//   - TopicPartition is the identity key for everything partition-scoped
//   - Controller commands carry a controller epoch; the replica manager
//     rejects anything older than what it has already observed
//
// =============================================================================

package cluster

import (
	"fmt"

	"logbroker/internal/storage"
)

// NodeID uniquely identifies a broker in the cluster.
// Must be unique across all brokers and stable across restarts.
type NodeID string

// String implements fmt.Stringer for NodeID.
func (n NodeID) String() string { return string(n) }

// IsEmpty returns true if the NodeID is not set.
func (n NodeID) IsEmpty() bool { return n == "" }

// DebugReplicaID is the sentinel fetcher id that disables the leader-only
// check on fetch. Intended for tooling; accepted but logged.
const DebugReplicaID NodeID = "debug"

// =============================================================================
// TOPIC PARTITION
// =============================================================================

// TopicPartition identifies one partition of one topic.
type TopicPartition struct {
	// Topic is the topic name.
	Topic string `json:"topic"`

	// Partition is the partition index within the topic.
	Partition int `json:"partition"`
}

// String returns the "topic-partition" form used as map keys and in logs.
func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// IsInternal reports whether the topic is reserved for broker-internal use.
// Internal topics reject produce requests unless explicitly allowed.
func (tp TopicPartition) IsInternal() bool {
	return len(tp.Topic) >= 2 && tp.Topic[0] == '_' && tp.Topic[1] == '_'
}

// =============================================================================
// BROKER ENDPOINT
// =============================================================================

// BrokerEndpoint is a broker id plus the address peers use to reach it.
type BrokerEndpoint struct {
	// ID is the broker's node id.
	ID NodeID `json:"id"`

	// Addr is the broker's replication address (host:port).
	Addr string `json:"addr"`
}

// =============================================================================
// CONTROLLER COMMANDS
// =============================================================================

// PartitionState is the controller's decision for one partition, carried in
// LeaderAndIsr and UpdateMetadata requests.
type PartitionState struct {
	// Topic and Partition identify the partition.
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`

	// ControllerEpoch is the epoch of the controller that made this decision.
	ControllerEpoch int64 `json:"controller_epoch"`

	// Leader is the broker designated as leader.
	Leader NodeID `json:"leader"`

	// LeaderEpoch increments on every leadership change for this partition.
	LeaderEpoch int64 `json:"leader_epoch"`

	// ISR is the in-sync replica set at decision time.
	ISR []NodeID `json:"isr"`

	// Replicas is the full assigned replica set.
	Replicas []NodeID `json:"replicas"`

	// CoordinationVersion is the coordination-store version of the partition
	// record, used for compare-and-swap on ISR updates.
	CoordinationVersion int `json:"coordination_version"`
}

// TopicPartition returns the partition's identity key.
func (ps *PartitionState) TopicPartition() TopicPartition {
	return TopicPartition{Topic: ps.Topic, Partition: ps.Partition}
}

// HasReplica reports whether id is in the assigned replica set.
func (ps *PartitionState) HasReplica(id NodeID) bool {
	for _, r := range ps.Replicas {
		if r == id {
			return true
		}
	}
	return false
}

// LeaderAndIsrRequest instructs this broker to become leader or follower for
// a set of partitions.
type LeaderAndIsrRequest struct {
	// ControllerID is the sending controller.
	ControllerID NodeID `json:"controller_id"`

	// ControllerEpoch fences superseded controllers.
	ControllerEpoch int64 `json:"controller_epoch"`

	// Partitions are the per-partition decisions.
	Partitions []PartitionState `json:"partitions"`

	// LiveLeaders lists endpoints of brokers that lead partitions in this
	// request, so followers know where to fetch from.
	LiveLeaders []BrokerEndpoint `json:"live_leaders"`
}

// LeaderAndIsrResponse reports the outcome per partition plus a global code.
type LeaderAndIsrResponse struct {
	// ErrorCode is the request-level outcome (e.g. StaleControllerEpoch).
	ErrorCode ErrorCode `json:"error_code"`

	// Partitions maps "topic-partition" to a per-partition outcome.
	Partitions map[string]ErrorCode `json:"partitions"`
}

// StopReplicaRequest tells this broker to stop hosting a set of partitions,
// optionally deleting their logs.
type StopReplicaRequest struct {
	ControllerID    NodeID           `json:"controller_id"`
	ControllerEpoch int64            `json:"controller_epoch"`
	DeletePartitions bool            `json:"delete_partitions"`
	Partitions      []TopicPartition `json:"partitions"`
}

// StopReplicaResponse reports the outcome per partition plus a global code.
type StopReplicaResponse struct {
	ErrorCode  ErrorCode            `json:"error_code"`
	Partitions map[string]ErrorCode `json:"partitions"`
}

// UpdateMetadataRequest refreshes this broker's view of cluster metadata.
type UpdateMetadataRequest struct {
	ControllerID    NodeID           `json:"controller_id"`
	ControllerEpoch int64            `json:"controller_epoch"`
	Brokers         []BrokerEndpoint `json:"brokers"`
	Partitions      []PartitionState `json:"partitions"`
}

// UpdateMetadataResponse acknowledges a metadata update.
type UpdateMetadataResponse struct {
	ErrorCode ErrorCode `json:"error_code"`
}

// =============================================================================
// PRODUCE
// =============================================================================

// Required-acks values accepted on produce.
const (
	// AckNone: the broker does not wait for the write at all.
	AckNone = 0

	// AckLeader: the write is acknowledged once in the leader's log.
	AckLeader = 1

	// AckAll: the write is acknowledged once the high watermark covers it.
	AckAll = -1
)

// ValidRequiredAcks reports whether acks is one of {-1, 0, 1}.
func ValidRequiredAcks(acks int) bool {
	return acks == AckNone || acks == AckLeader || acks == AckAll
}

// ProduceRequest appends records to a set of partitions.
type ProduceRequest struct {
	// RequiredAcks is -1 (all), 0 (none) or 1 (leader).
	RequiredAcks int `json:"required_acks"`

	// TimeoutMs bounds how long an acks=all request may await the ISR.
	TimeoutMs int64 `json:"timeout_ms"`

	// Partitions carries the records per partition.
	Partitions []ProducePartition `json:"partitions"`
}

// ProducePartition is one partition's slice of a produce request.
type ProducePartition struct {
	Topic     string           `json:"topic"`
	Partition int              `json:"partition"`
	Records   []storage.Record `json:"records"`
}

// ProducePartitionResponse is one partition's slice of a produce response.
type ProducePartitionResponse struct {
	ErrorCode ErrorCode `json:"error_code"`

	// BaseOffset is the offset assigned to the first record.
	BaseOffset int64 `json:"base_offset"`

	// Timestamp is the append time of the first record, Unix ms.
	Timestamp int64 `json:"timestamp"`
}

// ProduceResponse maps "topic-partition" to per-partition outcomes.
type ProduceResponse struct {
	Partitions map[string]ProducePartitionResponse `json:"partitions"`
}

// =============================================================================
// FETCH
// =============================================================================

// FetchRequest reads records from a set of partitions. Followers identify
// themselves via ReplicaID; consumers leave it empty.
type FetchRequest struct {
	// ReplicaID is the fetching follower's id, empty for consumers, or
	// DebugReplicaID to bypass the leader-only check.
	ReplicaID NodeID `json:"replica_id"`

	// MaxWaitMs bounds how long the broker may hold the fetch awaiting data.
	MaxWaitMs int64 `json:"max_wait_ms"`

	// MinBytes is the number of bytes to accumulate before responding.
	MinBytes int `json:"min_bytes"`

	// Partitions are the per-partition fetch targets.
	Partitions []FetchPartition `json:"partitions"`
}

// IsFromFollower reports whether the request originates from a replica.
func (r *FetchRequest) IsFromFollower() bool {
	return isFollowerID(r.ReplicaID)
}

// isFollowerID reports whether a fetch replica id names a real follower
// (not a consumer, not the debug sentinel).
func isFollowerID(id NodeID) bool {
	return !id.IsEmpty() && id != DebugReplicaID
}

// FetchPartition is one partition's slice of a fetch request.
type FetchPartition struct {
	Topic       string `json:"topic"`
	Partition   int    `json:"partition"`
	FetchOffset int64  `json:"fetch_offset"`
	MaxBytes    int    `json:"max_bytes"`
}

// TopicPartition returns the partition's identity key.
func (fp *FetchPartition) TopicPartition() TopicPartition {
	return TopicPartition{Topic: fp.Topic, Partition: fp.Partition}
}

// FetchPartitionResponse is one partition's slice of a fetch response.
type FetchPartitionResponse struct {
	Topic     string    `json:"topic"`
	Partition int       `json:"partition"`
	ErrorCode ErrorCode `json:"error_code"`

	// HighWatermark is the leader's HW, mirrored to followers and consumers.
	HighWatermark int64 `json:"high_watermark"`

	// LogEndOffset is the leader's LEO at read time.
	LogEndOffset int64 `json:"log_end_offset"`

	// Records are the fetched records, in offset order.
	Records []storage.Record `json:"records"`
}

// TopicPartition returns the partition's identity key.
func (fr *FetchPartitionResponse) TopicPartition() TopicPartition {
	return TopicPartition{Topic: fr.Topic, Partition: fr.Partition}
}

// FetchResponse carries per-partition results in request order.
type FetchResponse struct {
	Partitions []FetchPartitionResponse `json:"partitions"`
}
