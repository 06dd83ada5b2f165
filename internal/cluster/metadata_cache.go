// =============================================================================
// METADATA CACHE - THIS BROKER'S VIEW OF CLUSTER METADATA
// =============================================================================
//
// WHAT: Holds the broker endpoints and partition states delivered by the
// controller's UpdateMetadata requests. The replica manager consults it to
// resolve leader addresses for follower fetchers and to decide whether a
// designated leader is known alive.
//
// =============================================================================

package cluster

import (
	"log/slog"
	"sync"
)

// MetadataCache is this broker's last-received cluster metadata.
type MetadataCache struct {
	mu sync.RWMutex

	// brokers maps broker id to its replication endpoint.
	brokers map[NodeID]BrokerEndpoint

	// partitions maps "topic-partition" to the last published state.
	partitions map[string]PartitionState

	logger *slog.Logger
}

// NewMetadataCache creates an empty cache.
func NewMetadataCache(logger *slog.Logger) *MetadataCache {
	return &MetadataCache{
		brokers:    make(map[NodeID]BrokerEndpoint),
		partitions: make(map[string]PartitionState),
		logger:     logger.With("component", "metadata-cache"),
	}
}

// Update replaces the broker list and merges partition states.
func (c *MetadataCache) Update(req *UpdateMetadataRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.brokers = make(map[NodeID]BrokerEndpoint, len(req.Brokers))
	for _, b := range req.Brokers {
		c.brokers[b.ID] = b
	}
	for _, ps := range req.Partitions {
		c.partitions[ps.TopicPartition().String()] = ps
	}

	c.logger.Debug("metadata updated",
		"controller", req.ControllerID,
		"controller_epoch", req.ControllerEpoch,
		"brokers", len(req.Brokers),
		"partitions", len(req.Partitions))
}

// AddBrokers merges endpoints without touching partition state. Used for
// the live-leader list piggybacked on LeaderAndIsr requests.
func (c *MetadataCache) AddBrokers(brokers []BrokerEndpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range brokers {
		c.brokers[b.ID] = b
	}
}

// AliveBroker returns the endpoint for id, if known.
func (c *MetadataCache) AliveBroker(id NodeID) (BrokerEndpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.brokers[id]
	return b, ok
}

// BrokerCount returns how many brokers are known.
func (c *MetadataCache) BrokerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.brokers)
}

// PartitionState returns the cached state for a partition, if any.
func (c *MetadataCache) PartitionState(tp TopicPartition) (PartitionState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ps, ok := c.partitions[tp.String()]
	return ps, ok
}
