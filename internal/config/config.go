// =============================================================================
// BROKER CONFIGURATION
// =============================================================================
//
// WHAT: YAML-loaded configuration for the broker: identity, addresses, data
// directories and the replication tunables.
//
// TUNING NOTES:
//   - ReplicaLagTimeMaxMs: smaller = faster ISR shrink, more churn
//   - MinInSyncReplicas: durability floor for acks=all writes
//   - HighWatermarkCheckpointIntervalMs: smaller = less replay after crash,
//     more checkpoint I/O
//
// =============================================================================

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the broker's full configuration tree.
type Config struct {
	// NodeID is this broker's unique identifier.
	// Must be stable across restarts.
	NodeID string `json:"node_id" yaml:"node_id"`

	// ReplicationAddr is where peers and clients connect (host:port).
	ReplicationAddr string `json:"replication_addr" yaml:"replication_addr"`

	// AdvertiseAddr is the address advertised to peers.
	// If empty, ReplicationAddr is used.
	AdvertiseAddr string `json:"advertise_addr" yaml:"advertise_addr"`

	// MetricsAddr serves the Prometheus /metrics endpoint.
	// Empty disables the metrics listener.
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`

	// DataDirs are the directories holding partition logs and their
	// high-watermark checkpoint files. Partitions are spread across them.
	DataDirs []string `json:"data_dirs" yaml:"data_dirs"`

	// Replication holds the replication-layer tunables.
	Replication ReplicationConfig `json:"replication" yaml:"replication"`

	// Storage holds the log-engine tunables.
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// ReplicationConfig tunes ISR tracking, delayed operations and checkpoints.
type ReplicationConfig struct {
	// MinInSyncReplicas is the ISR floor for acks=all writes.
	MinInSyncReplicas int `json:"min_insync_replicas" yaml:"min_insync_replicas"`

	// ReplicaLagTimeMaxMs is how long a follower may go without catching up
	// before it is removed from the ISR.
	ReplicaLagTimeMaxMs int64 `json:"replica_lag_time_max_ms" yaml:"replica_lag_time_max_ms"`

	// HighWatermarkCheckpointIntervalMs is the HW checkpoint cadence.
	HighWatermarkCheckpointIntervalMs int64 `json:"high_watermark_checkpoint_interval_ms" yaml:"high_watermark_checkpoint_interval_ms"`

	// IsrChangeCheckIntervalMs is how often pending ISR changes are
	// considered for propagation.
	IsrChangeCheckIntervalMs int64 `json:"isr_change_check_interval_ms" yaml:"isr_change_check_interval_ms"`

	// IsrChangeBlackoutMs suppresses propagation while changes are still
	// arriving, batching bursts.
	IsrChangeBlackoutMs int64 `json:"isr_change_blackout_ms" yaml:"isr_change_blackout_ms"`

	// IsrChangeMaxDelayMs bounds how long a change may wait before it is
	// propagated regardless of ongoing churn.
	IsrChangeMaxDelayMs int64 `json:"isr_change_max_delay_ms" yaml:"isr_change_max_delay_ms"`

	// FetchIntervalMs paces follower fetch loops when no data is available.
	FetchIntervalMs int64 `json:"fetch_interval_ms" yaml:"fetch_interval_ms"`

	// FetchMaxBytes caps one follower fetch response.
	FetchMaxBytes int `json:"fetch_max_bytes" yaml:"fetch_max_bytes"`

	// FetchMinBytes is the follower fetch accumulation target.
	FetchMinBytes int `json:"fetch_min_bytes" yaml:"fetch_min_bytes"`

	// FetchMaxWaitMs is how long the leader may hold a follower fetch.
	FetchMaxWaitMs int64 `json:"fetch_max_wait_ms" yaml:"fetch_max_wait_ms"`

	// RequestTimeoutMs bounds replication HTTP requests.
	RequestTimeoutMs int64 `json:"request_timeout_ms" yaml:"request_timeout_ms"`
}

// StorageConfig tunes the log engine.
type StorageConfig struct {
	// SegmentMaxBytes is the byte limit before a segment rolls.
	SegmentMaxBytes int64 `json:"segment_max_bytes" yaml:"segment_max_bytes"`

	// RecordMaxBytes is the largest accepted single record.
	RecordMaxBytes int `json:"record_max_bytes" yaml:"record_max_bytes"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ReplicationAddr: "0.0.0.0:9400",
		DataDirs:        []string{"data"},
		Replication: ReplicationConfig{
			MinInSyncReplicas:                 1,
			ReplicaLagTimeMaxMs:               10_000,
			HighWatermarkCheckpointIntervalMs: 5_000,
			IsrChangeCheckIntervalMs:          2_500,
			IsrChangeBlackoutMs:               5_000,
			IsrChangeMaxDelayMs:               60_000,
			FetchIntervalMs:                   500,
			FetchMaxBytes:                     1024 * 1024,
			FetchMinBytes:                     1,
			FetchMaxWaitMs:                    500,
			RequestTimeoutMs:                  30_000,
		},
		Storage: StorageConfig{
			SegmentMaxBytes: 64 * 1024 * 1024,
			RecordMaxBytes:  1024 * 1024,
		},
	}
}

// Load reads and validates a YAML config file, applying defaults for any
// unset values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	full := cfg.WithDefaults()
	if err := full.Validate(); err != nil {
		return nil, err
	}
	return full, nil
}

// WithDefaults returns a copy with defaults applied for unset values.
func (c *Config) WithDefaults() *Config {
	defaults := DefaultConfig()
	result := *c

	if result.ReplicationAddr == "" {
		result.ReplicationAddr = defaults.ReplicationAddr
	}
	if len(result.DataDirs) == 0 {
		result.DataDirs = defaults.DataDirs
	}

	r := &result.Replication
	d := defaults.Replication
	if r.MinInSyncReplicas <= 0 {
		r.MinInSyncReplicas = d.MinInSyncReplicas
	}
	if r.ReplicaLagTimeMaxMs <= 0 {
		r.ReplicaLagTimeMaxMs = d.ReplicaLagTimeMaxMs
	}
	if r.HighWatermarkCheckpointIntervalMs <= 0 {
		r.HighWatermarkCheckpointIntervalMs = d.HighWatermarkCheckpointIntervalMs
	}
	if r.IsrChangeCheckIntervalMs <= 0 {
		r.IsrChangeCheckIntervalMs = d.IsrChangeCheckIntervalMs
	}
	if r.IsrChangeBlackoutMs <= 0 {
		r.IsrChangeBlackoutMs = d.IsrChangeBlackoutMs
	}
	if r.IsrChangeMaxDelayMs <= 0 {
		r.IsrChangeMaxDelayMs = d.IsrChangeMaxDelayMs
	}
	if r.FetchIntervalMs <= 0 {
		r.FetchIntervalMs = d.FetchIntervalMs
	}
	if r.FetchMaxBytes <= 0 {
		r.FetchMaxBytes = d.FetchMaxBytes
	}
	if r.FetchMinBytes <= 0 {
		r.FetchMinBytes = d.FetchMinBytes
	}
	if r.FetchMaxWaitMs <= 0 {
		r.FetchMaxWaitMs = d.FetchMaxWaitMs
	}
	if r.RequestTimeoutMs <= 0 {
		r.RequestTimeoutMs = d.RequestTimeoutMs
	}

	s := &result.Storage
	if s.SegmentMaxBytes <= 0 {
		s.SegmentMaxBytes = defaults.Storage.SegmentMaxBytes
	}
	if s.RecordMaxBytes <= 0 {
		s.RecordMaxBytes = defaults.Storage.RecordMaxBytes
	}

	return &result
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if len(c.DataDirs) == 0 {
		return fmt.Errorf("at least one data_dir is required")
	}
	seen := make(map[string]bool, len(c.DataDirs))
	for _, dir := range c.DataDirs {
		if dir == "" {
			return fmt.Errorf("data_dirs entries must be non-empty")
		}
		if seen[dir] {
			return fmt.Errorf("duplicate data_dir %q", dir)
		}
		seen[dir] = true
	}

	r := c.Replication
	if r.IsrChangeBlackoutMs >= r.IsrChangeMaxDelayMs {
		return fmt.Errorf("isr_change_blackout_ms must be less than isr_change_max_delay_ms")
	}
	if r.FetchMinBytes > r.FetchMaxBytes {
		return fmt.Errorf("fetch_min_bytes must not exceed fetch_max_bytes")
	}
	if int64(c.Storage.RecordMaxBytes) > c.Storage.SegmentMaxBytes {
		return fmt.Errorf("record_max_bytes must not exceed segment_max_bytes")
	}
	return nil
}
