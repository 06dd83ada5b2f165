package metrics

import (
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewReplicationMetrics_RegistersCleanly(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := NewRegistry(logger)

	m := NewReplicationMetrics(registry.Prometheus)
	if m == nil {
		t.Fatalf("nil metrics sink")
	}

	// Registration must be visible through the registry.
	m.LeaderCount.Set(3)
	m.IsrShrinks.Inc()
	m.ProduceRequests.WithLabelValues("ok").Inc()
	m.FetchRequests.WithLabelValues("follower").Inc()

	families, err := registry.Prometheus.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := make(map[string]bool)
	for _, fam := range families {
		found[fam.GetName()] = true
	}
	for _, name := range []string{
		"logbroker_replication_leader_count",
		"logbroker_replication_isr_shrinks_total",
		"logbroker_replication_produce_requests_total",
		"logbroker_replication_fetch_requests_total",
	} {
		if !found[name] {
			t.Fatalf("metric %s not registered", name)
		}
	}
}

func TestNewReplicationMetrics_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewReplicationMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected MustRegister panic on duplicate registration")
		}
	}()
	NewReplicationMetrics(reg)
}

func TestNewReplicationMetrics_NilRegistryForTests(t *testing.T) {
	m := NewReplicationMetrics(nil)
	// Unregistered collectors must still be usable.
	m.PartitionCount.Set(1)
	m.DelayedProduceOps.Set(2)
	m.HwCheckpointDuration.Observe(0.01)
}
