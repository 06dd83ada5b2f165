package cluster

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"logbroker/internal/config"
	"logbroker/internal/storage"
)

func postJSON(t *testing.T, url string, body, out any) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestReplicationServer_ProduceFetchRoundTrip(t *testing.T) {
	rm, _, _ := newTestManager(t, nil)
	server := NewReplicationServer(rm, "127.0.0.1:0", discardLogger())
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	tp := TopicPartition{Topic: "orders", Partition: 0}

	var laiResp LeaderAndIsrResponse
	postJSON(t, ts.URL+"/admin/leader-and-isr",
		leaderAndIsr(1, leaderState(tp, "n1", 1, []NodeID{"n1"}, []NodeID{"n1"})), &laiResp)
	if laiResp.ErrorCode != ErrNone || laiResp.Partitions[tp.String()] != ErrNone {
		t.Fatalf("leader-and-isr failed: %+v", laiResp)
	}

	var produceResp ProduceResponse
	postJSON(t, ts.URL+"/replication/produce", &ProduceRequest{
		RequiredAcks: AckAll,
		TimeoutMs:    1000,
		Partitions: []ProducePartition{{
			Topic: tp.Topic, Partition: tp.Partition,
			Records: produceRecords("hello", "world"),
		}},
	}, &produceResp)

	pr := produceResp.Partitions[tp.String()]
	if pr.ErrorCode != ErrNone || pr.BaseOffset != 0 {
		t.Fatalf("produce response %+v, want offset 0 with no error", pr)
	}

	var fetchResp FetchResponse
	postJSON(t, ts.URL+"/replication/fetch", &FetchRequest{
		MaxWaitMs: 0,
		MinBytes:  0,
		Partitions: []FetchPartition{{
			Topic: tp.Topic, Partition: tp.Partition, FetchOffset: 0, MaxBytes: 1 << 20,
		}},
	}, &fetchResp)

	records := fetchResp.Partitions[0].Records
	if len(records) != 2 {
		t.Fatalf("fetched %d records, want 2", len(records))
	}
	if string(records[0].Value) != "hello" || string(records[1].Value) != "world" {
		t.Fatalf("fetched values mangled: %q %q", records[0].Value, records[1].Value)
	}
}

func TestReplicationServer_StaleControllerOverHTTP(t *testing.T) {
	rm, _, _ := newTestManager(t, nil)
	server := NewReplicationServer(rm, "127.0.0.1:0", discardLogger())
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	tp := TopicPartition{Topic: "orders", Partition: 0}
	var resp LeaderAndIsrResponse
	postJSON(t, ts.URL+"/admin/leader-and-isr",
		leaderAndIsr(7, leaderState(tp, "n1", 1, []NodeID{"n1"}, []NodeID{"n1"})), &resp)
	if resp.ErrorCode != ErrNone {
		t.Fatalf("initial request failed: %+v", resp)
	}

	postJSON(t, ts.URL+"/admin/leader-and-isr",
		leaderAndIsr(6, leaderState(tp, "n1", 2, []NodeID{"n1"}, []NodeID{"n1"})), &resp)
	if resp.ErrorCode != ErrStaleControllerEpoch {
		t.Fatalf("error=%v want=StaleControllerEpoch", resp.ErrorCode)
	}

	var stopResp StopReplicaResponse
	postJSON(t, ts.URL+"/admin/stop-replica", &StopReplicaRequest{
		ControllerID: "c", ControllerEpoch: 6, Partitions: []TopicPartition{tp},
	}, &stopResp)
	if stopResp.ErrorCode != ErrStaleControllerEpoch {
		t.Fatalf("stop-replica error=%v want=StaleControllerEpoch", stopResp.ErrorCode)
	}
}

func TestReplication_FollowerCatchesUpOverHTTP(t *testing.T) {
	// Two brokers: n1 leads over a real HTTP server, n2 follows through the
	// fetcher manager. The produced records must replicate to n2 and the
	// high watermark must advance on both sides.
	fast := func(cfg *config.ReplicationConfig) {
		cfg.FetchIntervalMs = 20
		cfg.FetchMaxWaitMs = 50
	}

	leaderRM, _, _ := newTestManager(t, fast)
	server := NewReplicationServer(leaderRM, "127.0.0.1:0", discardLogger())
	ts := httptest.NewServer(server.Router())
	defer ts.Close()
	leaderAddr := strings.TrimPrefix(ts.URL, "http://")

	followerDataDir := t.TempDir()
	logger := discardLogger()
	followerMeta := NewMetadataCache(logger)
	followerMeta.AddBrokers([]BrokerEndpoint{{ID: "n1", Addr: leaderAddr}})

	followerCfg := config.DefaultConfig().Replication
	fast(&followerCfg)
	followerRM, err := NewReplicaManager(
		"n2", followerCfg, storage.DefaultLogConfig(), []string{followerDataDir},
		NewLocalCoordinationStore(), NewReplicationClient(time.Second, logger),
		followerMeta, nil, logger)
	if err != nil {
		t.Fatalf("follower NewReplicaManager: %v", err)
	}
	defer followerRM.Shutdown(false)

	tp := TopicPartition{Topic: "orders", Partition: 0}
	state := leaderState(tp, "n1", 1, []NodeID{"n1", "n2"}, []NodeID{"n1", "n2"})

	mustBecomeLeader(t, leaderRM, tp, 1, []NodeID{"n1", "n2"}, []NodeID{"n1", "n2"})
	resp := followerRM.BecomeLeaderOrFollower(leaderAndIsr(1, state), nil)
	if resp.Partitions[tp.String()] != ErrNone {
		t.Fatalf("follower LeaderAndIsr failed: %+v", resp)
	}

	appendDone := make(chan map[string]ProducePartitionResponse, 1)
	leaderRM.AppendMessages(1000, AckLeader, false,
		map[TopicPartition][]storage.Record{tp: produceRecords("r1", "r2", "r3")},
		func(res map[string]ProducePartitionResponse) { appendDone <- res })
	if res := <-appendDone; res[tp.String()].ErrorCode != ErrNone {
		t.Fatalf("produce failed: %v", res[tp.String()].ErrorCode)
	}

	deadline := time.After(5 * time.Second)
	for {
		followerPartition, ok := followerRM.partitionByTP(tp)
		if ok && followerPartition.LogEndOffset() == 3 && followerPartition.HighWatermark() == 3 {
			break
		}
		select {
		case <-deadline:
			leo, hw := int64(-1), int64(-1)
			if ok {
				leo, hw = followerPartition.LogEndOffset(), followerPartition.HighWatermark()
			}
			t.Fatalf("follower did not catch up: LEO=%d HW=%d", leo, hw)
		case <-time.After(20 * time.Millisecond):
		}
	}

	leaderPartition, _ := leaderRM.partitionByTP(tp)
	if hw := leaderPartition.HighWatermark(); hw != 3 {
		t.Fatalf("leader HW=%d want=3", hw)
	}

	// Replicated records must match what was produced.
	local := func() []storage.Record {
		followerPartition, _ := followerRM.partitionByTP(tp)
		records, err := followerPartition.LocalReplica().Log().Read(0, 1<<20, 3)
		if err != nil {
			t.Fatalf("read follower log: %v", err)
		}
		return records
	}()
	if len(local) != 3 || string(local[0].Value) != "r1" || string(local[2].Value) != "r3" {
		t.Fatalf("follower log contents wrong: %+v", local)
	}
}
