package cluster

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"logbroker/internal/storage"
)

// testHooks implements PartitionHooks with a hand-driven clock so ISR lag
// decisions are deterministic.
type testHooks struct {
	dir   string
	store *LocalCoordinationStore

	mu           sync.Mutex
	nowMs        int64
	checkpointHw map[TopicPartition]int64
	isrChanges   []TopicPartition
	completions  []TopicPartition
}

func newTestHooks(t *testing.T) *testHooks {
	t.Helper()
	return &testHooks{
		dir:          t.TempDir(),
		store:        NewLocalCoordinationStore(),
		nowMs:        1_700_000_000_000,
		checkpointHw: make(map[TopicPartition]int64),
	}
}

func (h *testHooks) advance(ms int64) {
	h.mu.Lock()
	h.nowMs += ms
	h.mu.Unlock()
}

func (h *testHooks) Now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.UnixMilli(h.nowMs)
}

func (h *testHooks) LogFor(tp TopicPartition) (*storage.Log, error) {
	return storage.LoadLog(filepath.Join(h.dir, tp.String()), storage.DefaultLogConfig())
}

func (h *testHooks) CheckpointedHighWatermark(tp TopicPartition) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.checkpointHw[tp]
}

func (h *testHooks) PersistIsr(tp TopicPartition, state IsrState) (int, error) {
	return h.store.UpdatePartitionState(tp, state)
}

func (h *testHooks) RecordIsrChange(tp TopicPartition) {
	h.mu.Lock()
	h.isrChanges = append(h.isrChanges, tp)
	h.mu.Unlock()
}

func (h *testHooks) CompleteDelayedRequests(tp TopicPartition) {
	h.mu.Lock()
	h.completions = append(h.completions, tp)
	h.mu.Unlock()
}

func (h *testHooks) isrChangeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.isrChanges)
}

func leaderState(tp TopicPartition, leader NodeID, epoch int64, replicas, isr []NodeID) PartitionState {
	return PartitionState{
		Topic:       tp.Topic,
		Partition:   tp.Partition,
		Leader:      leader,
		LeaderEpoch: epoch,
		ISR:         isr,
		Replicas:    replicas,
	}
}

func appendValues(t *testing.T, p *Partition, values ...string) AppendInfo {
	t.Helper()
	records := make([]storage.Record, len(values))
	for i, v := range values {
		records[i] = storage.Record{Value: []byte(v)}
	}
	info, err := p.AppendToLeader(records, AckLeader)
	if err != nil {
		t.Fatalf("AppendToLeader: %v", err)
	}
	return info
}

func TestPartition_MakeLeaderInitialisesState(t *testing.T) {
	hooks := newTestHooks(t)
	tp := TopicPartition{Topic: "orders", Partition: 0}
	p := NewPartition(tp, "n1", 1, hooks, discardLogger())

	isNew, err := p.MakeLeader(leaderState(tp, "n1", 5, []NodeID{"n1", "n2", "n3"}, []NodeID{"n1", "n2", "n3"}))
	if err != nil {
		t.Fatalf("MakeLeader: %v", err)
	}
	if !isNew {
		t.Fatalf("first MakeLeader should report a new leadership")
	}
	if !p.IsLeader() {
		t.Fatalf("expected leader mode")
	}
	if got := p.LeaderEpoch(); got != 5 {
		t.Fatalf("leader epoch=%d want=5", got)
	}
	if got := p.InSyncSize(); got != 3 {
		t.Fatalf("ISR size=%d want=3", got)
	}
}

func TestPartition_AppendRequiresLeadership(t *testing.T) {
	hooks := newTestHooks(t)
	tp := TopicPartition{Topic: "orders", Partition: 0}
	p := NewPartition(tp, "n1", 1, hooks, discardLogger())

	_, err := p.AppendToLeader([]storage.Record{{Value: []byte("x")}}, AckLeader)
	if CodeFor(err) != ErrNotLeaderForPartition {
		t.Fatalf("append while offline: got %v, want NotLeaderForPartition", err)
	}

	if _, err := p.MakeFollower(leaderState(tp, "n2", 1, []NodeID{"n1", "n2"}, nil)); err != nil {
		t.Fatalf("MakeFollower: %v", err)
	}
	_, err = p.AppendToLeader([]storage.Record{{Value: []byte("x")}}, AckLeader)
	if CodeFor(err) != ErrNotLeaderForPartition {
		t.Fatalf("append as follower: got %v, want NotLeaderForPartition", err)
	}
}

func TestPartition_AcksAllRejectedBelowMinIsr(t *testing.T) {
	hooks := newTestHooks(t)
	tp := TopicPartition{Topic: "orders", Partition: 0}
	p := NewPartition(tp, "n1", 2, hooks, discardLogger())

	// ISR has only the leader; min is 2.
	if _, err := p.MakeLeader(leaderState(tp, "n1", 1, []NodeID{"n1", "n2"}, []NodeID{"n1"})); err != nil {
		t.Fatalf("MakeLeader: %v", err)
	}

	_, err := p.AppendToLeader([]storage.Record{{Value: []byte("x")}}, AckAll)
	if CodeFor(err) != ErrNotEnoughReplicas {
		t.Fatalf("acks=all below min ISR: got %v, want NotEnoughReplicas", err)
	}

	// acks=1 is unaffected by the ISR floor.
	if _, err := p.AppendToLeader([]storage.Record{{Value: []byte("x")}}, AckLeader); err != nil {
		t.Fatalf("acks=1 append: %v", err)
	}
}

func TestPartition_HwAdvancesWithFollowerProgress(t *testing.T) {
	hooks := newTestHooks(t)
	tp := TopicPartition{Topic: "orders", Partition: 0}
	p := NewPartition(tp, "n1", 1, hooks, discardLogger())

	if _, err := p.MakeLeader(leaderState(tp, "n1", 1, []NodeID{"n1", "n2", "n3"}, []NodeID{"n1", "n2", "n3"})); err != nil {
		t.Fatalf("MakeLeader: %v", err)
	}

	appendValues(t, p, "a", "b", "c")
	if got := p.HighWatermark(); got != 0 {
		t.Fatalf("HW=%d before follower progress, want 0", got)
	}

	// One follower catches up; the other is still unknown, so HW holds.
	p.UpdateFollowerFetchState("n2", 3, 3)
	if got := p.HighWatermark(); got != 0 {
		t.Fatalf("HW=%d with one unknown ISR member, want 0", got)
	}

	// Second follower reaches offset 2 only.
	p.UpdateFollowerFetchState("n3", 2, 3)
	if got := p.HighWatermark(); got != 2 {
		t.Fatalf("HW=%d want=2 (min LEO across ISR)", got)
	}

	// HW must never exceed min ISR LEO.
	if hw, leo := p.HighWatermark(), p.LogEndOffset(); hw > leo {
		t.Fatalf("HW %d exceeds LEO %d", hw, leo)
	}

	// Progress to the end advances HW and pokes the delayed-request hook.
	p.UpdateFollowerFetchState("n3", 3, 3)
	if got := p.HighWatermark(); got != 3 {
		t.Fatalf("HW=%d want=3", got)
	}
	hooks.mu.Lock()
	poked := len(hooks.completions)
	hooks.mu.Unlock()
	if poked == 0 {
		t.Fatalf("HW advance did not poke delayed requests")
	}
}

func TestPartition_IsrExpandRequiresReachingHw(t *testing.T) {
	hooks := newTestHooks(t)
	tp := TopicPartition{Topic: "orders", Partition: 0}
	p := NewPartition(tp, "n1", 1, hooks, discardLogger())

	// n3 assigned but not in ISR.
	if _, err := p.MakeLeader(leaderState(tp, "n1", 1, []NodeID{"n1", "n2", "n3"}, []NodeID{"n1", "n2"})); err != nil {
		t.Fatalf("MakeLeader: %v", err)
	}
	appendValues(t, p, "a", "b", "c", "d")
	p.UpdateFollowerFetchState("n2", 4, 4) // HW → 4

	// n3 fetches below the HW: stays out.
	p.UpdateFollowerFetchState("n3", 2, 4)
	if got := p.InSyncSize(); got != 2 {
		t.Fatalf("ISR size=%d after under-HW fetch, want 2", got)
	}

	// n3 reaches the HW: joins, and the change is persisted and queued.
	p.UpdateFollowerFetchState("n3", 4, 4)
	if got := p.InSyncSize(); got != 3 {
		t.Fatalf("ISR size=%d after catching up, want 3", got)
	}
	if hooks.isrChangeCount() == 0 {
		t.Fatalf("ISR expansion did not record a change notice")
	}
	state, ok, err := hooks.store.GetPartitionState(tp)
	if err != nil || !ok {
		t.Fatalf("coordination store has no record: ok=%v err=%v", ok, err)
	}
	if len(state.ISR) != 3 {
		t.Fatalf("persisted ISR size=%d want=3", len(state.ISR))
	}
}

func TestPartition_ShrinkIsrEvictsLaggardsNotLeader(t *testing.T) {
	hooks := newTestHooks(t)
	tp := TopicPartition{Topic: "orders", Partition: 0}
	p := NewPartition(tp, "n1", 1, hooks, discardLogger())

	if _, err := p.MakeLeader(leaderState(tp, "n1", 1, []NodeID{"n1", "n2", "n3"}, []NodeID{"n1", "n2", "n3"})); err != nil {
		t.Fatalf("MakeLeader: %v", err)
	}
	appendValues(t, p, "a", "b", "c", "d", "e")

	// n2 keeps up; n3 last caught up at leadership start.
	p.UpdateFollowerFetchState("n2", 5, 5)

	hooks.advance(10_001)
	p.UpdateFollowerFetchState("n2", 5, 5) // refresh n2 inside the window

	removed := p.MaybeShrinkIsr(10_000)
	if len(removed) != 1 || removed[0] != "n3" {
		t.Fatalf("removed=%v want=[n3]", removed)
	}
	if got := p.InSyncSize(); got != 2 {
		t.Fatalf("ISR size=%d after shrink, want 2", got)
	}

	// With the laggard gone, the remaining ISR bounds the HW.
	if got := p.HighWatermark(); got != 5 {
		t.Fatalf("HW=%d after shrink, want 5", got)
	}

	// The leader itself must survive any lag window.
	hooks.advance(100_000)
	removed = p.MaybeShrinkIsr(10_000)
	for _, id := range removed {
		if id == "n1" {
			t.Fatalf("shrink removed the leader")
		}
	}
	if got := p.InSyncSize(); got < 1 {
		t.Fatalf("ISR emptied by shrink")
	}
}

func TestPartition_DemotionTruncatesToHighWatermark(t *testing.T) {
	hooks := newTestHooks(t)
	tp := TopicPartition{Topic: "orders", Partition: 0}
	p := NewPartition(tp, "n1", 1, hooks, discardLogger())

	if _, err := p.MakeLeader(leaderState(tp, "n1", 1, []NodeID{"n1", "n2"}, []NodeID{"n1", "n2"})); err != nil {
		t.Fatalf("MakeLeader: %v", err)
	}

	// HW reaches 10; two more records stay uncommitted.
	values := make([]string, 10)
	for i := range values {
		values[i] = "committed"
	}
	appendValues(t, p, values...)
	p.UpdateFollowerFetchState("n2", 10, 10)
	appendValues(t, p, "uncommitted-1", "uncommitted-2")

	if hw, leo := p.HighWatermark(), p.LogEndOffset(); hw != 10 || leo != 12 {
		t.Fatalf("setup: HW=%d LEO=%d, want 10/12", hw, leo)
	}

	if _, err := p.MakeFollower(leaderState(tp, "n2", 2, []NodeID{"n1", "n2"}, nil)); err != nil {
		t.Fatalf("MakeFollower: %v", err)
	}
	if err := p.TruncateToHighWatermark(); err != nil {
		t.Fatalf("TruncateToHighWatermark: %v", err)
	}

	if got := p.LogEndOffset(); got != 10 {
		t.Fatalf("LEO=%d after demotion truncate, want 10", got)
	}
	if got := p.LeaderID(); got != "n2" {
		t.Fatalf("leader=%s want=n2", got)
	}
}

func TestPartition_LeaderEpochNeverRegresses(t *testing.T) {
	hooks := newTestHooks(t)
	tp := TopicPartition{Topic: "orders", Partition: 0}
	p := NewPartition(tp, "n1", 1, hooks, discardLogger())

	epochs := []int64{1, 3, 7}
	last := int64(0)
	for _, epoch := range epochs {
		if _, err := p.MakeLeader(leaderState(tp, "n1", epoch, []NodeID{"n1"}, []NodeID{"n1"})); err != nil {
			t.Fatalf("MakeLeader epoch %d: %v", epoch, err)
		}
		if got := p.LeaderEpoch(); got < last {
			t.Fatalf("leader epoch regressed: %d after %d", got, last)
		}
		last = p.LeaderEpoch()
	}
}

func TestPartition_IsrUpdateLosesCasKeepsOldIsr(t *testing.T) {
	hooks := newTestHooks(t)
	tp := TopicPartition{Topic: "orders", Partition: 0}
	p := NewPartition(tp, "n1", 1, hooks, discardLogger())

	if _, err := p.MakeLeader(leaderState(tp, "n1", 1, []NodeID{"n1", "n2", "n3"}, []NodeID{"n1", "n2"})); err != nil {
		t.Fatalf("MakeLeader: %v", err)
	}

	// A competing controller bumps the record version behind our back.
	if _, err := hooks.store.UpdatePartitionState(tp, IsrState{
		Leader: "n1", LeaderEpoch: 1, ISR: []NodeID{"n1", "n2"}, Version: 0,
	}); err != nil {
		t.Fatalf("prime store: %v", err)
	}
	if _, err := hooks.store.UpdatePartitionState(tp, IsrState{
		Leader: "n1", LeaderEpoch: 1, ISR: []NodeID{"n1", "n2"}, Version: 1,
	}); err != nil {
		t.Fatalf("bump store version: %v", err)
	}

	appendValues(t, p, "a")
	p.UpdateFollowerFetchState("n2", 1, 1) // HW → 1

	// n3 catches up, but our CAS (version 0) must lose against version 2.
	p.UpdateFollowerFetchState("n3", 1, 1)
	if got := p.InSyncSize(); got != 2 {
		t.Fatalf("ISR size=%d after lost CAS, want 2 (unchanged)", got)
	}
}

func TestPartition_CheckpointedHwAppliedOnMaterialisation(t *testing.T) {
	hooks := newTestHooks(t)
	tp := TopicPartition{Topic: "orders", Partition: 0}

	// Build a log with 5 records from a prior incarnation.
	{
		p := NewPartition(tp, "n1", 1, hooks, discardLogger())
		if _, err := p.MakeLeader(leaderState(tp, "n1", 1, []NodeID{"n1"}, []NodeID{"n1"})); err != nil {
			t.Fatalf("MakeLeader: %v", err)
		}
		appendValues(t, p, "a", "b", "c", "d", "e")
		p.LocalReplica().Log().Close()
	}

	hooks.mu.Lock()
	hooks.checkpointHw[tp] = 3
	hooks.mu.Unlock()

	p := NewPartition(tp, "n1", 1, hooks, discardLogger())
	if _, err := p.MakeFollower(leaderState(tp, "n2", 2, []NodeID{"n1", "n2"}, nil)); err != nil {
		t.Fatalf("MakeFollower: %v", err)
	}
	if got := p.HighWatermark(); got != 3 {
		t.Fatalf("HW=%d from checkpoint, want 3", got)
	}
	if err := p.TruncateToHighWatermark(); err != nil {
		t.Fatalf("TruncateToHighWatermark: %v", err)
	}
	if got := p.LogEndOffset(); got != 3 {
		t.Fatalf("LEO=%d after checkpoint truncate, want 3", got)
	}
}

func TestPartition_CheckEnoughReplicasReachOffset(t *testing.T) {
	hooks := newTestHooks(t)
	tp := TopicPartition{Topic: "orders", Partition: 0}
	p := NewPartition(tp, "n1", 2, hooks, discardLogger())

	if _, err := p.MakeLeader(leaderState(tp, "n1", 1, []NodeID{"n1", "n2"}, []NodeID{"n1", "n2"})); err != nil {
		t.Fatalf("MakeLeader: %v", err)
	}
	appendValues(t, p, "a", "b")

	done, code := p.CheckEnoughReplicasReachOffset(2)
	if done {
		t.Fatalf("done=%v code=%v before follower progress", done, code)
	}

	p.UpdateFollowerFetchState("n2", 2, 2)
	done, code = p.CheckEnoughReplicasReachOffset(2)
	if !done || code != ErrNone {
		t.Fatalf("done=%v code=%v after HW reached offset, want true/None", done, code)
	}

	// Shrink below min ISR: waiting becomes futile.
	hooks.advance(60_000)
	p.MaybeShrinkIsr(10_000)
	appendValues(t, p, "c")
	done, code = p.CheckEnoughReplicasReachOffset(3)
	if !done || code != ErrNotEnoughReplicasAfterAppend {
		t.Fatalf("done=%v code=%v below min ISR, want true/NotEnoughReplicasAfterAppend", done, code)
	}
}
