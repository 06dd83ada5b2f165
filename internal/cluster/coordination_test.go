package cluster

import (
	"errors"
	"testing"
)

func TestLocalCoordinationStore_CasSemantics(t *testing.T) {
	store := NewLocalCoordinationStore()
	tp := TopicPartition{Topic: "orders", Partition: 0}

	// First write on an empty record always wins and starts versioning.
	v1, err := store.UpdatePartitionState(tp, IsrState{
		Leader: "n1", LeaderEpoch: 1, ISR: []NodeID{"n1", "n2"}, Version: 0,
	})
	if err != nil {
		t.Fatalf("initial write: %v", err)
	}
	if v1 != 1 {
		t.Fatalf("version=%d want=1", v1)
	}

	// A write carrying the current version wins; a stale one loses.
	v2, err := store.UpdatePartitionState(tp, IsrState{
		Leader: "n1", LeaderEpoch: 1, ISR: []NodeID{"n1"}, Version: v1,
	})
	if err != nil {
		t.Fatalf("matching-version write: %v", err)
	}
	if v2 != v1+1 {
		t.Fatalf("version=%d want=%d", v2, v1+1)
	}

	_, err = store.UpdatePartitionState(tp, IsrState{
		Leader: "n1", LeaderEpoch: 1, ISR: []NodeID{"n1", "n2"}, Version: v1,
	})
	var conflict *ErrVersionConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("stale write: got %v, want ErrVersionConflict", err)
	}

	state, ok, err := store.GetPartitionState(tp)
	if err != nil || !ok {
		t.Fatalf("GetPartitionState: ok=%v err=%v", ok, err)
	}
	if len(state.ISR) != 1 || state.Version != v2 {
		t.Fatalf("stale write mutated state: %+v", state)
	}
}

func TestLocalCoordinationStore_NotificationsAccumulate(t *testing.T) {
	store := NewLocalCoordinationStore()

	if err := store.NotifyIsrChange([]TopicPartition{{Topic: "a", Partition: 0}}); err != nil {
		t.Fatalf("NotifyIsrChange: %v", err)
	}
	if err := store.NotifyIsrChange([]TopicPartition{
		{Topic: "a", Partition: 1}, {Topic: "b", Partition: 0},
	}); err != nil {
		t.Fatalf("NotifyIsrChange: %v", err)
	}

	batches := store.Notifications()
	if len(batches) != 2 || len(batches[0]) != 1 || len(batches[1]) != 2 {
		t.Fatalf("batches shape wrong: %v", batches)
	}
}
