package cluster

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOffsetCheckpoint_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	checkpoint := NewOffsetCheckpoint(dir)

	offsets := map[TopicPartition]int64{
		{Topic: "orders", Partition: 0}: 42,
		{Topic: "orders", Partition: 1}: 0,
		{Topic: "users", Partition: 3}:  1_000_000,
	}
	if err := checkpoint.Write(offsets); err != nil {
		t.Fatalf("Write: %v", err)
	}

	read, err := checkpoint.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(read) != len(offsets) {
		t.Fatalf("read %d entries, want %d", len(read), len(offsets))
	}
	for tp, hw := range offsets {
		if read[tp] != hw {
			t.Fatalf("%s: read %d, want %d", tp, read[tp], hw)
		}
	}
}

func TestOffsetCheckpoint_RepeatedWritesAreByteIdentical(t *testing.T) {
	dir := t.TempDir()
	checkpoint := NewOffsetCheckpoint(dir)

	offsets := map[TopicPartition]int64{
		{Topic: "b", Partition: 1}: 7,
		{Topic: "a", Partition: 2}: 9,
		{Topic: "a", Partition: 0}: 3,
	}

	if err := checkpoint.Write(offsets); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	first, err := os.ReadFile(checkpoint.Path())
	if err != nil {
		t.Fatalf("read first file: %v", err)
	}

	if err := checkpoint.Write(offsets); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	second, err := os.ReadFile(checkpoint.Path())
	if err != nil {
		t.Fatalf("read second file: %v", err)
	}

	if string(first) != string(second) {
		t.Fatalf("checkpoint files differ across identical writes:\n%q\n%q", first, second)
	}
}

func TestOffsetCheckpoint_MissingFileIsEmpty(t *testing.T) {
	checkpoint := NewOffsetCheckpoint(t.TempDir())
	read, err := checkpoint.Read()
	if err != nil {
		t.Fatalf("Read missing file: %v", err)
	}
	if len(read) != 0 {
		t.Fatalf("missing file yielded %d entries", len(read))
	}
}

func TestOffsetCheckpoint_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	checkpoint := NewOffsetCheckpoint(dir)

	if err := checkpoint.Write(map[TopicPartition]int64{{Topic: "t", Partition: 0}: 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, CheckpointFileName+".tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind after rename")
	}
}

func TestOffsetCheckpoint_RejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	checkpoint := NewOffsetCheckpoint(dir)

	if err := os.WriteFile(checkpoint.Path(), []byte("99\n0\n"), 0644); err != nil {
		t.Fatalf("write malformed file: %v", err)
	}
	if _, err := checkpoint.Read(); err == nil {
		t.Fatalf("expected error for unsupported version")
	}
}
