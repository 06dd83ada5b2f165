package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testLogConfig() LogConfig {
	return LogConfig{
		SegmentMaxBytes: 512, // small so tests exercise segment rolls
		RecordMaxBytes:  256,
	}
}

func record(key, value string) Record {
	var k []byte
	if key != "" {
		k = []byte(key)
	}
	return Record{Timestamp: 1700000000000, Key: k, Value: []byte(value)}
}

func TestLog_AppendThenReadRoundTrip(t *testing.T) {
	log, err := NewLog(t.TempDir(), testLogConfig())
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	defer log.Close()

	first, last, err := log.Append([]Record{
		record("k1", "v1"),
		record("", "v2"),
		record("k3", "v3"),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first != 0 || last != 2 {
		t.Fatalf("offsets [%d,%d], want [0,2]", first, last)
	}
	if got := log.LogEndOffset(); got != 3 {
		t.Fatalf("LEO=%d want=3", got)
	}

	records, err := log.Read(0, 1<<20, log.LogEndOffset())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("read %d records, want 3", len(records))
	}
	for i, rec := range records {
		if rec.Offset != int64(i) {
			t.Fatalf("record %d has offset %d", i, rec.Offset)
		}
	}
	if string(records[0].Value) != "v1" || string(records[2].Key) != "k3" {
		t.Fatalf("record contents mangled: %+v", records)
	}
	if records[1].Key != nil {
		t.Fatalf("nil key not preserved: %v", records[1].Key)
	}
}

func TestLog_ReadBounds(t *testing.T) {
	log, err := NewLog(t.TempDir(), testLogConfig())
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	defer log.Close()

	if _, _, err := log.Append([]Record{record("k", "v")}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Reading exactly at LEO is an empty result, not an error.
	records, err := log.Read(1, 1024, 10)
	if err != nil {
		t.Fatalf("read at LEO: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("read at LEO returned %d records", len(records))
	}

	// Reading past LEO is out of range.
	if _, err := log.Read(2, 1024, 10); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Fatalf("read past LEO: got %v, want ErrOffsetOutOfRange", err)
	}

	// maxOffset caps the read below LEO.
	if _, _, err := log.Append([]Record{record("k", "v2"), record("k", "v3")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	records, err = log.Read(0, 1024, 1)
	if err != nil {
		t.Fatalf("capped read: %v", err)
	}
	if len(records) != 1 || records[0].Offset != 0 {
		t.Fatalf("capped read returned %+v, want single record at offset 0", records)
	}
}

func TestLog_SegmentRollAndReload(t *testing.T) {
	dir := t.TempDir()
	cfg := testLogConfig()

	log, err := NewLog(dir, cfg)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}

	// Enough records to roll several segments at 512 bytes each.
	for i := 0; i < 40; i++ {
		if _, _, err := log.Append([]Record{record("key", "some-value-payload")}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	leo := log.LogEndOffset()
	if leo != 40 {
		t.Fatalf("LEO=%d want=40", leo)
	}
	if log.ActiveSegmentBaseOffset() == 0 {
		t.Fatalf("expected at least one segment roll")
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reloaded, err := LoadLog(dir, cfg)
	if err != nil {
		t.Fatalf("LoadLog: %v", err)
	}
	defer reloaded.Close()

	if got := reloaded.LogEndOffset(); got != leo {
		t.Fatalf("reloaded LEO=%d want=%d", got, leo)
	}
	records, err := reloaded.Read(0, 1<<20, leo)
	if err != nil {
		t.Fatalf("Read after reload: %v", err)
	}
	if len(records) != 40 {
		t.Fatalf("read %d records after reload, want 40", len(records))
	}
}

func TestLog_TornTailRepairedOnLoad(t *testing.T) {
	dir := t.TempDir()
	cfg := testLogConfig()

	log, err := NewLog(dir, cfg)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	if _, _, err := log.Append([]Record{record("k", "v1"), record("k", "v2")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	log.Close()

	// Simulate a crash mid-write: chop bytes off the segment tail.
	path := filepath.Join(dir, "00000000000000000000.log")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-5); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	reloaded, err := LoadLog(dir, cfg)
	if err != nil {
		t.Fatalf("LoadLog with torn tail: %v", err)
	}
	defer reloaded.Close()

	if got := reloaded.LogEndOffset(); got != 1 {
		t.Fatalf("LEO=%d after torn tail, want 1 (second record dropped)", got)
	}

	// The log must accept appends at the repaired position.
	first, _, err := reloaded.Append([]Record{record("k", "v2-again")})
	if err != nil {
		t.Fatalf("Append after repair: %v", err)
	}
	if first != 1 {
		t.Fatalf("append after repair assigned %d, want 1", first)
	}
}

func TestLog_TruncateTo(t *testing.T) {
	dir := t.TempDir()
	cfg := testLogConfig()

	log, err := NewLog(dir, cfg)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	defer log.Close()

	for i := 0; i < 30; i++ {
		if _, _, err := log.Append([]Record{record("key", "some-value-payload")}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	if err := log.TruncateTo(10); err != nil {
		t.Fatalf("TruncateTo: %v", err)
	}
	if got := log.LogEndOffset(); got != 10 {
		t.Fatalf("LEO=%d after truncate, want 10", got)
	}

	// Truncated offsets must be gone; earlier ones intact.
	if _, err := log.Read(11, 1024, 30); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Fatalf("read past truncation: got %v, want ErrOffsetOutOfRange", err)
	}
	records, err := log.Read(0, 1<<20, 10)
	if err != nil {
		t.Fatalf("Read after truncate: %v", err)
	}
	if len(records) != 10 {
		t.Fatalf("read %d records after truncate, want 10", len(records))
	}

	// New appends continue from the truncation point.
	first, _, err := log.Append([]Record{record("key", "fresh")})
	if err != nil {
		t.Fatalf("Append after truncate: %v", err)
	}
	if first != 10 {
		t.Fatalf("append after truncate assigned %d, want 10", first)
	}
}

func TestLog_BytesAvailable(t *testing.T) {
	log, err := NewLog(t.TempDir(), testLogConfig())
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	defer log.Close()

	recs := []Record{record("k", "v1"), record("k", "v2")}
	if _, _, err := log.Append(recs); err != nil {
		t.Fatalf("Append: %v", err)
	}

	want := int64(recs[0].EncodedLen() + recs[1].EncodedLen())
	if got := log.BytesAvailable(0, log.LogEndOffset()); got != want {
		t.Fatalf("BytesAvailable=%d want=%d", got, want)
	}
	if got := log.BytesAvailable(2, log.LogEndOffset()); got != 0 {
		t.Fatalf("BytesAvailable at LEO=%d want=0", got)
	}
}

func TestLog_Delete(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "topic-0")
	log, err := NewLog(dir, testLogConfig())
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	if _, _, err := log.Append([]Record{record("k", "v")}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := log.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("log directory still exists after Delete")
	}
}

func TestRecord_TooLargeRejected(t *testing.T) {
	log, err := NewLog(t.TempDir(), LogConfig{SegmentMaxBytes: 1 << 20, RecordMaxBytes: 64})
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	defer log.Close()

	big := Record{Value: make([]byte, 128)}
	if _, _, err := log.Append([]Record{big}); !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("oversized append: got %v, want ErrRecordTooLarge", err)
	}
}
