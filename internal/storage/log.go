// =============================================================================
// APPEND-ONLY LOG - SEGMENTED PARTITION LOG
// =============================================================================
//
// WHAT: The Log is an ordered, append-only sequence of records split across
// segment files. Only the last segment accepts writes; when it reaches the
// configured byte limit a new segment is rolled.
//
// LOG STRUCTURE:
//
//   ┌─────────────────────────────────────────────────────────────────┐
//   │   ┌──────────────┐ ┌──────────────┐ ┌──────────────┐            │
//   │   │  Segment 0   │ │ Segment 1000 │ │ Segment 2000 │ (active)   │
//   │   │ offsets 0-999│ │  1000-1999   │ │  2000-...    │            │
//   │   └──────────────┘ └──────────────┘ └──────────────┘            │
//   └─────────────────────────────────────────────────────────────────┘
//
// OFFSET SEMANTICS:
//   - Offsets are 64-bit, start at 0, monotonically increasing
//   - LogEndOffset (LEO) is one past the last appended record
//
// THREAD SAFETY:
//   - Appends are serialized; offsets observe a single total order
//   - Reads can run concurrently with each other
//
// The replication layer drives this engine through a narrow surface:
// Append, AppendRecords, Read, TruncateTo, Delete, LogEndOffset.
//
// =============================================================================

package storage

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrLogClosed means operations were attempted on a closed log.
	ErrLogClosed = errors.New("log is closed")

	// ErrOffsetOutOfRange means a read targeted an offset outside the log.
	ErrOffsetOutOfRange = errors.New("offset out of range")
)

// LogConfig bounds log growth and record size.
type LogConfig struct {
	// SegmentMaxBytes is the byte limit before the active segment rolls.
	SegmentMaxBytes int64

	// RecordMaxBytes is the largest accepted single record (framed size).
	RecordMaxBytes int
}

// DefaultLogConfig returns the limits used when none are configured.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		SegmentMaxBytes: 64 * 1024 * 1024,
		RecordMaxBytes:  1024 * 1024,
	}
}

// Log is an append-only log composed of segments.
type Log struct {
	// dir holds the segment files.
	dir string

	// config bounds segment and record sizes.
	config LogConfig

	// segments, sorted by base offset. The last one is active.
	segments []*Segment

	// activeSegment is the segment accepting writes.
	activeSegment *Segment

	// mu protects all mutable state.
	mu sync.RWMutex

	// closed blocks further operations once set.
	closed bool
}

// NewLog creates a log in dir, starting at offset 0.
func NewLog(dir string, config LogConfig) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	seg, err := NewSegment(dir, 0)
	if err != nil {
		return nil, err
	}
	return &Log{
		dir:           dir,
		config:        config,
		segments:      []*Segment{seg},
		activeSegment: seg,
	}, nil
}

// LoadLog opens an existing log, rebuilding segment indexes and repairing
// torn tails. An empty or missing directory yields a fresh log.
func LoadLog(dir string, config LogConfig) (*Log, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return NewLog(dir, config)
		}
		return nil, fmt.Errorf("read log directory: %w", err)
	}

	var baseOffsets []int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".log") {
			continue
		}
		offset, err := strconv.ParseInt(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil {
			continue
		}
		baseOffsets = append(baseOffsets, offset)
	}

	if len(baseOffsets) == 0 {
		return NewLog(dir, config)
	}

	sort.Slice(baseOffsets, func(i, j int) bool { return baseOffsets[i] < baseOffsets[j] })

	segments := make([]*Segment, 0, len(baseOffsets))
	for _, base := range baseOffsets {
		seg, err := LoadSegment(dir, base)
		if err != nil {
			for _, s := range segments {
				s.Close()
			}
			return nil, fmt.Errorf("load segment %d: %w", base, err)
		}
		segments = append(segments, seg)
	}

	return &Log{
		dir:           dir,
		config:        config,
		segments:      segments,
		activeSegment: segments[len(segments)-1],
	}, nil
}

// Dir returns the log's directory.
func (l *Log) Dir() string { return l.dir }

// LogEndOffset returns the offset one past the last appended record.
func (l *Log) LogEndOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeSegment.NextOffset()
}

// StartOffset returns the first offset still present in the log.
func (l *Log) StartOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.segments[0].BaseOffset()
}

// ActiveSegmentBaseOffset returns the base offset of the writable segment.
// The fetch path uses this to detect segment rolls.
func (l *Log) ActiveSegmentBaseOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeSegment.BaseOffset()
}

// Append assigns offsets to records and writes them to the active segment.
// Returns the first and last assigned offsets.
func (l *Log) Append(records []Record) (int64, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, 0, ErrLogClosed
	}
	if len(records) == 0 {
		return 0, 0, errors.New("append of zero records")
	}

	next := l.activeSegment.NextOffset()
	first := next
	for i := range records {
		if records[i].EncodedLen() > l.config.RecordMaxBytes {
			return 0, 0, fmt.Errorf("%w: %d bytes (limit %d)", ErrRecordTooLarge, records[i].EncodedLen(), l.config.RecordMaxBytes)
		}
		records[i].Offset = next
		next++
	}

	if err := l.maybeRollLocked(); err != nil {
		return 0, 0, err
	}
	if err := l.activeSegment.Append(records); err != nil {
		return 0, 0, err
	}
	return first, next - 1, nil
}

// AppendRecords writes records that already carry offsets (the follower
// replication path). Offsets must be contiguous with the current LEO.
func (l *Log) AppendRecords(records []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	if len(records) == 0 {
		return nil
	}
	if err := l.maybeRollLocked(); err != nil {
		return err
	}
	return l.activeSegment.Append(records)
}

// maybeRollLocked rolls a new active segment if the current one is full.
func (l *Log) maybeRollLocked() error {
	if l.activeSegment.Size() < l.config.SegmentMaxBytes {
		return nil
	}
	if err := l.activeSegment.Sync(); err != nil {
		return err
	}
	seg, err := NewSegment(l.dir, l.activeSegment.NextOffset())
	if err != nil {
		return err
	}
	l.segments = append(l.segments, seg)
	l.activeSegment = seg
	return nil
}

// Read returns records from offset, bounded by maxBytes of framed data and
// by maxOffset (exclusive). Reading exactly at LEO returns no records and no
// error; reading past LEO or below the start offset is ErrOffsetOutOfRange.
func (l *Log) Read(offset int64, maxBytes int, maxOffset int64) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrLogClosed
	}

	leo := l.activeSegment.NextOffset()
	if offset > leo || offset < l.segments[0].BaseOffset() {
		return nil, fmt.Errorf("%w: offset %d, log range [%d, %d]", ErrOffsetOutOfRange, offset, l.segments[0].BaseOffset(), leo)
	}
	if maxOffset > leo {
		maxOffset = leo
	}
	if offset >= maxOffset {
		return nil, nil
	}

	var out []Record
	readBytes := 0
	for _, seg := range l.segmentsFromLocked(offset) {
		if seg.BaseOffset() >= maxOffset {
			break
		}
		start := offset
		if start < seg.BaseOffset() {
			start = seg.BaseOffset()
		}
		recs, err := seg.ReadFrom(start, maxBytes-readBytes, maxOffset)
		if err != nil {
			return nil, err
		}
		for i := range recs {
			readBytes += recs[i].EncodedLen()
		}
		out = append(out, recs...)
		if readBytes >= maxBytes {
			break
		}
	}
	return out, nil
}

// BytesAvailable returns how many framed bytes sit between offset and
// maxOffset (exclusive), without reading record data.
func (l *Log) BytesAvailable(offset int64, maxOffset int64) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return 0
	}
	var total int64
	for _, seg := range l.segmentsFromLocked(offset) {
		if seg.BaseOffset() >= maxOffset {
			break
		}
		total += seg.BytesFrom(offset, maxOffset)
	}
	return total
}

// segmentsFromLocked returns the segments that may contain offset or later.
func (l *Log) segmentsFromLocked(offset int64) []*Segment {
	idx := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].NextOffset() > offset
	})
	if idx == len(l.segments) {
		idx = len(l.segments) - 1
	}
	return l.segments[idx:]
}

// TruncateTo discards all records at or above offset. Whole segments above
// the cut are removed; the segment containing it is truncated in place.
func (l *Log) TruncateTo(offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	if offset >= l.activeSegment.NextOffset() {
		return nil
	}

	keep := l.segments[:0]
	for _, seg := range l.segments {
		if seg.BaseOffset() >= offset && seg.BaseOffset() > l.segments[0].BaseOffset() {
			if err := seg.Remove(); err != nil {
				return err
			}
			continue
		}
		keep = append(keep, seg)
	}
	l.segments = keep
	l.activeSegment = l.segments[len(l.segments)-1]
	return l.activeSegment.TruncateTo(offset)
}

// Sync flushes the active segment to stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}
	return l.activeSegment.Sync()
}

// Close closes all segments. Further operations return ErrLogClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var firstErr error
	for _, seg := range l.segments {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Delete closes the log and removes its directory and all segment files.
func (l *Log) Delete() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		for _, seg := range l.segments {
			seg.Close()
		}
	}
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("delete log directory %s: %w", l.dir, err)
	}
	return nil
}
