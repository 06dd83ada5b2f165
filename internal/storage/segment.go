// =============================================================================
// SEGMENT - ONE FILE OF THE PARTITION LOG
// =============================================================================
//
// WHAT: A segment is a contiguous run of records stored in a single file,
// named by its base offset (e.g. "00000000000000001000.log"). Only the last
// segment of a log accepts writes.
//
// The offset index is kept in memory and rebuilt by scanning the file on
// load. Scanning also repairs torn tails: the first frame that fails length
// or CRC validation marks the end of valid data and the file is truncated
// there.
//
// =============================================================================

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrSegmentFull means the segment has reached its byte limit.
var ErrSegmentFull = errors.New("segment is full")

// Segment is one log file plus its in-memory offset index.
type Segment struct {
	// baseOffset is the offset of the first record in this segment.
	baseOffset int64

	// nextOffset is the offset the next appended record receives.
	nextOffset int64

	// file is the backing file, opened for append and read.
	file *os.File

	// path is the file path (kept for error context).
	path string

	// positions[i] is the byte position of record baseOffset+i.
	positions []int64

	// size is the current file size in bytes.
	size int64
}

// segmentFileName formats a base offset into a fixed-width file name so
// lexical order matches numeric order.
func segmentFileName(dir string, baseOffset int64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.log", baseOffset))
}

// NewSegment creates an empty segment starting at baseOffset.
func NewSegment(dir string, baseOffset int64) (*Segment, error) {
	path := segmentFileName(dir, baseOffset)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", path, err)
	}
	return &Segment{
		baseOffset: baseOffset,
		nextOffset: baseOffset,
		file:       file,
		path:       path,
	}, nil
}

// LoadSegment opens an existing segment file and rebuilds its index.
// A torn tail (partial or corrupt final frame) is truncated away.
func LoadSegment(dir string, baseOffset int64) (*Segment, error) {
	path := segmentFileName(dir, baseOffset)
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read segment %s: %w", path, err)
	}

	seg := &Segment{
		baseOffset: baseOffset,
		nextOffset: baseOffset,
		file:       file,
		path:       path,
	}

	pos := int64(0)
	for int(pos) < len(data) {
		rec, n, err := decodeRecord(data[pos:])
		if err != nil {
			// Torn tail: truncate to the last valid frame.
			if terr := file.Truncate(pos); terr != nil {
				file.Close()
				return nil, fmt.Errorf("truncate torn tail of %s: %w", path, terr)
			}
			break
		}
		if rec.Offset != seg.nextOffset {
			file.Close()
			return nil, fmt.Errorf("segment %s: offset gap at %d (found %d)", path, seg.nextOffset, rec.Offset)
		}
		seg.positions = append(seg.positions, pos)
		seg.nextOffset++
		pos += int64(n)
	}
	seg.size = pos

	if _, err := file.Seek(seg.size, 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("seek segment %s: %w", path, err)
	}
	return seg, nil
}

// BaseOffset returns the first offset in this segment.
func (s *Segment) BaseOffset() int64 { return s.baseOffset }

// NextOffset returns the offset the next record would receive.
func (s *Segment) NextOffset() int64 { return s.nextOffset }

// Size returns the segment file size in bytes.
func (s *Segment) Size() int64 { return s.size }

// Append writes records to the segment. Records must already carry the
// offsets this segment expects (contiguous from NextOffset).
func (s *Segment) Append(records []Record) error {
	var buf []byte
	next := s.nextOffset
	for i := range records {
		if records[i].Offset != next {
			return fmt.Errorf("append offset gap: expected %d, got %d", next, records[i].Offset)
		}
		buf = records[i].encode(buf)
		next++
	}

	if _, err := s.file.Write(buf); err != nil {
		return fmt.Errorf("write segment %s: %w", s.path, err)
	}

	pos := s.size
	for i := range records {
		s.positions = append(s.positions, pos)
		pos += int64(records[i].EncodedLen())
	}
	s.size = pos
	s.nextOffset = next
	return nil
}

// ReadFrom returns records starting at offset, up to maxBytes of framed data
// and never past maxOffset (exclusive). At least one record is returned if
// any is available, even when it alone exceeds maxBytes.
func (s *Segment) ReadFrom(offset int64, maxBytes int, maxOffset int64) ([]Record, error) {
	if offset < s.baseOffset || offset > s.nextOffset {
		return nil, fmt.Errorf("offset %d outside segment [%d, %d)", offset, s.baseOffset, s.nextOffset)
	}
	if offset == s.nextOffset || offset >= maxOffset {
		return nil, nil
	}

	start := s.positions[offset-s.baseOffset]

	end := s.size
	if maxOffset < s.nextOffset {
		end = s.positions[maxOffset-s.baseOffset]
	}

	data := make([]byte, end-start)
	if _, err := s.file.ReadAt(data, start); err != nil {
		return nil, fmt.Errorf("read segment %s: %w", s.path, err)
	}

	var out []Record
	pos := 0
	readBytes := 0
	for pos < len(data) {
		rec, n, err := decodeRecord(data[pos:])
		if err != nil {
			return nil, fmt.Errorf("segment %s at byte %d: %w", s.path, start+int64(pos), err)
		}
		if len(out) > 0 && readBytes+n > maxBytes {
			break
		}
		out = append(out, rec)
		readBytes += n
		pos += n
	}
	return out, nil
}

// BytesFrom returns how many framed bytes exist from offset (inclusive) to
// maxOffset (exclusive), for sizing fetch responses without reading data.
func (s *Segment) BytesFrom(offset int64, maxOffset int64) int64 {
	if offset < s.baseOffset {
		offset = s.baseOffset
	}
	if maxOffset > s.nextOffset {
		maxOffset = s.nextOffset
	}
	if offset >= maxOffset {
		return 0
	}
	start := s.positions[offset-s.baseOffset]
	end := s.size
	if maxOffset < s.nextOffset {
		end = s.positions[maxOffset-s.baseOffset]
	}
	return end - start
}

// TruncateTo discards all records at or above offset.
func (s *Segment) TruncateTo(offset int64) error {
	if offset >= s.nextOffset {
		return nil
	}
	if offset < s.baseOffset {
		offset = s.baseOffset
	}

	newSize := s.size
	if offset < s.nextOffset {
		newSize = s.positions[offset-s.baseOffset]
	}
	if err := s.file.Truncate(newSize); err != nil {
		return fmt.Errorf("truncate segment %s: %w", s.path, err)
	}
	if _, err := s.file.Seek(newSize, 0); err != nil {
		return fmt.Errorf("seek segment %s: %w", s.path, err)
	}

	s.positions = s.positions[:offset-s.baseOffset]
	s.size = newSize
	s.nextOffset = offset
	return nil
}

// Sync flushes the segment file to stable storage.
func (s *Segment) Sync() error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync segment %s: %w", s.path, err)
	}
	return nil
}

// Close closes the backing file.
func (s *Segment) Close() error {
	return s.file.Close()
}

// Remove closes and deletes the backing file.
func (s *Segment) Remove() error {
	s.file.Close()
	if err := os.Remove(s.path); err != nil {
		return fmt.Errorf("remove segment %s: %w", s.path, err)
	}
	return nil
}
