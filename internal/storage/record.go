// =============================================================================
// RECORD - ON-DISK AND WIRE FORMAT FOR LOG ENTRIES
// =============================================================================
//
// WHAT: A record is one message in a partition log. On disk, each record is
// framed so the log can be scanned sequentially and torn tails detected:
//
//   ┌──────────┬──────────┬──────────────────────────────────────────────┐
//   │ length   │ crc32    │ payload                                      │
//   │ uint32   │ uint32   │ offset|timestamp|keyLen|key|valueLen|value   │
//   └──────────┴──────────┴──────────────────────────────────────────────┘
//
//   - length covers the payload only (not itself, not the CRC)
//   - crc32 (IEEE) covers the payload; a mismatch marks the end of valid data
//   - keyLen = -1 encodes a nil key
//
// All integers are big-endian.
//
// =============================================================================

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

var (
	// ErrCorruptRecord means a record frame failed CRC or length validation.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrRecordTooLarge means a single record exceeds the configured maximum.
	ErrRecordTooLarge = errors.New("record exceeds maximum size")
)

// frame header: 4 bytes length + 4 bytes crc.
const frameHeaderLen = 8

// payload header: 8 bytes offset + 8 bytes timestamp.
const payloadHeaderLen = 16

// Record is a single log entry.
type Record struct {
	// Offset is the record's position in the partition log.
	// Assigned by the leader on append; preserved on follower replication.
	Offset int64 `json:"offset"`

	// Timestamp is the append time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Key is the optional record key. Nil and empty are distinguished on disk.
	Key []byte `json:"key,omitempty"`

	// Value is the record payload.
	Value []byte `json:"value"`
}

// EncodedLen returns the framed size of the record on disk.
func (r *Record) EncodedLen() int {
	n := frameHeaderLen + payloadHeaderLen + 4 + 4 + len(r.Value)
	if r.Key != nil {
		n += len(r.Key)
	}
	return n
}

// encode appends the framed record to buf and returns the extended slice.
func (r *Record) encode(buf []byte) []byte {
	keyLen := -1
	if r.Key != nil {
		keyLen = len(r.Key)
	}

	payloadLen := payloadHeaderLen + 4 + 4 + len(r.Value)
	if keyLen > 0 {
		payloadLen += keyLen
	}

	start := len(buf)
	buf = append(buf, make([]byte, frameHeaderLen+payloadLen)...)
	payload := buf[start+frameHeaderLen:]

	binary.BigEndian.PutUint64(payload[0:8], uint64(r.Offset))
	binary.BigEndian.PutUint64(payload[8:16], uint64(r.Timestamp))
	binary.BigEndian.PutUint32(payload[16:20], uint32(int32(keyLen)))
	pos := 20
	if keyLen > 0 {
		copy(payload[pos:], r.Key)
		pos += keyLen
	}
	binary.BigEndian.PutUint32(payload[pos:pos+4], uint32(len(r.Value)))
	pos += 4
	copy(payload[pos:], r.Value)

	binary.BigEndian.PutUint32(buf[start:start+4], uint32(payloadLen))
	binary.BigEndian.PutUint32(buf[start+4:start+8], crc32.ChecksumIEEE(payload))
	return buf
}

// decodeRecord parses one framed record from data.
// Returns the record and the number of bytes consumed.
func decodeRecord(data []byte) (Record, int, error) {
	if len(data) < frameHeaderLen {
		return Record{}, 0, ErrCorruptRecord
	}

	payloadLen := int(binary.BigEndian.Uint32(data[0:4]))
	crc := binary.BigEndian.Uint32(data[4:8])

	if payloadLen < payloadHeaderLen+8 || frameHeaderLen+payloadLen > len(data) {
		return Record{}, 0, ErrCorruptRecord
	}

	payload := data[frameHeaderLen : frameHeaderLen+payloadLen]
	if crc32.ChecksumIEEE(payload) != crc {
		return Record{}, 0, fmt.Errorf("%w: crc mismatch", ErrCorruptRecord)
	}

	rec := Record{
		Offset:    int64(binary.BigEndian.Uint64(payload[0:8])),
		Timestamp: int64(binary.BigEndian.Uint64(payload[8:16])),
	}

	keyLen := int(int32(binary.BigEndian.Uint32(payload[16:20])))
	pos := 20
	if keyLen >= 0 {
		if pos+keyLen+4 > len(payload) {
			return Record{}, 0, ErrCorruptRecord
		}
		rec.Key = make([]byte, keyLen)
		copy(rec.Key, payload[pos:pos+keyLen])
		pos += keyLen
	}

	valueLen := int(binary.BigEndian.Uint32(payload[pos : pos+4]))
	pos += 4
	if pos+valueLen != len(payload) {
		return Record{}, 0, ErrCorruptRecord
	}
	rec.Value = make([]byte, valueLen)
	copy(rec.Value, payload[pos:])

	return rec, frameHeaderLen + payloadLen, nil
}
