// =============================================================================
// REPLICATION ERROR TAXONOMY
// =============================================================================
//
// WHAT: Per-partition and request-level error codes for the replication
// layer, plus classification of log-engine failures into those codes.
//
// PROPAGATION POLICY:
//   - Per-partition errors surface on the individual partition slot of the
//     response; siblings are unaffected
//   - Request-level errors (acks validation, stale controller epoch)
//     short-circuit the whole request
//   - Unknown failures map to ErrUnknownServer and are logged with context
//   - Storage failures halt the process: a broker that cannot trust its
//     local durability state must not keep serving
//
// =============================================================================

package cluster

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"logbroker/internal/storage"
)

// ErrorCode is the wire representation of a replication-layer error.
type ErrorCode int

const (
	// ErrNone indicates success.
	ErrNone ErrorCode = 0

	// ErrUnknownServer is an unclassified server-side failure.
	ErrUnknownServer ErrorCode = 1

	// ErrUnknownTopicOrPartition means the partition is not hosted here.
	ErrUnknownTopicOrPartition ErrorCode = 2

	// ErrNotLeaderForPartition means the request required the leader but
	// this broker is a follower or offline for the partition.
	ErrNotLeaderForPartition ErrorCode = 3

	// ErrReplicaNotAvailable means the replica is assigned here but has no
	// local state yet.
	ErrReplicaNotAvailable ErrorCode = 4

	// ErrStaleControllerEpoch means the request came from a superseded
	// controller. Request-level.
	ErrStaleControllerEpoch ErrorCode = 5

	// ErrStaleLeaderEpoch means the partition decision carries a leader
	// epoch no newer than the one already applied.
	ErrStaleLeaderEpoch ErrorCode = 6

	// ErrInvalidRequiredAcks means acks was outside {-1, 0, 1}. Request-level.
	ErrInvalidRequiredAcks ErrorCode = 7

	// ErrInvalidTopic means a produce targeted an internal topic without the
	// internal-allowed flag.
	ErrInvalidTopic ErrorCode = 8

	// ErrRecordTooLarge means a single record exceeded the configured limit.
	ErrRecordTooLarge ErrorCode = 9

	// ErrRecordBatchTooLarge means a record batch exceeded the segment limit.
	ErrRecordBatchTooLarge ErrorCode = 10

	// ErrCorruptRecord means a record failed CRC or structural validation.
	ErrCorruptRecord ErrorCode = 11

	// ErrInvalidTimestamp means a record carried an unacceptable timestamp.
	ErrInvalidTimestamp ErrorCode = 12

	// ErrOffsetOutOfRange means a fetch offset fell outside the log.
	ErrOffsetOutOfRange ErrorCode = 13

	// ErrRequestTimedOut means a delayed operation expired before completion.
	ErrRequestTimedOut ErrorCode = 14

	// ErrNotEnoughReplicas means acks=all was rejected because the ISR is
	// below the configured minimum.
	ErrNotEnoughReplicas ErrorCode = 15

	// ErrNotEnoughReplicasAfterAppend means the ISR dropped below the
	// minimum after the write was already in the leader log.
	ErrNotEnoughReplicasAfterAppend ErrorCode = 16
)

// String returns the code's name for logs and error messages.
func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "None"
	case ErrUnknownServer:
		return "UnknownServer"
	case ErrUnknownTopicOrPartition:
		return "UnknownTopicOrPartition"
	case ErrNotLeaderForPartition:
		return "NotLeaderForPartition"
	case ErrReplicaNotAvailable:
		return "ReplicaNotAvailable"
	case ErrStaleControllerEpoch:
		return "StaleControllerEpoch"
	case ErrStaleLeaderEpoch:
		return "StaleLeaderEpoch"
	case ErrInvalidRequiredAcks:
		return "InvalidRequiredAcks"
	case ErrInvalidTopic:
		return "InvalidTopic"
	case ErrRecordTooLarge:
		return "RecordTooLarge"
	case ErrRecordBatchTooLarge:
		return "RecordBatchTooLarge"
	case ErrCorruptRecord:
		return "CorruptRecord"
	case ErrInvalidTimestamp:
		return "InvalidTimestamp"
	case ErrOffsetOutOfRange:
		return "OffsetOutOfRange"
	case ErrRequestTimedOut:
		return "RequestTimedOut"
	case ErrNotEnoughReplicas:
		return "NotEnoughReplicas"
	case ErrNotEnoughReplicasAfterAppend:
		return "NotEnoughReplicasAfterAppend"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// ReplicationError is an error carrying a wire code.
type ReplicationError struct {
	Code    ErrorCode
	Message string
}

// Error implements the error interface.
func (e *ReplicationError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewReplicationError builds a coded error with a formatted message.
func NewReplicationError(code ErrorCode, format string, args ...any) *ReplicationError {
	return &ReplicationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeFor classifies an error into a wire code. Coded errors pass through;
// log-engine failures map to the taxonomy; anything else is UnknownServer.
func CodeFor(err error) ErrorCode {
	if err == nil {
		return ErrNone
	}
	var re *ReplicationError
	if errors.As(err, &re) {
		return re.Code
	}
	switch {
	case errors.Is(err, storage.ErrOffsetOutOfRange):
		return ErrOffsetOutOfRange
	case errors.Is(err, storage.ErrRecordTooLarge):
		return ErrRecordTooLarge
	case errors.Is(err, storage.ErrCorruptRecord):
		return ErrCorruptRecord
	default:
		return ErrUnknownServer
	}
}

// fatalStorageFailure is called when local durability state can no longer be
// trusted (log I/O or checkpoint write failures). Halts the process.
// Overridable so tests can observe the halt instead of dying.
var fatalStorageFailure = func(logger *slog.Logger, msg string, args ...any) {
	logger.Error("FATAL storage failure, halting: "+msg, args...)
	os.Exit(1)
}

// isStorageFatal reports whether a log-engine error is an I/O failure that
// must halt the broker, as opposed to a per-request classification.
func isStorageFatal(err error) bool {
	if err == nil {
		return false
	}
	switch CodeFor(err) {
	case ErrOffsetOutOfRange, ErrRecordTooLarge, ErrCorruptRecord:
		return false
	}
	var re *ReplicationError
	if errors.As(err, &re) {
		return false
	}
	if errors.Is(err, storage.ErrLogClosed) {
		return false
	}
	// Remaining log-engine errors are filesystem-level.
	return true
}
