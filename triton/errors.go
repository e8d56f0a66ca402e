package triton

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrTopologyUnavailable means the open shards of a stream could not be listed.
	ErrTopologyUnavailable = errors.New("shard topology unavailable")

	// ErrEmptyKeySet is returned when a hash key cycle is built from zero keys.
	ErrEmptyKeySet = errors.New("no hash keys to cycle through")

	// ErrBatchDeliveryExhausted means a group still had rejected records when
	// the retry policy gave up.
	ErrBatchDeliveryExhausted = errors.New("batch delivery retries exhausted")

	ErrDeliveryFailed           = errors.New("record delivery failed")
	ErrDeliveryFailedAfterRetry = errors.New("record delivery failed after retry")

	// ErrTopologyReadFailed means the stored topology could not be scanned.
	ErrTopologyReadFailed = errors.New("stored topology read failed")
)

// TopologyError describes a failed shard listing.
type TopologyError struct {
	Stream string
	Page   int
	Err    error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("listing shards of %q (page %d): %v", e.Stream, e.Page, e.Err)
}

func (e *TopologyError) Unwrap() error { return e.Err }

func (e *TopologyError) Is(target error) bool { return target == ErrTopologyUnavailable }

// TopologyReadError describes a failed read of the stored topology.
type TopologyReadError struct {
	Table string
	Page  int
	Err   error
}

func (e *TopologyReadError) Error() string {
	return fmt.Sprintf("reading topology from %q (page %d): %v", e.Table, e.Page, e.Err)
}

func (e *TopologyReadError) Unwrap() error { return e.Err }

func (e *TopologyReadError) Is(target error) bool { return target == ErrTopologyReadFailed }

// GroupError is the failure of one PutRecords group. Undelivered holds the
// indexes, relative to the records handed to WriteRecords, that never made
// it into the stream.
type GroupError struct {
	Group       int
	Offset      int
	Size        int
	Attempts    int
	Undelivered []int
	Err         error
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("group %d (records %d-%d): %d undelivered after %d attempts: %v",
		e.Group, e.Offset, e.Offset+e.Size-1, len(e.Undelivered), e.Attempts, e.Err)
}

func (e *GroupError) Unwrap() error { return e.Err }

// RecordError is the terminal outcome of a single record write. Err is
// ErrDeliveryFailed or ErrDeliveryFailedAfterRetry, Cause the error of the
// last attempt.
type RecordError struct {
	Stream   string
	HashKey  string
	Attempts int
	Err      error
	Cause    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("put record to %q (hash key %s, %d attempts): %v: %v", e.Stream, e.HashKey, e.Attempts, e.Err, e.Cause)
}

func (e *RecordError) Unwrap() []error { return []error{e.Err, e.Cause} }

// ChunkError is the failure of one BatchWriteItem chunk. ShardIDs lists the
// rows that were not stored.
type ChunkError struct {
	Chunk    int
	Offset   int
	ShardIDs []string
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("topology chunk %d (rows from %d): %d rows unsaved: %v", e.Chunk, e.Offset, len(e.ShardIDs), e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }
