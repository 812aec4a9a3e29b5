package talus

import (
	"github.com/pkg/errors"

	"github.com/talusdb/talus/tree"
)

// Sentinel errors returned by Keyspace and Partition operations. Callers
// should match them with errors.Is (or errors.Cause) since most paths wrap
// them with context.
var (
	// ErrKeyNotFound is returned by point reads when the key does not exist
	// or its newest visible version is a tombstone.
	ErrKeyNotFound = tree.ErrKeyNotFound

	// ErrPartitionNotFound is returned when an operation references a
	// partition that does not exist or has been dropped.
	ErrPartitionNotFound = errors.New("partition not found")

	// ErrPartitionExists is returned by CreatePartition when the name is
	// already registered.
	ErrPartitionExists = errors.New("partition already exists")

	// ErrWriterTimeout is returned when the single writer permit could not
	// be acquired within the configured commit timeout.
	ErrWriterTimeout = errors.New("timed out waiting for writer permit")

	// ErrKeyspaceClosed is returned by operations on a closed keyspace.
	ErrKeyspaceClosed = errors.New("keyspace is closed")

	// ErrReadOnly is returned by mutating operations on a keyspace opened
	// with Config.ReadOnly.
	ErrReadOnly = errors.New("keyspace is read-only")

	// ErrLocked is returned by Open when another process holds the
	// keyspace lock.
	ErrLocked = errors.New("keyspace is locked by another process")

	// ErrInvalidPartitionName is returned by CreatePartition for names that
	// are empty, too long, or contain path separators.
	ErrInvalidPartitionName = errors.New("invalid partition name")

	// ErrTxDone is returned when a finished transaction is reused.
	ErrTxDone = errors.New("transaction already committed or rolled back")
)

// IsNotFound reports whether err is a missing-key or missing-partition
// condition, as opposed to an I/O or corruption failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrPartitionNotFound)
}
