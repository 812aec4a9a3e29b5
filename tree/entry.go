package tree

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Kind identifies what an entry does to its key.
type Kind uint8

const (
	// KindSet stores a value for a key.
	KindSet Kind = iota + 1
	// KindDelete is a tombstone shadowing older versions of a key.
	KindDelete
)

// Entry is one version of one key. Versions are ordered by Seq; the
// highest Seq not above a reader's visibility bound wins.
type Entry struct {
	Key   []byte
	Value []byte
	Seq   uint64
	Kind  Kind
}

// Tombstone reports whether the entry deletes its key.
func (e Entry) Tombstone() bool {
	return e.Kind == KindDelete
}

// Common errors
var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrCorruptedData    = errors.New("corrupted data")
	ErrTreeClosed       = errors.New("tree closed")
)

// CompareKeys performs lexicographic comparison of two user keys.
func CompareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// compareInternal orders entries by key ascending, then sequence
// descending, so the newest version of a key sorts first. This is
// the total order used by the memtable, segment files, and merges.
func compareInternal(aKey []byte, aSeq uint64, bKey []byte, bSeq uint64) int {
	if c := bytes.Compare(aKey, bKey); c != 0 {
		return c
	}
	switch {
	case aSeq > bSeq:
		return -1
	case aSeq < bSeq:
		return 1
	}
	return 0
}

// entryOverhead approximates the per-entry bookkeeping bytes beyond
// key and value payloads: two length prefixes, sequence, and kind.
const entryOverhead = 4 + 4 + 8 + 1

// encodedEntrySize returns the serialized size of an entry.
func encodedEntrySize(e Entry) int {
	return entryOverhead + len(e.Key) + len(e.Value)
}

// appendEntry appends the encoded entry to dst and returns the result.
// Format: key_len(4) + key + seq(8) + kind(1) + value_len(4) + value.
func appendEntry(dst []byte, e Entry) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(e.Key)))
	dst = append(dst, e.Key...)
	dst = binary.LittleEndian.AppendUint64(dst, e.Seq)
	dst = append(dst, byte(e.Kind))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(e.Value)))
	dst = append(dst, e.Value...)
	return dst
}

// decodeEntry deserializes one entry from data.
// Returns the entry and the number of bytes consumed. Key and value
// are copied so the entry stays valid after the block is evicted.
func decodeEntry(data []byte) (Entry, int, error) {
	if len(data) < 4 {
		return Entry{}, 0, ErrCorruptedData
	}
	keyLen := binary.LittleEndian.Uint32(data)
	n := 4 + int(keyLen) + 8 + 1 + 4
	if keyLen > uint32(len(data)) || len(data) < n {
		return Entry{}, 0, ErrCorruptedData
	}
	key := make([]byte, keyLen)
	copy(key, data[4:4+keyLen])

	off := 4 + int(keyLen)
	seq := binary.LittleEndian.Uint64(data[off:])
	kind := Kind(data[off+8])
	if kind != KindSet && kind != KindDelete {
		return Entry{}, 0, ErrCorruptedData
	}
	valLen := binary.LittleEndian.Uint32(data[off+9:])
	if len(data) < n+int(valLen) {
		return Entry{}, 0, ErrCorruptedData
	}
	var val []byte
	if valLen > 0 {
		val = make([]byte, valLen)
		copy(val, data[n:n+int(valLen)])
	}

	return Entry{Key: key, Value: val, Seq: seq, Kind: kind}, n + int(valLen), nil
}
