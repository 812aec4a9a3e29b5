package tree

import (
	"encoding/binary"

	"github.com/bits-and-blooms/bloom/v3"
)

// IndexEntry is a sparse index entry pointing to one data block.
// FirstSeq is the sequence of the block's first entry, needed because
// the versions of one key may straddle a block boundary.
type IndexEntry struct {
	Key         []byte // First key in the block
	FirstSeq    uint64 // Sequence of the first entry in the block
	BlockOffset uint64 // File offset of the block
	BlockSize   uint32 // Size of the compressed block
}

// Index provides efficient key lookup within a segment.
type Index struct {
	Entries []IndexEntry
	MinKey  []byte
	MaxKey  []byte
	NumKeys uint64
}

// IndexBuilder builds the sparse index during segment creation.
type IndexBuilder struct {
	entries []IndexEntry
	minKey  []byte
	maxKey  []byte
	numKeys uint64
}

// NewIndexBuilder creates an index builder.
func NewIndexBuilder() *IndexBuilder {
	return &IndexBuilder{
		entries: make([]IndexEntry, 0, 256),
	}
}

// Add adds a block reference to the index.
func (ib *IndexBuilder) Add(firstKey []byte, firstSeq uint64, lastKey []byte, offset uint64, size uint32, entriesInBlock int) {
	if ib.minKey == nil {
		ib.minKey = make([]byte, len(firstKey))
		copy(ib.minKey, firstKey)
	}
	ib.maxKey = append(ib.maxKey[:0], lastKey...)
	ib.numKeys += uint64(entriesInBlock)

	keyCopy := make([]byte, len(firstKey))
	copy(keyCopy, firstKey)

	ib.entries = append(ib.entries, IndexEntry{
		Key:         keyCopy,
		FirstSeq:    firstSeq,
		BlockOffset: offset,
		BlockSize:   size,
	})
}

// Build creates the final index.
func (ib *IndexBuilder) Build() *Index {
	return &Index{
		Entries: ib.entries,
		MinKey:  ib.minKey,
		MaxKey:  ib.maxKey,
		NumKeys: ib.numKeys,
	}
}

// Search finds the first block that may hold the newest version of key
// visible at asOf. Returns the block index, or -1 if key is outside the
// segment's key range. The visible version may spill into following
// blocks when one key's versions straddle a boundary, so callers scan
// forward from the returned block.
func (idx *Index) Search(key []byte, asOf uint64) int {
	if len(idx.Entries) == 0 {
		return -1
	}
	if CompareKeys(key, idx.MinKey) < 0 || CompareKeys(key, idx.MaxKey) > 0 {
		return -1
	}

	// Last block whose first entry is <= (key, asOf) in internal order.
	lo, hi := 0, len(idx.Entries)-1
	result := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		e := idx.Entries[mid]
		if compareInternal(e.Key, e.FirstSeq, key, asOf) <= 0 {
			result = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return result
}

// SeekBlock returns the index of the first block that may contain keys
// >= target, for range iteration. Returns len(Entries) when every key
// in the segment is below target.
func (idx *Index) SeekBlock(target []byte) int {
	if len(idx.Entries) == 0 || CompareKeys(idx.MaxKey, target) < 0 {
		return len(idx.Entries)
	}

	// Last block with first key <= target; earlier blocks cannot hold it.
	lo, hi := 0, len(idx.Entries)-1
	result := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if CompareKeys(idx.Entries[mid].Key, target) <= 0 {
			result = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return result
}

// Serialize encodes the index for storage.
func (idx *Index) Serialize() []byte {
	size := 8 + 4 + len(idx.MinKey) + 4 + len(idx.MaxKey) + 4
	for _, e := range idx.Entries {
		size += 4 + len(e.Key) + 8 + 8 + 4
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint64(buf, idx.NumKeys)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(idx.MinKey)))
	buf = append(buf, idx.MinKey...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(idx.MaxKey)))
	buf = append(buf, idx.MaxKey...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(idx.Entries)))
	for _, e := range idx.Entries {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Key)))
		buf = append(buf, e.Key...)
		buf = binary.LittleEndian.AppendUint64(buf, e.FirstSeq)
		buf = binary.LittleEndian.AppendUint64(buf, e.BlockOffset)
		buf = binary.LittleEndian.AppendUint32(buf, e.BlockSize)
	}
	return buf
}

// DeserializeIndex recreates an index from bytes.
func DeserializeIndex(data []byte) (*Index, error) {
	if len(data) < 8 {
		return nil, ErrCorruptedData
	}

	idx := &Index{}
	pos := 0

	idx.NumKeys = binary.LittleEndian.Uint64(data[pos:])
	pos += 8

	if pos+4 > len(data) {
		return nil, ErrCorruptedData
	}
	minKeyLen := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	if pos+minKeyLen > len(data) {
		return nil, ErrCorruptedData
	}
	idx.MinKey = make([]byte, minKeyLen)
	copy(idx.MinKey, data[pos:pos+minKeyLen])
	pos += minKeyLen

	if pos+4 > len(data) {
		return nil, ErrCorruptedData
	}
	maxKeyLen := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	if pos+maxKeyLen > len(data) {
		return nil, ErrCorruptedData
	}
	idx.MaxKey = make([]byte, maxKeyLen)
	copy(idx.MaxKey, data[pos:pos+maxKeyLen])
	pos += maxKeyLen

	if pos+4 > len(data) {
		return nil, ErrCorruptedData
	}
	numEntries := binary.LittleEndian.Uint32(data[pos:])
	pos += 4

	idx.Entries = make([]IndexEntry, 0, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		if pos+4 > len(data) {
			return nil, ErrCorruptedData
		}
		keyLen := int(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
		if pos+keyLen+20 > len(data) {
			return nil, ErrCorruptedData
		}

		key := make([]byte, keyLen)
		copy(key, data[pos:pos+keyLen])
		pos += keyLen

		firstSeq := binary.LittleEndian.Uint64(data[pos:])
		pos += 8
		offset := binary.LittleEndian.Uint64(data[pos:])
		pos += 8
		size := binary.LittleEndian.Uint32(data[pos:])
		pos += 4

		idx.Entries = append(idx.Entries, IndexEntry{
			Key:         key,
			FirstSeq:    firstSeq,
			BlockOffset: offset,
			BlockSize:   size,
		})
	}

	return idx, nil
}

// BloomFilter wraps a bloom filter with serialization.
type BloomFilter struct {
	filter *bloom.BloomFilter
}

// NewBloomFilter creates a bloom filter for the expected number of keys.
func NewBloomFilter(numKeys uint, fpRate float64) *BloomFilter {
	return &BloomFilter{
		filter: bloom.NewWithEstimates(numKeys, fpRate),
	}
}

// Add adds a key to the bloom filter.
func (bf *BloomFilter) Add(key []byte) {
	bf.filter.Add(key)
}

// MayContain returns true if the key might be in the set.
// False positives are possible, but false negatives are not.
func (bf *BloomFilter) MayContain(key []byte) bool {
	return bf.filter.Test(key)
}

// Serialize encodes the bloom filter for storage.
func (bf *BloomFilter) Serialize() ([]byte, error) {
	return bf.filter.MarshalBinary()
}

// DeserializeBloomFilter recreates a bloom filter from bytes.
func DeserializeBloomFilter(data []byte) (*BloomFilter, error) {
	filter := &bloom.BloomFilter{}
	if err := filter.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &BloomFilter{filter: filter}, nil
}
