package tree

import (
	"encoding/binary"
	"hash/crc32"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Pooled zstd decoder for efficient reuse
var zstdDecoderPool = sync.Pool{
	New: func() interface{} {
		decoder, _ := zstd.NewReader(nil)
		return decoder
	},
}

// Buffer pools for decompression - size classes to reduce fragmentation
// Sizes: 4KB, 16KB, 64KB, 256KB, 1MB
var decompressPools = [5]sync.Pool{
	{New: func() interface{} { return make([]byte, 0, 4*1024) }},
	{New: func() interface{} { return make([]byte, 0, 16*1024) }},
	{New: func() interface{} { return make([]byte, 0, 64*1024) }},
	{New: func() interface{} { return make([]byte, 0, 256*1024) }},
	{New: func() interface{} { return make([]byte, 0, 1024*1024) }},
}

var decompressPoolSizes = [5]int{4 * 1024, 16 * 1024, 64 * 1024, 256 * 1024, 1024 * 1024}

// maxBlockSize is the maximum allowed uncompressed block size (64MB).
// This prevents OOM from malformed blocks claiming huge uncompressed sizes.
const maxBlockSize = 64 * 1024 * 1024

func getDecompressBuffer(size int) []byte {
	for i, poolSize := range decompressPoolSizes {
		if size <= poolSize {
			buf := decompressPools[i].Get().([]byte)
			return buf[:0]
		}
	}
	// Too large for pools, allocate directly
	return make([]byte, 0, size)
}

func putDecompressBuffer(buf []byte) {
	c := cap(buf)
	for i, poolSize := range decompressPoolSizes {
		if c == poolSize {
			decompressPools[i].Put(buf[:0])
			return
		}
	}
	// Not a pooled size, let GC handle it
}

// Channel-based encoder pool (won't be cleared by GC like sync.Pool).
// Encoder initialization is expensive, so hold on to a few per level.
var zstdEncoderPools [5]chan *zstd.Encoder

func init() {
	for i := range zstdEncoderPools {
		zstdEncoderPools[i] = make(chan *zstd.Encoder, 4)
	}
}

func clampEncoderLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > 4 {
		return 4
	}
	return level
}

func getEncoder(level int) *zstd.Encoder {
	level = clampEncoderLevel(level)
	select {
	case enc := <-zstdEncoderPools[level]:
		return enc
	default:
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		return enc
	}
}

func putEncoder(level int, enc *zstd.Encoder) {
	level = clampEncoderLevel(level)
	select {
	case zstdEncoderPools[level] <- enc:
	default:
		enc.Close()
	}
}

// block types
const (
	blockTypeData  uint8 = 1
	blockTypeIndex uint8 = 2
	blockTypeBloom uint8 = 3
	blockTypeMeta  uint8 = 4
)

// blockFooterSize is the size of the block footer in bytes.
const blockFooterSize = 13 // checksum(4) + uncompressed_size(4) + compressed_size(4) + compression_type(1)

// Compression type markers in block footer
const (
	compressionTypeSnappy uint8 = 1
	compressionTypeNone   uint8 = 2
	compressionTypeZstd   uint8 = 3
)

// BlockPair is a raw key-value pair inside an index, bloom, or meta
// block. Data blocks carry full versioned entries instead.
type BlockPair struct {
	Key   []byte
	Value []byte
}

// Block is a decoded block. Exactly one of Entries or Pairs is set,
// depending on Type. All byte slices are owned by the block, so a
// decoded block stays valid regardless of cache or pool activity.
type Block struct {
	Type    uint8
	Entries []Entry     // data blocks
	Pairs   []BlockPair // index/bloom/meta blocks
}

// blockBuilder builds blocks. Data blocks are built with AddEntry,
// the auxiliary block types with AddPair.
type blockBuilder struct {
	buf       []byte
	count     int
	blockSize int
	firstKey  []byte

	// Reusable buffer for compressed output
	compressBuf []byte
}

// newBlockBuilder creates a new block builder.
func newBlockBuilder(blockSize int) *blockBuilder {
	return &blockBuilder{
		buf:         make([]byte, 3, blockSize+1024),
		blockSize:   blockSize,
		compressBuf: make([]byte, 0, snappy.MaxEncodedLen(blockSize+1024)),
	}
}

// AddEntry adds a versioned entry to a data block.
// Returns false without adding if the block is full.
func (b *blockBuilder) AddEntry(e Entry) bool {
	if b.count > 0 && len(b.buf)+encodedEntrySize(e) > b.blockSize {
		return false
	}
	if b.count == 0 {
		b.firstKey = append(b.firstKey[:0], e.Key...)
	}
	b.buf = appendEntry(b.buf, e)
	b.count++
	return true
}

// AddPair adds a raw key-value pair to an index/bloom/meta block.
// Returns false without adding if the block is full.
func (b *blockBuilder) AddPair(key, value []byte) bool {
	entrySize := 4 + len(key) + 4 + len(value)
	if b.count > 0 && len(b.buf)+entrySize > b.blockSize {
		return false
	}
	if b.count == 0 {
		b.firstKey = append(b.firstKey[:0], key...)
	}
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(key)))
	b.buf = append(b.buf, key...)
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(value)))
	b.buf = append(b.buf, value...)
	b.count++
	return true
}

// Build serializes and compresses the block.
// Layout: header type(1) + num_entries(2), entries, then a footer of
// checksum(4) + uncompressed_size(4) + compressed_size(4) + compression(1).
func (b *blockBuilder) Build(blockType uint8, compression Compression, level int) ([]byte, error) {
	b.buf[0] = blockType
	binary.LittleEndian.PutUint16(b.buf[1:], uint16(b.count))
	uncompressedSize := len(b.buf)

	var compressed []byte
	var compType uint8

	switch compression {
	case CompressionSnappy:
		maxLen := snappy.MaxEncodedLen(len(b.buf))
		if cap(b.compressBuf) < maxLen {
			b.compressBuf = make([]byte, 0, maxLen)
		}
		compressed = snappy.Encode(b.compressBuf[:maxLen], b.buf)
		compType = compressionTypeSnappy
	case CompressionNone:
		if cap(b.compressBuf) < len(b.buf) {
			b.compressBuf = make([]byte, len(b.buf))
		}
		compressed = b.compressBuf[:len(b.buf)]
		copy(compressed, b.buf)
		compType = compressionTypeNone
	default: // CompressionZstd
		encoder := getEncoder(level)
		if cap(b.compressBuf) < len(b.buf) {
			b.compressBuf = make([]byte, 0, len(b.buf))
		}
		compressed = encoder.EncodeAll(b.buf, b.compressBuf[:0])
		putEncoder(level, encoder)
		compType = compressionTypeZstd
	}

	checksum := crc32.ChecksumIEEE(compressed)
	footer := make([]byte, blockFooterSize)
	binary.LittleEndian.PutUint32(footer[0:], checksum)
	binary.LittleEndian.PutUint32(footer[4:], uint32(uncompressedSize))
	binary.LittleEndian.PutUint32(footer[8:], uint32(len(compressed)))
	footer[12] = compType

	return append(compressed, footer...), nil
}

// Reset clears the builder for reuse.
func (b *blockBuilder) Reset() {
	b.buf = b.buf[:3]
	b.count = 0
	b.firstKey = b.firstKey[:0]
}

// Count returns the number of entries in the block.
func (b *blockBuilder) Count() int {
	return b.count
}

// Size returns the current uncompressed block size.
func (b *blockBuilder) Size() int {
	return len(b.buf)
}

// FirstKey returns the first key in the block, or nil if empty.
func (b *blockBuilder) FirstKey() []byte {
	if b.count == 0 {
		return nil
	}
	return b.firstKey
}

// blockFooter holds parsed footer data.
type blockFooter struct {
	checksum         uint32
	uncompressedSize uint32
	compressedSize   uint32
	compType         uint8
	compressed       []byte
}

// DecodeBlock decompresses and parses a block. The returned block owns
// its bytes; the decompression scratch buffer is returned to the pool
// before DecodeBlock returns.
func DecodeBlock(data []byte, verifyChecksum bool) (*Block, error) {
	footer, err := parseBlockFooter(data, verifyChecksum)
	if err != nil {
		return nil, err
	}

	scratch := getDecompressBuffer(int(footer.uncompressedSize))
	defer putDecompressBuffer(scratch)

	decompressed, err := decompressBlockData(footer, scratch)
	if err != nil {
		return nil, err
	}
	return parseBlockContents(decompressed)
}

// parseBlockFooter validates and parses the block footer.
func parseBlockFooter(data []byte, verifyChecksum bool) (*blockFooter, error) {
	if len(data) < blockFooterSize {
		return nil, ErrCorruptedData
	}

	footer := data[len(data)-blockFooterSize:]
	f := &blockFooter{
		checksum:         binary.LittleEndian.Uint32(footer[0:]),
		uncompressedSize: binary.LittleEndian.Uint32(footer[4:]),
		compressedSize:   binary.LittleEndian.Uint32(footer[8:]),
		compType:         footer[12],
		compressed:       data[:len(data)-blockFooterSize],
	}

	if uint32(len(f.compressed)) != f.compressedSize {
		return nil, ErrCorruptedData
	}
	if f.compType < compressionTypeSnappy || f.compType > compressionTypeZstd {
		return nil, ErrCorruptedData
	}
	if verifyChecksum && crc32.ChecksumIEEE(f.compressed) != f.checksum {
		return nil, ErrChecksumMismatch
	}
	if f.uncompressedSize > maxBlockSize {
		return nil, ErrCorruptedData
	}
	return f, nil
}

// decompressBlockData decompresses block data into scratch based on
// compression type. The result may alias scratch.
func decompressBlockData(f *blockFooter, scratch []byte) ([]byte, error) {
	switch f.compType {
	case compressionTypeSnappy:
		decodedLen, err := snappy.DecodedLen(f.compressed)
		if err != nil {
			return nil, err
		}
		if decodedLen != int(f.uncompressedSize) {
			return nil, ErrCorruptedData
		}
		return snappy.Decode(scratch[:f.uncompressedSize], f.compressed)
	case compressionTypeNone:
		return f.compressed, nil
	default:
		decoder := zstdDecoderPool.Get().(*zstd.Decoder)
		decompressed, err := decoder.DecodeAll(f.compressed, scratch)
		zstdDecoderPool.Put(decoder)
		return decompressed, err
	}
}

// parseBlockContents parses entries out of decompressed data, copying
// all bytes so the result does not alias the scratch buffer.
func parseBlockContents(decompressed []byte) (*Block, error) {
	if len(decompressed) < 3 {
		return nil, ErrCorruptedData
	}

	blockType := decompressed[0]
	numEntries := int(binary.LittleEndian.Uint16(decompressed[1:]))
	body := decompressed[3:]

	block := &Block{Type: blockType}
	switch blockType {
	case blockTypeData:
		block.Entries = make([]Entry, 0, numEntries)
		for i := 0; i < numEntries; i++ {
			entry, n, err := decodeEntry(body)
			if err != nil {
				return nil, err
			}
			block.Entries = append(block.Entries, entry)
			body = body[n:]
		}
	case blockTypeIndex, blockTypeBloom, blockTypeMeta:
		block.Pairs = make([]BlockPair, 0, numEntries)
		for i := 0; i < numEntries; i++ {
			var pair BlockPair
			var err error
			pair, body, err = parseBlockPair(body)
			if err != nil {
				return nil, err
			}
			block.Pairs = append(block.Pairs, pair)
		}
	default:
		return nil, ErrCorruptedData
	}
	return block, nil
}

// parseBlockPair parses and copies a single raw pair.
func parseBlockPair(data []byte) (BlockPair, []byte, error) {
	if len(data) < 4 {
		return BlockPair{}, nil, ErrCorruptedData
	}
	keyLen := int(binary.LittleEndian.Uint32(data))
	if keyLen < 0 || len(data) < 4+keyLen+4 {
		return BlockPair{}, nil, ErrCorruptedData
	}
	key := make([]byte, keyLen)
	copy(key, data[4:4+keyLen])
	data = data[4+keyLen:]

	valLen := int(binary.LittleEndian.Uint32(data))
	if valLen < 0 || len(data) < 4+valLen {
		return BlockPair{}, nil, ErrCorruptedData
	}
	val := make([]byte, valLen)
	copy(val, data[4:4+valLen])

	return BlockPair{Key: key, Value: val}, data[4+valLen:], nil
}

// searchBlock finds the newest version of key visible at asOf within a
// data block. Returns the entry index, or -1 if no visible version of
// the key is present.
func searchBlock(entries []Entry, key []byte, asOf uint64) int {
	// First entry at or after (key, asOf) in internal order.
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if compareInternal(entries[mid].Key, entries[mid].Seq, key, asOf) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(entries) && CompareKeys(entries[lo].Key, key) == 0 && entries[lo].Seq <= asOf {
		return lo
	}
	return -1
}
