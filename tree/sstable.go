package tree

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Segment file magic number and version
const (
	SegmentMagic   uint64 = 0x544C5347_00000001 // "TLSG" + version 1
	SegmentVersion uint32 = 1
)

// SegmentFooterSize is the fixed size of the footer in bytes.
const SegmentFooterSize = 64

// ErrInvalidSegment reports a file that is not a valid segment.
var ErrInvalidSegment = errors.New("invalid segment format")

// SegmentFooter is the fixed-size footer at the end of each segment file.
type SegmentFooter struct {
	BloomOffset   uint64 // Offset to bloom filter region
	BloomSize     uint32 // Size of bloom filter region
	IndexOffset   uint64 // Offset to index region
	IndexSize     uint32 // Size of index region
	MetaOffset    uint64 // Offset to metadata region
	MetaSize      uint32 // Size of metadata region
	NumDataBlocks uint32 // Number of data blocks
	NumEntries    uint64 // Total number of entries (versions)
	FileSize      uint64 // Total file size for validation
	Magic         uint64 // Magic number for validation
}

// SegmentMeta contains metadata about the segment.
type SegmentMeta struct {
	Level         int
	MinSeq        uint64
	MaxSeq        uint64
	NumTombstones uint64
	CreatedAt     int64
}

// segmentFileName returns the file name for a segment id.
func segmentFileName(id uint64) string {
	return fmt.Sprintf("%016x.sst", id)
}

// segmentPath returns the path of a segment file under dir.
func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, segmentFileName(id))
}

// parseSegmentFileName extracts the segment id from a file name.
// Returns false for names that are not segment files.
func parseSegmentFileName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, ".sst") {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(name, ".sst"), 16, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// SegmentWriter builds a segment file from entries supplied in
// internal order (key ascending, sequence descending).
type SegmentWriter struct {
	file *os.File
	path string
	cfg  Config
	id   uint64

	blockBuilder *blockBuilder
	indexBuilder *IndexBuilder
	bloomFilter  *BloomFilter

	dataOffset    uint64
	numEntries    uint64
	minSeq        uint64
	maxSeq        uint64
	numTombstones uint64

	blockFirstSeq uint64
	blockLastKey  []byte
}

// NewSegmentWriter creates a writer for the segment file at
// segmentPath(dir, id). numEntries sizes the bloom filter.
func NewSegmentWriter(dir string, id uint64, numEntries uint, cfg Config) (*SegmentWriter, error) {
	path := segmentPath(dir, id)
	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create segment %s", path)
	}

	w := &SegmentWriter{
		file:         file,
		path:         path,
		cfg:          cfg,
		id:           id,
		blockBuilder: newBlockBuilder(cfg.BlockSize),
		indexBuilder: NewIndexBuilder(),
	}
	if !cfg.DisableBloomFilter {
		if numEntries == 0 {
			numEntries = 1
		}
		w.bloomFilter = NewBloomFilter(numEntries, cfg.BloomFPRate)
	}
	return w, nil
}

// Add appends one entry. Entries must arrive in internal order.
func (w *SegmentWriter) Add(entry Entry) error {
	if w.bloomFilter != nil {
		w.bloomFilter.Add(entry.Key)
	}

	w.numEntries++
	if w.minSeq == 0 || entry.Seq < w.minSeq {
		w.minSeq = entry.Seq
	}
	if entry.Seq > w.maxSeq {
		w.maxSeq = entry.Seq
	}
	if entry.Tombstone() {
		w.numTombstones++
	}

	if w.blockBuilder.Count() == 0 {
		w.blockFirstSeq = entry.Seq
	}
	if !w.blockBuilder.AddEntry(entry) {
		if err := w.flushDataBlock(); err != nil {
			return err
		}
		w.blockFirstSeq = entry.Seq
		w.blockBuilder.AddEntry(entry)
	}
	w.blockLastKey = append(w.blockLastKey[:0], entry.Key...)
	return nil
}

func (w *SegmentWriter) flushDataBlock() error {
	if w.blockBuilder.Count() == 0 {
		return nil
	}

	firstKey := w.blockBuilder.FirstKey()
	count := w.blockBuilder.Count()

	blockData, err := w.blockBuilder.Build(blockTypeData, w.cfg.Compression, w.cfg.CompressionLevel)
	if err != nil {
		return err
	}
	if _, err := w.file.Write(blockData); err != nil {
		return errors.Wrap(err, "write data block")
	}

	w.indexBuilder.Add(firstKey, w.blockFirstSeq, w.blockLastKey, w.dataOffset, uint32(len(blockData)), count)
	w.dataOffset += uint64(len(blockData))
	w.blockBuilder.Reset()
	return nil
}

// Finish flushes remaining data and writes bloom, index, meta, and
// footer regions, then syncs the file.
func (w *SegmentWriter) Finish(level int) error {
	if err := w.flushDataBlock(); err != nil {
		return err
	}

	bloomOffset := w.dataOffset
	var bloomData []byte
	if w.bloomFilter != nil {
		var err error
		bloomData, err = w.bloomFilter.Serialize()
		if err != nil {
			return err
		}
		if _, err := w.file.Write(bloomData); err != nil {
			return errors.Wrap(err, "write bloom")
		}
	}

	indexOffset := bloomOffset + uint64(len(bloomData))
	index := w.indexBuilder.Build()
	indexData := index.Serialize()
	if _, err := w.file.Write(indexData); err != nil {
		return errors.Wrap(err, "write index")
	}

	metaOffset := indexOffset + uint64(len(indexData))
	metaData := serializeSegmentMeta(SegmentMeta{
		Level:         level,
		MinSeq:        w.minSeq,
		MaxSeq:        w.maxSeq,
		NumTombstones: w.numTombstones,
		CreatedAt:     time.Now().Unix(),
	})
	if _, err := w.file.Write(metaData); err != nil {
		return errors.Wrap(err, "write meta")
	}

	footer := SegmentFooter{
		BloomOffset:   bloomOffset,
		BloomSize:     uint32(len(bloomData)),
		IndexOffset:   indexOffset,
		IndexSize:     uint32(len(indexData)),
		MetaOffset:    metaOffset,
		MetaSize:      uint32(len(metaData)),
		NumDataBlocks: uint32(len(index.Entries)),
		NumEntries:    w.numEntries,
		FileSize:      metaOffset + uint64(len(metaData)) + SegmentFooterSize,
		Magic:         SegmentMagic,
	}
	if _, err := w.file.Write(serializeSegmentFooter(footer)); err != nil {
		return errors.Wrap(err, "write footer")
	}

	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "sync segment")
	}
	return w.file.Close()
}

// Abort closes and removes the incomplete segment file.
func (w *SegmentWriter) Abort() error {
	w.file.Close()
	return os.Remove(w.path)
}

// ID returns the segment id.
func (w *SegmentWriter) ID() uint64 {
	return w.id
}

// Path returns the segment file path.
func (w *SegmentWriter) Path() string {
	return w.path
}

// Empty reports whether no entries were added.
func (w *SegmentWriter) Empty() bool {
	return w.numEntries == 0
}

// Size returns the bytes written so far plus the pending block,
// tracked internally to avoid a stat call.
func (w *SegmentWriter) Size() int64 {
	return int64(w.dataOffset) + int64(w.blockBuilder.Size())
}

func parseSegmentFooter(data []byte) SegmentFooter {
	return SegmentFooter{
		BloomOffset:   binary.LittleEndian.Uint64(data[0:]),
		BloomSize:     binary.LittleEndian.Uint32(data[8:]),
		IndexOffset:   binary.LittleEndian.Uint64(data[12:]),
		IndexSize:     binary.LittleEndian.Uint32(data[20:]),
		MetaOffset:    binary.LittleEndian.Uint64(data[24:]),
		MetaSize:      binary.LittleEndian.Uint32(data[32:]),
		NumDataBlocks: binary.LittleEndian.Uint32(data[36:]),
		NumEntries:    binary.LittleEndian.Uint64(data[40:]),
		FileSize:      binary.LittleEndian.Uint64(data[48:]),
		Magic:         binary.LittleEndian.Uint64(data[56:]),
	}
}

func serializeSegmentFooter(f SegmentFooter) []byte {
	buf := make([]byte, SegmentFooterSize)
	binary.LittleEndian.PutUint64(buf[0:], f.BloomOffset)
	binary.LittleEndian.PutUint32(buf[8:], f.BloomSize)
	binary.LittleEndian.PutUint64(buf[12:], f.IndexOffset)
	binary.LittleEndian.PutUint32(buf[20:], f.IndexSize)
	binary.LittleEndian.PutUint64(buf[24:], f.MetaOffset)
	binary.LittleEndian.PutUint32(buf[32:], f.MetaSize)
	binary.LittleEndian.PutUint32(buf[36:], f.NumDataBlocks)
	binary.LittleEndian.PutUint64(buf[40:], f.NumEntries)
	binary.LittleEndian.PutUint64(buf[48:], f.FileSize)
	binary.LittleEndian.PutUint64(buf[56:], f.Magic)
	return buf
}

func serializeSegmentMeta(m SegmentMeta) []byte {
	// level(4) + minSeq(8) + maxSeq(8) + numTombstones(8) + createdAt(8)
	buf := make([]byte, 36)
	binary.LittleEndian.PutUint32(buf[0:], uint32(m.Level))
	binary.LittleEndian.PutUint64(buf[4:], m.MinSeq)
	binary.LittleEndian.PutUint64(buf[12:], m.MaxSeq)
	binary.LittleEndian.PutUint64(buf[20:], m.NumTombstones)
	binary.LittleEndian.PutUint64(buf[28:], uint64(m.CreatedAt))
	return buf
}

func deserializeSegmentMeta(data []byte) (SegmentMeta, error) {
	if len(data) < 36 {
		return SegmentMeta{}, ErrCorruptedData
	}
	return SegmentMeta{
		Level:         int(binary.LittleEndian.Uint32(data[0:])),
		MinSeq:        binary.LittleEndian.Uint64(data[4:]),
		MaxSeq:        binary.LittleEndian.Uint64(data[12:]),
		NumTombstones: binary.LittleEndian.Uint64(data[20:]),
		CreatedAt:     int64(binary.LittleEndian.Uint64(data[28:])),
	}, nil
}
