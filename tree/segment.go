package tree

import (
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Segment is an open, immutable on-disk sorted run. Its lifetime is
// reference counted: the owning tree holds one reference while the
// segment is part of the current version, and every acquired version
// holds one more. The file is closed when the count reaches zero, and
// removed as well if the segment was superseded by a compaction.
type Segment struct {
	ID     uint64
	Path   string
	Level  int
	Footer SegmentFooter
	Meta   SegmentMeta
	Index  *Index
	Bloom  *BloomFilter

	file     *os.File
	fileSize int64

	refs     int32 // atomic
	obsolete int32 // atomic; nonzero once superseded
}

// OpenSegment opens an existing segment file with one reference held
// by the caller.
func OpenSegment(dir string, id uint64) (*Segment, error) {
	path := segmentPath(dir, id)
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open segment %s", path)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	fileSize := stat.Size()
	if fileSize < SegmentFooterSize {
		file.Close()
		return nil, ErrInvalidSegment
	}

	footerBuf := make([]byte, SegmentFooterSize)
	if _, err := file.ReadAt(footerBuf, fileSize-SegmentFooterSize); err != nil {
		file.Close()
		return nil, err
	}
	footer := parseSegmentFooter(footerBuf)
	if footer.Magic != SegmentMagic || footer.FileSize != uint64(fileSize) {
		file.Close()
		return nil, ErrInvalidSegment
	}

	var bloomFilter *BloomFilter
	if footer.BloomSize > 0 {
		bloomBuf := make([]byte, footer.BloomSize)
		if _, err := file.ReadAt(bloomBuf, int64(footer.BloomOffset)); err != nil {
			file.Close()
			return nil, err
		}
		bloomFilter, err = DeserializeBloomFilter(bloomBuf)
		if err != nil {
			file.Close()
			return nil, err
		}
	}

	indexBuf := make([]byte, footer.IndexSize)
	if _, err := file.ReadAt(indexBuf, int64(footer.IndexOffset)); err != nil {
		file.Close()
		return nil, err
	}
	index, err := DeserializeIndex(indexBuf)
	if err != nil {
		file.Close()
		return nil, err
	}

	metaBuf := make([]byte, footer.MetaSize)
	if _, err := file.ReadAt(metaBuf, int64(footer.MetaOffset)); err != nil {
		file.Close()
		return nil, err
	}
	meta, err := deserializeSegmentMeta(metaBuf)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Segment{
		ID:       id,
		Path:     path,
		Level:    meta.Level,
		Footer:   footer,
		Meta:     meta,
		Index:    index,
		Bloom:    bloomFilter,
		file:     file,
		fileSize: fileSize,
		refs:     1,
	}, nil
}

// Ref acquires one reference.
func (s *Segment) Ref() {
	atomic.AddInt32(&s.refs, 1)
}

// Unref releases one reference. On the last release the file is
// closed, and removed from disk if the segment was marked obsolete.
func (s *Segment) Unref() {
	if atomic.AddInt32(&s.refs, -1) != 0 {
		return
	}
	s.file.Close()
	if atomic.LoadInt32(&s.obsolete) != 0 {
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
			log.WithFields(log.Fields{"path": s.Path, "err": err}).
				Warn("failed to remove obsolete segment")
		}
	}
}

// MarkObsolete flags the segment for removal once the last reference
// is released.
func (s *Segment) MarkObsolete() {
	atomic.StoreInt32(&s.obsolete, 1)
}

// MinKey returns the smallest user key in this segment.
func (s *Segment) MinKey() []byte {
	return s.Index.MinKey
}

// MaxKey returns the largest user key in this segment.
func (s *Segment) MaxKey() []byte {
	return s.Index.MaxKey
}

// Size returns the file size in bytes.
func (s *Segment) Size() int64 {
	return s.fileSize
}

// Get retrieves the newest version of key visible at asOf.
// Returns the entry and true if a visible version exists in this
// segment; the entry may be a tombstone.
func (s *Segment) Get(key []byte, asOf uint64, cache *BlockCache, verifyChecksum bool) (Entry, bool, error) {
	if s.Bloom != nil && !s.Bloom.MayContain(key) {
		return Entry{}, false, nil
	}
	if s.Meta.MinSeq > asOf {
		return Entry{}, false, nil
	}

	blockIdx := s.Index.Search(key, asOf)
	if blockIdx < 0 {
		return Entry{}, false, nil
	}

	// The visible version may spill into following blocks when one
	// key's versions straddle a block boundary.
	for ; blockIdx < len(s.Index.Entries); blockIdx++ {
		ie := s.Index.Entries[blockIdx]
		if CompareKeys(ie.Key, key) > 0 {
			break
		}
		block, err := s.readBlock(ie, cache, verifyChecksum)
		if err != nil {
			return Entry{}, false, err
		}
		if i := searchBlock(block.Entries, key, asOf); i >= 0 {
			return block.Entries[i], true, nil
		}
		if n := len(block.Entries); n > 0 && CompareKeys(block.Entries[n-1].Key, key) > 0 {
			break
		}
	}
	return Entry{}, false, nil
}

// readBlock loads one data block, consulting the cache first.
func (s *Segment) readBlock(ie IndexEntry, cache *BlockCache, verifyChecksum bool) (*Block, error) {
	cacheKey := CacheKey{SegmentID: s.ID, Offset: ie.BlockOffset}
	if cache != nil {
		if block, ok := cache.Get(cacheKey); ok {
			return block, nil
		}
	}

	blockData := make([]byte, ie.BlockSize)
	if _, err := s.file.ReadAt(blockData, int64(ie.BlockOffset)); err != nil {
		return nil, errors.Wrapf(err, "read block at %d", ie.BlockOffset)
	}
	block, err := DecodeBlock(blockData, verifyChecksum)
	if err != nil {
		return nil, errors.Wrapf(err, "decode block at %d of %s", ie.BlockOffset, s.Path)
	}
	if cache != nil {
		cache.Add(cacheKey, block)
	}
	return block, nil
}
