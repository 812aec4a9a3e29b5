package tree

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Compression selects the block compression algorithm.
type Compression int

const (
	// CompressionSnappy uses snappy compression (fast, moderate ratio).
	CompressionSnappy Compression = iota
	// CompressionZstd uses zstd compression (slower, better ratio).
	CompressionZstd
	// CompressionNone disables compression.
	CompressionNone
)

// Config configures a Tree.
type Config struct {
	// BlockSize is the target uncompressed data block size.
	// Default: 16KB
	BlockSize int

	// Compression selects the block compression algorithm.
	// Default: snappy
	Compression Compression

	// CompressionLevel is the zstd level (ignored for snappy).
	// Default: 1
	CompressionLevel int

	// BloomFPRate is the bloom filter target false positive rate.
	// Default: 0.01
	BloomFPRate float64

	// DisableBloomFilter skips bloom filters entirely.
	DisableBloomFilter bool

	// VerifyChecksums enables block checksum verification on reads.
	VerifyChecksums bool

	// L0CompactTrigger is the L0 segment count that makes the tree
	// report itself as needing compaction.
	// Default: 4
	L0CompactTrigger int

	// MaxLevels is the number of levels. Tombstones are dropped when
	// compacting into the last level.
	// Default: 7
	MaxLevels int

	// LevelSizeMultiplier is the size ratio between adjacent levels.
	// Default: 10
	LevelSizeMultiplier int

	// BaseLevelBytes is the L1 size budget; level N holds
	// BaseLevelBytes * LevelSizeMultiplier^(N-1).
	// Default: 10MB
	BaseLevelBytes int64

	// TargetSegmentBytes is the upper bound for compaction output
	// segments. Outputs only roll over at user key boundaries, so a
	// segment may exceed this by one key's versions.
	// Default: 64MB
	TargetSegmentBytes int64

	// Cache is a block cache shared across trees. Nil disables caching.
	Cache *BlockCache
}

func (c Config) withDefaults() Config {
	if c.BlockSize <= 0 {
		c.BlockSize = 16 * 1024
	}
	if c.CompressionLevel <= 0 {
		c.CompressionLevel = 1
	}
	if c.BloomFPRate <= 0 {
		c.BloomFPRate = 0.01
	}
	if c.L0CompactTrigger <= 0 {
		c.L0CompactTrigger = 4
	}
	if c.MaxLevels <= 0 {
		c.MaxLevels = 7
	}
	if c.LevelSizeMultiplier <= 0 {
		c.LevelSizeMultiplier = 10
	}
	if c.BaseLevelBytes <= 0 {
		c.BaseLevelBytes = 10 * 1024 * 1024
	}
	if c.TargetSegmentBytes <= 0 {
		c.TargetSegmentBytes = 64 * 1024 * 1024
	}
	return c
}

// Tree is one sorted key-value store: an in-memory write buffer over
// leveled, immutable on-disk segments. Entries are versioned by
// sequence number; reads resolve the newest version visible at a
// caller-supplied sequence. The tree does no write-ahead logging of
// its own. Durability below the flushed watermark comes from segments,
// above it from whatever journal feeds the buffer.
type Tree struct {
	dir string
	cfg Config

	mu         sync.RWMutex
	memtable   *Memtable
	immutables []*Memtable  // sealed buffers, oldest first
	levels     [][]*Segment // levels[0] newest-last; L1+ sorted by min key
	closed     bool

	manifest  *Manifest
	nextSegID uint64 // atomic

	// flushMu serializes FlushOnce; compactMu serializes compaction
	// rounds. Both may be held while taking mu.
	flushMu   sync.Mutex
	compactMu sync.Mutex
}

// Open opens or creates a tree in dir. Segments listed in the
// manifest must all open cleanly; segment files not in the manifest
// are leftovers from an interrupted flush or compaction and are
// removed.
func Open(dir string, cfg Config) (*Tree, error) {
	cfg = cfg.withDefaults()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	manifest, err := OpenManifest(filepath.Join(dir, "MANIFEST"))
	if err != nil {
		return nil, err
	}

	t := &Tree{
		dir:      dir,
		cfg:      cfg,
		memtable: NewMemtable(),
		levels:   make([][]*Segment, cfg.MaxLevels),
		manifest: manifest,
	}

	if err := t.loadSegments(); err != nil {
		manifest.Close()
		return nil, err
	}
	if err := t.removeOrphans(); err != nil {
		t.closeSegments()
		manifest.Close()
		return nil, err
	}
	atomic.StoreUint64(&t.nextSegID, manifest.MaxSegmentID())

	return t, nil
}

// loadSegments opens every segment in the manifest, in parallel.
func (t *Tree) loadSegments() error {
	records := t.manifest.Segments()
	if len(records) == 0 {
		return nil
	}

	numWorkers := 8
	if len(records) < numWorkers {
		numWorkers = len(records)
	}

	type result struct {
		seg *Segment
		err error
	}

	jobs := make(chan SegmentRecord, len(records))
	results := make(chan result, len(records))

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				seg, err := OpenSegment(t.dir, rec.ID)
				results <- result{seg: seg, err: err}
			}
		}()
	}

	for _, rec := range records {
		jobs <- rec
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for r := range results {
		if r.err != nil {
			// A manifest entry is only written after its segment is
			// durable, so failing to open one is real corruption.
			if firstErr == nil {
				firstErr = errors.Wrap(r.err, "load segment")
			}
			continue
		}
		level := r.seg.Level
		for len(t.levels) <= level {
			t.levels = append(t.levels, nil)
		}
		t.levels[level] = append(t.levels[level], r.seg)
	}
	if firstErr != nil {
		t.closeSegments()
		return firstErr
	}

	// L0 by id ascending (oldest first), L1+ by min key.
	sort.Slice(t.levels[0], func(i, j int) bool {
		return t.levels[0][i].ID < t.levels[0][j].ID
	})
	for level := 1; level < len(t.levels); level++ {
		sortSegmentsByMinKey(t.levels[level])
	}
	return nil
}

// removeOrphans deletes segment files present on disk but absent from
// the manifest.
func (t *Tree) removeOrphans() error {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := parseSegmentFileName(entry.Name())
		if !ok || t.manifest.Has(id) {
			continue
		}
		path := filepath.Join(t.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			return err
		}
		log.WithFields(log.Fields{"path": path}).Warn("removed orphaned segment file")
	}
	return nil
}

func (t *Tree) closeSegments() {
	for _, level := range t.levels {
		for _, seg := range level {
			seg.Unref()
		}
	}
	t.levels = make([][]*Segment, t.cfg.MaxLevels)
}

// Insert adds one versioned entry to the write buffer. Entries must
// arrive in nondecreasing sequence order.
func (t *Tree) Insert(e Entry) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrTreeClosed
	}
	t.memtable.Insert(e)
	return nil
}

// Get returns the newest value for key visible at asOf. Deleted and
// absent keys both return ErrKeyNotFound.
func (t *Tree) Get(key []byte, asOf uint64) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return nil, ErrTreeClosed
	}
	return getFromState(t.memtable, t.immutables, t.levels, key, asOf, t.cfg)
}

// getFromState resolves a key against one consistent buffer+segment
// state. Sources are consulted newest to oldest; the first visible
// version wins because sequence ranges never interleave across
// sources.
func getFromState(memtable *Memtable, immutables []*Memtable, levels [][]*Segment, key []byte, asOf uint64, cfg Config) ([]byte, error) {
	if entry, found := memtable.Get(key, asOf); found {
		if entry.Kind == KindDelete {
			return nil, ErrKeyNotFound
		}
		return entry.Value, nil
	}

	for i := len(immutables) - 1; i >= 0; i-- {
		if entry, found := immutables[i].Get(key, asOf); found {
			if entry.Kind == KindDelete {
				return nil, ErrKeyNotFound
			}
			return entry.Value, nil
		}
	}

	for level := 0; level < len(levels); level++ {
		segs := levels[level]
		if level == 0 {
			for i := len(segs) - 1; i >= 0; i-- {
				entry, found, err := segs[i].Get(key, asOf, cfg.Cache, cfg.VerifyChecksums)
				if err != nil {
					return nil, err
				}
				if found {
					if entry.Kind == KindDelete {
						return nil, ErrKeyNotFound
					}
					return entry.Value, nil
				}
			}
		} else {
			idx := findSegmentForKey(segs, key)
			if idx >= 0 {
				entry, found, err := segs[idx].Get(key, asOf, cfg.Cache, cfg.VerifyChecksums)
				if err != nil {
					return nil, err
				}
				if found {
					if entry.Kind == KindDelete {
						return nil, ErrKeyNotFound
					}
					return entry.Value, nil
				}
			}
		}
	}

	return nil, ErrKeyNotFound
}

// findSegmentForKey locates the segment whose key range covers key in
// a sorted, non-overlapping level. Returns -1 if no segment covers it.
func findSegmentForKey(segs []*Segment, key []byte) int {
	lo, hi := 0, len(segs)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if CompareKeys(key, segs[mid].MinKey()) < 0 {
			hi = mid - 1
		} else if CompareKeys(key, segs[mid].MaxKey()) > 0 {
			lo = mid + 1
		} else {
			return mid
		}
	}
	return -1
}

// Seal moves a non-empty active buffer onto the sealed list and
// installs a fresh one. Returns false if the buffer was empty.
func (t *Tree) Seal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.memtable.Count() == 0 {
		return false
	}
	t.immutables = append(t.immutables, t.memtable)
	t.memtable = NewMemtable()
	return true
}

// SealedCount returns the number of sealed buffers awaiting flush.
func (t *Tree) SealedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.immutables)
}

// FlushOnce writes the oldest sealed buffer to a new L0 segment and
// advances the flushed watermark, returning the buffer's size. It
// returns 0 when there is nothing to flush. On error the sealed buffer
// is retained, so the flush can simply be retried.
func (t *Tree) FlushOnce() (int64, error) {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return 0, ErrTreeClosed
	}
	if len(t.immutables) == 0 {
		t.mu.RUnlock()
		return 0, nil
	}
	mt := t.immutables[0]
	t.mu.RUnlock()

	seg, err := t.writeSegment(mt)
	if err != nil {
		return 0, err
	}

	rec := recordForSegment(seg)
	if err := t.manifest.Apply(Change{Added: []SegmentRecord{rec}, Watermark: mt.MaxSequence()}); err != nil {
		seg.MarkObsolete()
		seg.Unref()
		return 0, err
	}

	t.mu.Lock()
	t.levels[0] = append(t.levels[0], seg)
	t.immutables = t.immutables[1:]
	t.mu.Unlock()

	log.WithFields(log.Fields{
		"dir":     t.dir,
		"segment": seg.ID,
		"entries": seg.Footer.NumEntries,
		"bytes":   seg.Size(),
	}).Debug("flushed buffer to segment")
	return mt.Size(), nil
}

func (t *Tree) nextSegmentID() uint64 {
	return atomic.AddUint64(&t.nextSegID, 1)
}

// writeSegment writes one sealed buffer out as an L0 segment and
// opens it.
func (t *Tree) writeSegment(mt *Memtable) (*Segment, error) {
	id := t.nextSegmentID()
	w, err := NewSegmentWriter(t.dir, id, uint(mt.Count()), t.cfg)
	if err != nil {
		return nil, err
	}

	iter := mt.Iterator()
	for iter.Next() {
		if err := w.Add(iter.Entry()); err != nil {
			iter.Close()
			w.Abort()
			return nil, err
		}
	}
	iter.Close()

	if err := w.Finish(0); err != nil {
		w.Abort()
		return nil, err
	}

	seg, err := OpenSegment(t.dir, id)
	if err != nil {
		os.Remove(w.Path())
		return nil, err
	}
	return seg, nil
}

func recordForSegment(seg *Segment) SegmentRecord {
	minKey := append([]byte(nil), seg.MinKey()...)
	maxKey := append([]byte(nil), seg.MaxKey()...)
	return SegmentRecord{
		ID:         seg.ID,
		Level:      seg.Level,
		MinKey:     minKey,
		MaxKey:     maxKey,
		NumEntries: seg.Footer.NumEntries,
		FileSize:   seg.Size(),
		MinSeq:     seg.Meta.MinSeq,
		MaxSeq:     seg.Meta.MaxSeq,
	}
}

// FlushedSeq returns the highest sequence durably persisted in
// segments. Zero means nothing has been flushed.
func (t *Tree) FlushedSeq() uint64 {
	return t.manifest.Watermark()
}

// BufferSize returns the total byte size of the active and sealed
// buffers.
func (t *Tree) BufferSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	size := t.memtable.Size()
	for _, mt := range t.immutables {
		size += mt.Size()
	}
	return size
}

// BufferCount returns the total entry count of the active and sealed
// buffers.
func (t *Tree) BufferCount() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := t.memtable.Count()
	for _, mt := range t.immutables {
		count += mt.Count()
	}
	return count
}

// BufferAge returns the age of the oldest unflushed entry, or zero if
// the buffers are empty.
func (t *Tree) BufferAge() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.immutables) > 0 {
		return t.immutables[0].Age()
	}
	return t.memtable.Age()
}

// FirstBufferedSeq returns the lowest sequence still held in buffers,
// or zero if the buffers are empty.
func (t *Tree) FirstBufferedSeq() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, mt := range t.immutables {
		if seq := mt.MinSequence(); seq != 0 {
			return seq
		}
	}
	return t.memtable.MinSequence()
}

// Version is a consistent, reference-holding view of the tree: reads
// and scans against it are unaffected by concurrent flushes and
// compactions. Release it when done.
type Version struct {
	memtable   *Memtable
	immutables []*Memtable
	levels     [][]*Segment
	cfg        Config

	released int32 // atomic
}

// AcquireVersion captures the current tree state, taking a reference
// on every segment in it.
func (t *Tree) AcquireVersion() *Version {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v := &Version{
		memtable:   t.memtable,
		immutables: append([]*Memtable(nil), t.immutables...),
		levels:     make([][]*Segment, len(t.levels)),
		cfg:        t.cfg,
	}
	for i, level := range t.levels {
		v.levels[i] = append([]*Segment(nil), level...)
		for _, seg := range level {
			seg.Ref()
		}
	}
	return v
}

// Get resolves a key against the captured state.
func (v *Version) Get(key []byte, asOf uint64) ([]byte, error) {
	return getFromState(v.memtable, v.immutables, v.levels, key, asOf, v.cfg)
}

// Release drops the version's segment references. Safe to call more
// than once.
func (v *Version) Release() {
	if !atomic.CompareAndSwapInt32(&v.released, 0, 1) {
		return
	}
	for _, level := range v.levels {
		for _, seg := range level {
			seg.Unref()
		}
	}
}

// NeedsCompaction reports whether any level is over its trigger.
func (t *Tree) NeedsCompaction() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.pickCompaction()
	return ok
}

func levelSize(segs []*Segment) int64 {
	var size int64
	for _, seg := range segs {
		size += seg.Size()
	}
	return size
}

func (t *Tree) maxLevelBytes(level int) int64 {
	size := t.cfg.BaseLevelBytes
	for i := 1; i < level; i++ {
		size *= int64(t.cfg.LevelSizeMultiplier)
	}
	return size
}

func sortSegmentsByMinKey(segs []*Segment) {
	sort.Slice(segs, func(i, j int) bool {
		return CompareKeys(segs[i].MinKey(), segs[j].MinKey()) < 0
	})
}

// TreeStats describes the current shape of a tree.
type TreeStats struct {
	BufferBytes   int64
	BufferEntries int64
	SealedBuffers int
	FlushedSeq    uint64
	Levels        []LevelStats
}

// LevelStats describes one level.
type LevelStats struct {
	Level    int
	Segments int
	Bytes    int64
	Entries  uint64
}

// Stats returns current statistics.
func (t *Tree) Stats() TreeStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := TreeStats{
		BufferBytes:   t.memtable.Size(),
		BufferEntries: t.memtable.Count(),
		SealedBuffers: len(t.immutables),
		FlushedSeq:    t.manifest.Watermark(),
	}
	for _, mt := range t.immutables {
		stats.BufferBytes += mt.Size()
		stats.BufferEntries += mt.Count()
	}
	for level, segs := range t.levels {
		if len(segs) == 0 {
			continue
		}
		ls := LevelStats{Level: level, Segments: len(segs)}
		for _, seg := range segs {
			ls.Bytes += seg.Size()
			ls.Entries += seg.Footer.NumEntries
		}
		stats.Levels = append(stats.Levels, ls)
	}
	return stats
}

// Close releases the tree's segment references and closes the
// manifest. Buffered entries are not flushed; callers that need them
// durable must flush first.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	for _, level := range t.levels {
		for _, seg := range level {
			seg.Unref()
		}
	}
	// Empty the state so a late AcquireVersion sees nothing rather than
	// re-referencing closed segments.
	t.levels = nil
	t.immutables = nil
	t.memtable = NewMemtable()
	return t.manifest.Close()
}
