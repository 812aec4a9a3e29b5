package tree

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// pickCompaction returns the next level to compact, if any. The last
// level has nowhere to go and is never picked. Caller holds t.mu.
func (t *Tree) pickCompaction() (int, bool) {
	if len(t.levels[0]) >= t.cfg.L0CompactTrigger {
		return 0, true
	}
	last := t.cfg.MaxLevels - 1
	for level := 1; level < len(t.levels) && level < last; level++ {
		if levelSize(t.levels[level]) > t.maxLevelBytes(level) {
			return level, true
		}
	}
	return 0, false
}

// Compact runs at most one compaction round. gcFloor is the lowest
// sequence any reader may still request: versions above it are kept
// verbatim, and for each key the newest version at or below it is
// kept while older ones are dropped. Returns false if no level needed
// compacting.
func (t *Tree) Compact(gcFloor uint64) (bool, error) {
	t.compactMu.Lock()
	defer t.compactMu.Unlock()

	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return false, ErrTreeClosed
	}
	level, ok := t.pickCompaction()
	t.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if level == 0 {
		return true, t.compactL0(gcFloor)
	}
	return true, t.compactLevel(level, gcFloor)
}

// CompactFully compacts until no level is over its trigger. All L0
// segments are pushed down first even when under the trigger, which
// converts overlapping L0 runs into disjoint L1 segments.
func (t *Tree) CompactFully(gcFloor uint64) error {
	t.compactMu.Lock()
	defer t.compactMu.Unlock()

	t.mu.RLock()
	closed := t.closed
	hasL0 := len(t.levels[0]) > 0
	t.mu.RUnlock()

	if closed {
		return ErrTreeClosed
	}
	if hasL0 {
		if err := t.compactL0(gcFloor); err != nil {
			return err
		}
	}
	for {
		t.mu.RLock()
		level, ok := t.pickCompaction()
		t.mu.RUnlock()
		if !ok {
			return nil
		}
		var err error
		if level == 0 {
			err = t.compactL0(gcFloor)
		} else {
			err = t.compactLevel(level, gcFloor)
		}
		if err != nil {
			return err
		}
	}
}

// compactL0 merges every L0 segment, plus the overlapping part of L1,
// into new L1 segments.
func (t *Tree) compactL0(gcFloor uint64) error {
	t.mu.RLock()
	l0 := append([]*Segment(nil), t.levels[0]...)
	var minKey, maxKey []byte
	for _, seg := range l0 {
		if minKey == nil || CompareKeys(seg.MinKey(), minKey) < 0 {
			minKey = seg.MinKey()
		}
		if maxKey == nil || CompareKeys(seg.MaxKey(), maxKey) > 0 {
			maxKey = seg.MaxKey()
		}
	}
	var overlap []*Segment
	if len(t.levels) > 1 {
		for _, seg := range t.levels[1] {
			if CompareKeys(seg.MaxKey(), minKey) >= 0 && CompareKeys(seg.MinKey(), maxKey) <= 0 {
				overlap = append(overlap, seg)
			}
		}
	}
	t.mu.RUnlock()

	if len(l0) == 0 {
		return nil
	}
	inputs := append(append([]*Segment(nil), l0...), overlap...)
	return t.mergeAndSwap(inputs, 1, gcFloor)
}

// compactLevel merges the first segment of a level, plus the
// overlapping part of the next level, into the next level.
func (t *Tree) compactLevel(level int, gcFloor uint64) error {
	t.mu.RLock()
	if level >= len(t.levels) || len(t.levels[level]) == 0 {
		t.mu.RUnlock()
		return nil
	}
	seg := t.levels[level][0]
	var overlap []*Segment
	if level+1 < len(t.levels) {
		for _, next := range t.levels[level+1] {
			if CompareKeys(next.MaxKey(), seg.MinKey()) >= 0 && CompareKeys(next.MinKey(), seg.MaxKey()) <= 0 {
				overlap = append(overlap, next)
			}
		}
	}
	t.mu.RUnlock()

	inputs := append([]*Segment{seg}, overlap...)
	return t.mergeAndSwap(inputs, level+1, gcFloor)
}

// mergeAndSwap merges the input segments into new segments at
// targetLevel and atomically swaps them in. Input files are removed
// once no version references them.
func (t *Tree) mergeAndSwap(inputs []*Segment, targetLevel int, gcFloor uint64) error {
	started := time.Now()

	var totalKeys uint
	var totalBytes int64
	for _, seg := range inputs {
		totalKeys += uint(seg.Footer.NumEntries)
		totalBytes += seg.Size()
	}
	estimatedOutputs := (totalBytes + t.cfg.TargetSegmentBytes - 1) / t.cfg.TargetSegmentBytes
	if estimatedOutputs < 1 {
		estimatedOutputs = 1
	}
	keysPerSegment := totalKeys / uint(estimatedOutputs)
	if keysPerSegment < 1000 {
		keysPerSegment = totalKeys
	}

	sources := make([]entryIterator, 0, len(inputs))
	for _, seg := range inputs {
		sources = append(sources, newSegmentIterator(seg, t.cfg.VerifyChecksums))
	}
	merge := newMergeIterator(sources)
	defer merge.Close()

	out := compactionOutput{
		tree:           t,
		targetLevel:    targetLevel,
		keysPerSegment: keysPerSegment,
		gcFloor:        gcFloor,
		dropTombstones: targetLevel >= t.cfg.MaxLevels-1,
	}
	for merge.Next() {
		if err := out.add(merge.Entry()); err != nil {
			out.discard()
			return err
		}
	}
	newSegs, err := out.finish()
	if err != nil {
		out.discard()
		return err
	}

	change := Change{Added: make([]SegmentRecord, 0, len(newSegs))}
	for _, seg := range newSegs {
		change.Added = append(change.Added, recordForSegment(seg))
	}
	for _, seg := range inputs {
		change.Removed = append(change.Removed, seg.ID)
	}
	if err := t.manifest.Apply(change); err != nil {
		for _, seg := range newSegs {
			seg.MarkObsolete()
			seg.Unref()
		}
		return err
	}

	t.swapSegments(inputs, newSegs, targetLevel)

	log.WithFields(log.Fields{
		"dir":      t.dir,
		"level":    targetLevel,
		"inputs":   len(inputs),
		"outputs":  len(newSegs),
		"bytes":    totalBytes,
		"duration": time.Since(started),
	}).Debug("compacted segments")
	return nil
}

// swapSegments removes the input segments from their levels and
// installs the outputs at targetLevel.
func (t *Tree) swapSegments(removed []*Segment, added []*Segment, targetLevel int) {
	removedIDs := make(map[uint64]bool, len(removed))
	for _, seg := range removed {
		removedIDs[seg.ID] = true
	}

	t.mu.Lock()
	for level, segs := range t.levels {
		kept := segs[:0]
		for _, seg := range segs {
			if !removedIDs[seg.ID] {
				kept = append(kept, seg)
			}
		}
		t.levels[level] = kept
	}
	for len(t.levels) <= targetLevel {
		t.levels = append(t.levels, nil)
	}
	t.levels[targetLevel] = append(t.levels[targetLevel], added...)
	sortSegmentsByMinKey(t.levels[targetLevel])
	t.mu.Unlock()

	for _, seg := range removed {
		seg.MarkObsolete()
		seg.Unref()
	}
}

// compactionOutput accumulates merged entries into rolling output
// segments. Per key, versions above gcFloor are all kept and the
// newest version at or below it is kept; when writing into the last
// level that survivor is dropped instead if it is a tombstone, since
// nothing older can exist below. Outputs only roll over between keys,
// keeping every level above L0 free of key-range overlap.
type compactionOutput struct {
	tree           *Tree
	targetLevel    int
	keysPerSegment uint
	gcFloor        uint64
	dropTombstones bool

	writer   *SegmentWriter
	segs     []*Segment
	lastKey  []byte
	haveLast bool
	settled  bool // a version at or below gcFloor was already kept or elided
}

func (o *compactionOutput) add(e Entry) error {
	newKey := !o.haveLast || CompareKeys(o.lastKey, e.Key) != 0
	if newKey {
		o.lastKey = append(o.lastKey[:0], e.Key...)
		o.haveLast = true
		o.settled = false

		if o.writer != nil && o.writer.Size() >= o.tree.cfg.TargetSegmentBytes {
			if err := o.roll(); err != nil {
				return err
			}
		}
	}

	if e.Seq <= o.gcFloor {
		if o.settled {
			return nil
		}
		o.settled = true
		if o.dropTombstones && e.Kind == KindDelete {
			return nil
		}
	}

	if o.writer == nil {
		w, err := NewSegmentWriter(o.tree.dir, o.tree.nextSegmentID(), o.keysPerSegment, o.tree.cfg)
		if err != nil {
			return err
		}
		o.writer = w
	}
	return o.writer.Add(e)
}

// roll finishes the current output segment and opens it.
func (o *compactionOutput) roll() error {
	if o.writer == nil || o.writer.Empty() {
		return nil
	}
	if err := o.writer.Finish(o.targetLevel); err != nil {
		o.writer.Abort()
		o.writer = nil
		return err
	}
	seg, err := OpenSegment(o.tree.dir, o.writer.ID())
	if err != nil {
		os.Remove(o.writer.Path())
		o.writer = nil
		return err
	}
	o.segs = append(o.segs, seg)
	o.writer = nil
	return nil
}

func (o *compactionOutput) finish() ([]*Segment, error) {
	if o.writer != nil {
		if o.writer.Empty() {
			o.writer.Abort()
			o.writer = nil
		} else if err := o.roll(); err != nil {
			return nil, err
		}
	}
	return o.segs, nil
}

// discard aborts the in-progress writer and removes any finished
// outputs.
func (o *compactionOutput) discard() {
	if o.writer != nil {
		o.writer.Abort()
		o.writer = nil
	}
	for _, seg := range o.segs {
		seg.MarkObsolete()
		seg.Unref()
	}
	o.segs = nil
}
