package tree

// Iter is a merged range iterator over one consistent tree state. It
// yields each live key at most once, resolving the newest version
// visible at the iterator's sequence and skipping deleted keys. Keys
// arrive in ascending order within [lo, hi).
type Iter struct {
	merge   *mergeIterator
	hi      []byte // exclusive, nil = unbounded
	asOf    uint64
	version *Version // released on Close when owned

	current Entry
	lastKey []byte
	decided bool
	done    bool
}

// Iter returns an iterator over [lo, hi) at sequence asOf. A nil lo
// starts at the first key, a nil hi runs to the last. The iterator
// reads the captured state; the version must stay acquired until the
// iterator is closed.
func (v *Version) Iter(lo, hi []byte, asOf uint64) *Iter {
	var sources []entryIterator

	addMemtable := func(mt *Memtable) {
		iter := mt.Iterator()
		if lo == nil {
			sources = append(sources, iter)
			return
		}
		if iter.Seek(lo) {
			sources = append(sources, iter)
		} else {
			iter.Close()
		}
	}

	addMemtable(v.memtable)
	for i := len(v.immutables) - 1; i >= 0; i-- {
		addMemtable(v.immutables[i])
	}

	for level, segs := range v.levels {
		for i := range segs {
			seg := segs[i]
			if level > 0 && !segmentIntersects(seg, lo, hi) {
				continue
			}
			iter := newSegmentIterator(seg, v.cfg.VerifyChecksums)
			if lo == nil {
				sources = append(sources, iter)
			} else if iter.Seek(lo) {
				sources = append(sources, iter)
			}
		}
	}

	var merge *mergeIterator
	if lo == nil {
		merge = newMergeIterator(sources)
	} else {
		merge = newSeekedMergeIterator(sources)
	}
	return &Iter{merge: merge, hi: hi, asOf: asOf}
}

// segmentIntersects reports whether a segment's key range intersects
// [lo, hi).
func segmentIntersects(seg *Segment, lo, hi []byte) bool {
	if lo != nil && CompareKeys(seg.MaxKey(), lo) < 0 {
		return false
	}
	if hi != nil && CompareKeys(seg.MinKey(), hi) >= 0 {
		return false
	}
	return true
}

// Next advances to the next live key. Returns false when the range is
// exhausted.
func (it *Iter) Next() bool {
	if it.done {
		return false
	}
	for it.merge.Next() {
		e := it.merge.Entry()

		if it.hi != nil && CompareKeys(e.Key, it.hi) >= 0 {
			it.done = true
			return false
		}
		if it.decided && CompareKeys(e.Key, it.lastKey) == 0 {
			continue
		}
		if e.Seq > it.asOf {
			continue
		}

		// Newest visible version of a fresh key.
		it.lastKey = append(it.lastKey[:0], e.Key...)
		it.decided = true
		if e.Kind == KindDelete {
			continue
		}
		it.current = e
		return true
	}
	it.done = true
	return false
}

// Key returns the current key. Valid until the next call to Next.
func (it *Iter) Key() []byte {
	return it.current.Key
}

// Value returns the current value. Valid until the next call to Next.
func (it *Iter) Value() []byte {
	return it.current.Value
}

// Close releases the iterator's sources, and the underlying version
// if the iterator owns one.
func (it *Iter) Close() {
	it.done = true
	it.merge.Close()
	if it.version != nil {
		it.version.Release()
		it.version = nil
	}
}

// Iter returns a self-contained iterator over [lo, hi) at asOf. It
// captures a version internally and releases it on Close.
func (t *Tree) Iter(lo, hi []byte, asOf uint64) *Iter {
	v := t.AcquireVersion()
	iter := v.Iter(lo, hi, asOf)
	iter.version = v
	return iter
}

// PrefixIter returns an iterator over all keys starting with prefix
// at asOf, releasing its version on Close.
func (t *Tree) PrefixIter(prefix []byte, asOf uint64) *Iter {
	return t.Iter(prefix, PrefixSuccessor(prefix), asOf)
}

// PrefixSuccessor returns the smallest key greater than every key
// with the given prefix, or nil if no such key exists.
func PrefixSuccessor(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xff {
			succ := make([]byte, i+1)
			copy(succ, prefix[:i+1])
			succ[i]++
			return succ
		}
	}
	return nil
}
