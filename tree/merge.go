package tree

// entryIterator yields versioned entries in internal order (key
// ascending, sequence descending).
type entryIterator interface {
	Next() bool
	Entry() Entry
	Close()
}

// segmentIterator scans a segment's data blocks sequentially. Blocks
// are read without the cache; decoded entries own their bytes, so no
// lifetime coordination with the cache is needed.
type segmentIterator struct {
	seg      *Segment
	blockIdx int
	entryIdx int
	block    *Block
	verify   bool
}

func newSegmentIterator(seg *Segment, verify bool) *segmentIterator {
	return &segmentIterator{seg: seg, entryIdx: -1, verify: verify}
}

// Seek positions the iterator at the first entry with key >= target.
// Returns true if such an entry exists.
func (it *segmentIterator) Seek(target []byte) bool {
	it.block = nil
	it.blockIdx = it.seg.Index.SeekBlock(target)
	it.entryIdx = -1

	for it.Next() {
		if CompareKeys(it.Entry().Key, target) >= 0 {
			return true
		}
	}
	return false
}

func (it *segmentIterator) Next() bool {
	if it.block != nil {
		it.entryIdx++
		if it.entryIdx < len(it.block.Entries) {
			return true
		}
		it.block = nil
	}

	for {
		if it.blockIdx >= len(it.seg.Index.Entries) {
			return false
		}
		ie := it.seg.Index.Entries[it.blockIdx]
		it.blockIdx++

		blockData := make([]byte, ie.BlockSize)
		if _, err := it.seg.file.ReadAt(blockData, int64(ie.BlockOffset)); err != nil {
			return false
		}
		block, err := DecodeBlock(blockData, it.verify)
		if err != nil {
			return false
		}
		if len(block.Entries) == 0 {
			continue
		}

		it.block = block
		it.entryIdx = 0
		return true
	}
}

func (it *segmentIterator) Entry() Entry {
	if it.block == nil || it.entryIdx < 0 || it.entryIdx >= len(it.block.Entries) {
		return Entry{}
	}
	return it.block.Entries[it.entryIdx]
}

func (it *segmentIterator) Close() {
	it.block = nil
}

// mergeIterator performs a k-way merge over entry iterators. All
// versions are yielded; sequences are globally unique, so internal
// order is total and no source tiebreak is needed.
type mergeIterator struct {
	sources []entryIterator
	heap    mergeHeap
	current Entry
}

type mergeHeapItem struct {
	entry Entry
	src   entryIterator
}

type mergeHeap []mergeHeapItem

func (h mergeHeap) less(i, j int) bool {
	return compareInternal(h[i].entry.Key, h[i].entry.Seq, h[j].entry.Key, h[j].entry.Seq) < 0
}

// Inline heap operations to avoid interface{} boxing allocations

func (h *mergeHeap) push(x mergeHeapItem) {
	*h = append(*h, x)
	h.up(len(*h) - 1)
}

func (h *mergeHeap) pop() mergeHeapItem {
	old := *h
	n := len(old) - 1
	old[0], old[n] = old[n], old[0]
	h.down(0, n)
	x := old[n]
	*h = old[:n]
	return x
}

func (h mergeHeap) up(j int) {
	for {
		i := (j - 1) / 2 // parent
		if i == j || !h.less(j, i) {
			break
		}
		h[i], h[j] = h[j], h[i]
		j = i
	}
}

func (h mergeHeap) down(i, n int) {
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 { // j1 < 0 after int overflow
			break
		}
		j := j1 // left child
		if j2 := j1 + 1; j2 < n && h.less(j2, j1) {
			j = j2 // right child
		}
		if !h.less(j, i) {
			break
		}
		h[i], h[j] = h[j], h[i]
		i = j
	}
}

func (h *mergeHeap) init() {
	n := len(*h)
	for i := n/2 - 1; i >= 0; i-- {
		h.down(i, n)
	}
}

// newMergeIterator builds a merge over the given sources, advancing
// each to its first entry.
func newMergeIterator(sources []entryIterator) *mergeIterator {
	m := &mergeIterator{sources: sources}
	for _, src := range sources {
		if src.Next() {
			m.heap = append(m.heap, mergeHeapItem{entry: src.Entry(), src: src})
		}
	}
	m.heap.init()
	return m
}

// newSeekedMergeIterator builds a merge over sources that are already
// positioned at their first entry.
func newSeekedMergeIterator(sources []entryIterator) *mergeIterator {
	m := &mergeIterator{sources: sources}
	for _, src := range sources {
		m.heap = append(m.heap, mergeHeapItem{entry: src.Entry(), src: src})
	}
	m.heap.init()
	return m
}

func (m *mergeIterator) Next() bool {
	if len(m.heap) == 0 {
		return false
	}
	item := m.heap.pop()
	m.current = item.entry

	if item.src.Next() {
		m.heap.push(mergeHeapItem{entry: item.src.Entry(), src: item.src})
	}
	return true
}

func (m *mergeIterator) Entry() Entry {
	return m.current
}

func (m *mergeIterator) Close() {
	for _, src := range m.sources {
		src.Close()
	}
	m.heap = nil
}
