package tree

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

const (
	maxHeight   = 12
	probability = 0.25
)

// skiplistNode represents a node in the skiplist.
type skiplistNode struct {
	entry   Entry
	forward []*skiplistNode
}

// Memtable is an in-memory sorted buffer using a skiplist. It holds
// every version of every key written since the last flush, ordered by
// (key ascending, sequence descending) so the newest version of a key
// is encountered first. Safe for concurrent use.
type Memtable struct {
	head   *skiplistNode
	height int
	size   int64  // Approximate size in bytes (atomic)
	count  int64  // Number of entries (atomic)
	minSeq uint64 // Lowest sequence number in this memtable (atomic)
	maxSeq uint64 // Highest sequence number in this memtable (atomic)
	first  int64  // Unix nanos of the first insert (atomic)

	mu  sync.RWMutex
	rng *rand.Rand
}

// NewMemtable creates a new empty memtable.
func NewMemtable() *Memtable {
	return &Memtable{
		head:   &skiplistNode{forward: make([]*skiplistNode, maxHeight)},
		height: 1,
		rng:    rand.New(rand.NewSource(rand.Int63())),
	}
}

// Insert adds one version. Sequence numbers are unique across the whole
// store, so no two inserts ever carry the same (key, seq) pair and
// existing nodes are never overwritten.
func (m *Memtable) Insert(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Stack-allocated update path to avoid heap allocation.
	var update [maxHeight]*skiplistNode
	x := m.head

	for i := m.height - 1; i >= 0; i-- {
		for x.forward[i] != nil &&
			compareInternal(x.forward[i].entry.Key, x.forward[i].entry.Seq, e.Key, e.Seq) < 0 {
			x = x.forward[i]
		}
		update[i] = x
	}

	level := m.randomHeight()
	if level > m.height {
		for i := m.height; i < level; i++ {
			update[i] = m.head
		}
		m.height = level
	}

	newNode := &skiplistNode{
		entry:   e,
		forward: make([]*skiplistNode, level),
	}
	for i := 0; i < level; i++ {
		newNode.forward[i] = update[i].forward[i]
		update[i].forward[i] = newNode
	}

	atomic.AddInt64(&m.size, int64(encodedEntrySize(e)))
	atomic.AddInt64(&m.count, 1)
	atomic.CompareAndSwapUint64(&m.minSeq, 0, e.Seq)
	atomic.StoreUint64(&m.maxSeq, e.Seq)
	atomic.CompareAndSwapInt64(&m.first, 0, time.Now().UnixNano())
}

// Get retrieves the newest version of key visible at asOf.
// Returns the entry and true if any visible version exists; the entry
// may be a tombstone, which callers must treat as key-not-found.
func (m *Memtable) Get(key []byte, asOf uint64) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Seek to the first node at or after (key, asOf); versions of key
	// newer than asOf sort before it and are skipped.
	x := m.head
	for i := m.height - 1; i >= 0; i-- {
		for x.forward[i] != nil &&
			compareInternal(x.forward[i].entry.Key, x.forward[i].entry.Seq, key, asOf) < 0 {
			x = x.forward[i]
		}
	}

	x = x.forward[0]
	if x != nil && CompareKeys(x.entry.Key, key) == 0 && x.entry.Seq <= asOf {
		return x.entry, true
	}
	return Entry{}, false
}

// Iterator returns an iterator over all versions in internal order.
// The caller must call Close() when done.
func (m *Memtable) Iterator() *MemtableIterator {
	m.mu.RLock()
	return &MemtableIterator{
		mt:      m,
		current: m.head,
	}
}

// Size returns approximate memory usage in bytes.
func (m *Memtable) Size() int64 {
	return atomic.LoadInt64(&m.size)
}

// Count returns the number of entries (versions, not distinct keys).
func (m *Memtable) Count() int64 {
	return atomic.LoadInt64(&m.count)
}

// MinSequence returns the lowest sequence number in this memtable,
// or 0 if it is empty.
func (m *Memtable) MinSequence() uint64 {
	return atomic.LoadUint64(&m.minSeq)
}

// MaxSequence returns the highest sequence number in this memtable,
// or 0 if it is empty.
func (m *Memtable) MaxSequence() uint64 {
	return atomic.LoadUint64(&m.maxSeq)
}

// Age returns how long ago the first unflushed insert happened,
// or zero if the memtable is empty.
func (m *Memtable) Age() time.Duration {
	first := atomic.LoadInt64(&m.first)
	if first == 0 {
		return 0
	}
	return time.Since(time.Unix(0, first))
}

// randomHeight generates a random height for a new node.
func (m *Memtable) randomHeight() int {
	h := 1
	for h < maxHeight && m.rng.Float64() < probability {
		h++
	}
	return h
}

// MemtableIterator iterates over memtable versions in internal order.
type MemtableIterator struct {
	mt      *Memtable
	current *skiplistNode
}

// Next advances to the next entry.
// Returns true if there is a next entry, false if iteration is complete.
func (it *MemtableIterator) Next() bool {
	if it.current == nil {
		return false
	}
	it.current = it.current.forward[0]
	return it.current != nil
}

// Entry returns the current entry.
// Only valid after a successful call to Next() or Seek().
func (it *MemtableIterator) Entry() Entry {
	if it.current == nil {
		return Entry{}
	}
	return it.current.entry
}

// Valid returns true if the iterator is positioned at a valid entry.
func (it *MemtableIterator) Valid() bool {
	return it.current != nil && it.current != it.mt.head
}

// Seek positions the iterator at the newest version of the first key
// >= target.
func (it *MemtableIterator) Seek(target []byte) bool {
	x := it.mt.head
	for i := it.mt.height - 1; i >= 0; i-- {
		for x.forward[i] != nil && CompareKeys(x.forward[i].entry.Key, target) < 0 {
			x = x.forward[i]
		}
	}

	it.current = x.forward[0]
	return it.current != nil
}

// Close releases resources held by the iterator.
func (it *MemtableIterator) Close() {
	it.mt.mu.RUnlock()
}
