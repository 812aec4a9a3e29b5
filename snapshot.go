package talus

import (
	"sync"
	"sync/atomic"
)

// A Snapshot pins a consistent view of every partition at the sequence it
// was acquired. Reads through the snapshot see exactly the batches committed
// at or below that sequence, regardless of later writes, flushes or
// compactions. Snapshots are cheap; they hold no file handles and only
// prevent compaction from discarding the versions they can still observe.
//
// A Snapshot must be released with Close when no longer needed, or the
// engine retains old versions indefinitely.
type Snapshot struct {
	ks       *Keyspace
	seq      uint64
	released int32
}

// Seq returns the sequence this snapshot observes.
func (s *Snapshot) Seq() uint64 { return s.seq }

// Close releases the snapshot. It is safe to call more than once.
func (s *Snapshot) Close() error {
	if !atomic.CompareAndSwapInt32(&s.released, 0, 1) {
		return nil
	}
	s.ks.snapshots.release(s.seq)
	snapshotsActive.Dec()
	return nil
}

// snapshotTracker maintains the multiset of sequences pinned by open
// snapshots. Compaction consults floor() to decide which superseded
// versions are safe to drop.
type snapshotTracker struct {
	mu     sync.Mutex
	counts map[uint64]int
}

func newSnapshotTracker() *snapshotTracker {
	return &snapshotTracker{counts: make(map[uint64]int)}
}

func (t *snapshotTracker) acquire(seq uint64) {
	t.mu.Lock()
	t.counts[seq]++
	t.mu.Unlock()
}

func (t *snapshotTracker) release(seq uint64) {
	t.mu.Lock()
	if t.counts[seq] <= 1 {
		delete(t.counts, seq)
	} else {
		t.counts[seq]--
	}
	t.mu.Unlock()
}

// floor returns the highest sequence below which superseded versions are
// invisible to every reader: the minimum of all pinned snapshot sequences
// and the current visible sequence.
func (t *snapshotTracker) floor(visible uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var min = visible
	for seq := range t.counts {
		if seq < min {
			min = seq
		}
	}
	return min
}

func (t *snapshotTracker) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}
