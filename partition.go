package talus

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/talusdb/talus/tree"
)

// Partition flush scheduling states.
const (
	flushIdle int32 = iota
	flushRequested
	flushing
)

// A Partition is an independent keyed namespace within a Keyspace. Reads go
// directly to the partition's own store; writes go through Keyspace commits
// (or the Put and Delete conveniences, which commit single-record batches).
//
// Partition handles remain valid after DropPartition, but every operation
// on a dropped handle returns ErrPartitionNotFound.
type Partition struct {
	ks   *Keyspace
	id   uint64
	name string
	opts PartitionOptions
	tree *tree.Tree

	flushState int32 // atomic
	dropped    int32 // atomic
}

// Name returns the partition name.
func (p *Partition) Name() string { return p.name }

func (p *Partition) live() bool {
	return atomic.LoadInt32(&p.dropped) == 0
}

// Get returns the newest visible value of key, or ErrKeyNotFound.
func (p *Partition) Get(key []byte) ([]byte, error) {
	return p.getAt(key, p.ks.VisibleSeq())
}

// GetAt is Get as observed by an acquired snapshot.
func (p *Partition) GetAt(snap *Snapshot, key []byte) ([]byte, error) {
	return p.getAt(key, snap.seq)
}

func (p *Partition) getAt(key []byte, asOf uint64) ([]byte, error) {
	if !p.live() {
		return nil, errors.Wrap(ErrPartitionNotFound, p.name)
	}
	var v, err = p.tree.Get(key, asOf)
	if errors.Is(err, tree.ErrTreeClosed) {
		return nil, errors.Wrap(ErrPartitionNotFound, p.name)
	}
	return v, err
}

// Put commits a single-record batch setting key to value, returning its
// sequence.
func (p *Partition) Put(key, value []byte) (uint64, error) {
	var b = p.ks.NewBatch()
	b.Put(p, key, value)
	return b.Commit()
}

// Delete commits a single-record batch deleting key, returning its
// sequence. Deleting an absent key is not an error.
func (p *Partition) Delete(key []byte) (uint64, error) {
	var b = p.ks.NewBatch()
	b.Delete(p, key)
	return b.Commit()
}

// Iter is an ordered iterator over a partition's visible keys.
type Iter = tree.Iter

// Iter returns an iterator over keys in [lo, hi) at the current visible
// sequence. A nil bound is unbounded on that side. Close it when done.
func (p *Partition) Iter(lo, hi []byte) (*Iter, error) {
	if !p.live() {
		return nil, errors.Wrap(ErrPartitionNotFound, p.name)
	}
	return p.tree.Iter(lo, hi, p.ks.VisibleSeq()), nil
}

// IterAt is Iter as observed by an acquired snapshot.
func (p *Partition) IterAt(snap *Snapshot, lo, hi []byte) (*Iter, error) {
	if !p.live() {
		return nil, errors.Wrap(ErrPartitionNotFound, p.name)
	}
	return p.tree.Iter(lo, hi, snap.seq), nil
}

// IterPrefix returns an iterator over all keys beginning with prefix.
func (p *Partition) IterPrefix(prefix []byte) (*Iter, error) {
	if !p.live() {
		return nil, errors.Wrap(ErrPartitionNotFound, p.name)
	}
	return p.tree.PrefixIter(prefix, p.ks.VisibleSeq()), nil
}

// PartitionStats reports a partition's storage state.
type PartitionStats struct {
	Name string
	tree.TreeStats
}

// Stats returns current partition statistics.
func (p *Partition) Stats() PartitionStats {
	return PartitionStats{Name: p.name, TreeStats: p.tree.Stats()}
}

// tryRequestFlush transitions Idle to FlushRequested. It returns true when
// this call performed the transition and the partition should be enqueued.
func (p *Partition) tryRequestFlush() bool {
	return atomic.CompareAndSwapInt32(&p.flushState, flushIdle, flushRequested)
}

// beginFlush transitions FlushRequested to Flushing.
func (p *Partition) beginFlush() bool {
	return atomic.CompareAndSwapInt32(&p.flushState, flushRequested, flushing)
}

// endFlush returns the partition to Idle, whatever the flush outcome.
func (p *Partition) endFlush() {
	atomic.StoreInt32(&p.flushState, flushIdle)
}
