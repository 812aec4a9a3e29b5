package talus

import "context"

// Batch accumulates operations across any partitions of one keyspace, to be
// committed atomically: after a crash, either every operation of the batch
// is recovered or none are.
//
// Operations apply in insertion order, so a later operation on a key
// supersedes an earlier one in the same batch.
type Batch struct {
	ks  *Keyspace
	ops []batchOp
}

type batchOp struct {
	part  *Partition
	op    uint8
	key   []byte
	value []byte
}

// NewBatch creates an empty batch for atomic cross-partition writes.
func (ks *Keyspace) NewBatch() *Batch {
	return &Batch{ks: ks}
}

// Put stages a set of key to value in partition p. The key is copied; the
// value must not be mutated until Commit returns.
func (b *Batch) Put(p *Partition, key, value []byte) {
	// Copy key in case the caller reuses its buffer.
	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	b.ops = append(b.ops, batchOp{part: p, op: journalOpPut, key: keyCopy, value: value})
}

// Delete stages a tombstone for key in partition p. Deleting an absent key
// is not an error.
func (b *Batch) Delete(p *Partition, key []byte) {
	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	b.ops = append(b.ops, batchOp{part: p, op: journalOpDelete, key: keyCopy})
}

// Len returns the number of staged operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Reset clears the batch for reuse.
func (b *Batch) Reset() {
	b.ops = b.ops[:0]
}

// Commit durably applies the batch and returns the highest sequence it was
// assigned. An empty batch commits trivially, returning the current visible
// sequence.
func (b *Batch) Commit() (uint64, error) {
	return b.ks.commitBatch(context.Background(), b)
}

// CommitContext is Commit bounded by ctx, in addition to the configured
// commit timeout.
func (b *Batch) CommitContext(ctx context.Context) (uint64, error) {
	return b.ks.commitBatch(ctx, b)
}
