package talus

// WriteTx stages writes across partitions and commits them as one atomic
// batch. Unlike a bare Batch, reads through the transaction observe its own
// staged writes layered over a snapshot pinned when the transaction began,
// so commits landing mid-transaction never bleed into its reads.
//
// WriteTx takes no locks until Commit and detects no conflicts: last commit
// wins, exactly as with separate batches. It is not safe for concurrent use.
// An abandoned transaction pins its snapshot until garbage collected;
// always Commit or Rollback.
type WriteTx struct {
	ks     *Keyspace
	batch  *Batch
	snap   *Snapshot
	staged map[*Partition]map[string]txValue
	done   bool
}

type txValue struct {
	value   []byte
	deleted bool
}

// NewWriteTx begins a write transaction.
func (ks *Keyspace) NewWriteTx() *WriteTx {
	// Snapshot acquisition fails only on a closed keyspace; reads then fall
	// through to the partitions, which report the closure themselves.
	var snap, _ = ks.AcquireSnapshot()
	return &WriteTx{
		ks:     ks,
		batch:  ks.NewBatch(),
		snap:   snap,
		staged: make(map[*Partition]map[string]txValue),
	}
}

func (tx *WriteTx) stage(p *Partition, key []byte, v txValue) {
	var m = tx.staged[p]
	if m == nil {
		m = make(map[string]txValue)
		tx.staged[p] = m
	}
	m[string(key)] = v
}

// Put stages a set of key to value in partition p.
func (tx *WriteTx) Put(p *Partition, key, value []byte) error {
	if tx.done {
		return ErrTxDone
	}
	tx.batch.Put(p, key, value)
	tx.stage(p, key, txValue{value: value})
	return nil
}

// Delete stages a tombstone for key in partition p.
func (tx *WriteTx) Delete(p *Partition, key []byte) error {
	if tx.done {
		return ErrTxDone
	}
	tx.batch.Delete(p, key)
	tx.stage(p, key, txValue{deleted: true})
	return nil
}

// Get reads key from partition p, observing the transaction's own staged
// writes before the pinned snapshot.
func (tx *WriteTx) Get(p *Partition, key []byte) ([]byte, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if v, ok := tx.staged[p][string(key)]; ok {
		if v.deleted {
			return nil, ErrKeyNotFound
		}
		return v.value, nil
	}
	if tx.snap != nil {
		return p.GetAt(tx.snap, key)
	}
	return p.Get(key)
}

// Len returns the number of staged operations.
func (tx *WriteTx) Len() int {
	return tx.batch.Len()
}

// Commit atomically applies the staged writes, returning the highest
// sequence assigned. The transaction cannot be reused afterwards.
func (tx *WriteTx) Commit() (uint64, error) {
	if tx.done {
		return 0, ErrTxDone
	}
	tx.finish()
	return tx.batch.Commit()
}

// Rollback discards the staged writes.
func (tx *WriteTx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.finish()
	tx.batch.Reset()
	return nil
}

func (tx *WriteTx) finish() {
	tx.done = true
	if tx.snap != nil {
		tx.snap.Close()
		tx.snap = nil
	}
}
