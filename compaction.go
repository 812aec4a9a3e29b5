package talus

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Compaction scheduling. A fixed pool of workers drains compactCh; the
// compacting map holds at most one pending or running entry per partition,
// so concurrent rounds on the same partition never happen while different
// partitions compact in parallel. Failed rounds leave the previous segment
// set live and are retried on the next scheduler pass.

// maybeScheduleCompaction enqueues p when it has compaction debt and is not
// already queued or compacting.
func (ks *Keyspace) maybeScheduleCompaction(p *Partition) {
	if !p.live() || !p.tree.NeedsCompaction() {
		return
	}

	ks.cmu.Lock()
	if ks.compacting[p.id] {
		ks.cmu.Unlock()
		return
	}
	ks.compacting[p.id] = true
	ks.cmu.Unlock()

	select {
	case ks.compactCh <- p:
	default:
		// Queue full. Drop the claim; the scheduler pass retries.
		ks.cmu.Lock()
		delete(ks.compacting, p.id)
		ks.cmu.Unlock()
	}
}

func (ks *Keyspace) compactionLoop() {
	defer ks.wg.Done()

	var ticker = time.NewTicker(ks.cfg.CompactionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ks.ctx.Done():
			return
		case <-ticker.C:
			for _, p := range ks.livePartitions() {
				ks.maybeScheduleCompaction(p)
			}
		}
	}
}

func (ks *Keyspace) compactionWorker() {
	defer ks.wg.Done()

	for {
		select {
		case <-ks.ctx.Done():
			return
		case p := <-ks.compactCh:
			ks.compactOnce(p)

			ks.cmu.Lock()
			delete(ks.compacting, p.id)
			ks.cmu.Unlock()

			// Deep backlogs need several rounds.
			ks.maybeScheduleCompaction(p)
		}
	}
}

// compactOnce runs a single compaction round for p. Superseded versions are
// dropped only below the floor no snapshot or current reader can observe.
func (ks *Keyspace) compactOnce(p *Partition) {
	if !p.live() {
		return
	}
	var floor = ks.snapshots.floor(ks.VisibleSeq())
	var changed, err = p.tree.Compact(floor)
	if err != nil {
		compactionsTotal.WithLabelValues(p.name, Fail).Inc()
		ks.emit(Event{Kind: EventCompactionFailed, Partition: p.name, Err: err})
		log.WithError(err).WithField("partition", p.name).
			Warn("compaction failed; previous segments remain live")
		return
	}
	if changed {
		compactionsTotal.WithLabelValues(p.name, Ok).Inc()
		ks.emit(Event{Kind: EventCompaction, Partition: p.name})
	}
}

// CompactPartition synchronously compacts the named partition until no
// level is over budget.
func (ks *Keyspace) CompactPartition(name string) error {
	if ks.isClosed() {
		return ErrKeyspaceClosed
	}
	if ks.cfg.ReadOnly {
		return ErrReadOnly
	}
	var p, err = ks.OpenPartition(name)
	if err != nil {
		return err
	}
	return p.tree.CompactFully(ks.snapshots.floor(ks.VisibleSeq()))
}
