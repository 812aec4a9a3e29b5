package talus

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Flush scheduling. A partition moves Idle -> FlushRequested when a
// threshold trips, FlushRequested -> Flushing when a worker picks it up,
// and back to Idle when the worker finishes, successfully or not. Failed
// flushes retain the sealed buffer and are retried on the next scheduler
// pass; they are never fatal.

// maybeScheduleFlush enqueues p for flushing if any threshold is tripped:
// buffer size, buffer entry count, buffer age, or a sealed buffer already
// awaiting flush.
func (ks *Keyspace) maybeScheduleFlush(p *Partition) {
	if !p.live() {
		return
	}
	var over = p.tree.SealedCount() > 0 ||
		p.tree.BufferSize() >= ks.cfg.FlushThresholdBytes
	if !over && ks.cfg.FlushThresholdEntries > 0 {
		over = p.tree.BufferCount() >= int64(ks.cfg.FlushThresholdEntries)
	}
	if !over {
		if age := p.tree.BufferAge(); age > 0 && age >= ks.cfg.FlushThresholdAge {
			over = true
		}
	}
	if !over || !p.tryRequestFlush() {
		return
	}

	select {
	case ks.flushCh <- p:
	default:
		// Queue full. Drop the request; the scheduler pass retries.
		p.endFlush()
	}
}

// flushLoop periodically re-evaluates every partition's thresholds. It is
// what catches age-based flushes and requests dropped on a full queue.
func (ks *Keyspace) flushLoop() {
	defer ks.wg.Done()

	var ticker = time.NewTicker(ks.cfg.FlushCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ks.ctx.Done():
			return
		case <-ticker.C:
			for _, p := range ks.livePartitions() {
				ks.maybeScheduleFlush(p)
			}
		}
	}
}

func (ks *Keyspace) flushWorker() {
	defer ks.wg.Done()

	for {
		select {
		case <-ks.ctx.Done():
			return
		case p := <-ks.flushCh:
			if !p.beginFlush() {
				continue
			}
			if err := ks.flushPartition(p); err != nil {
				log.WithError(err).WithField("partition", p.name).
					Warn("flush failed; buffer retained for retry")
			}
			p.endFlush()
		}
	}
}

// flushPartition seals the active buffer and drains all sealed buffers to
// segments, then truncates the journal up to the new watermark floor.
func (ks *Keyspace) flushPartition(p *Partition) error {
	if !p.live() {
		return nil
	}
	p.tree.Seal()

	var flushed int64
	for {
		var n, err = p.tree.FlushOnce()
		if err != nil {
			flushesTotal.WithLabelValues(p.name, Fail).Inc()
			ks.emit(Event{Kind: EventFlushFailed, Partition: p.name, Err: err})
			return err
		}
		if n == 0 {
			break
		}
		flushed += n
		flushesTotal.WithLabelValues(p.name, Ok).Inc()
		flushedBytesTotal.WithLabelValues(p.name).Add(float64(n))
	}
	if flushed == 0 {
		return nil
	}

	ks.emit(Event{Kind: EventFlush, Partition: p.name, Seq: p.tree.FlushedSeq()})
	ks.truncateJournal()
	return nil
}

// journalBound returns the highest sequence whose journal records are no
// longer needed: everything below every partition's first buffered entry.
// The visible sequence is sampled before inspecting buffers, so a commit
// landing mid-scan can only make the bound conservative, never unsafe.
func (ks *Keyspace) journalBound() uint64 {
	var bound = ks.VisibleSeq()
	for _, p := range ks.livePartitions() {
		if fb := p.tree.FirstBufferedSeq(); fb > 0 && fb-1 < bound {
			bound = fb - 1
		}
	}
	return bound
}

// truncateJournal removes journal files wholly covered by flushed data.
func (ks *Keyspace) truncateJournal() {
	var bound = ks.journalBound()
	var removed, err = ks.journal.Truncate(bound)
	if err != nil {
		log.WithError(err).Warn("journal truncation failed")
		return
	}
	if removed > 0 {
		ks.emit(Event{Kind: EventJournalTruncate, Seq: bound})
		log.WithFields(log.Fields{"upTo": bound, "files": removed}).Debug("truncated journal")
	}
}

// FlushPartition synchronously flushes the named partition's buffer to
// segments. It returns once the data is durable in segment files and the
// journal has been truncated accordingly.
func (ks *Keyspace) FlushPartition(name string) error {
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
	return ks.flushPartition(p)
}

// FlushAll synchronously flushes every partition.
func (ks *Keyspace) FlushAll() error {
	if ks.isClosed() {
		return ErrKeyspaceClosed
	}
	if ks.cfg.ReadOnly {
		return ErrReadOnly
	}
	var firstErr error
	for _, p := range ks.livePartitions() {
		if err := ks.flushPartition(p); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "flushing %s", p.name)
		}
	}
	return firstErr
}
