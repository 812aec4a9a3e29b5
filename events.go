package talus

import "time"

// EventKind identifies a background engine event.
type EventKind int

const (
	// EventFlush reports a completed partition flush.
	EventFlush EventKind = iota
	// EventFlushFailed reports a failed flush attempt. The buffer is
	// retained and the flush will be retried.
	EventFlushFailed
	// EventCompaction reports a completed compaction round.
	EventCompaction
	// EventCompactionFailed reports a failed compaction round. The previous
	// segment set remains live.
	EventCompactionFailed
	// EventJournalTruncate reports removal of fully flushed journal files.
	EventJournalTruncate
	// EventReplayTruncated reports that recovery stopped at a torn or
	// corrupt journal tail and discarded it.
	EventReplayTruncated
	// EventPartitionDropped reports completed reclamation of a dropped
	// partition's files.
	EventPartitionDropped
)

func (k EventKind) String() string {
	switch k {
	case EventFlush:
		return "flush"
	case EventFlushFailed:
		return "flush-failed"
	case EventCompaction:
		return "compaction"
	case EventCompactionFailed:
		return "compaction-failed"
	case EventJournalTruncate:
		return "journal-truncate"
	case EventReplayTruncated:
		return "replay-truncated"
	case EventPartitionDropped:
		return "partition-dropped"
	}
	return "unknown"
}

// Event describes a background engine occurrence. Events are advisory:
// delivery is best effort and slow consumers drop events rather than stall
// the engine.
type Event struct {
	Kind      EventKind
	Partition string
	// Seq is the event's reference sequence: the flushed watermark for
	// flushes, or the truncation bound for journal truncations.
	Seq uint64
	Err error
	At  time.Time
}

// Events returns the keyspace event channel. It is closed by Close after
// background work drains.
func (ks *Keyspace) Events() <-chan Event {
	return ks.events
}

// emit publishes ev without blocking. Events are dropped when the channel
// buffer is full.
func (ks *Keyspace) emit(ev Event) {
	ev.At = time.Now()
	select {
	case ks.events <- ev:
	default:
	}
}
