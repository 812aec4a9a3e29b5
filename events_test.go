package talus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventKindStrings(t *testing.T) {
	for kind, want := range map[EventKind]string{
		EventFlush:            "flush",
		EventFlushFailed:      "flush-failed",
		EventCompaction:       "compaction",
		EventCompactionFailed: "compaction-failed",
		EventJournalTruncate:  "journal-truncate",
		EventReplayTruncated:  "replay-truncated",
		EventPartitionDropped: "partition-dropped",
		EventKind(99):         "unknown",
	} {
		require.Equal(t, want, kind.String())
	}
}

func TestEventsReportBackgroundWork(t *testing.T) {
	var ks, _ = openTestKeyspace(t, testConfig())

	var p, err = ks.CreatePartition("data", nil)
	require.NoError(t, err)
	for _, key := range []string{"a", "b", "c"} {
		_, err = p.Put([]byte(key), []byte("v"))
		require.NoError(t, err)
	}
	require.NoError(t, ks.FlushPartition("data"))

	_, err = ks.CreatePartition("scratch", nil)
	require.NoError(t, err)
	require.NoError(t, ks.DropPartition("scratch"))

	// Close drains background work and closes the channel, so the full
	// event history can be ranged over.
	require.NoError(t, ks.Close())

	var sawFlush, sawDrop bool
	for ev := range ks.Events() {
		switch ev.Kind {
		case EventFlush:
			sawFlush = true
			require.Equal(t, "data", ev.Partition)
			require.Equal(t, uint64(3), ev.Seq)
			require.False(t, ev.At.IsZero())
		case EventPartitionDropped:
			sawDrop = true
			require.Equal(t, "scratch", ev.Partition)
		}
	}
	require.True(t, sawFlush)
	require.True(t, sawDrop)
}
