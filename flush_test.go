package talus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// waitForFlush polls until the named partition's buffers are fully
// drained to segments, or fails the test at the deadline.
func waitForFlush(t *testing.T, ks *Keyspace, name string, deadline time.Duration) {
	t.Helper()
	var expire = time.Now().Add(deadline)
	for {
		for _, ps := range ks.Stats().Partitions {
			if ps.Name == name && ps.BufferEntries == 0 && ps.SealedBuffers == 0 {
				return
			}
		}
		if time.Now().After(expire) {
			t.Fatalf("partition %s not flushed before deadline", name)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFlushOnEntryThreshold(t *testing.T) {
	var cfg = testConfig()
	cfg.FlushThresholdEntries = 50

	var ks, _ = openTestKeyspace(t, cfg)
	defer ks.Close()

	var p, err = ks.CreatePartition("data", nil)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		_, err = p.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte("value"))
		require.NoError(t, err)
	}
	waitForFlush(t, ks, "data", 5*time.Second)

	var ps = ks.Stats().Partitions[0]
	require.Equal(t, uint64(50), ps.FlushedSeq)
	require.Len(t, ps.Levels, 1)
	require.Equal(t, 0, ps.Levels[0].Level)
	require.Equal(t, 1, ps.Levels[0].Segments)
	require.Equal(t, uint64(50), ps.Levels[0].Entries)

	// Reads are served from the new segment.
	for i := 0; i < 50; i++ {
		var _, gerr = p.Get([]byte(fmt.Sprintf("key-%03d", i)))
		require.NoError(t, gerr)
	}
}

func TestFlushOnAgeThreshold(t *testing.T) {
	var cfg = testConfig()
	cfg.FlushThresholdAge = 50 * time.Millisecond

	var ks, _ = openTestKeyspace(t, cfg)
	defer ks.Close()

	var p, err = ks.CreatePartition("data", nil)
	require.NoError(t, err)
	_, err = p.Put([]byte("lonely"), []byte("entry"))
	require.NoError(t, err)

	// One buffered entry is far under the size and count thresholds; only
	// its age can force it out.
	waitForFlush(t, ks, "data", 5*time.Second)

	var ps = ks.Stats().Partitions[0]
	require.Equal(t, uint64(1), ps.FlushedSeq)
	require.NotEmpty(t, ps.Levels)
}

func TestFlushSynchronousAndJournalTruncation(t *testing.T) {
	var cfg = testConfig()
	cfg.JournalRotateBytes = 256

	var ks, _ = openTestKeyspace(t, cfg)
	defer ks.Close()

	var p, err = ks.CreatePartition("data", nil)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err = p.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte("0123456789abcdef0123456789abcdef"))
		require.NoError(t, err)
	}
	require.Greater(t, ks.Stats().JournalFiles, 1)

	require.NoError(t, ks.FlushPartition("data"))

	// Everything below the flushed watermark is durable in segments, so
	// the sealed journal files are gone and only the active one remains.
	var stats = ks.Stats()
	require.Equal(t, 1, stats.JournalFiles)
	require.Equal(t, uint64(20), stats.Partitions[0].FlushedSeq)
	require.Zero(t, stats.Partitions[0].BufferEntries)

	// Case: flushing an empty buffer is a no-op.
	require.NoError(t, ks.FlushPartition("data"))
	require.Equal(t, stats.Partitions[0].Levels, ks.Stats().Partitions[0].Levels)

	// Case: unknown partitions fail cleanly.
	require.ErrorIs(t, ks.FlushPartition("ghost"), ErrPartitionNotFound)

	for i := 0; i < 20; i++ {
		var v, gerr = p.Get([]byte(fmt.Sprintf("key-%03d", i)))
		require.NoError(t, gerr)
		require.Equal(t, []byte("0123456789abcdef0123456789abcdef"), v)
	}
}

func TestFlushCyclesBoundJournal(t *testing.T) {
	var cfg = testConfig()
	cfg.FlushThresholdEntries = 100
	cfg.JournalRotateBytes = 4096

	var ks, _ = openTestKeyspace(t, cfg)
	defer ks.Close()

	var p, err = ks.CreatePartition("data", nil)
	require.NoError(t, err)

	// Ten rounds of exactly the threshold, each drained before the next
	// begins, produce one flush per round.
	for cycle := 0; cycle < 10; cycle++ {
		for i := 0; i < 100; i++ {
			_, err = p.Put([]byte(fmt.Sprintf("key-%04d", cycle*100+i)), []byte("value"))
			require.NoError(t, err)
		}
		waitForFlush(t, ks, "data", 5*time.Second)
	}

	var flushes int
	var expire = time.Now().Add(5 * time.Second)
	for flushes < 10 && time.Now().Before(expire) {
		select {
		case ev := <-ks.Events():
			if ev.Kind == EventFlush && ev.Partition == "data" {
				flushes++
			}
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	require.Equal(t, 10, flushes)

	// Case: nothing left to flush, so no further flush events arrive.
	time.Sleep(50 * time.Millisecond)
	for done := false; !done; {
		select {
		case ev := <-ks.Events():
			require.NotEqual(t, EventFlush, ev.Kind)
		default:
			done = true
		}
	}

	// Every record below the watermark is covered by segments, so rotation
	// plus truncation holds the journal to its single active file.
	expire = time.Now().Add(5 * time.Second)
	for time.Now().Before(expire) && ks.Stats().JournalFiles > 1 {
		time.Sleep(5 * time.Millisecond)
	}
	var stats = ks.Stats()
	require.Equal(t, 1, stats.JournalFiles)
	require.Equal(t, uint64(1000), stats.Partitions[0].FlushedSeq)

	var entries uint64
	for _, lvl := range stats.Partitions[0].Levels {
		entries += lvl.Entries
	}
	require.Equal(t, uint64(1000), entries)

	for i := 0; i < 1000; i++ {
		var _, gerr = p.Get([]byte(fmt.Sprintf("key-%04d", i)))
		require.NoError(t, gerr)
	}
}

func TestFlushAll(t *testing.T) {
	var ks, _ = openTestKeyspace(t, testConfig())
	defer ks.Close()

	var names = []string{"alpha", "beta", "gamma"}
	for _, name := range names {
		var p, err = ks.CreatePartition(name, nil)
		require.NoError(t, err)
		_, err = p.Put([]byte("k"), []byte(name))
		require.NoError(t, err)
	}

	require.NoError(t, ks.FlushAll())

	for _, ps := range ks.Stats().Partitions {
		require.Zero(t, ps.BufferEntries, "partition %s", ps.Name)
		require.NotEmpty(t, ps.Levels, "partition %s", ps.Name)
	}
}

func TestFlushStateMachine(t *testing.T) {
	var ks, _ = openTestKeyspace(t, testConfig())
	defer ks.Close()

	var p, err = ks.CreatePartition("data", nil)
	require.NoError(t, err)

	// Idle -> requested -> flushing -> idle; redundant requests collapse.
	require.True(t, p.tryRequestFlush())
	require.False(t, p.tryRequestFlush())
	require.True(t, p.beginFlush())
	require.False(t, p.beginFlush())
	p.endFlush()
	require.True(t, p.tryRequestFlush())
	p.endFlush()
}
