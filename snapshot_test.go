package talus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func collectKeys(it *Iter) map[string]string {
	var got = make(map[string]string)
	for it.Next() {
		got[string(it.Key())] = string(it.Value())
	}
	it.Close()
	return got
}

func TestSnapshotIsolation(t *testing.T) {
	var ks, _ = openTestKeyspace(t, testConfig())
	defer ks.Close()

	var p, err = ks.CreatePartition("data", nil)
	require.NoError(t, err)

	_, err = p.Put([]byte("stable"), []byte("s")) // sequence 1
	require.NoError(t, err)
	_, err = p.Put([]byte("k"), []byte("v1")) // sequence 2
	require.NoError(t, err)
	_, err = p.Put([]byte("gone"), []byte("g")) // sequence 3
	require.NoError(t, err)

	var snap *Snapshot
	snap, err = ks.AcquireSnapshot()
	require.NoError(t, err)
	require.Equal(t, uint64(3), snap.Seq())

	_, err = p.Put([]byte("k"), []byte("v2")) // sequence 4
	require.NoError(t, err)
	_, err = p.Delete([]byte("gone")) // sequence 5
	require.NoError(t, err)
	_, err = p.Put([]byte("new"), []byte("n")) // sequence 6
	require.NoError(t, err)

	// Current reads observe the latest commits.
	var v []byte
	v, err = p.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
	_, err = p.Get([]byte("gone"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	// Snapshot reads observe sequence 3 exactly.
	v, err = p.GetAt(snap, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
	v, err = p.GetAt(snap, []byte("gone"))
	require.NoError(t, err)
	require.Equal(t, []byte("g"), v)
	_, err = p.GetAt(snap, []byte("new"))
	require.ErrorIs(t, err, ErrKeyNotFound)
	v, err = p.GetAt(snap, []byte("stable"))
	require.NoError(t, err)
	require.Equal(t, []byte("s"), v)

	// Scans under the snapshot match its point reads.
	var it *Iter
	it, err = p.IterAt(snap, nil, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"stable": "s",
		"k":      "v1",
		"gone":   "g",
	}, collectKeys(it))

	it, err = p.Iter(nil, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"stable": "s",
		"k":      "v2",
		"new":    "n",
	}, collectKeys(it))

	require.Equal(t, 1, ks.Stats().Snapshots)
	require.NoError(t, snap.Close())
	require.NoError(t, snap.Close()) // idempotent
	require.Zero(t, ks.Stats().Snapshots)
}

func TestSnapshotSurvivesFlushAndCompaction(t *testing.T) {
	var ks, _ = openTestKeyspace(t, testConfig())
	defer ks.Close()

	// An aggressive trigger makes the explicit compaction below do work.
	var p, err = ks.CreatePartition("data", &PartitionOptions{L0CompactTrigger: 1})
	require.NoError(t, err)

	_, err = p.Put([]byte("k"), []byte("old")) // sequence 1
	require.NoError(t, err)

	var snap *Snapshot
	snap, err = ks.AcquireSnapshot()
	require.NoError(t, err)

	_, err = p.Put([]byte("k"), []byte("new")) // sequence 2
	require.NoError(t, err)

	// Flush and compact under the pin. The superseded version is still
	// observable by the snapshot, so it must survive.
	require.NoError(t, ks.FlushPartition("data"))
	require.NoError(t, ks.CompactPartition("data"))

	var v []byte
	v, err = p.GetAt(snap, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("old"), v)
	v, err = p.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("new"), v)

	require.NoError(t, snap.Close())

	// With the pin gone, further compaction may settle the key; current
	// reads are unaffected.
	require.NoError(t, ks.CompactPartition("data"))
	v, err = p.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("new"), v)
}

func TestSnapshotTrackerFloor(t *testing.T) {
	var tr = newSnapshotTracker()

	// With nothing pinned, the floor is the visible sequence itself.
	require.Equal(t, uint64(20), tr.floor(20))

	tr.acquire(5)
	tr.acquire(10)
	tr.acquire(5)
	require.Equal(t, 2, tr.active())
	require.Equal(t, uint64(5), tr.floor(20))

	// The visible sequence can itself be the minimum.
	require.Equal(t, uint64(3), tr.floor(3))

	// Refcounted: the first release of 5 keeps the pin.
	tr.release(5)
	require.Equal(t, uint64(5), tr.floor(20))
	tr.release(5)
	require.Equal(t, uint64(10), tr.floor(20))
	tr.release(10)
	require.Equal(t, uint64(20), tr.floor(20))
	require.Zero(t, tr.active())
}
