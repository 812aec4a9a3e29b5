package tree

import (
	"fmt"
	"math"
	"sync"
	"testing"
)

func TestMemtableInsertGet(t *testing.T) {
	mt := NewMemtable()

	mt.Insert(Entry{Key: []byte("key1"), Value: []byte("value1"), Seq: 1, Kind: KindSet})
	mt.Insert(Entry{Key: []byte("key2"), Value: []byte("value2"), Seq: 2, Kind: KindSet})
	mt.Insert(Entry{Key: []byte("key3"), Value: []byte("value3"), Seq: 3, Kind: KindSet})

	tests := []struct {
		key   string
		want  string
		found bool
	}{
		{"key1", "value1", true},
		{"key2", "value2", true},
		{"key3", "value3", true},
		{"key4", "", false},
	}

	for _, tt := range tests {
		entry, found := mt.Get([]byte(tt.key), math.MaxUint64)
		if found != tt.found {
			t.Errorf("Get(%s): found = %v, want %v", tt.key, found, tt.found)
			continue
		}
		if found && string(entry.Value) != tt.want {
			t.Errorf("Get(%s): value = %s, want %s", tt.key, entry.Value, tt.want)
		}
	}
}

func TestMemtableVersions(t *testing.T) {
	mt := NewMemtable()

	mt.Insert(Entry{Key: []byte("key"), Value: []byte("v1"), Seq: 10, Kind: KindSet})
	mt.Insert(Entry{Key: []byte("key"), Value: []byte("v2"), Seq: 20, Kind: KindSet})

	// The newest version wins at the latest bound.
	entry, found := mt.Get([]byte("key"), math.MaxUint64)
	if !found {
		t.Fatal("key not found")
	}
	if string(entry.Value) != "v2" || entry.Seq != 20 {
		t.Errorf("got %s@%d, want v2@20", entry.Value, entry.Seq)
	}

	// An older visibility bound resolves the older version.
	entry, found = mt.Get([]byte("key"), 15)
	if !found {
		t.Fatal("key not found at seq 15")
	}
	if string(entry.Value) != "v1" || entry.Seq != 10 {
		t.Errorf("at seq 15: got %s@%d, want v1@10", entry.Value, entry.Seq)
	}

	// A bound below every version sees nothing.
	if _, found = mt.Get([]byte("key"), 5); found {
		t.Error("key visible below its first version")
	}

	// Both versions are retained.
	if mt.Count() != 2 {
		t.Errorf("count = %d, want 2", mt.Count())
	}
}

func TestMemtableTombstone(t *testing.T) {
	mt := NewMemtable()

	mt.Insert(Entry{Key: []byte("key"), Value: []byte("v1"), Seq: 1, Kind: KindSet})
	mt.Insert(Entry{Key: []byte("key"), Seq: 2, Kind: KindDelete})

	entry, found := mt.Get([]byte("key"), math.MaxUint64)
	if !found {
		t.Fatal("tombstone not found")
	}
	if !entry.Tombstone() {
		t.Error("newest version should be a tombstone")
	}

	// The delete is invisible below its sequence.
	entry, found = mt.Get([]byte("key"), 1)
	if !found || entry.Tombstone() {
		t.Error("old version should still be visible at seq 1")
	}
}

func TestMemtableIteratorOrder(t *testing.T) {
	mt := NewMemtable()

	// Insert out of order, with two versions of bravo.
	mt.Insert(Entry{Key: []byte("delta"), Value: []byte("d"), Seq: 1, Kind: KindSet})
	mt.Insert(Entry{Key: []byte("alpha"), Value: []byte("a"), Seq: 2, Kind: KindSet})
	mt.Insert(Entry{Key: []byte("bravo"), Value: []byte("b1"), Seq: 3, Kind: KindSet})
	mt.Insert(Entry{Key: []byte("bravo"), Value: []byte("b2"), Seq: 4, Kind: KindSet})

	// Keys ascending; within a key, sequences descending.
	want := []struct {
		key string
		seq uint64
	}{
		{"alpha", 2},
		{"bravo", 4},
		{"bravo", 3},
		{"delta", 1},
	}

	iter := mt.Iterator()
	defer iter.Close()

	i := 0
	for iter.Next() {
		if i >= len(want) {
			t.Fatal("too many entries")
		}
		e := iter.Entry()
		if string(e.Key) != want[i].key || e.Seq != want[i].seq {
			t.Errorf("entry %d: %s@%d, want %s@%d", i, e.Key, e.Seq, want[i].key, want[i].seq)
		}
		i++
	}
	if i != len(want) {
		t.Errorf("got %d entries, want %d", i, len(want))
	}
}

func TestMemtableIteratorSeek(t *testing.T) {
	mt := NewMemtable()
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key%03d", i)
		mt.Insert(Entry{Key: []byte(key), Value: []byte("v"), Seq: uint64(i + 1), Kind: KindSet})
	}

	iter := mt.Iterator()
	defer iter.Close()

	if !iter.Seek([]byte("key050")) {
		t.Fatal("seek failed")
	}
	if string(iter.Entry().Key) != "key050" {
		t.Errorf("after seek: key = %s, want key050", iter.Entry().Key)
	}

	// Seek to a gap lands on the next key.
	iter2 := mt.Iterator()
	defer iter2.Close()
	if !iter2.Seek([]byte("key025x")) {
		t.Fatal("seek failed")
	}
	if string(iter2.Entry().Key) != "key026" {
		t.Errorf("after seek: key = %s, want key026", iter2.Entry().Key)
	}

	// Seek past the end.
	iter3 := mt.Iterator()
	defer iter3.Close()
	if iter3.Seek([]byte("zzz")) {
		t.Error("seek past the last key should fail")
	}
}

func TestMemtableSequenceBounds(t *testing.T) {
	mt := NewMemtable()

	if mt.MinSequence() != 0 || mt.MaxSequence() != 0 {
		t.Error("empty memtable should report zero sequence bounds")
	}
	if mt.Age() != 0 {
		t.Error("empty memtable should report zero age")
	}

	mt.Insert(Entry{Key: []byte("a"), Value: []byte("v"), Seq: 5, Kind: KindSet})
	mt.Insert(Entry{Key: []byte("b"), Value: []byte("v"), Seq: 9, Kind: KindSet})

	if mt.MinSequence() != 5 {
		t.Errorf("min sequence = %d, want 5", mt.MinSequence())
	}
	if mt.MaxSequence() != 9 {
		t.Errorf("max sequence = %d, want 9", mt.MaxSequence())
	}
	if mt.Age() <= 0 {
		t.Error("age should be positive after an insert")
	}
}

func TestMemtableSizeTracking(t *testing.T) {
	mt := NewMemtable()

	if mt.Size() != 0 {
		t.Errorf("initial size = %d, want 0", mt.Size())
	}

	e := Entry{Key: []byte("key"), Value: []byte("value"), Seq: 1, Kind: KindSet}
	mt.Insert(e)
	if mt.Size() != int64(encodedEntrySize(e)) {
		t.Errorf("size = %d, want %d", mt.Size(), encodedEntrySize(e))
	}
}

func TestMemtableConcurrentReads(t *testing.T) {
	mt := NewMemtable()
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key%04d", i)
		mt.Insert(Entry{Key: []byte(key), Value: []byte(key), Seq: uint64(i + 1), Kind: KindSet})
	}

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("key%04d", i*10)
				entry, found := mt.Get([]byte(key), math.MaxUint64)
				if !found {
					t.Errorf("key %s not found", key)
					continue
				}
				if string(entry.Value) != key {
					t.Errorf("wrong value for %s", key)
				}
			}
		}()
	}
	wg.Wait()
}

func BenchmarkMemtableInsert(b *testing.B) {
	mt := NewMemtable()
	value := []byte("benchmark value")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key%08d", i)
		mt.Insert(Entry{Key: []byte(key), Value: value, Seq: uint64(i + 1), Kind: KindSet})
	}
}

func BenchmarkMemtableGet(b *testing.B) {
	mt := NewMemtable()
	value := []byte("benchmark value")
	for i := 0; i < 10000; i++ {
		key := fmt.Sprintf("key%08d", i)
		mt.Insert(Entry{Key: []byte(key), Value: value, Seq: uint64(i + 1), Kind: KindSet})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key%08d", i%10000)
		mt.Get([]byte(key), math.MaxUint64)
	}
}
