package tree

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"testing"
)

// writeTestSegment writes entries (already in internal order) to a new
// segment under dir and opens it.
func writeTestSegment(t *testing.T, dir string, id uint64, level int, cfg Config, entries []Entry) *Segment {
	t.Helper()
	w, err := NewSegmentWriter(dir, id, uint(len(entries)), cfg)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for _, e := range entries {
		if err := w.Add(e); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := w.Finish(level); err != nil {
		t.Fatalf("finish: %v", err)
	}
	seg, err := OpenSegment(dir, id)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	return seg
}

func TestSegmentWriteRead(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{}.withDefaults()

	var entries []Entry
	for i := 0; i < 1000; i++ {
		entries = append(entries, Entry{
			Key:   []byte(fmt.Sprintf("key%04d", i)),
			Value: []byte(fmt.Sprintf("value%04d", i)),
			Seq:   uint64(i + 1),
			Kind:  KindSet,
		})
	}

	seg := writeTestSegment(t, dir, 1, 0, cfg, entries)
	defer seg.Unref()

	if seg.Footer.NumEntries != 1000 {
		t.Errorf("entries = %d, want 1000", seg.Footer.NumEntries)
	}
	if seg.Meta.MinSeq != 1 || seg.Meta.MaxSeq != 1000 {
		t.Errorf("seq range = [%d, %d], want [1, 1000]", seg.Meta.MinSeq, seg.Meta.MaxSeq)
	}
	if string(seg.MinKey()) != "key0000" || string(seg.MaxKey()) != "key0999" {
		t.Errorf("key range = [%s, %s]", seg.MinKey(), seg.MaxKey())
	}

	for i := 0; i < 1000; i += 97 {
		key := []byte(fmt.Sprintf("key%04d", i))
		entry, found, err := seg.Get(key, math.MaxUint64, nil, true)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if !found {
			t.Fatalf("key %s not found", key)
		}
		want := fmt.Sprintf("value%04d", i)
		if string(entry.Value) != want {
			t.Errorf("get %s = %s, want %s", key, entry.Value, want)
		}
	}

	// Absent keys miss without error.
	if _, found, err := seg.Get([]byte("missing"), math.MaxUint64, nil, true); err != nil || found {
		t.Errorf("absent key: found=%v err=%v", found, err)
	}
}

func TestSegmentVersionStraddle(t *testing.T) {
	dir := t.TempDir()

	// Tiny blocks force one key's versions across block boundaries.
	cfg := Config{BlockSize: 64}.withDefaults()

	var entries []Entry
	for seq := 50; seq >= 1; seq-- {
		entries = append(entries, Entry{
			Key:   []byte("hotkey"),
			Value: []byte(fmt.Sprintf("v%02d", seq)),
			Seq:   uint64(seq),
			Kind:  KindSet,
		})
	}
	entries = append(entries, Entry{Key: []byte("zz"), Value: []byte("tail"), Seq: 99, Kind: KindSet})

	seg := writeTestSegment(t, dir, 1, 0, cfg, entries)
	defer seg.Unref()

	if seg.Footer.NumDataBlocks < 2 {
		t.Fatalf("expected multiple blocks, got %d", seg.Footer.NumDataBlocks)
	}

	// Every version must be reachable, including those deep in later
	// blocks of the same key.
	for seq := 1; seq <= 50; seq++ {
		entry, found, err := seg.Get([]byte("hotkey"), uint64(seq), nil, true)
		if err != nil {
			t.Fatalf("get at %d: %v", seq, err)
		}
		if !found {
			t.Fatalf("no version visible at %d", seq)
		}
		want := fmt.Sprintf("v%02d", seq)
		if string(entry.Value) != want {
			t.Errorf("at %d: value = %s, want %s", seq, entry.Value, want)
		}
	}

	if _, found, _ := seg.Get([]byte("zz"), math.MaxUint64, nil, true); !found {
		t.Error("trailing key not found")
	}
}

func TestSegmentBloomFilter(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{}.withDefaults()

	entries := []Entry{
		{Key: []byte("present"), Value: []byte("v"), Seq: 1, Kind: KindSet},
	}
	seg := writeTestSegment(t, dir, 1, 0, cfg, entries)
	defer seg.Unref()

	if seg.Bloom == nil {
		t.Fatal("bloom filter missing")
	}
	if !seg.Bloom.MayContain([]byte("present")) {
		t.Error("bloom filter rejects a present key")
	}

	// Disabled bloom filters are simply absent.
	cfg.DisableBloomFilter = true
	seg2 := writeTestSegment(t, dir, 2, 0, cfg, entries)
	defer seg2.Unref()
	if seg2.Bloom != nil {
		t.Error("bloom filter present despite being disabled")
	}
	if _, found, err := seg2.Get([]byte("present"), math.MaxUint64, nil, true); err != nil || !found {
		t.Errorf("get without bloom: found=%v err=%v", found, err)
	}
}

func TestSegmentBlockCache(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{}.withDefaults()

	entries := []Entry{
		{Key: []byte("key"), Value: []byte("value"), Seq: 1, Kind: KindSet},
	}
	seg := writeTestSegment(t, dir, 1, 0, cfg, entries)
	defer seg.Unref()

	cache, err := NewBlockCache(1<<20, cfg.BlockSize)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, found, err := seg.Get([]byte("key"), math.MaxUint64, cache, true); err != nil || !found {
			t.Fatalf("get %d: found=%v err=%v", i, found, err)
		}
	}
	hits, misses := cache.Stats()
	if misses != 1 || hits != 2 {
		t.Errorf("cache hits=%d misses=%d, want 2/1", hits, misses)
	}
}

func TestSegmentTombstoneCounted(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{}.withDefaults()

	entries := []Entry{
		{Key: []byte("a"), Value: []byte("v"), Seq: 3, Kind: KindSet},
		{Key: []byte("b"), Seq: 2, Kind: KindDelete},
		{Key: []byte("c"), Seq: 1, Kind: KindDelete},
	}
	seg := writeTestSegment(t, dir, 1, 2, cfg, entries)
	defer seg.Unref()

	if seg.Meta.NumTombstones != 2 {
		t.Errorf("tombstones = %d, want 2", seg.Meta.NumTombstones)
	}
	if seg.Level != 2 {
		t.Errorf("level = %d, want 2", seg.Level)
	}
}

func TestSegmentInvalid(t *testing.T) {
	dir := t.TempDir()

	// Too short to hold a footer.
	short := segmentPath(dir, 1)
	if err := os.WriteFile(short, []byte("tiny"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenSegment(dir, 1); err == nil {
		t.Error("open of truncated file succeeded")
	}

	// Right size, wrong magic.
	bad := make([]byte, 4096)
	if err := os.WriteFile(segmentPath(dir, 2), bad, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenSegment(dir, 2); err == nil {
		t.Error("open with bad magic succeeded")
	}
}

func TestSegmentObsoleteRemoval(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{}.withDefaults()

	seg := writeTestSegment(t, dir, 1, 0, cfg, []Entry{
		{Key: []byte("k"), Value: []byte("v"), Seq: 1, Kind: KindSet},
	})
	path := seg.Path

	seg.Ref() // second holder
	seg.MarkObsolete()

	seg.Unref()
	if _, err := os.Stat(path); err != nil {
		t.Fatal("file removed while still referenced")
	}

	seg.Unref()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("obsolete file not removed on last release")
	}
}

func TestParseSegmentFileName(t *testing.T) {
	tests := []struct {
		name string
		id   uint64
		ok   bool
	}{
		{"0000000000000001.sst", 1, true},
		{"00000000000000ff.sst", 255, true},
		{"0000000000000001.tmp", 0, false},
		{"MANIFEST", 0, false},
		{"xyz.sst", 0, false},
	}
	for _, tt := range tests {
		id, ok := parseSegmentFileName(tt.name)
		if ok != tt.ok || id != tt.id {
			t.Errorf("parse %q = (%d, %v), want (%d, %v)", tt.name, id, ok, tt.id, tt.ok)
		}
	}

	if got := segmentFileName(255); got != "00000000000000ff.sst" {
		t.Errorf("segmentFileName(255) = %s", got)
	}
}

func TestSegmentFooterRoundTrip(t *testing.T) {
	want := SegmentFooter{
		BloomOffset:   100,
		BloomSize:     50,
		IndexOffset:   150,
		IndexSize:     75,
		MetaOffset:    225,
		MetaSize:      36,
		NumDataBlocks: 7,
		NumEntries:    12345,
		FileSize:      9999,
		Magic:         SegmentMagic,
	}
	got := parseSegmentFooter(serializeSegmentFooter(want))
	if got != want {
		t.Errorf("footer round trip: %+v != %+v", got, want)
	}
}

func TestSegmentWriterAbort(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{}.withDefaults()

	w, err := NewSegmentWriter(dir, 1, 10, cfg)
	if err != nil {
		t.Fatal(err)
	}
	w.Add(Entry{Key: []byte("k"), Value: bytes.Repeat([]byte("v"), 100), Seq: 1, Kind: KindSet})
	if err := w.Abort(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(w.Path()); !os.IsNotExist(err) {
		t.Error("aborted segment file still exists")
	}
}
