package tree

import (
	"os"
	"path/filepath"
	"testing"
)

func TestManifestCreateReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MANIFEST")

	m, err := OpenManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Segments()) != 0 || m.Watermark() != 0 {
		t.Error("fresh manifest not empty")
	}

	err = m.Apply(Change{
		Added: []SegmentRecord{
			{ID: 1, Level: 0, MinKey: []byte("a"), MaxKey: []byte("m"), NumEntries: 100, FileSize: 4096, MinSeq: 1, MaxSeq: 100},
			{ID: 2, Level: 0, MinKey: []byte("n"), MaxKey: []byte("z"), NumEntries: 50, FileSize: 2048, MinSeq: 101, MaxSeq: 150},
		},
		Watermark: 150,
	})
	if err != nil {
		t.Fatal(err)
	}
	m.Close()

	m, err = OpenManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	segs := m.Segments()
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if m.Watermark() != 150 {
		t.Errorf("watermark = %d, want 150", m.Watermark())
	}
	if m.MaxSegmentID() != 2 {
		t.Errorf("max segment id = %d, want 2", m.MaxSegmentID())
	}
	if !m.Has(1) || !m.Has(2) || m.Has(3) {
		t.Error("wrong segment membership")
	}

	for _, rec := range segs {
		if rec.ID == 1 {
			if string(rec.MinKey) != "a" || string(rec.MaxKey) != "m" || rec.NumEntries != 100 {
				t.Errorf("segment 1 record mangled: %+v", rec)
			}
		}
	}
}

func TestManifestCompactionChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MANIFEST")

	m, err := OpenManifest(path)
	if err != nil {
		t.Fatal(err)
	}

	m.Apply(Change{Added: []SegmentRecord{{ID: 1}, {ID: 2}, {ID: 3}}, Watermark: 30})
	// A compaction replaces 1 and 2 with 4.
	m.Apply(Change{Added: []SegmentRecord{{ID: 4}}, Removed: []uint64{1, 2}})
	m.Close()

	m, err = OpenManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if m.Has(1) || m.Has(2) {
		t.Error("removed segments still present")
	}
	if !m.Has(3) || !m.Has(4) {
		t.Error("live segments missing")
	}
	if m.Watermark() != 30 {
		t.Errorf("watermark = %d, want 30", m.Watermark())
	}
}

func TestManifestWatermarkMonotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MANIFEST")

	m, err := OpenManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	m.Apply(Change{Watermark: 100})
	// A lower watermark in a later change must not regress it.
	m.Apply(Change{Added: []SegmentRecord{{ID: 1}}, Watermark: 50})

	if m.Watermark() != 100 {
		t.Errorf("watermark = %d, want 100", m.Watermark())
	}
}

func TestManifestTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MANIFEST")

	m, err := OpenManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	m.Apply(Change{Added: []SegmentRecord{{ID: 1}}, Watermark: 10})
	m.Apply(Change{Added: []SegmentRecord{{ID: 2}}, Watermark: 20})
	m.Close()

	// Append a torn record: a length prefix promising more than exists.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{0xff, 0x00, 0x00, 0x00, 0x01, 0x02})
	f.Close()

	m, err = OpenManifest(path)
	if err != nil {
		t.Fatalf("reopen with torn tail: %v", err)
	}
	defer m.Close()

	if !m.Has(1) || !m.Has(2) {
		t.Error("complete records lost")
	}
	if m.Watermark() != 20 {
		t.Errorf("watermark = %d, want 20", m.Watermark())
	}

	// The manifest must accept new records after the torn tail.
	if err := m.Apply(Change{Added: []SegmentRecord{{ID: 3}}, Watermark: 30}); err != nil {
		t.Fatal(err)
	}
}

func TestManifestBadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MANIFEST")
	if err := os.WriteFile(path, []byte("not a manifest!!"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenManifest(path); err == nil {
		t.Error("open with bad header succeeded")
	}
}

func TestManifestRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MANIFEST")

	m, err := OpenManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < manifestCompactThreshold+10; i++ {
		id := uint64(i + 1)
		change := Change{Added: []SegmentRecord{{ID: id}}, Watermark: id * 10}
		if id > 1 {
			change.Removed = []uint64{id - 1}
		}
		if err := m.Apply(change); err != nil {
			t.Fatal(err)
		}
	}
	m.Close()

	before, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	// Reopening past the threshold rewrites the log as one snapshot.
	m, err = OpenManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	after, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if after.Size() >= before.Size() {
		t.Errorf("rewrite did not shrink the log: %d -> %d bytes", before.Size(), after.Size())
	}

	wantID := uint64(manifestCompactThreshold + 10)
	if segs := m.Segments(); len(segs) != 1 || segs[0].ID != wantID {
		t.Errorf("got %d segments, want only %d", len(segs), wantID)
	}
	if m.Watermark() != wantID*10 {
		t.Errorf("watermark = %d, want %d", m.Watermark(), wantID*10)
	}
	if m.MaxSegmentID() != wantID {
		t.Errorf("max segment id = %d, want %d", m.MaxSegmentID(), wantID)
	}
}
