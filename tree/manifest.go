package tree

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Manifest is the per-partition segment ledger: an append-only log of
// segment-set changes and watermark advances. Replaying it yields the
// live segment set and the highest sequence durably flushed, without
// reading any segment file.
type Manifest struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	writer   *bufio.Writer
	segments map[uint64]SegmentRecord
	maxSegID uint64
	flushed  uint64 // watermark: highest sequence durably in segments
	recSeq   uint64 // manifest's own record counter
	records  int    // records replayed or written since creation
}

// SegmentRecord describes one segment in the manifest.
type SegmentRecord struct {
	ID         uint64 `msgpack:"id"`
	Level      int    `msgpack:"lvl"`
	MinKey     []byte `msgpack:"min"`
	MaxKey     []byte `msgpack:"max"`
	NumEntries uint64 `msgpack:"n"`
	FileSize   int64  `msgpack:"sz"`
	MinSeq     uint64 `msgpack:"smin"`
	MaxSeq     uint64 `msgpack:"smax"`
}

// Change is one atomic segment-set mutation: segments added, segments
// removed, and optionally a new watermark. A flush is {one added,
// watermark}; a compaction is {added set, removed set}.
type Change struct {
	Added     []SegmentRecord `msgpack:"add,omitempty"`
	Removed   []uint64        `msgpack:"rm,omitempty"`
	Watermark uint64          `msgpack:"wm,omitempty"`
}

// Manifest record types
const (
	manifestRecChange   uint8 = 1
	manifestRecSnapshot uint8 = 2
)

// Manifest file magic and version
const (
	manifestMagic   uint32 = 0x544C4D46 // "TLMF"
	manifestVersion uint32 = 1
)

// manifestCompactThreshold is the record count past which the log is
// rewritten as a single snapshot on open.
const manifestCompactThreshold = 1000

var (
	ErrInvalidManifest = errors.New("invalid manifest file")
	ErrManifestCorrupt = errors.New("manifest file corrupted")
)

// manifestSnapshot is the payload of a snapshot record: the full state.
type manifestSnapshot struct {
	Segments  []SegmentRecord `msgpack:"segs"`
	Watermark uint64          `msgpack:"wm"`
}

// OpenManifest opens or creates the manifest at path. A log that has
// grown past the compaction threshold is rewritten as one snapshot.
func OpenManifest(path string) (*Manifest, error) {
	m := &Manifest{
		path:     path,
		segments: make(map[uint64]SegmentRecord),
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if os.IsNotExist(err) {
		return m.create()
	}
	if err != nil {
		return nil, err
	}
	m.file = file

	if err := m.recover(); err != nil {
		file.Close()
		return nil, err
	}
	if m.records > manifestCompactThreshold {
		if err := m.rewrite(); err != nil {
			file.Close()
			return nil, err
		}
	}

	if _, err := m.file.Seek(0, io.SeekEnd); err != nil {
		m.file.Close()
		return nil, err
	}
	m.writer = bufio.NewWriter(m.file)
	return m, nil
}

// create writes a fresh manifest with just the header.
func (m *Manifest) create() (*Manifest, error) {
	file, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	m.file = file

	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:], manifestMagic)
	binary.LittleEndian.PutUint32(header[4:], manifestVersion)
	if _, err := file.Write(header); err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, err
	}

	m.writer = bufio.NewWriter(file)
	return m, nil
}

// recover replays the log and rebuilds the in-memory state.
// A torn or corrupt tail record ends replay; everything before it is
// the recovered state, and the file is truncated back to it so later
// appends land on a clean boundary.
func (m *Manifest) recover() error {
	header := make([]byte, 8)
	if _, err := m.file.ReadAt(header, 0); err != nil {
		return ErrInvalidManifest
	}
	if binary.LittleEndian.Uint32(header[0:]) != manifestMagic {
		return ErrInvalidManifest
	}
	if binary.LittleEndian.Uint32(header[4:]) != manifestVersion {
		return ErrInvalidManifest
	}

	if _, err := m.file.Seek(8, io.SeekStart); err != nil {
		return err
	}
	reader := bufio.NewReader(m.file)

	offset := int64(8)
	for {
		recType, seq, body, frameLen, err := readManifestRecord(reader)
		if err != nil {
			// EOF or a torn tail: state so far is authoritative.
			break
		}
		if err := m.applyRecord(recType, seq, body); err != nil {
			break
		}
		offset += frameLen
		m.records++
	}

	stat, err := m.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() > offset {
		if err := m.file.Truncate(offset); err != nil {
			return err
		}
	}
	return nil
}

// applyRecord applies one decoded record to the in-memory state.
func (m *Manifest) applyRecord(recType uint8, seq uint64, body []byte) error {
	if seq > m.recSeq {
		m.recSeq = seq
	}
	switch recType {
	case manifestRecChange:
		var change Change
		if err := msgpack.Unmarshal(body, &change); err != nil {
			return ErrManifestCorrupt
		}
		m.applyChange(change)
	case manifestRecSnapshot:
		var snap manifestSnapshot
		if err := msgpack.Unmarshal(body, &snap); err != nil {
			return ErrManifestCorrupt
		}
		m.segments = make(map[uint64]SegmentRecord, len(snap.Segments))
		for _, rec := range snap.Segments {
			m.segments[rec.ID] = rec
			if rec.ID > m.maxSegID {
				m.maxSegID = rec.ID
			}
		}
		m.flushed = snap.Watermark
	default:
		return ErrManifestCorrupt
	}
	return nil
}

func (m *Manifest) applyChange(change Change) {
	for _, id := range change.Removed {
		delete(m.segments, id)
	}
	for _, rec := range change.Added {
		m.segments[rec.ID] = rec
		if rec.ID > m.maxSegID {
			m.maxSegID = rec.ID
		}
	}
	if change.Watermark > m.flushed {
		m.flushed = change.Watermark
	}
}

// readManifestRecord reads one framed record, returning its payload and
// the total frame length consumed.
// Frame: [length:4][type:1][seq:8][msgpack body][crc:4], where crc
// covers type through body and length counts everything after itself.
func readManifestRecord(r *bufio.Reader) (uint8, uint64, []byte, int64, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return 0, 0, nil, 0, err
	}
	length := binary.LittleEndian.Uint32(lengthBuf)
	if length < 13 || length > 16*1024*1024 {
		return 0, 0, nil, 0, ErrManifestCorrupt
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, 0, nil, 0, err
	}

	storedCRC := binary.LittleEndian.Uint32(data[len(data)-4:])
	payload := data[:len(data)-4]
	if crc32.ChecksumIEEE(payload) != storedCRC {
		return 0, 0, nil, 0, ErrManifestCorrupt
	}

	recType := payload[0]
	seq := binary.LittleEndian.Uint64(payload[1:9])
	return recType, seq, payload[9:], int64(4 + length), nil
}

// appendRecord frames and writes one record, then flushes and syncs.
// Manifest writes are rare (flush and compaction completions), so the
// sync cost is acceptable and keeps the watermark durable before the
// journal is allowed to truncate.
func (m *Manifest) appendRecord(recType uint8, body []byte) error {
	m.recSeq++

	payload := make([]byte, 0, 9+len(body))
	payload = append(payload, recType)
	payload = binary.LittleEndian.AppendUint64(payload, m.recSeq)
	payload = append(payload, body...)
	crc := crc32.ChecksumIEEE(payload)

	frame := make([]byte, 0, 4+len(payload)+4)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(payload)+4))
	frame = append(frame, payload...)
	frame = binary.LittleEndian.AppendUint32(frame, crc)

	if _, err := m.writer.Write(frame); err != nil {
		return err
	}
	if err := m.writer.Flush(); err != nil {
		return err
	}
	if err := m.file.Sync(); err != nil {
		return err
	}
	m.records++
	return nil
}

// Apply records one atomic segment-set change and applies it to the
// in-memory state.
func (m *Manifest) Apply(change Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	body, err := msgpack.Marshal(&change)
	if err != nil {
		return err
	}
	if err := m.appendRecord(manifestRecChange, body); err != nil {
		return errors.Wrap(err, "append manifest record")
	}
	m.applyChange(change)
	return nil
}

// rewrite compacts the log into a single snapshot record via a
// temporary file renamed over the original.
func (m *Manifest) rewrite() error {
	snap := manifestSnapshot{Watermark: m.flushed}
	for _, rec := range m.segments {
		snap.Segments = append(snap.Segments, rec)
	}
	body, err := msgpack.Marshal(&snap)
	if err != nil {
		return err
	}

	tmpPath := m.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:], manifestMagic)
	binary.LittleEndian.PutUint32(header[4:], manifestVersion)

	m.recSeq++
	payload := make([]byte, 0, 9+len(body))
	payload = append(payload, manifestRecSnapshot)
	payload = binary.LittleEndian.AppendUint64(payload, m.recSeq)
	payload = append(payload, body...)
	crc := crc32.ChecksumIEEE(payload)

	frame := make([]byte, 0, len(header)+4+len(payload)+4)
	frame = append(frame, header...)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(payload)+4))
	frame = append(frame, payload...)
	frame = binary.LittleEndian.AppendUint32(frame, crc)

	if _, err := tmp.Write(frame); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	m.file.Close()
	if err := os.Rename(tmpPath, m.path); err != nil {
		return err
	}
	file, err := os.OpenFile(m.path, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	m.file = file
	m.records = 1
	return nil
}

// Segments returns a copy of the live segment records.
func (m *Manifest) Segments() []SegmentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]SegmentRecord, 0, len(m.segments))
	for _, rec := range m.segments {
		result = append(result, rec)
	}
	return result
}

// Has reports whether a segment id is live in the manifest.
func (m *Manifest) Has(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.segments[id]
	return ok
}

// Watermark returns the highest sequence durably flushed into segments.
func (m *Manifest) Watermark() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushed
}

// MaxSegmentID returns the highest segment id ever recorded.
func (m *Manifest) MaxSegmentID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSegID
}

// Close flushes and closes the manifest file.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writer != nil {
		m.writer.Flush()
	}
	if m.file != nil {
		return m.file.Close()
	}
	return nil
}
