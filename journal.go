package talus

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// The journal is the shared write-ahead log for all partitions. Each commit
// appends exactly one group frame holding the batch's records; a group is
// either fully present or discarded at recovery, which is what makes
// cross-partition batches atomic.
//
// The journal is a directory of files, each named by the first sequence it
// contains (%016x.wal). The active file is sealed once it exceeds the
// rotation size and a new one is started, so truncation after flushes can
// reclaim space by deleting whole sealed files.
//
// Group frame: [length:4][crc:4][payload], crc over the payload.
// Payload:     [baseSeq:8][count:4] followed by count records.
// Record:      [partition:8][op:1][keyLen:4][key][valLen:4][value].
// Record i of a group has sequence baseSeq+i.

const (
	journalDirName    = "journal"
	journalFileSuffix = ".wal"
	journalFrameHdr   = 8
	journalGroupHdr   = 12
	// journalMaxFrame bounds a single group frame. Larger lengths in a file
	// header indicate corruption rather than a real group.
	journalMaxFrame = 256 << 20
)

// Journal operation types.
const (
	journalOpPut    uint8 = 1
	journalOpDelete uint8 = 2
)

var ErrJournalCorrupt = errors.New("journal corrupt before first complete commit group")

// journalRecord is a single operation inside a commit group. Its sequence
// is implied by its position within the group.
type journalRecord struct {
	Partition uint64
	Op        uint8
	Key       []byte
	Value     []byte
}

// journalFile describes one on-disk journal file.
type journalFile struct {
	firstSeq uint64
	size     int64
}

// replayStats summarizes a Replay pass.
type replayStats struct {
	Groups  int
	Records int
	MaxSeq  uint64
	// Torn reports that replay stopped at an incomplete or corrupt frame
	// and discarded it along with everything after.
	Torn       bool
	TornOffset int64
	TornFile   string
}

type journal struct {
	dir         string
	rotateBytes int64

	mu sync.Mutex
	// files holds every journal file in ascending firstSeq order. The last
	// entry is the active file when file is non-nil.
	files     []journalFile
	file      *os.File
	encodeBuf []byte
	dirty     bool
	closed    bool
}

// openJournal opens the journal directory, creating it if needed. Call
// Replay before the first Append.
func openJournal(base string, rotateBytes int64) (*journal, error) {
	var dir = filepath.Join(base, journalDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating journal directory")
	}

	var entries, err = os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "reading journal directory")
	}

	var j = &journal{
		dir:         dir,
		rotateBytes: rotateBytes,
		encodeBuf:   make([]byte, 0, 4096),
	}
	for _, ent := range entries {
		var seq, ok = parseJournalFileName(ent.Name())
		if !ok {
			continue
		}
		var info, err = ent.Info()
		if err != nil {
			return nil, errors.Wrapf(err, "stat journal file %s", ent.Name())
		}
		j.files = append(j.files, journalFile{firstSeq: seq, size: info.Size()})
	}
	sort.Slice(j.files, func(a, b int) bool { return j.files[a].firstSeq < j.files[b].firstSeq })

	journalLiveBytes.Set(float64(j.liveBytesLocked()))
	return j, nil
}

func parseJournalFileName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, journalFileSuffix) {
		return 0, false
	}
	var seq, err = strconv.ParseUint(strings.TrimSuffix(name, journalFileSuffix), 16, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func (j *journal) filePath(firstSeq uint64) string {
	return filepath.Join(j.dir, fmt.Sprintf("%016x%s", firstSeq, journalFileSuffix))
}

// Replay iterates every intact commit group in sequence order, invoking
// apply for each record with its assigned sequence. Replay stops at the
// first torn or corrupt frame and discards it and everything after it; if
// no complete group precedes the damage, it fails with ErrJournalCorrupt.
//
// In writable mode the damaged tail is trimmed from disk and the last file
// is reopened for appending. Replay must be called exactly once, before
// any Append.
func (j *journal) Replay(readOnly bool, apply func(seq uint64, rec journalRecord) error) (replayStats, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var stats replayStats
	var tornIdx = -1

	for i := range j.files {
		var valid, err = j.replayFile(&j.files[i], &stats, apply)
		if err != nil {
			return stats, err
		}
		if !valid {
			stats.Torn = true
			stats.TornFile = j.filePath(j.files[i].firstSeq)
			tornIdx = i
			break
		}
	}
	if stats.Torn && stats.Groups == 0 {
		return stats, errors.Wrapf(ErrJournalCorrupt, "%s at offset %d", stats.TornFile, stats.TornOffset)
	}

	if readOnly {
		return stats, nil
	}

	if tornIdx >= 0 {
		// Trim the torn frame so appends resume from a clean boundary, and
		// drop any later files: their groups are unreachable once replay
		// stopped here.
		for _, f := range j.files[tornIdx+1:] {
			if err := os.Remove(j.filePath(f.firstSeq)); err != nil {
				return stats, errors.Wrap(err, "removing unreachable journal file")
			}
		}
		j.files = j.files[:tornIdx+1]

		if err := os.Truncate(stats.TornFile, stats.TornOffset); err != nil {
			return stats, errors.Wrap(err, "trimming torn journal tail")
		}
		j.files[tornIdx].size = stats.TornOffset
	}

	// Reopen the newest file for appending. An empty journal defers file
	// creation to the first Append, which knows its base sequence.
	if n := len(j.files); n > 0 {
		var f, err = os.OpenFile(j.filePath(j.files[n-1].firstSeq), os.O_RDWR|os.O_APPEND, 0644)
		if err != nil {
			return stats, errors.Wrap(err, "reopening journal for append")
		}
		j.file = f
	}
	journalLiveBytes.Set(float64(j.liveBytesLocked()))
	return stats, nil
}

// replayFile reads one file's frames in order. It returns false when it
// stops early at a torn or corrupt frame, recording the offset of the last
// clean boundary in stats.
func (j *journal) replayFile(jf *journalFile, stats *replayStats, apply func(seq uint64, rec journalRecord) error) (bool, error) {
	var path = j.filePath(jf.firstSeq)
	var f, err = os.Open(path)
	if err != nil {
		return false, errors.Wrapf(err, "opening journal file %s", path)
	}
	defer f.Close()

	var r = bufio.NewReaderSize(f, 1<<20)
	var offset int64
	var hdr [journalFrameHdr]byte
	var payload []byte

	for {
		if _, err = io.ReadFull(r, hdr[:]); err == io.EOF {
			return true, nil
		} else if err != nil {
			stats.TornOffset = offset
			return false, nil
		}

		var length = binary.LittleEndian.Uint32(hdr[0:4])
		var sum = binary.LittleEndian.Uint32(hdr[4:8])
		if length < journalGroupHdr || length > journalMaxFrame {
			stats.TornOffset = offset
			return false, nil
		}

		if cap(payload) < int(length) {
			payload = make([]byte, length)
		}
		payload = payload[:length]
		if _, err = io.ReadFull(r, payload); err != nil {
			stats.TornOffset = offset
			return false, nil
		}
		if crc32.ChecksumIEEE(payload) != sum {
			stats.TornOffset = offset
			return false, nil
		}

		var baseSeq = binary.LittleEndian.Uint64(payload[0:8])
		var count = binary.LittleEndian.Uint32(payload[8:12])
		var body = payload[journalGroupHdr:]

		for i := uint32(0); i < count; i++ {
			var rec journalRecord
			var n int
			if rec, n, err = parseJournalRecord(body); err != nil {
				stats.TornOffset = offset
				return false, nil
			}
			body = body[n:]

			if err = apply(baseSeq+uint64(i), rec); err != nil {
				return false, err
			}
			stats.Records++
		}
		if len(body) != 0 {
			stats.TornOffset = offset
			return false, nil
		}

		stats.Groups++
		if count > 0 {
			stats.MaxSeq = baseSeq + uint64(count) - 1
		}
		offset += int64(journalFrameHdr) + int64(length)
	}
}

func parseJournalRecord(b []byte) (journalRecord, int, error) {
	if len(b) < 13 {
		return journalRecord{}, 0, errors.New("short journal record")
	}
	var rec = journalRecord{
		Partition: binary.LittleEndian.Uint64(b[0:8]),
		Op:        b[8],
	}
	if rec.Op != journalOpPut && rec.Op != journalOpDelete {
		return journalRecord{}, 0, errors.Errorf("unknown journal op %d", rec.Op)
	}
	var keyLen = binary.LittleEndian.Uint32(b[9:13])
	var n = 13 + int(keyLen)
	if len(b) < n+4 {
		return journalRecord{}, 0, errors.New("short journal record key")
	}
	rec.Key = append([]byte(nil), b[13:n]...)

	var valLen = binary.LittleEndian.Uint32(b[n : n+4])
	n += 4
	if len(b) < n+int(valLen) {
		return journalRecord{}, 0, errors.New("short journal record value")
	}
	rec.Value = append([]byte(nil), b[n:n+int(valLen)]...)
	return rec, n + int(valLen), nil
}

// Append writes one commit group and, when syncNow is set, syncs it to disk
// before returning. Record i is assigned sequence baseSeq+i.
func (j *journal) Append(baseSeq uint64, recs []journalRecord, syncNow bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrKeyspaceClosed
	}

	if j.file == nil || (len(j.files) > 0 && j.files[len(j.files)-1].size >= j.rotateBytes) {
		if err := j.rotateLocked(baseSeq); err != nil {
			return err
		}
	}

	var frame = j.encodeGroup(baseSeq, recs)
	if _, err := j.file.Write(frame); err != nil {
		return errors.Wrap(err, "appending journal group")
	}
	j.files[len(j.files)-1].size += int64(len(frame))
	j.dirty = true

	journalAppendedBytes.Add(float64(len(frame)))
	journalLiveBytes.Set(float64(j.liveBytesLocked()))

	if syncNow {
		return j.syncLocked()
	}
	return nil
}

// rotateLocked seals the active file and starts a new one whose name is the
// base sequence of the incoming group.
func (j *journal) rotateLocked(firstSeq uint64) error {
	if j.file != nil {
		if err := j.syncLocked(); err != nil {
			return err
		}
		if err := j.file.Close(); err != nil {
			return errors.Wrap(err, "sealing journal file")
		}
		j.file = nil
	}

	var f, err = os.OpenFile(j.filePath(firstSeq), os.O_CREATE|os.O_RDWR|os.O_APPEND|os.O_EXCL, 0644)
	if err != nil {
		return errors.Wrap(err, "creating journal file")
	}
	j.file = f
	j.files = append(j.files, journalFile{firstSeq: firstSeq})
	return nil
}

func (j *journal) encodeGroup(baseSeq uint64, recs []journalRecord) []byte {
	var size = journalGroupHdr
	for i := range recs {
		size += 13 + len(recs[i].Key) + 4 + len(recs[i].Value)
	}

	if cap(j.encodeBuf) < journalFrameHdr+size {
		j.encodeBuf = make([]byte, 0, (journalFrameHdr+size)*2)
	}
	var buf = j.encodeBuf[:0]

	buf = binary.LittleEndian.AppendUint32(buf, uint32(size))
	buf = append(buf, 0, 0, 0, 0) // crc placeholder
	buf = binary.LittleEndian.AppendUint64(buf, baseSeq)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(recs)))
	for i := range recs {
		buf = binary.LittleEndian.AppendUint64(buf, recs[i].Partition)
		buf = append(buf, recs[i].Op)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(recs[i].Key)))
		buf = append(buf, recs[i].Key...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(recs[i].Value)))
		buf = append(buf, recs[i].Value...)
	}
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(buf[journalFrameHdr:]))

	j.encodeBuf = buf
	return buf
}

// Sync flushes unsynced appends to disk. Used by the periodic sync loop.
func (j *journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed || !j.dirty {
		return nil
	}
	return j.syncLocked()
}

func (j *journal) syncLocked() error {
	if err := j.file.Sync(); err != nil {
		return errors.Wrap(err, "syncing journal")
	}
	j.dirty = false
	journalSyncsTotal.Inc()
	return nil
}

// Truncate removes journal files whose every sequence is at or below upTo.
// The active file is never removed, so truncation reclaims space only at
// whole-file granularity. It is idempotent.
func (j *journal) Truncate(upTo uint64) (removed int, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	// files[0] is fully covered exactly when the next file starts at or
	// below upTo+1, since its contents end where the next file begins.
	for len(j.files) >= 2 && j.files[1].firstSeq <= upTo+1 {
		if err = os.Remove(j.filePath(j.files[0].firstSeq)); err != nil {
			return removed, errors.Wrap(err, "removing journal file")
		}
		j.files = j.files[1:]
		removed++
	}
	if removed > 0 {
		journalTruncationsTotal.Add(float64(removed))
		journalLiveBytes.Set(float64(j.liveBytesLocked()))
	}
	return removed, nil
}

func (j *journal) liveBytesLocked() (n int64) {
	for _, f := range j.files {
		n += f.size
	}
	return n
}

// LiveBytes returns the total size of journal files on disk.
func (j *journal) LiveBytes() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.liveBytesLocked()
}

// Files returns the number of journal files on disk.
func (j *journal) Files() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.files)
}

func (j *journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	if j.file == nil {
		return nil
	}
	if j.dirty {
		if err := j.syncLocked(); err != nil {
			j.file.Close()
			return err
		}
	}
	return errors.Wrap(j.file.Close(), "closing journal")
}
