package talus

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// The KEYSPACE file is the keyspace-level registry: the set of live
// partitions with their immutable ids and options, the next partition id,
// and the sequence high-water mark at the last clean shutdown. It is small
// and rewritten atomically (temp file + rename) on every registry change.
//
// Layout: [magic:4][version:1][msgpack body][crc:4], crc over the body.

const (
	metaFileName = "KEYSPACE"
	metaMagic    = uint32(0x544C4B53) // "TLKS"
	metaVersion  = uint8(1)
)

var ErrInvalidMeta = errors.New("invalid keyspace metadata file")

type keyspaceMeta struct {
	// InstanceID identifies this keyspace across reopenings, for logs and
	// support tooling.
	InstanceID string `msgpack:"id"`
	// NextPartitionID is the next id to assign. Ids are never reused, even
	// after a drop, so journal records of dropped partitions stay
	// unambiguous during replay.
	NextPartitionID uint64 `msgpack:"next"`
	// CleanSeq is the highest assigned sequence persisted at the last
	// metadata write. Recovery fast-forwards the counter past it.
	CleanSeq uint64 `msgpack:"seq"`

	Partitions []partitionMeta `msgpack:"parts"`
}

type partitionMeta struct {
	ID        uint64           `msgpack:"id"`
	Name      string           `msgpack:"name"`
	CreatedAt int64            `msgpack:"ts"`
	Options   PartitionOptions `msgpack:"opts"`
}

func newKeyspaceMeta() *keyspaceMeta {
	return &keyspaceMeta{
		InstanceID:      uuid.NewString(),
		NextPartitionID: 1,
	}
}

func (m *keyspaceMeta) find(name string) (partitionMeta, bool) {
	for _, pm := range m.Partitions {
		if pm.Name == name {
			return pm, true
		}
	}
	return partitionMeta{}, false
}

func (m *keyspaceMeta) add(name string, opts PartitionOptions) partitionMeta {
	var pm = partitionMeta{
		ID:        m.NextPartitionID,
		Name:      name,
		CreatedAt: time.Now().Unix(),
		Options:   opts,
	}
	m.NextPartitionID++
	m.Partitions = append(m.Partitions, pm)
	return pm
}

func (m *keyspaceMeta) remove(id uint64) {
	var out = m.Partitions[:0]
	for _, pm := range m.Partitions {
		if pm.ID != id {
			out = append(out, pm)
		}
	}
	m.Partitions = out
}

// readKeyspaceMeta loads and verifies the KEYSPACE file. A missing file is
// returned as os.ErrNotExist so Open can distinguish first use.
func readKeyspaceMeta(dir string) (*keyspaceMeta, error) {
	var path = filepath.Join(dir, metaFileName)

	var data, err = os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 9 {
		return nil, errors.Wrapf(ErrInvalidMeta, "%s: truncated (%d bytes)", path, len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != metaMagic {
		return nil, errors.Wrapf(ErrInvalidMeta, "%s: bad magic", path)
	}
	if data[4] != metaVersion {
		return nil, errors.Wrapf(ErrInvalidMeta, "%s: unsupported version %d", path, data[4])
	}
	var body = data[5 : len(data)-4]
	var want = binary.LittleEndian.Uint32(data[len(data)-4:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, errors.Wrapf(ErrInvalidMeta, "%s: checksum mismatch (got %08x, want %08x)", path, got, want)
	}

	var meta keyspaceMeta
	if err = msgpack.Unmarshal(body, &meta); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return &meta, nil
}

// writeKeyspaceMeta atomically replaces the KEYSPACE file.
func writeKeyspaceMeta(dir string, m *keyspaceMeta) error {
	var body, err = msgpack.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encoding keyspace metadata")
	}

	var buf = make([]byte, 0, 9+len(body))
	buf = binary.LittleEndian.AppendUint32(buf, metaMagic)
	buf = append(buf, metaVersion)
	buf = append(buf, body...)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(body))

	var path = filepath.Join(dir, metaFileName)
	var tmp = path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "creating metadata temp file")
	}
	if _, err = f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "writing metadata")
	}
	if err = f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "syncing metadata")
	}
	if err = f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "closing metadata")
	}
	if err = os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "installing metadata")
	}
	return nil
}
