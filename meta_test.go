package talus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyspaceMetaRoundTrip(t *testing.T) {
	var dir = t.TempDir()

	var m = newKeyspaceMeta()
	require.NotEmpty(t, m.InstanceID)
	require.Equal(t, uint64(1), m.NextPartitionID)

	var users = m.add("users", DefaultPartitionOptions())
	var events = m.add("events", PartitionOptions{Compression: "zstd"}.withDefaults())
	require.Equal(t, uint64(1), users.ID)
	require.Equal(t, uint64(2), events.ID)
	require.Equal(t, uint64(3), m.NextPartitionID)
	m.CleanSeq = 42

	require.NoError(t, writeKeyspaceMeta(dir, m))

	var got, err = readKeyspaceMeta(dir)
	require.NoError(t, err)
	require.Equal(t, m, got)

	// Case: lookups and removal maintain the registry.
	var pm, ok = got.find("users")
	require.True(t, ok)
	require.Equal(t, uint64(1), pm.ID)
	_, ok = got.find("ghost")
	require.False(t, ok)

	got.remove(1)
	_, ok = got.find("users")
	require.False(t, ok)
	require.Len(t, got.Partitions, 1)

	// Ids are never reassigned after a removal.
	var again = got.add("users", DefaultPartitionOptions())
	require.Equal(t, uint64(3), again.ID)
}

func TestKeyspaceMetaMissing(t *testing.T) {
	var _, err = readKeyspaceMeta(t.TempDir())
	require.True(t, os.IsNotExist(err))
}

func TestKeyspaceMetaCorruption(t *testing.T) {
	var dir = t.TempDir()
	require.NoError(t, writeKeyspaceMeta(dir, newKeyspaceMeta()))

	var path = filepath.Join(dir, metaFileName)
	var data, err = os.ReadFile(path)
	require.NoError(t, err)

	// Case: a flipped body byte fails the checksum.
	var bad = append([]byte(nil), data...)
	bad[7] ^= 0x01
	require.NoError(t, os.WriteFile(path, bad, 0644))
	_, err = readKeyspaceMeta(dir)
	require.ErrorIs(t, err, ErrInvalidMeta)

	// Case: wrong magic.
	bad = append([]byte(nil), data...)
	bad[0] ^= 0xff
	require.NoError(t, os.WriteFile(path, bad, 0644))
	_, err = readKeyspaceMeta(dir)
	require.ErrorIs(t, err, ErrInvalidMeta)

	// Case: unsupported version.
	bad = append([]byte(nil), data...)
	bad[4] = 99
	require.NoError(t, os.WriteFile(path, bad, 0644))
	_, err = readKeyspaceMeta(dir)
	require.ErrorIs(t, err, ErrInvalidMeta)

	// Case: truncated below the fixed envelope.
	require.NoError(t, os.WriteFile(path, data[:5], 0644))
	_, err = readKeyspaceMeta(dir)
	require.ErrorIs(t, err, ErrInvalidMeta)

	// Open refuses a keyspace with damaged metadata rather than starting
	// over on top of it.
	bad = append([]byte(nil), data...)
	bad[7] ^= 0x01
	require.NoError(t, os.WriteFile(path, bad, 0644))
	_, err = Open(dir, testConfig())
	require.ErrorIs(t, err, ErrInvalidMeta)
}
