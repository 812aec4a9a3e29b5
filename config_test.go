package talus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/talusdb/talus/tree"
)

func TestConfigDefaults(t *testing.T) {
	var cfg = Config{}.withDefaults()
	require.Equal(t, SyncEachCommit, cfg.SyncPolicy)
	require.Equal(t, 500*time.Millisecond, cfg.SyncInterval)
	require.Equal(t, int64(8<<20), cfg.FlushThresholdBytes)
	require.Zero(t, cfg.FlushThresholdEntries) // count trigger defaults off
	require.Equal(t, 30*time.Second, cfg.FlushThresholdAge)
	require.Equal(t, 2, cfg.FlushWorkers)
	require.Equal(t, 2, cfg.CompactionWorkers)
	require.Equal(t, int64(16<<20), cfg.JournalRotateBytes)
	require.Equal(t, int64(32<<20), cfg.BlockCacheBytes)
	require.Equal(t, 16*1024, cfg.Partition.BlockSize)
	require.Equal(t, "snappy", cfg.Partition.Compression)
	require.Equal(t, 0.01, cfg.Partition.BloomFPRate)
	require.Equal(t, 4, cfg.Partition.L0CompactTrigger)

	// Case: a negative cache size disables the cache and is preserved.
	cfg = Config{BlockCacheBytes: -1}.withDefaults()
	require.Equal(t, int64(-1), cfg.BlockCacheBytes)

	// Case: explicit values are never overwritten.
	cfg = Config{FlushWorkers: 7, JournalRotateBytes: 123}.withDefaults()
	require.Equal(t, 7, cfg.FlushWorkers)
	require.Equal(t, int64(123), cfg.JournalRotateBytes)

	// Case: out-of-range bloom rates fall back to the default.
	var po = PartitionOptions{BloomFPRate: 1.5}.withDefaults()
	require.Equal(t, 0.01, po.BloomFPRate)
	po = PartitionOptions{MaxLevels: 1}.withDefaults()
	require.Equal(t, 7, po.MaxLevels)
}

func TestLoadConfig(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "talus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sync_policy: periodic
sync_interval: 250ms
flush_threshold_bytes: 1048576
flush_threshold_entries: 5000
partition:
  compression: zstd
  compression_level: 3
`), 0644))

	var cfg, err = LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, SyncPeriodic, cfg.SyncPolicy)
	require.Equal(t, 250*time.Millisecond, cfg.SyncInterval)
	require.Equal(t, int64(1<<20), cfg.FlushThresholdBytes)
	require.Equal(t, 5000, cfg.FlushThresholdEntries)
	require.Equal(t, "zstd", cfg.Partition.Compression)
	require.Equal(t, 3, cfg.Partition.CompressionLevel)

	// Unset keys keep their defaults.
	require.Equal(t, 2, cfg.FlushWorkers)
	require.Equal(t, 16*1024, cfg.Partition.BlockSize)

	// Case: unknown keys are rejected, not silently dropped.
	require.NoError(t, os.WriteFile(path, []byte("flush_thresold_bytes: 1\n"), 0644))
	_, err = LoadConfig(path)
	require.Error(t, err)

	// Case: a missing file is an error.
	_, err = LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	var cfg = DefaultConfig()
	cfg.SyncPolicy = "sometimes"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Partition.Compression = "lzma"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.CommitTimeout = -time.Second
	require.Error(t, cfg.Validate())

	// Open surfaces validation failures before touching the directory.
	var dir = t.TempDir()
	var _, err = Open(dir, cfg)
	require.Error(t, err)
	require.NoFileExists(t, filepath.Join(dir, lockFileName))
}

func TestPartitionOptionsTreeConfig(t *testing.T) {
	var po = PartitionOptions{
		BlockSize:   4096,
		Compression: "zstd",
	}.withDefaults()

	var tc = po.treeConfig(nil)
	require.Equal(t, 4096, tc.BlockSize)
	require.Equal(t, tree.CompressionZstd, tc.Compression)
	require.Equal(t, 0.01, tc.BloomFPRate)
	require.Nil(t, tc.Cache)

	// Compression names map onto the engine's codecs.
	for name, want := range map[string]tree.Compression{
		"snappy": tree.CompressionSnappy,
		"zstd":   tree.CompressionZstd,
		"none":   tree.CompressionNone,
	} {
		po = PartitionOptions{Compression: name}.withDefaults()
		require.Equal(t, want, po.treeConfig(nil).Compression, "compression %s", name)
	}
}
