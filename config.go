package talus

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/talusdb/talus/tree"
)

// SyncPolicy controls when journal appends are fsynced.
type SyncPolicy string

const (
	// SyncEachCommit syncs the journal before every commit returns. A commit
	// that returns is durable even across power loss.
	SyncEachCommit SyncPolicy = "each-commit"
	// SyncPeriodic syncs the journal on a timer. Commits return after the
	// OS write; a crash may lose the tail written since the last sync, but
	// never a prefix of it.
	SyncPeriodic SyncPolicy = "periodic"
)

// PartitionOptions are the per-partition storage knobs. They are fixed at
// partition creation and persisted in the keyspace metadata, so reopening
// the keyspace restores them.
type PartitionOptions struct {
	// BlockSize is the uncompressed size of table blocks in bytes.
	BlockSize int `yaml:"block_size" msgpack:"blk"`
	// Compression selects the block codec: "snappy", "zstd" or "none".
	Compression string `yaml:"compression" msgpack:"cmp"`
	// CompressionLevel applies to zstd only (1=fastest, 4=best).
	CompressionLevel int `yaml:"compression_level" msgpack:"lvl"`
	// BloomFPRate is the target bloom filter false positive rate.
	BloomFPRate float64 `yaml:"bloom_fp_rate" msgpack:"fp"`
	// DisableBloomFilter skips bloom filters entirely.
	DisableBloomFilter bool `yaml:"disable_bloom_filter" msgpack:"nobloom"`
	// VerifyChecksums re-checks block CRCs on every read.
	VerifyChecksums bool `yaml:"verify_checksums" msgpack:"vfy"`
	// L0CompactTrigger is the segment count at which level 0 compacts.
	L0CompactTrigger int `yaml:"l0_compact_trigger" msgpack:"l0"`
	// MaxLevels bounds the depth of the level hierarchy.
	MaxLevels int `yaml:"max_levels" msgpack:"maxlvl"`
	// LevelSizeMultiplier is the size ratio between adjacent levels.
	LevelSizeMultiplier int `yaml:"level_size_multiplier" msgpack:"mult"`
	// BaseLevelBytes is the size budget of level 1.
	BaseLevelBytes int64 `yaml:"base_level_bytes" msgpack:"base"`
	// TargetSegmentBytes is the compaction output segment size.
	TargetSegmentBytes int64 `yaml:"target_segment_bytes" msgpack:"tgt"`
}

// Config tunes a Keyspace. The zero value is usable; unset fields assume
// the defaults documented on each field.
type Config struct {
	// SyncPolicy selects journal durability. Default SyncEachCommit.
	SyncPolicy SyncPolicy `yaml:"sync_policy"`
	// SyncInterval is the flush cadence under SyncPeriodic. Default 500ms.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// FlushThresholdBytes schedules a partition flush once its write buffer
	// reaches this size. Default 8MiB.
	FlushThresholdBytes int64 `yaml:"flush_threshold_bytes"`
	// FlushThresholdEntries schedules a flush once the buffer holds this
	// many entries. 0 disables the entry trigger.
	FlushThresholdEntries int `yaml:"flush_threshold_entries"`
	// FlushThresholdAge schedules a flush once the oldest buffered entry
	// reaches this age, regardless of size. Default 30s.
	FlushThresholdAge time.Duration `yaml:"flush_threshold_age"`
	// FlushCheckInterval is how often the background scheduler scans
	// partitions for age and size triggers. Default 1s.
	FlushCheckInterval time.Duration `yaml:"flush_check_interval"`
	// FlushWorkers is the number of concurrent partition flushes. Default 2.
	FlushWorkers int `yaml:"flush_workers"`

	// CompactionWorkers is the fixed size of the compaction pool. Default 2.
	CompactionWorkers int `yaml:"compaction_workers"`
	// CompactionCheckInterval is how often partitions are scanned for
	// compaction debt. Default 5s.
	CompactionCheckInterval time.Duration `yaml:"compaction_check_interval"`

	// CommitTimeout bounds how long a commit waits for the writer permit.
	// 0 waits indefinitely.
	CommitTimeout time.Duration `yaml:"commit_timeout"`

	// JournalRotateBytes seals the active journal file at this size and
	// starts a new one. Default 16MiB.
	JournalRotateBytes int64 `yaml:"journal_rotate_bytes"`

	// BlockCacheBytes is the shared block cache capacity across all
	// partitions. 0 uses the default of 32MiB; negative disables the cache.
	BlockCacheBytes int64 `yaml:"block_cache_bytes"`

	// ReadOnly opens the keyspace for reading. Journal contents are
	// replayed into memory but nothing is written, flushed or compacted.
	ReadOnly bool `yaml:"read_only"`

	// Partition holds the default options for newly created partitions.
	Partition PartitionOptions `yaml:"partition"`
}

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() Config {
	return Config{
		SyncPolicy:              SyncEachCommit,
		SyncInterval:            500 * time.Millisecond,
		FlushThresholdBytes:     8 << 20,
		FlushThresholdAge:       30 * time.Second,
		FlushCheckInterval:      time.Second,
		FlushWorkers:            2,
		CompactionWorkers:       2,
		CompactionCheckInterval: 5 * time.Second,
		JournalRotateBytes:      16 << 20,
		BlockCacheBytes:         32 << 20,
		Partition:               DefaultPartitionOptions(),
	}
}

// DefaultPartitionOptions returns the storage knobs applied to partitions
// created without explicit options.
func DefaultPartitionOptions() PartitionOptions {
	return PartitionOptions{
		BlockSize:           16 * 1024,
		Compression:         "snappy",
		CompressionLevel:    1,
		BloomFPRate:         0.01,
		L0CompactTrigger:    4,
		MaxLevels:           7,
		LevelSizeMultiplier: 10,
		BaseLevelBytes:      10 << 20,
		TargetSegmentBytes:  64 << 20,
	}
}

// LoadConfig reads a YAML config file and overlays it on DefaultConfig.
func LoadConfig(path string) (Config, error) {
	var cfg = DefaultConfig()

	var data, err = os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	if err = yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, nil
}

// Validate checks cross-field constraints that withDefaults cannot repair.
func (c Config) Validate() error {
	switch c.SyncPolicy {
	case "", SyncEachCommit, SyncPeriodic:
	default:
		return errors.Errorf("unknown sync policy %q", c.SyncPolicy)
	}
	switch c.Partition.Compression {
	case "", "snappy", "zstd", "none":
	default:
		return errors.Errorf("unknown compression %q", c.Partition.Compression)
	}
	if c.CommitTimeout < 0 {
		return errors.New("commit_timeout cannot be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	var d = DefaultConfig()

	if c.SyncPolicy == "" {
		c.SyncPolicy = d.SyncPolicy
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = d.SyncInterval
	}
	if c.FlushThresholdBytes <= 0 {
		c.FlushThresholdBytes = d.FlushThresholdBytes
	}
	if c.FlushThresholdAge <= 0 {
		c.FlushThresholdAge = d.FlushThresholdAge
	}
	if c.FlushCheckInterval <= 0 {
		c.FlushCheckInterval = d.FlushCheckInterval
	}
	if c.FlushWorkers <= 0 {
		c.FlushWorkers = d.FlushWorkers
	}
	if c.CompactionWorkers <= 0 {
		c.CompactionWorkers = d.CompactionWorkers
	}
	if c.CompactionCheckInterval <= 0 {
		c.CompactionCheckInterval = d.CompactionCheckInterval
	}
	if c.JournalRotateBytes <= 0 {
		c.JournalRotateBytes = d.JournalRotateBytes
	}
	if c.BlockCacheBytes == 0 {
		c.BlockCacheBytes = d.BlockCacheBytes
	}
	c.Partition = c.Partition.withDefaults()
	return c
}

func (po PartitionOptions) withDefaults() PartitionOptions {
	var d = DefaultPartitionOptions()

	if po.BlockSize <= 0 {
		po.BlockSize = d.BlockSize
	}
	if po.Compression == "" {
		po.Compression = d.Compression
	}
	if po.CompressionLevel <= 0 {
		po.CompressionLevel = d.CompressionLevel
	}
	if po.BloomFPRate <= 0 || po.BloomFPRate >= 1 {
		po.BloomFPRate = d.BloomFPRate
	}
	if po.L0CompactTrigger <= 0 {
		po.L0CompactTrigger = d.L0CompactTrigger
	}
	if po.MaxLevels < 2 {
		po.MaxLevels = d.MaxLevels
	}
	if po.LevelSizeMultiplier <= 1 {
		po.LevelSizeMultiplier = d.LevelSizeMultiplier
	}
	if po.BaseLevelBytes <= 0 {
		po.BaseLevelBytes = d.BaseLevelBytes
	}
	if po.TargetSegmentBytes <= 0 {
		po.TargetSegmentBytes = d.TargetSegmentBytes
	}
	return po
}

// treeConfig maps partition options onto the storage engine configuration.
func (po PartitionOptions) treeConfig(cache *tree.BlockCache) tree.Config {
	var compression tree.Compression
	switch po.Compression {
	case "zstd":
		compression = tree.CompressionZstd
	case "none":
		compression = tree.CompressionNone
	default:
		compression = tree.CompressionSnappy
	}
	return tree.Config{
		BlockSize:           po.BlockSize,
		Compression:         compression,
		CompressionLevel:    po.CompressionLevel,
		BloomFPRate:         po.BloomFPRate,
		DisableBloomFilter:  po.DisableBloomFilter,
		VerifyChecksums:     po.VerifyChecksums,
		L0CompactTrigger:    po.L0CompactTrigger,
		MaxLevels:           po.MaxLevels,
		LevelSizeMultiplier: po.LevelSizeMultiplier,
		BaseLevelBytes:      po.BaseLevelBytes,
		TargetSegmentBytes:  po.TargetSegmentBytes,
		Cache:               cache,
	}
}
