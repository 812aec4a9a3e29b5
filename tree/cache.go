package tree

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// CacheKey uniquely identifies a cached block.
type CacheKey struct {
	SegmentID uint64
	Offset    uint64
}

// BlockCache is a shared, thread-safe LRU cache of decoded blocks.
// Decoded blocks own their bytes, so cached blocks stay valid after
// eviction for any reader still holding them.
type BlockCache struct {
	c *lru.Cache

	hits   uint64
	misses uint64
}

// NewBlockCache creates a cache sized for capacityBytes of blocks of
// roughly blockSize each. A zero or negative capacity disables caching.
func NewBlockCache(capacityBytes int64, blockSize int) (*BlockCache, error) {
	if capacityBytes <= 0 {
		return nil, nil
	}
	if blockSize <= 0 {
		blockSize = 16 * 1024
	}
	n := int(capacityBytes / int64(blockSize))
	if n < 64 {
		n = 64
	}
	c, err := lru.New(n)
	if err != nil {
		return nil, err
	}
	return &BlockCache{c: c}, nil
}

// Get retrieves a block from the cache.
func (bc *BlockCache) Get(key CacheKey) (*Block, bool) {
	if bc == nil {
		return nil, false
	}
	if v, ok := bc.c.Get(key); ok {
		atomic.AddUint64(&bc.hits, 1)
		return v.(*Block), true
	}
	atomic.AddUint64(&bc.misses, 1)
	return nil, false
}

// Add inserts a block into the cache.
func (bc *BlockCache) Add(key CacheKey, block *Block) {
	if bc == nil {
		return
	}
	bc.c.Add(key, block)
}

// Stats returns cumulative hit and miss counts.
func (bc *BlockCache) Stats() (hits, misses uint64) {
	if bc == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&bc.hits), atomic.LoadUint64(&bc.misses)
}
