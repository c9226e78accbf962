package executor

import (
	"context"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tessera-db/tessera/pkg/engine/internal/errors"
	"github.com/tessera-db/tessera/pkg/engine/internal/planner/logical"
	"github.com/tessera-db/tessera/pkg/engine/internal/table"
)

// DefaultPartitionCacheSize is the number of cache entries kept by a
// PartitionCache created with a non-positive size.
const DefaultPartitionCacheSize = 128

// PartitionCache holds materialized micropartitions by cache key. In-memory
// sources read their data from it. Entries are released when evicted.
//
// PartitionCache is safe for concurrent use.
type PartitionCache struct {
	// mu makes retaining a value on Get atomic with its lookup, so a
	// concurrent eviction cannot release it in between.
	mu      sync.Mutex
	entries *lru.Cache[string, []*table.MicroPartition]
}

// NewPartitionCache returns a PartitionCache holding up to size entries.
func NewPartitionCache(size int) *PartitionCache {
	if size <= 0 {
		size = DefaultPartitionCacheSize
	}

	entries, err := lru.NewWithEvict(size, func(_ string, parts []*table.MicroPartition) {
		for _, mp := range parts {
			mp.Release()
		}
	})
	if err != nil {
		// Only returned for non-positive sizes.
		panic(err)
	}
	return &PartitionCache{entries: entries}
}

// Put stores parts under key, replacing and releasing any previous entry.
// The cache takes its own reference to each micropartition.
func (c *PartitionCache) Put(key string, parts ...*table.MicroPartition) {
	for _, mp := range parts {
		mp.Retain()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Add does not evict an existing value for key, so it is removed first.
	c.entries.Remove(key)
	c.entries.Add(key, slices.Clone(parts))
}

// Get returns the micropartitions stored under key, each retained for the
// caller.
func (c *PartitionCache) Get(key string) ([]*table.MicroPartition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parts, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	for _, mp := range parts {
		mp.Retain()
	}
	return slices.Clone(parts), true
}

// Remove drops and releases the entry stored under key.
func (c *PartitionCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
}

// Len returns the number of entries in the cache.
func (c *PartitionCache) Len() int { return c.entries.Len() }

// Purge drops and releases every entry.
func (c *PartitionCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

// newCachePipeline reads the micropartitions cached for an in-memory source.
func newCachePipeline(ctx context.Context, cache *PartitionCache, info *logical.InMemoryInfo) Pipeline {
	if cache == nil {
		return errorPipeline(ctx, errors.Unsupported("in-memory source %q requires a partition cache", info.CacheKey))
	}

	parts, ok := cache.Get(info.CacheKey)
	if !ok {
		return errorPipeline(ctx, errors.InvalidArgument("no partitions cached for key %q", info.CacheKey))
	}
	return &slicePipeline{parts: parts}
}

// slicePipeline emits a fixed list of micropartitions it owns references
// to.
type slicePipeline struct {
	parts []*table.MicroPartition
}

func (p *slicePipeline) Read(_ context.Context) (*table.MicroPartition, error) {
	if len(p.parts) == 0 {
		return nil, EOF
	}
	mp := p.parts[0]
	p.parts = p.parts[1:]
	return mp, nil
}

func (p *slicePipeline) Close() {
	for _, mp := range p.parts {
		mp.Release()
	}
	p.parts = nil
}
