// Package freeext implements the bounded free extent cache.
//
// The cache remembers up to a fixed number of free extents, best first. It is indexed twice:
// by start block, so coalescing and removal can find neighbours, and by rank, so the best and
// worst entries are at the ends of the tree. Ranking is by length (longest first, ties broken by
// lower start) or, on sparse devices, by start block alone.
//
// The cache also holds the list of extents freed inside a journal transaction that has not yet
// committed. Those blocks must not be reused until the commit, so they live here and move into
// the cache from the journal's post-commit callback. Every method takes the cache's own lock and
// never calls out, so the callback cannot deadlock against filesystem-wide locks.
package freeext

import (
	"sync"

	"github.com/google/btree"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/rangelist"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

// DefaultMaxExtents is the default cache capacity
const DefaultMaxExtents = 10

const btreeDegree = 4

// Config configures a Cache
type Config struct {
	MaxExtents int    // Capacity; DefaultMaxExtents when zero
	AllocLimit uint32 // No cached extent reaches past this block
	Sparse     bool   // Rank by start block instead of length
}

// Cache is the free extent cache
type Cache struct {
	mu         sync.Mutex
	maxExtents int
	allocLimit uint32
	sparse     bool
	byStart    *btree.BTreeG[types.Extent]
	byRank     *btree.BTreeG[types.Extent]

	pending rangelist.List
}

func lessByStart(a, b types.Extent) bool {
	return a.StartBlock < b.StartBlock
}

func lessBySize(a, b types.Extent) bool {
	if a.BlockCount != b.BlockCount {
		return a.BlockCount > b.BlockCount
	}
	return a.StartBlock < b.StartBlock
}

// New creates an empty cache
func New(cfg Config) *Cache {
	if cfg.MaxExtents <= 0 {
		cfg.MaxExtents = DefaultMaxExtents
	}
	rank := lessBySize
	if cfg.Sparse {
		rank = lessByStart
	}
	return &Cache{
		maxExtents: cfg.MaxExtents,
		allocLimit: cfg.AllocLimit,
		sparse:     cfg.Sparse,
		byStart:    btree.NewG(btreeDegree, lessByStart),
		byRank:     btree.NewG(btreeDegree, rank),
	}
}

// Add offers a free extent to the cache. The extent is clipped to the allocation limit and
// merged with every cached extent it overlaps or touches. A full cache drops the candidate if it
// ranks no better than the worst entry, otherwise the worst entry is evicted. Add reports
// whether the extent was kept.
func (c *Cache) Add(ext types.Extent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.add(ext)
}

func (c *Cache) add(ext types.Extent) bool {
	if ext.BlockCount == 0 || ext.StartBlock >= c.allocLimit {
		return false
	}
	if ext.End() > c.allocLimit {
		ext.BlockCount = c.allocLimit - ext.StartBlock
	}

	for _, n := range c.neighbours(ext) {
		c.delete(n)
		start := min(ext.StartBlock, n.StartBlock)
		end := max(ext.End(), n.End())
		ext = types.Extent{StartBlock: start, BlockCount: end - start}
	}
	return c.insert(ext)
}

// neighbours returns every cached extent that overlaps or touches ext
func (c *Cache) neighbours(ext types.Extent) []types.Extent {
	var out []types.Extent
	c.byStart.DescendLessOrEqual(ext, func(e types.Extent) bool {
		if e.Adjoins(ext) {
			out = append(out, e)
		}
		return false
	})
	c.byStart.AscendGreaterOrEqual(types.Extent{StartBlock: ext.StartBlock + 1}, func(e types.Extent) bool {
		if e.StartBlock > ext.End() {
			return false
		}
		out = append(out, e)
		return true
	})
	return out
}

func (c *Cache) insert(ext types.Extent) bool {
	if c.byStart.Len() >= c.maxExtents {
		worst, _ := c.byRank.Max()
		if !c.outranks(ext, worst) {
			return false
		}
		c.delete(worst)
	}
	c.byStart.ReplaceOrInsert(ext)
	c.byRank.ReplaceOrInsert(ext)
	return true
}

// outranks reports whether a candidate deserves a slot held by worst. Equal lengths keep the
// entry that is already cached.
func (c *Cache) outranks(ext, worst types.Extent) bool {
	if c.sparse {
		return ext.StartBlock < worst.StartBlock
	}
	return ext.BlockCount > worst.BlockCount
}

func (c *Cache) delete(ext types.Extent) {
	c.byStart.Delete(ext)
	c.byRank.Delete(ext)
}

// Remove drops [ext.StartBlock, ext.End()) from the cache. Entries that straddle the range keep
// their head and tail residuals.
func (c *Cache) Remove(ext types.Extent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(ext)
}

func (c *Cache) remove(ext types.Extent) {
	if ext.BlockCount == 0 {
		return
	}
	var hit []types.Extent
	c.byStart.DescendLessOrEqual(ext, func(e types.Extent) bool {
		if e.Overlaps(ext) {
			hit = append(hit, e)
		}
		return false
	})
	c.byStart.AscendGreaterOrEqual(types.Extent{StartBlock: ext.StartBlock + 1}, func(e types.Extent) bool {
		if e.StartBlock >= ext.End() {
			return false
		}
		hit = append(hit, e)
		return true
	})

	for _, e := range hit {
		c.delete(e)
	}
	for _, e := range hit {
		if e.StartBlock < ext.StartBlock {
			c.insert(types.Extent{StartBlock: e.StartBlock, BlockCount: ext.StartBlock - e.StartBlock})
		}
		if e.End() > ext.End() {
			c.insert(types.Extent{StartBlock: ext.End(), BlockCount: e.End() - ext.End()})
		}
	}
}

// Best returns the best-ranked cached extent
func (c *Cache) Best() (types.Extent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byRank.Min()
}

// Extents returns the cached extents, best first
func (c *Cache) Extents() []types.Extent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Extent, 0, c.byRank.Len())
	c.byRank.Ascend(func(e types.Extent) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Len returns the number of cached extents
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byStart.Len()
}

// SetAllocLimit changes the allocation limit and trims cached extents past it
func (c *Cache) SetAllocLimit(limit uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit < c.allocLimit {
		c.remove(types.Extent{StartBlock: limit, BlockCount: c.allocLimit - limit})
	}
	c.allocLimit = limit
}

// Reset drops every cached extent. Pending extents are kept.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byStart.Clear(false)
	c.byRank.Clear(false)
}

// AddPending records blocks freed by a transaction that has not committed yet
func (c *Cache) AddPending(ext types.Extent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending.Add(ext.StartBlock, ext.End())
}

// RemovePending forgets pending blocks that were reallocated before the commit. It returns the
// number of pending blocks dropped.
func (c *Cache) RemovePending(ext types.Extent) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Remove(ext.StartBlock, ext.End())
}

// PendingOverlap returns the first pending extent that overlaps ext
func (c *Cache) PendingOverlap(ext types.Extent) (types.Extent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.pending.Overlap(ext.StartBlock, ext.End())
	if !ok {
		return types.Extent{}, false
	}
	return types.Extent{StartBlock: r.Start, BlockCount: r.Len()}, true
}

// PendingBlocks returns the number of blocks freed but not yet committed
func (c *Cache) PendingBlocks() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Total()
}

// CommitPending is called once the transaction that freed ext has committed: the blocks leave
// the pending list and become reusable through the cache. Only the part still pending is
// offered to the cache.
func (c *Cache) CommitPending(ext types.Extent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		r, ok := c.pending.Overlap(ext.StartBlock, ext.End())
		if !ok {
			return
		}
		part := types.Extent{StartBlock: r.Start, BlockCount: r.Len()}.Intersect(ext)
		c.pending.Remove(part.StartBlock, part.End())
		c.add(part)
	}
}
