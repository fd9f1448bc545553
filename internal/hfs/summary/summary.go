// Package summary implements the per-page summary table of the allocation bitmap.
//
// Each bitmap page (one bitmap I/O unit) owns one summary bit. The table answers whether a
// page may still hold a free block, so searches can skip whole pages that are known full.
// Internally the table stores the set of pages that MAY have free space in a roaring bitmap:
// a freshly created table reports every page as maybe-free, and only pages proven full are
// removed from the set.
package summary

import (
	"github.com/RoaringBitmap/roaring"
)

// Table is the summary table. It is not safe for concurrent use; callers hold the
// allocation-file lock.
type Table struct {
	enabled       bool
	blocksPerPage uint32
	pages         uint32
	maybeFree     *roaring.Bitmap
}

// New creates a table for a bitmap of totalBlocks bits stored in pages of ioSize bytes.
// A disabled table answers every query conservatively.
func New(totalBlocks, ioSize uint32, enabled bool) *Table {
	t := &Table{
		enabled:       enabled,
		blocksPerPage: ioSize * 8,
		maybeFree:     roaring.New(),
	}
	t.pages = (totalBlocks + t.blocksPerPage - 1) / t.blocksPerPage
	t.maybeFree.AddRange(0, uint64(t.pages))
	return t
}

// Enabled reports whether the table is consulted
func (t *Table) Enabled() bool {
	return t.enabled
}

// Pages returns the number of summary bits
func (t *Table) Pages() uint32 {
	return t.pages
}

// BlocksPerPage returns the number of allocation blocks tracked by one summary bit
func (t *Table) BlocksPerPage() uint32 {
	return t.blocksPerPage
}

// Index returns the summary bit covering block
func (t *Table) Index(block uint32) uint32 {
	return block / t.blocksPerPage
}

// PageStart returns the first block tracked by summary bit index
func (t *Table) PageStart(index uint32) uint32 {
	return index * t.blocksPerPage
}

// MayHaveFree reports whether the page containing block might hold a free block
func (t *Table) MayHaveFree(block uint32) bool {
	if !t.enabled {
		return true
	}
	return t.maybeFree.Contains(t.Index(block))
}

// SetFull records that the page containing block has no free blocks
func (t *Table) SetFull(block uint32) {
	if !t.enabled {
		return
	}
	t.maybeFree.Remove(t.Index(block))
}

// SetMaybeFree records that the page containing block may hold a free block
func (t *Table) SetMaybeFree(block uint32) {
	if !t.enabled {
		return
	}
	if idx := t.Index(block); idx < t.pages {
		t.maybeFree.Add(idx)
	}
}

// SetMaybeFreeRange clears the full bit of every page touched by [start, start+count)
func (t *Table) SetMaybeFreeRange(start, count uint32) {
	if !t.enabled || count == 0 {
		return
	}
	first := t.Index(start)
	last := min(t.Index(start+count-1), t.pages-1)
	t.maybeFree.AddRange(uint64(first), uint64(last)+1)
}

// FindFree returns the first block at or after from whose page may hold free space. The search
// never looks past the page containing allocLimit-1.
func (t *Table) FindFree(from, allocLimit uint32) (uint32, bool) {
	if from >= allocLimit {
		return 0, false
	}
	if !t.enabled {
		return from, true
	}
	first := t.Index(from)
	last := t.Index(allocLimit - 1)

	it := t.maybeFree.Iterator()
	it.AdvanceIfNeeded(first)
	if !it.HasNext() {
		return 0, false
	}
	idx := it.PeekNext()
	if idx > last {
		return 0, false
	}
	if idx == first {
		return from, true
	}
	return t.PageStart(idx), true
}

// FullPages returns the number of pages currently recorded as full
func (t *Table) FullPages() uint32 {
	return t.pages - uint32(t.maybeFree.GetCardinality())
}

// Reset marks every page maybe-free
func (t *Table) Reset() {
	t.maybeFree.Clear()
	t.maybeFree.AddRange(0, uint64(t.pages))
}
