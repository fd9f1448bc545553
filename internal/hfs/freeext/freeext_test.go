package freeext

import (
	"reflect"
	"testing"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

func ext(start, count uint32) types.Extent {
	return types.Extent{StartBlock: start, BlockCount: count}
}

func newTestCache(t *testing.T, max int, adds ...types.Extent) *Cache {
	t.Helper()
	c := New(Config{MaxExtents: max, AllocLimit: 1000})
	for _, e := range adds {
		c.Add(e)
	}
	return c
}

func TestAddKeepsLongestFirst(t *testing.T) {
	c := newTestCache(t, 10, ext(100, 5), ext(0, 20), ext(50, 5))
	want := []types.Extent{ext(0, 20), ext(50, 5), ext(100, 5)}
	if got := c.Extents(); !reflect.DeepEqual(got, want) {
		t.Errorf("Extents() = %v; want %v", got, want)
	}
	if best, ok := c.Best(); !ok || best != ext(0, 20) {
		t.Errorf("Best() = %v, %v; want (0,20), true", best, ok)
	}
}

func TestAddCoalesces(t *testing.T) {
	tests := []struct {
		name string
		adds []types.Extent
		want []types.Extent
	}{
		{"touching on both sides", []types.Extent{ext(0, 10), ext(20, 5), ext(10, 10)}, []types.Extent{ext(0, 25)}},
		{"overlap", []types.Extent{ext(0, 10), ext(5, 10)}, []types.Extent{ext(0, 15)}},
		{"same start", []types.Extent{ext(5, 2), ext(5, 8)}, []types.Extent{ext(5, 8)}},
		{"separated stays apart", []types.Extent{ext(0, 10), ext(11, 4)}, []types.Extent{ext(0, 10), ext(11, 4)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCache(t, 10, tt.adds...)
			if got := c.Extents(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Extents() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestFullCacheEviction(t *testing.T) {
	c := newTestCache(t, 3, ext(0, 10), ext(20, 5), ext(30, 3))

	if c.Add(ext(40, 3)) {
		t.Error("Add of a candidate no longer than the worst entry was kept")
	}
	if !c.Add(ext(50, 4)) {
		t.Error("Add of a candidate longer than the worst entry was dropped")
	}
	want := []types.Extent{ext(0, 10), ext(20, 5), ext(50, 4)}
	if got := c.Extents(); !reflect.DeepEqual(got, want) {
		t.Errorf("Extents() = %v; want %v", got, want)
	}
}

func TestRemoveResiduals(t *testing.T) {
	tests := []struct {
		name   string
		remove types.Extent
		want   []types.Extent
	}{
		{"exact", ext(10, 10), nil},
		{"head", ext(10, 4), []types.Extent{ext(14, 6)}},
		{"tail", ext(16, 4), []types.Extent{ext(10, 6)}},
		{"split", ext(12, 3), []types.Extent{ext(15, 5), ext(10, 2)}},
		{"disjoint", ext(30, 3), []types.Extent{ext(10, 10)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCache(t, 10, ext(10, 10))
			c.Remove(tt.remove)
			got := c.Extents()
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("after Remove(%v) Extents() = %v; want %v", tt.remove, got, tt.want)
			}
		})
	}
}

func TestAllocLimitClipping(t *testing.T) {
	c := newTestCache(t, 10)
	c.Add(ext(990, 20))
	c.Add(ext(1000, 5))
	if got, want := c.Extents(), []types.Extent{ext(990, 10)}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Extents() = %v; want %v", got, want)
	}

	c.SetAllocLimit(995)
	if got, want := c.Extents(), []types.Extent{ext(990, 5)}; !reflect.DeepEqual(got, want) {
		t.Errorf("after SetAllocLimit Extents() = %v; want %v", got, want)
	}
}

func TestSparseRanksByStart(t *testing.T) {
	c := New(Config{MaxExtents: 2, AllocLimit: 1000, Sparse: true})
	c.Add(ext(500, 100))
	c.Add(ext(100, 1))
	c.Add(ext(50, 2))
	want := []types.Extent{ext(50, 2), ext(100, 1)}
	if got := c.Extents(); !reflect.DeepEqual(got, want) {
		t.Errorf("Extents() = %v; want %v", got, want)
	}
}

func TestPendingMovesToCacheOnCommit(t *testing.T) {
	c := newTestCache(t, 10)
	c.AddPending(ext(100, 20))

	if p, ok := c.PendingOverlap(ext(110, 50)); !ok || p != ext(100, 20) {
		t.Errorf("PendingOverlap = %v, %v; want (100,20), true", p, ok)
	}
	if c.Len() != 0 {
		t.Fatal("pending blocks reached the cache before commit")
	}

	// part of the range is reallocated before the commit
	if n := c.RemovePending(ext(100, 5)); n != 5 {
		t.Errorf("RemovePending = %d; want 5", n)
	}

	c.CommitPending(ext(100, 20))
	if c.PendingBlocks() != 0 {
		t.Errorf("PendingBlocks() = %d after commit; want 0", c.PendingBlocks())
	}
	if got, want := c.Extents(), []types.Extent{ext(105, 15)}; !reflect.DeepEqual(got, want) {
		t.Errorf("Extents() = %v; want %v", got, want)
	}
}
