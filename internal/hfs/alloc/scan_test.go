package alloc

import (
	"reflect"
	"testing"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

func TestScanFollowsRunsAcrossChunks(t *testing.T) {
	// one 64-byte chunk covers 512 blocks, so both free runs cross several chunks
	f := mountTest(t, testVolume{
		total:     3000,
		ioSize:    64,
		allocated: []types.Extent{ext(0, 10), ext(1000, 34), ext(2999, 1)},
		tweak:     func(o *MountOptions) { o.ScanChunkSize = 1 },
	})
	s := f.v.Stats()
	if s.FreeBlocks != 3000-10-34-1 {
		t.Errorf("FreeBlocks = %d; want %d", s.FreeBlocks, 3000-10-34-1)
	}
	want := []types.Extent{ext(1034, 1965), ext(10, 990)}
	if !reflect.DeepEqual(s.FreeExtents, want) {
		t.Errorf("FreeExtents = %v; want %v", s.FreeExtents, want)
	}
	if bs := f.cache.Stats(); bs.Buffers != 0 {
		t.Errorf("scan left %d buffers in the block cache", bs.Buffers)
	}
	f.verify()
}

func TestScanTrimsFreeSpaceInBatches(t *testing.T) {
	f := mountTest(t, testVolume{
		total:     1000,
		allocated: []types.Extent{ext(0, 100), ext(200, 100), ext(400, 100)},
		tweak: func(o *MountOptions) {
			o.Unmap = true
			o.TrimBatch = 2
		},
	})
	var want []types.ByteExtent
	for _, e := range []types.Extent{ext(100, 100), ext(300, 100), ext(500, 500)} {
		want = append(want, f.v.toBytes(e))
	}
	if got := f.dev.Unmaps(); !reflect.DeepEqual(got, want) {
		t.Errorf("Unmaps() = %v; want %v", got, want)
	}
}

func TestScanSkipsTrimWithoutUnmap(t *testing.T) {
	f := mountTest(t, testVolume{total: 1000})
	if n := len(f.dev.Unmaps()); n != 0 {
		t.Errorf("%d unmaps issued with unmap disabled", n)
	}
}

func TestScanIgnoresBitsPastLastBlock(t *testing.T) {
	// total is not a multiple of 32; the padding bits of the last word stay zero on disk
	f := mountTest(t, testVolume{total: 1001, allocated: []types.Extent{ext(0, 1000)}})
	s := f.v.Stats()
	if s.FreeBlocks != 1 {
		t.Errorf("FreeBlocks = %d; want 1", s.FreeBlocks)
	}
	if e := f.allocate(AllocRequest{Min: 1, Max: 8}).Extent; e != ext(1000, 1) {
		t.Errorf("Allocate = %v; want (1000,1)", e)
	}
	if s := f.v.Stats(); s.SummaryFullPages != 1 {
		t.Errorf("SummaryFullPages = %d; want 1 once the last block is used", s.SummaryFullPages)
	}
}
