package alloc

import (
	"errors"
	"testing"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/bitvec"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/blockcache"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/device"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/journal"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

const testBlockSize = 512

func ext(start, count uint32) types.Extent {
	return types.Extent{StartBlock: start, BlockCount: count}
}

// testVolume describes the volume a test mounts
type testVolume struct {
	total     uint32
	ioSize    uint32         // bitmap page size; 4096 when zero
	allocated []types.Extent // blocks marked allocated before mount
	journaled bool
	tweak     func(*MountOptions)
}

type fixture struct {
	t     *testing.T
	geom  Geometry
	dev   *device.MemoryDevice
	cache *blockcache.Cache
	jnl   *journal.Journal
	v     *Volume
}

func mountTest(t *testing.T, tv testVolume) *fixture {
	t.Helper()
	geom := NewGeometry(testBlockSize, tv.total, tv.ioSize)
	dev := device.NewMemoryDevice(geom.DeviceSize())
	if err := FormatBitmap(dev, geom); err != nil {
		t.Fatalf("FormatBitmap failed: %v", err)
	}
	if len(tv.allocated) > 0 {
		bm := make([]byte, geom.BitmapLength)
		for _, e := range tv.allocated {
			bitvec.Page(bm).SetRange(e.StartBlock, e.BlockCount)
		}
		if _, err := dev.WriteAt(bm, geom.BitmapOffset); err != nil {
			t.Fatalf("writing bitmap failed: %v", err)
		}
	}

	f := &fixture{t: t, geom: geom, dev: dev, cache: blockcache.New(dev, 0)}
	opts := geom.MountOptions()
	if tv.tweak != nil {
		tv.tweak(&opts)
	}
	var jnl Journal
	if tv.journaled {
		f.jnl = journal.New(f.cache, journal.Config{Unmap: opts.Unmap})
		jnl = f.jnl
	}
	v, err := Mount(f.cache, geom.BitmapFile(), jnl, opts)
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	f.v = v
	return f
}

func (f *fixture) allocate(req AllocRequest) AllocResult {
	f.t.Helper()
	res, err := f.v.Allocate(req)
	if err != nil {
		f.t.Fatalf("Allocate(%+v) failed: %v", req, err)
	}
	return res
}

func (f *fixture) free(e types.Extent) {
	f.t.Helper()
	if err := f.v.Deallocate(e.StartBlock, e.BlockCount, DeallocOptions{}); err != nil {
		f.t.Fatalf("Deallocate%v failed: %v", e, err)
	}
}

func (f *fixture) freeBlocks() uint32 {
	return f.v.Stats().FreeBlocks
}

func (f *fixture) countAllocated(e types.Extent) uint32 {
	f.t.Helper()
	n, err := f.v.CountAllocated(e.StartBlock, e.BlockCount)
	if err != nil {
		f.t.Fatalf("CountAllocated%v failed: %v", e, err)
	}
	return n
}

func (f *fixture) verify() {
	f.t.Helper()
	rep, err := f.v.Verify()
	if err != nil {
		f.t.Fatalf("Verify failed: %v", err)
	}
	if !rep.OK() {
		f.t.Errorf("Verify reported problems: %+v", rep)
	}
}

func TestScenarioSequentialAllocation(t *testing.T) {
	f := mountTest(t, testVolume{total: 1000})

	res := f.allocate(AllocRequest{Min: 10, Max: 10})
	if res.Extent != ext(0, 10) {
		t.Errorf("first Allocate = %v; want (0,10)", res.Extent)
	}
	if got := f.freeBlocks(); got != 990 {
		t.Errorf("freeBlocks = %d; want 990", got)
	}

	res = f.allocate(AllocRequest{Min: 10, Max: 10})
	if res.Extent != ext(10, 10) {
		t.Errorf("second Allocate = %v; want (10,10)", res.Extent)
	}
	if n := f.countAllocated(ext(0, 20)); n != 20 {
		t.Errorf("CountAllocated(0,20) = %d; want 20", n)
	}
	f.verify()
}

func TestScenarioFreeRestoresMergedExtent(t *testing.T) {
	f := mountTest(t, testVolume{total: 1000})
	a := f.allocate(AllocRequest{Min: 10, Max: 10}).Extent
	b := f.allocate(AllocRequest{Min: 10, Max: 10}).Extent

	f.free(a)
	if n := f.countAllocated(ext(0, 10)); n != 0 {
		t.Errorf("blocks (0,10) still allocated: %d", n)
	}
	f.free(b)

	s := f.v.Stats()
	if s.FreeBlocks != 1000 {
		t.Errorf("freeBlocks = %d; want 1000", s.FreeBlocks)
	}
	if len(s.FreeExtents) != 1 || s.FreeExtents[0] != ext(0, 1000) {
		t.Errorf("FreeExtents = %v; want [(0,1000)]", s.FreeExtents)
	}
	f.verify()
}

func TestScenarioForceContigVersusPartial(t *testing.T) {
	// free runs (100,300) and (600,250)
	f := mountTest(t, testVolume{
		total:     1000,
		allocated: []types.Extent{ext(0, 100), ext(400, 200), ext(850, 150)},
	})
	if got := f.freeBlocks(); got != 550 {
		t.Fatalf("freeBlocks after mount = %d; want 550", got)
	}

	_, err := f.v.Allocate(AllocRequest{Min: 500, Max: 500, Options: Options{ForceContig: true}})
	if !types.IsOutOfSpace(err) {
		t.Fatalf("contiguous Allocate error = %v; want OutOfSpace", err)
	}
	if got := f.freeBlocks(); got != 550 {
		t.Errorf("failed Allocate changed freeBlocks to %d", got)
	}

	res := f.allocate(AllocRequest{Min: 500, Max: 500})
	if res.Extent.BlockCount == 0 || res.Extent.BlockCount > 300 {
		t.Errorf("partial Allocate = %v; want 1..300 blocks", res.Extent)
	}
	if res.Extent != ext(100, 300) {
		t.Errorf("partial Allocate = %v; want the longest run (100,300)", res.Extent)
	}
	f.verify()
}

func TestScenarioUseTentative(t *testing.T) {
	f := mountTest(t, testVolume{total: 1000})

	res := f.allocate(AllocRequest{Hint: 100, Min: 50, Max: 50, Op: OpReserveTentative, Options: Options{ForceContig: true}})
	if res.Reservation == nil || res.Extent != ext(100, 50) {
		t.Fatalf("reserve = %v, %v; want (100,50) with a reservation", res.Extent, res.Reservation)
	}
	if got := f.v.Stats().TentativeBlocks; got != 50 {
		t.Fatalf("tentativeBlocks = %d; want 50", got)
	}
	if n := f.countAllocated(ext(100, 50)); n != 0 {
		t.Errorf("reservation reached the bitmap: %d blocks set", n)
	}

	used := f.allocate(AllocRequest{Min: 20, Max: 20, Op: OpUseTentative, Reservation: res.Reservation})
	if used.Extent != ext(100, 20) {
		t.Errorf("use-tentative = %v; want (100,20)", used.Extent)
	}
	if ok, _ := f.v.IsAllocated(100, 20); !ok {
		t.Error("(100,20) not allocated in the bitmap")
	}
	rest, err := f.v.ReservationExtent(res.Reservation)
	if err != nil || rest != ext(120, 30) {
		t.Errorf("remainder = %v, %v; want (120,30)", rest, err)
	}
	s := f.v.Stats()
	if s.TentativeBlocks != 30 {
		t.Errorf("tentativeBlocks = %d; want 30", s.TentativeBlocks)
	}
	if s.FreeBlocks != 980 {
		t.Errorf("freeBlocks = %d; want 980", s.FreeBlocks)
	}
	f.verify()
}

func TestMountScanBuildsDerivedState(t *testing.T) {
	// 512 blocks per page: page 0 full, page 1 has one free run, page 2 empty, page 3 partial
	f := mountTest(t, testVolume{
		total:     1800,
		ioSize:    64,
		allocated: []types.Extent{ext(0, 512), ext(512, 100), ext(700, 324), ext(1536, 10)},
	})
	s := f.v.Stats()
	if s.SummaryPages != 4 {
		t.Errorf("SummaryPages = %d; want 4", s.SummaryPages)
	}
	if s.SummaryFullPages != 1 {
		t.Errorf("SummaryFullPages = %d; want 1", s.SummaryFullPages)
	}
	if want := uint32(1800 - 512 - 100 - 324 - 10); s.FreeBlocks != want {
		t.Errorf("FreeBlocks = %d; want %d", s.FreeBlocks, want)
	}
	if len(s.FreeExtents) == 0 || s.FreeExtents[0] != ext(1024, 512) {
		t.Errorf("best cached extent = %v; want (1024,512)", s.FreeExtents)
	}
	f.verify()
}

func TestMountRejectsBadOptions(t *testing.T) {
	geom := NewGeometry(testBlockSize, 1000, 0)
	dev := device.NewMemoryDevice(geom.DeviceSize())
	cache := blockcache.New(dev, 0)

	tests := []struct {
		name  string
		tweak func(*MountOptions)
	}{
		{"zero block size", func(o *MountOptions) { o.BlockSize = 0 }},
		{"odd block size", func(o *MountOptions) { o.BlockSize = 1000 }},
		{"no blocks", func(o *MountOptions) { o.TotalBlocks = 0 }},
		{"bitmap too short", func(o *MountOptions) { o.TotalBlocks = 1 << 20 }},
		{"inverted metadata zone", func(o *MountOptions) {
			o.MetadataZone = true
			o.MetazoneStart, o.MetazoneEnd = 10, 5
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := geom.MountOptions()
			tt.tweak(&opts)
			if _, err := Mount(cache, geom.BitmapFile(), nil, opts); !types.IsInvalidArgument(err) {
				t.Errorf("Mount error = %v; want InvalidArgument", err)
			}
		})
	}
}

func TestSkipScanSeedsCounters(t *testing.T) {
	f := mountTest(t, testVolume{total: 1000, tweak: func(o *MountOptions) {
		o.SkipScan = true
		o.FreeBlocks = 1000
	}})
	s := f.v.Stats()
	if s.FreeBlocks != 1000 || len(s.FreeExtents) != 0 {
		t.Fatalf("Stats after SkipScan = %+v; want 1000 free and an empty cache", s)
	}
	// without a cache the bitmap tiers still find space
	if res := f.allocate(AllocRequest{Min: 10, Max: 10}); res.Extent != ext(0, 10) {
		t.Errorf("Allocate = %v; want (0,10)", res.Extent)
	}
}

func TestUnmountReleasesReservationsAndFlushes(t *testing.T) {
	f := mountTest(t, testVolume{total: 1000})
	r := f.allocate(AllocRequest{Min: 10, Max: 10, Op: OpReserveLocked}).Reservation
	a := f.allocate(AllocRequest{Min: 5, Max: 5}).Extent

	if err := f.v.Unmount(); err != nil {
		t.Fatalf("Unmount failed: %v", err)
	}
	if e, _ := f.v.ReservationExtent(r); !e.IsEmpty() {
		t.Errorf("reservation still holds %v after Unmount", e)
	}
	bm := bitvec.Page(f.dev.Bytes()[:f.geom.BitmapLength])
	if !bm.AllSet(a.StartBlock, a.BlockCount) {
		t.Errorf("allocation %v not on the device after Unmount", a)
	}

	_, err := f.v.Allocate(AllocRequest{Min: 1, Max: 1})
	if !isNotMounted(err) {
		t.Errorf("Allocate after Unmount error = %v; want ErrNotMounted", err)
	}
	if err := f.v.Unmount(); !isNotMounted(err) {
		t.Errorf("second Unmount error = %v; want ErrNotMounted", err)
	}
}

func isNotMounted(err error) bool {
	return errors.Is(err, types.ErrNotMounted)
}
