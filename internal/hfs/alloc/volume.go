// Package alloc is the block allocation engine of an HFS+ volume.
//
// A Volume owns the allocation bitmap of one mounted volume together with the structures
// derived from it: the summary table, the free extent cache, the reservation tracker and the
// mount-wide counters. Allocate and Deallocate are the only operations that change the
// bitmap. Everything else either reads it or maintains the derived caches.
//
// Locking: allocLock (the allocation-file lock) is held for a whole search, mark and counter
// update sequence and also guards the summary table and the reservation lists. mountLock
// guards only the scalar counters and is never held across I/O. The free extent cache has its
// own lock so the journal's post-commit callback never waits on the other two.
package alloc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/blockcache"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/freeext"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/journal"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/summary"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
	"github.com/deploymenttheory/go-hfsalloc/internal/logger"
)

// Journal is the journal interface the allocator consumes
type Journal interface {
	BeginModify(buf *blockcache.Buffer) error
	EndModify(buf *blockcache.Buffer) error
	AddTrimExtent(ext types.ByteExtent)
	RemoveTrimExtent(ext types.ByteExtent)
	RequestImmediateFlush() error
	SetTrimCallback(fn journal.TrimCallback)
}

// Volume is a mounted volume's allocator
type Volume struct {
	opts   MountOptions
	cache  *blockcache.Cache
	bitmap blockcache.File
	jnl    Journal
	log    *zap.SugaredLogger

	allocLock sync.RWMutex
	summary   *summary.Table
	tentative []*Reservation
	locked    []*Reservation
	mounted   bool

	mountLock        sync.Mutex
	freeBlocks       uint32
	tentativeBlocks  uint32
	lockedBlocks     uint32
	nextAllocation   uint32
	sparseAllocation uint32
	allocLimit       uint32

	free         *freeext.Cache
	inconsistent atomic.Bool
}

// Mount attaches an allocator to the bitmap stored in bitmap and, unless SkipScan is set,
// scans it to build the summary table, seed the free extent cache, count free blocks and
// trim free space. jnl may be nil for an unjournaled volume.
func Mount(cache *blockcache.Cache, bitmap blockcache.File, jnl Journal, opts MountOptions) (*Volume, error) {
	opts.applyDefaults()
	if err := opts.validate(bitmap.Length); err != nil {
		return nil, err
	}

	v := &Volume{
		opts:       opts,
		cache:      cache,
		bitmap:     bitmap,
		jnl:        jnl,
		log:        opts.Logger,
		allocLimit: opts.TotalBlocks,
	}
	if v.log == nil {
		v.log = logger.Logger
	}
	v.summary = summary.New(opts.TotalBlocks, opts.BitmapIOSize, opts.SummaryTable)
	v.free = freeext.New(freeext.Config{
		MaxExtents: opts.MaxFreeExtents,
		AllocLimit: v.allocLimit,
		Sparse:     opts.SparseDevice,
	})

	if opts.SkipScan {
		v.freeBlocks = min(opts.FreeBlocks, opts.TotalBlocks)
	} else {
		res, err := v.scan()
		if err != nil {
			return nil, err
		}
		v.freeBlocks = res.FreeBlocks
		v.log.Infow("bitmap scan complete",
			"total_blocks", opts.TotalBlocks,
			"free_blocks", res.FreeBlocks,
			"full_pages", v.summary.FullPages(),
			"cached_extents", v.free.Len(),
			"trimmed_extents", res.TrimmedExtents)
	}

	if jnl != nil {
		jnl.SetTrimCallback(v.trimCallback)
	}
	v.mounted = true
	return v, nil
}

// Unmount commits outstanding changes and detaches the allocator. Reservations are released;
// any call after Unmount fails with ErrNotMounted.
func (v *Volume) Unmount() error {
	v.allocLock.Lock()
	defer v.allocLock.Unlock()
	if !v.mounted {
		return types.NewHFSError(types.ErrNotMounted, "Unmount", "", "")
	}
	for len(v.tentative) > 0 {
		v.releaseLocked(v.tentative[0])
	}
	for len(v.locked) > 0 {
		v.releaseLocked(v.locked[0])
	}

	err := v.syncLocked()
	v.mounted = false
	v.free.Reset()
	if v.jnl != nil {
		v.jnl.SetTrimCallback(nil)
	}
	return err
}

// Sync commits the journal, or writes dirty bitmap pages on an unjournaled volume
func (v *Volume) Sync() error {
	v.allocLock.Lock()
	defer v.allocLock.Unlock()
	if !v.mounted {
		return types.NewHFSError(types.ErrNotMounted, "Sync", "", "")
	}
	return v.syncLocked()
}

func (v *Volume) syncLocked() error {
	if v.jnl != nil {
		return v.jnl.RequestImmediateFlush()
	}
	return v.cache.Flush()
}

// Inconsistent reports whether the volume was marked for a consistency check
func (v *Volume) Inconsistent() bool {
	return v.inconsistent.Load()
}

// SetAllocLimit restricts allocation to blocks below limit, as a shrinking resize does.
// Cached extents past the limit are trimmed.
func (v *Volume) SetAllocLimit(limit uint32) error {
	v.allocLock.Lock()
	defer v.allocLock.Unlock()
	if !v.mounted {
		return types.NewHFSError(types.ErrNotMounted, "SetAllocLimit", "", "")
	}
	if limit == 0 || limit > v.opts.TotalBlocks {
		return types.NewHFSError(types.ErrInvalidArgument, "SetAllocLimit", fmt.Sprintf("limit=%d", limit),
			fmt.Sprintf("must be in [1, %d]", v.opts.TotalBlocks))
	}
	v.free.SetAllocLimit(limit)

	v.mountLock.Lock()
	v.allocLimit = limit
	if v.nextAllocation >= limit {
		v.nextAllocation = 0
	}
	if v.sparseAllocation >= limit {
		v.sparseAllocation = 0
	}
	v.mountLock.Unlock()
	return nil
}

// Stats is a snapshot of the allocator state
type Stats struct {
	TotalBlocks           uint32         `json:"total_blocks" plist:"TotalBlocks"`
	FreeBlocks            uint32         `json:"free_blocks" plist:"FreeBlocks"`
	TentativeBlocks       uint32         `json:"tentative_blocks" plist:"TentativeBlocks"`
	LockedBlocks          uint32         `json:"locked_blocks" plist:"LockedBlocks"`
	PendingFreeBlocks     uint64         `json:"pending_free_blocks" plist:"PendingFreeBlocks"`
	NextAllocation        uint32         `json:"next_allocation" plist:"NextAllocation"`
	SparseAllocation      uint32         `json:"sparse_allocation" plist:"SparseAllocation"`
	AllocLimit            uint32         `json:"alloc_limit" plist:"AllocLimit"`
	SummaryPages          uint32         `json:"summary_pages" plist:"SummaryPages"`
	SummaryFullPages      uint32         `json:"summary_full_pages" plist:"SummaryFullPages"`
	TentativeReservations int            `json:"tentative_reservations" plist:"TentativeReservations"`
	LockedReservations    int            `json:"locked_reservations" plist:"LockedReservations"`
	FreeExtents           []types.Extent `json:"free_extents" plist:"FreeExtents"`
	Inconsistent          bool           `json:"inconsistent" plist:"Inconsistent"`
}

// Stats returns a snapshot of the counters and caches
func (v *Volume) Stats() Stats {
	v.allocLock.RLock()
	defer v.allocLock.RUnlock()

	s := Stats{
		TotalBlocks:           v.opts.TotalBlocks,
		PendingFreeBlocks:     v.free.PendingBlocks(),
		SummaryPages:          v.summary.Pages(),
		SummaryFullPages:      v.summary.FullPages(),
		TentativeReservations: len(v.tentative),
		LockedReservations:    len(v.locked),
		FreeExtents:           v.free.Extents(),
		Inconsistent:          v.Inconsistent(),
	}
	v.mountLock.Lock()
	s.FreeBlocks = v.freeBlocks
	s.TentativeBlocks = v.tentativeBlocks
	s.LockedBlocks = v.lockedBlocks
	s.NextAllocation = v.nextAllocation
	s.SparseAllocation = v.sparseAllocation
	s.AllocLimit = v.allocLimit
	v.mountLock.Unlock()
	return s
}

// corruption reports a bitmap that contradicts an operation's preconditions. The volume is
// marked for a consistency check; in strict mode the process stops here.
func (v *Volume) corruption(op string, ext types.Extent, detail string) error {
	err := types.NewHFSError(types.ErrCorruption, op, ext.String(), detail)
	v.inconsistent.Store(true)
	v.log.Errorw("allocation bitmap inconsistent, volume needs a consistency check",
		"operation", op,
		"extent", ext.String(),
		"detail", detail)
	if v.opts.Strict {
		panic(err)
	}
	return err
}

func (v *Volume) counters() (free, tentative, locked uint32) {
	v.mountLock.Lock()
	defer v.mountLock.Unlock()
	return v.freeBlocks, v.tentativeBlocks, v.lockedBlocks
}

func (v *Volume) limit() uint32 {
	v.mountLock.Lock()
	defer v.mountLock.Unlock()
	return v.allocLimit
}

func (v *Volume) metazoneActive() bool {
	return v.opts.MetadataZone && v.opts.MetazoneEnd > v.opts.MetazoneStart
}

func (v *Volume) inMetazone(block uint32) bool {
	return v.metazoneActive() && block >= v.opts.MetazoneStart && block < v.opts.MetazoneEnd
}

func (v *Volume) toBytes(e types.Extent) types.ByteExtent {
	return types.ByteExtent{
		Offset: uint64(v.opts.VolumeOffset) + uint64(e.StartBlock)*uint64(v.opts.BlockSize),
		Length: uint64(e.BlockCount) * uint64(v.opts.BlockSize),
	}
}

func (v *Volume) toBlocks(b types.ByteExtent) types.Extent {
	bs := uint64(v.opts.BlockSize)
	return types.Extent{
		StartBlock: uint32((b.Offset - uint64(v.opts.VolumeOffset)) / bs),
		BlockCount: uint32(b.Length / bs),
	}
}
