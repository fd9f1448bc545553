package alloc

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

// Op selects what Allocate does with the space it finds
type Op int

const (
	// OpAllocate marks the found extent allocated in the bitmap
	OpAllocate Op = iota
	// OpReserveTentative holds the found extent in a revocable reservation
	OpReserveTentative
	// OpReserveLocked holds the found extent in a reservation that must later be committed
	OpReserveLocked
	// OpUseTentative allocates from the front of an existing tentative reservation
	OpUseTentative
	// OpCommit turns a locked reservation into a bitmap allocation
	OpCommit
	// OpRollback re-marks [Hint, Hint+Min) allocated, undoing a Deallocate
	OpRollback
)

func (o Op) String() string {
	switch o {
	case OpAllocate:
		return "allocate"
	case OpReserveTentative:
		return "reserve-tentative"
	case OpReserveLocked:
		return "reserve-locked"
	case OpUseTentative:
		return "use-tentative"
	case OpCommit:
		return "commit"
	case OpRollback:
		return "rollback"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Options modify how Allocate searches and accounts
type Options struct {
	ForceContig     bool // The whole request must be one run of at least Min blocks
	TryHard         bool // Prefer the hint, then the cache, then an exhaustive widest-run scan
	MetaZone        bool // The metadata zone may be used
	SkipFreeBlocks  bool // Do not check or update the free block count
	FlushTxn        bool // Space freed by the open transaction may be used after a journal flush
	IgnoreTentative bool // Tentative reservations may be stolen
	IgnoreReserved  bool // Ignore the locked reservation budget (rollback and commit only)
}

// AllocRequest describes one Allocate call
type AllocRequest struct {
	Hint            uint32 // Preferred start block; 0 uses the roving cursor
	Min             uint32 // Fewest blocks acceptable
	Max             uint32 // Most blocks wanted; raised to Min when smaller
	Op              Op
	Options         Options
	Reservation     *Reservation // Required by OpUseTentative and OpCommit
	Alignment       uint32       // Round the count down to a multiple of this when short of Max
	AlignmentOffset uint32       // Offset applied before rounding
}

// AllocResult is the outcome of a successful Allocate
type AllocResult struct {
	Extent      types.Extent
	Reservation *Reservation // Set by the reserve ops
}

// DeallocOptions modify Deallocate
type DeallocOptions struct {
	SkipFreeBlocks bool // Do not update the free block count
}

// Defaults applied by Mount
const (
	DefaultBitmapIOSize  = 4096
	DefaultScanChunkSize = 1 << 20
	DefaultTrimBatch     = 256
)

// MountOptions configures a Volume
type MountOptions struct {
	BlockSize    uint32 // Allocation block size in bytes
	TotalBlocks  uint32 // Number of allocation blocks
	BitmapIOSize uint32 // Bitmap page size in bytes
	VolumeOffset int64  // Device byte offset of allocation block 0

	Unmap         bool   // Issue TRIM/unmap for freed space when the device supports it
	SummaryTable  bool   // Maintain the per-page summary table
	MetadataZone  bool   // Keep ordinary allocations out of the metadata zone
	MetazoneStart uint32 // First block of the metadata zone
	MetazoneEnd   uint32 // First block past the metadata zone
	ReadOnly      bool
	SparseDevice  bool // Prefer low block numbers and rank cached extents by start
	Strict        bool // Panic on bitmap corruption instead of marking the volume
	SkipScan      bool // Skip the mount-time scan; caches start empty and every page maybe-free

	MaxFreeExtents int // Free extent cache capacity
	ScanChunkSize  int // Bytes read per scanner I/O
	TrimBatch      int // Extents per batched unmap at mount

	// FreeBlocks seeds the free block count when SkipScan is set
	FreeBlocks uint32

	Logger *zap.SugaredLogger
}

func (o *MountOptions) applyDefaults() {
	if o.BitmapIOSize == 0 {
		o.BitmapIOSize = DefaultBitmapIOSize
	}
	if o.ScanChunkSize <= 0 {
		o.ScanChunkSize = DefaultScanChunkSize
	}
	if o.TrimBatch <= 0 {
		o.TrimBatch = DefaultTrimBatch
	}
}

func (o *MountOptions) validate(bitmapLength int64) error {
	switch {
	case o.BlockSize == 0 || o.BlockSize%512 != 0:
		return types.NewHFSError(types.ErrInvalidArgument, "Mount", "block_size", fmt.Sprintf("%d is not a positive multiple of 512", o.BlockSize))
	case o.TotalBlocks == 0:
		return types.NewHFSError(types.ErrInvalidArgument, "Mount", "total_blocks", "volume has no blocks")
	case o.BitmapIOSize%4 != 0:
		return types.NewHFSError(types.ErrInvalidArgument, "Mount", "bitmap_io_size", fmt.Sprintf("%d is not a multiple of the word size", o.BitmapIOSize))
	case bitmapLength*8 < int64(o.TotalBlocks):
		return types.NewHFSError(types.ErrInvalidArgument, "Mount", "bitmap", fmt.Sprintf("%d bytes cannot map %d blocks", bitmapLength, o.TotalBlocks))
	case o.MetadataZone && o.MetazoneEnd < o.MetazoneStart:
		return types.NewHFSError(types.ErrInvalidArgument, "Mount", "metadata_zone", "zone ends before it starts")
	}
	return nil
}

func (r *AllocRequest) validate() error {
	invalid := func(detail string) error {
		return types.NewHFSError(types.ErrInvalidArgument, "Allocate", r.Op.String(), detail)
	}
	if r.Min == 0 {
		return invalid("minimum block count is zero")
	}
	if r.Options.IgnoreReserved && r.Op != OpRollback && r.Op != OpCommit {
		return invalid("IgnoreReserved is only valid with rollback or commit")
	}
	if r.Alignment == 0 && r.AlignmentOffset != 0 {
		return invalid("alignment offset without alignment")
	}
	switch r.Op {
	case OpAllocate, OpReserveTentative, OpReserveLocked, OpRollback:
		if r.Reservation != nil {
			return invalid("reservation handle not expected")
		}
	case OpUseTentative:
		if r.Reservation == nil || r.Reservation.class != Tentative {
			return invalid("tentative reservation handle required")
		}
	case OpCommit:
		if r.Reservation == nil || r.Reservation.class != Locked {
			return invalid("locked reservation handle required")
		}
	default:
		return invalid("unknown operation")
	}
	if r.Max < r.Min {
		r.Max = r.Min
	}
	return nil
}
