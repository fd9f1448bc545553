package alloc

import (
	"fmt"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

// Allocate finds and claims space as described by req. Requests are validated before any
// state changes. Reserve ops hold the space in a reservation instead of marking the bitmap.
func (v *Volume) Allocate(req AllocRequest) (AllocResult, error) {
	if err := req.validate(); err != nil {
		return AllocResult{}, err
	}
	if v.opts.ReadOnly {
		return AllocResult{}, types.NewHFSError(types.ErrReadOnly, "Allocate", req.Op.String(), "")
	}

	v.allocLock.Lock()
	defer v.allocLock.Unlock()
	if !v.mounted {
		return AllocResult{}, types.NewHFSError(types.ErrNotMounted, "Allocate", req.Op.String(), "")
	}

	res, err := v.allocateLocked(req)
	if types.IsOutOfSpace(err) && req.Op == OpAllocate && !req.Options.IgnoreTentative {
		if _, tentative, _ := v.counters(); tentative > 0 {
			v.log.Debugw("retrying allocation with tentative space", "min", req.Min, "max", req.Max, "tentative_blocks", tentative)
			req.Options.IgnoreTentative = true
			res, err = v.allocateLocked(req)
		}
	}
	return res, err
}

func (v *Volume) allocateLocked(req AllocRequest) (AllocResult, error) {
	switch req.Op {
	case OpCommit:
		return v.commitLocked(req)
	case OpRollback:
		return v.rollbackLocked(req)
	case OpUseTentative:
		if res, ok, err := v.useTentativeLocked(req); ok || err != nil {
			return res, err
		}
		req.Op = OpAllocate
		req.Reservation = nil
	}
	return v.searchAndMark(req)
}

// commitLocked turns a locked reservation into a bitmap allocation
func (v *Volume) commitLocked(req AllocRequest) (AllocResult, error) {
	r := req.Reservation
	if r.released || !v.holds(r) {
		return AllocResult{}, types.NewHFSError(types.ErrInvalidArgument, "Allocate", req.Op.String(), "reservation is not active")
	}
	ext := r.extent()
	if err := v.markAllocated(ext); err != nil {
		return AllocResult{}, err
	}
	v.mountLock.Lock()
	v.freeBlocks -= ext.BlockCount
	v.lockedBlocks -= ext.BlockCount
	v.mountLock.Unlock()

	r.start = r.end
	r.released = true
	v.detach(r)
	return AllocResult{Extent: ext}, nil
}

// rollbackLocked re-marks [Hint, Hint+Min) allocated, undoing a Deallocate whose transaction
// is being backed out
func (v *Volume) rollbackLocked(req AllocRequest) (AllocResult, error) {
	ext := types.Extent{StartBlock: req.Hint, BlockCount: req.Min}
	if ext.End() > v.opts.TotalBlocks || ext.End() < ext.StartBlock {
		return AllocResult{}, types.NewHFSError(types.ErrInvalidArgument, "Allocate", req.Op.String(), fmt.Sprintf("extent %s past the end of the volume", ext))
	}
	if !req.Options.IgnoreReserved && !req.Options.SkipFreeBlocks {
		free, _, locked := v.counters()
		if free < locked || free-locked < ext.BlockCount {
			return AllocResult{}, outOfSpace("Allocate", "rollback exceeds unreserved free space")
		}
	}
	if err := v.markAllocated(ext); err != nil {
		return AllocResult{}, err
	}
	if !req.Options.SkipFreeBlocks {
		v.mountLock.Lock()
		v.freeBlocks -= ext.BlockCount
		v.mountLock.Unlock()
	}
	v.free.Remove(ext)
	v.stealTentative(ext)
	return AllocResult{Extent: ext}, nil
}

// useTentativeLocked allocates from the front of a tentative reservation. ok is false when the
// reservation no longer holds Min blocks; it has then been released and the request falls
// through to an ordinary allocation.
func (v *Volume) useTentativeLocked(req AllocRequest) (AllocResult, bool, error) {
	r := req.Reservation
	if r.released || !v.holds(r) {
		return AllocResult{}, false, nil
	}
	count := min(req.Max, r.length())
	if count < req.Min {
		v.releaseLocked(r)
		return AllocResult{}, false, nil
	}
	ext := types.Extent{StartBlock: r.start, BlockCount: count}
	if err := v.markAllocated(ext); err != nil {
		return AllocResult{}, false, err
	}
	v.consumeTentative(r, count)
	v.mountLock.Lock()
	v.freeBlocks -= count
	v.mountLock.Unlock()
	return AllocResult{Extent: ext}, true, nil
}

func (v *Volume) holds(r *Reservation) bool {
	for _, x := range *v.list(r.class) {
		if x == r {
			return true
		}
	}
	return false
}

// searchAndMark runs the search tiers and claims what they find
func (v *Volume) searchAndMark(req AllocRequest) (AllocResult, error) {
	opts := req.Options
	minBlocks, maxBlocks := req.Min, req.Max

	free, _, locked := v.counters()
	budget := free
	if !opts.SkipFreeBlocks && !opts.IgnoreReserved {
		if locked >= free {
			budget = 0
		} else {
			budget = free - locked
		}
	}
	if budget == 0 {
		return AllocResult{}, outOfSpace("Allocate", "no free blocks")
	}
	if minBlocks > budget {
		if opts.ForceContig {
			return AllocResult{}, outOfSpace("Allocate", fmt.Sprintf("%d contiguous blocks requested, %d free", minBlocks, budget))
		}
		minBlocks = budget
	}
	maxBlocks = min(maxBlocks, budget)

	hint := req.Hint
	updateCursor := false
	v.mountLock.Lock()
	if hint == 0 {
		updateCursor = true
		hint = v.nextAllocation
		if v.opts.SparseDevice {
			hint = v.sparseAllocation
		}
	}
	if hint >= v.allocLimit {
		hint = 0
	}
	v.mountLock.Unlock()

	sp := searchParams{
		ignoreTentative: opts.IgnoreTentative,
		useMetaZone:     opts.MetaZone,
		flushTxn:        opts.FlushTxn,
	}

	var ext types.Extent
	var err error
	switch {
	case opts.TryHard:
		ext, err = v.blockFindTryHard(hint, minBlocks, maxBlocks, sp)
	case opts.ForceContig:
		ext, err = v.blockFindContig(hint, minBlocks, maxBlocks, sp)
		if err == nil && ext.StartBlock > hint {
			updateCursor = true
		}
	default:
		ext, err = v.blockFindTiered(hint, maxBlocks, sp)
	}
	if err != nil {
		return AllocResult{}, err
	}
	if ext.IsEmpty() {
		return AllocResult{}, outOfSpace("Allocate", "search returned an empty extent")
	}

	if req.Alignment > 0 && ext.BlockCount < maxBlocks {
		rounding := (ext.BlockCount + req.AlignmentOffset) % req.Alignment
		if ext.BlockCount >= minBlocks+rounding {
			ext.BlockCount -= rounding
		}
	}

	if free, _, _ := v.counters(); !opts.SkipFreeBlocks && ext.BlockCount > free {
		return AllocResult{}, v.corruption("Allocate", ext, fmt.Sprintf("found %d blocks with only %d free", ext.BlockCount, free))
	}

	var res AllocResult
	switch req.Op {
	case OpReserveTentative, OpReserveLocked:
		class := Tentative
		if req.Op == OpReserveLocked {
			class = Locked
		}
		if opts.IgnoreTentative {
			v.stealTentative(ext)
		}
		res.Reservation = v.reserve(ext, class)
	default:
		if err := v.markAllocated(ext); err != nil {
			return AllocResult{}, err
		}
		if !opts.SkipFreeBlocks {
			v.mountLock.Lock()
			v.freeBlocks -= ext.BlockCount
			v.mountLock.Unlock()
		}
		v.free.Remove(ext)
		if opts.IgnoreTentative {
			v.stealTentative(ext)
		}
	}
	res.Extent = ext

	if updateCursor && !v.inMetazone(ext.StartBlock) {
		v.mountLock.Lock()
		if v.opts.SparseDevice {
			v.sparseAllocation = ext.End()
		} else {
			v.nextAllocation = ext.End()
		}
		v.mountLock.Unlock()
	}
	return res, nil
}

// blockFindTiered is the default search: the cache, then the bitmap from the cursor trusting
// the summary table, then the rest of the bitmap, then space awaiting a journal commit
func (v *Volume) blockFindTiered(start, maxBlocks uint32, sp searchParams) (types.Extent, error) {
	flush := sp.flushTxn
	sp.flushTxn = false

	ext, err := v.blockFindKnown(maxBlocks, sp)
	if !types.IsOutOfSpace(err) {
		return ext, err
	}

	limit := v.limit()
	ext, err = v.blockFindAny(start, limit, maxBlocks, true, sp)
	if !types.IsOutOfSpace(err) {
		return ext, err
	}

	if v.summary.Enabled() {
		ext, err = v.blockFindAny(1, limit, maxBlocks, false, sp)
	} else {
		ext, err = v.blockFindAny(1, start, maxBlocks, false, sp)
	}
	if !types.IsOutOfSpace(err) || !flush {
		return ext, err
	}

	v.log.Debugw("falling back to space freed by the open transaction", "max", maxBlocks)
	sp.flushTxn = true
	return v.blockFindAny(1, limit, maxBlocks, false, sp)
}
