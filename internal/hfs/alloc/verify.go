package alloc

import (
	"fmt"
	"sort"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/freeext"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

// VerifyReport is the result of Verify
type VerifyReport struct {
	CountedFreeBlocks  uint32   `json:"counted_free_blocks" plist:"CountedFreeBlocks"`
	RecordedFreeBlocks uint32   `json:"recorded_free_blocks" plist:"RecordedFreeBlocks"`
	CacheErrors        []string `json:"cache_errors,omitempty" plist:"CacheErrors,omitempty"`
	SummaryErrors      []string `json:"summary_errors,omitempty" plist:"SummaryErrors,omitempty"`
}

// OK reports whether the derived state agrees with the bitmap
func (r VerifyReport) OK() bool {
	return r.CountedFreeBlocks == r.RecordedFreeBlocks && len(r.CacheErrors) == 0 && len(r.SummaryErrors) == 0
}

// Verify checks the counters, the free extent cache and the summary table against the bitmap
func (v *Volume) Verify() (VerifyReport, error) {
	v.allocLock.RLock()
	defer v.allocLock.RUnlock()
	if !v.mounted {
		return VerifyReport{}, types.NewHFSError(types.ErrNotMounted, "Verify", "", "")
	}

	var rep VerifyReport
	rep.RecordedFreeBlocks, _, _ = v.counters()

	pages := v.summary.Pages()
	for idx := uint32(0); idx < pages; idx++ {
		pv, err := v.readPage(idx, overlayRaw)
		if err != nil {
			return VerifyReport{}, err
		}
		valid := min(v.opts.TotalBlocks-pv.start, pv.bits.Bits())
		freeCount := valid - pv.bits.CountSet(0, valid)
		rep.CountedFreeBlocks += freeCount
		if freeCount > 0 && !v.summary.MayHaveFree(pv.start) {
			rep.SummaryErrors = append(rep.SummaryErrors,
				fmt.Sprintf("page %d marked full with %d free blocks", idx, freeCount))
		}
	}

	extents := v.free.Extents()
	capacity := v.opts.MaxFreeExtents
	if capacity <= 0 {
		capacity = freeext.DefaultMaxExtents
	}
	if len(extents) > capacity {
		rep.CacheErrors = append(rep.CacheErrors, fmt.Sprintf("%d entries exceed capacity %d", len(extents), capacity))
	}
	for i := 1; i < len(extents) && !v.opts.SparseDevice; i++ {
		if extents[i].BlockCount > extents[i-1].BlockCount {
			rep.CacheErrors = append(rep.CacheErrors, fmt.Sprintf("%s ranked after shorter %s", extents[i], extents[i-1]))
		}
	}
	byStart := append([]types.Extent(nil), extents...)
	sort.Slice(byStart, func(i, j int) bool { return byStart[i].StartBlock < byStart[j].StartBlock })
	for i := 1; i < len(byStart); i++ {
		if byStart[i].StartBlock < byStart[i-1].End() {
			rep.CacheErrors = append(rep.CacheErrors, fmt.Sprintf("%s overlaps %s", byStart[i], byStart[i-1]))
		}
	}
	limit := v.limit()
	for _, e := range extents {
		if e.End() > limit {
			rep.CacheErrors = append(rep.CacheErrors, fmt.Sprintf("%s past allocation limit %d", e, limit))
			continue
		}
		used, err := v.countAllocated(e)
		if err != nil {
			return VerifyReport{}, err
		}
		if used > 0 {
			rep.CacheErrors = append(rep.CacheErrors, fmt.Sprintf("%s has %d allocated blocks", e, used))
		}
	}
	return rep, nil
}

// IsAllocated reports whether every block of [start, start+count) is allocated on disk.
// Reservations are not counted.
func (v *Volume) IsAllocated(start, count uint32) (bool, error) {
	n, err := v.CountAllocated(start, count)
	if err != nil {
		return false, err
	}
	return n == count, nil
}

// CountAllocated returns the number of allocated blocks in [start, start+count)
func (v *Volume) CountAllocated(start, count uint32) (uint32, error) {
	ext := types.Extent{StartBlock: start, BlockCount: count}
	if ext.End() > v.opts.TotalBlocks || ext.End() < start {
		return 0, types.NewHFSError(types.ErrInvalidArgument, "CountAllocated", ext.String(),
			fmt.Sprintf("volume has %d blocks", v.opts.TotalBlocks))
	}
	v.allocLock.RLock()
	defer v.allocLock.RUnlock()
	if !v.mounted {
		return 0, types.NewHFSError(types.ErrNotMounted, "CountAllocated", ext.String(), "")
	}
	return v.countAllocated(ext)
}

func (v *Volume) countAllocated(ext types.Extent) (uint32, error) {
	var n uint32
	for b := ext.StartBlock; b < ext.End(); {
		pv, err := v.readPage(v.pageOf(b), overlayRaw)
		if err != nil {
			return 0, err
		}
		off := b - pv.start
		span := min(ext.End()-b, pv.bits.Bits()-off)
		n += pv.bits.CountSet(off, span)
		b += span
	}
	return n, nil
}
