package alloc

import (
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

// modifyPages applies apply to every held page inside journal brackets. Every bracket is
// opened before the first page changes, so a journal that refuses a page leaves the bitmap
// untouched. If a bracket cannot be closed, revert undoes the change on every page.
func (v *Volume) modifyPages(handles []*pageHandle, apply, revert func(h *pageHandle)) error {
	if v.jnl != nil {
		for i, h := range handles {
			if err := v.jnl.BeginModify(h.buf); err != nil {
				for _, opened := range handles[:i] {
					_ = v.jnl.EndModify(opened.buf)
				}
				return err
			}
		}
	}
	for _, h := range handles {
		apply(h)
		h.dirty = true
	}
	if v.jnl == nil {
		return nil
	}

	var err error
	for _, h := range handles {
		if endErr := v.jnl.EndModify(h.buf); endErr != nil && err == nil {
			err = endErr
		}
	}
	if err != nil {
		for _, h := range handles {
			revert(h)
		}
	}
	return err
}

// markAllocated sets the bits of ext. Every bit must be clear beforehand; nothing is written
// when one is not. Called with allocLock held.
func (v *Volume) markAllocated(ext types.Extent) error {
	const op = "markAllocated"
	if ext.IsEmpty() {
		return nil
	}
	if ext.End() > v.opts.TotalBlocks || ext.End() < ext.StartBlock {
		return types.NewHFSError(types.ErrInvalidArgument, op, ext.String(), "extent past the end of the volume")
	}
	handles, err := v.acquirePages(ext)
	if err != nil {
		return err
	}
	defer v.releasePages(handles)

	for _, h := range handles {
		off, n := v.spanIn(h, ext)
		if !h.bits().AllClear(off, n) {
			return v.corruption(op, ext, "blocks already allocated")
		}
	}

	err = v.modifyPages(handles,
		func(h *pageHandle) {
			off, n := v.spanIn(h, ext)
			h.bits().SetRange(off, n)
		},
		func(h *pageHandle) {
			off, n := v.spanIn(h, ext)
			h.bits().ClearRange(off, n)
		})
	if err != nil {
		return err
	}
	for _, h := range handles {
		bits := h.bits()
		valid := min(v.opts.TotalBlocks-h.start, bits.Bits())
		if bits.AllSet(0, valid) {
			v.summary.SetFull(h.start)
		}
	}

	v.free.RemovePending(ext)
	if v.jnl != nil {
		v.jnl.RemoveTrimExtent(v.toBytes(ext))
	}
	return nil
}

// markFree clears the bits of ext. Every bit must be set beforehand. It returns ext widened by
// the free, unreserved blocks on either side that lie in the pages already held, which is the
// extent worth offering to the free extent cache and TRIM. Called with allocLock held.
func (v *Volume) markFree(ext types.Extent) (types.Extent, error) {
	const op = "markFree"
	if ext.End() > v.opts.TotalBlocks || ext.End() < ext.StartBlock {
		return types.Extent{}, types.NewHFSError(types.ErrInvalidArgument, op, ext.String(), "extent past the end of the volume")
	}
	handles, err := v.acquirePages(ext)
	if err != nil {
		return types.Extent{}, err
	}
	defer v.releasePages(handles)

	for _, h := range handles {
		off, n := v.spanIn(h, ext)
		if !h.bits().AllSet(off, n) {
			return types.Extent{}, v.corruption(op, ext, "blocks already free")
		}
	}

	err = v.modifyPages(handles,
		func(h *pageHandle) {
			off, n := v.spanIn(h, ext)
			h.bits().ClearRange(off, n)
		},
		func(h *pageHandle) {
			off, n := v.spanIn(h, ext)
			h.bits().SetRange(off, n)
		})
	if err != nil {
		return types.Extent{}, err
	}
	v.summary.SetMaybeFreeRange(ext.StartBlock, ext.BlockCount)

	start := ext.StartBlock
	first := handles[0]
	for start > first.start && !first.bits().Test(start-1-first.start) && !v.reserved(start-1) {
		start--
	}
	end := ext.End()
	last := handles[len(handles)-1]
	lastEnd := min(last.start+last.bits().Bits(), v.opts.TotalBlocks)
	for end < lastEnd && !last.bits().Test(end-last.start) && !v.reserved(end) {
		end++
	}
	return types.Extent{StartBlock: start, BlockCount: end - start}, nil
}
