package alloc

import (
	"fmt"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

// Deallocate frees [start, start+count). Freeing a block that is already free is reported as
// corruption. On a journaled volume the blocks are not reused until the freeing transaction
// commits.
func (v *Volume) Deallocate(start, count uint32, opts DeallocOptions) error {
	ext := types.Extent{StartBlock: start, BlockCount: count}
	if ext.End() > v.opts.TotalBlocks || ext.End() < start {
		return types.NewHFSError(types.ErrInvalidArgument, "Deallocate", ext.String(),
			fmt.Sprintf("volume has %d blocks", v.opts.TotalBlocks))
	}
	if v.opts.ReadOnly {
		return types.NewHFSError(types.ErrReadOnly, "Deallocate", ext.String(), "")
	}

	v.allocLock.Lock()
	defer v.allocLock.Unlock()
	if !v.mounted {
		return types.NewHFSError(types.ErrNotMounted, "Deallocate", ext.String(), "")
	}
	if count == 0 {
		return nil
	}

	union, err := v.markFree(ext)
	if err != nil {
		return err
	}

	v.mountLock.Lock()
	if !opts.SkipFreeBlocks {
		v.freeBlocks += count
	}
	if v.nextAllocation == ext.End() {
		v.nextAllocation -= count
	}
	if v.opts.SparseDevice && start < v.sparseAllocation {
		v.sparseAllocation = start
	}
	v.mountLock.Unlock()

	if v.jnl != nil {
		v.free.AddPending(ext)
		v.jnl.AddTrimExtent(v.toBytes(union))
		return nil
	}

	v.free.Add(union)
	if v.opts.Unmap {
		if err := v.unmap([]types.Extent{union}); err != nil {
			v.log.Warnw("unmap of freed extent failed", "extent", union.String(), "error", err)
		}
	}
	return nil
}

// trimCallback runs after a journal transaction commits. The extents it receives are free on
// disk, so the pending blocks among them become reusable. It takes only the cache lock.
func (v *Volume) trimCallback(extents []types.ByteExtent) {
	for _, b := range extents {
		v.free.CommitPending(v.toBlocks(b))
	}
}
