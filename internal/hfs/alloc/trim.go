package alloc

import (
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/device"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

// unmap discards extents on the device when it supports unmap. It is a no-op otherwise.
func (v *Volume) unmap(extents []types.Extent) error {
	u, ok := v.cache.Device().(device.Unmapper)
	if !ok || len(extents) == 0 {
		return nil
	}
	ranges := make([]types.ByteExtent, 0, len(extents))
	for _, e := range extents {
		if !e.IsEmpty() {
			ranges = append(ranges, v.toBytes(e))
		}
	}
	return u.Unmap(ranges)
}

// trimList batches extents for a single unmap call
type trimList struct {
	v       *Volume
	max     int
	extents []types.Extent
	issued  int
}

func (v *Volume) newTrimList() *trimList {
	return &trimList{v: v, max: v.opts.TrimBatch, extents: make([]types.Extent, 0, v.opts.TrimBatch)}
}

// add queues ext, sending the batch when it fills
func (t *trimList) add(ext types.Extent) {
	t.extents = append(t.extents, ext)
	if len(t.extents) >= t.max {
		t.flush()
	}
}

func (t *trimList) flush() {
	if len(t.extents) == 0 {
		return
	}
	if err := t.v.unmap(t.extents); err != nil {
		t.v.log.Warnw("batched unmap failed", "extents", len(t.extents), "error", err)
	}
	t.issued += len(t.extents)
	t.extents = t.extents[:0]
}
