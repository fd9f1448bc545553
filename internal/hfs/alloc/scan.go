package alloc

import (
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/bitvec"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/device"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

// scanResult summarises the mount-time bitmap scan
type scanResult struct {
	FreeBlocks     uint32
	FreeRuns       int
	TrimmedExtents int
}

// scan reads the whole bitmap once, in chunks of whole bitmap pages. It marks full pages in
// the summary table, offers every free run to the free extent cache and, when unmap is
// enabled, discards free space in batches. Chunk buffers are dropped from the block cache
// after use so the scan does not evict the working set.
func (v *Volume) scan() (scanResult, error) {
	var res scanResult

	ioSize := int(v.opts.BitmapIOSize)
	chunk := max(v.opts.ScanChunkSize/ioSize*ioSize, ioSize)
	bpp := v.blocksPerPage()
	total := v.opts.TotalBlocks

	var trims *trimList
	if v.opts.Unmap && device.SupportsUnmap(v.cache.Device()) {
		trims = v.newTrimList()
	}

	inRun := false
	var runStart uint32
	finish := func(end uint32) {
		run := types.Extent{StartBlock: runStart, BlockCount: end - runStart}
		res.FreeBlocks += run.BlockCount
		res.FreeRuns++
		v.free.Add(run)
		if trims != nil {
			trims.add(run)
		}
		inRun = false
	}

	for off := int64(0); off < v.bitmap.Length; off += int64(chunk) {
		base := uint32(off * 8)
		if base >= total {
			break
		}
		buf, err := v.cache.ReadRange(v.bitmap, off, chunk)
		if err != nil {
			return scanResult{}, err
		}
		page := bitvec.Page(buf.Data)
		limit := min(total-base, page.Bits())

		for p := uint32(0); p < limit; p += bpp {
			if page.AllSet(p, min(limit-p, bpp)) {
				v.summary.SetFull(base + p)
			}
		}

		b := uint32(0)
		for b < limit {
			if inRun {
				e, ok := page.NextSet(b, limit)
				if !ok {
					break
				}
				finish(base + e)
				b = e
				continue
			}
			s, ok := page.NextClear(b, limit)
			if !ok {
				break
			}
			inRun = true
			runStart = base + s
			b = s
		}

		if err := v.cache.Invalidate(buf); err != nil {
			return scanResult{}, err
		}
	}
	if inRun {
		finish(total)
	}

	if trims != nil {
		trims.flush()
		res.TrimmedExtents = trims.issued
	}
	return res, nil
}
