package alloc

import (
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

// searchParams carry the options that shape every tier
type searchParams struct {
	ignoreTentative bool
	useMetaZone     bool
	flushTxn        bool
}

func (sp searchParams) overlay() overlay {
	if sp.ignoreTentative {
		return overlayLockedOnly
	}
	return overlayAll
}

func outOfSpace(op string, detail string) error {
	return types.NewHFSError(types.ErrOutOfSpace, op, "", detail)
}

// bitmapWalker reads the bitmap one page at a time for a search, keeping the current page.
// Pages found fully allocated on disk get their summary bit set as they are read.
type bitmapWalker struct {
	v    *Volume
	sp   searchParams
	ov   overlay
	page *pageView
}

func (v *Volume) newWalker(sp searchParams) *bitmapWalker {
	return &bitmapWalker{v: v, sp: sp, ov: sp.overlay()}
}

func (w *bitmapWalker) load(block uint32) (*pageView, error) {
	idx := w.v.pageOf(block)
	if w.page != nil && w.page.idx == idx {
		return w.page, nil
	}
	pv, err := w.v.readPage(idx, w.ov)
	if err != nil {
		return nil, err
	}
	if pv.rawFull {
		w.v.summary.SetFull(pv.start)
	}
	w.page = pv
	return pv, nil
}

// nextFree returns the first free block in [from, limit). The metadata zone is skipped unless
// permitted, and with trustSummary pages the summary table calls full are not read.
func (w *bitmapWalker) nextFree(from, limit uint32, trustSummary bool) (uint32, bool, error) {
	v := w.v
	b := from
	for b < limit {
		if !w.sp.useMetaZone && v.inMetazone(b) {
			b = v.opts.MetazoneEnd
			continue
		}
		if trustSummary && !v.summary.MayHaveFree(b) {
			b = v.pageStart(v.pageOf(b) + 1)
			continue
		}
		pv, err := w.load(b)
		if err != nil {
			return 0, false, err
		}
		end := min(pv.start+pv.bits.Bits(), limit)
		if !w.sp.useMetaZone && v.metazoneActive() && b < v.opts.MetazoneStart {
			end = min(end, v.opts.MetazoneStart)
		}
		if bit, ok := pv.bits.NextClear(b-pv.start, end-pv.start); ok {
			return pv.start + bit, true, nil
		}
		b = end
	}
	return 0, false, nil
}

// runEnd returns the first allocated block in [from, limit), or limit. from must be free.
func (w *bitmapWalker) runEnd(from, limit uint32) (uint32, error) {
	b := from
	for b < limit {
		pv, err := w.load(b)
		if err != nil {
			return 0, err
		}
		end := min(pv.start+pv.bits.Bits(), limit)
		if bit, ok := pv.bits.NextSet(b-pv.start, end-pv.start); ok {
			return pv.start + bit, nil
		}
		b = end
	}
	return limit, nil
}

// runLimit caps a run starting at first so it stays below limit and out of the metadata zone
func (v *Volume) runLimit(first, limit uint32, sp searchParams) uint32 {
	if !sp.useMetaZone && v.metazoneActive() && first < v.opts.MetazoneStart {
		limit = min(limit, v.opts.MetazoneStart)
	}
	return limit
}

// flushForPending commits the open transaction so blocks it freed can be reused
func (v *Volume) flushForPending(ext types.Extent) error {
	if v.jnl == nil {
		return nil
	}
	v.log.Debugw("flushing journal to reuse pending blocks", "extent", ext.String())
	return v.jnl.RequestImmediateFlush()
}

// blockFindKnown takes up to max blocks from the best cached free extent
func (v *Volume) blockFindKnown(maxBlocks uint32, sp searchParams) (types.Extent, error) {
	best, ok := v.free.Best()
	if !ok || best.IsEmpty() {
		return types.Extent{}, outOfSpace("blockFindKnown", "free extent cache empty")
	}

	ext := best
	if !sp.useMetaZone && v.metazoneActive() {
		zone := types.Extent{StartBlock: v.opts.MetazoneStart, BlockCount: v.opts.MetazoneEnd - v.opts.MetazoneStart}
		if ext.Overlaps(zone) {
			if ext.End() > zone.End() {
				ext = types.Extent{StartBlock: zone.End(), BlockCount: ext.End() - zone.End()}
			} else if ext.StartBlock < zone.StartBlock {
				ext.BlockCount = zone.StartBlock - ext.StartBlock
			} else {
				return types.Extent{}, outOfSpace("blockFindKnown", "best cached extent lies in the metadata zone")
			}
		}
	}
	ext.BlockCount = min(ext.BlockCount, maxBlocks)

	if ext.End() > v.limit() {
		return types.Extent{}, v.corruption("blockFindKnown", ext, "cached extent past the allocation limit")
	}

	// A cached extent must still be free on disk.
	w := &bitmapWalker{v: v, sp: sp, ov: overlayRaw}
	end, err := w.runEnd(ext.StartBlock, ext.End())
	if err != nil {
		return types.Extent{}, err
	}
	if end != ext.End() {
		v.free.Remove(best)
		return types.Extent{}, v.corruption("blockFindKnown", ext, "cached free extent is allocated on disk")
	}
	if v.overlapsReservation(ext, sp.overlay()) {
		v.free.Remove(ext)
		return types.Extent{}, outOfSpace("blockFindKnown", "cached extent is reserved")
	}
	return ext, nil
}

// blockFindContiguous looks in [start, end) for a free run of at least min blocks, returning
// at most max. With tryHard the whole range is scanned and the widest run kept. Runs too short
// to use are offered to the free extent cache. Runs that touch blocks freed by the open
// transaction are used only as a last resort and only with flushTxn.
func (v *Volume) blockFindContiguous(start, end, minBlocks, maxBlocks uint32, trustSummary, tryHard bool, sp searchParams) (types.Extent, error) {
	const op = "blockFindContiguous"
	if maxBlocks < minBlocks {
		maxBlocks = minBlocks
	}
	end = min(end, v.limit())
	if end <= start || end-start < minBlocks {
		return types.Extent{}, outOfSpace(op, "range shorter than request")
	}
	stop := end - minBlocks + 1

	b := start
	if !sp.useMetaZone && v.inMetazone(b) {
		b = v.opts.MetazoneEnd
	}
	if b >= stop {
		return types.Extent{}, outOfSpace(op, "range lies in the metadata zone")
	}
	if trustSummary && v.summary.Enabled() {
		s, ok := v.summary.FindFree(b, end)
		if !ok || s >= stop {
			return types.Extent{}, outOfSpace(op, "summary table reports no free pages")
		}
		b = s
	}

	w := v.newWalker(sp)
	var best, pending types.Extent
	for b < stop {
		first, ok, err := w.nextFree(b, stop, trustSummary)
		if err != nil {
			return types.Extent{}, err
		}
		if !ok {
			break
		}
		limit := v.runLimit(first, min(end, first+maxBlocks), sp)
		runEnd, err := w.runEnd(first, limit)
		if err != nil {
			return types.Extent{}, err
		}
		run := types.Extent{StartBlock: first, BlockCount: runEnd - first}
		b = runEnd

		if p, hit := v.free.PendingOverlap(run); hit {
			if p.StartBlock > run.StartBlock && p.StartBlock-run.StartBlock >= minBlocks {
				run.BlockCount = p.StartBlock - run.StartBlock
			} else {
				if pending.IsEmpty() && run.BlockCount >= minBlocks {
					pending = run
				}
				b = p.End()
				continue
			}
		}

		if run.BlockCount < minBlocks {
			if !sp.ignoreTentative {
				v.free.Add(run)
			}
			continue
		}
		if !tryHard {
			return run, nil
		}
		if run.BlockCount > best.BlockCount {
			best = run
		}
		if best.BlockCount >= maxBlocks {
			break
		}
	}

	if !best.IsEmpty() {
		return best, nil
	}
	if !pending.IsEmpty() && sp.flushTxn {
		if err := v.flushForPending(pending); err != nil {
			return types.Extent{}, err
		}
		return pending, nil
	}
	if !pending.IsEmpty() {
		return types.Extent{}, outOfSpace(op, "only candidate awaits a journal commit")
	}
	return types.Extent{}, outOfSpace(op, "no run long enough")
}

// blockFindAny returns the first free block in [start, end) extended by up to max-1 following
// free blocks
func (v *Volume) blockFindAny(start, end, maxBlocks uint32, trustSummary bool, sp searchParams) (types.Extent, error) {
	const op = "blockFindAny"
	end = min(end, v.limit())
	if end <= start {
		return types.Extent{}, outOfSpace(op, "empty range")
	}
	maxBlocks = min(maxBlocks, end-start)
	if !sp.useMetaZone && v.inMetazone(start) {
		start = v.opts.MetazoneEnd
		if start >= end {
			return types.Extent{}, outOfSpace(op, "range lies in the metadata zone")
		}
	}
	if trustSummary && v.summary.Enabled() {
		s, ok := v.summary.FindFree(start, end)
		if !ok {
			return types.Extent{}, outOfSpace(op, "summary table reports no free pages")
		}
		start = s
	}

	w := v.newWalker(sp)
	b := start
	var first uint32
	for {
		f, ok, err := w.nextFree(b, end, trustSummary)
		if err != nil {
			return types.Extent{}, err
		}
		if !ok {
			return types.Extent{}, outOfSpace(op, "no free block")
		}
		if !sp.flushTxn {
			if p, hit := v.free.PendingOverlap(types.Extent{StartBlock: f, BlockCount: 1}); hit {
				b = p.End()
				continue
			}
		}
		first = f
		break
	}

	limit := v.runLimit(first, min(end, first+maxBlocks), sp)
	runEnd, err := w.runEnd(first, limit)
	if err != nil {
		return types.Extent{}, err
	}
	ext := types.Extent{StartBlock: first, BlockCount: runEnd - first}

	if p, hit := v.free.PendingOverlap(ext); hit {
		if !sp.flushTxn {
			ext.BlockCount = p.StartBlock - ext.StartBlock
		} else if err := v.flushForPending(ext); err != nil {
			return types.Extent{}, err
		}
	}
	return ext, nil
}

// blockFindContig searches for a contiguous run from start, trusting the summary table, then
// again over the whole volume without trusting it
func (v *Volume) blockFindContig(start, minBlocks, maxBlocks uint32, sp searchParams) (types.Extent, error) {
	ext, err := v.blockFindContiguous(start, v.limit(), minBlocks, maxBlocks, true, false, sp)
	if !types.IsOutOfSpace(err) {
		return ext, err
	}
	v.log.Debugw("contiguous search from cursor failed, retrying whole volume", "start", start, "min", minBlocks)
	return v.blockFindContiguous(1, v.limit(), minBlocks, maxBlocks, false, false, sp)
}

// blockFindTryHard tries the exact hint, then the cache, then the widest run on the volume
func (v *Volume) blockFindTryHard(hint, minBlocks, maxBlocks uint32, sp searchParams) (types.Extent, error) {
	limit := v.limit()
	if hint > 0 && hint < limit && limit-hint > maxBlocks {
		ext, err := v.blockFindContiguous(hint, hint+maxBlocks, maxBlocks, maxBlocks, false, false, sp)
		if !types.IsOutOfSpace(err) {
			return ext, err
		}
	}

	ext, err := v.blockFindKnown(maxBlocks, sp)
	if err == nil && ext.BlockCount >= maxBlocks {
		return ext, nil
	}
	if err != nil && !types.IsOutOfSpace(err) {
		return types.Extent{}, err
	}
	return v.blockFindContiguous(1, limit, minBlocks, maxBlocks, false, true, sp)
}

// overlapsReservation reports whether ext touches a reservation that ov treats as allocated
func (v *Volume) overlapsReservation(ext types.Extent, ov overlay) bool {
	lists := [][]*Reservation{v.locked}
	if ov == overlayAll {
		lists = append(lists, v.tentative)
	}
	for _, l := range lists {
		for _, r := range l {
			if r.extent().Overlaps(ext) {
				return true
			}
		}
	}
	return false
}
