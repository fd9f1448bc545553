package alloc

import (
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/bitvec"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/blockcache"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

// overlay selects which reservations a bitmap read folds into the page
type overlay int

const (
	overlayRaw        overlay = iota // on-disk bits only
	overlayAll                       // tentative and locked reservations read as allocated
	overlayLockedOnly                // only locked reservations read as allocated
)

func (v *Volume) blocksPerPage() uint32 {
	return v.opts.BitmapIOSize * 8
}

func (v *Volume) pageOf(block uint32) uint32 {
	return block / v.blocksPerPage()
}

func (v *Volume) pageStart(idx uint32) uint32 {
	return idx * v.blocksPerPage()
}

// pageView is a private copy of one bitmap page. Bits past the last block of the volume read
// as allocated.
type pageView struct {
	idx     uint32
	start   uint32
	bits    bitvec.Page
	rawFull bool
}

// readPage reads bitmap page idx and folds reservations in according to ov. The page buffer is
// released before readPage returns; callers hold allocLock so the copy stays accurate.
func (v *Volume) readPage(idx uint32, ov overlay) (*pageView, error) {
	buf, err := v.cache.ReadRange(v.bitmap, int64(idx)*int64(v.opts.BitmapIOSize), int(v.opts.BitmapIOSize))
	if err != nil {
		return nil, err
	}
	pv := &pageView{
		idx:   idx,
		start: v.pageStart(idx),
		bits:  bitvec.Page(buf.Data).Copy(),
	}
	v.cache.Release(buf, false)

	if valid := v.opts.TotalBlocks - pv.start; valid < pv.bits.Bits() {
		pv.bits.SetRange(valid, pv.bits.Bits()-valid)
	}
	pv.rawFull = pv.bits.AllSet(0, pv.bits.Bits())

	if ov != overlayRaw {
		v.overlayReservations(pv, v.locked)
		if ov == overlayAll {
			v.overlayReservations(pv, v.tentative)
		}
	}
	return pv, nil
}

func (v *Volume) overlayReservations(pv *pageView, list []*Reservation) {
	pageExt := types.Extent{StartBlock: pv.start, BlockCount: pv.bits.Bits()}
	for _, r := range list {
		if hit := r.extent().Intersect(pageExt); !hit.IsEmpty() {
			pv.bits.SetRange(hit.StartBlock-pv.start, hit.BlockCount)
		}
	}
}

// pageHandle is a held bitmap page used by the mark routines
type pageHandle struct {
	start uint32
	buf   *blockcache.Buffer
	dirty bool
}

func (h *pageHandle) bits() bitvec.Page {
	return bitvec.Page(h.buf.Data)
}

// acquirePages locks the raw pages covering ext in ascending order. On error every page
// already acquired is released.
func (v *Volume) acquirePages(ext types.Extent) ([]*pageHandle, error) {
	first := v.pageOf(ext.StartBlock)
	last := v.pageOf(ext.End() - 1)
	handles := make([]*pageHandle, 0, last-first+1)
	for idx := first; idx <= last; idx++ {
		buf, err := v.cache.ReadRange(v.bitmap, int64(idx)*int64(v.opts.BitmapIOSize), int(v.opts.BitmapIOSize))
		if err != nil {
			v.releasePages(handles)
			return nil, err
		}
		handles = append(handles, &pageHandle{start: v.pageStart(idx), buf: buf})
	}
	return handles, nil
}

func (v *Volume) releasePages(handles []*pageHandle) {
	for _, h := range handles {
		v.cache.Release(h.buf, h.dirty)
	}
}

// spanIn returns the part of ext that lies in the page held by h, relative to the page start
func (v *Volume) spanIn(h *pageHandle, ext types.Extent) (uint32, uint32) {
	hit := ext.Intersect(types.Extent{StartBlock: h.start, BlockCount: v.blocksPerPage()})
	return hit.StartBlock - h.start, hit.BlockCount
}

// reserved reports whether block lies in any reservation
func (v *Volume) reserved(block uint32) bool {
	for _, list := range [][]*Reservation{v.tentative, v.locked} {
		for _, r := range list {
			if r.extent().Contains(block) {
				return true
			}
		}
	}
	return false
}
