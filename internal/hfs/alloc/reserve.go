package alloc

import (
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

// maxTentativeReservations bounds the tentative reservations kept per mount
const maxTentativeReservations = 4

// ReservationClass distinguishes revocable from committed-to reservations
type ReservationClass int

const (
	// Tentative reservations may be shrunk or dropped when space runs short
	Tentative ReservationClass = iota
	// Locked reservations are kept until committed or released
	Locked
)

func (c ReservationClass) String() string {
	if c == Locked {
		return "locked"
	}
	return "tentative"
}

// Reservation holds blocks that are free in the bitmap but promised to a caller. The range is
// half-open; an empty range means every block has been consumed or stolen.
type Reservation struct {
	class    ReservationClass
	start    uint32
	end      uint32
	released bool
}

// Class returns the reservation class
func (r *Reservation) Class() ReservationClass {
	return r.class
}

func (r *Reservation) extent() types.Extent {
	return types.Extent{StartBlock: r.start, BlockCount: r.end - r.start}
}

func (r *Reservation) length() uint32 {
	return r.end - r.start
}

// ReservationExtent returns the blocks r still holds
func (v *Volume) ReservationExtent(r *Reservation) (types.Extent, error) {
	if r == nil {
		return types.Extent{}, types.NewHFSError(types.ErrInvalidArgument, "ReservationExtent", "", "nil reservation")
	}
	v.allocLock.RLock()
	defer v.allocLock.RUnlock()
	if r.released {
		return types.Extent{}, nil
	}
	return r.extent(), nil
}

// ReleaseReservation gives the unconsumed remainder of r back to the free pool
func (v *Volume) ReleaseReservation(r *Reservation) error {
	if r == nil {
		return types.NewHFSError(types.ErrInvalidArgument, "ReleaseReservation", "", "nil reservation")
	}
	v.allocLock.Lock()
	defer v.allocLock.Unlock()
	if !v.mounted {
		return types.NewHFSError(types.ErrNotMounted, "ReleaseReservation", "", "")
	}
	v.releaseLocked(r)
	return nil
}

func (v *Volume) list(class ReservationClass) *[]*Reservation {
	if class == Locked {
		return &v.locked
	}
	return &v.tentative
}

// reserve records ext as a new reservation of the given class. Creating a tentative
// reservation beyond the per-mount limit releases the oldest ones first.
func (v *Volume) reserve(ext types.Extent, class ReservationClass) *Reservation {
	if class == Tentative {
		for len(v.tentative) >= maxTentativeReservations {
			v.releaseLocked(v.tentative[0])
		}
	}
	r := &Reservation{class: class, start: ext.StartBlock, end: ext.End()}
	l := v.list(class)
	*l = append(*l, r)

	// Reserved blocks must never be handed out from the cache.
	v.free.Remove(ext)

	v.mountLock.Lock()
	v.addReserved(class, int64(ext.BlockCount))
	v.mountLock.Unlock()
	return r
}

// addReserved adjusts the class counter. Called with mountLock held.
func (v *Volume) addReserved(class ReservationClass, delta int64) {
	if class == Locked {
		v.lockedBlocks = uint32(int64(v.lockedBlocks) + delta)
	} else {
		v.tentativeBlocks = uint32(int64(v.tentativeBlocks) + delta)
	}
}

// detach removes r from its list without touching counters
func (v *Volume) detach(r *Reservation) bool {
	l := v.list(r.class)
	for i, x := range *l {
		if x == r {
			*l = append((*l)[:i], (*l)[i+1:]...)
			return true
		}
	}
	return false
}

// releaseLocked drops r and returns its remainder to the free pool. Called with allocLock held.
func (v *Volume) releaseLocked(r *Reservation) {
	if r.released {
		return
	}
	r.released = true
	if !v.detach(r) {
		return
	}
	ext := r.extent()
	r.start = r.end

	v.mountLock.Lock()
	v.addReserved(r.class, -int64(ext.BlockCount))
	v.mountLock.Unlock()

	if !ext.IsEmpty() {
		v.summary.SetMaybeFreeRange(ext.StartBlock, ext.BlockCount)
		v.free.Add(ext)
	}
}

// consumeTentative takes count blocks from the front of r
func (v *Volume) consumeTentative(r *Reservation, count uint32) types.Extent {
	ext := types.Extent{StartBlock: r.start, BlockCount: count}
	r.start += count
	v.mountLock.Lock()
	v.tentativeBlocks -= count
	v.mountLock.Unlock()
	if r.length() == 0 {
		r.released = true
		v.detach(r)
	}
	return ext
}

// stealTentative removes ext from every tentative reservation it overlaps and returns the
// number of blocks taken. A reservation cut in the middle keeps its head; the tail becomes a
// reservation of its own, and the oldest reservations are released if that exceeds the limit.
func (v *Volume) stealTentative(ext types.Extent) uint32 {
	var stolen uint32
	for _, r := range append([]*Reservation(nil), v.tentative...) {
		hit := r.extent().Intersect(ext)
		if hit.IsEmpty() {
			continue
		}
		stolen += hit.BlockCount
		head := hit.StartBlock > r.start
		tail := hit.End() < r.end
		switch {
		case head && tail:
			v.tentative = append(v.tentative, &Reservation{class: Tentative, start: hit.End(), end: r.end})
			r.end = hit.StartBlock
		case head:
			r.end = hit.StartBlock
		case tail:
			r.start = hit.End()
		default:
			r.start = r.end
			r.released = true
			v.detach(r)
		}
	}
	if stolen > 0 {
		v.mountLock.Lock()
		v.tentativeBlocks -= stolen
		v.mountLock.Unlock()
		v.log.Debugw("stole tentative space", "extent", ext.String(), "blocks", stolen)
	}
	// A split can push the count past the limit
	for len(v.tentative) > maxTentativeReservations {
		v.releaseLocked(v.tentative[0])
	}
	return stolen
}
