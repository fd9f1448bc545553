// Package rangelist keeps a sorted list of disjoint block ranges.
package rangelist

import "sort"

// Range is the half-open block interval [Start, End)
type Range struct {
	Start uint32
	End   uint32
}

// Len returns the number of blocks in the range
func (r Range) Len() uint32 {
	return r.End - r.Start
}

// List is a sorted set of non-overlapping, non-adjacent ranges. The zero value is empty.
// List is not safe for concurrent use.
type List struct {
	ranges []Range
}

// Add inserts [start, end), merging it with every range it overlaps or touches
func (l *List) Add(start, end uint32) {
	if end <= start {
		return
	}
	merged := Range{Start: start, End: end}
	out := make([]Range, 0, len(l.ranges)+1)
	inserted := false
	for _, r := range l.ranges {
		switch {
		case r.End < merged.Start:
			out = append(out, r)
		case r.Start > merged.End:
			if !inserted {
				out = append(out, merged)
				inserted = true
			}
			out = append(out, r)
		default:
			merged.Start = min(merged.Start, r.Start)
			merged.End = max(merged.End, r.End)
		}
	}
	if !inserted {
		out = append(out, merged)
	}
	l.ranges = out
}

// Remove deletes [start, end) from the list, splitting ranges that straddle it.
// It returns the number of blocks that were actually removed.
func (l *List) Remove(start, end uint32) uint32 {
	if end <= start {
		return 0
	}
	var removed uint32
	out := make([]Range, 0, len(l.ranges)+1)
	for _, r := range l.ranges {
		if r.End <= start || r.Start >= end {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			out = append(out, Range{Start: r.Start, End: start})
		}
		if r.End > end {
			out = append(out, Range{Start: end, End: r.End})
		}
		removed += min(r.End, end) - max(r.Start, start)
	}
	l.ranges = out
	return removed
}

// Overlap returns the first range that overlaps [start, end)
func (l *List) Overlap(start, end uint32) (Range, bool) {
	i := sort.Search(len(l.ranges), func(i int) bool { return l.ranges[i].End > start })
	if i < len(l.ranges) && l.ranges[i].Start < end {
		return l.ranges[i], true
	}
	return Range{}, false
}

// Covers reports whether every block of [start, end) is in the list
func (l *List) Covers(start, end uint32) bool {
	r, ok := l.Overlap(start, end)
	return ok && r.Start <= start && r.End >= end
}

// Ranges returns a copy of the ranges in ascending order
func (l *List) Ranges() []Range {
	out := make([]Range, len(l.ranges))
	copy(out, l.ranges)
	return out
}

// Len returns the number of ranges
func (l *List) Len() int {
	return len(l.ranges)
}

// Total returns the number of blocks covered by the list
func (l *List) Total() uint64 {
	var total uint64
	for _, r := range l.ranges {
		total += uint64(r.Len())
	}
	return total
}

// Reset empties the list
func (l *List) Reset() {
	l.ranges = nil
}
