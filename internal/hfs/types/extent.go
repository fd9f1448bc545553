// Package types holds the value types shared by the allocation engine and its collaborators.
package types

import "fmt"

// Extent describes a contiguous run of allocation blocks (HFSPlusExtentDescriptor)
type Extent struct {
	StartBlock uint32 `json:"start_block" plist:"StartBlock"` // First allocation block
	BlockCount uint32 `json:"block_count" plist:"BlockCount"` // Number of allocation blocks
}

// End returns the first block past the extent
func (e Extent) End() uint32 {
	return e.StartBlock + e.BlockCount
}

// IsEmpty reports whether the extent covers no blocks
func (e Extent) IsEmpty() bool {
	return e.BlockCount == 0
}

// Contains reports whether block lies inside the extent
func (e Extent) Contains(block uint32) bool {
	return block >= e.StartBlock && block < e.End()
}

// Overlaps reports whether the two extents share at least one block
func (e Extent) Overlaps(o Extent) bool {
	return e.StartBlock < o.End() && o.StartBlock < e.End()
}

// Adjoins reports whether the extents overlap or touch end to start
func (e Extent) Adjoins(o Extent) bool {
	return e.StartBlock <= o.End() && o.StartBlock <= e.End()
}

// Intersect returns the blocks common to both extents
func (e Extent) Intersect(o Extent) Extent {
	start := max(e.StartBlock, o.StartBlock)
	end := min(e.End(), o.End())
	if end <= start {
		return Extent{}
	}
	return Extent{StartBlock: start, BlockCount: end - start}
}

func (e Extent) String() string {
	return fmt.Sprintf("(%d,%d)", e.StartBlock, e.BlockCount)
}

// ByteExtent is a device byte range, as handed to TRIM and the journal callback
type ByteExtent struct {
	Offset uint64 // Byte offset on the device
	Length uint64 // Length in bytes
}

func (b ByteExtent) String() string {
	return fmt.Sprintf("[%d+%d]", b.Offset, b.Length)
}
