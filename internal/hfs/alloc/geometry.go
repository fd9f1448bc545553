package alloc

import (
	"fmt"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/blockcache"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/device"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

// Geometry places the allocation bitmap and the allocation blocks on a device. The bitmap
// comes first, padded to whole bitmap pages, and block 0 starts at the next block boundary.
type Geometry struct {
	BlockSize    uint32 `plist:"BlockSize" json:"block_size"`
	TotalBlocks  uint32 `plist:"TotalBlocks" json:"total_blocks"`
	BitmapIOSize uint32 `plist:"BitmapIOSize" json:"bitmap_io_size"`
	BitmapOffset int64  `plist:"BitmapOffset" json:"bitmap_offset"`
	BitmapLength int64  `plist:"BitmapLength" json:"bitmap_length"`
	VolumeOffset int64  `plist:"VolumeOffset" json:"volume_offset"`
}

func roundUp(n, unit int64) int64 {
	return (n + unit - 1) / unit * unit
}

// NewGeometry lays out a volume of totalBlocks blocks of blockSize bytes
func NewGeometry(blockSize, totalBlocks, ioSize uint32) Geometry {
	if ioSize == 0 {
		ioSize = DefaultBitmapIOSize
	}
	bitmapLength := roundUp((int64(totalBlocks)+7)/8, int64(ioSize))
	return Geometry{
		BlockSize:    blockSize,
		TotalBlocks:  totalBlocks,
		BitmapIOSize: ioSize,
		BitmapLength: bitmapLength,
		VolumeOffset: roundUp(bitmapLength, int64(blockSize)),
	}
}

// DeviceSize returns the number of bytes the volume occupies
func (g Geometry) DeviceSize() int64 {
	return g.VolumeOffset + int64(g.TotalBlocks)*int64(g.BlockSize)
}

// BitmapFile locates the bitmap for the block cache
func (g Geometry) BitmapFile() blockcache.File {
	return blockcache.File{Offset: g.BitmapOffset, Length: g.BitmapLength}
}

// Validate checks that the layout is usable on a device of devSize bytes
func (g Geometry) Validate(devSize int64) error {
	if g.BlockSize == 0 || g.TotalBlocks == 0 || g.BitmapIOSize == 0 {
		return types.NewHFSError(types.ErrInvalidArgument, "Geometry", "", "block size, block count and bitmap I/O size are required")
	}
	if g.BitmapLength*8 < int64(g.TotalBlocks) {
		return types.NewHFSError(types.ErrInvalidArgument, "Geometry", "bitmap", "bitmap too short for the block count")
	}
	if g.DeviceSize() > devSize {
		return types.NewHFSError(types.ErrInvalidArgument, "Geometry", fmt.Sprintf("device size %d", devSize),
			fmt.Sprintf("layout needs %d bytes", g.DeviceSize()))
	}
	return nil
}

// MountOptions returns mount options carrying the geometry
func (g Geometry) MountOptions() MountOptions {
	return MountOptions{
		BlockSize:    g.BlockSize,
		TotalBlocks:  g.TotalBlocks,
		BitmapIOSize: g.BitmapIOSize,
		VolumeOffset: g.VolumeOffset,
		SummaryTable: true,
	}
}

// FormatBitmap writes an empty bitmap: every block free
func FormatBitmap(dev device.Device, g Geometry) error {
	if err := g.Validate(dev.Size()); err != nil {
		return err
	}
	zero := make([]byte, g.BitmapIOSize)
	for off := int64(0); off < g.BitmapLength; off += int64(g.BitmapIOSize) {
		if _, err := dev.WriteAt(zero, g.BitmapOffset+off); err != nil {
			return err
		}
	}
	return dev.Sync()
}
