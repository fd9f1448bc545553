// Package device provides the block devices a volume can live on.
//
// A Device is a fixed-size byte-addressable store. Devices that can discard ranges (TRIM or
// UNMAP on real hardware, hole punching on files) also implement Unmapper.
package device

import (
	"fmt"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

// Device is the storage a volume is read from and written to
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
	Sync() error
	Close() error
}

// Unmapper is implemented by devices that can discard byte ranges
type Unmapper interface {
	Unmap(extents []types.ByteExtent) error
}

// SupportsUnmap reports whether dev can discard ranges
func SupportsUnmap(dev Device) bool {
	_, ok := dev.(Unmapper)
	return ok
}

func checkRange(op string, off int64, n int, size int64) error {
	if off < 0 || off+int64(n) > size {
		return types.NewHFSError(types.ErrInvalidBlockAddr, op,
			fmt.Sprintf("offset=%d length=%d", off, n), fmt.Sprintf("device size %d", size))
	}
	return nil
}
