//go:build linux

package device

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

var _ Unmapper = (*FileDevice)(nil)

// Unmap punches holes over the ranges so the file system underneath can reclaim the space
func (d *FileDevice) Unmap(extents []types.ByteExtent) error {
	if d.readOnly {
		return types.NewHFSError(types.ErrReadOnly, "Unmap", d.file.Name(), "")
	}
	for _, e := range extents {
		if err := checkRange("Unmap", int64(e.Offset), int(e.Length), d.size); err != nil {
			return err
		}
		err := unix.Fallocate(int(d.file.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
			int64(e.Offset), int64(e.Length))
		if err == unix.EOPNOTSUPP {
			return types.NewHFSError(types.ErrUnmapUnsupported, "Unmap", d.file.Name(), "")
		}
		if err != nil {
			return types.NewHFSError(types.ErrIOError, "Unmap", e.String(), fmt.Sprintf("fallocate: %v", err))
		}
	}
	return nil
}
