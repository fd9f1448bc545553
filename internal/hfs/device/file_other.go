//go:build !linux

package device

import "github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"

var _ Unmapper = (*FileDevice)(nil)

// Unmap is not available on this platform
func (d *FileDevice) Unmap(extents []types.ByteExtent) error {
	return types.NewHFSError(types.ErrUnmapUnsupported, "Unmap", d.file.Name(), "")
}
