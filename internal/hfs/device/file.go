package device

import (
	"fmt"
	"os"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

// FileDevice stores the volume in a regular file or opens a block device node
type FileDevice struct {
	file     *os.File
	size     int64
	readOnly bool
}

var _ Device = (*FileDevice)(nil)

// CreateFile creates (or truncates) path as a sparse file of size bytes
func CreateFile(path string, size int64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to size %s: %w", path, err)
	}
	return &FileDevice{file: f, size: size}, nil
}

// OpenFile opens an existing image
func OpenFile(path string, readOnly bool) (*FileDevice, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{file: f, size: fi.Size(), readOnly: readOnly}, nil
}

// ReadAt implements Device
func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange("ReadAt", off, len(p), d.size); err != nil {
		return 0, err
	}
	n, err := d.file.ReadAt(p, off)
	if err != nil {
		return n, types.NewHFSError(types.ErrIOError, "ReadAt", fmt.Sprintf("offset=%d", off), err.Error())
	}
	return n, nil
}

// WriteAt implements Device
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if d.readOnly {
		return 0, types.NewHFSError(types.ErrReadOnly, "WriteAt", d.file.Name(), "")
	}
	if err := checkRange("WriteAt", off, len(p), d.size); err != nil {
		return 0, err
	}
	n, err := d.file.WriteAt(p, off)
	if err != nil {
		return n, types.NewHFSError(types.ErrIOError, "WriteAt", fmt.Sprintf("offset=%d", off), err.Error())
	}
	return n, nil
}

// Size implements Device
func (d *FileDevice) Size() int64 {
	return d.size
}

// Sync implements Device
func (d *FileDevice) Sync() error {
	return d.file.Sync()
}

// Close implements Device
func (d *FileDevice) Close() error {
	return d.file.Close()
}
