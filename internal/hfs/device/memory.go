package device

import (
	"fmt"
	"sync"

	"github.com/boljen/go-bitmap"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

// DefaultDiscardUnit is the granularity at which MemoryDevice tracks discarded ranges
const DefaultDiscardUnit = 512

// MemoryDevice keeps the whole volume in memory. It records unmapped ranges and can be told
// to fail I/O to a byte range, which is how tests reach error paths.
type MemoryDevice struct {
	mu          sync.RWMutex
	data        []byte
	discardUnit int64
	discarded   bitmap.Bitmap
	unmaps      []types.ByteExtent
	faults      []types.ByteExtent
	readOnly    bool
}

var (
	_ Device   = (*MemoryDevice)(nil)
	_ Unmapper = (*MemoryDevice)(nil)
)

// NewMemoryDevice creates a zero-filled device of size bytes
func NewMemoryDevice(size int64) *MemoryDevice {
	return NewMemoryDeviceFrom(make([]byte, size))
}

// NewMemoryDeviceFrom creates a device over data. The device takes ownership of the slice.
func NewMemoryDeviceFrom(data []byte) *MemoryDevice {
	units := (int64(len(data)) + DefaultDiscardUnit - 1) / DefaultDiscardUnit
	return &MemoryDevice{
		data:        data,
		discardUnit: DefaultDiscardUnit,
		discarded:   bitmap.New(int(units)),
	}
}

// SetReadOnly makes every later write fail
func (m *MemoryDevice) SetReadOnly(readOnly bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = readOnly
}

// InjectFault makes reads and writes that touch [off, off+length) fail with an I/O error
func (m *MemoryDevice) InjectFault(off, length int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, types.ByteExtent{Offset: uint64(off), Length: uint64(length)})
}

// ClearFaults removes every injected fault
func (m *MemoryDevice) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = nil
}

func (m *MemoryDevice) faulted(op string, off int64, n int) error {
	for _, f := range m.faults {
		if uint64(off) < f.Offset+f.Length && f.Offset < uint64(off)+uint64(n) {
			return types.NewHFSError(types.ErrIOError, op, fmt.Sprintf("offset=%d", off), "injected fault")
		}
	}
	return nil
}

// ReadAt implements Device
func (m *MemoryDevice) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := checkRange("ReadAt", off, len(p), int64(len(m.data))); err != nil {
		return 0, err
	}
	if err := m.faulted("ReadAt", off, len(p)); err != nil {
		return 0, err
	}
	return copy(p, m.data[off:]), nil
}

// WriteAt implements Device
func (m *MemoryDevice) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readOnly {
		return 0, types.NewHFSError(types.ErrReadOnly, "WriteAt", fmt.Sprintf("offset=%d", off), "")
	}
	if err := checkRange("WriteAt", off, len(p), int64(len(m.data))); err != nil {
		return 0, err
	}
	if err := m.faulted("WriteAt", off, len(p)); err != nil {
		return 0, err
	}
	n := copy(m.data[off:], p)
	for u := off / m.discardUnit; u <= (off+int64(n)-1)/m.discardUnit && n > 0; u++ {
		m.discarded.Set(int(u), false)
	}
	return n, nil
}

// Unmap zeroes the ranges and records them as discarded
func (m *MemoryDevice) Unmap(extents []types.ByteExtent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range extents {
		off, n := int64(e.Offset), int(e.Length)
		if err := checkRange("Unmap", off, n, int64(len(m.data))); err != nil {
			return err
		}
		clear(m.data[off : off+int64(n)])

		// Only units wholly inside the range count as discarded.
		first := (off + m.discardUnit - 1) / m.discardUnit
		last := (off + int64(n)) / m.discardUnit
		for u := first; u < last; u++ {
			m.discarded.Set(int(u), true)
		}
		m.unmaps = append(m.unmaps, e)
	}
	return nil
}

// Discarded reports whether the discard unit containing off was unmapped and not written since
func (m *MemoryDevice) Discarded(off int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.discarded.Get(int(off / m.discardUnit))
}

// Unmaps returns every extent passed to Unmap, in call order
func (m *MemoryDevice) Unmaps() []types.ByteExtent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ByteExtent, len(m.unmaps))
	copy(out, m.unmaps)
	return out
}

// Bytes returns a copy of the device contents
func (m *MemoryDevice) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// Size implements Device
func (m *MemoryDevice) Size() int64 {
	return int64(len(m.data))
}

// Sync implements Device
func (m *MemoryDevice) Sync() error {
	return nil
}

// Close implements Device
func (m *MemoryDevice) Close() error {
	return nil
}
