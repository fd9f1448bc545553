package device

import (
	"fmt"
	"strings"

	compression "github.com/deploymenttheory/go-hfsalloc/internal/common/compressionutil"
)

// OpenImage opens a volume image. Plain images are opened in place; compressed images (.gz,
// .bz2, .xz) are inflated into memory and cannot be written back. Paths ending in .db are
// opened as bolt devices.
func OpenImage(path string, readOnly bool) (Device, error) {
	if strings.HasSuffix(path, ".db") {
		return OpenBolt(path, 0, readOnly)
	}
	if compression.KindFromPath(path) == compression.None {
		return OpenFile(path, readOnly)
	}

	data, kind, err := compression.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load image %s: %w", path, err)
	}
	if kind == compression.None {
		return OpenFile(path, readOnly)
	}
	mem := NewMemoryDeviceFrom(data)
	mem.SetReadOnly(readOnly)
	return mem, nil
}
