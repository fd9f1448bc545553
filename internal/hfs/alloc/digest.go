package alloc

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

// BitmapDigest returns the BLAKE2b-256 hash of the bitmap bytes that map volume blocks, hex
// encoded. Two volumes with equal digests have identical allocation state.
func (v *Volume) BitmapDigest() (string, error) {
	v.allocLock.RLock()
	defer v.allocLock.RUnlock()
	if !v.mounted {
		return "", types.NewHFSError(types.ErrNotMounted, "BitmapDigest", "", "")
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	remaining := (int64(v.opts.TotalBlocks) + 7) / 8
	ioSize := int(v.opts.BitmapIOSize)
	for off := int64(0); remaining > 0; off += int64(ioSize) {
		buf, err := v.cache.ReadRange(v.bitmap, off, ioSize)
		if err != nil {
			return "", err
		}
		n := min(remaining, int64(len(buf.Data)))
		h.Write(buf.Data[:n])
		v.cache.Release(buf, false)
		remaining -= n
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
