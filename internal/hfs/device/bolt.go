package device

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

const (
	// DefaultBoltPageSize is the size of one stored page
	DefaultBoltPageSize = 4096

	boltPagesBucket = "pages"
	boltMetaBucket  = "meta"
	boltSizeKey     = "size"
	boltPageSizeKey = "page_size"
)

// BoltDevice stores the volume as pages in a bbolt database. Pages that were never written or
// were unmapped are absent and read back as zeros, so the store stays as sparse as the volume.
type BoltDevice struct {
	db       *bbolt.DB
	size     int64
	pageSize int64
}

var (
	_ Device   = (*BoltDevice)(nil)
	_ Unmapper = (*BoltDevice)(nil)
)

// OpenBolt opens or creates a bolt-backed device. size is only used when the database is new;
// an existing database keeps its recorded geometry.
func OpenBolt(path string, size int64, readOnly bool) (*BoltDevice, error) {
	opts := bbolt.Options{
		Timeout:      time.Second,
		ReadOnly:     readOnly,
		FreelistType: bbolt.FreelistMapType,
	}
	db, err := bbolt.Open(path, 0644, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt device %s: %w", path, err)
	}

	d := &BoltDevice{db: db, size: size, pageSize: DefaultBoltPageSize}
	load := func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(boltMetaBucket))
		if meta == nil {
			return nil
		}
		if v := meta.Get([]byte(boltSizeKey)); v != nil {
			d.size = int64(binary.BigEndian.Uint64(v))
		}
		if v := meta.Get([]byte(boltPageSizeKey)); v != nil {
			d.pageSize = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	}
	if readOnly {
		err = db.View(load)
	} else {
		err = db.Update(func(tx *bbolt.Tx) error {
			if err := load(tx); err != nil {
				return err
			}
			if _, err := tx.CreateBucketIfNotExists([]byte(boltPagesBucket)); err != nil {
				return err
			}
			meta, err := tx.CreateBucketIfNotExists([]byte(boltMetaBucket))
			if err != nil {
				return err
			}
			if err := meta.Put([]byte(boltSizeKey), u64(uint64(d.size))); err != nil {
				return err
			}
			return meta.Put([]byte(boltPageSizeKey), u64(uint64(d.pageSize)))
		})
	}
	if err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// pages calls fn for each page touched by [off, off+n) with the page key, the offset inside
// the page and the slice of the caller's range that maps onto the page
func (d *BoltDevice) pages(off int64, n int, fn func(key []byte, inPage int64, lo, hi int) error) error {
	pos := 0
	for pos < n {
		abs := off + int64(pos)
		page := abs / d.pageSize
		inPage := abs % d.pageSize
		span := int(min(d.pageSize-inPage, int64(n-pos)))
		if err := fn(u64(uint64(page)), inPage, pos, pos+span); err != nil {
			return err
		}
		pos += span
	}
	return nil
}

// ReadAt implements Device
func (d *BoltDevice) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange("ReadAt", off, len(p), d.size); err != nil {
		return 0, err
	}
	err := d.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(boltPagesBucket))
		return d.pages(off, len(p), func(key []byte, inPage int64, lo, hi int) error {
			var v []byte
			if b != nil {
				v = b.Get(key)
			}
			if v == nil {
				clear(p[lo:hi])
				return nil
			}
			copy(p[lo:hi], v[inPage:])
			return nil
		})
	})
	if err != nil {
		return 0, types.NewHFSError(types.ErrIOError, "ReadAt", fmt.Sprintf("offset=%d", off), err.Error())
	}
	return len(p), nil
}

// WriteAt implements Device
func (d *BoltDevice) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange("WriteAt", off, len(p), d.size); err != nil {
		return 0, err
	}
	err := d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(boltPagesBucket))
		return d.pages(off, len(p), func(key []byte, inPage int64, lo, hi int) error {
			page := make([]byte, d.pageSize)
			if v := b.Get(key); v != nil {
				copy(page, v)
			}
			copy(page[inPage:], p[lo:hi])
			return b.Put(key, page)
		})
	})
	if err == bbolt.ErrDatabaseReadOnly {
		return 0, types.NewHFSError(types.ErrReadOnly, "WriteAt", d.db.Path(), "")
	}
	if err != nil {
		return 0, types.NewHFSError(types.ErrIOError, "WriteAt", fmt.Sprintf("offset=%d", off), err.Error())
	}
	return len(p), nil
}

// Unmap deletes every page wholly inside the ranges and zeroes the partial edges
func (d *BoltDevice) Unmap(extents []types.ByteExtent) error {
	err := d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(boltPagesBucket))
		for _, e := range extents {
			if err := checkRange("Unmap", int64(e.Offset), int(e.Length), d.size); err != nil {
				return err
			}
			err := d.pages(int64(e.Offset), int(e.Length), func(key []byte, inPage int64, lo, hi int) error {
				if inPage == 0 && int64(hi-lo) == d.pageSize {
					return b.Delete(key)
				}
				v := b.Get(key)
				if v == nil {
					return nil
				}
				page := make([]byte, len(v))
				copy(page, v)
				clear(page[inPage : inPage+int64(hi-lo)])
				return b.Put(key, page)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if types.IsIOError(err) {
		return err
	}
	return types.NewHFSError(types.ErrIOError, "Unmap", d.db.Path(), err.Error())
}

// StoredPages returns how many pages currently hold data
func (d *BoltDevice) StoredPages() int {
	var n int
	_ = d.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket([]byte(boltPagesBucket)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n
}

// Size implements Device
func (d *BoltDevice) Size() int64 {
	return d.size
}

// Sync implements Device
func (d *BoltDevice) Sync() error {
	return d.db.Sync()
}

// Close implements Device
func (d *BoltDevice) Close() error {
	return d.db.Close()
}
