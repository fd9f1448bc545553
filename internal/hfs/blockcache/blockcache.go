// Package blockcache is the buffer cache between the allocator and the device.
//
// Callers obtain a Buffer for a byte range of a file with ReadRange and give it back with
// Release. A buffer is locked for as long as it is held, so two goroutines never mutate the same
// page at once. Released buffers stay cached until evicted; dirty buffers are written to the
// device by Flush.
package blockcache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/device"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

// DefaultMaxBuffers bounds the number of cached buffers
const DefaultMaxBuffers = 256

// File locates a contiguous file on the device
type File struct {
	Offset int64 // Device byte offset of the first byte
	Length int64 // Logical length in bytes
}

// Buffer is a cached byte range of a File
type Buffer struct {
	mu sync.Mutex

	// Data always has the requested size. Bytes past Valid lie beyond the end of the file
	// and read as zero.
	Data  []byte
	Valid int

	devOffset int64
	dirty     bool
	held      int
	elem      *list.Element
}

// Offset returns the device byte offset of the buffer
func (b *Buffer) Offset() int64 {
	return b.devOffset
}

// Dirty reports whether the buffer has unwritten changes
func (b *Buffer) Dirty() bool {
	return b.dirty
}

type key struct {
	offset int64
	size   int
}

// Stats counts cache activity
type Stats struct {
	Hits       uint64
	Misses     uint64
	Writes     uint64
	Evictions  uint64
	Buffers    int
	DirtyBytes int64
}

// Cache is the buffer cache
type Cache struct {
	dev        device.Device
	maxBuffers int

	mu    sync.Mutex
	bufs  map[key]*Buffer
	lru   *list.List
	stats Stats
}

// New creates a cache in front of dev
func New(dev device.Device, maxBuffers int) *Cache {
	if maxBuffers <= 0 {
		maxBuffers = DefaultMaxBuffers
	}
	return &Cache{
		dev:        dev,
		maxBuffers: maxBuffers,
		bufs:       make(map[key]*Buffer),
		lru:        list.New(),
	}
}

// Device returns the device behind the cache
func (c *Cache) Device() device.Device {
	return c.dev
}

// ReadRange returns the buffer for size bytes at offset within f, reading it from the device
// when it is not cached. The buffer is locked until Release.
func (c *Cache) ReadRange(f File, offset int64, size int) (*Buffer, error) {
	if offset < 0 || offset >= f.Length || size <= 0 {
		return nil, types.NewHFSError(types.ErrInvalidBlockAddr, "ReadRange",
			fmt.Sprintf("offset=%d size=%d", offset, size), fmt.Sprintf("file length %d", f.Length))
	}
	k := key{offset: f.Offset + offset, size: size}

	c.mu.Lock()
	buf, ok := c.bufs[k]
	if ok {
		c.stats.Hits++
		buf.held++
		c.lru.MoveToBack(buf.elem)
		c.mu.Unlock()
		buf.mu.Lock()
		return buf, nil
	}
	c.stats.Misses++

	// Overlapping buffers of another size must reach the device before it is read.
	if err := c.writeOverlapping(k); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	buf = &Buffer{
		Data:      make([]byte, size),
		Valid:     int(min(int64(size), f.Length-offset)),
		devOffset: k.offset,
		held:      1,
	}
	buf.mu.Lock()
	if _, err := c.dev.ReadAt(buf.Data[:buf.Valid], k.offset); err != nil {
		c.mu.Unlock()
		if types.IsIOError(err) {
			return nil, err
		}
		return nil, types.NewHFSError(types.ErrIOError, "ReadRange", fmt.Sprintf("offset=%d", k.offset), err.Error())
	}
	buf.elem = c.lru.PushBack(k)
	c.bufs[k] = buf
	c.evict()
	c.mu.Unlock()
	return buf, nil
}

// Release gives a buffer back. A dirty release schedules the buffer for write back and drops
// clean cached buffers that overlap it.
func (c *Cache) Release(buf *Buffer, dirty bool) {
	c.mu.Lock()
	if dirty {
		buf.dirty = true
		c.dropOverlapping(buf)
	}
	buf.held--
	c.mu.Unlock()
	buf.mu.Unlock()
}

// Invalidate releases buf and removes it from the cache. Dirty data is written first.
func (c *Cache) Invalidate(buf *Buffer) error {
	err := c.write(buf)
	c.mu.Lock()
	buf.held--
	k := key{offset: buf.devOffset, size: len(buf.Data)}
	if c.bufs[k] == buf && buf.held == 0 {
		c.lru.Remove(buf.elem)
		delete(c.bufs, k)
	}
	c.mu.Unlock()
	buf.mu.Unlock()
	return err
}

// Flush writes every dirty buffer to the device and syncs it
func (c *Cache) Flush() error {
	c.mu.Lock()
	var dirty []*Buffer
	for _, b := range c.bufs {
		if b.dirty {
			dirty = append(dirty, b)
		}
	}
	c.mu.Unlock()

	for _, b := range dirty {
		b.mu.Lock()
		err := c.write(b)
		b.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return c.dev.Sync()
}

// Purge drops every cached buffer that is not held, writing dirty ones first
func (c *Cache) Purge() error {
	if err := c.Flush(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, b := range c.bufs {
		if b.held == 0 {
			c.lru.Remove(b.elem)
			delete(c.bufs, k)
		}
	}
	return nil
}

// Stats returns a snapshot of the cache counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Buffers = len(c.bufs)
	for _, b := range c.bufs {
		if b.dirty {
			s.DirtyBytes += int64(b.Valid)
		}
	}
	return s
}

// write stores a buffer on the device. The caller holds b.mu.
func (c *Cache) write(b *Buffer) error {
	c.mu.Lock()
	dirty := b.dirty
	c.mu.Unlock()
	if !dirty {
		return nil
	}
	if _, err := c.dev.WriteAt(b.Data[:b.Valid], b.devOffset); err != nil {
		return err
	}
	c.mu.Lock()
	b.dirty = false
	c.stats.Writes++
	c.mu.Unlock()
	return nil
}

func overlaps(k key, b *Buffer) bool {
	return k.offset < b.devOffset+int64(len(b.Data)) && b.devOffset < k.offset+int64(k.size)
}

// writeOverlapping writes dirty buffers that overlap k. Called with c.mu held; buffers held by
// other goroutines are skipped since their owner writes them on release.
func (c *Cache) writeOverlapping(k key) error {
	for _, b := range c.bufs {
		if !b.dirty || b.held > 0 || !overlaps(k, b) {
			continue
		}
		if _, err := c.dev.WriteAt(b.Data[:b.Valid], b.devOffset); err != nil {
			return err
		}
		b.dirty = false
		c.stats.Writes++
	}
	return nil
}

// dropOverlapping forgets clean, unheld buffers that overlap buf. Called with c.mu held.
func (c *Cache) dropOverlapping(buf *Buffer) {
	k := key{offset: buf.devOffset, size: len(buf.Data)}
	for ok, b := range c.bufs {
		if b == buf || b.dirty || b.held > 0 || !overlaps(k, b) {
			continue
		}
		c.lru.Remove(b.elem)
		delete(c.bufs, ok)
	}
}

// evict drops least recently used clean buffers until the cache fits. Called with c.mu held.
func (c *Cache) evict() {
	for e := c.lru.Front(); e != nil && len(c.bufs) > c.maxBuffers; {
		next := e.Next()
		k := e.Value.(key)
		if b := c.bufs[k]; b.held == 0 && !b.dirty {
			c.lru.Remove(e)
			delete(c.bufs, k)
			c.stats.Evictions++
		}
		e = next
	}
}
