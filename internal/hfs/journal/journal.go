// Package journal is the write-ahead journal collaborator of the allocator.
//
// The allocator brackets every bitmap page mutation with BeginModify/EndModify and records the
// byte ranges it wants trimmed once the freeing transaction is durable. Flush commits the
// transaction: modified buffers are written through the block cache, the trim list is issued to
// the device when it can unmap, and the registered trim callback is handed the same list on a
// separate goroutine. Replay and on-disk log records are outside this package.
package journal

import (
	"fmt"
	"sort"
	"sync"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/blockcache"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/device"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
	"github.com/deploymenttheory/go-hfsalloc/internal/logger"
)

// TrimCallback receives the extents freed by a committed transaction
type TrimCallback func(extents []types.ByteExtent)

// Config configures a Journal
type Config struct {
	Unmap bool // Issue device unmap for trimmed extents at commit
}

// Stats counts journal activity
type Stats struct {
	Commits       uint64
	ModifiedPages uint64
	TrimmedBytes  uint64
	UnmapErrors   uint64
}

// Journal is the in-process journal
type Journal struct {
	cache *blockcache.Cache
	unmap bool

	// flushMu serialises commits
	flushMu sync.Mutex

	mu        sync.Mutex
	modifying map[*blockcache.Buffer]int
	txnPages  map[*blockcache.Buffer]struct{}
	trims     []types.ByteExtent
	callback  TrimCallback
	stats     Stats
}

// New creates a journal that commits through cache
func New(cache *blockcache.Cache, cfg Config) *Journal {
	return &Journal{
		cache:     cache,
		unmap:     cfg.Unmap && device.SupportsUnmap(cache.Device()),
		modifying: make(map[*blockcache.Buffer]int),
		txnPages:  make(map[*blockcache.Buffer]struct{}),
	}
}

// SetTrimCallback registers the post-commit callback
func (j *Journal) SetTrimCallback(fn TrimCallback) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.callback = fn
}

// BeginModify announces that buf is about to change
func (j *Journal) BeginModify(buf *blockcache.Buffer) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.modifying[buf]++
	return nil
}

// EndModify closes the bracket opened by BeginModify and adds buf to the transaction
func (j *Journal) EndModify(buf *blockcache.Buffer) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	n, ok := j.modifying[buf]
	if !ok {
		return types.NewHFSError(types.ErrNoActiveTransaction, "EndModify", fmt.Sprintf("offset=%d", buf.Offset()), "")
	}
	if n == 1 {
		delete(j.modifying, buf)
	} else {
		j.modifying[buf] = n - 1
	}
	if _, seen := j.txnPages[buf]; !seen {
		j.txnPages[buf] = struct{}{}
		j.stats.ModifiedPages++
	}
	return nil
}

// AddTrimExtent queues ext for trimming once the transaction commits
func (j *Journal) AddTrimExtent(ext types.ByteExtent) {
	if ext.Length == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.trims = addByteExtent(j.trims, ext)
}

// RemoveTrimExtent drops ext from the pending trim list. Space that was reallocated before the
// commit must not be discarded.
func (j *Journal) RemoveTrimExtent(ext types.ByteExtent) {
	if ext.Length == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.trims = removeByteExtent(j.trims, ext)
}

// PendingTrims returns a copy of the trim list of the open transaction
func (j *Journal) PendingTrims() []types.ByteExtent {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]types.ByteExtent, len(j.trims))
	copy(out, j.trims)
	return out
}

// RequestImmediateFlush commits the open transaction now
func (j *Journal) RequestImmediateFlush() error {
	return j.Flush()
}

// Flush commits the open transaction
func (j *Journal) Flush() error {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	if err := j.cache.Flush(); err != nil {
		return err
	}

	j.mu.Lock()
	trims := j.trims
	j.trims = nil
	j.txnPages = make(map[*blockcache.Buffer]struct{})
	callback := j.callback
	j.stats.Commits++
	for _, t := range trims {
		j.stats.TrimmedBytes += t.Length
	}
	j.mu.Unlock()

	if len(trims) == 0 {
		return nil
	}
	if j.unmap {
		if err := j.cache.Device().(device.Unmapper).Unmap(trims); err != nil {
			j.mu.Lock()
			j.stats.UnmapErrors++
			j.mu.Unlock()
			logger.LogWarn("journal unmap failed", map[string]interface{}{
				"extents": len(trims),
				"error":   err.Error(),
			})
		}
	}
	if callback != nil {
		done := make(chan struct{})
		go func() {
			defer close(done)
			callback(trims)
		}()
		<-done
	}
	return nil
}

// Stats returns a snapshot of the journal counters
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

func addByteExtent(list []types.ByteExtent, ext types.ByteExtent) []types.ByteExtent {
	start, end := ext.Offset, ext.Offset+ext.Length
	out := make([]types.ByteExtent, 0, len(list)+1)
	for _, e := range list {
		eEnd := e.Offset + e.Length
		if eEnd < start || e.Offset > end {
			out = append(out, e)
			continue
		}
		start = min(start, e.Offset)
		end = max(end, eEnd)
	}
	out = append(out, types.ByteExtent{Offset: start, Length: end - start})
	sort.Slice(out, func(a, b int) bool { return out[a].Offset < out[b].Offset })
	return out
}

func removeByteExtent(list []types.ByteExtent, ext types.ByteExtent) []types.ByteExtent {
	start, end := ext.Offset, ext.Offset+ext.Length
	out := make([]types.ByteExtent, 0, len(list)+1)
	for _, e := range list {
		eEnd := e.Offset + e.Length
		if eEnd <= start || e.Offset >= end {
			out = append(out, e)
			continue
		}
		if e.Offset < start {
			out = append(out, types.ByteExtent{Offset: e.Offset, Length: start - e.Offset})
		}
		if eEnd > end {
			out = append(out, types.ByteExtent{Offset: end, Length: eEnd - end})
		}
	}
	return out
}
