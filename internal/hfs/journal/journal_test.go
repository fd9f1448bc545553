package journal

import (
	"reflect"
	"sync"
	"testing"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/blockcache"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/device"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

func be(off, n uint64) types.ByteExtent {
	return types.ByteExtent{Offset: off, Length: n}
}

func newTestJournal(t *testing.T, unmap bool) (*Journal, *blockcache.Cache, *device.MemoryDevice) {
	t.Helper()
	dev := device.NewMemoryDevice(1 << 20)
	cache := blockcache.New(dev, 0)
	return New(cache, Config{Unmap: unmap}), cache, dev
}

func TestTrimListMergesAndSplits(t *testing.T) {
	j, _, _ := newTestJournal(t, false)
	j.AddTrimExtent(be(8192, 4096))
	j.AddTrimExtent(be(0, 4096))
	j.AddTrimExtent(be(4096, 4096))
	if got, want := j.PendingTrims(), []types.ByteExtent{be(0, 12288)}; !reflect.DeepEqual(got, want) {
		t.Fatalf("PendingTrims() = %v; want %v", got, want)
	}

	j.RemoveTrimExtent(be(4096, 1024))
	want := []types.ByteExtent{be(0, 4096), be(5120, 7168)}
	if got := j.PendingTrims(); !reflect.DeepEqual(got, want) {
		t.Errorf("PendingTrims() after remove = %v; want %v", got, want)
	}
}

func TestFlushWritesBuffersUnmapsAndCallsBack(t *testing.T) {
	j, cache, dev := newTestJournal(t, true)

	var mu sync.Mutex
	var delivered []types.ByteExtent
	j.SetTrimCallback(func(extents []types.ByteExtent) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, extents...)
	})

	f := blockcache.File{Offset: 0, Length: 1 << 20}
	buf, err := cache.ReadRange(f, 0, 4096)
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if err := j.BeginModify(buf); err != nil {
		t.Fatalf("BeginModify failed: %v", err)
	}
	buf.Data[0] = 0xC0
	if err := j.EndModify(buf); err != nil {
		t.Fatalf("EndModify failed: %v", err)
	}
	cache.Release(buf, true)
	j.AddTrimExtent(be(65536, 8192))

	if err := j.RequestImmediateFlush(); err != nil {
		t.Fatalf("RequestImmediateFlush failed: %v", err)
	}
	if dev.Bytes()[0] != 0xC0 {
		t.Error("commit did not write the modified page")
	}
	if got := dev.Unmaps(); !reflect.DeepEqual(got, []types.ByteExtent{be(65536, 8192)}) {
		t.Errorf("device Unmaps() = %v; want [(65536+8192)]", got)
	}
	mu.Lock()
	if !reflect.DeepEqual(delivered, []types.ByteExtent{be(65536, 8192)}) {
		t.Errorf("callback received %v", delivered)
	}
	mu.Unlock()

	s := j.Stats()
	if s.Commits != 1 || s.ModifiedPages != 1 || s.TrimmedBytes != 8192 {
		t.Errorf("Stats() = %+v", s)
	}
	if len(j.PendingTrims()) != 0 {
		t.Error("trim list not emptied by the commit")
	}
}

func TestEndModifyWithoutBegin(t *testing.T) {
	j, cache, _ := newTestJournal(t, false)
	buf, err := cache.ReadRange(blockcache.File{Length: 4096}, 0, 4096)
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	defer cache.Release(buf, false)
	if err := j.EndModify(buf); !types.IsNoActiveTransaction(err) {
		t.Errorf("EndModify without BeginModify returned %v; want ErrNoActiveTransaction", err)
	}
}
