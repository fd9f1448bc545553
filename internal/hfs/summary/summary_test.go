package summary

import "testing"

// 4096-byte pages track 32768 blocks each
const ioSize = 4096

func TestNewStartsMaybeFree(t *testing.T) {
	tbl := New(100000, ioSize, true)
	if tbl.Pages() != 4 {
		t.Fatalf("Pages() = %d; want 4", tbl.Pages())
	}
	for _, block := range []uint32{0, 32767, 32768, 99999} {
		if !tbl.MayHaveFree(block) {
			t.Errorf("MayHaveFree(%d) = false on a fresh table", block)
		}
	}
	if tbl.FullPages() != 0 {
		t.Errorf("FullPages() = %d; want 0", tbl.FullPages())
	}
}

func TestSetFullAndFindFree(t *testing.T) {
	tbl := New(4*32768, ioSize, true)
	tbl.SetFull(0)
	tbl.SetFull(32768 + 5)

	tests := []struct {
		name       string
		from       uint32
		allocLimit uint32
		block      uint32
		ok         bool
	}{
		{"skips two full pages", 10, 4 * 32768, 2 * 32768, true},
		{"inside a maybe-free page keeps from", 2*32768 + 7, 4 * 32768, 2*32768 + 7, true},
		{"capped by alloc limit", 0, 2 * 32768, 0, false},
		{"limit reaching one block into page 2", 0, 2*32768 + 1, 2 * 32768, true},
		{"from past limit", 100, 100, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block, ok := tbl.FindFree(tt.from, tt.allocLimit)
			if ok != tt.ok || (ok && block != tt.block) {
				t.Errorf("FindFree(%d, %d) = (%d, %v); want (%d, %v)", tt.from, tt.allocLimit, block, ok, tt.block, tt.ok)
			}
		})
	}

	if tbl.FullPages() != 2 {
		t.Errorf("FullPages() = %d; want 2", tbl.FullPages())
	}
	tbl.SetMaybeFreeRange(32767, 2)
	if !tbl.MayHaveFree(0) || !tbl.MayHaveFree(32768) {
		t.Error("SetMaybeFreeRange did not clear both pages")
	}
}

func TestDisabledTableIsConservative(t *testing.T) {
	tbl := New(4*32768, ioSize, false)
	tbl.SetFull(0)
	if !tbl.MayHaveFree(0) {
		t.Error("disabled table reported a page full")
	}
	if block, ok := tbl.FindFree(12, 100); !ok || block != 12 {
		t.Errorf("FindFree on disabled table = (%d, %v); want (12, true)", block, ok)
	}
}
