package bitvec

import (
	"bytes"
	"testing"
)

func TestMask(t *testing.T) {
	tests := []struct {
		off, n   uint32
		expected uint32
	}{
		{0, 0, 0},
		{0, 1, 0x80000000},
		{31, 1, 0x00000001},
		{0, 32, 0xFFFFFFFF},
		{4, 8, 0x0FF00000},
		{16, 16, 0x0000FFFF},
	}
	for _, tt := range tests {
		if got := Mask(tt.off, tt.n); got != tt.expected {
			t.Errorf("Mask(%d, %d) = %#08x; want %#08x", tt.off, tt.n, got, tt.expected)
		}
	}
}

func TestBigEndianMSBFirstLayout(t *testing.T) {
	p := make(Page, 8)
	p.SetRange(0, 1)
	p.SetRange(7, 2)
	p.SetRange(39, 1)

	want := []byte{0x81, 0x80, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00}
	if !bytes.Equal(p, want) {
		t.Errorf("on-disk bytes = % x; want % x", []byte(p), want)
	}
	if p.Word(0) != 0x81800000 {
		t.Errorf("Word(0) = %#08x; want 0x81800000", p.Word(0))
	}
	for _, bit := range []uint32{0, 7, 8, 39} {
		if !p.Test(bit) {
			t.Errorf("Test(%d) = false; want true", bit)
		}
	}
	for _, bit := range []uint32{1, 6, 9, 38, 40, 63} {
		if p.Test(bit) {
			t.Errorf("Test(%d) = true; want false", bit)
		}
	}
}

func TestSetClearPartialWords(t *testing.T) {
	tests := []struct {
		name       string
		start, n   uint32
		totalWords int
	}{
		{"inside one word", 3, 5, 2},
		{"leading partial", 30, 4, 2},
		{"whole words", 32, 64, 4},
		{"leading and trailing", 5, 100, 4},
		{"single bit at end", 127, 1, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := make(Page, tt.totalWords*WordBytes)
			p.SetRange(tt.start, tt.n)
			if got := p.CountSet(0, p.Bits()); got != tt.n {
				t.Fatalf("CountSet after SetRange = %d; want %d", got, tt.n)
			}
			if !p.AllSet(tt.start, tt.n) {
				t.Errorf("AllSet(%d, %d) = false after SetRange", tt.start, tt.n)
			}
			if tt.start > 0 && p.Test(tt.start-1) {
				t.Errorf("bit before range %d was set", tt.start-1)
			}
			if end := tt.start + tt.n; end < p.Bits() && p.Test(end) {
				t.Errorf("bit after range %d was set", end)
			}

			p.ClearRange(tt.start, tt.n)
			if !p.AllClear(0, p.Bits()) {
				t.Errorf("page not clear after ClearRange: % x", []byte(p))
			}
		})
	}
}

func TestNextClearAndNextSet(t *testing.T) {
	p := make(Page, 16)
	p.SetRange(0, 70)
	p.SetRange(100, 3)

	tests := []struct {
		name        string
		clear       bool
		from, limit uint32
		bit         uint32
		ok          bool
	}{
		{"first clear after run", true, 0, 128, 70, true},
		{"clear limited", true, 0, 70, 0, false},
		{"clear from inside gap", true, 80, 128, 80, true},
		{"clear after second run", true, 100, 128, 103, true},
		{"next set in gap", false, 70, 128, 100, true},
		{"no set past runs", false, 103, 128, 0, false},
		{"empty window", false, 10, 10, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var bit uint32
			var ok bool
			if tt.clear {
				bit, ok = p.NextClear(tt.from, tt.limit)
			} else {
				bit, ok = p.NextSet(tt.from, tt.limit)
			}
			if ok != tt.ok || (ok && bit != tt.bit) {
				t.Errorf("got (%d, %v); want (%d, %v)", bit, ok, tt.bit, tt.ok)
			}
		})
	}
}

func TestCopyIsPrivate(t *testing.T) {
	p := make(Page, 4)
	c := p.Copy()
	c.SetRange(0, 32)
	if !p.AllClear(0, 32) {
		t.Error("mutating the copy changed the original page")
	}
}
