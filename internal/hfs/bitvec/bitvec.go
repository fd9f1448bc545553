// Package bitvec holds the bit-level primitives for the on-disk allocation bitmap.
//
// The bitmap is an array of big-endian 32-bit words. Bit 0 is the most significant bit of
// word 0 and maps to the first block the page covers. All bit arithmetic used by the
// allocator lives here so the rest of the engine deals in block numbers only.
package bitvec

import (
	"encoding/binary"
	"math/bits"
)

const (
	// WordBits is the number of bits per bitmap word
	WordBits = 32

	// WordBytes is the on-disk size of a bitmap word
	WordBytes = 4

	allOnes uint32 = 0xFFFFFFFF
)

// Page is a view over raw bitmap bytes. Its length must be a multiple of WordBytes.
type Page []byte

// Words returns the number of 32-bit words in the page
func (p Page) Words() int {
	return len(p) / WordBytes
}

// Bits returns the number of bits in the page
func (p Page) Bits() uint32 {
	return uint32(len(p)/WordBytes) * WordBits
}

// Word returns word i in host order
func (p Page) Word(i int) uint32 {
	return binary.BigEndian.Uint32(p[i*WordBytes:])
}

// SetWord stores w as word i in on-disk (big-endian) order
func (p Page) SetWord(i int, w uint32) {
	binary.BigEndian.PutUint32(p[i*WordBytes:], w)
}

// Copy returns a private copy of the page
func (p Page) Copy() Page {
	c := make(Page, len(p))
	copy(c, p)
	return c
}

// Mask returns the word mask covering n bits starting at bit offset off within a word.
// off+n must not exceed WordBits.
func Mask(off, n uint32) uint32 {
	if n == 0 {
		return 0
	}
	return (allOnes >> off) &^ (allOnes >> (off + n))
}

// spans calls fn once per word touched by [start, start+n) with the word index and the mask
// of the bits inside the range. fn returns false to stop early.
func (p Page) spans(start, n uint32, fn func(word int, mask uint32) bool) {
	bit := start
	end := start + n
	for bit < end {
		off := bit % WordBits
		span := min(WordBits-off, end-bit)
		if !fn(int(bit/WordBits), Mask(off, span)) {
			return
		}
		bit += span
	}
}

// Test reports whether bit is set
func (p Page) Test(bit uint32) bool {
	return p.Word(int(bit/WordBits))&(1<<(WordBits-1-bit%WordBits)) != 0
}

// SetRange sets n bits starting at start
func (p Page) SetRange(start, n uint32) {
	p.spans(start, n, func(i int, m uint32) bool {
		p.SetWord(i, p.Word(i)|m)
		return true
	})
}

// ClearRange clears n bits starting at start
func (p Page) ClearRange(start, n uint32) {
	p.spans(start, n, func(i int, m uint32) bool {
		p.SetWord(i, p.Word(i)&^m)
		return true
	})
}

// AllSet reports whether every bit of [start, start+n) is set
func (p Page) AllSet(start, n uint32) bool {
	ok := true
	p.spans(start, n, func(i int, m uint32) bool {
		ok = p.Word(i)&m == m
		return ok
	})
	return ok
}

// AllClear reports whether every bit of [start, start+n) is clear
func (p Page) AllClear(start, n uint32) bool {
	ok := true
	p.spans(start, n, func(i int, m uint32) bool {
		ok = p.Word(i)&m == 0
		return ok
	})
	return ok
}

// CountSet returns the number of set bits in [start, start+n)
func (p Page) CountSet(start, n uint32) uint32 {
	var count uint32
	p.spans(start, n, func(i int, m uint32) bool {
		count += uint32(bits.OnesCount32(p.Word(i) & m))
		return true
	})
	return count
}

// NextClear returns the first clear bit in [from, limit)
func (p Page) NextClear(from, limit uint32) (uint32, bool) {
	return p.next(from, limit, true)
}

// NextSet returns the first set bit in [from, limit)
func (p Page) NextSet(from, limit uint32) (uint32, bool) {
	return p.next(from, limit, false)
}

func (p Page) next(from, limit uint32, clear bool) (uint32, bool) {
	if from >= limit {
		return 0, false
	}
	found := uint32(0)
	ok := false
	p.spans(from, limit-from, func(i int, m uint32) bool {
		w := p.Word(i)
		if clear {
			w = ^w
		}
		// Whole-word fast path: nothing of interest in this word.
		if w&m == 0 {
			return true
		}
		found = uint32(i)*WordBits + uint32(bits.LeadingZeros32(w&m))
		ok = true
		return false
	})
	return found, ok
}
