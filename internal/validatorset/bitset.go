package validatorset

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrBitsetSize is returned when a raw bitmap does not match the set size.
var ErrBitsetSize = errors.New("validatorset: bitset size mismatch")

// Bitset marks participating validators by snapshot position.
// Bit i lives in byte i/8 at bit i%8.
type Bitset struct {
	size int
	raw  []byte
}

// NewBitset returns an empty bitset for size validators.
func NewBitset(size int) Bitset {
	return Bitset{size: size, raw: make([]byte, (size+7)/8)}
}

// BitsetFromBytes parses a bitmap of size bits. Bits past size must be zero.
func BitsetFromBytes(size int, raw []byte) (Bitset, error) {
	if size < 0 || len(raw) != (size+7)/8 {
		return Bitset{}, fmt.Errorf("got %d bytes for %d validators:\n%w", len(raw), size, ErrBitsetSize)
	}

	if rem := size % 8; rem != 0 && raw[len(raw)-1]>>rem != 0 {
		return Bitset{}, fmt.Errorf("bits set past position %d:\n%w", size, ErrBitsetSize)
	}

	return Bitset{size: size, raw: append([]byte(nil), raw...)}, nil
}

// Size returns the number of positions.
func (b Bitset) Size() int {
	return b.size
}

// Set marks pos as participating. Out-of-range positions are ignored.
func (b Bitset) Set(pos int) {
	if pos >= 0 && pos < b.size {
		b.raw[pos/8] |= 1 << (pos % 8)
	}
}

// Has reports whether pos is set.
func (b Bitset) Has(pos int) bool {
	if pos < 0 || pos >= b.size {
		return false
	}

	return b.raw[pos/8]&(1<<(pos%8)) != 0
}

// Count returns the number of set positions.
func (b Bitset) Count() int {
	n := 0
	for _, x := range b.raw {
		n += bits.OnesCount8(x)
	}

	return n
}

// Positions returns the set positions in ascending order.
func (b Bitset) Positions() []int {
	out := make([]int, 0, b.Count())

	for byteIdx, x := range b.raw {
		for bit := 0; bit < 8; bit++ {
			if x&(1<<bit) != 0 {
				out = append(out, byteIdx*8+bit)
			}
		}
	}

	return out
}

// Bytes returns a copy of the raw bitmap.
func (b Bitset) Bytes() []byte {
	return append([]byte(nil), b.raw...)
}
