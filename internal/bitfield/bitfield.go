// Package bitfield implements a fixed-length, MSB-first bit set used for
// piece-availability bitmaps and the handshake extension bits.
package bitfield

import "github.com/ab0626/raincore/internal/core"

// Bitfield is a fixed-length bit set, MSB-first within each byte, matching
// the wire format of a BitTorrent `bitfield` message.
type Bitfield struct {
	b     []byte
	limit uint32 // number of meaningful bits
	count uint32 // number of set bits, maintained incrementally
}

// New returns a zeroed Bitfield able to hold n bits.
func New(n uint32) *Bitfield {
	return &Bitfield{b: make([]byte, numBytes(n)), limit: n}
}

func numBytes(n uint32) uint32 {
	return (n + 7) / 8
}

// NewBytes wraps existing wire bytes as a Bitfield of n bits, validating
// that trailing pad bits are zero.
func NewBytes(b []byte, n uint32) (*Bitfield, error) {
	if uint32(len(b)) != numBytes(n) {
		return nil, core.Newf(core.ProtocolViolation, "bitfield length %d, want %d for %d pieces", len(b), numBytes(n), n)
	}
	bf := &Bitfield{b: make([]byte, len(b)), limit: n}
	copy(bf.b, b)
	if !bf.padOK() {
		return nil, core.Newf(core.ProtocolViolation, "bitfield has non-zero padding bits")
	}
	for i := uint32(0); i < n; i++ {
		if bf.test(i) {
			bf.count++
		}
	}
	return bf, nil
}

func (bf *Bitfield) padOK() bool {
	extra := bf.limit % 8
	if extra == 0 {
		return true
	}
	last := bf.b[len(bf.b)-1]
	mask := byte(0xFF) >> extra
	return last&mask == 0
}

// Len returns the number of meaningful bits.
func (bf *Bitfield) Len() uint32 { return bf.limit }

func (bf *Bitfield) test(i uint32) bool {
	return bf.b[i/8]&(0x80>>(i%8)) != 0
}

// Test reports whether bit i is set.
func (bf *Bitfield) Test(i uint32) bool {
	if i >= bf.limit {
		return false
	}
	return bf.test(i)
}

// Set sets bit i.
func (bf *Bitfield) Set(i uint32) {
	if i >= bf.limit || bf.test(i) {
		return
	}
	bf.b[i/8] |= 0x80 >> (i % 8)
	bf.count++
}

// Clear clears bit i.
func (bf *Bitfield) Clear(i uint32) {
	if i >= bf.limit || !bf.test(i) {
		return
	}
	bf.b[i/8] &^= 0x80 >> (i % 8)
	bf.count--
}

// Count returns the number of set bits.
func (bf *Bitfield) Count() uint32 { return bf.count }

// All reports whether every bit is set.
func (bf *Bitfield) All() bool { return bf.count == bf.limit }

// Bytes returns the underlying wire-format byte slice. Callers must not
// mutate the result.
func (bf *Bitfield) Bytes() []byte { return bf.b }

// Copy returns an independent copy of bf.
func (bf *Bitfield) Copy() *Bitfield {
	out := &Bitfield{b: make([]byte, len(bf.b)), limit: bf.limit, count: bf.count}
	copy(out.b, bf.b)
	return out
}
