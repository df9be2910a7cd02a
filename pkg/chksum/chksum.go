// Package chksum implements the 16-bit ones-complement checksum used by
// IPv4, ICMPv4, TCP and UDP (RFC 1071), as an incremental accumulator so
// that pseudo-header sums can be computed once and resumed per packet.
package chksum

import (
	"encoding/binary"

	"github.com/malbeclabs/tapstack/pkg/buf"
)

// Accumulator folds bytes and words into a running ones-complement sum.
// The zero value is ready to use.
type Accumulator struct {
	sum uint32
	odd bool
}

// AddWord16 adds one 16-bit word.
func (a *Accumulator) AddWord16(w uint16) {
	a.sum += uint32(w)
}

// AddWord32 adds a 32-bit value as two 16-bit words.
func (a *Accumulator) AddWord32(w uint32) {
	a.sum += w >> 16
	a.sum += w & 0xffff
}

// AddBytes adds a byte sequence. Sequences may be split at any boundary
// across calls; a dangling odd byte is carried until the next call.
func (a *Accumulator) AddBytes(b []byte) {
	i := 0
	if a.odd && len(b) > 0 {
		a.sum += uint32(b[0])
		i = 1
		a.odd = false
	}
	for ; i+1 < len(b); i += 2 {
		a.sum += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	if i < len(b) {
		a.sum += uint32(b[i]) << 8
		a.odd = true
	}
}

// AddEvenBytes adds a byte sequence whose length must be even.
func (a *Accumulator) AddEvenBytes(b []byte) {
	if len(b)%2 != 0 {
		panic("chksum: AddEvenBytes with odd length")
	}
	a.AddBytes(b)
}

// AddBufRef adds the contents of a buffer view without consuming it.
func (a *Accumulator) AddBufRef(r buf.Ref) {
	r.ProcessBytes(r.Len, a.AddBytes)
}

// State captures the accumulator for later Resume. Only valid at an even
// byte boundary, which is all the prepare/send-fast path needs.
func (a *Accumulator) State() uint32 {
	if a.odd {
		panic("chksum: State at odd boundary")
	}
	return a.sum
}

// Resume restores an accumulator from a captured state.
func Resume(state uint32) Accumulator {
	return Accumulator{sum: state}
}

// Final folds the sum and returns its ones complement.
func (a Accumulator) Final() uint16 {
	s := a.sum
	s = (s >> 16) + (s & 0xffff)
	s = (s >> 16) + (s & 0xffff)
	return ^uint16(s)
}

// OfBytes returns the checksum of a contiguous byte sequence.
func OfBytes(b []byte) uint16 {
	var a Accumulator
	a.AddBytes(b)
	return a.Final()
}

// OfBufRef returns the checksum of a buffer view.
func OfBufRef(r buf.Ref) uint16 {
	var a Accumulator
	a.AddBufRef(r)
	return a.Final()
}
