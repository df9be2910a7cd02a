package ip

import (
	"time"

	"github.com/malbeclabs/tapstack/pkg/buf"
	"github.com/malbeclabs/tapstack/pkg/eventloop"
	"github.com/malbeclabs/tapstack/pkg/wire"
)

// reassHeaderReserve is the writable space kept in front of a reassembled
// payload so internal replies (ICMP echo) can be emitted from the same
// storage.
const reassHeaderReserve = 64

// hole is a missing byte range [start, end) of a reassembling payload.
type hole struct {
	start int
	end   int
}

// reassKey identifies one reassembly per RFC 791.
type reassKey struct {
	src   wire.Ip4Addr
	dst   wire.Ip4Addr
	ident uint16
	proto uint8
}

type reassEntry struct {
	inUse   bool
	key     reassKey
	expires time.Time
	storage []byte
	node    buf.Node
	holes   []hole
	// totalLen is the payload length, known once the MF=0 fragment
	// arrives; -1 until then.
	totalLen int
	// maxSeen is the highest byte offset received, bounding hole trims.
	maxSeen int
}

// reassembly is the bounded fragment pool. Entries expire on a loop timer
// and the oldest entry is evicted when the pool is full.
type reassembly struct {
	stack   *Stack
	entries []reassEntry
	timer   *eventloop.Timer
}

func newReassembly(s *Stack) *reassembly {
	r := &reassembly{
		stack:   s,
		entries: make([]reassEntry, s.cfg.MaxReassEntrys),
	}
	for i := range r.entries {
		r.entries[i].storage = make([]byte, reassHeaderReserve+s.cfg.MaxReassSize)
	}
	r.timer = s.loop.NewTimer(r.purgeExpired)
	return r
}

func (r *reassembly) payload(e *reassEntry) []byte {
	return e.storage[reassHeaderReserve:]
}

// handleFragment merges one fragment. When the datagram completes, it
// returns a view of the payload and releases the entry; the view stays
// valid for the current dispatch only.
func (r *reassembly) handleFragment(info RxInfo, hdr wire.Ip4Header, frag buf.Ref) (buf.Ref, bool) {
	key := reassKey{src: hdr.Src, dst: hdr.Dst, ident: hdr.Ident, proto: hdr.Protocol}
	offset := hdr.FragOffsetBytes()
	end := offset + frag.Len

	if end > r.stack.cfg.MaxReassSize {
		metricReassDrops.WithLabelValues("too_large").Inc()
		return buf.Ref{}, false
	}
	if hdr.MoreFragments() && frag.Len%8 != 0 {
		metricReassDrops.WithLabelValues("bad_fragment").Inc()
		return buf.Ref{}, false
	}

	e := r.find(key)
	if e == nil {
		e = r.allocate(key)
	}

	if !hdr.MoreFragments() {
		// Tail fragment fixes the total length. A second, different tail
		// is a malformed datagram.
		if e.totalLen >= 0 && e.totalLen != end {
			r.release(e)
			metricReassDrops.WithLabelValues("conflicting_tail").Inc()
			return buf.Ref{}, false
		}
		if end < e.maxSeen {
			r.release(e)
			metricReassDrops.WithLabelValues("conflicting_tail").Inc()
			return buf.Ref{}, false
		}
		e.totalLen = end
	} else if e.totalLen >= 0 && end > e.totalLen {
		metricReassDrops.WithLabelValues("past_tail").Inc()
		return buf.Ref{}, false
	}

	tmp := frag
	tmp.TakeBytes(frag.Len, r.payload(e)[offset:end])
	e.maxSeen = max(e.maxSeen, end)
	r.fillHoles(e, offset, end)

	if e.totalLen < 0 || !r.complete(e) {
		return buf.Ref{}, false
	}

	totalLen := e.totalLen
	r.release(e)
	e.node = buf.Node{Buf: e.storage}
	return buf.Ref{Node: &e.node, Off: reassHeaderReserve, Len: totalLen}, true
}

// fillHoles removes [start, end) from the hole list, splitting holes that
// straddle the filled range.
func (r *reassembly) fillHoles(e *reassEntry, start, end int) {
	out := e.holes[:0]
	for _, h := range e.holes {
		if h.end <= start || h.start >= end {
			out = append(out, h)
			continue
		}
		if h.start < start {
			out = append(out, hole{start: h.start, end: start})
		}
		if h.end > end {
			out = append(out, hole{start: end, end: h.end})
		}
	}
	e.holes = out
}

func (r *reassembly) complete(e *reassEntry) bool {
	for _, h := range e.holes {
		if h.start < e.totalLen {
			return false
		}
	}
	return true
}

func (r *reassembly) find(key reassKey) *reassEntry {
	for i := range r.entries {
		e := &r.entries[i]
		if e.inUse && e.key == key {
			return e
		}
	}
	return nil
}

func (r *reassembly) allocate(key reassKey) *reassEntry {
	var victim *reassEntry
	for i := range r.entries {
		e := &r.entries[i]
		if !e.inUse {
			victim = e
			break
		}
		if victim == nil || e.expires.Before(victim.expires) {
			victim = e
		}
	}
	if victim.inUse {
		metricReassDrops.WithLabelValues("evicted").Inc()
		r.release(victim)
	}

	victim.inUse = true
	victim.key = key
	victim.expires = r.stack.loop.Now().Add(r.stack.cfg.ReassTimeout)
	victim.holes = append(victim.holes[:0], hole{start: 0, end: r.stack.cfg.MaxReassSize})
	victim.totalLen = -1
	victim.maxSeen = 0
	r.armTimer()
	return victim
}

func (r *reassembly) release(e *reassEntry) {
	e.inUse = false
}

func (r *reassembly) purgeExpired() {
	now := r.stack.loop.Now()
	for i := range r.entries {
		e := &r.entries[i]
		if e.inUse && !e.expires.After(now) {
			metricReassDrops.WithLabelValues("expired").Inc()
			r.release(e)
		}
	}
	r.armTimer()
}

func (r *reassembly) armTimer() {
	var earliest time.Time
	for i := range r.entries {
		e := &r.entries[i]
		if e.inUse && (earliest.IsZero() || e.expires.Before(earliest)) {
			earliest = e.expires
		}
	}
	if earliest.IsZero() {
		r.timer.Unset()
		return
	}
	r.timer.SetAt(earliest)
}
