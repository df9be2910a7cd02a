package tcp

// oosSeg is one received out-of-sequence range [start, end).
type oosSeg struct {
	start seqNum
	end   seqNum
}

// oosBuffer records which ranges ahead of rcv_nxt have already been
// received into the receive buffer, plus an out-of-sequence FIN. Bounded
// by the configured segment count; ranges that do not fit are dropped (the
// peer retransmits them).
type oosBuffer struct {
	segs    []oosSeg
	maxSegs int
	haveFin bool
	finSeq  seqNum
}

func (o *oosBuffer) init(maxSegs int) {
	o.maxSegs = maxSegs
	o.segs = o.segs[:0]
	o.haveFin = false
}

func (o *oosBuffer) isEmpty() bool {
	return len(o.segs) == 0 && !o.haveFin
}

// updateForSegReceived merges [start, end) into the tracked ranges.
// Returns false if the range had to be dropped for lack of room.
func (o *oosBuffer) updateForSegReceived(start, end seqNum) bool {
	if seqGe(start, end) {
		return true
	}
	// Find the insert position and the run of overlapping/adjacent
	// ranges to merge.
	insert := len(o.segs)
	for n, s := range o.segs {
		if seqLe(start, s.end) {
			insert = n
			break
		}
	}
	merged := oosSeg{start: start, end: end}
	remove := 0
	for n := insert; n < len(o.segs); n++ {
		s := o.segs[n]
		if seqGt(s.start, merged.end) {
			break
		}
		if seqLt(s.start, merged.start) {
			merged.start = s.start
		}
		if seqGt(s.end, merged.end) {
			merged.end = s.end
		}
		remove++
	}

	if remove == 0 && len(o.segs) >= o.maxSegs {
		return false
	}
	o.segs = append(o.segs[:insert], append([]oosSeg{merged}, o.segs[insert+remove:]...)...)
	return true
}

// updateForFinReceived records an out-of-sequence FIN position.
func (o *oosBuffer) updateForFinReceived(finSeq seqNum) {
	o.haveFin = true
	o.finSeq = finSeq
}

// shiftAvailable pops a leading range starting exactly at rcvNxt and
// returns its length, plus whether the FIN immediately follows the new
// front.
func (o *oosBuffer) shiftAvailable(rcvNxt seqNum) (n uint32, fin bool) {
	if len(o.segs) > 0 && o.segs[0].start == rcvNxt {
		n = seqDiff(o.segs[0].end, o.segs[0].start)
		o.segs = append(o.segs[:0], o.segs[1:]...)
	}
	if o.haveFin && o.finSeq == seqAdd(rcvNxt, n) {
		fin = true
	}
	return n, fin
}
