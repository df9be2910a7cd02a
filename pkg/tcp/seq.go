package tcp

// seqNum is a 32-bit TCP sequence number. Comparisons use signed 32-bit
// difference, giving the usual wraparound semantics.
type seqNum uint32

func seqLt(a, b seqNum) bool { return int32(a-b) < 0 }
func seqLe(a, b seqNum) bool { return int32(a-b) <= 0 }
func seqGt(a, b seqNum) bool { return int32(a-b) > 0 }
func seqGe(a, b seqNum) bool { return int32(a-b) >= 0 }

// seqDiff returns a-b, which must be non-negative in sequence order.
func seqDiff(a, b seqNum) uint32 { return uint32(a - b) }

// seqAdd advances a sequence number.
func seqAdd(a seqNum, n uint32) seqNum { return a + seqNum(n) }

// seqInOpenClosedRange reports x in (lo, hi] modulo 2^32.
func seqInOpenClosedRange(x, lo, hi seqNum) bool {
	return seqDiff(x, lo) > 0 && seqDiff(x, lo) <= seqDiff(hi, lo)
}
