package tcp

import (
	"errors"
	"time"

	"github.com/malbeclabs/tapstack/pkg/buf"
	"github.com/malbeclabs/tapstack/pkg/ip"
	"github.com/malbeclabs/tapstack/pkg/wire"
)

// pcbCalcAnnWnd computes the window field for an outgoing segment and
// records what was announced. Before acceptance and after abandonment the
// previously announced window is repeated.
func (p *Proto) pcbCalcAnnWnd(c *pcb) uint16 {
	var wnd uint32
	if c.conn != nil {
		wnd = uint32(min(c.rcvBufLen(), maxWindow))
	} else {
		wnd = c.rcvAnnWnd
	}
	field := wnd >> c.rcvWndShift
	if field > 0xffff {
		field = 0xffff
	}
	c.rcvAnnWnd = field << c.rcvWndShift
	return uint16(field)
}

// sendSyn emits the SYN or SYN-ACK for the current handshake, with MSS
// and window-scale options.
func (p *Proto) sendSyn(c *pcb, withAck bool) {
	var hdr wire.Tcp4Header
	hdr.SrcPort = c.tuple.localPort
	hdr.DstPort = c.tuple.remotePort
	hdr.SeqNum = uint32(c.sndUna)
	flags := wire.TcpFlagSyn
	if withAck {
		hdr.AckNum = uint32(c.rcvNxt)
		flags |= wire.TcpFlagAck
	}
	// The window in a SYN is never scaled.
	hdr.WindowSize = uint16(min(c.rcvAnnWnd, 0xffff))
	hdr.SetOffsetFlags(wire.Tcp4HeaderLen, flags)

	opts := wire.TcpOptions{HasMss: true, Mss: uint16(c.baseSndMss)}
	if c.flags&flagWndScale != 0 {
		opts.HasWndScale = true
		opts.WndScale = c.rcvWndShift
	}
	_ = p.sendSegment(c.tuple.localAddr, c.tuple.remoteAddr, hdr, &opts, buf.Ref{}, nil)
}

// sendEmptyAck emits a bare ACK announcing the current window.
func (p *Proto) sendEmptyAck(c *pcb) {
	var hdr wire.Tcp4Header
	hdr.SrcPort = c.tuple.localPort
	hdr.DstPort = c.tuple.remotePort
	hdr.SeqNum = uint32(c.sndNxt)
	hdr.AckNum = uint32(c.rcvNxt)
	hdr.WindowSize = p.pcbCalcAnnWnd(c)
	hdr.SetOffsetFlags(wire.Tcp4HeaderLen, wire.TcpFlagAck)
	_ = p.sendSegment(c.tuple.localAddr, c.tuple.remoteAddr, hdr, nil, buf.Ref{}, nil)
}

// sendDataSegment emits one data segment [offset, offset+dataLen) of the
// send buffer with the given flags. A FIN consumes one sequence number
// past the data.
func (p *Proto) sendDataSegment(c *pcb, offset, dataLen int, psh, fin bool) error {
	var data buf.Ref
	if dataLen > 0 {
		data = c.conn.sndBuf.SubFromTo(offset, dataLen)
	}

	var hdr wire.Tcp4Header
	hdr.SrcPort = c.tuple.localPort
	hdr.DstPort = c.tuple.remotePort
	hdr.SeqNum = uint32(seqAdd(c.sndUna, uint32(offset)))
	hdr.AckNum = uint32(c.rcvNxt)
	hdr.WindowSize = p.pcbCalcAnnWnd(c)
	flags := wire.TcpFlagAck
	if psh {
		flags |= wire.TcpFlagPsh
	}
	if fin {
		flags |= wire.TcpFlagFin
	}
	hdr.SetOffsetFlags(wire.Tcp4HeaderLen, flags)

	return p.sendSegment(c.tuple.localAddr, c.tuple.remoteAddr, hdr, nil, data, nil)
}

// pcbRequestOutput schedules output from user context: data or a FIN was
// queued. During input dispatch the flush at the end of processing picks
// it up; otherwise the zero-delay output timer does.
func (p *Proto) pcbRequestOutput(c *pcb) {
	c.flags |= flagOutPending
	c.outputTimer.SetAfter(0)
}

func (p *Proto) outputTimerHandler(c *pcb) {
	if !c.inPool() {
		return
	}
	sent := false
	if c.flags&flagOutPending != 0 {
		c.flags &^= flagOutPending
		sent = p.pcbOutput(c)
	}
	if c.flags&flagAckPending != 0 {
		c.flags &^= flagAckPending
		if !sent {
			p.sendEmptyAck(c)
		}
	}
}

// pcbOutput transmits whatever the connection state permits. Returns
// whether at least one segment (carrying an ACK) was sent.
func (p *Proto) pcbOutput(c *pcb) bool {
	if !c.state.canOutput() {
		return false
	}
	return p.pcbOutputActive(c) > 0
}

// pcbOutputActive is the fast-path send loop: it emits segments while
// send data is available, window remains, and the may-delay rule permits.
func (p *Proto) pcbOutputActive(c *pcb) int {
	conn := c.conn
	sent := 0

	for {
		offset := c.sndOffset()
		effWnd := int(min(c.sndWnd, uint32(c.cwnd())))
		remWnd := effWnd - offset
		if remWnd < 0 {
			remWnd = 0
		}

		unsent := 0
		if conn != nil {
			unsent = conn.sndBufCur.Len
		}

		dataLen := min(unsent, remWnd, c.sndMss)

		// May-delay rule: a sub-MSS tail that has not been pushed waits
		// for more data, unless a FIN goes with it.
		lastData := dataLen == unsent
		pushed := conn != nil && conn.sndPshIndex > offset
		fin := c.flags&flagFinPending != 0 && lastData
		if dataLen > 0 && dataLen < c.sndMss && lastData && !pushed && !fin {
			break
		}
		if dataLen == 0 && !fin {
			if c.sndWnd == 0 && (c.sndUna != c.sndNxt || unsent > 0) {
				p.armZeroWindowProbe(c)
			}
			break
		}

		psh := fin || (conn != nil && conn.sndPshIndex > offset && conn.sndPshIndex <= offset+dataLen)
		err := p.sendDataSegment(c, offset, dataLen, psh, fin)
		if errors.Is(err, ip.ErrOutputBufferFull) {
			c.flags |= flagOutPending
			c.outputTimer.SetAfter(outputRetryTime)
			break
		}
		if errors.Is(err, ip.ErrFragmentationNeeded) {
			p.stack.HandleLocalPacketTooBig(c.tuple.remoteAddr)
			break
		}
		sent++

		if conn != nil {
			conn.sndBufCur.SkipBytes(dataLen)
		}
		if fin {
			c.flags &^= flagFinPending
			c.flags |= flagFinSent
		}

		end := seqAdd(c.sndUna, uint32(offset+dataLen))
		if fin {
			end = seqAdd(end, 1)
		}
		if seqGt(end, c.sndNxt) {
			// First transmission of new data: a chance to measure RTT.
			if c.flags&flagRttPending == 0 && conn != nil {
				c.flags |= flagRttPending
				c.rttTestSeq = c.sndNxt
				c.rttTestTime = p.loop.Now()
			}
			c.sndNxt = end
		}

		p.pcbUpdateRtxTimer(c)
		if fin {
			break
		}
	}

	if sent > 0 {
		c.flags &^= flagAckPending
	}
	return sent
}

// retransmitFirstSegment resends one segment from snd_una.
func (p *Proto) retransmitFirstSegment(c *pcb) {
	metricRetransmits.Inc()
	// A retransmission invalidates an in-flight RTT measurement.
	c.flags &^= flagRttPending

	finSent := c.flags&flagFinSent != 0
	unackedData := int(seqDiff(c.sndNxt, c.sndUna))
	if finSent {
		unackedData--
	}
	dataLen := min(c.sndBufLen(), c.sndMss, unackedData)
	fin := finSent && dataLen == unackedData
	if dataLen == 0 && !fin {
		return
	}
	psh := c.conn != nil && c.conn.sndPshIndex > 0 && c.conn.sndPshIndex <= dataLen
	_ = p.sendDataSegment(c, 0, dataLen, psh || fin, fin)
	p.pcbUpdateRtxTimer(c)
}

// setSsthreshForLoss applies the RFC 5681 loss response.
func (p *Proto) setSsthreshForLoss(c *pcb) {
	conn := c.conn
	if conn == nil {
		return
	}
	flight := int(seqDiff(c.sndNxt, c.sndUna))
	conn.ssthresh = max(flight/2, 2*c.sndMss)
}

// pcbUpdateRtxTimer arms the retransmission timer while anything is
// outstanding, or as an idle timeout otherwise.
func (p *Proto) pcbUpdateRtxTimer(c *pcb) {
	switch {
	case c.state == stateTimeWait || c.state == stateClosed:
		return
	case c.sndUna != c.sndNxt || c.flags&flagZeroWindow != 0:
		c.flags &^= flagIdleTimer
		c.rtxTimer.SetAfter(c.rto)
	case c.state == stateEstablished || c.state == stateCloseWait:
		c.flags |= flagIdleTimer
		c.rtxTimer.SetAfter(maxRtxTime)
	default:
		c.rtxTimer.Unset()
	}
}

func (p *Proto) armZeroWindowProbe(c *pcb) {
	if c.flags&flagZeroWindow == 0 {
		c.flags |= flagZeroWindow
		c.flags &^= flagIdleTimer
		c.rtxTimer.SetAfter(c.rto)
	}
}

// rtxTimerHandler is the retransmission, zero-window-probe, TIME_WAIT and
// idle timer.
func (p *Proto) rtxTimerHandler(c *pcb) {
	switch {
	case !c.inPool():
		return

	case c.state == stateTimeWait:
		p.pcbFree(c)

	case c.state == stateSynSent || c.state == stateSynRcvd:
		if c.rto >= maxRtxTime {
			p.pcbAbort(c, false)
			return
		}
		c.flags &^= flagRttPending
		metricRetransmits.Inc()
		p.sendSyn(c, c.state == stateSynRcvd)
		c.rto = min(2*c.rto, maxRtxTime)
		c.rtxTimer.SetAfter(c.rto)

	case c.flags&flagIdleTimer != 0:
		// Long idle: restart from a conservative window.
		c.flags &^= flagIdleTimer
		if conn := c.conn; conn != nil {
			conn.cwnd = initialCwnd(c.sndMss)
			conn.cwndAcked = 0
			c.flags |= flagCwndInit
		}

	case c.flags&flagZeroWindow != 0 && c.sndWnd == 0:
		// Window probe: one byte from the head of the send buffer, or a
		// bare FIN when abandoned.
		probeLen := min(c.sndBufLen(), 1)
		fin := probeLen == 0 && c.finNeeded()
		if probeLen > 0 || fin {
			metricRetransmits.Inc()
			_ = p.sendDataSegment(c, 0, probeLen, false, fin)
		}
		c.rto = min(2*c.rto, maxRtxTime)
		c.rtxTimer.SetAfter(c.rto)

	case c.sndUna != c.sndNxt:
		// Retransmission timeout: collapse the window, requeue all
		// unacknowledged data and retransmit from the front.
		if c.flags&flagRtxActive == 0 {
			c.flags |= flagRtxActive
			p.setSsthreshForLoss(c)
			if conn := c.conn; conn != nil {
				conn.cwnd = c.sndMss
				conn.recover = c.sndNxt
				c.flags |= flagRecover
				c.flags &^= flagCwndInit
			}
		}
		c.flags &^= flagRttPending
		c.numDupAck = 0
		if conn := c.conn; conn != nil {
			conn.sndBufCur = conn.sndBuf
		}
		if c.flags&flagFinSent != 0 {
			c.flags &^= flagFinSent
			c.flags |= flagFinPending
		}
		c.rto = min(2*c.rto, maxRtxTime)
		metricRetransmits.Inc()
		p.pcbOutputActive(c)
		c.rtxTimer.SetAfter(c.rto)
	}
}

// takeRttSample updates the Jacobson/Karels estimator when the ack covers
// the measured byte.
func (p *Proto) takeRttSample(c *pcb, ackNum seqNum) {
	if c.flags&flagRttPending == 0 || !seqGt(ackNum, c.rttTestSeq) {
		return
	}
	c.flags &^= flagRttPending
	conn := c.conn
	if conn == nil {
		return
	}
	r := p.loop.Now().Sub(c.rttTestTime)
	if r < 0 {
		r = 0
	}
	if c.flags&flagRttValid == 0 {
		c.flags |= flagRttValid
		conn.srtt = r
		conn.rttvar = r / 2
	} else {
		d := conn.srtt - r
		if d < 0 {
			d = -d
		}
		conn.rttvar = (3*conn.rttvar + d) / 4
		conn.srtt = (7*conn.srtt + r) / 8
	}
	rto := conn.srtt + max(time.Millisecond, 4*conn.rttvar)
	c.rto = min(max(rto, minRtxTime), maxRtxTime)

	// A fresh RTT sample re-enables congestion-avoidance growth.
	c.flags &^= flagCwndIncrd
}

// pcbCloseSending queues the FIN and applies the user-close transitions.
func (p *Proto) pcbCloseSending(c *pcb) {
	switch c.state {
	case stateSynSent:
		// FIN goes out right after the handshake completes.
		c.flags |= flagFinPending
	case stateEstablished:
		c.state = stateFinWait1
		c.flags |= flagFinPending
		p.pcbRequestOutput(c)
	case stateCloseWait:
		c.state = stateLastAck
		c.flags |= flagFinPending
		p.pcbRequestOutput(c)
	}
}

// pcbRcvBufExtended schedules a window update when the receivable window
// has outgrown the announcement by the configured threshold. Routed
// through the deferred-ACK machinery so it coalesces with an ACK already
// owed for the segment being processed.
func (p *Proto) pcbRcvBufExtended(c *pcb) {
	if c.state == stateSynRcvd || c.state == stateSynSent || c.conn == nil {
		return
	}
	receivable := uint32(min(c.rcvBufLen(), maxWindow))
	if receivable >= c.rcvAnnWnd && receivable-c.rcvAnnWnd >= c.rcvAnnThres {
		c.flags |= flagAckPending
		c.outputTimer.SetAfter(0)
	}
}

// pcbConAbandoned handles Connection.Reset: the PCB finishes closing on
// its own when no data can be lost, otherwise the connection is reset.
func (p *Proto) pcbConAbandoned(c *pcb, lossy bool) {
	if c.state == stateSynSent || lossy {
		p.pcbAbort(c, true)
		return
	}
	if c.state.sndOpen() {
		p.pcbCloseSending(c)
	}
	p.unrefAppend(c)
}

// pcbApplyPmtu clamps the send MSS to a path-MTU estimate.
func (p *Proto) pcbApplyPmtu(c *pcb, pmtu int) {
	mss := min(c.baseSndMss, pmtu-ip4TcpHeaderLen)
	if mss < minAllowedMss {
		mss = minAllowedMss
	}
	c.sndMss = mss
}

// pcbPmtuChanged reacts to a lowered path MTU: adapt the MSS and keep the
// congestion state coherent with the new segment size.
func (p *Proto) pcbPmtuChanged(c *pcb, pmtu int) {
	p.pcbApplyPmtu(c, pmtu)
	conn := c.conn
	if conn == nil {
		return
	}
	if c.flags&flagCwndInit != 0 {
		conn.cwnd = initialCwnd(c.sndMss)
	} else {
		if c.flags&flagRtxActive != 0 {
			conn.cwnd = c.sndMss
		} else if conn.cwnd < c.sndMss {
			conn.cwnd = c.sndMss
		}
	}
	if conn.ssthresh < c.sndMss {
		conn.ssthresh = c.sndMss
	}
}
