package tcp

import (
	"github.com/malbeclabs/tapstack/pkg/buf"
	"github.com/malbeclabs/tapstack/pkg/ip"
	"github.com/malbeclabs/tapstack/pkg/wire"
)

// processSegment dispatches one verified segment. Deferred ACK and output
// accumulated during processing are flushed at the end, so a segment
// produces at most one ACK.
func (p *Proto) processSegment(info ip.RxInfo, hdr wire.Tcp4Header, opts wire.TcpOptions, data buf.Ref) {
	tuple := fourTuple{
		localAddr:  info.Dst,
		remoteAddr: info.Src,
		localPort:  hdr.DstPort,
		remotePort: hdr.SrcPort,
	}
	c := p.findPcb(tuple)
	if c == nil {
		p.handleNoPcb(info, hdr, opts, data)
		return
	}

	switch c.state {
	case stateSynSent:
		p.inputSynSent(c, hdr, opts)
	case stateTimeWait:
		p.inputTimeWait(c, hdr, data.Len)
	default:
		p.inputActive(c, hdr, data)
	}

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

// handleNoPcb implements the no-connection rules: a clean SYN may create
// a half-open PCB through a listener; anything else draws a RST.
func (p *Proto) handleNoPcb(info ip.RxInfo, hdr wire.Tcp4Header, opts wire.TcpOptions, data buf.Ref) {
	flags := hdr.Flags()
	if flags&wire.TcpFlagRst != 0 {
		return
	}
	segLen := data.Len
	if flags&wire.TcpFlagSyn != 0 {
		segLen++
	}
	if flags&wire.TcpFlagFin != 0 {
		segLen++
	}

	if flags&wire.TcpFlagSyn == 0 || flags&wire.TcpFlagAck != 0 {
		p.sendRstReply(info, hdr, segLen)
		return
	}
	// SYN without ACK: passive open. The destination must be our own
	// unicast address.
	if !info.Iface.IsIfaceAddr(info.Dst) {
		p.dropSegment("syn_not_unicast")
		return
	}
	lis := p.findListener(info.Dst, hdr.DstPort)
	if lis == nil {
		p.sendRstReply(info, hdr, segLen)
		return
	}
	if lis.numPcbs >= lis.params.MaxPcbs || lis.acceptPcb != nil {
		p.dropSegment("listener_full")
		return
	}

	c := p.allocPcb()
	if c == nil {
		p.dropSegment("no_pcb")
		return
	}

	baseMss := info.Iface.Mtu() - ip4TcpHeaderLen
	peerMss := 536
	if opts.HasMss {
		peerMss = int(opts.Mss)
	}
	sndMss := min(baseMss, peerMss)
	if sndMss < minAllowedMss {
		p.dropSegment("mss_too_small")
		return
	}

	iss := p.genIsn()
	c.tuple = fourTuple{
		localAddr:  info.Dst,
		remoteAddr: info.Src,
		localPort:  hdr.DstPort,
		remotePort: hdr.SrcPort,
	}
	c.state = stateSynRcvd
	c.flags = 0
	c.lis = lis
	c.conn = nil
	c.sndUna = iss
	c.sndNxt = iss + 1
	c.sndWnd = uint32(hdr.WindowSize)
	c.sndWndUpdSeq = seqNum(hdr.SeqNum)
	c.sndMss = sndMss
	c.baseSndMss = sndMss
	c.rcvNxt = seqNum(hdr.SeqNum) + 1
	c.rcvAnnWnd = min(lis.initialWnd, maxWindow)
	c.rcvAnnThres = 1
	c.rto = initialRtxTime
	c.numDupAck = 0
	if opts.HasWndScale {
		c.flags |= flagWndScale
		c.sndWndShift = min(opts.WndScale, maxRcvWndShift)
		c.rcvWndShift = chooseWndShift(c.rcvAnnWnd)
	} else {
		c.sndWndShift = 0
		c.rcvWndShift = 0
	}
	p.index[c.tuple] = c
	p.unrefAppend(c)
	lis.numPcbs++

	// Measure the SYN-ACK round trip; discarded on retransmit.
	c.flags |= flagRttPending
	c.rttTestSeq = iss
	c.rttTestTime = p.loop.Now()

	p.sendSyn(c, true)
	c.rtxTimer.SetAfter(c.rto)
}

// inputSynSent handles segments during an active open.
func (p *Proto) inputSynSent(c *pcb, hdr wire.Tcp4Header, opts wire.TcpOptions) {
	flags := hdr.Flags()
	ackNum := seqNum(hdr.AckNum)

	ackAcceptable := false
	if flags&wire.TcpFlagAck != 0 {
		ackAcceptable = seqInOpenClosedRange(ackNum, c.sndUna, c.sndNxt)
		if !ackAcceptable {
			if flags&wire.TcpFlagRst == 0 {
				p.sendRstReply(ip.RxInfo{Src: c.tuple.remoteAddr, Dst: c.tuple.localAddr},
					hdr, 0)
			}
			return
		}
	}

	if flags&wire.TcpFlagRst != 0 {
		if ackAcceptable {
			p.pcbAbort(c, false)
		}
		return
	}

	if flags&wire.TcpFlagSyn == 0 {
		return
	}

	c.rcvNxt = seqNum(hdr.SeqNum) + 1
	if opts.HasMss {
		c.sndMss = min(c.baseSndMss, int(opts.Mss))
		if c.sndMss < minAllowedMss {
			c.sndMss = minAllowedMss
		}
	} else {
		c.sndMss = min(c.baseSndMss, 536)
	}
	c.baseSndMss = c.sndMss
	if opts.HasWndScale {
		c.sndWndShift = min(opts.WndScale, maxRcvWndShift)
	} else {
		c.flags &^= flagWndScale
		c.sndWndShift = 0
		c.rcvWndShift = 0
	}

	if !ackAcceptable {
		// Simultaneous open: answer with our SYN-ACK.
		c.state = stateSynRcvd
		p.sendSyn(c, true)
		c.rtxTimer.SetAfter(c.rto)
		return
	}

	c.sndUna = ackNum
	// Window from the SYN-ACK is unscaled.
	c.sndWnd = uint32(hdr.WindowSize)
	c.sndWndUpdSeq = seqNum(hdr.SeqNum)
	p.takeRttSample(c, ackNum)
	c.rtxTimer.Unset()

	conn := c.conn
	c.state = stateEstablished
	if conn != nil {
		conn.cwnd = initialCwnd(c.sndMss)
		c.flags |= flagCwndInit
	}
	c.flags |= flagAckPending
	if c.flags&flagFinPending != 0 {
		// closeSending was called during the handshake.
		c.state = stateFinWait1
	}
	c.flags |= flagOutPending
	if conn != nil {
		conn.cb.ConnectionEstablished()
	}
}

// inputTimeWait re-acknowledges retransmitted FINs and restarts the wait.
func (p *Proto) inputTimeWait(c *pcb, hdr wire.Tcp4Header, dataLen int) {
	flags := hdr.Flags()
	if flags&wire.TcpFlagRst != 0 {
		if seqNum(hdr.SeqNum) == c.rcvNxt {
			p.pcbFree(c)
		}
		return
	}
	if flags&wire.TcpFlagFin != 0 {
		c.rtxTimer.SetAfter(2 * mslTime)
	}
	c.flags |= flagAckPending
}

// inputActive processes segments for SYN_RCVD and every synchronized
// state, in RFC 793 order: sequence check, RST, SYN, ACK, data, FIN.
func (p *Proto) inputActive(c *pcb, hdr wire.Tcp4Header, data buf.Ref) {
	flags := hdr.Flags()
	segSeq := seqNum(hdr.SeqNum)
	segLen := uint32(data.Len)
	if flags&wire.TcpFlagSyn != 0 {
		segLen++
	}
	if flags&wire.TcpFlagFin != 0 {
		segLen++
	}

	// Sequence acceptability against the announced window.
	wnd := c.rcvAnnWnd
	var acceptable bool
	if segLen == 0 {
		if wnd == 0 {
			acceptable = segSeq == c.rcvNxt
		} else {
			acceptable = seqDiff(segSeq, c.rcvNxt) < wnd
		}
	} else {
		endSeq := seqAdd(segSeq, segLen)
		acceptable = seqDiff(segSeq, c.rcvNxt) < wnd ||
			(seqGt(endSeq, c.rcvNxt) && seqDiff(endSeq, c.rcvNxt) <= wnd)
	}
	if !acceptable {
		if flags&wire.TcpFlagRst == 0 {
			c.flags |= flagAckPending
		}
		return
	}

	if flags&wire.TcpFlagRst != 0 {
		p.pcbAbort(c, false)
		return
	}
	if flags&wire.TcpFlagSyn != 0 {
		// In-window SYN on a synchronized connection.
		p.pcbAbort(c, true)
		return
	}
	if flags&wire.TcpFlagAck == 0 {
		return
	}

	if c.state == stateSynRcvd {
		if !p.promoteSynRcvd(c, hdr) {
			return
		}
	}

	p.processAck(c, hdr, data.Len)
	if !c.inPool() {
		return
	}

	if data.Len > 0 || flags&wire.TcpFlagFin != 0 {
		p.processData(c, hdr, data)
	}
}

// promoteSynRcvd completes a passive open once the peer acks our SYN. The
// listener's established handler runs with the PCB in the accept slot; if
// the application does not accept, the connection is reset. Returns false
// when input processing must stop.
func (p *Proto) promoteSynRcvd(c *pcb, hdr wire.Tcp4Header) bool {
	ackNum := seqNum(hdr.AckNum)
	if !seqInOpenClosedRange(ackNum, c.sndUna, c.sndNxt) {
		p.sendRstReply(ip.RxInfo{Src: c.tuple.remoteAddr, Dst: c.tuple.localAddr}, hdr, 0)
		return false
	}

	lis := c.lis
	if lis == nil || !lis.listening {
		p.pcbAbort(c, true)
		return false
	}

	c.state = stateEstablished
	c.sndUna = ackNum
	p.takeRttSample(c, ackNum)
	c.rtxTimer.Unset()

	lis.acceptPcb = c
	lis.established()
	if lis.acceptPcb == c {
		// Not accepted during the callback.
		lis.acceptPcb = nil
		p.pcbAbort(c, true)
		return false
	}
	return true
}

// processAck handles the ACK field: duplicate-ACK counting, new-ACK
// bookkeeping, congestion control, RTT sampling, FIN-acked transitions,
// and the send window update.
func (p *Proto) processAck(c *pcb, hdr wire.Tcp4Header, dataLen int) {
	ackNum := seqNum(hdr.AckNum)
	segSeq := seqNum(hdr.SeqNum)
	segWnd := uint32(hdr.WindowSize) << c.sndWndShift
	if segWnd > maxWindow {
		segWnd = maxWindow
	}

	isDupAck := ackNum == c.sndUna && dataLen == 0 &&
		segWnd == c.sndWnd && c.sndUna != c.sndNxt

	if isDupAck {
		p.processDupAck(c)
		return
	}

	if seqInOpenClosedRange(ackNum, c.sndUna, c.sndNxt) {
		p.processNewAck(c, ackNum)
		if !c.inPool() {
			return
		}
	} else if seqGt(ackNum, c.sndNxt) {
		// Ack of data we never sent.
		c.flags |= flagAckPending
		return
	}

	// Window update acceptance: newer information only.
	if seqGt(ackNum, c.sndUna) || (ackNum == c.sndUna && seqGe(segSeq, c.sndWndUpdSeq)) {
		oldWnd := c.sndWnd
		c.sndWnd = segWnd
		c.sndWndUpdSeq = segSeq
		if segWnd > oldWnd && c.state.canOutput() {
			c.flags |= flagOutPending
		}
		if segWnd == 0 && c.sndUna != c.sndNxt {
			p.armZeroWindowProbe(c)
		} else if segWnd > 0 && c.flags&flagZeroWindow != 0 {
			c.flags &^= flagZeroWindow
			p.pcbUpdateRtxTimer(c)
		}
	}
}

func (p *Proto) processDupAck(c *pcb) {
	conn := c.conn
	if c.numDupAck < fastRtxDupAcks {
		c.numDupAck++
		if c.numDupAck == fastRtxDupAcks && conn != nil {
			if !(c.flags&flagRecover != 0 && seqGe(conn.recover, c.sndNxt)) {
				// Enter fast recovery.
				metricFastRetransmits.Inc()
				p.setSsthreshForLoss(c)
				conn.cwnd = conn.ssthresh + fastRtxDupAcks*c.sndMss
				conn.recover = c.sndNxt
				c.flags |= flagRecover
				p.retransmitFirstSegment(c)
			}
		}
	} else if c.flags&flagRecover != 0 && conn != nil {
		// Further duplicates inflate the window during recovery.
		conn.cwnd += c.sndMss
		c.flags |= flagOutPending
	}
}

func (p *Proto) processNewAck(c *pcb, ackNum seqNum) {
	conn := c.conn
	acked := seqDiff(ackNum, c.sndUna)
	wasFinSent := c.flags&flagFinSent != 0
	finAcked := wasFinSent && ackNum == c.sndNxt

	p.takeRttSample(c, ackNum)

	dataAcked := acked
	if finAcked {
		dataAcked--
	}

	partialRtx := false
	inRecovery := c.flags&flagRecover != 0 && conn != nil
	if inRecovery && seqGe(ackNum, conn.recover) {
		// Full ack: deflate and exit recovery.
		flight := int(seqDiff(c.sndNxt, ackNum))
		conn.cwnd = min(conn.ssthresh, c.sndMss+max(flight, c.sndMss))
		c.flags &^= flagRecover
	} else if inRecovery {
		// Partial ack: deflate by the acked amount and retransmit the
		// next hole once the buffers are trimmed.
		conn.cwnd = max(conn.cwnd-int(dataAcked), c.sndMss)
		if int(dataAcked) >= c.sndMss {
			conn.cwnd += c.sndMss
		}
		partialRtx = true
	} else if conn != nil {
		// Normal congestion window growth.
		if conn.cwnd <= conn.ssthresh {
			conn.cwnd += min(int(acked), c.sndMss)
		} else {
			conn.cwndAcked += int(acked)
			if conn.cwndAcked >= conn.cwnd && c.flags&flagCwndIncrd == 0 {
				conn.cwnd += min(conn.cwndAcked, c.sndMss)
				conn.cwndAcked = 0
				c.flags |= flagCwndIncrd
			}
		}
		c.flags &^= flagCwndInit
	}

	c.sndUna = ackNum
	c.numDupAck = 0
	c.flags &^= flagRtxActive
	if c.sndUna == c.sndNxt {
		c.flags &^= flagZeroWindow
	}
	p.pcbUpdateRtxTimer(c)

	if c.state.canOutput() {
		c.flags |= flagOutPending
	}

	// Trim acked data off the send buffer and report it.
	if conn != nil && dataAcked > 0 {
		n := int(dataAcked)
		conn.sndBuf.SkipBytes(n)
		if conn.sndBufCur.Len > conn.sndBuf.Len {
			conn.sndBufCur = conn.sndBuf
		}
		conn.sndPshIndex = max(conn.sndPshIndex-n, 0)
		conn.cb.DataSent(n)
		if !c.inPool() {
			return
		}
	}

	if partialRtx {
		p.retransmitFirstSegment(c)
	}

	if finAcked {
		p.processFinAcked(c)
	}
}

// processFinAcked applies the our-FIN-acknowledged transitions.
func (p *Proto) processFinAcked(c *pcb) {
	conn := c.conn
	notify := func() {
		if conn != nil {
			conn.cb.DataSent(0)
		}
	}
	switch c.state {
	case stateFinWait1:
		c.state = stateFinWait2
		notify()
	case stateClosing:
		p.enterTimeWait(c)
		notify()
	case stateLastAck:
		p.pcbFree(c)
		notify()
	}
}

// processData delivers in-order data, buffers out-of-sequence data, and
// handles the FIN.
func (p *Proto) processData(c *pcb, hdr wire.Tcp4Header, data buf.Ref) {
	segSeq := seqNum(hdr.SeqNum)
	fin := hdr.Flags()&wire.TcpFlagFin != 0

	if !c.state.canDeliverData() {
		// The receive side is already closed; ignore data but tolerate
		// retransmitted FINs.
		if fin {
			c.flags |= flagAckPending
		}
		return
	}

	// Trim data already received. A trim reaching past the end means the
	// whole segment, FIN included, is a retransmission.
	if seqLt(segSeq, c.rcvNxt) {
		trim := int(seqDiff(c.rcvNxt, segSeq))
		if trim > data.Len {
			c.flags |= flagAckPending
			return
		}
		data = data.HideHeader(trim)
		segSeq = c.rcvNxt
	}

	// Trim data beyond the announced window (never past the buffer the
	// user actually provided).
	wndLimit := c.rcvAnnWnd
	if c.conn != nil && uint32(c.conn.rcvBuf.Len) < wndLimit {
		wndLimit = uint32(c.conn.rcvBuf.Len)
	}
	endSeq := seqAdd(segSeq, uint32(data.Len))
	wndEnd := seqAdd(c.rcvNxt, wndLimit)
	if seqGt(endSeq, wndEnd) {
		over := int(seqDiff(endSeq, wndEnd))
		data = data.SubTo(data.Len - over)
		fin = false
	}

	conn := c.conn
	if conn == nil {
		// Abandoned connection still acks to let the close finish.
		if data.Len > 0 || fin {
			c.rcvNxt = seqAdd(segSeq, uint32(data.Len))
			c.flags |= flagAckPending
			if fin {
				p.processFinReceived(c)
			}
		}
		return
	}

	if segSeq == c.rcvNxt {
		// In-order: deliver directly, then splice anything contiguous
		// from the out-of-sequence store.
		n := data.Len
		if n > 0 {
			dst := conn.rcvBuf
			dst.GiveBuf(data)
			conn.rcvBuf.SkipBytes(n)
			c.rcvNxt = seqAdd(c.rcvNxt, uint32(n))
			c.shrinkAnnWnd(uint32(n))
		}
		spliced, oosFin := conn.ooseq.shiftAvailable(c.rcvNxt)
		if spliced > 0 {
			conn.rcvBuf.SkipBytes(int(spliced))
			c.rcvNxt = seqAdd(c.rcvNxt, spliced)
			c.shrinkAnnWnd(spliced)
		}
		c.flags |= flagAckPending
		total := n + int(spliced)
		if total > 0 {
			conn.cb.DataReceived(total)
			if !c.inPool() {
				return
			}
		}
		if fin || oosFin {
			p.processFinReceived(c)
		}
		return
	}

	// Out of sequence: store into the receive buffer at its offset and
	// record the range; duplicate ACK prompts fast retransmit at the
	// sender.
	offset := int(seqDiff(segSeq, c.rcvNxt))
	if data.Len > 0 && offset+data.Len <= conn.rcvBuf.Len {
		if conn.ooseq.updateForSegReceived(segSeq, seqAdd(segSeq, uint32(data.Len))) {
			dst := conn.rcvBuf
			dst.SkipBytes(offset)
			dst.GiveBuf(data)
		}
	}
	if fin {
		conn.ooseq.updateForFinReceived(seqAdd(segSeq, uint32(data.Len)))
	}
	c.flags |= flagAckPending
}

// processFinReceived advances past the FIN, reports end-of-stream, and
// applies the state transitions.
func (p *Proto) processFinReceived(c *pcb) {
	c.rcvNxt = seqAdd(c.rcvNxt, 1)
	c.flags |= flagAckPending

	conn := c.conn
	notifyEnd := func() bool {
		if conn == nil {
			return true
		}
		conn.cb.DataReceived(0)
		return c.inPool()
	}

	switch c.state {
	case stateEstablished:
		c.state = stateCloseWait
		notifyEnd()
	case stateFinWait1:
		// A FIN-ACK for our FIN in the same segment was already applied
		// by ack processing, moving us to FIN_WAIT_2; reaching here means
		// our FIN is still unacknowledged.
		c.state = stateClosing
		notifyEnd()
	case stateFinWait2:
		c.state = stateFinWait2TimeWait
		if notifyEnd() {
			p.enterTimeWait(c)
		}
	}
}

// enterTimeWait parks the PCB for twice the maximum segment lifetime. The
// Connection stays attached (everything is acknowledged by now); the
// final timer expiry frees the PCB and detaches it silently.
func (p *Proto) enterTimeWait(c *pcb) {
	c.state = stateTimeWait
	c.outputTimer.Unset()
	c.rtxTimer.SetAfter(2 * mslTime)
	if c.conn == nil {
		p.unrefAppend(c)
	}
}
