package tcp

import (
	"errors"
	"time"

	"github.com/malbeclabs/tapstack/pkg/buf"
	"github.com/malbeclabs/tapstack/pkg/ip"
	"github.com/malbeclabs/tapstack/pkg/wire"
)

// ConnectionCallbacks receive connection events. All callbacks run in loop
// context. ConnectionAborted terminates all further callbacks; after it,
// the Connection is already detached.
type ConnectionCallbacks interface {
	// ConnectionEstablished reports completion of an active open.
	ConnectionEstablished()
	// ConnectionAborted reports an unclean termination (RST, timeout).
	ConnectionAborted()
	// DataReceived reports n bytes delivered into the receive buffer;
	// n == 0 reports the peer's FIN and is the final receive callback.
	DataReceived(n int)
	// DataSent reports n bytes acknowledged and removed from the send
	// buffer; n == 0 reports the FIN being acknowledged, at most once.
	DataSent(n int)
}

// Connection is the user side of one TCP connection. Created detached;
// tied to a PCB by Accept (passive) or Start (active) and detached again
// by Reset or connection end. The send and receive buffers are user-owned
// rings viewed through buf.Ref.
type Connection struct {
	proto *Proto
	pcb   *pcb
	cb    ConnectionCallbacks

	sndBuf      buf.Ref
	sndBufCur   buf.Ref
	sndPshIndex int

	rcvBuf buf.Ref

	srtt      time.Duration
	rttvar    time.Duration
	cwnd      int
	ssthresh  int
	cwndAcked int
	recover   seqNum

	ooseq  oosBuffer
	mtuRef ip.MtuRef
}

// NewConnection creates a detached connection delivering events to cb.
func NewConnection(cb ConnectionCallbacks) *Connection {
	return &Connection{cb: cb}
}

// SetCallbacks replaces the event sink, used when a connection changes
// owners (e.g. dequeued from a listen queue).
func (c *Connection) SetCallbacks(cb ConnectionCallbacks) {
	c.cb = cb
}

// IsAttached reports whether the connection is tied to a PCB.
func (c *Connection) IsAttached() bool {
	return c.pcb != nil
}

// Accept attaches the connection to the PCB in the listener's accept
// slot. Must be called from within the listener's established handler.
func (c *Connection) Accept(l *Listener) error {
	if c.pcb != nil {
		return errors.New("tcp: connection already attached")
	}
	pcb := l.acceptPcb
	if pcb == nil {
		return errors.New("tcp: no connection awaiting acceptance")
	}
	l.acceptPcb = nil
	c.attach(l.proto, pcb)
	metricConnectionsAccepted.Inc()
	return nil
}

// StartParams configure an active open.
type StartParams struct {
	Addr          wire.Ip4Addr
	Port          uint16
	InitialRcvWnd int
}

// Start begins an active open (SYN_SENT). ConnectionEstablished fires
// when the handshake completes.
func (c *Connection) Start(p *Proto, params StartParams) error {
	if c.pcb != nil {
		return errors.New("tcp: connection already attached")
	}

	route, ok := p.stack.RouteIp4(params.Addr)
	if !ok {
		return ip.ErrNoIpRoute
	}
	localAddr, _, hasAddr := route.Addr()
	if !hasAddr {
		return ip.ErrNoIpRoute
	}

	tuple := fourTuple{
		localAddr:  localAddr,
		remoteAddr: params.Addr,
		remotePort: params.Port,
	}
	port, err := p.allocateEphemeralPort(tuple)
	if err != nil {
		return err
	}
	tuple.localPort = port

	pcb := p.allocPcb()
	if pcb == nil {
		return errors.New("tcp: out of connection resources")
	}

	iss := p.genIsn()
	baseMss := route.Mtu() - ip4TcpHeaderLen
	if baseMss < minAllowedMss {
		return ip.ErrNoIpRoute
	}

	initialWnd := min(params.InitialRcvWnd, maxWindow)
	if initialWnd < 0 {
		initialWnd = 0
	}

	pcb.tuple = tuple
	pcb.state = stateSynSent
	pcb.flags = 0
	pcb.sndUna = iss
	pcb.sndNxt = iss + 1
	pcb.sndWnd = 0
	pcb.sndMss = baseMss
	pcb.baseSndMss = baseMss
	pcb.rcvNxt = 0
	pcb.rcvAnnWnd = uint32(initialWnd)
	pcb.rcvWndShift = chooseWndShift(uint32(initialWnd))
	pcb.flags |= flagWndScale
	pcb.rto = initialRtxTime
	pcb.numDupAck = 0
	p.index[tuple] = pcb

	c.attach(p, pcb)
	c.setAnnThreshold(initialWnd, p.cfg.WindowUpdateThresDiv)

	// Measure the SYN round trip; discarded if the SYN retransmits.
	pcb.flags |= flagRttPending
	pcb.rttTestSeq = iss
	pcb.rttTestTime = p.loop.Now()

	p.sendSyn(pcb, false)
	pcb.rtxTimer.SetAfter(pcb.rto)
	return nil
}

// attach ties the connection to a pcb and registers PMTU interest.
func (c *Connection) attach(p *Proto, pcb *pcb) {
	c.proto = p
	c.pcb = pcb
	pcb.conn = c
	p.unrefRemove(pcb)

	c.sndBuf = buf.Ref{}
	c.sndBufCur = buf.Ref{}
	c.sndPshIndex = 0
	c.rcvBuf = buf.Ref{}
	c.srtt = 0
	c.rttvar = 0
	c.cwnd = initialCwnd(pcb.sndMss)
	c.ssthresh = maxWindow
	c.cwndAcked = 0
	c.ooseq.init(p.cfg.NumOosSegs)
	pcb.flags |= flagCwndInit

	if pmtu, err := p.stack.SetupMtuRef(&c.mtuRef, pcb.tuple.remoteAddr, func(pmtu int) {
		p.pcbPmtuChanged(pcb, pmtu)
	}); err == nil {
		p.pcbApplyPmtu(pcb, pmtu)
	}
}

// abortNotify runs the aborted callback after detachment.
func (c *Connection) abortNotify() {
	c.mtuRef.Reset()
	c.pcb = nil
	c.cb.ConnectionAborted()
}

// Reset detaches the connection from its PCB. The PCB continues closing
// gracefully when possible, or is aborted when data would be lost
// (unacknowledged send data, or haveUnprocessedData set for receive data
// the application will never consume). No further callbacks occur.
func (c *Connection) Reset(haveUnprocessedData bool) {
	pcb := c.pcb
	c.mtuRef.Reset()
	c.pcb = nil
	if pcb == nil {
		return
	}
	pcb.conn = nil
	c.proto.pcbConAbandoned(pcb, haveUnprocessedData || c.sndBuf.Len > 0)
}

// --- send buffer ---

// SetSendBuf installs the send buffer view. Legal only while no send data
// is queued.
func (c *Connection) SetSendBuf(ref buf.Ref) {
	if c.sndBuf.Len != 0 {
		panic("tcp: SetSendBuf with data queued")
	}
	c.sndBuf = ref
	c.sndBuf.Len = 0
	c.sndBufCur = c.sndBuf
	c.sndPshIndex = 0
	if ref.Len != 0 {
		c.ExtendSendBuf(ref.Len)
	}
}

// ExtendSendBuf queues n more bytes the user wrote after the current send
// buffer contents.
func (c *Connection) ExtendSendBuf(n int) {
	c.sndBuf.Len += n
	c.sndBufCur.Len += n
	if c.pcb != nil && c.pcb.state.canOutput() {
		c.proto.pcbRequestOutput(c.pcb)
	}
}

// GetSendBuf returns the unacknowledged send data view.
func (c *Connection) GetSendBuf() buf.Ref {
	return c.sndBuf
}

// SendPush marks all queued data as push: it will be sent without waiting
// to fill a full segment.
func (c *Connection) SendPush() {
	c.sndPshIndex = c.sndBuf.Len
	if c.pcb != nil && c.pcb.state.canOutput() {
		c.proto.pcbRequestOutput(c.pcb)
	}
}

// CloseSending queues a FIN after all send data. Legal once, and not
// after an earlier CloseSending.
func (c *Connection) CloseSending() {
	pcb := c.pcb
	if pcb == nil || pcb.finNeeded() {
		return
	}
	c.proto.pcbCloseSending(pcb)
}

// --- receive buffer ---

// SetRecvBuf installs the receive buffer view.
func (c *Connection) SetRecvBuf(ref buf.Ref) {
	c.rcvBuf = ref
	if c.pcb != nil {
		c.proto.pcbRcvBufExtended(c.pcb)
	}
}

// ExtendRecvBuf grows the receive buffer by n bytes the user has
// consumed, possibly emitting a window update.
func (c *Connection) ExtendRecvBuf(n int) {
	c.rcvBuf.Len += n
	if c.pcb != nil {
		c.proto.pcbRcvBufExtended(c.pcb)
	}
}

// GetRecvBuf returns the remaining receive buffer view.
func (c *Connection) GetRecvBuf() buf.Ref {
	return c.rcvBuf
}

// SetProportionalWindowUpdateThreshold configures window updates to be
// sent when the receivable window has grown by bufferSize/divisor.
func (c *Connection) SetProportionalWindowUpdateThreshold(bufferSize, divisor int) {
	c.setAnnThreshold(bufferSize, divisor)
}

func (c *Connection) setAnnThreshold(bufferSize, divisor int) {
	if c.pcb == nil {
		return
	}
	thres := bufferSize / divisor
	if thres < 1 {
		thres = 1
	}
	c.pcb.rcvAnnThres = uint32(thres)
}

// chooseWndShift picks the smallest window scale that lets wnd be
// announced in 16 bits.
func chooseWndShift(wnd uint32) uint8 {
	var shift uint8
	for shift < maxRcvWndShift && wnd>>shift > 0xffff {
		shift++
	}
	return shift
}

// initialCwnd is the RFC 5681 initial congestion window.
func initialCwnd(mss int) int {
	return min(4*mss, max(2*mss, 4380))
}
