// Package tcp implements the TCP protocol engine: per-connection state
// machines over a fixed PCB pool, segment transmit and retransmit with
// RFC 5681 congestion control, out-of-sequence buffering, window
// management, RTT estimation, path-MTU adaptation, and the listener and
// connection objects exposed to applications.
package tcp

import (
	"errors"
	"io"
	"log/slog"

	"github.com/malbeclabs/tapstack/pkg/buf"
	"github.com/malbeclabs/tapstack/pkg/eventloop"
	"github.com/malbeclabs/tapstack/pkg/ip"
	"github.com/malbeclabs/tapstack/pkg/wire"
)

// tcpHeaderReserve is the space reserved in front of a locally built TCP
// header for the IP and link headers.
const tcpHeaderReserve = 64

// Config carries the engine tunables. Zero values select defaults.
type Config struct {
	Log   *slog.Logger
	Stack *ip.Stack

	// NumPcbs is the PCB pool size.
	NumPcbs int
	// NumOosSegs bounds tracked out-of-sequence ranges per connection.
	NumOosSegs int
	// EphemeralPortFirst/Last bound local ports for active opens.
	EphemeralPortFirst uint16
	EphemeralPortLast  uint16
	// WindowUpdateThresDiv divides the receive buffer size to obtain the
	// window update threshold.
	WindowUpdateThresDiv int
	// Ttl for emitted segments; zero uses the stack default.
	Ttl uint8
}

// Validate fills defaults and checks limits.
func (c *Config) Validate() error {
	if c.Log == nil {
		c.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Stack == nil {
		return errors.New("tcp: ip stack is required")
	}
	if c.NumPcbs == 0 {
		c.NumPcbs = 32
	}
	if c.NumOosSegs == 0 {
		c.NumOosSegs = 4
	}
	if c.EphemeralPortFirst == 0 {
		c.EphemeralPortFirst = 49152
	}
	if c.EphemeralPortLast == 0 {
		c.EphemeralPortLast = 65535
	}
	if c.EphemeralPortFirst > c.EphemeralPortLast {
		return errors.New("tcp: invalid ephemeral port range")
	}
	if c.WindowUpdateThresDiv == 0 {
		c.WindowUpdateThresDiv = 8
	}
	if c.Ttl == 0 {
		c.Ttl = c.Stack.DefaultTtl()
	}
	return nil
}

// Proto is the TCP engine. All methods must be called from loop context.
type Proto struct {
	log   *slog.Logger
	cfg   Config
	stack *ip.Stack
	loop  *eventloop.Loop

	pcbs  []pcb
	index map[fourTuple]*pcb
	// Unreferenced-PCB LRU: head is least recently used.
	unrefHead *pcb
	unrefTail *pcb

	listeners []*Listener

	isnCounter        seqNum
	nextEphemeralPort uint16
}

// NewProto creates the engine and registers it with the IP stack.
func NewProto(cfg Config) (*Proto, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Proto{
		log:               cfg.Log,
		cfg:               cfg,
		stack:             cfg.Stack,
		loop:              cfg.Stack.Loop(),
		pcbs:              make([]pcb, cfg.NumPcbs),
		index:             make(map[fourTuple]*pcb),
		isnCounter:        0x10000,
		nextEphemeralPort: cfg.EphemeralPortFirst,
	}
	for n := range p.pcbs {
		c := &p.pcbs[n]
		c.proto = p
		c.outputTimer = p.loop.NewTimer(func() { p.outputTimerHandler(c) })
		c.rtxTimer = p.loop.NewTimer(func() { p.rtxTimerHandler(c) })
	}
	cfg.Stack.RegisterProtocol(wire.ProtocolTcp, p)
	return p, nil
}

// genIsn produces an initial sequence number. A counter with a large
// stride keeps successive connections apart.
func (p *Proto) genIsn() seqNum {
	p.isnCounter += 0x3d4fa9
	return p.isnCounter
}

// --- PCB pool ---

func (p *Proto) unrefAppend(c *pcb) {
	if c.onUnref {
		return
	}
	c.onUnref = true
	c.unrefPrev = p.unrefTail
	c.unrefNext = nil
	if p.unrefTail != nil {
		p.unrefTail.unrefNext = c
	} else {
		p.unrefHead = c
	}
	p.unrefTail = c
}

func (p *Proto) unrefRemove(c *pcb) {
	if !c.onUnref {
		return
	}
	c.onUnref = false
	if c.unrefPrev != nil {
		c.unrefPrev.unrefNext = c.unrefNext
	} else {
		p.unrefHead = c.unrefNext
	}
	if c.unrefNext != nil {
		c.unrefNext.unrefPrev = c.unrefPrev
	} else {
		p.unrefTail = c.unrefPrev
	}
	c.unrefPrev = nil
	c.unrefNext = nil
}

// allocPcb takes a free pcb, or reclaims the least recently used
// unreferenced one by aborting it. Returns nil when the pool is exhausted
// by referenced connections.
func (p *Proto) allocPcb() *pcb {
	for n := range p.pcbs {
		if !p.pcbs[n].inPool() {
			return &p.pcbs[n]
		}
	}
	if victim := p.unrefHead; victim != nil {
		p.pcbAbort(victim, true)
		if !victim.inPool() {
			return victim
		}
	}
	return nil
}

func (p *Proto) findPcb(t fourTuple) *pcb {
	return p.index[t]
}

// pcbFree removes the pcb from the index and timers, returning it to
// the free state.
func (p *Proto) pcbFree(c *pcb) {
	if c.state == stateClosed {
		return
	}
	delete(p.index, c.tuple)
	p.unrefRemove(c)
	c.outputTimer.Unset()
	c.rtxTimer.Unset()
	if c.lis != nil {
		c.lis.numPcbs--
		if c.lis.acceptPcb == c {
			c.lis.acceptPcb = nil
		}
		c.lis = nil
	}
	if c.conn != nil {
		c.conn.mtuRef.Reset()
		c.conn.pcb = nil
		c.conn = nil
	}
	c.state = stateClosed
	c.flags = 0
	c.numDupAck = 0
}

// pcbAbort terminates the connection immediately, optionally sending a
// RST, and notifies the user.
func (p *Proto) pcbAbort(c *pcb, sendRst bool) {
	if c.state == stateClosed {
		return
	}
	if sendRst && c.state != stateSynSent && c.state != stateTimeWait {
		p.sendRstForPcb(c)
	}
	conn := c.conn
	p.pcbFree(c)
	if conn != nil {
		metricConnectionsAborted.Inc()
		conn.abortNotify()
	}
}

// --- segment emission ---

// sendSegment builds and emits one segment for arbitrary header values.
// data may be empty. Options are included when opts is non-nil.
func (p *Proto) sendSegment(local, remote wire.Ip4Addr, hdr wire.Tcp4Header,
	opts *wire.TcpOptions, data buf.Ref, iface *ip.Iface) error {

	optLen := 0
	if opts != nil {
		optLen = opts.SerializedLen()
	}
	tcpLen := wire.Tcp4HeaderLen + optLen
	storage := make([]byte, tcpHeaderReserve+tcpLen)
	hdrBytes := storage[tcpHeaderReserve:]

	hdr.SetOffsetFlags(tcpLen, hdr.Flags())
	hdr.Checksum = 0
	hdr.Put(hdrBytes)
	if opts != nil {
		opts.Put(hdrBytes[wire.Tcp4HeaderLen:])
	}

	a := wire.PseudoHeaderSum(local, remote, wire.ProtocolTcp, uint16(tcpLen+data.Len))
	a.AddBytes(hdrBytes)
	a.AddBufRef(data)
	hdr.Checksum = a.Final()
	hdr.Put(hdrBytes)

	node := buf.Node{Buf: storage}
	seg := buf.Ref{Node: &node, Off: tcpHeaderReserve, Len: tcpLen}
	if data.Len > 0 {
		var dataNode, spliceNode buf.Node
		seg = seg.SubHeaderToContinuedBy(tcpLen, data.ToNode(&dataNode), tcpLen+data.Len, &spliceNode)
	}

	metricSegmentsSent.Inc()
	return p.stack.SendIp4Dgram(local, remote, p.cfg.Ttl, wire.ProtocolTcp, seg, iface, nil, 0)
}

// sendRstReply answers a segment that has no PCB, per RFC 793: either
// ACK=seg.seq+seg.len with RST|ACK, or SEQ=seg.ack with RST.
func (p *Proto) sendRstReply(info ip.RxInfo, hdr wire.Tcp4Header, segLen int) {
	if hdr.Flags()&wire.TcpFlagRst != 0 {
		return
	}
	var reply wire.Tcp4Header
	reply.SrcPort = hdr.DstPort
	reply.DstPort = hdr.SrcPort
	if hdr.Flags()&wire.TcpFlagAck != 0 {
		reply.SeqNum = hdr.AckNum
		reply.SetOffsetFlags(wire.Tcp4HeaderLen, wire.TcpFlagRst)
	} else {
		reply.AckNum = hdr.SeqNum + uint32(segLen)
		reply.SetOffsetFlags(wire.Tcp4HeaderLen, wire.TcpFlagRst|wire.TcpFlagAck)
	}
	metricRstsSent.Inc()
	_ = p.sendSegment(info.Dst, info.Src, reply, nil, buf.Ref{}, nil)
}

// sendRstForPcb emits a RST for an aborted connection.
func (p *Proto) sendRstForPcb(c *pcb) {
	var hdr wire.Tcp4Header
	hdr.SrcPort = c.tuple.localPort
	hdr.DstPort = c.tuple.remotePort
	hdr.SeqNum = uint32(c.sndNxt)
	hdr.AckNum = uint32(c.rcvNxt)
	hdr.SetOffsetFlags(wire.Tcp4HeaderLen, wire.TcpFlagRst|wire.TcpFlagAck)
	metricRstsSent.Inc()
	_ = p.sendSegment(c.tuple.localAddr, c.tuple.remoteAddr, hdr, nil, buf.Ref{}, nil)
}

// --- ip.ProtocolHandler ---

// RecvIp4Dgram verifies and dispatches one TCP segment.
func (p *Proto) RecvIp4Dgram(info ip.RxInfo, dgram buf.Ref) {
	metricSegmentsReceived.Inc()

	if dgram.Len < wire.Tcp4HeaderLen {
		p.dropSegment("short")
		return
	}
	first := dgram.Node.Buf[dgram.Off:]
	if len(first) < wire.Tcp4HeaderLen {
		p.dropSegment("short")
		return
	}
	hdr, err := wire.DecodeTcp4Header(first)
	if err != nil {
		p.dropSegment("short")
		return
	}
	hdrLen := hdr.DataOffsetBytes()
	if hdrLen < wire.Tcp4HeaderLen || hdrLen > dgram.Len || len(first) < hdrLen {
		p.dropSegment("bad_offset")
		return
	}

	a := wire.PseudoHeaderSum(info.Src, info.Dst, wire.ProtocolTcp, uint16(dgram.Len))
	a.AddBufRef(dgram)
	if a.Final() != 0 {
		p.dropSegment("checksum")
		return
	}

	opts := wire.ParseTcpOptions(first[wire.Tcp4HeaderLen:hdrLen])
	data := dgram.HideHeader(hdrLen)

	p.processSegment(info, hdr, opts, data)
}

func (p *Proto) dropSegment(reason string) {
	metricSegmentsDropped.WithLabelValues(reason).Inc()
	p.log.Debug("tcp: segment dropped", "reason", reason)
}

// HandleIp4DestUnreach reacts to ICMP errors for our segments: a
// Fragmentation Needed report feeds the path-MTU cache, which in turn
// adapts affected connections through their MtuRefs.
func (p *Proto) HandleIp4DestUnreach(du ip.DestUnreachMeta, info ip.RxInfo, dgramInitial buf.Ref) {
	if du.Code != wire.Icmp4CodeFragNeeded {
		return
	}
	p.stack.HandleIcmpPacketTooBig(info.Dst, int(uint16(du.Rest)))
}

// allocateEphemeralPort walks the ephemeral range for a port making the
// tuple unique.
func (p *Proto) allocateEphemeralPort(t fourTuple) (uint16, error) {
	numPorts := int(p.cfg.EphemeralPortLast-p.cfg.EphemeralPortFirst) + 1
	for n := 0; n < numPorts; n++ {
		port := p.nextEphemeralPort
		if port >= p.cfg.EphemeralPortLast {
			p.nextEphemeralPort = p.cfg.EphemeralPortFirst
		} else {
			p.nextEphemeralPort = port + 1
		}
		t.localPort = port
		if p.findPcb(t) == nil {
			return port, nil
		}
	}
	return 0, ip.ErrNoPortAvailable
}
