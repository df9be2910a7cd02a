// Package ip implements the IPv4 layer of the stack: datagram parsing and
// emission, routing by longest prefix match, fragmentation and reassembly,
// a path-MTU cache, and internal ICMPv4 handling. Protocol modules (TCP,
// UDP) register as handlers and receive fully reassembled datagrams.
package ip

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/malbeclabs/tapstack/pkg/buf"
	"github.com/malbeclabs/tapstack/pkg/chksum"
	"github.com/malbeclabs/tapstack/pkg/eventloop"
	"github.com/malbeclabs/tapstack/pkg/wire"
)

// Config carries the stack tunables. Zero values select defaults.
type Config struct {
	Log  *slog.Logger
	Loop *eventloop.Loop

	// DefaultTtl is the TTL for locally originated datagrams.
	DefaultTtl uint8
	// AllowBroadcastPing enables echo replies to broadcast destinations.
	AllowBroadcastPing bool
	// MaxReassEntrys bounds concurrent reassemblies.
	MaxReassEntrys int
	// MaxReassSize bounds a reassembled IP payload in bytes.
	MaxReassSize int
	// ReassTimeout is how long an incomplete reassembly is kept.
	ReassTimeout time.Duration
	// PmtuTimeout is how long an unreferenced path-MTU estimate is kept.
	PmtuTimeout time.Duration
}

// Validate fills defaults and checks limits.
func (c *Config) Validate() error {
	if c.Log == nil {
		c.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Loop == nil {
		return errors.New("ip: event loop is required")
	}
	if c.DefaultTtl == 0 {
		c.DefaultTtl = 64
	}
	if c.MaxReassEntrys == 0 {
		c.MaxReassEntrys = 4
	}
	if c.MaxReassSize == 0 {
		c.MaxReassSize = 10000
	}
	if c.ReassTimeout == 0 {
		c.ReassTimeout = 10 * time.Second
	}
	if c.PmtuTimeout == 0 {
		c.PmtuTimeout = 10 * time.Minute
	}
	return nil
}

// Stack is the IPv4 layer. All methods must be called from loop context.
type Stack struct {
	log  *slog.Logger
	loop *eventloop.Loop
	cfg  Config

	ifaces    []*Iface
	protocols map[uint8]ProtocolHandler
	nextIdent uint16

	reass *reassembly
	pmtu  *pmtuCache
}

// NewStack creates the IPv4 layer.
func NewStack(cfg Config) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Stack{
		log:       cfg.Log,
		loop:      cfg.Loop,
		cfg:       cfg,
		protocols: make(map[uint8]ProtocolHandler),
	}
	s.reass = newReassembly(s)
	s.pmtu = newPmtuCache(s)
	return s, nil
}

// Loop returns the driving event loop.
func (s *Stack) Loop() *eventloop.Loop {
	return s.loop
}

// DefaultTtl returns the configured TTL for locally originated datagrams.
func (s *Stack) DefaultTtl() uint8 {
	return s.cfg.DefaultTtl
}

// RegisterProtocol installs the handler for an IP protocol number.
// ICMP is handled internally and cannot be registered.
func (s *Stack) RegisterProtocol(proto uint8, h ProtocolHandler) {
	if proto == wire.ProtocolIcmp {
		panic("ip: ICMP is handled internally")
	}
	s.protocols[proto] = h
}

// --- receive path ---

func (s *Stack) processRecvedIp4Packet(iface *Iface, pkt buf.Ref) {
	metricPacketsReceived.Inc()

	// The full header must sit in the first chunk so it can be parsed and
	// checksummed in place.
	first := pkt.Node.Buf[pkt.Off:]
	if pkt.Len < wire.Ip4HeaderLen || len(first) < wire.Ip4HeaderLen {
		s.drop("short_header")
		return
	}
	hdr, err := wire.DecodeIp4Header(first)
	if err != nil {
		s.drop("short_header")
		return
	}
	hdrLen := hdr.HeaderLen()
	if hdr.Version() != 4 || hdrLen < wire.Ip4HeaderLen || len(first) < hdrLen {
		s.drop("bad_header")
		return
	}
	if chksum.OfBytes(first[:hdrLen]) != 0 {
		s.drop("bad_checksum")
		return
	}
	totalLen := int(hdr.TotalLen)
	if totalLen < hdrLen || totalLen > pkt.Len {
		s.drop("bad_length")
		return
	}

	dgram := pkt.SubTo(totalLen).HideHeader(hdrLen)
	info := RxInfo{
		Iface:    iface,
		Src:      hdr.Src,
		Dst:      hdr.Dst,
		Ttl:      hdr.Ttl,
		Protocol: hdr.Protocol,
		Header:   first[:hdrLen],
	}

	if hdr.IsFragment() {
		// Only accept fragments addressed to us, to guard the pool.
		if !iface.IsIfaceAddr(hdr.Dst) {
			s.drop("fragment_not_for_us")
			return
		}
		reassembled, ok := s.reass.handleFragment(info, hdr, dgram)
		if !ok {
			return
		}
		// The entry was released; its storage stays valid until the next
		// allocation, which cannot happen during this dispatch.
		dgram = reassembled
		info.Header = nil
	}

	s.dispatchIp4Dgram(info, dgram)
}

func (s *Stack) dispatchIp4Dgram(info RxInfo, dgram buf.Ref) {
	for _, l := range info.Iface.listeners {
		if l.proto == info.Protocol && l.fn(info, dgram) {
			return
		}
	}
	if h, ok := s.protocols[info.Protocol]; ok {
		h.RecvIp4Dgram(info, dgram)
		return
	}
	if info.Protocol == wire.ProtocolIcmp {
		s.recvIcmp4(info, dgram)
		return
	}
	s.drop("unknown_protocol")
}

func (s *Stack) drop(reason string) {
	metricPacketsDropped.WithLabelValues(reason).Inc()
	s.log.Debug("ip: packet dropped", "reason", reason)
}

// --- send path ---

// Ip4RoundFragLen returns the largest fragment packet length with the data
// portion a multiple of 8 bytes.
func Ip4RoundFragLen(headerLen, mtu int) int {
	return headerLen + (mtu-headerLen)&^7
}

// SendIp4Dgram emits one IPv4 datagram. dgram must have
// HeaderBeforeIp4Dgram bytes of writable space in front of it in its first
// node. If iface is nil the route is looked up; otherwise the datagram is
// constrained to that interface. Exactly one identification value is
// consumed per call that reaches a driver.
func (s *Stack) SendIp4Dgram(src, dst wire.Ip4Addr, ttl, proto uint8, dgram buf.Ref,
	iface *Iface, retry *SendRetryRequest, flags SendFlags) error {

	var route routeResult
	var ok bool
	if iface == nil {
		route, ok = s.routeIp4(dst)
	} else {
		route, ok = s.routeIp4ViaIface(iface, dst)
	}
	if !ok {
		return ErrNoIpRoute
	}

	if route.iface.IsBroadcastAddr(dst) && flags&SendFlagAllowBroadcast == 0 {
		return ErrBroadcastRejected
	}

	if !dgram.HasHeader(wire.Ip4HeaderLen) {
		return ErrNoHeaderSpace
	}
	pkt := dgram.RevealHeader(wire.Ip4HeaderLen)
	hdrBytes := pkt.Node.Buf[pkt.Off : pkt.Off+wire.Ip4HeaderLen]

	mtu := route.iface.Mtu()
	if pkt.Len > mtu && flags&SendFlagDontFragment != 0 {
		return ErrFragmentationNeeded
	}

	ident := s.nextIdent
	s.nextIdent++

	hdr := wire.Ip4Header{
		VersionIhl: 4<<4 | wire.Ip4HeaderLen/4,
		Ident:      ident,
		Ttl:        ttl,
		Protocol:   proto,
		Src:        src,
		Dst:        dst,
	}
	if flags&SendFlagDontFragment != 0 {
		hdr.FlagsOffset |= wire.Ip4FlagDF
	}

	if pkt.Len <= mtu {
		hdr.TotalLen = uint16(pkt.Len)
		hdr.Put(hdrBytes)
		writeIp4HeaderChecksum(hdrBytes)
		metricDatagramsSent.Inc()
		return route.iface.driver.SendIp4Packet(pkt, route.nextHop, retry)
	}

	if flags&SendFlagDontFragment != 0 {
		return ErrFragmentationNeeded
	}
	return s.sendFragmented(pkt, hdr, hdrBytes, route, retry)
}

func (s *Stack) sendFragmented(pkt buf.Ref, hdr wire.Ip4Header, hdrBytes []byte,
	route routeResult, retry *SendRetryRequest) error {

	mtu := route.iface.Mtu()
	sendLen := Ip4RoundFragLen(wire.Ip4HeaderLen, mtu)

	hdr.TotalLen = uint16(sendLen)
	hdr.FlagsOffset |= wire.Ip4FlagMF
	hdr.Put(hdrBytes)
	writeIp4HeaderChecksum(hdrBytes)

	metricDatagramsSent.Inc()
	metricFragmentsSent.Inc()
	if err := route.iface.driver.SendIp4Packet(pkt.SubTo(sendLen), route.nextHop, retry); err != nil {
		return err
	}

	dgram := pkt.HideHeader(wire.Ip4HeaderLen)
	fragOffset := sendLen - wire.Ip4HeaderLen
	dgram.SkipBytes(fragOffset)

	for {
		more := true
		remaining := wire.Ip4HeaderLen + dgram.Len
		if remaining <= mtu {
			sendLen = remaining
			more = false
		}

		hdr.TotalLen = uint16(sendLen)
		hdr.FlagsOffset = uint16(fragOffset / 8)
		if more {
			hdr.FlagsOffset |= wire.Ip4FlagMF
		}
		hdr.Put(hdrBytes)
		writeIp4HeaderChecksum(hdrBytes)

		// Splice the rewritten header in front of the remaining payload.
		var dataNode, headerNode buf.Node
		fragPkt := pkt.SubHeaderToContinuedBy(
			wire.Ip4HeaderLen, dgram.ToNode(&dataNode), sendLen, &headerNode)

		metricFragmentsSent.Inc()
		err := route.iface.driver.SendIp4Packet(fragPkt, route.nextHop, retry)
		if !more || err != nil {
			return err
		}

		dataSent := sendLen - wire.Ip4HeaderLen
		fragOffset += dataSent
		dgram.SkipBytes(dataSent)
	}
}

func writeIp4HeaderChecksum(hdrBytes []byte) {
	hdrBytes[10] = 0
	hdrBytes[11] = 0
	c := chksum.OfBytes(hdrBytes)
	hdrBytes[10] = byte(c >> 8)
	hdrBytes[11] = byte(c)
}

// Ip4SendPrepared caches the route and constant header fields so a stream
// of datagrams with identical addressing can skip per-packet routing.
type Ip4SendPrepared struct {
	stack *Stack
	route routeResult
	src   wire.Ip4Addr
	dst   wire.Ip4Addr
	ttl   uint8
	proto uint8
	flags SendFlags
	// partialSum covers the constant header words.
	partialSum uint32
}

// PrepareSendIp4Dgram resolves the route and partial checksum once.
func (s *Stack) PrepareSendIp4Dgram(src, dst wire.Ip4Addr, ttl, proto uint8,
	iface *Iface, flags SendFlags) (*Ip4SendPrepared, error) {

	var route routeResult
	var ok bool
	if iface == nil {
		route, ok = s.routeIp4(dst)
	} else {
		route, ok = s.routeIp4ViaIface(iface, dst)
	}
	if !ok {
		return nil, ErrNoIpRoute
	}
	if route.iface.IsBroadcastAddr(dst) && flags&SendFlagAllowBroadcast == 0 {
		return nil, ErrBroadcastRejected
	}

	var a chksum.Accumulator
	a.AddWord16(uint16(4<<4|wire.Ip4HeaderLen/4) << 8)
	a.AddWord16(uint16(ttl)<<8 | uint16(proto))
	a.AddWord32(uint32(src))
	a.AddWord32(uint32(dst))
	if flags&SendFlagDontFragment != 0 {
		a.AddWord16(wire.Ip4FlagDF)
	}

	return &Ip4SendPrepared{
		stack: s, route: route, src: src, dst: dst,
		ttl: ttl, proto: proto, flags: flags,
		partialSum: a.State(),
	}, nil
}

// SendIp4DgramFast emits a datagram over a prepared route. It never
// fragments; oversized datagrams fail with ErrFragmentationNeeded.
func (p *Ip4SendPrepared) SendIp4DgramFast(dgram buf.Ref, retry *SendRetryRequest) error {
	s := p.stack
	if !dgram.HasHeader(wire.Ip4HeaderLen) {
		return ErrNoHeaderSpace
	}
	pkt := dgram.RevealHeader(wire.Ip4HeaderLen)
	if pkt.Len > p.route.iface.Mtu() {
		return ErrFragmentationNeeded
	}
	hdrBytes := pkt.Node.Buf[pkt.Off : pkt.Off+wire.Ip4HeaderLen]

	ident := s.nextIdent
	s.nextIdent++

	hdr := wire.Ip4Header{
		VersionIhl: 4<<4 | wire.Ip4HeaderLen/4,
		TotalLen:   uint16(pkt.Len),
		Ident:      ident,
		Ttl:        p.ttl,
		Protocol:   p.proto,
		Src:        p.src,
		Dst:        p.dst,
	}
	if p.flags&SendFlagDontFragment != 0 {
		hdr.FlagsOffset |= wire.Ip4FlagDF
	}

	a := chksum.Resume(p.partialSum)
	a.AddWord16(hdr.TotalLen)
	a.AddWord16(hdr.Ident)
	hdr.Checksum = a.Final()
	hdr.Put(hdrBytes)

	metricDatagramsSent.Inc()
	return p.route.iface.driver.SendIp4Packet(pkt, p.route.nextHop, retry)
}
