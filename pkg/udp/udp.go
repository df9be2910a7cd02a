// Package udp implements the UDP module: port listeners, 4-tuple
// associations with ephemeral port allocation, checksum validation, and
// ICMP Port Unreachable emission for unclaimed datagrams.
package udp

import (
	"errors"
	"io"
	"log/slog"

	"github.com/malbeclabs/tapstack/pkg/buf"
	"github.com/malbeclabs/tapstack/pkg/ip"
	"github.com/malbeclabs/tapstack/pkg/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDatagramsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_udp_datagrams_received_total",
			Help: "UDP datagrams received",
		},
	)
	metricDatagramsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapstack_udp_datagrams_dropped_total",
			Help: "UDP datagrams dropped during receive processing",
		},
		[]string{"reason"},
	)
	metricPortUnreachSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_udp_port_unreach_sent_total",
			Help: "ICMP Port Unreachable messages emitted",
		},
	)
)

// RecvResult is a listener's verdict on a datagram.
type RecvResult uint8

const (
	// RecvReject passes the datagram to further listeners.
	RecvReject RecvResult = iota
	// RecvAcceptContinue accepts but lets later listeners see it too.
	RecvAcceptContinue
	// RecvAcceptStop accepts and ends the iteration.
	RecvAcceptStop
)

// RxPorts carries the transport addressing of a received datagram.
type RxPorts struct {
	SrcPort uint16
	DstPort uint16
}

// ListenerFunc handles a datagram on a listener.
type ListenerFunc func(info ip.RxInfo, ports RxPorts, data buf.Ref) RecvResult

// AssociationFunc handles a datagram on a 4-tuple association.
type AssociationFunc func(info ip.RxInfo, ports RxPorts, data buf.Ref)

// Config carries the module parameters.
type Config struct {
	Log   *slog.Logger
	Stack *ip.Stack

	EphemeralPortFirst uint16
	EphemeralPortLast  uint16
	// Ttl for sent datagrams; zero uses the stack default.
	Ttl uint8
}

// Validate fills defaults and checks limits.
func (c *Config) Validate() error {
	if c.Log == nil {
		c.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Stack == nil {
		return errors.New("udp: ip stack is required")
	}
	if c.EphemeralPortFirst == 0 {
		c.EphemeralPortFirst = 49152
	}
	if c.EphemeralPortLast == 0 {
		c.EphemeralPortLast = 65535
	}
	if c.EphemeralPortFirst > c.EphemeralPortLast {
		return errors.New("udp: invalid ephemeral port range")
	}
	if c.Ttl == 0 {
		c.Ttl = c.Stack.DefaultTtl()
	}
	return nil
}

type assocKey struct {
	localAddr  wire.Ip4Addr
	remoteAddr wire.Ip4Addr
	localPort  uint16
	remotePort uint16
}

// Proto is the UDP module. All methods must be called from loop context.
type Proto struct {
	log   *slog.Logger
	cfg   Config
	stack *ip.Stack

	listeners []*Listener
	assocs    map[assocKey]*Association

	nextEphemeralPort uint16
}

// NewProto creates the module and registers it with the IP stack.
func NewProto(cfg Config) (*Proto, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Proto{
		log:               cfg.Log,
		cfg:               cfg,
		stack:             cfg.Stack,
		assocs:            make(map[assocKey]*Association),
		nextEphemeralPort: cfg.EphemeralPortFirst,
	}
	cfg.Stack.RegisterProtocol(wire.ProtocolUdp, p)
	return p, nil
}

// --- listeners ---

// Listener receives datagrams for one local port.
type Listener struct {
	proto *Proto
	// Addr restricts the local address; zero accepts any, broadcast
	// included when AcceptBroadcast is set.
	Addr            wire.Ip4Addr
	Port            uint16
	AcceptBroadcast bool
	fn              ListenerFunc
}

// AddListener registers a listener. Listeners are consulted in
// registration order after associations.
func (p *Proto) AddListener(l *Listener, fn ListenerFunc) {
	l.proto = p
	l.fn = fn
	p.listeners = append(p.listeners, l)
}

// Reset detaches the listener; no further callbacks occur.
func (l *Listener) Reset() {
	p := l.proto
	if p == nil {
		return
	}
	for n, other := range p.listeners {
		if other == l {
			p.listeners = append(p.listeners[:n], p.listeners[n+1:]...)
			break
		}
	}
	l.proto = nil
}

// --- associations ---

// Association binds a 4-tuple for bidirectional traffic, holding a
// prepared send route so a stream of datagrams skips per-packet routing.
type Association struct {
	proto *Proto
	key   assocKey
	fn    AssociationFunc
	prep  *ip.Ip4SendPrepared
}

// Associate binds the 4-tuple. A zero localPort allocates an ephemeral
// port; a zero localAddr picks the route's interface address.
func (p *Proto) Associate(a *Association, localAddr wire.Ip4Addr, localPort uint16,
	remoteAddr wire.Ip4Addr, remotePort uint16, fn AssociationFunc) error {

	if localAddr == wire.Ip4AddrZero {
		iface, ok := p.stack.RouteIp4(remoteAddr)
		if !ok {
			return ip.ErrNoIpRoute
		}
		addr, _, hasAddr := iface.Addr()
		if !hasAddr {
			return ip.ErrNoIpRoute
		}
		localAddr = addr
	}

	key := assocKey{
		localAddr:  localAddr,
		remoteAddr: remoteAddr,
		localPort:  localPort,
		remotePort: remotePort,
	}
	if localPort == 0 {
		port, err := p.allocateEphemeralPort(key)
		if err != nil {
			return err
		}
		key.localPort = port
	} else if _, taken := p.assocs[key]; taken {
		return ip.ErrAddrInUse
	}

	prep, err := p.stack.PrepareSendIp4Dgram(localAddr, remoteAddr, p.cfg.Ttl,
		wire.ProtocolUdp, nil, 0)
	if err != nil {
		return err
	}

	a.proto = p
	a.key = key
	a.fn = fn
	a.prep = prep
	p.assocs[key] = a
	return nil
}

// LocalPort returns the bound local port.
func (a *Association) LocalPort() uint16 {
	return a.key.localPort
}

// Reset unbinds the association; no further callbacks occur.
func (a *Association) Reset() {
	if a.proto == nil {
		return
	}
	delete(a.proto.assocs, a.key)
	a.proto = nil
}

// Send transmits data to the associated peer over the prepared route. The
// data view must have UDP header space reserved in front of it.
func (a *Association) Send(data buf.Ref) error {
	return a.proto.sendUdp(a.key.localAddr, a.key.remoteAddr,
		a.key.localPort, a.key.remotePort, data, a.prep, nil, nil, 0)
}

func (p *Proto) allocateEphemeralPort(key assocKey) (uint16, error) {
	numPorts := int(p.cfg.EphemeralPortLast-p.cfg.EphemeralPortFirst) + 1
	for n := 0; n < numPorts; n++ {
		port := p.nextEphemeralPort
		if port >= p.cfg.EphemeralPortLast {
			p.nextEphemeralPort = p.cfg.EphemeralPortFirst
		} else {
			p.nextEphemeralPort = port + 1
		}
		key.localPort = port
		if _, taken := p.assocs[key]; !taken {
			return port, nil
		}
	}
	return 0, ip.ErrNoPortAvailable
}

// --- send ---

// HeaderBeforeUdpData returns the header space to reserve in front of a
// payload handed to SendUdpIp4Packet.
func HeaderBeforeUdpData(headerBeforeIp int) int {
	return ip.HeaderBeforeIp4Dgram(headerBeforeIp) + wire.UdpHeaderLen
}

// SendUdpIp4Packet emits one datagram. data must have UDP header space
// reserved in front of it in its first node.
func (p *Proto) SendUdpIp4Packet(src, dst wire.Ip4Addr, srcPort, dstPort uint16,
	data buf.Ref, iface *ip.Iface, retry *ip.SendRetryRequest, flags ip.SendFlags) error {
	return p.sendUdp(src, dst, srcPort, dstPort, data, nil, iface, retry, flags)
}

func (p *Proto) sendUdp(src, dst wire.Ip4Addr, srcPort, dstPort uint16,
	data buf.Ref, prep *ip.Ip4SendPrepared, iface *ip.Iface,
	retry *ip.SendRetryRequest, flags ip.SendFlags) error {

	if !data.HasHeader(wire.UdpHeaderLen) {
		return ip.ErrNoHeaderSpace
	}
	dgram := data.RevealHeader(wire.UdpHeaderLen)
	hdrBytes := dgram.Node.Buf[dgram.Off : dgram.Off+wire.UdpHeaderLen]

	hdr := wire.UdpHeader{
		SrcPort: srcPort,
		DstPort: dstPort,
		Length:  uint16(dgram.Len),
	}
	hdr.Put(hdrBytes)

	a := wire.PseudoHeaderSum(src, dst, wire.ProtocolUdp, uint16(dgram.Len))
	a.AddBufRef(dgram)
	chk := a.Final()
	if chk == 0 {
		// A computed zero is transmitted as all-ones (RFC 768).
		chk = 0xffff
	}
	hdr.Checksum = chk
	hdr.Put(hdrBytes)

	if prep != nil {
		err := prep.SendIp4DgramFast(dgram, retry)
		if !errors.Is(err, ip.ErrFragmentationNeeded) {
			return err
		}
		// Oversized for the fast path: fall through to the fragmenting
		// send.
	}
	return p.stack.SendIp4Dgram(src, dst, p.cfg.Ttl, wire.ProtocolUdp, dgram, iface, retry, flags)
}

// --- receive ---

// RecvIp4Dgram validates a datagram and walks the association, then the
// listener chain. Unclaimed datagrams to our own address draw an ICMP
// Port Unreachable.
func (p *Proto) RecvIp4Dgram(info ip.RxInfo, dgram buf.Ref) {
	metricDatagramsReceived.Inc()

	if dgram.Len < wire.UdpHeaderLen {
		p.drop("short")
		return
	}
	first := dgram.Node.Buf[dgram.Off:]
	if len(first) < wire.UdpHeaderLen {
		p.drop("short")
		return
	}
	hdr, err := wire.DecodeUdpHeader(first)
	if err != nil {
		p.drop("short")
		return
	}
	udpLen := int(hdr.Length)
	if udpLen < wire.UdpHeaderLen || udpLen > dgram.Len {
		p.drop("bad_length")
		return
	}
	dgram = dgram.SubTo(udpLen)

	if hdr.Checksum != 0 {
		a := wire.PseudoHeaderSum(info.Src, info.Dst, wire.ProtocolUdp, uint16(udpLen))
		a.AddBufRef(dgram)
		if a.Final() != 0 {
			p.drop("checksum")
			return
		}
	}

	ports := RxPorts{SrcPort: hdr.SrcPort, DstPort: hdr.DstPort}
	data := dgram.HideHeader(wire.UdpHeaderLen)

	key := assocKey{
		localAddr:  info.Dst,
		remoteAddr: info.Src,
		localPort:  hdr.DstPort,
		remotePort: hdr.SrcPort,
	}
	if a, ok := p.assocs[key]; ok {
		a.fn(info, ports, data)
		return
	}

	accepted := false
	isBroadcast := info.Iface.IsBroadcastAddr(info.Dst) || info.Dst.IsMulticast()
	for _, l := range p.listeners {
		if l.Port != hdr.DstPort {
			continue
		}
		if l.Addr != wire.Ip4AddrZero && l.Addr != info.Dst {
			continue
		}
		if isBroadcast && !l.AcceptBroadcast {
			continue
		}
		switch l.fn(info, ports, data) {
		case RecvAcceptStop:
			return
		case RecvAcceptContinue:
			accepted = true
		}
	}
	if accepted {
		return
	}

	if info.Iface.IsIfaceAddr(info.Dst) && info.Header != nil {
		metricPortUnreachSent.Inc()
		_ = p.stack.SendIcmp4DestUnreach(info, wire.Icmp4CodePortUnreach,
			info.Header, dgram)
	}
	p.drop("no_receiver")
}

func (p *Proto) drop(reason string) {
	metricDatagramsDropped.WithLabelValues(reason).Inc()
	p.log.Debug("udp: datagram dropped", "reason", reason)
}

// HandleIp4DestUnreach matches ICMP errors to the owning association and
// logs them at debug level; the association's callback is not invoked.
func (p *Proto) HandleIp4DestUnreach(du ip.DestUnreachMeta, info ip.RxInfo, dgramInitial buf.Ref) {
	if dgramInitial.Len < wire.UdpHeaderLen {
		return
	}
	var hdrBytes [wire.UdpHeaderLen]byte
	tmp := dgramInitial
	tmp.TakeBytes(wire.UdpHeaderLen, hdrBytes[:])
	hdr, err := wire.DecodeUdpHeader(hdrBytes[:])
	if err != nil {
		return
	}
	// The embedded datagram was one we sent: local is its source.
	key := assocKey{
		localAddr:  info.Src,
		remoteAddr: info.Dst,
		localPort:  hdr.SrcPort,
		remotePort: hdr.DstPort,
	}
	if _, ok := p.assocs[key]; ok {
		p.log.Debug("udp: destination unreachable", "code", du.Code,
			"remote", info.Dst, "port", hdr.DstPort)
	}
}
