package ip

import (
	"github.com/malbeclabs/tapstack/pkg/buf"
	"github.com/malbeclabs/tapstack/pkg/wire"
)

// IfaceDriver is the link-layer side of an interface; the Ethernet
// interface implements it. SendIp4Packet receives a view whose first node
// has HeaderBefore bytes of writable space preceding it for the link
// header.
type IfaceDriver interface {
	// SendIp4Packet transmits an IP packet to the link-layer destination
	// resolved from dst. retry may be queued if resolution is outstanding.
	SendIp4Packet(pkt buf.Ref, dst wire.Ip4Addr, retry *SendRetryRequest) error

	// IpMtu returns the interface IP MTU.
	IpMtu() int

	// HeaderBefore returns the link header space needed in front of an IP
	// packet handed to SendIp4Packet.
	HeaderBefore() int
}

// Iface is one attached network interface. Created by Stack.AddIface;
// drivers deliver inbound packets through RecvIp4Packet.
type Iface struct {
	stack  *Stack
	driver IfaceDriver

	hasAddr bool
	addr    wire.Ip4Addr
	prefix  int

	hasGateway bool
	gateway    wire.Ip4Addr

	listeners []*IfaceListener
}

// AddIface attaches a driver as a new interface. The most recently added
// interface wins routing ties.
func (s *Stack) AddIface(driver IfaceDriver) *Iface {
	i := &Iface{stack: s, driver: driver}
	s.ifaces = append([]*Iface{i}, s.ifaces...)
	return i
}

// Remove detaches the interface from the stack.
func (i *Iface) Remove() {
	s := i.stack
	for n, other := range s.ifaces {
		if other == i {
			s.ifaces = append(s.ifaces[:n], s.ifaces[n+1:]...)
			break
		}
	}
	i.stack = nil
}

// SetAddr configures the interface address and subnet prefix.
func (i *Iface) SetAddr(addr wire.Ip4Addr, prefix int) {
	i.hasAddr = true
	i.addr = addr
	i.prefix = prefix
}

// RemoveAddr clears the interface address.
func (i *Iface) RemoveAddr() {
	i.hasAddr = false
}

// Addr returns the configured address, if any.
func (i *Iface) Addr() (wire.Ip4Addr, int, bool) {
	return i.addr, i.prefix, i.hasAddr
}

// SetGateway configures the default gateway used when no subnet matches.
func (i *Iface) SetGateway(gw wire.Ip4Addr) {
	i.hasGateway = true
	i.gateway = gw
}

// RemoveGateway clears the gateway.
func (i *Iface) RemoveGateway() {
	i.hasGateway = false
}

// Mtu returns the interface IP MTU.
func (i *Iface) Mtu() int {
	return i.driver.IpMtu()
}

// IsIfaceAddr reports whether addr is the interface's own address.
func (i *Iface) IsIfaceAddr(addr wire.Ip4Addr) bool {
	return i.hasAddr && addr == i.addr
}

// IsBroadcastAddr reports whether addr is all-ones or the interface's
// subnet broadcast.
func (i *Iface) IsBroadcastAddr(addr wire.Ip4Addr) bool {
	if addr == wire.Ip4AddrAllOnes {
		return true
	}
	return i.hasAddr && addr == wire.BroadcastOf(i.addr, i.prefix)
}

// ContainsAddr reports whether addr is in the interface subnet.
func (i *Iface) ContainsAddr(addr wire.Ip4Addr) bool {
	return i.hasAddr && addr.InSubnet(i.addr, i.prefix)
}

// RecvIp4Packet is called by the driver for each received IP packet. The
// view is valid only for the duration of the call.
func (i *Iface) RecvIp4Packet(pkt buf.Ref) {
	i.stack.processRecvedIp4Packet(i, pkt)
}

// IfaceListener hooks one IP protocol on one interface ahead of normal
// protocol dispatch.
type IfaceListener struct {
	iface *Iface
	proto uint8
	fn    IfaceListenerFunc
}

// AddListener registers a per-interface protocol listener.
func (i *Iface) AddListener(proto uint8, fn IfaceListenerFunc) *IfaceListener {
	l := &IfaceListener{iface: i, proto: proto, fn: fn}
	i.listeners = append(i.listeners, l)
	return l
}

// Reset detaches the listener; no further callbacks occur.
func (l *IfaceListener) Reset() {
	i := l.iface
	if i == nil {
		return
	}
	for n, other := range i.listeners {
		if other == l {
			i.listeners = append(i.listeners[:n], i.listeners[n+1:]...)
			break
		}
	}
	l.iface = nil
}

// routeResult is a resolved route: the egress interface and the immediate
// link destination (final destination or gateway).
type routeResult struct {
	iface   *Iface
	nextHop wire.Ip4Addr
}

// routeIp4 finds the egress interface for dst by longest prefix match over
// interface subnets, falling back to the first interface with a gateway.
func (s *Stack) routeIp4(dst wire.Ip4Addr) (routeResult, bool) {
	var best *Iface
	bestPrefix := -1
	for _, i := range s.ifaces {
		if i.ContainsAddr(dst) && i.prefix > bestPrefix {
			best = i
			bestPrefix = i.prefix
		}
	}
	if best != nil {
		return routeResult{iface: best, nextHop: dst}, true
	}
	for _, i := range s.ifaces {
		if i.hasGateway && i.hasAddr {
			return routeResult{iface: i, nextHop: i.gateway}, true
		}
	}
	return routeResult{}, false
}

// routeIp4ViaIface resolves the next hop for dst constrained to one
// interface.
func (s *Stack) routeIp4ViaIface(i *Iface, dst wire.Ip4Addr) (routeResult, bool) {
	if i.ContainsAddr(dst) || i.IsBroadcastAddr(dst) {
		return routeResult{iface: i, nextHop: dst}, true
	}
	if i.hasGateway {
		return routeResult{iface: i, nextHop: i.gateway}, true
	}
	return routeResult{}, false
}

// RouteIp4 exposes route lookup: it returns the egress interface for dst.
func (s *Stack) RouteIp4(dst wire.Ip4Addr) (*Iface, bool) {
	r, ok := s.routeIp4(dst)
	if !ok {
		return nil, false
	}
	return r.iface, true
}
