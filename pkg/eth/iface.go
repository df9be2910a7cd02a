// Package eth implements the Ethernet interface layer: frame encode and
// decode, the ARP resolver and cache with weak/hard entry protection, and
// link-state observers. It sits between the IP stack and a raw frame
// driver such as a TAP device.
package eth

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/malbeclabs/tapstack/pkg/buf"
	"github.com/malbeclabs/tapstack/pkg/eventloop"
	"github.com/malbeclabs/tapstack/pkg/ip"
	"github.com/malbeclabs/tapstack/pkg/observer"
	"github.com/malbeclabs/tapstack/pkg/wire"
)

// ARP retry schedule.
const (
	arpQueryAttempts   = 3
	arpRefreshAttempts = 2

	arpBaseResponseTimeout = time.Second
	arpValidTimeout        = 60 * time.Second
)

// FrameDriver is the raw frame transport beneath the interface. Inbound
// frames are delivered by the driver calling Iface.RecvFrame.
type FrameDriver interface {
	// SendFrame transmits one complete Ethernet frame.
	SendFrame(frame buf.Ref) error
	// EthMtu returns the maximum frame size including the Ethernet header.
	EthMtu() int
}

// Config carries the interface parameters.
type Config struct {
	Log    *slog.Logger
	Stack  *ip.Stack
	Driver FrameDriver
	Mac    wire.MacAddr

	// NumArpEntries is the ARP cache capacity.
	NumArpEntries int
	// ArpProtectCount is the number of hard entries protected from
	// weak-lookup eviction.
	ArpProtectCount int
	// HeaderBeforeEth is outer header space reserved in front of frames
	// originated by the interface itself.
	HeaderBeforeEth int
}

// Validate fills defaults and checks limits.
func (c *Config) Validate() error {
	if c.Log == nil {
		c.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Stack == nil {
		return errors.New("eth: ip stack is required")
	}
	if c.Driver == nil {
		return errors.New("eth: frame driver is required")
	}
	if c.NumArpEntries == 0 {
		c.NumArpEntries = 16
	}
	if c.ArpProtectCount == 0 {
		c.ArpProtectCount = c.NumArpEntries / 2
	}
	if c.ArpProtectCount > c.NumArpEntries {
		return errors.New("eth: protect count exceeds cache size")
	}
	return nil
}

// Iface is one Ethernet interface attached to the IP stack. All methods
// must be called from loop context.
type Iface struct {
	log    *slog.Logger
	cfg    Config
	driver FrameDriver
	stack  *ip.Stack
	ipIf   *ip.Iface
	loop   *eventloop.Loop

	entries   []arpEntry
	usedFirst int
	freeFirst int
	arpTimer  *eventloop.Timer

	stateObs observer.Observable
}

// NewIface creates the interface and attaches it to the IP stack.
func NewIface(cfg Config) (*Iface, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	i := &Iface{
		log:       cfg.Log,
		cfg:       cfg,
		driver:    cfg.Driver,
		stack:     cfg.Stack,
		loop:      cfg.Stack.Loop(),
		entries:   make([]arpEntry, cfg.NumArpEntries),
		usedFirst: nullIdx,
		freeFirst: nullIdx,
	}
	for n := range i.entries {
		i.entries[n].prev = nullIdx
		i.entries[n].next = nullIdx
		i.freePrepend(n)
	}
	i.arpTimer = i.loop.NewTimer(i.handleArpTimer)
	i.ipIf = cfg.Stack.AddIface(i)
	return i, nil
}

// IpIface returns the IP-layer interface handle for address configuration
// and routing.
func (i *Iface) IpIface() *ip.Iface {
	return i.ipIf
}

// Mac returns the interface hardware address.
func (i *Iface) Mac() wire.MacAddr {
	return i.cfg.Mac
}

// --- ip.IfaceDriver ---

// IpMtu returns the IP MTU: the frame MTU less the Ethernet header.
func (i *Iface) IpMtu() int {
	return i.driver.EthMtu() - wire.EthHeaderLen
}

// HeaderBefore returns the space an IP packet must reserve for the
// Ethernet header plus any outer header.
func (i *Iface) HeaderBefore() int {
	return i.cfg.HeaderBeforeEth + wire.EthHeaderLen
}

// SendIp4Packet resolves the destination and transmits the packet in an
// Ethernet frame. With resolution outstanding, retry is queued on the ARP
// entry and ErrArpQueryInProgress returned.
func (i *Iface) SendIp4Packet(pkt buf.Ref, dst wire.Ip4Addr, retry *ip.SendRetryRequest) error {
	mac, err := i.resolveMac(dst, retry)
	if err != nil {
		return err
	}
	if !pkt.HasHeader(wire.EthHeaderLen) {
		return ip.ErrNoHeaderSpace
	}
	frame := pkt.RevealHeader(wire.EthHeaderLen)
	hdr := wire.EthHeader{Dst: mac, Src: i.cfg.Mac, Type: wire.EtherTypeIpv4}
	hdr.Put(frame.Node.Buf[frame.Off:])
	return i.driver.SendFrame(frame)
}

// --- receive ---

// RecvFrame is called by the driver for each received frame. The view is
// valid only for the duration of the call.
func (i *Iface) RecvFrame(frame buf.Ref) {
	metricFramesReceived.Inc()
	if frame.Len < wire.EthHeaderLen {
		metricFramesDropped.WithLabelValues("short").Inc()
		return
	}
	first := frame.Node.Buf[frame.Off:]
	if len(first) < wire.EthHeaderLen {
		metricFramesDropped.WithLabelValues("short").Inc()
		return
	}
	hdr, err := wire.DecodeEthHeader(first)
	if err != nil {
		metricFramesDropped.WithLabelValues("short").Inc()
		return
	}
	if hdr.Dst != i.cfg.Mac && hdr.Dst != wire.MacAddrBroadcast {
		metricFramesDropped.WithLabelValues("not_for_us").Inc()
		return
	}

	payload := frame.HideHeader(wire.EthHeaderLen)
	switch hdr.Type {
	case wire.EtherTypeArp:
		i.recvArpPacket(payload)
	case wire.EtherTypeIpv4:
		i.ipIf.RecvIp4Packet(payload)
	default:
		metricFramesDropped.WithLabelValues("ethertype").Inc()
	}
}

func (i *Iface) recvArpPacket(payload buf.Ref) {
	if payload.Len < wire.ArpPacketLen {
		metricFramesDropped.WithLabelValues("arp_short").Inc()
		return
	}
	var pktBytes [wire.ArpPacketLen]byte
	tmp := payload
	tmp.TakeBytes(wire.ArpPacketLen, pktBytes[:])
	pkt, err := wire.DecodeArpPacket(pktBytes[:])
	if err != nil || !pkt.Valid() {
		metricFramesDropped.WithLabelValues("arp_invalid").Inc()
		return
	}

	// Opportunistically learn the sender, weakly.
	i.saveHwAddr(pkt.SenderIp, pkt.SenderMac)

	if pkt.Op == wire.ArpOpRequest && i.ipIf.IsIfaceAddr(pkt.TargetIp) {
		i.sendArpPacket(wire.ArpOpReply, pkt.SenderMac, pkt.SenderIp)
	}
}

// NotifyLinkStateChanged is called by the driver on link state changes and
// fans out to registered observers.
func (i *Iface) NotifyLinkStateChanged() {
	i.stateObs.Notify(func(data any) {
		data.(*StateObserver).handler()
	})
}

// StateObserver subscribes to link-state notifications. Handlers may
// attach and detach observers freely during notification.
type StateObserver struct {
	ob      observer.Observer
	handler func()
}

// AddStateObserver registers a link-state observer.
func (i *Iface) AddStateObserver(o *StateObserver, handler func()) {
	o.handler = handler
	o.ob.Data = o
	i.stateObs.Attach(&o.ob)
}

// Reset detaches the observer.
func (o *StateObserver) Reset() {
	o.ob.Reset()
}
