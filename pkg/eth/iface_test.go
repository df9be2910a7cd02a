package eth

import (
	"testing"
	"time"

	"github.com/malbeclabs/tapstack/pkg/buf"
	"github.com/malbeclabs/tapstack/pkg/eventloop/looptest"
	"github.com/malbeclabs/tapstack/pkg/ip"
	"github.com/malbeclabs/tapstack/pkg/wire"
	"github.com/stretchr/testify/require"
)

var (
	testMac     = wire.MacAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	testPeerMac = wire.MacAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x99}
	testAddr    = wire.MakeIp4Addr(10, 0, 0, 2)
	testPeer    = wire.MakeIp4Addr(10, 0, 0, 9)
)

// captureDriver records transmitted frames.
type captureDriver struct {
	frames [][]byte
}

func (d *captureDriver) SendFrame(frame buf.Ref) error {
	d.frames = append(d.frames, frame.ToBytes())
	return nil
}

func (d *captureDriver) EthMtu() int { return 1514 }

// arpFrames decodes the captured ARP packets.
func (d *captureDriver) arpFrames(t *testing.T) []wire.ArpPacket {
	t.Helper()
	var out []wire.ArpPacket
	for _, f := range d.frames {
		hdr, err := wire.DecodeEthHeader(f)
		require.NoError(t, err)
		if hdr.Type != wire.EtherTypeArp {
			continue
		}
		pkt, err := wire.DecodeArpPacket(f[wire.EthHeaderLen:])
		require.NoError(t, err)
		out = append(out, pkt)
	}
	return out
}

type ethEnv struct {
	env    *looptest.Env
	stack  *ip.Stack
	driver *captureDriver
	iface  *Iface
}

func newEthEnv(t *testing.T, numEntries, protect int) *ethEnv {
	t.Helper()
	env := looptest.NewEnv()
	stack, err := ip.NewStack(ip.Config{Loop: env.Loop})
	require.NoError(t, err)
	driver := &captureDriver{}
	iface, err := NewIface(Config{
		Stack:           stack,
		Driver:          driver,
		Mac:             testMac,
		NumArpEntries:   numEntries,
		ArpProtectCount: protect,
	})
	require.NoError(t, err)
	iface.IpIface().SetAddr(testAddr, 24)
	return &ethEnv{env: env, stack: stack, driver: driver, iface: iface}
}

// sendToPeer attempts an IP send that requires ARP resolution.
func (e *ethEnv) sendToPeer(dst wire.Ip4Addr, retry *ip.SendRetryRequest) error {
	storage := make([]byte, 64+4)
	node := buf.Node{Buf: storage}
	dgram := buf.Ref{Node: &node, Off: 64, Len: 4}
	return e.stack.SendIp4Dgram(testAddr, dst, 64, 253, dgram, nil, retry, 0)
}

// deliverArpReply feeds an ARP reply frame from the peer.
func (e *ethEnv) deliverArpReply(senderIp wire.Ip4Addr, senderMac wire.MacAddr) {
	e.deliverArp(wire.ArpOpReply, senderIp, senderMac)
}

func (e *ethEnv) deliverArp(op uint16, senderIp wire.Ip4Addr, senderMac wire.MacAddr) {
	frame := make([]byte, wire.EthHeaderLen+wire.ArpPacketLen)
	hdr := wire.EthHeader{Dst: testMac, Src: senderMac, Type: wire.EtherTypeArp}
	hdr.Put(frame)
	pkt := wire.ArpPacket{
		HwType: wire.ArpHwTypeEth, ProtoType: wire.EtherTypeIpv4,
		HwLen: 6, ProtoLen: 4,
		Op:        op,
		SenderMac: senderMac, SenderIp: senderIp,
		TargetMac: testMac, TargetIp: testAddr,
	}
	pkt.Put(frame[wire.EthHeaderLen:])
	node := buf.Node{Buf: frame}
	e.iface.RecvFrame(buf.Ref{Node: &node, Len: len(frame)})
}

func TestEth_Arp_QueryRetrySchedule(t *testing.T) {
	t.Parallel()

	e := newEthEnv(t, 16, 8)
	err := e.sendToPeer(testPeer, nil)
	require.ErrorIs(t, err, ip.ErrArpQueryInProgress)

	// Initial broadcast request.
	reqs := e.driver.arpFrames(t)
	require.Len(t, reqs, 1)
	require.Equal(t, wire.ArpOpRequest, reqs[0].Op)
	require.Equal(t, testPeer, reqs[0].TargetIp)
	require.Equal(t, testAddr, reqs[0].SenderIp)

	// Retransmits at 1s and then 2s; after the 4s backoff the entry is
	// freed without another request.
	e.env.RunFor(1100 * time.Millisecond)
	require.Len(t, e.driver.arpFrames(t), 2)
	e.env.RunFor(2 * time.Second)
	require.Len(t, e.driver.arpFrames(t), 3)
	e.env.RunFor(10 * time.Second)
	require.Len(t, e.driver.arpFrames(t), 3)

	// The entry is back on the free list.
	require.Equal(t, -1, e.iface.usedFirst)
}

func TestEth_Arp_RetryCallbackDroppedOnTimeout(t *testing.T) {
	t.Parallel()

	e := newEthEnv(t, 16, 8)
	var retried bool
	var retry ip.SendRetryRequest
	retry.InitSendRetry(func() { retried = true })

	require.ErrorIs(t, e.sendToPeer(testPeer, &retry), ip.ErrArpQueryInProgress)
	require.True(t, retry.IsQueued())

	e.env.RunFor(time.Minute)
	require.False(t, retried)
	require.False(t, retry.IsQueued())
}

func TestEth_Arp_ReplyResolvesAndDispatchesRetry(t *testing.T) {
	t.Parallel()

	e := newEthEnv(t, 16, 8)
	var retried bool
	var retry ip.SendRetryRequest
	retry.InitSendRetry(func() { retried = true })
	require.ErrorIs(t, e.sendToPeer(testPeer, &retry), ip.ErrArpQueryInProgress)

	e.deliverArpReply(testPeer, testPeerMac)
	require.True(t, retried)

	// The next send resolves immediately and goes out as an IPv4 frame
	// to the learned MAC.
	before := len(e.driver.frames)
	require.NoError(t, e.sendToPeer(testPeer, nil))
	require.Len(t, e.driver.frames, before+1)
	hdr, err := wire.DecodeEthHeader(e.driver.frames[before])
	require.NoError(t, err)
	require.Equal(t, testPeerMac, hdr.Dst)
	require.Equal(t, testMac, hdr.Src)
	require.Equal(t, wire.EtherTypeIpv4, hdr.Type)
}

func TestEth_Arp_RequestForOurIpDrawsUnicastReply(t *testing.T) {
	t.Parallel()

	e := newEthEnv(t, 16, 8)
	e.deliverArp(wire.ArpOpRequest, testPeer, testPeerMac)

	replies := e.driver.arpFrames(t)
	require.Len(t, replies, 1)
	require.Equal(t, wire.ArpOpReply, replies[0].Op)
	require.Equal(t, testMac, replies[0].SenderMac)
	require.Equal(t, testAddr, replies[0].SenderIp)
	require.Equal(t, testPeerMac, replies[0].TargetMac)
	require.Equal(t, testPeer, replies[0].TargetIp)
}

func TestEth_Arp_BroadcastDestinationsNeedNoResolution(t *testing.T) {
	t.Parallel()

	e := newEthEnv(t, 16, 8)
	err := e.sendToPeer(wire.BroadcastOf(testAddr, 24), nil)
	// Broadcast sends require the allow flag at the IP layer.
	require.ErrorIs(t, err, ip.ErrBroadcastRejected)

	storage := make([]byte, 64+4)
	node := buf.Node{Buf: storage}
	dgram := buf.Ref{Node: &node, Off: 64, Len: 4}
	err = e.stack.SendIp4Dgram(testAddr, wire.BroadcastOf(testAddr, 24), 64, 253,
		dgram, nil, nil, ip.SendFlagAllowBroadcast)
	require.NoError(t, err)

	last := e.driver.frames[len(e.driver.frames)-1]
	hdr, err := wire.DecodeEthHeader(last)
	require.NoError(t, err)
	require.Equal(t, wire.MacAddrBroadcast, hdr.Dst)
}

func TestEth_Arp_OffSubnetWithoutGatewayHasNoIpRoute(t *testing.T) {
	t.Parallel()

	e := newEthEnv(t, 16, 8)
	// No gateway configured: off-subnet is unroutable at the IP layer.
	require.ErrorIs(t, e.sendToPeer(wire.MakeIp4Addr(192, 168, 77, 1), nil), ip.ErrNoIpRoute)
}

func TestEth_Arp_WeakEvictionPreservesProtectedHardEntries(t *testing.T) {
	t.Parallel()

	const numEntries, protect = 4, 2
	e := newEthEnv(t, numEntries, protect)

	// Create hard entries for 4 peers by resolving them (query started
	// by a send, completed by a reply).
	hardPeers := []wire.Ip4Addr{
		wire.MakeIp4Addr(10, 0, 0, 11),
		wire.MakeIp4Addr(10, 0, 0, 12),
		wire.MakeIp4Addr(10, 0, 0, 13),
		wire.MakeIp4Addr(10, 0, 0, 14),
	}
	for n, peer := range hardPeers {
		_ = e.sendToPeer(peer, nil)
		mac := testPeerMac
		mac[5] = byte(n)
		e.deliverArpReply(peer, mac)
	}

	// A storm of weak observations from new senders.
	for n := 0; n < 2*numEntries; n++ {
		mac := testPeerMac
		mac[4] = byte(n)
		e.deliverArpReply(wire.MakeIp4Addr(10, 0, 0, byte(100+n)), mac)
	}

	hard := 0
	for n := range e.iface.entries {
		en := &e.iface.entries[n]
		if en.state != arpFree && !en.weak {
			hard++
		}
	}
	require.GreaterOrEqual(t, hard, protect,
		"weak lookups must never evict past the protection count")
}

func TestEth_Iface_StateObserversSafeDuringNotify(t *testing.T) {
	t.Parallel()

	e := newEthEnv(t, 16, 8)
	var first, second StateObserver
	var order []string
	e.iface.AddStateObserver(&second, func() { order = append(order, "second") })
	e.iface.AddStateObserver(&first, func() {
		order = append(order, "first")
		// Detaching the other observer mid-notification must be safe.
		second.Reset()
	})

	e.iface.NotifyLinkStateChanged()
	require.Equal(t, []string{"first"}, order)

	order = nil
	e.iface.NotifyLinkStateChanged()
	require.Equal(t, []string{"first"}, order)
}
