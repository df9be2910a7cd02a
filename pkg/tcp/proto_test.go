package tcp

import (
	"net"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/malbeclabs/tapstack/pkg/buf"
	"github.com/malbeclabs/tapstack/pkg/eventloop"
	"github.com/malbeclabs/tapstack/pkg/eventloop/looptest"
	"github.com/malbeclabs/tapstack/pkg/ip"
	"github.com/malbeclabs/tapstack/pkg/wire"
	"github.com/stretchr/testify/require"
)

var (
	localAddr   = wire.MakeIp4Addr(10, 0, 0, 2)
	peerAddr    = wire.MakeIp4Addr(10, 0, 0, 5)
	localIpNet  = net.IPv4(10, 0, 0, 2).To4()
	peerIpNet   = net.IPv4(10, 0, 0, 5).To4()
	peerPort    = uint16(40000)
	serverPort  = uint16(2001)
	headerSpace = 64
)

// fakeDriver captures IP packets the stack emits.
type fakeDriver struct {
	mtu  int
	pkts [][]byte
}

func (d *fakeDriver) SendIp4Packet(pkt buf.Ref, dst wire.Ip4Addr, retry *ip.SendRetryRequest) error {
	d.pkts = append(d.pkts, pkt.ToBytes())
	return nil
}

func (d *fakeDriver) IpMtu() int        { return d.mtu }
func (d *fakeDriver) HeaderBefore() int { return 14 }

type tcpEnv struct {
	t      *testing.T
	env    *looptest.Env
	stack  *ip.Stack
	driver *fakeDriver
	iface  *ip.Iface
	proto  *Proto
}

func newTcpEnv(t *testing.T) *tcpEnv {
	t.Helper()
	env := looptest.NewEnv()
	stack, err := ip.NewStack(ip.Config{Loop: env.Loop})
	require.NoError(t, err)
	driver := &fakeDriver{mtu: 1500}
	iface := stack.AddIface(driver)
	iface.SetAddr(localAddr, 24)
	proto, err := NewProto(Config{Stack: stack})
	require.NoError(t, err)
	return &tcpEnv{t: t, env: env, stack: stack, driver: driver, iface: iface, proto: proto}
}

// segSpec describes a peer segment to inject.
type segSpec struct {
	seq, ack                 uint32
	syn, ackF, fin, rst, psh bool
	wnd                      uint16
	mss                      uint16
	wscale                   int // -1: absent
	payload                  []byte
}

// inject builds the segment with gopacket (computing checksums) and feeds
// it to the stack as a received IP packet.
func (e *tcpEnv) inject(s segSpec) {
	e.t.Helper()
	ipl := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: peerIpNet, DstIP: localIpNet,
	}
	tcpl := &layers.TCP{
		SrcPort: layers.TCPPort(peerPort),
		DstPort: layers.TCPPort(serverPort),
		Seq:     s.seq,
		Ack:     s.ack,
		SYN:     s.syn,
		ACK:     s.ackF,
		FIN:     s.fin,
		RST:     s.rst,
		PSH:     s.psh,
		Window:  s.wnd,
	}
	if s.mss != 0 {
		tcpl.Options = append(tcpl.Options, layers.TCPOption{
			OptionType: layers.TCPOptionKindMSS, OptionLength: 4,
			OptionData: []byte{byte(s.mss >> 8), byte(s.mss)},
		})
	}
	if s.wscale >= 0 {
		tcpl.Options = append(tcpl.Options, layers.TCPOption{
			OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3,
			OptionData: []byte{byte(s.wscale)},
		})
	}
	require.NoError(e.t, tcpl.SetNetworkLayerForChecksum(ipl))
	sb := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(sb, gopacket.SerializeOptions{
		FixLengths: true, ComputeChecksums: true,
	}, ipl, tcpl, gopacket.Payload(s.payload))
	require.NoError(e.t, err)

	raw := sb.Bytes()
	storage := make([]byte, headerSpace+len(raw))
	copy(storage[headerSpace:], raw)
	node := buf.Node{Buf: storage}
	e.iface.RecvIp4Packet(buf.Ref{Node: &node, Off: headerSpace, Len: len(raw)})
}

// parsedSeg is one captured outgoing segment.
type parsedSeg struct {
	tcp     *layers.TCP
	payload []byte
}

// sent decodes every captured segment, verifying TCP checksums.
func (e *tcpEnv) sent() []parsedSeg {
	e.t.Helper()
	var out []parsedSeg
	for _, raw := range e.driver.pkts {
		pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
		require.Nil(e.t, pkt.ErrorLayer(), "undecodable segment")
		tcpl, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		require.True(e.t, ok)

		// Independent checksum verification.
		ipHdr, err := wire.DecodeIp4Header(raw)
		require.NoError(e.t, err)
		a := wire.PseudoHeaderSum(ipHdr.Src, ipHdr.Dst, wire.ProtocolTcp,
			uint16(len(raw)-ipHdr.HeaderLen()))
		a.AddBytes(raw[ipHdr.HeaderLen():])
		require.Equal(e.t, uint16(0), a.Final(), "bad TCP checksum on emitted segment")

		out = append(out, parsedSeg{tcp: tcpl, payload: tcpl.Payload})
	}
	return out
}

func (e *tcpEnv) clearSent() {
	e.driver.pkts = nil
}

// testApp is a connection callback sink with a ring receive buffer and a
// ring send buffer.
type testApp struct {
	t   *testing.T
	con *Connection

	rcvStorage  []byte
	rcvRing     buf.Ring
	readPos     int
	unconsumed  int
	autoConsume bool

	snd SendRingBuf

	rcvData     []byte
	established int
	aborted     int
	finReceived bool
	finAcked    bool
	sentBytes   int
}

func newTestApp(t *testing.T, rcvSize int, autoConsume bool) *testApp {
	return &testApp{t: t, rcvStorage: make([]byte, rcvSize), autoConsume: autoConsume}
}

func (a *testApp) setupBuffers(sndSize int) {
	a.rcvRing.Init(a.rcvStorage)
	a.con.SetRecvBuf(a.rcvRing.RefAt(0, len(a.rcvStorage)))
	a.snd.Setup(a.con, make([]byte, sndSize))
	a.con.SetProportionalWindowUpdateThreshold(len(a.rcvStorage), 8)
}

func (a *testApp) ConnectionEstablished() { a.established++ }
func (a *testApp) ConnectionAborted()     { a.aborted++ }

func (a *testApp) DataReceived(n int) {
	if n == 0 {
		a.finReceived = true
		return
	}
	r := a.rcvRing.RefAt(a.readPos, n)
	a.rcvData = append(a.rcvData, r.ToBytes()...)
	a.readPos = a.rcvRing.Add(a.readPos, n)
	if a.autoConsume {
		a.con.ExtendRecvBuf(n)
	} else {
		a.unconsumed += n
	}
}

func (a *testApp) consume() {
	a.con.ExtendRecvBuf(a.unconsumed)
	a.unconsumed = 0
}

func (a *testApp) DataSent(n int) {
	if n == 0 {
		a.finAcked = true
		return
	}
	a.sentBytes += n
}

// listen starts a listener that accepts one connection into app.
func (e *tcpEnv) listen(app *testApp, initialWnd, sndSize int) *Listener {
	e.t.Helper()
	lis := &Listener{}
	lis.SetInitialReceiveWindow(initialWnd)
	err := lis.StartListening(e.proto, ListenParams{
		Addr: wire.Ip4AddrZero, Port: serverPort, MaxPcbs: 4,
	}, func() {
		app.con = NewConnection(app)
		require.NoError(e.t, app.con.Accept(lis))
		app.setupBuffers(sndSize)
	})
	require.NoError(e.t, err)
	return lis
}

// handshake performs SYN / SYN-ACK / ACK with the given peer parameters
// and returns the server ISS.
func (e *tcpEnv) handshake(app *testApp, peerSeq uint32, peerWnd uint16, peerMss uint16, wscale int) uint32 {
	e.t.Helper()
	e.inject(segSpec{seq: peerSeq, syn: true, wnd: peerWnd, mss: peerMss, wscale: wscale})

	segs := e.sent()
	require.Len(e.t, segs, 1)
	synAck := segs[0].tcp
	require.True(e.t, synAck.SYN)
	require.True(e.t, synAck.ACK)
	require.Equal(e.t, peerSeq+1, synAck.Ack)
	iss := synAck.Seq
	e.clearSent()

	e.inject(segSpec{seq: peerSeq + 1, ack: iss + 1, ackF: true, wnd: peerWnd, wscale: -1})
	require.NotNil(e.t, app.con, "listener must have published the connection")
	return iss
}

func (e *tcpEnv) pcbOf(app *testApp) *pcb {
	require.NotNil(e.t, app.con)
	require.NotNil(e.t, app.con.pcb)
	return app.con.pcb
}

// --- scenarios ---

func TestTcp_Proto_PassiveEchoSingleSegment(t *testing.T) {
	t.Parallel()

	e := newTcpEnv(t)

	// An echo application: receive and send views share one 16-byte
	// ring, received bytes are queued straight back for sending.
	const bufSize = 16
	var ring buf.Ring
	storage := make([]byte, bufSize)
	app := &echoApp{t: t, ring: &ring, storage: storage}

	lis := &Listener{}
	lis.SetInitialReceiveWindow(bufSize)
	require.NoError(t, lis.StartListening(e.proto, ListenParams{
		Addr: wire.Ip4AddrZero, Port: serverPort, MaxPcbs: 1,
	}, func() {
		app.con = NewConnection(app)
		require.NoError(t, app.con.Accept(lis))
		ring.Init(storage)
		app.con.SetRecvBuf(ring.RefAt(0, bufSize))
		app.con.SetSendBuf(ring.RefAt(0, 0))
		app.con.SetProportionalWindowUpdateThreshold(bufSize, 8)
	}))

	// SYN seq=1000, wnd=8192, MSS=1460.
	e.inject(segSpec{seq: 1000, syn: true, wnd: 8192, mss: 1460, wscale: -1})
	segs := e.sent()
	require.Len(t, segs, 1)
	synAck := segs[0].tcp
	require.True(t, synAck.SYN && synAck.ACK)
	require.Equal(t, uint32(1001), synAck.Ack)
	require.Equal(t, uint16(bufSize), synAck.Window)
	iss := synAck.Seq
	var mssOpt bool
	for _, o := range synAck.Options {
		if o.OptionType == layers.TCPOptionKindMSS {
			mssOpt = true
			require.Equal(t, []byte{0x05, 0xb4}, o.OptionData) // 1460
		}
	}
	require.True(t, mssOpt)
	e.clearSent()

	// Handshake ACK, then the data.
	e.inject(segSpec{seq: 1001, ack: iss + 1, ackF: true, wnd: 8192, wscale: -1})
	e.clearSent()
	e.inject(segSpec{seq: 1001, ack: iss + 1, ackF: true, psh: true, wnd: 8192,
		wscale: -1, payload: []byte("HELLO\n")})

	// Exactly one segment: the echo, PSH+ACK, seq = ISS+1.
	segs = e.sent()
	require.Len(t, segs, 1)
	echo := segs[0].tcp
	require.Equal(t, []byte("HELLO\n"), segs[0].payload)
	require.True(t, echo.PSH)
	require.True(t, echo.ACK)
	require.Equal(t, iss+1, echo.Seq)
	require.Equal(t, uint32(1007), echo.Ack)
	e.clearSent()

	// Peer acks the echo; the app consumes, and the announced window
	// returns to the full buffer size.
	e.inject(segSpec{seq: 1007, ack: iss + 7, ackF: true, wnd: 8192, wscale: -1})
	segs = e.sent()
	require.NotEmpty(t, segs)
	last := segs[len(segs)-1].tcp
	require.Equal(t, uint16(bufSize), last.Window)
	require.EqualValues(t, bufSize, e.pcbOfCon(app.con).rcvAnnWnd)
}

func (e *tcpEnv) pcbOfCon(con *Connection) *pcb {
	require.NotNil(e.t, con)
	require.NotNil(e.t, con.pcb)
	return con.pcb
}

// echoApp queues every received byte for sending from the shared ring.
type echoApp struct {
	t       *testing.T
	con     *Connection
	ring    *buf.Ring
	storage []byte
}

func (a *echoApp) ConnectionEstablished() {}
func (a *echoApp) ConnectionAborted()     {}

func (a *echoApp) DataReceived(n int) {
	if n == 0 {
		a.con.CloseSending()
		return
	}
	a.con.ExtendSendBuf(n)
	a.con.SendPush()
}

func (a *echoApp) DataSent(n int) {
	if n > 0 {
		a.con.ExtendRecvBuf(n)
	}
}

func TestTcp_Proto_FastRetransmit(t *testing.T) {
	t.Parallel()

	e := newTcpEnv(t)
	app := newTestApp(t, 8192, true)
	e.listen(app, 8192, 8192)

	// Peer MSS 100 so segments are small.
	iss := e.handshake(app, 1000, 8192, 100, -1)
	c := e.pcbOf(app)
	require.Equal(t, 100, c.sndMss)
	e.clearSent()

	// Queue 500 bytes: S1..S5 of 100 bytes each (cwnd permitting).
	data := make([]byte, 500)
	for n := range data {
		data[n] = byte(n)
	}
	app.snd.WriteData(app.con, data)
	app.con.SendPush()
	e.env.RunStep()

	segs := e.sent()
	require.GreaterOrEqual(t, len(segs), 4)
	for n, s := range segs {
		require.Equal(t, iss+1+uint32(n*100), s.tcp.Seq)
		require.Len(t, s.payload, 100)
	}
	e.clearSent()

	// Peer acks S1.
	ackS1 := iss + 1 + 100
	e.inject(segSpec{seq: 1001, ack: ackS1, ackF: true, wnd: 8192, wscale: -1})
	e.env.RunStep()
	e.clearSent()

	// Three duplicate acks of the same point trigger exactly one
	// retransmission of S2.
	for n := 0; n < 3; n++ {
		e.inject(segSpec{seq: 1001, ack: ackS1, ackF: true, wnd: 8192, wscale: -1})
	}
	segs = e.sent()
	require.Len(t, segs, 1)
	require.Equal(t, ackS1, segs[0].tcp.Seq)
	require.Len(t, segs[0].payload, 100)

	// cwnd = ssthresh + 3*MSS per RFC 5681.
	require.Equal(t, app.con.ssthresh+300, app.con.cwnd)
	e.clearSent()

	// A fourth duplicate inflates the window but retransmits nothing
	// below snd_nxt.
	cwndBefore := app.con.cwnd
	e.inject(segSpec{seq: 1001, ack: ackS1, ackF: true, wnd: 8192, wscale: -1})
	require.Equal(t, cwndBefore+100, app.con.cwnd)
	for _, s := range e.sent() {
		require.GreaterOrEqual(t, int32(s.tcp.Seq-uint32(c.sndNxt)), int32(0),
			"only new data may go out on further duplicates")
	}

	// Full cumulative ack exits recovery with cwnd deflated.
	e.clearSent()
	e.inject(segSpec{seq: 1001, ack: uint32(c.sndNxt), ackF: true, wnd: 8192, wscale: -1})
	require.Zero(t, c.flags&flagRecover)
	require.LessOrEqual(t, app.con.cwnd, app.con.ssthresh)
}

func TestTcp_Proto_RecoveryExitLeavesCwndAtSsthresh(t *testing.T) {
	t.Parallel()

	e := newTcpEnv(t)
	app := newTestApp(t, 8192, true)
	e.listen(app, 8192, 8192)
	e.handshake(app, 1000, 8192, 100, -1)
	c := e.pcbOf(app)
	e.clearSent()

	data := make([]byte, 400)
	app.snd.WriteData(app.con, data)
	app.con.SendPush()
	e.env.RunStep()
	e.clearSent()

	ackPoint := uint32(c.sndUna)
	for n := 0; n < 3; n++ {
		e.inject(segSpec{seq: 1001, ack: ackPoint, ackF: true, wnd: 8192, wscale: -1})
	}
	require.NotZero(t, c.flags&flagRecover)

	// Ack everything (the recover point): cwnd deflates to ssthresh
	// (flight is zero at that moment).
	e.inject(segSpec{seq: 1001, ack: uint32(c.sndNxt), ackF: true, wnd: 8192, wscale: -1})
	require.Zero(t, c.flags&flagRecover)
	require.Equal(t, app.con.ssthresh, app.con.cwnd)
}

func TestTcp_Proto_GracefulClose(t *testing.T) {
	t.Parallel()

	e := newTcpEnv(t)
	app := newTestApp(t, 4096, true)
	e.listen(app, 4096, 4096)
	iss := e.handshake(app, 1000, 8192, 1460, -1)
	c := e.pcbOf(app)
	e.clearSent()

	// Write 100 bytes, peer acks them fully.
	app.snd.WriteData(app.con, make([]byte, 100))
	app.con.SendPush()
	e.env.RunStep()
	e.inject(segSpec{seq: 1001, ack: iss + 101, ackF: true, wnd: 8192, wscale: -1})
	require.Equal(t, 100, app.sentBytes)
	e.clearSent()

	// Close sending: one FIN right after the acknowledged data, with
	// seq = ISS + 101 (the current snd_una).
	app.con.CloseSending()
	require.Equal(t, stateFinWait1, c.state)
	e.env.RunStep()
	segs := e.sent()
	require.Len(t, segs, 1)
	require.True(t, segs[0].tcp.FIN)
	require.Equal(t, iss+101, segs[0].tcp.Seq)
	e.clearSent()

	// FIN-ACK moves to FIN_WAIT_2 and reports the FIN acked.
	e.inject(segSpec{seq: 1001, ack: iss + 102, ackF: true, wnd: 8192, wscale: -1})
	require.Equal(t, stateFinWait2, c.state)
	require.True(t, app.finAcked)

	// Peer FIN: end-of-stream callback, then TIME_WAIT.
	e.inject(segSpec{seq: 1001, ack: iss + 102, ackF: true, fin: true, wnd: 8192, wscale: -1})
	require.True(t, app.finReceived)
	require.Equal(t, stateTimeWait, c.state)

	// The final ACK acknowledges the FIN.
	segs = e.sent()
	require.NotEmpty(t, segs)
	require.Equal(t, uint32(1002), segs[len(segs)-1].tcp.Ack)

	// After 2*MSL the PCB returns to the free pool.
	e.env.RunFor(2*mslTime + time.Second)
	require.Equal(t, stateClosed, c.state)
	require.False(t, app.con.IsAttached())
}

func TestTcp_Proto_PmtuShrinkAdaptsMss(t *testing.T) {
	t.Parallel()

	e := newTcpEnv(t)
	app := newTestApp(t, 8192, true)
	e.listen(app, 8192, 8192)
	e.handshake(app, 1000, 8192, 1460, -1)
	c := e.pcbOf(app)
	require.Equal(t, 1460, c.sndMss)
	e.clearSent()

	// ICMP Fragmentation Needed, next-hop MTU 576.
	e.stack.HandleIcmpPacketTooBig(peerAddr, 576)
	require.Equal(t, 536, c.sndMss)
	require.GreaterOrEqual(t, app.con.ssthresh, 536)

	// The next send respects the new MSS.
	app.snd.WriteData(app.con, make([]byte, 2000))
	app.con.SendPush()
	e.env.RunStep()
	segs := e.sent()
	require.NotEmpty(t, segs)
	for _, s := range segs {
		require.LessOrEqual(t, len(s.payload), 536)
	}
	require.Len(t, segs[0].payload, 536)
}

func TestTcp_Proto_WindowScaling(t *testing.T) {
	t.Parallel()

	e := newTcpEnv(t)
	app := newTestApp(t, 8192, true)
	e.listen(app, 8192, 8192)

	// Peer offers window scale 14.
	e.inject(segSpec{seq: 1000, syn: true, wnd: 0xffff, mss: 1460, wscale: 14})
	segs := e.sent()
	require.Len(t, segs, 1)
	iss := segs[0].tcp.Seq
	e.clearSent()

	e.inject(segSpec{seq: 1001, ack: iss + 1, ackF: true, wnd: 0xffff, wscale: -1})
	c := e.pcbOf(app)

	// 0xffff << 14 is a 30-bit window, within the cap.
	require.Equal(t, uint32(0xffff)<<14, c.sndWnd)
	require.LessOrEqual(t, c.sndWnd, uint32(maxWindow))
}

func TestTcp_Proto_OutOfOrderReassembly(t *testing.T) {
	t.Parallel()

	e := newTcpEnv(t)
	app := newTestApp(t, 8192, true)
	e.listen(app, 8192, 8192)
	iss := e.handshake(app, 1000, 8192, 1460, -1)
	e.clearSent()

	// Second segment first: buffered, answered with a duplicate ACK.
	e.inject(segSpec{seq: 1011, ack: iss + 1, ackF: true, wnd: 8192, wscale: -1,
		payload: []byte("0123456789")})
	require.Empty(t, app.rcvData)
	segs := e.sent()
	require.NotEmpty(t, segs)
	require.Equal(t, uint32(1001), segs[len(segs)-1].tcp.Ack)
	e.clearSent()

	// The hole: both are delivered in one callback batch, in order.
	e.inject(segSpec{seq: 1001, ack: iss + 1, ackF: true, wnd: 8192, wscale: -1,
		payload: []byte("abcdefghij")})
	require.Equal(t, "abcdefghij0123456789", string(app.rcvData))
	segs = e.sent()
	require.NotEmpty(t, segs)
	require.Equal(t, uint32(1021), segs[len(segs)-1].tcp.Ack)
}

func TestTcp_Proto_RstAbortsConnection(t *testing.T) {
	t.Parallel()

	e := newTcpEnv(t)
	app := newTestApp(t, 4096, true)
	e.listen(app, 4096, 4096)
	_ = e.handshake(app, 1000, 8192, 1460, -1)

	e.inject(segSpec{seq: 1001, rst: true, wnd: 0, wscale: -1})
	require.Equal(t, 1, app.aborted)
	require.False(t, app.con.IsAttached())
}

func TestTcp_Proto_StraySegmentDrawsRst(t *testing.T) {
	t.Parallel()

	e := newTcpEnv(t)
	e.inject(segSpec{seq: 5000, ack: 1234, ackF: true, wnd: 100, wscale: -1})
	segs := e.sent()
	require.Len(t, segs, 1)
	require.True(t, segs[0].tcp.RST)
	require.Equal(t, uint32(1234), segs[0].tcp.Seq)
}

func TestTcp_Proto_ListenerFullDropsSyn(t *testing.T) {
	t.Parallel()

	e := newTcpEnv(t)
	lis := &Listener{}
	require.NoError(t, lis.StartListening(e.proto, ListenParams{
		Port: serverPort, MaxPcbs: 0x7fffffff,
	}, func() {}))
	lis.params.MaxPcbs = 0

	e.inject(segSpec{seq: 1, syn: true, wnd: 100, mss: 536, wscale: -1})
	require.Empty(t, e.sent())
}

func TestTcp_Proto_UnacceptedConnectionIsReset(t *testing.T) {
	t.Parallel()

	e := newTcpEnv(t)
	lis := &Listener{}
	lis.SetInitialReceiveWindow(1000)
	// The established handler never accepts.
	require.NoError(t, lis.StartListening(e.proto, ListenParams{
		Port: serverPort, MaxPcbs: 4,
	}, func() {}))

	e.inject(segSpec{seq: 1000, syn: true, wnd: 100, mss: 536, wscale: -1})
	segs := e.sent()
	require.Len(t, segs, 1)
	iss := segs[0].tcp.Seq
	e.clearSent()

	e.inject(segSpec{seq: 1001, ack: iss + 1, ackF: true, wnd: 100, wscale: -1})
	segs = e.sent()
	require.NotEmpty(t, segs)
	require.True(t, segs[len(segs)-1].tcp.RST)
}

func TestTcp_Proto_RtoRetransmitsAndCollapsesWindow(t *testing.T) {
	t.Parallel()

	e := newTcpEnv(t)
	app := newTestApp(t, 8192, true)
	e.listen(app, 8192, 8192)
	iss := e.handshake(app, 1000, 8192, 100, -1)
	c := e.pcbOf(app)
	e.clearSent()

	app.snd.WriteData(app.con, make([]byte, 300))
	app.con.SendPush()
	e.env.RunStep()
	require.NotEmpty(t, e.sent())
	e.clearSent()

	// No ack arrives: the retransmission timer fires, cwnd collapses to
	// one MSS, and the first segment goes out again.
	e.env.RunFor(2 * initialRtxTime)
	require.Equal(t, 100, app.con.cwnd)
	segs := e.sent()
	require.NotEmpty(t, segs)
	require.Equal(t, iss+1, segs[0].tcp.Seq)
	require.Len(t, segs[0].payload, 100)
	require.NotZero(t, c.flags&flagRtxActive)
}

func TestTcp_Proto_ZeroWindowProbe(t *testing.T) {
	t.Parallel()

	e := newTcpEnv(t)
	app := newTestApp(t, 8192, true)
	e.listen(app, 8192, 8192)
	iss := e.handshake(app, 1000, 8192, 100, -1)
	e.clearSent()

	// Peer closes its window before any data is sent.
	e.inject(segSpec{seq: 1001, ack: iss + 1, ackF: true, wnd: 0, wscale: -1, payload: []byte("x")})
	e.clearSent()

	app.snd.WriteData(app.con, make([]byte, 50))
	app.con.SendPush()
	e.env.RunStep()
	require.Empty(t, e.sent(), "no data may be sent into a zero window")

	// The probe timer sends a single byte.
	e.env.RunFor(2 * initialRtxTime)
	segs := e.sent()
	require.NotEmpty(t, segs)
	require.Len(t, segs[0].payload, 1)
	require.Equal(t, iss+1, segs[0].tcp.Seq)
}

func TestTcp_Proto_ActiveOpen(t *testing.T) {
	t.Parallel()

	e := newTcpEnv(t)
	app := newTestApp(t, 4096, true)
	app.con = NewConnection(app)
	require.NoError(t, app.con.Start(e.proto, StartParams{
		Addr: peerAddr, Port: 9000, InitialRcvWnd: 4096,
	}))

	segs := e.sent()
	require.Len(t, segs, 1)
	syn := segs[0].tcp
	require.True(t, syn.SYN)
	require.False(t, syn.ACK)
	localPort := uint16(syn.SrcPort)
	require.GreaterOrEqual(t, localPort, uint16(49152))
	iss := syn.Seq
	e.clearSent()

	// Peer SYN-ACK (crafted with swapped ports).
	ipl := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: peerIpNet, DstIP: localIpNet}
	tcpl := &layers.TCP{
		SrcPort: 9000, DstPort: layers.TCPPort(localPort),
		Seq: 7000, Ack: iss + 1, SYN: true, ACK: true, Window: 5000,
		Options: []layers.TCPOption{{
			OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x02, 0x58},
		}},
	}
	require.NoError(t, tcpl.SetNetworkLayerForChecksum(ipl))
	sb := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(sb, gopacket.SerializeOptions{
		FixLengths: true, ComputeChecksums: true}, ipl, tcpl))
	raw := sb.Bytes()
	storage := make([]byte, headerSpace+len(raw))
	copy(storage[headerSpace:], raw)
	node := buf.Node{Buf: storage}
	e.iface.RecvIp4Packet(buf.Ref{Node: &node, Off: headerSpace, Len: len(raw)})

	require.Equal(t, 1, app.established)
	c := e.pcbOfCon(app.con)
	require.Equal(t, stateEstablished, c.state)
	require.Equal(t, 600, c.sndMss)

	// The handshake completes with our ACK.
	segs = e.sent()
	require.NotEmpty(t, segs)
	final := segs[len(segs)-1].tcp
	require.True(t, final.ACK)
	require.False(t, final.SYN)
	require.Equal(t, uint32(7001), final.Ack)
}

func TestTcp_Proto_MayDelaySubMssTail(t *testing.T) {
	t.Parallel()

	e := newTcpEnv(t)
	app := newTestApp(t, 8192, true)
	e.listen(app, 8192, 8192)
	e.handshake(app, 1000, 8192, 1000, -1)
	e.clearSent()

	// A sub-MSS unpushed tail waits.
	app.snd.WriteData(app.con, make([]byte, 100))
	e.env.RunStep()
	require.Empty(t, e.sent())

	// Push releases it.
	app.con.SendPush()
	e.env.RunStep()
	segs := e.sent()
	require.Len(t, segs, 1)
	require.Len(t, segs[0].payload, 100)
	require.True(t, segs[0].tcp.PSH)
}

func TestTcp_ListenQueue_PrebuffersEarlyData(t *testing.T) {
	t.Parallel()

	e := newTcpEnv(t)
	var queue ListenQueue
	var readyCount int
	require.NoError(t, queue.Setup(e.proto, ListenQueueParams{
		Listen:           ListenParams{Port: serverPort, MaxPcbs: 4},
		QueueSize:        2,
		QueueRecvBufSize: 128,
		QueueTimeout:     5 * time.Second,
	}, func() { readyCount++ }))

	// Client connects and sends early data before anyone dequeues.
	e.inject(segSpec{seq: 1000, syn: true, wnd: 8192, mss: 1460, wscale: -1})
	segs := e.sent()
	require.Len(t, segs, 1)
	iss := segs[0].tcp.Seq
	e.clearSent()
	e.inject(segSpec{seq: 1001, ack: iss + 1, ackF: true, wnd: 8192, wscale: -1})
	require.Zero(t, readyCount, "no data yet: not ready")

	e.inject(segSpec{seq: 1001, ack: iss + 1, ackF: true, psh: true, wnd: 8192,
		wscale: -1, payload: []byte("GET /\n")})
	require.Equal(t, 1, readyCount)

	app := newTestApp(t, 4096, true)
	con, early, ok := queue.Dequeue(app)
	require.True(t, ok)
	require.Equal(t, "GET /\n", string(early))
	app.con = con
	app.setupBuffers(4096)

	_, _, ok = queue.Dequeue(app)
	require.False(t, ok)
}

func TestTcp_ListenQueue_EvictsIdleConnections(t *testing.T) {
	t.Parallel()

	e := newTcpEnv(t)
	var queue ListenQueue
	require.NoError(t, queue.Setup(e.proto, ListenQueueParams{
		Listen:           ListenParams{Port: serverPort, MaxPcbs: 4},
		QueueSize:        2,
		QueueRecvBufSize: 128,
		QueueTimeout:     3 * time.Second,
	}, func() {}))

	e.inject(segSpec{seq: 1000, syn: true, wnd: 8192, mss: 1460, wscale: -1})
	iss := e.sent()[0].tcp.Seq
	e.clearSent()
	e.inject(segSpec{seq: 1001, ack: iss + 1, ackF: true, wnd: 8192, wscale: -1})

	// Idle past the queue timeout: the slot is reclaimed.
	e.env.RunFor(5 * time.Second)
	var used int
	for n := range queue.slots {
		if queue.slots[n].used {
			used++
		}
	}
	require.Zero(t, used)
}

// pipeDriver queues emitted packets and delivers them to the peer
// interface from a zero-delay timer, so input processing is never
// reentered.
type pipeDriver struct {
	pump  *eventloop.Timer
	peer  *ip.Iface
	queue [][]byte
}

func newPipeDriver(loop *eventloop.Loop) *pipeDriver {
	d := &pipeDriver{}
	d.pump = loop.NewTimer(d.deliver)
	return d
}

func (d *pipeDriver) SendIp4Packet(pkt buf.Ref, dst wire.Ip4Addr, retry *ip.SendRetryRequest) error {
	d.queue = append(d.queue, pkt.ToBytes())
	d.pump.SetAfter(0)
	return nil
}

func (d *pipeDriver) IpMtu() int        { return 1500 }
func (d *pipeDriver) HeaderBefore() int { return 0 }

func (d *pipeDriver) deliver() {
	for len(d.queue) > 0 {
		pkt := d.queue[0]
		d.queue = d.queue[1:]
		storage := make([]byte, headerSpace+len(pkt))
		copy(storage[headerSpace:], pkt)
		node := buf.Node{Buf: storage}
		d.peer.RecvIp4Packet(buf.Ref{Node: &node, Off: headerSpace, Len: len(pkt)})
	}
}

func TestTcp_Proto_StreamLoopback(t *testing.T) {
	t.Parallel()

	// Two stacks joined by an in-memory pipe on one event loop: any
	// byte stream must arrive intact and in order, regardless of how
	// the sender chunks it into the send buffer.
	env := looptest.NewEnv()

	aAddr := wire.MakeIp4Addr(10, 0, 0, 1)
	bAddr := wire.MakeIp4Addr(10, 0, 0, 2)
	aDriver := newPipeDriver(env.Loop)
	bDriver := newPipeDriver(env.Loop)

	mkStack := func(addr wire.Ip4Addr, driver *pipeDriver) (*ip.Iface, *Proto) {
		stack, err := ip.NewStack(ip.Config{Loop: env.Loop})
		require.NoError(t, err)
		iface := stack.AddIface(driver)
		iface.SetAddr(addr, 24)
		proto, err := NewProto(Config{Stack: stack})
		require.NoError(t, err)
		return iface, proto
	}
	aIface, aProto := mkStack(aAddr, aDriver)
	bIface, bProto := mkStack(bAddr, bDriver)
	aDriver.peer = bIface
	bDriver.peer = aIface

	// Server side on B.
	server := newTestApp(t, 4096, true)
	lis := &Listener{}
	lis.SetInitialReceiveWindow(4096)
	require.NoError(t, lis.StartListening(bProto, ListenParams{
		Port: serverPort, MaxPcbs: 1,
	}, func() {
		server.con = NewConnection(server)
		require.NoError(t, server.con.Accept(lis))
		server.setupBuffers(4096)
	}))

	// Client side on A.
	client := newTestApp(t, 4096, true)
	client.con = NewConnection(client)
	require.NoError(t, client.con.Start(aProto, StartParams{
		Addr: bAddr, Port: serverPort, InitialRcvWnd: 4096,
	}))

	env.RunFor(2 * time.Second)
	require.Equal(t, 1, client.established)
	require.NotNil(t, server.con)

	// Stream pseudorandom data in uneven chunks.
	payload := make([]byte, 50000)
	state := uint32(0x2545f491)
	for n := range payload {
		state = state*1664525 + 1013904223
		payload[n] = byte(state >> 24)
	}
	chunks := []int{1, 7, 100, 1461, 999, 3000, 13}
	idx, chunkIdx := 0, 0
	for idx < len(payload) {
		free := client.snd.FreeLen(client.con)
		if free > 0 {
			n := min(free, chunks[chunkIdx%len(chunks)], len(payload)-idx)
			chunkIdx++
			client.snd.WriteData(client.con, payload[idx:idx+n])
			client.con.SendPush()
			idx += n
		}
		env.RunFor(100 * time.Millisecond)
	}
	client.con.CloseSending()
	env.RunFor(10 * time.Second)

	require.Equal(t, len(payload), len(server.rcvData))
	require.Equal(t, payload, server.rcvData)
	require.True(t, server.finReceived)
}
