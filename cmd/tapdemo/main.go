// tapdemo runs the user-space network stack on a Linux TAP device and
// serves two demo applications over it: a TCP echo server and a TCP
// line-parser server, plus a UDP echo responder.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/tapstack/pkg/buf"
	"github.com/malbeclabs/tapstack/pkg/eth"
	"github.com/malbeclabs/tapstack/pkg/eventloop"
	"github.com/malbeclabs/tapstack/pkg/ip"
	"github.com/malbeclabs/tapstack/pkg/tap"
	"github.com/malbeclabs/tapstack/pkg/tcp"
	"github.com/malbeclabs/tapstack/pkg/udp"
	"github.com/malbeclabs/tapstack/pkg/wire"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultDevice      = "tap0"
	defaultAddr        = "10.0.0.2/24"
	defaultMac         = "7e:5f:01:02:03:04"
	defaultMetricsAddr = ""

	echoPort      = 2001
	echoBufSize   = 10000
	linePort      = 2002
	lineBufSize   = 4096
	udpEchoPort   = 7
	maxClients    = 32
	wndUpdDivisor = 8
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	showVersionFlag := flag.Bool("version", false, "show version and exit")
	verboseFlag := flag.Bool("verbose", false, "verbose mode - show debug logs")
	deviceFlag := flag.String("device", defaultDevice, "TAP device name")
	addrFlag := flag.String("addr", defaultAddr, "interface address in CIDR form")
	gatewayFlag := flag.String("gateway", "", "default gateway address")
	macFlag := flag.String("mac", defaultMac, "interface MAC address")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address to serve prometheus metrics on (empty: disabled)")
	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	log := newLogger(*verboseFlag)

	prefix, err := netip.ParsePrefix(*addrFlag)
	if err != nil {
		log.Error("failed to parse interface address", "addr", *addrFlag, "error", err)
		return err
	}
	ifaceAddr, err := wire.Ip4AddrFromNetip(prefix.Addr())
	if err != nil {
		log.Error("interface address is not IPv4", "addr", *addrFlag, "error", err)
		return err
	}

	var mac wire.MacAddr
	if _, err := fmt.Sscanf(*macFlag, "%02x:%02x:%02x:%02x:%02x:%02x",
		&mac[0], &mac[1], &mac[2], &mac[3], &mac[4], &mac[5]); err != nil {
		log.Error("failed to parse MAC address", "mac", *macFlag, "error", err)
		return err
	}

	if *metricsAddrFlag != "" {
		go func() {
			log.Info("prometheus metrics server listening", "address", *metricsAddrFlag)
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddrFlag, nil); err != nil {
				log.Error("failed to serve metrics", "error", err)
			}
		}()
	}

	poller, err := eventloop.NewEpollPoller()
	if err != nil {
		log.Error("failed to create poller", "error", err)
		return err
	}
	defer poller.Close()

	loop, err := eventloop.New(eventloop.Config{Log: log, Poller: poller})
	if err != nil {
		log.Error("failed to create event loop", "error", err)
		return err
	}

	stack, err := ip.NewStack(ip.Config{Log: log, Loop: loop})
	if err != nil {
		log.Error("failed to create ip stack", "error", err)
		return err
	}

	device, err := tap.Open(log, *deviceFlag)
	if err != nil {
		log.Error("failed to open tap device", "device", *deviceFlag, "error", err)
		return err
	}
	defer device.Close()

	iface, err := eth.NewIface(eth.Config{
		Log:    log,
		Stack:  stack,
		Driver: device,
		Mac:    mac,
	})
	if err != nil {
		log.Error("failed to create ethernet interface", "error", err)
		return err
	}
	iface.IpIface().SetAddr(ifaceAddr, prefix.Bits())
	if *gatewayFlag != "" {
		gwAddr, err := netip.ParseAddr(*gatewayFlag)
		if err != nil {
			log.Error("failed to parse gateway", "gateway", *gatewayFlag, "error", err)
			return err
		}
		gw, err := wire.Ip4AddrFromNetip(gwAddr)
		if err != nil {
			log.Error("gateway is not IPv4", "gateway", *gatewayFlag, "error", err)
			return err
		}
		iface.IpIface().SetGateway(gw)
	}

	if err := device.Attach(loop, iface.RecvFrame); err != nil {
		log.Error("failed to attach tap device to loop", "error", err)
		return err
	}

	tcpProto, err := tcp.NewProto(tcp.Config{Log: log, Stack: stack})
	if err != nil {
		log.Error("failed to create tcp", "error", err)
		return err
	}
	udpProto, err := udp.NewProto(udp.Config{Log: log, Stack: stack})
	if err != nil {
		log.Error("failed to create udp", "error", err)
		return err
	}

	echo, err := newEchoServer(log, tcpProto)
	if err != nil {
		log.Error("failed to start echo server", "error", err)
		return err
	}
	defer echo.stop()

	lines, err := newLineServer(log, tcpProto)
	if err != nil {
		log.Error("failed to start line server", "error", err)
		return err
	}
	defer lines.stop()

	startUdpEcho(log, udpProto, iface)

	// Shut the loop down on SIGINT/SIGTERM via the async signal, the only
	// cross-thread entry point.
	stopSignal := loop.NewAsyncSignal(loop.Stop)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		stopSignal.Signal()
	}()

	log.Info("stack running", "device", *deviceFlag, "addr", *addrFlag,
		"echo_port", echoPort, "line_port", linePort, "udp_echo_port", udpEchoPort)
	return loop.Run()
}

// --- TCP echo server ---
//
// The receive and send views share one ring per client: bytes received
// into the ring are queued for sending as-is, and acknowledged bytes
// reopen the receive window.

type echoServer struct {
	log     *slog.Logger
	proto   *tcp.Proto
	lis     tcp.Listener
	clients map[*echoClient]struct{}
}

type echoClient struct {
	srv     *echoServer
	con     *tcp.Connection
	ring    buf.Ring
	storage []byte
}

func newEchoServer(log *slog.Logger, proto *tcp.Proto) (*echoServer, error) {
	s := &echoServer{log: log, proto: proto, clients: make(map[*echoClient]struct{})}
	s.lis.SetInitialReceiveWindow(echoBufSize)
	err := s.lis.StartListening(proto, tcp.ListenParams{
		Addr:    wire.Ip4AddrZero,
		Port:    echoPort,
		MaxPcbs: maxClients,
	}, s.onEstablished)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *echoServer) stop() {
	for c := range s.clients {
		c.con.Reset(true)
		delete(s.clients, c)
	}
	s.lis.Reset()
}

func (s *echoServer) onEstablished() {
	if len(s.clients) >= maxClients {
		return
	}
	c := &echoClient{srv: s, storage: make([]byte, echoBufSize)}
	c.con = tcp.NewConnection(c)
	if err := c.con.Accept(&s.lis); err != nil {
		s.log.Error("echo: accept failed", "error", err)
		return
	}
	c.ring.Init(c.storage)
	c.con.SetRecvBuf(c.ring.RefAt(0, echoBufSize))
	c.con.SetSendBuf(c.ring.RefAt(0, 0))
	c.con.SetProportionalWindowUpdateThreshold(echoBufSize, wndUpdDivisor)
	s.clients[c] = struct{}{}
	s.log.Debug("echo: client connected")
}

func (c *echoClient) ConnectionEstablished() {}

func (c *echoClient) ConnectionAborted() {
	c.srv.log.Debug("echo: client aborted")
	delete(c.srv.clients, c)
}

func (c *echoClient) DataReceived(n int) {
	if n == 0 {
		// Peer finished; finish our side once everything echoed back.
		c.con.CloseSending()
		return
	}
	// The bytes are already in the shared ring; queue them for sending.
	c.con.ExtendSendBuf(n)
	c.con.SendPush()
}

func (c *echoClient) DataSent(n int) {
	if n == 0 {
		c.con.Reset(false)
		delete(c.srv.clients, c)
		c.srv.log.Debug("echo: client closed")
		return
	}
	// Echoed bytes leave the ring; reopen the receive window.
	c.con.ExtendRecvBuf(n)
}

// --- TCP line server ---
//
// Accepts through a listen queue so clients are handed over only once
// they have sent something, then answers each received line.

type lineServer struct {
	log     *slog.Logger
	proto   *tcp.Proto
	queue   tcp.ListenQueue
	clients map[*lineClient]struct{}
}

type lineClient struct {
	srv  *lineServer
	con  *tcp.Connection
	rcv  tcp.RecvRingBuf
	snd  tcp.SendRingBuf
	line []byte
}

func newLineServer(log *slog.Logger, proto *tcp.Proto) (*lineServer, error) {
	s := &lineServer{log: log, proto: proto, clients: make(map[*lineClient]struct{})}
	err := s.queue.Setup(proto, tcp.ListenQueueParams{
		Listen: tcp.ListenParams{
			Addr:    wire.Ip4AddrZero,
			Port:    linePort,
			MaxPcbs: maxClients,
		},
		QueueSize:        4,
		QueueRecvBufSize: 256,
		QueueTimeout:     10 * time.Second,
	}, s.onReady)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *lineServer) stop() {
	for c := range s.clients {
		c.con.Reset(true)
		delete(s.clients, c)
	}
	s.queue.Reset()
}

func (s *lineServer) onReady() {
	for {
		if len(s.clients) >= maxClients {
			return
		}
		c := &lineClient{srv: s}
		con, early, ok := s.queue.Dequeue(c)
		if !ok {
			return
		}
		c.con = con
		c.rcv.Setup(con, make([]byte, lineBufSize))
		c.snd.Setup(con, make([]byte, lineBufSize))
		con.SetProportionalWindowUpdateThreshold(lineBufSize, wndUpdDivisor)
		s.clients[c] = struct{}{}
		if len(early) > 0 {
			c.feed(early)
		}
	}
}

func (c *lineClient) ConnectionEstablished() {}

func (c *lineClient) ConnectionAborted() {
	delete(c.srv.clients, c)
}

func (c *lineClient) DataReceived(n int) {
	if n == 0 {
		c.con.CloseSending()
		return
	}
	c.rcv.Received(n)
	for c.rcv.Available() > 0 {
		chunk := c.rcv.ReadRange()
		c.feed(chunk)
		c.rcv.Consumed(c.con, len(chunk))
	}
}

func (c *lineClient) DataSent(n int) {
	if n == 0 {
		c.con.Reset(false)
		delete(c.srv.clients, c)
	}
}

// feed accumulates bytes and answers each complete line.
func (c *lineClient) feed(data []byte) {
	for _, b := range data {
		if b == '\n' {
			reply := fmt.Sprintf("line: %d bytes\n", len(c.line))
			c.line = c.line[:0]
			if len(reply) <= c.snd.FreeLen(c.con) {
				c.snd.WriteData(c.con, []byte(reply))
				c.con.SendPush()
			}
			continue
		}
		if len(c.line) < lineBufSize {
			c.line = append(c.line, b)
		}
	}
}

// --- UDP echo ---

func startUdpEcho(log *slog.Logger, proto *udp.Proto, iface *eth.Iface) {
	headerSpace := udp.HeaderBeforeUdpData(iface.HeaderBefore())
	lis := &udp.Listener{Port: udpEchoPort}
	proto.AddListener(lis, func(info ip.RxInfo, ports udp.RxPorts, data buf.Ref) udp.RecvResult {
		storage := make([]byte, headerSpace+data.Len)
		payload := buf.Ref{Node: &buf.Node{Buf: storage}, Off: headerSpace, Len: data.Len}
		reply := payload
		reply.GiveBuf(data)
		err := proto.SendUdpIp4Packet(info.Dst, info.Src, ports.DstPort, ports.SrcPort,
			payload, nil, nil, 0)
		if err != nil {
			log.Debug("udp echo: send failed", "error", err)
		}
		return udp.RecvAcceptStop
	})
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
