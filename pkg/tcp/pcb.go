package tcp

import (
	"time"

	"github.com/malbeclabs/tapstack/pkg/eventloop"
	"github.com/malbeclabs/tapstack/pkg/wire"
)

// Protocol constants.
const (
	// fastRtxDupAcks is the duplicate-ACK threshold for fast retransmit.
	fastRtxDupAcks = 3

	// maxWindow bounds any window after scaling (2^30-1).
	maxWindow = 1<<30 - 1

	// maxRcvWndShift is the largest window scale the stack announces.
	maxRcvWndShift = 14

	// minAllowedMss is the floor on the send MSS: the minimum IP MTU less
	// the IP and TCP headers.
	minAllowedMss = 536

	ip4TcpHeaderLen = wire.Ip4HeaderLen + wire.Tcp4HeaderLen
)

// Timing constants.
const (
	minRtxTime     = 250 * time.Millisecond
	maxRtxTime     = 60 * time.Second
	initialRtxTime = time.Second

	// mslTime is the assumed maximum segment lifetime; TIME_WAIT lasts
	// twice this.
	mslTime = 30 * time.Second

	// outputRetryTime is the backoff after the driver reported a full
	// output buffer.
	outputRetryTime = 10 * time.Millisecond
)

// pcbState is the connection state. FIN_WAIT_2_TIME_WAIT is the transient
// between receiving a FIN in FIN_WAIT_2 context and entering TIME_WAIT
// after user callbacks complete.
type pcbState uint8

const (
	stateClosed pcbState = iota
	stateSynSent
	stateSynRcvd
	stateEstablished
	stateCloseWait
	stateLastAck
	stateFinWait1
	stateFinWait2
	stateFinWait2TimeWait
	stateClosing
	stateTimeWait
)

func (s pcbState) String() string {
	switch s {
	case stateClosed:
		return "CLOSED"
	case stateSynSent:
		return "SYN_SENT"
	case stateSynRcvd:
		return "SYN_RCVD"
	case stateEstablished:
		return "ESTABLISHED"
	case stateCloseWait:
		return "CLOSE_WAIT"
	case stateLastAck:
		return "LAST_ACK"
	case stateFinWait1:
		return "FIN_WAIT_1"
	case stateFinWait2:
		return "FIN_WAIT_2"
	case stateFinWait2TimeWait:
		return "FIN_WAIT_2_TIME_WAIT"
	case stateClosing:
		return "CLOSING"
	case stateTimeWait:
		return "TIME_WAIT"
	}
	return "?"
}

// canDeliverData reports states in which incoming data is processed.
func (s pcbState) canDeliverData() bool {
	return s == stateEstablished || s == stateFinWait1 || s == stateFinWait2
}

// canOutput reports states in which we may still send data or FIN.
func (s pcbState) canOutput() bool {
	switch s {
	case stateEstablished, stateCloseWait, stateFinWait1, stateClosing, stateLastAck:
		return true
	}
	return false
}

// sndOpen reports states in which the user may still queue send data.
func (s pcbState) sndOpen() bool {
	return s == stateSynSent || s == stateEstablished || s == stateCloseWait
}

type pcbFlags uint16

const (
	// flagAckPending defers the ACK for received data to the end of input
	// dispatch so one ACK covers the whole segment.
	flagAckPending pcbFlags = 1 << iota
	// flagOutPending defers output to the end of input dispatch.
	flagOutPending
	// flagFinPending means sending was closed but the FIN is not yet
	// counted in snd_nxt.
	flagFinPending
	// flagFinSent means snd_nxt includes the FIN.
	flagFinSent
	// flagRtxActive means a loss retransmission episode is in progress.
	flagRtxActive
	// flagRecover marks conn.recover as valid (fast recovery).
	flagRecover
	// flagRttPending means an RTT measurement awaits the ack of
	// conn.rttTestSeq.
	flagRttPending
	// flagRttValid means srtt and rttvar hold measurements.
	flagRttValid
	// flagCwndInit means cwnd still holds the initial window.
	flagCwndInit
	// flagCwndIncrd inhibits further congestion-avoidance increase until
	// the next RTT sample.
	flagCwndIncrd
	// flagIdleTimer means the rtx timer is armed as an idle timeout
	// rather than for retransmission.
	flagIdleTimer
	// flagZeroWindow means the peer announced a zero window and the rtx
	// timer probes it.
	flagZeroWindow
	// flagWndScale means window scaling was negotiated for this
	// connection (offered by us and, for passive opens, by the peer).
	flagWndScale
)

// fourTuple identifies a connection.
type fourTuple struct {
	localAddr  wire.Ip4Addr
	remoteAddr wire.Ip4Addr
	localPort  uint16
	remotePort uint16
}

// pcb is the per-connection protocol control block. PCBs live in a fixed
// pool owned by the Proto; a pcb not referenced by a Connection sits on
// the unreferenced LRU list for reclamation.
type pcb struct {
	proto *Proto
	state pcbState
	flags pcbFlags

	tuple fourTuple

	sndUna seqNum
	sndNxt seqNum
	sndWnd uint32
	// sndWndUpdSeq is the highest seg.seq a window update was taken from.
	sndWndUpdSeq seqNum
	sndWndShift  uint8
	sndMss       int
	baseSndMss   int

	rcvNxt      seqNum
	rcvAnnWnd   uint32
	rcvWndShift uint8
	// rcvAnnThres is the window growth at which an update is sent.
	rcvAnnThres uint32

	rto       time.Duration
	numDupAck uint8

	rttTestTime time.Time
	rttTestSeq  seqNum

	conn *Connection
	lis  *Listener

	outputTimer *eventloop.Timer
	rtxTimer    *eventloop.Timer

	// Unreferenced-LRU links.
	unrefPrev *pcb
	unrefNext *pcb
	onUnref   bool
}

// inPool reports whether the pcb is allocated.
func (c *pcb) inPool() bool { return c.state != stateClosed }

// hasConn reports whether a user Connection references the pcb.
func (c *pcb) hasConn() bool { return c.conn != nil }

// sndBufLen returns the queued send data length (zero when abandoned).
func (c *pcb) sndBufLen() int {
	if c.conn == nil {
		return 0
	}
	return c.conn.sndBuf.Len
}

// sndOffset returns how many queued bytes have been sent at least once.
func (c *pcb) sndOffset() int {
	if c.conn == nil {
		return 0
	}
	return c.conn.sndBuf.Len - c.conn.sndBufCur.Len
}

// rcvBufLen returns the receive room the user has provided.
func (c *pcb) rcvBufLen() int {
	if c.conn == nil {
		return 0
	}
	return c.conn.rcvBuf.Len
}

// cwnd returns the congestion window (effectively unlimited when
// abandoned, since nothing but a FIN remains).
func (c *pcb) cwnd() int {
	if c.conn == nil {
		return maxWindow
	}
	return c.conn.cwnd
}

// shrinkAnnWnd consumes announced receive window on delivery.
func (c *pcb) shrinkAnnWnd(n uint32) {
	if n > c.rcvAnnWnd {
		c.rcvAnnWnd = 0
		return
	}
	c.rcvAnnWnd -= n
}

// finNeeded reports whether a FIN is queued or already counted.
func (c *pcb) finNeeded() bool {
	return c.flags&(flagFinPending|flagFinSent) != 0
}
