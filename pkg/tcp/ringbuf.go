package tcp

import (
	"github.com/malbeclabs/tapstack/pkg/buf"
)

// SendRingBuf adapts a connection's send buffer to a ring: the
// application writes into the free region and publishes it with Provide
// or WriteData. The connection's send view always points into the ring.
type SendRingBuf struct {
	ring buf.Ring
}

// Setup installs storage as the connection's send ring. Any data already
// queued is copied over, preserving the unsent tail position.
func (r *SendRingBuf) Setup(con *Connection, storage []byte) {
	r.ring.Init(storage)

	old := con.sndBuf
	if old.Len > len(storage) {
		panic("tcp: send ring smaller than queued data")
	}
	unsent := con.sndBufCur.Len
	full := r.ring.RefAt(0, old.Len)
	if old.Len > 0 {
		tmp := full
		tmp.GiveBuf(old)
	}
	con.sndBuf = full
	con.sndBufCur = full.HideHeader(old.Len - unsent)
}

// FreeLen returns how many bytes the application may write.
func (r *SendRingBuf) FreeLen(con *Connection) int {
	return r.ring.Size() - con.GetSendBuf().Len
}

// WriteRange returns a view of the writable region after the queued data.
func (r *SendRingBuf) WriteRange(con *Connection) buf.Ref {
	sb := con.GetSendBuf()
	writePos := r.ring.Add(sb.Off, sb.Len)
	return r.ring.RefAt(writePos, r.FreeLen(con))
}

// WriteData copies data into the ring and queues it for sending.
func (r *SendRingBuf) WriteData(con *Connection, data []byte) {
	if len(data) > r.FreeLen(con) {
		panic("tcp: send ring overflow")
	}
	wr := r.WriteRange(con)
	wr.GiveBytes(data)
	con.ExtendSendBuf(len(data))
}

// Provide queues n bytes the application already wrote via WriteRange.
func (r *SendRingBuf) Provide(con *Connection, n int) {
	if n > r.FreeLen(con) {
		panic("tcp: send ring overflow")
	}
	con.ExtendSendBuf(n)
}

// RecvRingBuf adapts a connection's receive buffer to a ring: received
// data accumulates in the region behind the receive view and the
// application consumes it with ReadRange/Consumed.
type RecvRingBuf struct {
	ring buf.Ring
	// readPos tracks where unconsumed received data starts.
	readPos int
	// avail is how much received data the application has not consumed.
	avail int
}

// Setup installs storage as the connection's receive ring, announcing the
// whole of it as receive window.
func (r *RecvRingBuf) Setup(con *Connection, storage []byte) {
	r.ring.Init(storage)
	r.readPos = 0
	r.avail = 0
	con.SetRecvBuf(r.ring.RefAt(0, len(storage)))
}

// Received must be called from the DataReceived callback with its n.
func (r *RecvRingBuf) Received(n int) {
	r.avail += n
}

// ReadRange returns the contiguous prefix of unconsumed data. More data
// may remain past the wrap; call again after consuming.
func (r *RecvRingBuf) ReadRange() []byte {
	n := min(r.avail, r.ring.Size()-r.readPos)
	ref := r.ring.RefAt(r.readPos, n)
	return ref.Node.Buf[ref.Off : ref.Off+n]
}

// Available returns the total unconsumed byte count.
func (r *RecvRingBuf) Available() int {
	return r.avail
}

// Consumed reopens n bytes of window after the application processed
// them.
func (r *RecvRingBuf) Consumed(con *Connection, n int) {
	if n > r.avail {
		panic("tcp: consumed more than available")
	}
	r.avail -= n
	r.readPos = r.ring.Add(r.readPos, n)
	con.ExtendRecvBuf(n)
}
