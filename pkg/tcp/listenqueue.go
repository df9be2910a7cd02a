package tcp

import (
	"errors"
	"time"

	"github.com/malbeclabs/tapstack/pkg/buf"
	"github.com/malbeclabs/tapstack/pkg/eventloop"
)

// ListenQueueParams configure a queue-fronted listener.
type ListenQueueParams struct {
	Listen ListenParams
	// QueueSize is the number of accepted-but-undequeued slots.
	QueueSize int
	// QueueRecvBufSize is the per-slot pre-buffer for early client data.
	QueueRecvBufSize int
	// QueueTimeout evicts queued connections that never send anything.
	QueueTimeout time.Duration
}

// ListenQueue fronts a listener with an accept backlog: connections are
// accepted immediately into small per-slot buffers, and handed to the
// application once the client has sent data; a connection that has sent
// nothing cannot be dequeued. Slow clients cannot monopolize the
// listener's accept slot, and idle queued connections are evicted on a
// timer.
type ListenQueue struct {
	proto  *Proto
	params ListenQueueParams
	lis    Listener
	slots  []queueSlot
	ready  func()
	timer  *eventloop.Timer
}

type queueSlot struct {
	q       *ListenQueue
	con     *Connection
	storage []byte
	used    bool
	ready   bool
	rcvd    int
	since   time.Time
}

// slotCallbacks adapts connection events for one queue slot.
type slotCallbacks struct {
	slot *queueSlot
}

func (s slotCallbacks) ConnectionEstablished() {}

func (s slotCallbacks) ConnectionAborted() {
	s.slot.release()
}

func (s slotCallbacks) DataReceived(n int) {
	slot := s.slot
	if n == 0 {
		// Client closed before being dequeued.
		slot.con.Reset(true)
		slot.release()
		return
	}
	slot.rcvd += n
	if !slot.ready {
		slot.ready = true
		slot.q.ready()
	}
}

func (s slotCallbacks) DataSent(n int) {}

func (slot *queueSlot) release() {
	slot.used = false
	slot.ready = false
	slot.rcvd = 0
	slot.con = nil
}

// Setup starts listening. ready runs whenever a connection becomes
// dequeueable.
func (q *ListenQueue) Setup(p *Proto, params ListenQueueParams, ready func()) error {
	if params.QueueSize <= 0 || params.QueueRecvBufSize <= 0 {
		return errors.New("tcp: listen queue needs positive sizes")
	}
	if params.QueueTimeout == 0 {
		params.QueueTimeout = 10 * time.Second
	}
	q.proto = p
	q.params = params
	q.ready = ready
	q.slots = make([]queueSlot, params.QueueSize)
	for n := range q.slots {
		q.slots[n].q = q
		q.slots[n].storage = make([]byte, params.QueueRecvBufSize)
	}
	q.timer = p.loop.NewTimer(q.evictIdle)
	q.lis.SetInitialReceiveWindow(params.QueueRecvBufSize)
	return q.lis.StartListening(p, params.Listen, q.onEstablished)
}

// Reset stops listening and resets all queued connections.
func (q *ListenQueue) Reset() {
	for n := range q.slots {
		slot := &q.slots[n]
		if slot.used && slot.con != nil {
			slot.con.Reset(true)
			slot.release()
		}
	}
	q.timer.Unset()
	q.lis.Reset()
}

func (q *ListenQueue) onEstablished() {
	var slot *queueSlot
	for n := range q.slots {
		if !q.slots[n].used {
			slot = &q.slots[n]
			break
		}
	}
	if slot == nil {
		// Backlog full; the unaccepted connection is reset by the
		// engine.
		return
	}
	con := NewConnection(slotCallbacks{slot: slot})
	if err := con.Accept(&q.lis); err != nil {
		return
	}
	slot.con = con
	slot.used = true
	slot.ready = false
	slot.rcvd = 0
	slot.since = q.proto.loop.Now()

	var node buf.Node
	con.SetRecvBuf(buf.RefFromBytes(&node, slot.storage))

	if !q.timer.IsSet() {
		q.timer.SetAfter(q.params.QueueTimeout)
	}
}

// Dequeue hands the oldest ready connection to the application: its
// callbacks are replaced with cb, and the pre-buffered client data is
// returned. The application must install its own receive buffer and
// consume the returned bytes itself.
func (q *ListenQueue) Dequeue(cb ConnectionCallbacks) (*Connection, []byte, bool) {
	var best *queueSlot
	for n := range q.slots {
		slot := &q.slots[n]
		if slot.used && slot.ready && (best == nil || slot.since.Before(best.since)) {
			best = slot
		}
	}
	if best == nil {
		return nil, nil, false
	}
	con := best.con
	data := best.storage[:best.rcvd]
	con.SetCallbacks(cb)
	best.release()
	return con, data, true
}

// evictIdle resets queued connections that have been silent past the
// timeout.
func (q *ListenQueue) evictIdle() {
	now := q.proto.loop.Now()
	var earliest time.Time
	for n := range q.slots {
		slot := &q.slots[n]
		if !slot.used || slot.ready {
			continue
		}
		deadline := slot.since.Add(q.params.QueueTimeout)
		if !deadline.After(now) {
			slot.con.Reset(false)
			slot.release()
			continue
		}
		if earliest.IsZero() || deadline.Before(earliest) {
			earliest = deadline
		}
	}
	if !earliest.IsZero() {
		q.timer.SetAt(earliest)
	}
}
