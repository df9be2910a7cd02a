// Package eventloop implements the single-threaded cooperative scheduler
// that drives the stack: an ordered timer heap, file-descriptor readiness
// dispatch, and a cross-thread wake signal. Everything above it (ARP
// retries, TCP retransmission, reassembly expiry) is expressed as timers
// and fd handlers; no handler may block.
package eventloop

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Events is a bitset of fd readiness conditions.
type Events uint8

const (
	EventRead  Events = 1 << 0
	EventWrite Events = 1 << 1
)

// Poller abstracts the platform readiness mechanism. The epoll
// implementation is the production one; tests substitute a manual poller.
type Poller interface {
	// Register adds fd with an interest set.
	Register(fd int, events Events) error
	// Update changes the interest set of a registered fd.
	Update(fd int, events Events) error
	// Deregister removes fd.
	Deregister(fd int) error
	// Wait blocks up to timeout (forever if negative) for readiness or a
	// Wake, delivering ready fds through deliver.
	Wait(timeout time.Duration, deliver func(fd int, ev Events)) error
	// Wake unblocks a concurrent Wait. Callable from any goroutine.
	Wake() error
	Close() error
}

// Config carries the loop dependencies.
type Config struct {
	Log    *slog.Logger
	Clock  clockwork.Clock
	Poller Poller
}

// Validate fills defaults.
func (c *Config) Validate() error {
	if c.Log == nil {
		c.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Poller == nil {
		return errors.New("eventloop: poller is required")
	}
	return nil
}

// Loop is the event loop. All stack objects belong to exactly one loop and
// all their methods must be called from its goroutine (from Run's handler
// context, or before Run is started). The only cross-thread entry point is
// AsyncSignal.Signal.
type Loop struct {
	log    *slog.Logger
	clock  clockwork.Clock
	poller Poller

	timers   timerHeap
	seq      uint64
	watchers map[int]*FdWatcher
	stopped  bool

	sigMu      sync.Mutex
	sigPending []*AsyncSignal
}

// New creates a loop.
func New(cfg Config) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Loop{
		log:      cfg.Log,
		clock:    cfg.Clock,
		poller:   cfg.Poller,
		watchers: make(map[int]*FdWatcher),
	}, nil
}

// Now returns the loop's current time.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Clock returns the loop's clock.
func (l *Loop) Clock() clockwork.Clock {
	return l.clock
}

// Stop makes Run return after the current handler completes.
func (l *Loop) Stop() {
	l.stopped = true
}

func (l *Loop) nextSeq() uint64 {
	l.seq++
	return l.seq
}

// Run drives the loop until Stop is called. Each iteration dispatches due
// timers in heap order, then ready I/O, then blocks until the earliest
// pending timer or an I/O or signal wake.
func (l *Loop) Run() error {
	l.stopped = false
	for {
		l.dispatchSignals()
		if l.stopped {
			return nil
		}

		now := l.clock.Now()
		l.prepareTimersForDispatch(now)
		if !l.dispatchTimers() {
			return nil
		}

		timeout := l.prepareTimersForWait()
		if err := l.poller.Wait(timeout, l.dispatchFd); err != nil {
			return err
		}
		if l.stopped {
			return nil
		}
	}
}

// prepareTimersForDispatch moves every expired Pending timer into the
// Dispatch state, which sorts it to the front of the heap.
func (l *Loop) prepareTimersForDispatch(now time.Time) {
	changed := false
	for _, t := range l.timers.items {
		if t.state == timerPending && !t.time.After(now) {
			t.state = timerDispatch
			changed = true
		}
	}
	if changed {
		for i := len(l.timers.items)/2 - 1; i >= 0; i-- {
			l.timers.siftDown(i)
		}
	}
}

// dispatchTimers drains Dispatch-state timers in heap order. A handler sees
// its timer already unset and may re-arm it or any other timer; such
// changes park in the temp states and are resolved in prepareTimersForWait.
// Returns false if a handler stopped the loop.
func (l *Loop) dispatchTimers() bool {
	for {
		t := l.timers.first()
		if t == nil || t.state != timerDispatch {
			return true
		}
		t.state = timerTempUnset
		l.timers.fix(t)

		t.handler()

		if l.stopped {
			return false
		}
	}
}

// prepareTimersForWait resolves temp states and returns the duration until
// the earliest pending timer, or a negative duration when none is pending.
func (l *Loop) prepareTimersForWait() time.Duration {
	for {
		t := l.timers.first()
		if t == nil {
			return -1
		}
		switch t.state {
		case timerTempUnset:
			l.timers.remove(t)
			t.state = timerIdle
		case timerTempSet:
			t.state = timerPending
			l.timers.fix(t)
		case timerPending:
			d := t.time.Sub(l.clock.Now())
			if d < 0 {
				d = 0
			}
			return d
		default:
			panic("eventloop: dispatch timer after dispatch phase")
		}
	}
}

func (l *Loop) dispatchFd(fd int, ev Events) {
	if l.stopped {
		return
	}
	if w, ok := l.watchers[fd]; ok && w.events&ev != 0 {
		w.handler(ev & w.events)
	}
}

// FdWatcher delivers readiness events for one file descriptor.
type FdWatcher struct {
	loop    *Loop
	fd      int
	events  Events
	handler func(Events)
}

// WatchFd registers fd with an interest set.
func (l *Loop) WatchFd(fd int, events Events, handler func(Events)) (*FdWatcher, error) {
	if _, ok := l.watchers[fd]; ok {
		return nil, errors.New("eventloop: fd already watched")
	}
	if err := l.poller.Register(fd, events); err != nil {
		return nil, err
	}
	w := &FdWatcher{loop: l, fd: fd, events: events, handler: handler}
	l.watchers[fd] = w
	return w, nil
}

// SetEvents changes the watcher's interest set.
func (w *FdWatcher) SetEvents(events Events) error {
	if err := w.loop.poller.Update(w.fd, events); err != nil {
		return err
	}
	w.events = events
	return nil
}

// Close deregisters the watcher. No further callbacks are delivered.
func (w *FdWatcher) Close() error {
	delete(w.loop.watchers, w.fd)
	return w.loop.poller.Deregister(w.fd)
}

// AsyncSignal is the only cross-thread entry point: Signal may be called
// from any goroutine and causes handler to run in loop context. The mutex
// serializes only the pending flag, never user callbacks.
type AsyncSignal struct {
	loop    *Loop
	handler func()
	pending bool
}

// NewAsyncSignal creates a signal firing handler in loop context.
func (l *Loop) NewAsyncSignal(handler func()) *AsyncSignal {
	return &AsyncSignal{loop: l, handler: handler}
}

// Signal requests a handler invocation. Coalesces with a still-pending
// request. Safe from any goroutine.
func (s *AsyncSignal) Signal() {
	l := s.loop
	l.sigMu.Lock()
	if !s.pending {
		s.pending = true
		l.sigPending = append(l.sigPending, s)
	}
	l.sigMu.Unlock()
	_ = l.poller.Wake()
}

func (l *Loop) dispatchSignals() {
	l.sigMu.Lock()
	pending := l.sigPending
	l.sigPending = nil
	for _, s := range pending {
		s.pending = false
	}
	l.sigMu.Unlock()
	for _, s := range pending {
		if l.stopped {
			return
		}
		s.handler()
	}
}
