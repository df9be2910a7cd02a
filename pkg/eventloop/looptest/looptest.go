// Package looptest provides a deterministic event loop for tests: a manual
// poller that advances a fake clock instead of blocking, so timer-driven
// behavior can be exercised without real time or file descriptors.
package looptest

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/tapstack/pkg/eventloop"
)

// ManualPoller advances a fake clock by the wait timeout instead of
// blocking. Registered fds are accepted but never become ready; tests
// deliver frames by calling stack methods directly.
type ManualPoller struct {
	clock *clockwork.FakeClock
	// MaxIdleWait bounds a single clock advance when the loop has no
	// pending timer, so Run cannot hang on an infinite wait.
	MaxIdleWait time.Duration
}

// NewManualPoller creates a poller over the given fake clock.
func NewManualPoller(clock *clockwork.FakeClock) *ManualPoller {
	return &ManualPoller{clock: clock, MaxIdleWait: time.Second}
}

func (p *ManualPoller) Register(fd int, events eventloop.Events) error { return nil }
func (p *ManualPoller) Update(fd int, events eventloop.Events) error   { return nil }
func (p *ManualPoller) Deregister(fd int) error                        { return nil }
func (p *ManualPoller) Wake() error                                    { return nil }
func (p *ManualPoller) Close() error                                   { return nil }

func (p *ManualPoller) Wait(timeout time.Duration, deliver func(fd int, ev eventloop.Events)) error {
	if timeout < 0 || timeout > p.MaxIdleWait {
		timeout = p.MaxIdleWait
	}
	if timeout > 0 {
		p.clock.Advance(timeout)
	}
	return nil
}

// Env bundles a loop with its fake clock.
type Env struct {
	Loop  *eventloop.Loop
	Clock *clockwork.FakeClock
}

// NewEnv builds a loop over a fake clock and manual poller.
func NewEnv() *Env {
	clock := clockwork.NewFakeClock()
	loop, err := eventloop.New(eventloop.Config{
		Clock:  clock,
		Poller: NewManualPoller(clock),
	})
	if err != nil {
		panic(err)
	}
	return &Env{Loop: loop, Clock: clock}
}

// RunFor runs the loop until d of fake time has elapsed.
func (e *Env) RunFor(d time.Duration) {
	stop := e.Loop.NewTimer(e.Loop.Stop)
	stop.SetAfter(d)
	_ = e.Loop.Run()
	stop.Unset()
}

// RunStep dispatches everything currently due without advancing time, by
// running until a zero-delay stop timer fires.
func (e *Env) RunStep() {
	e.RunFor(0)
}
