package eventloop_test

import (
	"testing"
	"time"

	"github.com/malbeclabs/tapstack/pkg/eventloop"
	"github.com/malbeclabs/tapstack/pkg/eventloop/looptest"
	"github.com/stretchr/testify/require"
)

func TestEventloop_Timer_FiresInTimeOrder(t *testing.T) {
	t.Parallel()

	env := looptest.NewEnv()
	var order []string

	a := env.Loop.NewTimer(func() { order = append(order, "a") })
	b := env.Loop.NewTimer(func() { order = append(order, "b") })
	c := env.Loop.NewTimer(func() { order = append(order, "c") })

	b.SetAfter(50 * time.Millisecond)
	a.SetAfter(10 * time.Millisecond)
	c.SetAfter(90 * time.Millisecond)

	env.RunFor(200 * time.Millisecond)
	require.Equal(t, []string{"a", "b", "c"}, order)
	require.False(t, a.IsSet())
}

func TestEventloop_Timer_SameTimeFiresInInsertionOrder(t *testing.T) {
	t.Parallel()

	env := looptest.NewEnv()
	var order []int
	deadline := env.Loop.Now().Add(30 * time.Millisecond)
	for n := 0; n < 5; n++ {
		n := n
		env.Loop.NewTimer(func() { order = append(order, n) }).SetAt(deadline)
	}
	env.RunFor(100 * time.Millisecond)
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestEventloop_Timer_RearmFromOwnHandler(t *testing.T) {
	t.Parallel()

	env := looptest.NewEnv()
	fired := 0
	var tm *eventloop.Timer
	tm = env.Loop.NewTimer(func() {
		fired++
		if fired < 3 {
			tm.SetAfter(20 * time.Millisecond)
		}
	})
	tm.SetAfter(20 * time.Millisecond)

	env.RunFor(200 * time.Millisecond)
	require.Equal(t, 3, fired)
	require.False(t, tm.IsSet())
}

func TestEventloop_Timer_UnsetOtherFromHandler(t *testing.T) {
	t.Parallel()

	env := looptest.NewEnv()
	var victimFired bool
	victim := env.Loop.NewTimer(func() { victimFired = true })

	killer := env.Loop.NewTimer(func() { victim.Unset() })
	// The killer fires first and cancels the victim while it is still
	// pending.
	killer.SetAfter(10 * time.Millisecond)
	victim.SetAfter(15 * time.Millisecond)

	env.RunFor(100 * time.Millisecond)
	require.False(t, victimFired)
	require.False(t, victim.IsSet())
}

func TestEventloop_Timer_IsUnsetInsideOwnHandler(t *testing.T) {
	t.Parallel()

	env := looptest.NewEnv()
	var wasSet bool
	var tm *eventloop.Timer
	tm = env.Loop.NewTimer(func() { wasSet = tm.IsSet() })
	tm.SetAfter(5 * time.Millisecond)

	env.RunFor(50 * time.Millisecond)
	require.False(t, wasSet)
}

func TestEventloop_Timer_SetAtEarlierReplacesSchedule(t *testing.T) {
	t.Parallel()

	env := looptest.NewEnv()
	var firedAt time.Time
	start := env.Loop.Now()
	tm := env.Loop.NewTimer(func() { firedAt = env.Loop.Now() })
	tm.SetAfter(500 * time.Millisecond)
	tm.SetAfter(50 * time.Millisecond)

	env.RunFor(time.Second)
	require.WithinDuration(t, start.Add(50*time.Millisecond), firedAt, 20*time.Millisecond)
}

func TestEventloop_Loop_StopFromHandlerStopsDispatch(t *testing.T) {
	t.Parallel()

	env := looptest.NewEnv()
	var after bool
	stop := env.Loop.NewTimer(env.Loop.Stop)
	later := env.Loop.NewTimer(func() { after = true })
	stop.SetAfter(10 * time.Millisecond)
	later.SetAfter(10 * time.Millisecond)

	require.NoError(t, env.Loop.Run())
	require.False(t, after)
}

func TestEventloop_AsyncSignal_RunsHandlerInLoop(t *testing.T) {
	t.Parallel()

	env := looptest.NewEnv()
	var fired int
	sig := env.Loop.NewAsyncSignal(func() { fired++ })
	sig.Signal()
	sig.Signal() // coalesces with the pending request

	env.RunFor(10 * time.Millisecond)
	require.Equal(t, 1, fired)
}
