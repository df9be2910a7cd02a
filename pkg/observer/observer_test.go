package observer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObserver_Observable_NotifyVisitsAllAttached(t *testing.T) {
	t.Parallel()

	var l Observable
	var obs [3]Observer
	for n := range obs {
		obs[n].Data = n
		l.Attach(&obs[n])
	}
	require.True(t, l.HasObservers())

	var seen []int
	l.Notify(func(data any) { seen = append(seen, data.(int)) })
	require.ElementsMatch(t, []int{0, 1, 2}, seen)
}

func TestObserver_Observable_DetachSelfDuringNotify(t *testing.T) {
	t.Parallel()

	var l Observable
	var obs [3]Observer
	for n := range obs {
		obs[n].Data = &obs[n]
		l.Attach(&obs[n])
	}

	var count int
	l.Notify(func(data any) {
		count++
		data.(*Observer).Reset()
	})
	require.Equal(t, 3, count)
	require.False(t, l.HasObservers())

	// A second notification sees nothing.
	count = 0
	l.Notify(func(any) { count++ })
	require.Equal(t, 0, count)
}

func TestObserver_Observable_DetachOtherDuringNotify(t *testing.T) {
	t.Parallel()

	var l Observable
	var a, b Observer
	a.Data = "a"
	b.Data = "b"
	l.Attach(&a)
	l.Attach(&b)

	var seen []string
	l.Notify(func(data any) {
		seen = append(seen, data.(string))
		// Whoever runs first detaches the other.
		a.Reset()
		b.Reset()
	})
	require.Len(t, seen, 1)
	require.False(t, l.HasObservers())
}

func TestObserver_Observable_AttachDuringNotifyNotVisitedThisRound(t *testing.T) {
	t.Parallel()

	var l Observable
	var first, late Observer
	first.Data = "first"
	late.Data = "late"
	l.Attach(&first)

	var seen []string
	l.Notify(func(data any) {
		seen = append(seen, data.(string))
		if data == "first" && !late.IsActive() {
			l.Attach(&late)
		}
	})
	require.Equal(t, []string{"first"}, seen)

	seen = nil
	l.Notify(func(data any) { seen = append(seen, data.(string)) })
	require.ElementsMatch(t, []string{"first", "late"}, seen)
}

func TestObserver_Observer_ResetIdempotent(t *testing.T) {
	t.Parallel()

	var l Observable
	var o Observer
	l.Attach(&o)
	o.Reset()
	o.Reset()
	require.False(t, o.IsActive())
	require.False(t, l.HasObservers())
}
