package ip

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/malbeclabs/tapstack/pkg/eventloop"
	"github.com/malbeclabs/tapstack/pkg/observer"
	"github.com/malbeclabs/tapstack/pkg/wire"
)

// pmtuCheckInterval is how often expired estimates are purged.
const pmtuCheckInterval = time.Minute

type pmtuEntry struct {
	pmtu int
	obs  observer.Observable
}

// pmtuCache tracks per-destination path MTU estimates. Entries expire
// after PmtuTimeout unless referenced by an MtuRef; expiry is driven from
// a loop timer so the cache needs no goroutine of its own.
type pmtuCache struct {
	stack *Stack
	cache *ttlcache.Cache[wire.Ip4Addr, *pmtuEntry]
	timer *eventloop.Timer
}

func newPmtuCache(s *Stack) *pmtuCache {
	p := &pmtuCache{
		stack: s,
		cache: ttlcache.New(
			ttlcache.WithTTL[wire.Ip4Addr, *pmtuEntry](s.cfg.PmtuTimeout),
		),
	}
	p.timer = s.loop.NewTimer(p.purge)
	p.timer.SetAfter(pmtuCheckInterval)
	return p
}

func (p *pmtuCache) purge() {
	// Referenced entries are touched so expiry only claims unreferenced
	// ones.
	for _, item := range p.cache.Items() {
		if item.Value().obs.HasObservers() {
			p.cache.Touch(item.Key())
		}
	}
	p.cache.DeleteExpired()
	p.timer.SetAfter(pmtuCheckInterval)
}

func (p *pmtuCache) get(remote wire.Ip4Addr) *pmtuEntry {
	if item := p.cache.Get(remote); item != nil {
		return item.Value()
	}
	return nil
}

func (p *pmtuCache) getOrCreate(remote wire.Ip4Addr) (*pmtuEntry, error) {
	if e := p.get(remote); e != nil {
		return e, nil
	}
	route, ok := p.stack.routeIp4(remote)
	if !ok {
		return nil, ErrNoIpMtuAvail
	}
	e := &pmtuEntry{pmtu: route.iface.Mtu()}
	p.cache.Set(remote, e, ttlcache.DefaultTTL)
	return e, nil
}

// lower reduces the estimate and notifies observers. No-op if newPmtu is
// not an actual reduction.
func (p *pmtuCache) lower(e *pmtuEntry, newPmtu int) {
	if newPmtu >= e.pmtu {
		return
	}
	e.pmtu = newPmtu
	metricPmtuLowered.Inc()
	e.obs.Notify(func(data any) {
		ref := data.(*MtuRef)
		ref.handler(newPmtu)
	})
}

// MtuRef is a registered observer of the path MTU estimate for one remote
// address. TCP connections hold one to adapt their segment size.
type MtuRef struct {
	ob      observer.Observer
	handler func(pmtu int)
	remote  wire.Ip4Addr
}

// SetupMtuRef registers the reference and returns the current estimate.
// Fails with ErrNoIpMtuAvail when no route to remote exists.
func (s *Stack) SetupMtuRef(ref *MtuRef, remote wire.Ip4Addr, handler func(pmtu int)) (int, error) {
	e, err := s.pmtu.getOrCreate(remote)
	if err != nil {
		return 0, err
	}
	ref.handler = handler
	ref.remote = remote
	ref.ob.Data = ref
	e.obs.Attach(&ref.ob)
	return e.pmtu, nil
}

// Reset detaches the reference. Safe to call when not set up.
func (ref *MtuRef) Reset() {
	ref.ob.Reset()
}

// IsSetup reports whether the reference is registered.
func (ref *MtuRef) IsSetup() bool {
	return ref.ob.IsActive()
}

// GetPmtu returns the current estimate for remote, falling back to the
// route MTU when no entry exists.
func (s *Stack) GetPmtu(remote wire.Ip4Addr) (int, bool) {
	if e := s.pmtu.get(remote); e != nil {
		return e.pmtu, true
	}
	route, ok := s.routeIp4(remote)
	if !ok {
		return 0, false
	}
	return route.iface.Mtu(), true
}

// HandleIcmpPacketTooBig lowers the estimate for remote from an ICMP
// Fragmentation Needed report. Only affects destinations with an existing
// entry, so off-path hosts cannot seed the cache.
func (s *Stack) HandleIcmpPacketTooBig(remote wire.Ip4Addr, nextMtu int) {
	e := s.pmtu.get(remote)
	if e == nil {
		return
	}
	route, ok := s.routeIp4(remote)
	if !ok {
		return
	}
	if nextMtu < MinMtu {
		nextMtu = MinMtu
	}
	if m := route.iface.Mtu(); nextMtu > m {
		nextMtu = m
	}
	s.pmtu.lower(e, nextMtu)
}

// HandleLocalPacketTooBig lowers the estimate for remote to the interface
// MTU, used when a local send failed against a smaller egress MTU.
func (s *Stack) HandleLocalPacketTooBig(remote wire.Ip4Addr) {
	e := s.pmtu.get(remote)
	if e == nil {
		return
	}
	route, ok := s.routeIp4(remote)
	if !ok {
		return
	}
	s.pmtu.lower(e, route.iface.Mtu())
}
