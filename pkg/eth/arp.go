package eth

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/malbeclabs/tapstack/pkg/buf"
	"github.com/malbeclabs/tapstack/pkg/ip"
	"github.com/malbeclabs/tapstack/pkg/wire"
)

type arpState uint8

const (
	arpFree arpState = iota
	arpQuery
	arpValid
	arpRefreshing
)

const nullIdx = -1

// arpEntry is one cache slot. Entries live in a fixed array; prev/next are
// indices linking the slot onto the used list (MRU first) or the free
// list.
type arpEntry struct {
	state        arpState
	weak         bool
	attemptsLeft uint8
	mac          wire.MacAddr
	addr         wire.Ip4Addr
	retryList    ip.SendRetryList
	timerActive  bool
	timerExpire  time.Time
	backoff      *backoff.ExponentialBackOff
	prev, next   int
}

// newArpBackoff builds the retransmit schedule for one query or refresh
// cycle: the base timeout doubling on each attempt, no jitter.
func newArpBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = arpBaseResponseTimeout
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = arpValidTimeout
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// --- intrusive lists over the entry array ---

func (i *Iface) freePrepend(n int) {
	e := &i.entries[n]
	e.prev = nullIdx
	e.next = i.freeFirst
	if i.freeFirst != nullIdx {
		i.entries[i.freeFirst].prev = n
	}
	i.freeFirst = n
}

func (i *Iface) freeRemoveFirst() int {
	n := i.freeFirst
	if n == nullIdx {
		return nullIdx
	}
	i.freeFirst = i.entries[n].next
	if i.freeFirst != nullIdx {
		i.entries[i.freeFirst].prev = nullIdx
	}
	i.entries[n].prev = nullIdx
	i.entries[n].next = nullIdx
	return n
}

func (i *Iface) usedPrepend(n int) {
	e := &i.entries[n]
	e.prev = nullIdx
	e.next = i.usedFirst
	if i.usedFirst != nullIdx {
		i.entries[i.usedFirst].prev = n
	}
	i.usedFirst = n
}

func (i *Iface) usedRemove(n int) {
	e := &i.entries[n]
	if e.prev != nullIdx {
		i.entries[e.prev].next = e.next
	} else {
		i.usedFirst = e.next
	}
	if e.next != nullIdx {
		i.entries[e.next].prev = e.prev
	}
	e.prev = nullIdx
	e.next = nullIdx
}

func (i *Iface) usedBumpToFront(n int) {
	if i.usedFirst != n {
		i.usedRemove(n)
		i.usedPrepend(n)
	}
}

// resetArpEntry frees the entry, dropping its retry requests. With
// leaveInUsedList the caller is about to reinitialize it in place.
func (i *Iface) resetArpEntry(n int, leaveInUsedList bool) {
	e := &i.entries[n]
	e.timerActive = false
	e.state = arpFree
	e.weak = false
	e.attemptsLeft = 0
	e.backoff = nil
	e.retryList.Drop()
	if !leaveInUsedList {
		i.usedRemove(n)
		i.freePrepend(n)
		i.updateArpTimer()
	}
}

// --- entry lookup and allocation ---

type getEntryResult uint8

const (
	gotEntry getEntryResult = iota
	gotBroadcast
	gotInvalid
)

// getArpEntry finds or allocates the entry for addr, applying the
// weak/hard protection rule when recycling. A returned entry is bumped to
// the front of the used list; a freshly allocated one is in arpFree state
// and the caller must transition it.
func (i *Iface) getArpEntry(addr wire.Ip4Addr, weak bool) (getEntryResult, int) {
	// Shortcut: most recent entry matches.
	n := i.usedFirst
	numHard := 0
	lastWeak, lastHard := nullIdx, nullIdx
	for n != nullIdx {
		e := &i.entries[n]
		if e.addr == addr {
			break
		}
		if e.weak {
			lastWeak = n
		} else {
			numHard++
			lastHard = n
		}
		n = e.next
	}

	if n != nullIdx {
		if !weak {
			i.entries[n].weak = false
		}
	} else {
		if addr == wire.Ip4AddrAllOnes {
			return gotBroadcast, nullIdx
		}
		if addr == wire.Ip4AddrZero {
			return gotInvalid, nullIdx
		}
		ifaddr, prefix, ok := i.ipIf.Addr()
		if !ok || !addr.InSubnet(ifaddr, prefix) {
			return gotInvalid, nullIdx
		}
		if addr == wire.BroadcastOf(ifaddr, prefix) {
			return gotBroadcast, nullIdx
		}

		n = i.freeRemoveFirst()
		if n != nullIdx {
			i.usedPrepend(n)
		} else {
			// Recycle a used entry under the protection rule.
			var useWeak bool
			if weak {
				useWeak = !(numHard > i.cfg.ArpProtectCount || lastWeak == nullIdx)
			} else {
				numWeak := i.cfg.NumArpEntries - numHard
				useWeak = numWeak > i.cfg.NumArpEntries-i.cfg.ArpProtectCount || lastHard == nullIdx
			}
			if useWeak {
				n = lastWeak
			} else {
				n = lastHard
			}
			metricArpEntriesEvicted.Inc()
			i.resetArpEntry(n, true)
		}
		i.entries[n].addr = addr
		i.entries[n].weak = weak
	}

	i.usedBumpToFront(n)
	return gotEntry, n
}

// resolveMac resolves the link destination for an in-subnet IP address,
// starting or continuing a query as needed.
func (i *Iface) resolveMac(addr wire.Ip4Addr, retry *ip.SendRetryRequest) (wire.MacAddr, error) {
	res, n := i.getArpEntry(addr, false)
	switch res {
	case gotBroadcast:
		return wire.MacAddrBroadcast, nil
	case gotInvalid:
		return wire.MacAddr{}, ip.ErrNoHardwareRoute
	}

	e := &i.entries[n]
	switch e.state {
	case arpValid:
		if e.attemptsLeft == 0 {
			// Expired entry: keep using the address but refresh it.
			e.state = arpRefreshing
			e.attemptsLeft = arpRefreshAttempts
			e.backoff = newArpBackoff()
			i.armEntryTimer(n, e.backoff.NextBackOff())
			i.sendArpPacket(wire.ArpOpRequest, e.mac, e.addr)
		}
		return e.mac, nil
	case arpRefreshing:
		return e.mac, nil
	case arpFree:
		e.state = arpQuery
		e.attemptsLeft = arpQueryAttempts
		e.backoff = newArpBackoff()
		i.armEntryTimer(n, e.backoff.NextBackOff())
		i.sendArpPacket(wire.ArpOpRequest, wire.MacAddrBroadcast, e.addr)
	}
	// Query in progress.
	e.retryList.Add(retry)
	return wire.MacAddr{}, ip.ErrArpQueryInProgress
}

// saveHwAddr records an observed sender mapping as a weak entry and
// releases any senders waiting on the resolution.
func (i *Iface) saveHwAddr(addr wire.Ip4Addr, mac wire.MacAddr) {
	res, n := i.getArpEntry(addr, true)
	if res != gotEntry {
		return
	}
	e := &i.entries[n]
	e.mac = mac
	e.state = arpValid
	e.attemptsLeft = 1
	e.backoff = nil
	i.armEntryTimer(n, arpValidTimeout)
	e.retryList.Dispatch()
}

// --- entry timers ---

func (i *Iface) armEntryTimer(n int, d time.Duration) {
	e := &i.entries[n]
	e.timerActive = true
	e.timerExpire = i.loop.Now().Add(d)
	i.updateArpTimer()
}

func (i *Iface) updateArpTimer() {
	var earliest time.Time
	for n := range i.entries {
		e := &i.entries[n]
		if e.timerActive && (earliest.IsZero() || e.timerExpire.Before(earliest)) {
			earliest = e.timerExpire
		}
	}
	if earliest.IsZero() {
		i.arpTimer.Unset()
		return
	}
	i.arpTimer.SetAt(earliest)
}

func (i *Iface) handleArpTimer() {
	now := i.loop.Now()
	for n := range i.entries {
		e := &i.entries[n]
		if !e.timerActive || e.timerExpire.After(now) {
			continue
		}
		e.timerActive = false

		switch e.state {
		case arpValid:
			// Expired: the next use triggers a refresh.
			e.attemptsLeft = 0
		case arpQuery:
			e.attemptsLeft--
			if e.attemptsLeft == 0 {
				i.resetArpEntry(n, false)
				continue
			}
			i.armEntryTimer(n, e.backoff.NextBackOff())
			i.sendArpPacket(wire.ArpOpRequest, wire.MacAddrBroadcast, e.addr)
		case arpRefreshing:
			e.attemptsLeft--
			if e.attemptsLeft == 0 {
				// Refresh failed: fall back to a broadcast query.
				e.state = arpQuery
				e.attemptsLeft = arpQueryAttempts
				e.backoff = newArpBackoff()
				i.armEntryTimer(n, e.backoff.NextBackOff())
				i.sendArpPacket(wire.ArpOpRequest, wire.MacAddrBroadcast, e.addr)
				continue
			}
			i.armEntryTimer(n, e.backoff.NextBackOff())
			i.sendArpPacket(wire.ArpOpRequest, e.mac, e.addr)
		}
	}
	i.updateArpTimer()
}

// sendArpPacket emits one ARP request or reply.
func (i *Iface) sendArpPacket(op uint16, dstMac wire.MacAddr, dstAddr wire.Ip4Addr) {
	ifaddr, _, _ := i.ipIf.Addr()

	storage := make([]byte, i.cfg.HeaderBeforeEth+wire.EthHeaderLen+wire.ArpPacketLen)
	off := i.cfg.HeaderBeforeEth

	hdr := wire.EthHeader{Dst: dstMac, Src: i.cfg.Mac, Type: wire.EtherTypeArp}
	hdr.Put(storage[off:])

	pkt := wire.ArpPacket{
		HwType:    wire.ArpHwTypeEth,
		ProtoType: wire.EtherTypeIpv4,
		HwLen:     6,
		ProtoLen:  4,
		Op:        op,
		SenderMac: i.cfg.Mac,
		SenderIp:  ifaddr,
		TargetMac: dstMac,
		TargetIp:  dstAddr,
	}
	pkt.Put(storage[off+wire.EthHeaderLen:])

	opName := "request"
	if op == wire.ArpOpReply {
		opName = "reply"
	}
	metricArpPacketsSent.WithLabelValues(opName).Inc()

	node := buf.Node{Buf: storage}
	frame := buf.Ref{Node: &node, Off: off, Len: wire.EthHeaderLen + wire.ArpPacketLen}
	if err := i.driver.SendFrame(frame); err != nil {
		i.log.Debug("eth: arp send failed", "op", opName, "target", dstAddr, "error", err)
	}
}
