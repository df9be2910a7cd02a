package tcp

import (
	"errors"

	"github.com/malbeclabs/tapstack/pkg/ip"
	"github.com/malbeclabs/tapstack/pkg/wire"
)

// ListenParams configure a passive open.
type ListenParams struct {
	// Addr is the local address to accept on; zero accepts on any local
	// address.
	Addr wire.Ip4Addr
	// Port is the local port.
	Port uint16
	// MaxPcbs bounds concurrent connections (half-open included) for this
	// listener.
	MaxPcbs int
}

// Listener accepts incoming connections on one (addr, port). When a
// handshake completes, the established handler runs with the new
// connection in the accept slot; the handler must call
// Connection.Accept to keep it, otherwise it is reset.
type Listener struct {
	proto       *Proto
	params      ListenParams
	initialWnd  uint32
	numPcbs     int
	acceptPcb   *pcb
	established func()
	listening   bool
}

// StartListening begins accepting. established runs once per completed
// handshake.
func (l *Listener) StartListening(p *Proto, params ListenParams, established func()) error {
	if l.listening {
		return errors.New("tcp: listener already listening")
	}
	if params.MaxPcbs <= 0 {
		return errors.New("tcp: listener needs MaxPcbs > 0")
	}
	for _, other := range p.listeners {
		if other.params.Port == params.Port && other.params.Addr == params.Addr {
			return ip.ErrAddrInUse
		}
	}
	l.proto = p
	l.params = params
	l.established = established
	l.numPcbs = 0
	l.acceptPcb = nil
	l.listening = true
	p.listeners = append(p.listeners, l)
	return nil
}

// SetInitialReceiveWindow sets the receive window announced before the
// user attaches a receive buffer.
func (l *Listener) SetInitialReceiveWindow(n int) {
	if n > maxWindow {
		n = maxWindow
	}
	l.initialWnd = uint32(n)
}

// Reset stops listening and aborts the half-open connection awaiting
// acceptance, if any. Established connections are unaffected.
func (l *Listener) Reset() {
	if !l.listening {
		return
	}
	p := l.proto
	for n, other := range p.listeners {
		if other == l {
			p.listeners = append(p.listeners[:n], p.listeners[n+1:]...)
			break
		}
	}
	// Abort half-open PCBs still tied to this listener.
	for n := range p.pcbs {
		c := &p.pcbs[n]
		if c.inPool() && c.lis == l && c.conn == nil {
			p.pcbAbort(c, true)
		} else if c.inPool() && c.lis == l {
			c.lis = nil
		}
	}
	l.listening = false
	l.proto = nil
}

// findListener returns the listener for a destination, preferring an
// exact address match over a wildcard.
func (p *Proto) findListener(addr wire.Ip4Addr, port uint16) *Listener {
	var wildcard *Listener
	for _, l := range p.listeners {
		if l.params.Port != port {
			continue
		}
		if l.params.Addr == addr {
			return l
		}
		if l.params.Addr == wire.Ip4AddrZero && wildcard == nil {
			wildcard = l
		}
	}
	return wildcard
}
