package ip

import (
	"github.com/malbeclabs/tapstack/pkg/buf"
	"github.com/malbeclabs/tapstack/pkg/wire"
)

// SendFlags modify a single send operation.
type SendFlags uint8

const (
	// SendFlagAllowBroadcast permits sending to broadcast destinations.
	SendFlagAllowBroadcast SendFlags = 1 << 0
	// SendFlagDontFragment sets DF and fails oversized sends with
	// ErrFragmentationNeeded.
	SendFlagDontFragment SendFlags = 1 << 1
)

// MinMtu is the minimum IPv4 MTU the stack will operate with; PMTU
// estimates never drop below it.
const MinMtu = 576

// HeaderBeforeIp4Dgram returns the header space a caller must reserve in
// front of a layer-4 datagram handed to the stack, given the space the
// link layer itself needs.
func HeaderBeforeIp4Dgram(headerBeforeIp int) int {
	return headerBeforeIp + wire.Ip4HeaderLen
}

// RxInfo describes a received IPv4 datagram for protocol handlers.
type RxInfo struct {
	Iface    *Iface
	Src      wire.Ip4Addr
	Dst      wire.Ip4Addr
	Ttl      uint8
	Protocol uint8
	// Header holds the raw IP header bytes for ICMP error generation.
	// Nil for reassembled datagrams; valid only during the dispatch call.
	Header []byte
}

// DestUnreachMeta carries the ICMP code and rest-of-header word of a
// Destination Unreachable message.
type DestUnreachMeta struct {
	Code uint8
	Rest uint32
}

// ProtocolHandler is implemented by the TCP and UDP modules.
type ProtocolHandler interface {
	// RecvIp4Dgram handles a received (fully reassembled) datagram. The
	// view is valid only for the duration of the call.
	RecvIp4Dgram(info RxInfo, dgram buf.Ref)

	// HandleIp4DestUnreach handles an ICMP Destination Unreachable whose
	// embedded datagram carried this protocol. dgramInitial holds the
	// embedded IP payload prefix (at least 8 bytes of it).
	HandleIp4DestUnreach(du DestUnreachMeta, info RxInfo, dgramInitial buf.Ref)
}

// IfaceListenerFunc receives datagrams of one protocol arriving on one
// interface before normal protocol dispatch. Accept by returning true.
type IfaceListenerFunc func(info RxInfo, dgram buf.Ref) bool
