package ip

import (
	"github.com/malbeclabs/tapstack/pkg/buf"
	"github.com/malbeclabs/tapstack/pkg/chksum"
	"github.com/malbeclabs/tapstack/pkg/wire"
)

// recvIcmp4 handles internally terminated ICMPv4: echo requests and
// destination-unreachable routing to protocol handlers. Everything else is
// dropped.
func (s *Stack) recvIcmp4(info RxInfo, dgram buf.Ref) {
	if dgram.Len < wire.Icmp4HeaderLen {
		s.drop("icmp_short")
		return
	}
	if chksum.OfBufRef(dgram) != 0 {
		s.drop("icmp_checksum")
		return
	}
	first := dgram.Node.Buf[dgram.Off:]
	if len(first) < wire.Icmp4HeaderLen {
		s.drop("icmp_short")
		return
	}
	hdr, err := wire.DecodeIcmp4Header(first)
	if err != nil {
		s.drop("icmp_short")
		return
	}

	switch hdr.Type {
	case wire.Icmp4TypeEchoRequest:
		s.handleIcmpEchoRequest(info, hdr, dgram, first)
	case wire.Icmp4TypeDestUnreach:
		s.handleIcmpDestUnreach(info, hdr, dgram)
	default:
		s.drop("icmp_unhandled")
	}
}

// handleIcmpEchoRequest sends an echo reply by rewriting the request in
// place: same payload, new type, recomputed checksum.
func (s *Stack) handleIcmpEchoRequest(info RxInfo, hdr wire.Icmp4Header, dgram buf.Ref, first []byte) {
	if info.Iface.IsBroadcastAddr(info.Dst) && !s.cfg.AllowBroadcastPing {
		s.drop("icmp_broadcast_ping")
		return
	}

	reply := wire.Icmp4Header{Type: wire.Icmp4TypeEchoReply, Rest: hdr.Rest}
	reply.Put(first)
	var a chksum.Accumulator
	a.AddBufRef(dgram)
	reply.Checksum = a.Final()
	reply.Put(first)

	err := s.SendIp4Dgram(info.Dst, info.Src, s.cfg.DefaultTtl, wire.ProtocolIcmp,
		dgram, info.Iface, nil, 0)
	if err != nil {
		s.log.Debug("ip: echo reply failed", "dst", info.Src, "error", err)
	}
}

// handleIcmpDestUnreach extracts the embedded datagram and routes the
// report to the owning protocol handler.
func (s *Stack) handleIcmpDestUnreach(info RxInfo, hdr wire.Icmp4Header, dgram buf.Ref) {
	inner := dgram.HideHeader(wire.Icmp4HeaderLen)
	first := inner.Node.Buf[inner.Off:]
	if inner.Len < wire.Ip4HeaderLen || len(first) < wire.Ip4HeaderLen {
		s.drop("icmp_embedded_short")
		return
	}
	ipHdr, err := wire.DecodeIp4Header(first)
	if err != nil {
		s.drop("icmp_embedded_short")
		return
	}
	hdrLen := ipHdr.HeaderLen()
	if ipHdr.Version() != 4 || hdrLen < wire.Ip4HeaderLen ||
		len(first) < hdrLen || inner.Len < hdrLen+8 {
		s.drop("icmp_embedded_bad")
		return
	}

	h, ok := s.protocols[ipHdr.Protocol]
	if !ok {
		s.drop("icmp_embedded_protocol")
		return
	}

	embeddedInfo := RxInfo{
		Iface:    info.Iface,
		Src:      ipHdr.Src,
		Dst:      ipHdr.Dst,
		Ttl:      ipHdr.Ttl,
		Protocol: ipHdr.Protocol,
	}
	du := DestUnreachMeta{Code: hdr.Code, Rest: hdr.Rest}
	h.HandleIp4DestUnreach(du, embeddedInfo, inner.HideHeader(hdrLen))
}

// SendIcmp4DestUnreach emits a Destination Unreachable carrying the
// offending datagram's IP header and leading payload bytes, per RFC 792.
// hdrBytes is the original IP header; payloadPrefix the first bytes of its
// payload (at most 8 are used).
func (s *Stack) SendIcmp4DestUnreach(info RxInfo, code uint8, hdrBytes []byte, payloadPrefix buf.Ref) error {
	inc := payloadPrefix.Len
	if inc > 8 {
		inc = 8
	}
	total := wire.Icmp4HeaderLen + len(hdrBytes) + inc
	storage := make([]byte, reassHeaderReserve+total)
	body := storage[len(storage)-total:]

	icmp := wire.Icmp4Header{Type: wire.Icmp4TypeDestUnreach, Code: code}
	icmp.Put(body)
	copy(body[wire.Icmp4HeaderLen:], hdrBytes)
	pp := payloadPrefix
	pp.TakeBytes(inc, body[wire.Icmp4HeaderLen+len(hdrBytes):])
	icmp.Checksum = chksum.OfBytes(body)
	icmp.Put(body)

	node := buf.Node{Buf: storage}
	dgram := buf.Ref{Node: &node, Off: len(storage) - total, Len: total}
	return s.SendIp4Dgram(info.Dst, info.Src, s.cfg.DefaultTtl, wire.ProtocolIcmp,
		dgram, nil, nil, 0)
}
