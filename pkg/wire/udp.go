package wire

import (
	"encoding/binary"

	"github.com/malbeclabs/tapstack/pkg/chksum"
)

// UdpHeaderLen is the length of a UDP header.
const UdpHeaderLen = 8

// UdpHeader is a UDP header.
type UdpHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// DecodeUdpHeader parses the header at the front of b.
func DecodeUdpHeader(b []byte) (UdpHeader, error) {
	var h UdpHeader
	if err := checkLen("UDP header", b, UdpHeaderLen); err != nil {
		return h, err
	}
	h.SrcPort = binary.BigEndian.Uint16(b[0:2])
	h.DstPort = binary.BigEndian.Uint16(b[2:4])
	h.Length = binary.BigEndian.Uint16(b[4:6])
	h.Checksum = binary.BigEndian.Uint16(b[6:8])
	return h, nil
}

// Put writes the header into b, which must hold UdpHeaderLen bytes.
func (h UdpHeader) Put(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint16(b[4:6], h.Length)
	binary.BigEndian.PutUint16(b[6:8], h.Checksum)
}

// PseudoHeaderSum starts a checksum accumulator over the IPv4 pseudo-header
// for a TCP or UDP payload of the given length.
func PseudoHeaderSum(src, dst Ip4Addr, protocol uint8, length uint16) chksum.Accumulator {
	var a chksum.Accumulator
	a.AddWord32(uint32(src))
	a.AddWord32(uint32(dst))
	a.AddWord16(uint16(protocol))
	a.AddWord16(length)
	return a
}
