package wire

import "encoding/binary"

// Ip4HeaderLen is the length of an IPv4 header without options.
const Ip4HeaderLen = 20

// IPv4 flag bits as they appear in the flags/fragment-offset word.
const (
	Ip4FlagDF uint16 = 0x4000
	Ip4FlagMF uint16 = 0x2000

	Ip4OffsetMask uint16 = 0x1fff
)

// Ip4Header is an IPv4 header. VersionIhl packs version (high nibble) and
// IHL in 32-bit words (low nibble); FlagsOffset packs DF/MF and the
// fragment offset in 8-byte units.
type Ip4Header struct {
	VersionIhl  uint8
	DscpEcn     uint8
	TotalLen    uint16
	Ident       uint16
	FlagsOffset uint16
	Ttl         uint8
	Protocol    uint8
	Checksum    uint16
	Src         Ip4Addr
	Dst         Ip4Addr
}

// DecodeIp4Header parses the fixed header at the front of b. Options are
// the caller's concern via HeaderLen.
func DecodeIp4Header(b []byte) (Ip4Header, error) {
	var h Ip4Header
	if err := checkLen("IPv4 header", b, Ip4HeaderLen); err != nil {
		return h, err
	}
	h.VersionIhl = b[0]
	h.DscpEcn = b[1]
	h.TotalLen = binary.BigEndian.Uint16(b[2:4])
	h.Ident = binary.BigEndian.Uint16(b[4:6])
	h.FlagsOffset = binary.BigEndian.Uint16(b[6:8])
	h.Ttl = b[8]
	h.Protocol = b[9]
	h.Checksum = binary.BigEndian.Uint16(b[10:12])
	h.Src = Ip4AddrFromBytes(b[12:16])
	h.Dst = Ip4AddrFromBytes(b[16:20])
	return h, nil
}

// Version returns the IP version field.
func (h Ip4Header) Version() uint8 { return h.VersionIhl >> 4 }

// HeaderLen returns the header length in bytes.
func (h Ip4Header) HeaderLen() int { return int(h.VersionIhl&0x0f) * 4 }

// FragOffsetBytes returns the fragment offset in bytes.
func (h Ip4Header) FragOffsetBytes() int { return int(h.FlagsOffset&Ip4OffsetMask) * 8 }

// MoreFragments reports the MF bit.
func (h Ip4Header) MoreFragments() bool { return h.FlagsOffset&Ip4FlagMF != 0 }

// DontFragment reports the DF bit.
func (h Ip4Header) DontFragment() bool { return h.FlagsOffset&Ip4FlagDF != 0 }

// IsFragment reports whether the header describes any fragment of a larger
// datagram.
func (h Ip4Header) IsFragment() bool {
	return h.FlagsOffset&(Ip4FlagMF|Ip4OffsetMask) != 0
}

// Put writes the header into b, which must hold Ip4HeaderLen bytes. The
// Checksum field is written as-is; to fill it, compute the checksum over
// the written bytes and Put the header again.
func (h Ip4Header) Put(b []byte) {
	b[0] = h.VersionIhl
	b[1] = h.DscpEcn
	binary.BigEndian.PutUint16(b[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(b[4:6], h.Ident)
	binary.BigEndian.PutUint16(b[6:8], h.FlagsOffset)
	b[8] = h.Ttl
	b[9] = h.Protocol
	binary.BigEndian.PutUint16(b[10:12], h.Checksum)
	h.Src.Put(b[12:16])
	h.Dst.Put(b[16:20])
}
