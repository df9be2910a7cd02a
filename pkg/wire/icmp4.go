package wire

import "encoding/binary"

// Icmp4HeaderLen is the length of an ICMPv4 header including the 4-byte
// rest-of-header word.
const Icmp4HeaderLen = 8

// ICMPv4 types and codes handled by the stack.
const (
	Icmp4TypeEchoReply   uint8 = 0
	Icmp4TypeDestUnreach uint8 = 3
	Icmp4TypeEchoRequest uint8 = 8

	Icmp4CodePortUnreach uint8 = 3
	Icmp4CodeFragNeeded  uint8 = 4
)

// Icmp4Header is an ICMPv4 header. Rest carries the type-specific word:
// ident/seqnum for echo, unused/next-hop-MTU for destination unreachable.
type Icmp4Header struct {
	Type     uint8
	Code     uint8
	Checksum uint16
	Rest     uint32
}

// DecodeIcmp4Header parses the header at the front of b.
func DecodeIcmp4Header(b []byte) (Icmp4Header, error) {
	var h Icmp4Header
	if err := checkLen("ICMPv4 header", b, Icmp4HeaderLen); err != nil {
		return h, err
	}
	h.Type = b[0]
	h.Code = b[1]
	h.Checksum = binary.BigEndian.Uint16(b[2:4])
	h.Rest = binary.BigEndian.Uint32(b[4:8])
	return h, nil
}

// NextHopMtu extracts the next-hop MTU from a fragmentation-needed message.
func (h Icmp4Header) NextHopMtu() uint16 { return uint16(h.Rest) }

// Put writes the header into b, which must hold Icmp4HeaderLen bytes.
func (h Icmp4Header) Put(b []byte) {
	b[0] = h.Type
	b[1] = h.Code
	binary.BigEndian.PutUint16(b[2:4], h.Checksum)
	binary.BigEndian.PutUint32(b[4:8], h.Rest)
}
