package wire

import "encoding/binary"

// Tcp4HeaderLen is the length of a TCP header without options.
const Tcp4HeaderLen = 20

// TCP flag bits in the offset/flags word.
const (
	TcpFlagFin uint16 = 1 << 0
	TcpFlagSyn uint16 = 1 << 1
	TcpFlagRst uint16 = 1 << 2
	TcpFlagPsh uint16 = 1 << 3
	TcpFlagAck uint16 = 1 << 4
	TcpFlagUrg uint16 = 1 << 5

	tcpFlagsMask uint16 = 0x0fff
)

// TCP option kinds.
const (
	TcpOptionEnd      uint8 = 0
	TcpOptionNop      uint8 = 1
	TcpOptionMss      uint8 = 2
	TcpOptionWndScale uint8 = 3
)

// Serialized option lengths, padded to 4-byte alignment where noted.
const (
	TcpOptWriteLenMss      = 4
	TcpOptWriteLenWndScale = 4 // 3 bytes plus one NOP
	TcpMaxOptionsLen       = TcpOptWriteLenMss + TcpOptWriteLenWndScale
)

// Tcp4Header is a TCP header. OffsetFlags packs the data offset (high
// nibble, in 32-bit words) with the flag bits.
type Tcp4Header struct {
	SrcPort     uint16
	DstPort     uint16
	SeqNum      uint32
	AckNum      uint32
	OffsetFlags uint16
	WindowSize  uint16
	Checksum    uint16
	UrgentPtr   uint16
}

// DecodeTcp4Header parses the fixed header at the front of b.
func DecodeTcp4Header(b []byte) (Tcp4Header, error) {
	var h Tcp4Header
	if err := checkLen("TCP header", b, Tcp4HeaderLen); err != nil {
		return h, err
	}
	h.SrcPort = binary.BigEndian.Uint16(b[0:2])
	h.DstPort = binary.BigEndian.Uint16(b[2:4])
	h.SeqNum = binary.BigEndian.Uint32(b[4:8])
	h.AckNum = binary.BigEndian.Uint32(b[8:12])
	h.OffsetFlags = binary.BigEndian.Uint16(b[12:14])
	h.WindowSize = binary.BigEndian.Uint16(b[14:16])
	h.Checksum = binary.BigEndian.Uint16(b[16:18])
	h.UrgentPtr = binary.BigEndian.Uint16(b[18:20])
	return h, nil
}

// DataOffsetWords returns the data offset field in 32-bit words.
func (h Tcp4Header) DataOffsetWords() int { return int(h.OffsetFlags >> 12) }

// DataOffsetBytes returns the header length in bytes.
func (h Tcp4Header) DataOffsetBytes() int { return h.DataOffsetWords() * 4 }

// Flags returns the flag bits.
func (h Tcp4Header) Flags() uint16 { return h.OffsetFlags & tcpFlagsMask }

// SetOffsetFlags packs a data offset in bytes with flag bits.
func (h *Tcp4Header) SetOffsetFlags(offsetBytes int, flags uint16) {
	h.OffsetFlags = uint16(offsetBytes/4)<<12 | (flags & tcpFlagsMask)
}

// Put writes the header into b, which must hold Tcp4HeaderLen bytes.
func (h Tcp4Header) Put(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint32(b[4:8], h.SeqNum)
	binary.BigEndian.PutUint32(b[8:12], h.AckNum)
	binary.BigEndian.PutUint16(b[12:14], h.OffsetFlags)
	binary.BigEndian.PutUint16(b[14:16], h.WindowSize)
	binary.BigEndian.PutUint16(b[16:18], h.Checksum)
	binary.BigEndian.PutUint16(b[18:20], h.UrgentPtr)
}

// TcpOptions holds the options the stack understands, parsed from a SYN or
// SYN-ACK segment. Absent options leave the Has fields false.
type TcpOptions struct {
	HasMss      bool
	HasWndScale bool
	Mss         uint16
	WndScale    uint8
}

// ParseTcpOptions walks the options area. Unknown options are skipped by
// their length byte; a malformed length truncates parsing without error,
// matching the usual silently-tolerant receiver behavior.
func ParseTcpOptions(b []byte) TcpOptions {
	var opts TcpOptions
	for len(b) > 0 {
		kind := b[0]
		switch kind {
		case TcpOptionEnd:
			return opts
		case TcpOptionNop:
			b = b[1:]
			continue
		}
		if len(b) < 2 {
			return opts
		}
		optLen := int(b[1])
		if optLen < 2 || optLen > len(b) {
			return opts
		}
		data := b[2:optLen]
		switch kind {
		case TcpOptionMss:
			if len(data) == 2 {
				opts.HasMss = true
				opts.Mss = binary.BigEndian.Uint16(data)
			}
		case TcpOptionWndScale:
			if len(data) == 1 {
				opts.HasWndScale = true
				opts.WndScale = data[0]
			}
		}
		b = b[optLen:]
	}
	return opts
}

// SerializedLen returns the space the options occupy on the wire, a
// multiple of 4.
func (o TcpOptions) SerializedLen() int {
	n := 0
	if o.HasMss {
		n += TcpOptWriteLenMss
	}
	if o.HasWndScale {
		n += TcpOptWriteLenWndScale
	}
	return n
}

// Put writes the options into b, which must hold SerializedLen bytes.
func (o TcpOptions) Put(b []byte) {
	if o.HasMss {
		b[0] = TcpOptionMss
		b[1] = 4
		binary.BigEndian.PutUint16(b[2:4], o.Mss)
		b = b[4:]
	}
	if o.HasWndScale {
		b[0] = TcpOptionNop
		b[1] = TcpOptionWndScale
		b[2] = 3
		b[3] = o.WndScale
	}
}
