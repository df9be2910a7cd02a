package wire

import "encoding/binary"

// ArpPacketLen is the length of an Ethernet/IPv4 ARP packet.
const ArpPacketLen = 28

// ARP hardware/protocol constants for Ethernet/IPv4.
const (
	ArpHwTypeEth uint16 = 1

	ArpOpRequest uint16 = 1
	ArpOpReply   uint16 = 2
)

/*
ARP packet for Ethernet/IPv4 (RFC 826):

	 0                   1
	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|         Hardware Type         |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|         Protocol Type         |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|    HW Len     |   Proto Len   |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|           Operation           |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|  Sender MAC (6), Sender IP (4)|
	|  Target MAC (6), Target IP (4)|
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/
type ArpPacket struct {
	HwType    uint16
	ProtoType uint16
	HwLen     uint8
	ProtoLen  uint8
	Op        uint16
	SenderMac MacAddr
	SenderIp  Ip4Addr
	TargetMac MacAddr
	TargetIp  Ip4Addr
}

// DecodeArpPacket parses an ARP packet from b.
func DecodeArpPacket(b []byte) (ArpPacket, error) {
	var p ArpPacket
	if err := checkLen("ARP packet", b, ArpPacketLen); err != nil {
		return p, err
	}
	p.HwType = binary.BigEndian.Uint16(b[0:2])
	p.ProtoType = binary.BigEndian.Uint16(b[2:4])
	p.HwLen = b[4]
	p.ProtoLen = b[5]
	p.Op = binary.BigEndian.Uint16(b[6:8])
	copy(p.SenderMac[:], b[8:14])
	p.SenderIp = Ip4AddrFromBytes(b[14:18])
	copy(p.TargetMac[:], b[18:24])
	p.TargetIp = Ip4AddrFromBytes(b[24:28])
	return p, nil
}

// Valid reports whether the packet describes Ethernet/IPv4 ARP.
func (p ArpPacket) Valid() bool {
	return p.HwType == ArpHwTypeEth && p.ProtoType == EtherTypeIpv4 &&
		p.HwLen == 6 && p.ProtoLen == 4
}

// Put writes the packet into b, which must hold ArpPacketLen bytes.
func (p ArpPacket) Put(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], p.HwType)
	binary.BigEndian.PutUint16(b[2:4], p.ProtoType)
	b[4] = p.HwLen
	b[5] = p.ProtoLen
	binary.BigEndian.PutUint16(b[6:8], p.Op)
	copy(b[8:14], p.SenderMac[:])
	p.SenderIp.Put(b[14:18])
	copy(b[18:24], p.TargetMac[:])
	p.TargetIp.Put(b[24:28])
}
