package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Ip4Addr is an IPv4 address in host integer form, so prefix masks and
// broadcast math stay plain arithmetic.
type Ip4Addr uint32

// Well-known addresses.
const (
	Ip4AddrZero    Ip4Addr = 0
	Ip4AddrAllOnes Ip4Addr = 0xffffffff
)

// MakeIp4Addr builds an address from dotted octets.
func MakeIp4Addr(a, b, c, d byte) Ip4Addr {
	return Ip4Addr(a)<<24 | Ip4Addr(b)<<16 | Ip4Addr(c)<<8 | Ip4Addr(d)
}

// Ip4AddrFromBytes decodes a big-endian address from b.
func Ip4AddrFromBytes(b []byte) Ip4Addr {
	return Ip4Addr(binary.BigEndian.Uint32(b))
}

// Ip4AddrFromNetip converts from a netip.Addr, which must be IPv4.
func Ip4AddrFromNetip(a netip.Addr) (Ip4Addr, error) {
	if !a.Is4() {
		return 0, fmt.Errorf("wire: not an IPv4 address: %s", a)
	}
	b := a.As4()
	return MakeIp4Addr(b[0], b[1], b[2], b[3]), nil
}

// Put writes the address big-endian into b.
func (a Ip4Addr) Put(b []byte) {
	binary.BigEndian.PutUint32(b, uint32(a))
}

// Netip converts to a netip.Addr.
func (a Ip4Addr) Netip() netip.Addr {
	return netip.AddrFrom4([4]byte{byte(a >> 24), byte(a >> 16), byte(a >> 8), byte(a)})
}

func (a Ip4Addr) String() string {
	return a.Netip().String()
}

// PrefixMask returns the netmask for a prefix length.
func PrefixMask(prefix int) Ip4Addr {
	if prefix <= 0 {
		return 0
	}
	if prefix >= 32 {
		return Ip4AddrAllOnes
	}
	return Ip4AddrAllOnes << (32 - prefix)
}

// InSubnet reports whether a shares the prefix-length-sized prefix of network.
func (a Ip4Addr) InSubnet(network Ip4Addr, prefix int) bool {
	m := PrefixMask(prefix)
	return a&m == network&m
}

// BroadcastOf returns the directed broadcast address of the subnet.
func BroadcastOf(network Ip4Addr, prefix int) Ip4Addr {
	return network | ^PrefixMask(prefix)
}

// IsMulticast reports whether the address is in 224.0.0.0/4.
func (a Ip4Addr) IsMulticast() bool {
	return a>>28 == 0xe
}

// MacAddr is a 48-bit Ethernet address.
type MacAddr [6]byte

// MacAddrBroadcast is the all-ones Ethernet address.
var MacAddrBroadcast = MacAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (m MacAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}
