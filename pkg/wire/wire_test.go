package wire

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/malbeclabs/tapstack/pkg/chksum"
	"github.com/stretchr/testify/require"
)

func TestWire_Ip4Addr_Helpers(t *testing.T) {
	t.Parallel()

	a := MakeIp4Addr(10, 1, 2, 3)
	require.Equal(t, "10.1.2.3", a.String())
	require.True(t, a.InSubnet(MakeIp4Addr(10, 1, 0, 0), 16))
	require.False(t, a.InSubnet(MakeIp4Addr(10, 2, 0, 0), 16))
	require.Equal(t, MakeIp4Addr(10, 1, 255, 255), BroadcastOf(MakeIp4Addr(10, 1, 0, 0), 16))
	require.True(t, MakeIp4Addr(224, 0, 0, 1).IsMulticast())
	require.False(t, a.IsMulticast())

	var b [4]byte
	a.Put(b[:])
	require.Equal(t, a, Ip4AddrFromBytes(b[:]))
}

func TestWire_EthHeader_RoundTrip(t *testing.T) {
	t.Parallel()

	h := EthHeader{
		Dst:  MacAddr{1, 2, 3, 4, 5, 6},
		Src:  MacAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
		Type: EtherTypeArp,
	}
	var b [EthHeaderLen]byte
	h.Put(b[:])
	got, err := DecodeEthHeader(b[:])
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(h, got))
}

func TestWire_Ip4Header_DecodeAgainstGopacket(t *testing.T) {
	t.Parallel()

	ipl := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      63,
		Id:       0x1234,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1).To4(),
		DstIP:    net.IPv4(10, 0, 0, 2).To4(),
	}
	sb := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(sb, gopacket.SerializeOptions{
		FixLengths: true, ComputeChecksums: true,
	}, ipl, gopacket.Payload(make([]byte, 11)))
	require.NoError(t, err)

	h, err := DecodeIp4Header(sb.Bytes())
	require.NoError(t, err)
	require.Equal(t, uint8(4), h.Version())
	require.Equal(t, 20, h.HeaderLen())
	require.Equal(t, uint16(31), h.TotalLen)
	require.Equal(t, uint16(0x1234), h.Ident)
	require.True(t, h.DontFragment())
	require.False(t, h.MoreFragments())
	require.False(t, h.IsFragment())
	require.Equal(t, MakeIp4Addr(10, 0, 0, 1), h.Src)
	require.Equal(t, MakeIp4Addr(10, 0, 0, 2), h.Dst)
	// A valid header checksums to zero.
	require.Equal(t, uint16(0), chksum.OfBytes(sb.Bytes()[:20]))
}

func TestWire_Ip4Header_PutDecodedByGopacket(t *testing.T) {
	t.Parallel()

	h := Ip4Header{
		VersionIhl:  4<<4 | 5,
		TotalLen:    20,
		Ident:       7,
		FlagsOffset: Ip4FlagMF | 185, // offset 1480 bytes
		Ttl:         64,
		Protocol:    ProtocolUdp,
		Src:         MakeIp4Addr(192, 168, 1, 1),
		Dst:         MakeIp4Addr(192, 168, 1, 2),
	}
	var b [Ip4HeaderLen]byte
	h.Put(b[:])
	c := chksum.OfBytes(b[:])
	h.Checksum = c
	h.Put(b[:])

	pkt := gopacket.NewPacket(b[:], layers.LayerTypeIPv4, gopacket.Default)
	ipl, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	require.Equal(t, uint16(1480/8), ipl.FragOffset)
	require.Equal(t, layers.IPv4MoreFragments, ipl.Flags)
	require.Equal(t, uint8(64), ipl.TTL)
	require.Equal(t, 1480, h.FragOffsetBytes())
	require.True(t, h.MoreFragments())
}

func TestWire_Tcp4Header_RoundTripAndFlags(t *testing.T) {
	t.Parallel()

	var h Tcp4Header
	h.SrcPort = 2001
	h.DstPort = 40000
	h.SeqNum = 0xdeadbeef
	h.AckNum = 0x01020304
	h.WindowSize = 8192
	h.SetOffsetFlags(24, TcpFlagSyn|TcpFlagAck)

	var b [Tcp4HeaderLen]byte
	h.Put(b[:])
	got, err := DecodeTcp4Header(b[:])
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(h, got))
	require.Equal(t, 24, got.DataOffsetBytes())
	require.Equal(t, TcpFlagSyn|TcpFlagAck, got.Flags())
}

func TestWire_TcpOptions_ParseSerialized(t *testing.T) {
	t.Parallel()

	opts := TcpOptions{HasMss: true, Mss: 1460, HasWndScale: true, WndScale: 7}
	require.Equal(t, 8, opts.SerializedLen())
	b := make([]byte, opts.SerializedLen())
	opts.Put(b)

	got := ParseTcpOptions(b)
	require.Empty(t, cmp.Diff(opts, got))
}

func TestWire_TcpOptions_ParseGopacketEncoded(t *testing.T) {
	t.Parallel()

	tcpl := &layers.TCP{
		SrcPort: 1, DstPort: 2, SYN: true, Window: 100,
		Options: []layers.TCPOption{
			{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}},
			{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
			{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{9}},
		},
	}
	sb := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(sb, gopacket.SerializeOptions{FixLengths: true}, tcpl)
	require.NoError(t, err)

	h, err := DecodeTcp4Header(sb.Bytes())
	require.NoError(t, err)
	got := ParseTcpOptions(sb.Bytes()[Tcp4HeaderLen:h.DataOffsetBytes()])
	require.True(t, got.HasMss)
	require.Equal(t, uint16(1460), got.Mss)
	require.True(t, got.HasWndScale)
	require.Equal(t, uint8(9), got.WndScale)
}

func TestWire_TcpOptions_MalformedTruncates(t *testing.T) {
	t.Parallel()

	// Option length runs past the buffer: parsing stops without panic.
	got := ParseTcpOptions([]byte{TcpOptionMss, 44, 0x01})
	require.False(t, got.HasMss)

	// Unknown options are skipped by length.
	got = ParseTcpOptions([]byte{8, 10, 0, 0, 0, 0, 0, 0, 0, 0, TcpOptionWndScale, 3, 2})
	require.True(t, got.HasWndScale)
	require.Equal(t, uint8(2), got.WndScale)
}

func TestWire_UdpHeader_RoundTrip(t *testing.T) {
	t.Parallel()

	h := UdpHeader{SrcPort: 40000, DstPort: 9, Length: 3000, Checksum: 0xabcd}
	var b [UdpHeaderLen]byte
	h.Put(b[:])
	got, err := DecodeUdpHeader(b[:])
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(h, got))
}

func TestWire_ArpPacket_RoundTrip(t *testing.T) {
	t.Parallel()

	p := ArpPacket{
		HwType:    ArpHwTypeEth,
		ProtoType: EtherTypeIpv4,
		HwLen:     6,
		ProtoLen:  4,
		Op:        ArpOpRequest,
		SenderMac: MacAddr{1, 2, 3, 4, 5, 6},
		SenderIp:  MakeIp4Addr(10, 0, 0, 1),
		TargetMac: MacAddrBroadcast,
		TargetIp:  MakeIp4Addr(10, 0, 0, 9),
	}
	var b [ArpPacketLen]byte
	p.Put(b[:])
	got, err := DecodeArpPacket(b[:])
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(p, got))
	require.True(t, got.Valid())
}

func TestWire_PseudoHeaderSum_ValidatesKernelStyleChecksum(t *testing.T) {
	t.Parallel()

	// Build a UDP packet with gopacket computing the checksum, then
	// verify it with our pseudo-header accumulator.
	ipl := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.IPv4(10, 0, 0, 5).To4(), DstIP: net.IPv4(10, 0, 0, 2).To4(),
	}
	udpl := &layers.UDP{SrcPort: 40000, DstPort: 9}
	require.NoError(t, udpl.SetNetworkLayerForChecksum(ipl))
	sb := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(sb, gopacket.SerializeOptions{
		FixLengths: true, ComputeChecksums: true,
	}, ipl, udpl, gopacket.Payload([]byte("ping")))
	require.NoError(t, err)

	udpBytes := sb.Bytes()[20:]
	a := PseudoHeaderSum(MakeIp4Addr(10, 0, 0, 5), MakeIp4Addr(10, 0, 0, 2),
		ProtocolUdp, uint16(len(udpBytes)))
	a.AddBytes(udpBytes)
	require.Equal(t, uint16(0), a.Final())
}
