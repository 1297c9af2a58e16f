package decoder

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/whisperer/internal/core"
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func tcpFrame(t *testing.T, payload []byte, configure func(*layers.TCP)) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
		DstMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(192, 168, 1, 1),
		DstIP:    net.IPv4(192, 168, 1, 2),
	}
	tcp := &layers.TCP{
		SrcPort: 50000,
		DstPort: 80,
		Seq:     1000,
		Ack:     2000,
		Window:  1024,
	}
	if configure != nil {
		configure(tcp)
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, tcp, gopacket.Payload(payload))
}

func raw(data []byte) core.RawPacket {
	return core.RawPacket{
		Data:       data,
		Timestamp:  time.Unix(1700000000, 0),
		CaptureLen: uint32(len(data)),
		OrigLen:    uint32(len(data)),
	}
}

func TestDecodeTCP(t *testing.T) {
	d, err := New(layers.LinkTypeEthernet)
	require.NoError(t, err)

	frame := tcpFrame(t, []byte("hello"), func(tcp *layers.TCP) {
		tcp.PSH = true
		tcp.ACK = true
	})

	pkt, err := d.Decode(raw(frame))
	require.NoError(t, err)

	assert.True(t, pkt.IsIPv4TCP())
	assert.Equal(t, "192.168.1.1", pkt.IP.SrcIP.String())
	assert.Equal(t, "192.168.1.2", pkt.IP.DstIP.String())
	assert.Equal(t, uint16(20), pkt.IP.HeaderLen)
	assert.Equal(t, uint16(45), pkt.IP.TotalLen)
	assert.Equal(t, uint16(50000), pkt.TCP.SrcPort)
	assert.Equal(t, uint16(80), pkt.TCP.DstPort)
	assert.Equal(t, uint32(1000), pkt.TCP.Seq)
	assert.Equal(t, uint32(2000), pkt.TCP.Ack)
	assert.Equal(t, core.FlagPSH|core.FlagACK, pkt.TCP.Flags)
	assert.Equal(t, uint16(20), pkt.TCP.HeaderLen)
	assert.Equal(t, uint32(5), pkt.TCP.PayloadLen)
	assert.Equal(t, time.Unix(1700000000, 0), pkt.Timestamp)
}

func TestDecodeFlags(t *testing.T) {
	d, err := New(layers.LinkTypeEthernet)
	require.NoError(t, err)

	tests := []struct {
		name      string
		configure func(*layers.TCP)
		expected  core.TCPFlags
	}{
		{"syn", func(tcp *layers.TCP) { tcp.SYN = true }, core.FlagSYN},
		{"syn-ack", func(tcp *layers.TCP) { tcp.SYN, tcp.ACK = true, true }, core.FlagSYN | core.FlagACK},
		{"fin-ack", func(tcp *layers.TCP) { tcp.FIN, tcp.ACK = true, true }, core.FlagFIN | core.FlagACK},
		{"rst", func(tcp *layers.TCP) { tcp.RST = true }, core.FlagRST},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, err := d.Decode(raw(tcpFrame(t, nil, tt.configure)))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, pkt.TCP.Flags)
			assert.Equal(t, uint32(0), pkt.TCP.PayloadLen)
		})
	}
}

func TestDecodeUDPIsNotTCP(t *testing.T) {
	d, err := New(layers.LinkTypeEthernet)
	require.NoError(t, err)

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{1, 2, 3, 4, 5, 6},
		DstMAC:       net.HardwareAddr{6, 5, 4, 3, 2, 1},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2),
	}
	udp := &layers.UDP{SrcPort: 5000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	pkt, err := d.Decode(raw(serialize(t, eth, ip, udp, gopacket.Payload([]byte{1, 2, 3}))))
	require.NoError(t, err)
	assert.True(t, pkt.IsIPv4)
	assert.False(t, pkt.IsTCP)
	assert.False(t, pkt.IsIPv4TCP())
}

func TestDecodeTruncatedPayloadUsesIPLength(t *testing.T) {
	d, err := New(layers.LinkTypeEthernet)
	require.NoError(t, err)

	frame := tcpFrame(t, make([]byte, 100), func(tcp *layers.TCP) { tcp.ACK = true })
	// Keep headers plus 10 payload bytes, as a small snaplen would.
	truncated := frame[:14+20+20+10]

	pkt, err := d.Decode(core.RawPacket{Data: truncated, CaptureLen: uint32(len(truncated)), OrigLen: uint32(len(frame))})
	require.NoError(t, err)
	require.True(t, pkt.IsIPv4TCP())
	assert.Equal(t, uint32(100), pkt.TCP.PayloadLen)
}

func TestNewUnsupportedLinkType(t *testing.T) {
	_, err := New(layers.LinkTypeIEEE802_11)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUnsupportedLinkType)
}

func TestPayloadLen(t *testing.T) {
	assert.Equal(t, uint32(10), payloadLen(50, 20, 20))
	assert.Equal(t, uint32(0), payloadLen(40, 20, 20))
	assert.Equal(t, uint32(0), payloadLen(30, 20, 20))
}
