// Package decoder implements L2-L4 protocol stack decoding on top of gopacket.
package decoder

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/whisperer/internal/core"
)

// Decoder decodes captured frames into core.Packet values.
// A Decoder reuses its layer buffers and is not safe for concurrent use.
type Decoder struct {
	linkType layers.LinkType
	parser   *gopacket.DecodingLayerParser
	decoded  []gopacket.LayerType

	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	sll     layers.LinuxSLL
	lo      layers.Loopback
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	payload gopacket.Payload
}

// New creates a decoder for frames of the given link type.
func New(linkType layers.LinkType) (*Decoder, error) {
	first, err := firstLayer(linkType)
	if err != nil {
		return nil, err
	}

	d := &Decoder{
		linkType: linkType,
		decoded:  make([]gopacket.LayerType, 0, 8),
	}
	d.parser = gopacket.NewDecodingLayerParser(first,
		&d.eth, &d.dot1q, &d.sll, &d.lo, &d.ip4, &d.ip6, &d.tcp, &d.payload)
	// UDP, ICMP, ARP and friends stop the walk without an error.
	d.parser.IgnoreUnsupported = true
	return d, nil
}

// LinkType returns the link type the decoder was built for.
func (d *Decoder) LinkType() layers.LinkType {
	return d.linkType
}

func firstLayer(linkType layers.LinkType) (gopacket.LayerType, error) {
	switch linkType {
	case layers.LinkTypeEthernet:
		return layers.LayerTypeEthernet, nil
	case layers.LinkTypeLinuxSLL:
		return layers.LayerTypeLinuxSLL, nil
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		return layers.LayerTypeLoopback, nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		return layers.LayerTypeIPv4, nil
	default:
		return gopacket.LayerTypeZero, fmt.Errorf("%w: %s", core.ErrUnsupportedLinkType, linkType)
	}
}

// Decode decodes one frame. Frames that are not IPv4/TCP come back with
// IsIPv4TCP() false and a nil error; only malformed headers return an error.
func (d *Decoder) Decode(raw core.RawPacket) (core.Packet, error) {
	pkt := core.Packet{
		Timestamp:  raw.Timestamp,
		CaptureLen: raw.CaptureLen,
		OrigLen:    raw.OrigLen,
	}

	if err := d.parser.DecodeLayers(raw.Data, &d.decoded); err != nil {
		return pkt, fmt.Errorf("decode frame: %w", err)
	}

	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			if err := d.fillIPv4(&pkt); err != nil {
				return pkt, err
			}
		case layers.LayerTypeIPv6:
			pkt.IsIPv6 = true
		case layers.LayerTypeTCP:
			if pkt.IsIPv4 {
				d.fillTCP(&pkt)
			}
		}
	}
	return pkt, nil
}

func (d *Decoder) fillIPv4(pkt *core.Packet) error {
	src, ok := netip.AddrFromSlice(d.ip4.SrcIP.To4())
	if !ok {
		return core.ErrPacketTooShort
	}
	dst, ok := netip.AddrFromSlice(d.ip4.DstIP.To4())
	if !ok {
		return core.ErrPacketTooShort
	}

	pkt.IsIPv4 = true
	pkt.IP = core.IPHeader{
		Version:   4,
		SrcIP:     src,
		DstIP:     dst,
		Protocol:  uint8(d.ip4.Protocol),
		HeaderLen: uint16(d.ip4.IHL) * 4,
		TotalLen:  d.ip4.Length,
	}
	return nil
}

func (d *Decoder) fillTCP(pkt *core.Packet) {
	var flags core.TCPFlags
	if d.tcp.FIN {
		flags |= core.FlagFIN
	}
	if d.tcp.SYN {
		flags |= core.FlagSYN
	}
	if d.tcp.RST {
		flags |= core.FlagRST
	}
	if d.tcp.PSH {
		flags |= core.FlagPSH
	}
	if d.tcp.ACK {
		flags |= core.FlagACK
	}
	if d.tcp.URG {
		flags |= core.FlagURG
	}

	headerLen := uint16(d.tcp.DataOffset) * 4
	pkt.IsTCP = true
	pkt.TCP = core.TCPHeader{
		SrcPort:    uint16(d.tcp.SrcPort),
		DstPort:    uint16(d.tcp.DstPort),
		Seq:        d.tcp.Seq,
		Ack:        d.tcp.Ack,
		Flags:      flags,
		HeaderLen:  headerLen,
		PayloadLen: payloadLen(pkt.IP.TotalLen, pkt.IP.HeaderLen, headerLen),
	}
}

// payloadLen uses the IP total length so that a snaplen-truncated capture
// still accounts for the bytes that were on the wire.
func payloadLen(total, ipHeader, tcpHeader uint16) uint32 {
	used := uint32(ipHeader) + uint32(tcpHeader)
	if uint32(total) <= used {
		return 0
	}
	return uint32(total) - used
}
