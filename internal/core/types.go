// Package core defines core types with zero external dependencies.
package core

import "net/netip"

// TCPFlags is the bitmask of the TCP control bits the tracker cares about.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

// Has reports whether every bit of f is set.
func (t TCPFlags) Has(f TCPFlags) bool {
	return t&f == f
}

func (t TCPFlags) String() string {
	names := []struct {
		flag TCPFlags
		name string
	}{
		{FlagSYN, "SYN"}, {FlagACK, "ACK"}, {FlagFIN, "FIN"},
		{FlagRST, "RST"}, {FlagPSH, "PSH"}, {FlagURG, "URG"},
	}
	out := ""
	for _, n := range names {
		if t.Has(n.flag) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "-"
	}
	return out
}

// IPHeader represents the L3 IPv4 header fields used for accounting.
type IPHeader struct {
	Version   uint8
	SrcIP     netip.Addr // Go stdlib value type, zero allocation
	DstIP     netip.Addr
	Protocol  uint8 // TCP=6, UDP=17
	HeaderLen uint16
	TotalLen  uint16
}

// TCPHeader represents the L4 TCP header fields used by the session tracker.
type TCPHeader struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	Flags      TCPFlags
	HeaderLen  uint16
	PayloadLen uint32 // derived from the IP total length, not the captured bytes
}
