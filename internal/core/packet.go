// Package core defines core data structures with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
	"time"
)

// RawPacket is a frame as read from a capture source.
type RawPacket struct {
	Data       []byte    // Raw frame data, owned by the caller
	Timestamp  time.Time // Capture timestamp
	CaptureLen uint32    // Actual captured length
	OrigLen    uint32    // Original frame length
}

// CaptureStats are the drop counters reported by a live capture handle.
type CaptureStats struct {
	Received  uint64
	Dropped   uint64 // dropped by the kernel buffer
	IfDropped uint64 // dropped by the interface or driver
}

// Packet is the decoded view of a frame. IP and TCP are only meaningful
// when IsIPv4 and IsTCP are set.
type Packet struct {
	Timestamp  time.Time
	CaptureLen uint32
	OrigLen    uint32

	IsIPv4 bool
	IsIPv6 bool
	IsTCP  bool

	IP  IPHeader
	TCP TCPHeader
}

// IsIPv4TCP reports whether the packet can be tracked as part of a TCP session.
func (p *Packet) IsIPv4TCP() bool {
	return p.IsIPv4 && p.IsTCP
}

// Src returns the source endpoint.
func (p *Packet) Src() Endpoint {
	return Endpoint{Addr: p.IP.SrcIP, Port: p.TCP.SrcPort}
}

// Dst returns the destination endpoint.
func (p *Packet) Dst() Endpoint {
	return Endpoint{Addr: p.IP.DstIP, Port: p.TCP.DstPort}
}

// Endpoint is an IPv4 address and TCP port.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// Less orders endpoints by address then port.
func (e Endpoint) Less(o Endpoint) bool {
	if c := e.Addr.Compare(o.Addr); c != 0 {
		return c < 0
	}
	return e.Port < o.Port
}

// EpochSeconds renders t as seconds since the epoch with a microsecond fraction.
func EpochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond()/1000)/1e6
}
