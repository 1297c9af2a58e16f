//go:build !linux

package afpacket

import (
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/whisperer/internal/core"
)

var errUnsupported = errors.New("af_packet capture is only available on linux")

type Source struct{}

func Open(Config) (*Source, error) {
	return nil, errUnsupported
}

func (s *Source) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return nil, gopacket.CaptureInfo{}, core.ErrSourceClosed
}

func (s *Source) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

func (s *Source) Stats() (core.CaptureStats, error) { return core.CaptureStats{}, errUnsupported }

func (s *Source) Interface() string { return "" }

func (s *Source) Close() error { return nil }
