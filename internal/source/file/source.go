// Package file replays frames from a pcap file.
package file

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"firestige.xyz/whisperer/internal/core"
)

type Config struct {
	Path   string
	Filter string // BPF expression, optional
}

type Source struct {
	path   string
	handle *pcap.Handle
}

func Open(cfg Config) (*Source, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: capture file is required", core.ErrConfigInvalid)
	}

	handle, err := pcap.OpenOffline(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", cfg.Path, err)
	}
	if cfg.Filter != "" {
		if err := handle.SetBPFFilter(cfg.Filter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("failed to set filter %q: %w", cfg.Filter, err)
		}
	}
	return &Source{path: cfg.Path, handle: handle}, nil
}

func (s *Source) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	if s.handle == nil {
		return nil, gopacket.CaptureInfo{}, core.ErrSourceClosed
	}

	data, ci, err := s.handle.ReadPacketData()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, gopacket.CaptureInfo{}, io.EOF
		}
		return nil, gopacket.CaptureInfo{}, fmt.Errorf("failed to read packet from %s: %w", s.path, err)
	}
	return data, ci, nil
}

func (s *Source) LinkType() layers.LinkType {
	if s.handle == nil {
		return layers.LinkTypeEthernet
	}
	return s.handle.LinkType()
}

func (s *Source) Close() error {
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
	return nil
}
