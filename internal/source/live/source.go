// Package live captures frames from a network interface through libpcap.
package live

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"firestige.xyz/whisperer/internal/core"
)

// pollTimeout bounds a blocking read so the caller can observe cancellation.
const pollTimeout = 500 * time.Millisecond

type Config struct {
	Interface    string
	SnapLen      int
	BufferSizeMB int
	Promiscuous  bool
	Filter       string
}

type Source struct {
	iface string

	mu     sync.RWMutex
	handle *pcap.Handle
}

func Open(cfg Config) (*Source, error) {
	inactive, err := pcap.NewInactiveHandle(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("failed to open interface %s: %w", cfg.Interface, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(cfg.SnapLen); err != nil {
		return nil, fmt.Errorf("set snaplen: %w", err)
	}
	if err := inactive.SetPromisc(cfg.Promiscuous); err != nil {
		return nil, fmt.Errorf("set promiscuous: %w", err)
	}
	if err := inactive.SetTimeout(pollTimeout); err != nil {
		return nil, fmt.Errorf("set timeout: %w", err)
	}
	if cfg.BufferSizeMB > 0 {
		if err := inactive.SetBufferSize(cfg.BufferSizeMB * 1024 * 1024); err != nil {
			return nil, fmt.Errorf("set buffer size: %w", err)
		}
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("failed to activate capture on %s: %w", cfg.Interface, err)
	}
	if cfg.Filter != "" {
		if err := handle.SetBPFFilter(cfg.Filter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("failed to set filter %q: %w", cfg.Filter, err)
		}
	}
	return &Source{iface: cfg.Interface, handle: handle}, nil
}

func (s *Source) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	s.mu.RLock()
	h := s.handle
	s.mu.RUnlock()
	if h == nil {
		return nil, gopacket.CaptureInfo{}, core.ErrSourceClosed
	}

	data, ci, err := h.ReadPacketData()
	switch {
	case err == nil:
		return data, ci, nil
	case errors.Is(err, pcap.NextErrorTimeoutExpired):
		return nil, ci, core.ErrReadTimeout
	case errors.Is(err, io.EOF), errors.Is(err, pcap.NextErrorNoMorePackets):
		return nil, ci, core.ErrSourceClosed
	default:
		return nil, ci, fmt.Errorf("failed to read packet from %s: %w", s.iface, err)
	}
}

func (s *Source) LinkType() layers.LinkType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle == nil {
		return layers.LinkTypeEthernet
	}
	return s.handle.LinkType()
}

// Stats returns the libpcap receive and drop counters.
func (s *Source) Stats() (core.CaptureStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle == nil {
		return core.CaptureStats{}, core.ErrSourceClosed
	}
	st, err := s.handle.Stats()
	if err != nil {
		return core.CaptureStats{}, err
	}
	return core.CaptureStats{
		Received:  uint64(st.PacketsReceived),
		Dropped:   uint64(st.PacketsDropped),
		IfDropped: uint64(st.PacketsIfDropped),
	}, nil
}

// Interface returns the capture interface name.
func (s *Source) Interface() string {
	return s.iface
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
	return nil
}
