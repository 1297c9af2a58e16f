//go:build linux

// Package afpacket captures frames through a Linux AF_PACKET mmap ring.
package afpacket

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"

	"firestige.xyz/whisperer/internal/core"
)

type Source struct {
	iface string

	mu     sync.RWMutex
	handle *afpacket.TPacket

	frameSize int
	blockSize int
	numBlocks int
}

func Open(cfg Config) (*Source, error) {
	if cfg.BufferSizeMB <= 0 {
		cfg.BufferSizeMB = defaultBufferSizeMB
	}
	frameSize, blockSize, numBlocks, err := recomputeSize(cfg.BufferSizeMB, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}

	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(cfg.Interface),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(pollTimeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open af_packet on %s: %w", cfg.Interface, err)
	}

	if cfg.Filter != "" {
		if err := setFilter(tp, cfg.Filter, cfg.SnapLen); err != nil {
			tp.Close()
			return nil, err
		}
	}

	return &Source{
		iface:     cfg.Interface,
		handle:    tp,
		frameSize: frameSize,
		blockSize: blockSize,
		numBlocks: numBlocks,
	}, nil
}

// setFilter compiles expr with libpcap and attaches it to the ring.
func setFilter(tp *afpacket.TPacket, expr string, snapLen int) error {
	pcapBPF, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, snapLen, expr)
	if err != nil {
		return fmt.Errorf("failed to compile filter %q: %w", expr, err)
	}
	rawBPF := make([]bpf.RawInstruction, len(pcapBPF))
	for i, inst := range pcapBPF {
		rawBPF[i] = bpf.RawInstruction{
			Op: inst.Code,
			Jt: inst.Jt,
			Jf: inst.Jf,
			K:  inst.K,
		}
	}
	if err := tp.SetBPF(rawBPF); err != nil {
		return fmt.Errorf("failed to attach filter %q: %w", expr, err)
	}
	return nil
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
	case errors.Is(err, afpacket.ErrTimeout):
		return nil, ci, core.ErrReadTimeout
	default:
		return nil, ci, fmt.Errorf("failed to read packet from %s: %w", s.iface, err)
	}
}

// LinkType is always Ethernet for a raw AF_PACKET socket.
func (s *Source) LinkType() layers.LinkType {
	return layers.LinkTypeEthernet
}

// Stats returns the TPACKET_V3 socket counters.
func (s *Source) Stats() (core.CaptureStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle == nil {
		return core.CaptureStats{}, core.ErrSourceClosed
	}
	_, v3, err := s.handle.SocketStats()
	if err != nil {
		return core.CaptureStats{}, err
	}
	return core.CaptureStats{
		Received: uint64(v3.Packets()),
		Dropped:  uint64(v3.Drops()),
	}, nil
}

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
