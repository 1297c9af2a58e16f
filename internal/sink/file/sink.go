// Package file implements a sink writing each batch to its own pcap file.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/whisperer/internal/log"
)

// Sink writes output-<n>.pcap files, n counting from 0.
type Sink struct {
	dir      string
	snaplen  uint32
	linkType layers.LinkType
	next     atomic.Uint64
}

// New creates the output directory if needed.
func New(dir string, snaplen uint32, linkType layers.LinkType) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dump directory %s: %w", dir, err)
	}
	return &Sink{dir: dir, snaplen: snaplen, linkType: linkType}, nil
}

func (s *Sink) Name() string {
	return "file"
}

// Send writes the global header followed by the batch records.
func (s *Sink) Send(_ context.Context, payload []byte) error {
	n := s.next.Add(1) - 1
	name := filepath.Join(s.dir, fmt.Sprintf("output-%d.pcap", n))

	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}

	if err := pcapgo.NewWriter(f).WriteFileHeader(s.snaplen, s.linkType); err != nil {
		f.Close()
		return fmt.Errorf("write header to %s: %w", name, err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("write batch to %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}

	log.GetLogger().WithField("file", name).Debug("batch saved")
	return nil
}

func (s *Sink) Close() error {
	return nil
}
