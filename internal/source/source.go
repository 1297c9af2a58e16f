// Package source opens the capture source selected by configuration.
package source

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/whisperer/internal/config"
	"firestige.xyz/whisperer/internal/core"
	"firestige.xyz/whisperer/internal/source/afpacket"
	"firestige.xyz/whisperer/internal/source/file"
	"firestige.xyz/whisperer/internal/source/live"
)

// Source yields raw frames. ReadPacketData returns io.EOF at the end of a
// finite capture and core.ErrReadTimeout when a live poll expires.
type Source interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
	Close() error
}

// StatsSource is implemented by live sources that report drop counters.
type StatsSource interface {
	Stats() (core.CaptureStats, error)
}

// Open opens the source described by cfg.
func Open(cfg config.CaptureConfig) (Source, error) {
	switch cfg.Mode {
	case config.ModeFile:
		return file.Open(file.Config{Path: cfg.File, Filter: cfg.Filter})
	case config.ModeInterface:
		switch cfg.Source {
		case config.SourceAFPacket:
			return afpacket.Open(afpacket.Config{
				Interface:    cfg.Interface,
				SnapLen:      cfg.SnapLen,
				BufferSizeMB: cfg.BufferSizeMB,
				Filter:       cfg.Filter,
			})
		default:
			return live.Open(live.Config{
				Interface:    cfg.Interface,
				SnapLen:      cfg.SnapLen,
				BufferSizeMB: cfg.BufferSizeMB,
				Promiscuous:  cfg.Promiscuous,
				Filter:       cfg.Filter,
			})
		}
	default:
		return nil, fmt.Errorf("%w: capture mode %q", core.ErrConfigInvalid, cfg.Mode)
	}
}
