// Package pipeline drives captured frames through the agent's components.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"

	"firestige.xyz/whisperer/internal/core"
	"firestige.xyz/whisperer/internal/log"
	"firestige.xyz/whisperer/internal/metrics"
)

// Source yields raw frames; see internal/source.
type Source interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

type Decoder interface {
	Decode(raw core.RawPacket) (core.Packet, error)
}

// PacketBuffer batches raw frames; see internal/output.
type PacketBuffer interface {
	Name() string
	Add(ci gopacket.CaptureInfo, data []byte) (string, error)
	Flush(ctx context.Context) error
	Wait()
}

type SessionTracker interface {
	TrackPacket(pkt *core.Packet, correlationID string)
	Flush(ctx context.Context) error
}

type DNSTracker interface {
	TrackPacket(pkt *core.Packet)
	SendUpdates(ctx context.Context) error
	Close()
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Pipeline reads frames on one goroutine and processes them in capture
// order on another. Per frame it calls the DNS tracker, the packet buffers
// and the session tracker, in that order.
type Pipeline struct {
	source   Source
	decoder  Decoder
	dns      DNSTracker
	packets  PacketBuffer
	dump     PacketBuffer
	sessions SessionTracker
	pacing   bool
	sleep    SleepFunc
	metrics  *Metrics

	rawPacketChan chan core.RawPacket
	lastTimestamp time.Time
}

// Config contains pipeline configuration. DNS and Dump are optional.
type Config struct {
	Source     Source
	Decoder    Decoder
	DNS        DNSTracker
	Packets    PacketBuffer
	Dump       PacketBuffer
	Sessions   SessionTracker
	Pacing     bool      // replay frames with their original inter-arrival delays
	Sleep      SleepFunc // defaults to a context-aware timer
	BufferSize int       // raw packet channel buffer size
}

func New(cfg Config) *Pipeline {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &Pipeline{
		source:        cfg.Source,
		decoder:       cfg.Decoder,
		dns:           cfg.DNS,
		packets:       cfg.Packets,
		dump:          cfg.Dump,
		sessions:      cfg.Sessions,
		pacing:        cfg.Pacing,
		sleep:         cfg.Sleep,
		metrics:       NewMetrics(),
		rawPacketChan: make(chan core.RawPacket, cfg.BufferSize),
	}
}

// Run processes frames until the source is exhausted or ctx is done. It
// returns nil in both cases; errors are capture failures and frames that
// do not fit a packet buffer.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg         sync.WaitGroup
		captureErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		captureErr = p.captureLoop(ctx)
	}()

	processErr := p.processLoop(ctx)
	cancel()
	// Unblock the capture goroutine if it is waiting on a full channel.
	for range p.rawPacketChan {
	}
	wg.Wait()

	if processErr != nil {
		return processErr
	}
	return captureErr
}

// captureLoop reads frames into the channel and closes it when done.
func (p *Pipeline) captureLoop(ctx context.Context) error {
	defer close(p.rawPacketChan)

	for ctx.Err() == nil {
		data, ci, err := p.source.ReadPacketData()
		switch {
		case err == nil:
		case errors.Is(err, core.ErrReadTimeout):
			continue
		case errors.Is(err, io.EOF), errors.Is(err, core.ErrSourceClosed):
			log.GetLogger().Info("end of capture")
			return nil
		default:
			return fmt.Errorf("capture failed: %w", err)
		}

		raw := core.RawPacket{
			Data:       data,
			Timestamp:  ci.Timestamp,
			CaptureLen: uint32(ci.CaptureLength),
			OrigLen:    uint32(ci.Length),
		}
		select {
		case p.rawPacketChan <- raw:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (p *Pipeline) processLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-p.rawPacketChan:
			if !ok {
				return nil
			}
			p.metrics.Received.Add(1)
			if err := p.pace(ctx, raw.Timestamp); err != nil {
				return nil
			}
			if err := p.processPacket(raw); err != nil {
				return err
			}
		}
	}
}

// pace delays a replayed frame by its distance to the previous one.
func (p *Pipeline) pace(ctx context.Context, ts time.Time) error {
	prev := p.lastTimestamp
	p.lastTimestamp = ts
	if !p.pacing || prev.IsZero() || !ts.After(prev) {
		return nil
	}
	p.metrics.Delayed.Add(1)
	return p.sleep(ctx, ts.Sub(prev))
}

func (p *Pipeline) processPacket(raw core.RawPacket) error {
	pkt, err := p.decoder.Decode(raw)
	if err != nil {
		// Still buffered so that the collector gets every captured frame.
		p.metrics.DecodeErrors.Add(1)
		metrics.DecodeErrorsTotal.Inc()
		log.GetLogger().WithError(err).Trace("frame decode failed")
	} else {
		p.metrics.Decoded.Add(1)
	}

	if p.dns != nil {
		p.dns.TrackPacket(&pkt)
	}

	ci := gopacket.CaptureInfo{
		Timestamp:     raw.Timestamp,
		CaptureLength: len(raw.Data),
		Length:        int(raw.OrigLen),
	}
	id, err := p.packets.Add(ci, raw.Data)
	if err != nil {
		return fmt.Errorf("buffer %s: %w", p.packets.Name(), err)
	}
	if p.dump != nil {
		if _, err := p.dump.Add(ci, raw.Data); err != nil {
			return fmt.Errorf("buffer %s: %w", p.dump.Name(), err)
		}
	}
	p.metrics.Buffered.Add(1)

	p.sessions.TrackPacket(&pkt, id)
	return nil
}

// Drain flushes every component in order and waits for each delivery:
// packet buffer, dump buffer, session tracker, DNS tracker. Periodic jobs
// must be stopped first.
func (p *Pipeline) Drain(ctx context.Context) error {
	logger := log.GetLogger()
	var errs []error

	for _, b := range []PacketBuffer{p.packets, p.dump} {
		if b == nil {
			continue
		}
		if err := b.Flush(ctx); err != nil {
			logger.WithError(err).WithField("buffer", b.Name()).Error("failed to flush buffer")
			errs = append(errs, err)
		}
		b.Wait()
	}

	if err := p.sessions.Flush(ctx); err != nil {
		logger.WithError(err).Error("failed to send sessions")
		errs = append(errs, err)
	}

	if p.dns != nil {
		p.dns.Close()
		if err := p.dns.SendUpdates(ctx); err != nil {
			logger.WithError(err).Error("failed to send dns entries")
			errs = append(errs, err)
		}
	}

	logger.WithFields(map[string]interface{}{
		"received":      p.metrics.Received.Load(),
		"decode_errors": p.metrics.DecodeErrors.Load(),
	}).Info("pipeline drained")
	return errors.Join(errs...)
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:     p.metrics.Received.Load(),
		Decoded:      p.metrics.Decoded.Load(),
		DecodeErrors: p.metrics.DecodeErrors.Load(),
		Buffered:     p.metrics.Buffered.Load(),
		Delayed:      p.metrics.Delayed.Load(),
	}
}

// Stats represents pipeline statistics.
type Stats struct {
	Received     uint64
	Decoded      uint64
	DecodeErrors uint64
	Buffered     uint64
	Delayed      uint64
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
