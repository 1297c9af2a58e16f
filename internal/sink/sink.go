// Package sink defines the delivery capability shared by buffers and trackers.
package sink

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/whisperer/internal/config"
	"firestige.xyz/whisperer/internal/metrics"
	"firestige.xyz/whisperer/internal/sink/console"
	"firestige.xyz/whisperer/internal/sink/kafka"
	"firestige.xyz/whisperer/internal/sink/web"
)

// Content types sent by the web sink.
const (
	ContentTypePcap = "application/vnd.tcpdump.pcap"
	ContentTypeJSON = "application/json"
)

// Sink delivers one opaque batch per call.
type Sink interface {
	Name() string
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// New builds the sink described by cfg. name labels metrics and logs,
// contentType is only used by the web variant.
func New(name string, cfg config.SinkConfig, token, contentType string) (Sink, error) {
	var s Sink
	switch cfg.Type {
	case config.SinkWeb:
		s = web.New(web.Config{
			Name:        name,
			URL:         cfg.URL,
			Token:       token,
			ContentType: contentType,
			Timeout:     cfg.Timeout,
		})
	case config.SinkKafka:
		k, err := kafka.New(kafka.Config{
			Name:        name,
			Brokers:     cfg.Kafka.Brokers,
			Topic:       cfg.Kafka.Topic,
			Compression: cfg.Kafka.Compression,
			MaxAttempts: cfg.Kafka.MaxAttempts,
			Timeout:     cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		s = k
	case config.SinkConsole:
		s = console.New(name, contentType == ContentTypeJSON)
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
	return Instrument(s), nil
}

// Instrument records delivery outcome and latency for s.
func Instrument(s Sink) Sink {
	return &instrumented{Sink: s}
}

type instrumented struct {
	Sink
}

func (i *instrumented) Send(ctx context.Context, payload []byte) error {
	start := time.Now()
	err := i.Sink.Send(ctx, payload)
	metrics.SinkLatencySeconds.WithLabelValues(i.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SinkErrorsTotal.WithLabelValues(i.Name()).Inc()
		return err
	}
	metrics.SinkSendsTotal.WithLabelValues(i.Name()).Inc()
	return nil
}

// PcapHeader returns the 24-byte pcap global header for the link type.
func PcapHeader(snaplen uint32, linkType layers.LinkType) []byte {
	var buf bytes.Buffer
	// Writing to a bytes.Buffer cannot fail.
	_ = pcapgo.NewWriter(&buf).WriteFileHeader(snaplen, linkType)
	return buf.Bytes()
}

// WithPcapHeader prefixes every batch with a pcap global header so that the
// payload is a complete capture file.
func WithPcapHeader(s Sink, snaplen uint32, linkType layers.LinkType) Sink {
	return &pcapHeaderSink{Sink: s, header: PcapHeader(snaplen, linkType)}
}

type pcapHeaderSink struct {
	Sink
	header []byte
}

func (p *pcapHeaderSink) Send(ctx context.Context, payload []byte) error {
	out := make([]byte, 0, len(p.header)+len(payload))
	out = append(out, p.header...)
	out = append(out, payload...)
	return p.Sink.Send(ctx, out)
}
