// Package kafka implements a sink that publishes each batch as one Kafka message.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/whisperer/internal/log"
)

const (
	defaultCompression = "snappy"
	defaultMaxAttempts = 1
	defaultTimeout     = 10 * time.Second
)

// Config represents Kafka sink configuration.
type Config struct {
	Name        string
	Brokers     []string      // required
	Topic       string        // required
	Compression string        // none|gzip|snappy|lz4, default snappy
	MaxAttempts int           // default 3
	Timeout     time.Duration // write timeout, default 10s
}

// messageWriter is the subset of *kafka.Writer the sink needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink publishes batches to a Kafka topic keyed by the sink name.
type Sink struct {
	cfg    Config
	writer messageWriter
}

// New validates cfg and creates the Kafka writer.
func New(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.Compression == "" {
		cfg.Compression = defaultCompression
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{}, // same key, same partition
		MaxAttempts:  cfg.MaxAttempts,
		BatchSize:    1,
		WriteTimeout: cfg.Timeout,
		RequiredAcks: kafka.RequireOne,
		Async:        false, // Synchronous for error handling
	}

	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	w.Compression = codec

	log.GetLogger().WithFields(map[string]interface{}{
		"sink":        cfg.Name,
		"brokers":     cfg.Brokers,
		"topic":       cfg.Topic,
		"compression": cfg.Compression,
	}).Info("kafka sink created")

	return &Sink{cfg: cfg, writer: w}, nil
}

func compressionCodec(name string) (compress.Compression, error) {
	switch name {
	case "none":
		return 0, nil
	case "gzip":
		return compress.Gzip, nil
	case "snappy":
		return compress.Snappy, nil
	case "lz4":
		return compress.Lz4, nil
	case "zstd":
		return compress.Zstd, nil
	default:
		return 0, fmt.Errorf("invalid compression type: %s", name)
	}
}

func (s *Sink) Name() string {
	return s.cfg.Name
}

func (s *Sink) Send(ctx context.Context, payload []byte) error {
	msg := kafka.Message{
		Key:   []byte(s.cfg.Name),
		Value: payload,
		Time:  time.Now(),
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if err := s.writer.Close(); err != nil {
		log.GetLogger().WithError(err).Error("error closing kafka writer")
		return err
	}
	return nil
}
