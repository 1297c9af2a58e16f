// Package web implements the HTTP collector sink.
package web

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	"firestige.xyz/whisperer/internal/core"
	"firestige.xyz/whisperer/internal/log"
)

const (
	defaultTimeout = 2 * time.Second
	maxErrorBody   = 512
)

// Config configures a web sink.
type Config struct {
	Name        string
	URL         string
	Token       string // sent as a Bearer token
	ContentType string
	Timeout     time.Duration
}

// Sink posts gzip-compressed batches and expects 202 Accepted.
type Sink struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config) *Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Sink{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

func (s *Sink) Name() string {
	return s.cfg.Name
}

func (s *Sink) Send(ctx context.Context, payload []byte) error {
	body, err := compress(payload)
	if err != nil {
		return fmt.Errorf("gzip %s batch: %w", s.cfg.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", s.cfg.ContentType)
	req.Header.Set("Content-Encoding", "gzip")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	log.GetLogger().WithFields(map[string]interface{}{
		"sink":    s.cfg.Name,
		"status":  resp.StatusCode,
		"bytes":   len(body),
		"elapsed": time.Since(start).String(),
	}).Debug("batch posted")

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %s returned %d: %s", core.ErrSinkStatus, s.cfg.Name, resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *Sink) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
