// Package console implements a sink that logs batches instead of shipping them.
package console

import (
	"context"

	"firestige.xyz/whisperer/internal/log"
)

type Sink struct {
	name string
	text bool // payload is JSON and may be echoed at debug level
}

func New(name string, text bool) *Sink {
	return &Sink{name: name, text: text}
}

func (s *Sink) Name() string {
	return s.name
}

func (s *Sink) Send(_ context.Context, payload []byte) error {
	l := log.GetLogger().WithFields(map[string]interface{}{
		"sink":  s.name,
		"bytes": len(payload),
	})
	if s.text && l.IsDebugEnabled() {
		l.Debug(string(payload))
		return nil
	}
	l.Info("batch received")
	return nil
}

func (s *Sink) Close() error {
	return nil
}
