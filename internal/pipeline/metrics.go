package pipeline

import (
	"sync/atomic"
)

// Metrics contains per-pipeline counters.
type Metrics struct {
	Received     atomic.Uint64
	Decoded      atomic.Uint64
	DecodeErrors atomic.Uint64
	Buffered     atomic.Uint64
	Delayed      atomic.Uint64 // frames held back by replay pacing
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// Reset resets all counters to zero.
func (m *Metrics) Reset() {
	m.Received.Store(0)
	m.Decoded.Store(0)
	m.DecodeErrors.Store(0)
	m.Buffered.Store(0)
	m.Delayed.Store(0)
}
