// Package output batches captured frames as pcap records and hands full
// batches to a sink.
package output

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/whisperer/internal/core"
	"firestige.xyz/whisperer/internal/log"
	"firestige.xyz/whisperer/internal/metrics"
	"firestige.xyz/whisperer/internal/sink"
)

// RecordHeaderLen is the size of the pcap record header preceding each frame.
const RecordHeaderLen = 16

// Flush triggers, used as metric labels.
const (
	triggerFull  = "full"
	triggerFlush = "flush"
)

var errArenaFull = errors.New("arena full")

// arena is a fixed-capacity io.Writer over a preallocated slice.
type arena struct {
	buf []byte
	n   int
}

func (a *arena) Write(p []byte) (int, error) {
	if a.n+len(p) > len(a.buf) {
		return 0, errArenaFull
	}
	copy(a.buf[a.n:], p)
	a.n += len(p)
	return len(p), nil
}

// Buffer accumulates pcap records up to a fixed capacity. Each added frame
// gets a correlation id "<token>.<anchor>.<index>" where anchor is the
// capture time of the first frame of the batch and index counts from 1.
type Buffer struct {
	name  string
	token string
	sink  sink.Sink

	mu     sync.Mutex
	arena  *arena
	writer *pcapgo.Writer
	items  int
	anchor time.Time

	inflight sync.WaitGroup
}

// New creates a buffer of capacity bytes delivering to s.
func New(name, token string, capacity int, s sink.Sink) *Buffer {
	a := &arena{buf: make([]byte, capacity)}
	return &Buffer{
		name:   name,
		token:  token,
		sink:   s,
		arena:  a,
		writer: pcapgo.NewWriter(a),
	}
}

// Name returns the buffer name used in logs and metrics.
func (b *Buffer) Name() string {
	return b.name
}

// Cap returns the buffer capacity in bytes.
func (b *Buffer) Cap() int {
	return len(b.arena.buf)
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arena.n
}

// Add appends one frame and returns its correlation id. When the record does
// not fit, the current batch is handed to the sink on a background goroutine
// first. A record larger than the whole buffer fails with core.ErrFrameTooLarge.
func (b *Buffer) Add(ci gopacket.CaptureInfo, data []byte) (string, error) {
	size := RecordHeaderLen + len(data)
	if size > len(b.arena.buf) {
		return "", fmt.Errorf("%w: %s record of %d bytes, capacity %d", core.ErrFrameTooLarge, b.name, size, len(b.arena.buf))
	}

	ci.CaptureLength = len(data)
	if ci.Length < ci.CaptureLength {
		ci.Length = ci.CaptureLength
	}

	b.mu.Lock()
	if b.arena.n+size > len(b.arena.buf) {
		if batch := b.takeLocked(); batch != nil {
			b.dispatch(batch)
		}
	}
	if err := b.writer.WritePacket(ci, data); err != nil {
		b.mu.Unlock()
		return "", fmt.Errorf("buffer %s: %w", b.name, err)
	}
	b.items++
	if b.items == 1 {
		b.anchor = ci.Timestamp
	}
	id := CorrelationID(b.token, b.anchor, b.items)
	b.mu.Unlock()

	return id, nil
}

// Flush hands the buffered batch to the sink and waits for the delivery.
// It is a no-op on an empty buffer.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()

	if batch == nil {
		return nil
	}
	return b.deliver(ctx, batch, triggerFlush)
}

// Wait blocks until every batch dispatched by Add has been delivered.
func (b *Buffer) Wait() {
	b.inflight.Wait()
}

// takeLocked copies out the filled prefix and resets the batch state.
func (b *Buffer) takeLocked() []byte {
	if b.arena.n == 0 {
		return nil
	}
	batch := make([]byte, b.arena.n)
	copy(batch, b.arena.buf[:b.arena.n])
	b.arena.n = 0
	b.items = 0
	b.anchor = time.Time{}
	return batch
}

func (b *Buffer) dispatch(batch []byte) {
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		if err := b.deliver(context.Background(), batch, triggerFull); err != nil {
			log.GetLogger().WithError(err).WithField("buffer", b.name).Error("failed to deliver full batch")
		}
	}()
}

func (b *Buffer) deliver(ctx context.Context, batch []byte, trigger string) error {
	metrics.BufferFlushesTotal.WithLabelValues(b.name, trigger).Inc()
	metrics.BufferBytesTotal.WithLabelValues(b.name).Add(float64(len(batch)))
	log.GetLogger().WithFields(map[string]interface{}{
		"buffer":  b.name,
		"bytes":   len(batch),
		"trigger": trigger,
	}).Debug("flushing buffer")

	if err := b.sink.Send(ctx, batch); err != nil {
		return fmt.Errorf("flush %s buffer to %s: %w", b.name, b.sink.Name(), err)
	}
	return nil
}

// CorrelationID joins the agent token, the batch anchor time and the 1-based
// item index.
func CorrelationID(token string, anchor time.Time, index int) string {
	return token + "." + strconv.FormatFloat(core.EpochSeconds(anchor), 'f', -1, 64) + "." + strconv.Itoa(index)
}
