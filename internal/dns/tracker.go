package dns

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"firestige.xyz/whisperer/internal/core"
	"firestige.xyz/whisperer/internal/log"
	"firestige.xyz/whisperer/internal/metrics"
	"firestige.xyz/whisperer/internal/sink"
)

// Tracker feeds the cache from captured packets and exports it. Lookups run
// on a bounded worker pool so the intake path never blocks on DNS.
type Tracker struct {
	cache   *Cache
	sink    sink.Sink
	now     func() time.Time
	workers int

	queue chan string
	wg    sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool

	sendMu   sync.Mutex
	lastSent time.Time
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	Workers   int
	QueueSize int
	Now       func() time.Time // defaults to time.Now
}

func NewTracker(cache *Cache, s sink.Sink, cfg TrackerConfig) *Tracker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		cache:    cache,
		sink:     s,
		now:      cfg.Now,
		workers:  cfg.Workers,
		queue:    make(chan string, cfg.QueueSize),
		lastSent: cfg.Now(),
	}
}

// Cache returns the underlying cache.
func (t *Tracker) Cache() *Cache {
	return t.cache
}

// Start launches the lookup workers. They run until Close.
func (t *Tracker) Start() {
	ctx := context.Background()
	for i := 0; i < t.workers; i++ {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			for ip := range t.queue {
				t.cache.Resolve(ctx, ip)
			}
		}()
	}
}

// TrackPacket observes both addresses of an IPv4 packet and queues lookups
// for the ones that need it. A full queue drops the lookup; the entry keeps
// its IP as name until the TTL elapses.
func (t *Tracker) TrackPacket(pkt *core.Packet) {
	if !pkt.IsIPv4 {
		return
	}
	t.track(pkt.IP.SrcIP.String())
	t.track(pkt.IP.DstIP.String())
}

func (t *Tracker) track(ip string) {
	if _, needsLookup := t.cache.Observe(ip); !needsLookup {
		return
	}

	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- ip:
	default:
		metrics.DNSLookupsTotal.WithLabelValues("dropped").Inc()
		log.GetLogger().WithField("ip", ip).Debug("dns lookup queue full, dropping lookup")
	}
}

// SendUpdates exports the entries looked up since the previous export. The
// export mark advances even when delivery fails.
func (t *Tracker) SendUpdates(ctx context.Context) error {
	t.sendMu.Lock()
	since := t.lastSent
	t.lastSent = t.now()
	t.sendMu.Unlock()

	entries := t.cache.ItemsUpdatedSince(since)
	if len(entries) == 0 {
		return nil
	}
	return t.send(ctx, entries, "update")
}

// SendAll exports every cached entry and advances the export mark.
func (t *Tracker) SendAll(ctx context.Context) error {
	t.sendMu.Lock()
	t.lastSent = t.now()
	t.sendMu.Unlock()

	entries := t.cache.Items()
	if len(entries) == 0 {
		return nil
	}
	return t.send(ctx, entries, "full")
}

// Purge drops entries not seen within the TTL.
func (t *Tracker) Purge(context.Context) error {
	t.cache.Purge()
	return nil
}

func (t *Tracker) send(ctx context.Context, entries []Entry, kind string) error {
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal dns entries: %w", err)
	}
	if err := t.sink.Send(ctx, payload); err != nil {
		log.GetLogger().WithError(err).WithField("kind", kind).Error("failed to send dns entries")
		return err
	}
	log.GetLogger().WithFields(map[string]interface{}{
		"kind":    kind,
		"entries": len(entries),
	}).Debug("dns entries sent")
	return nil
}

// Close stops accepting lookups and waits for queued ones to finish.
func (t *Tracker) Close() {
	t.closeMu.Lock()
	if t.closed {
		t.closeMu.Unlock()
		return
	}
	t.closed = true
	close(t.queue)
	t.closeMu.Unlock()

	t.wg.Wait()
}
