package session

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

// RoleTagger receives the roles of newly tracked endpoints.
type RoleTagger interface {
	SetIPAsClient(ip string)
	SetIPAsServer(ip string)
}

// Config configures a Tracker.
type Config struct {
	// Live enables idle eviction and time-based sends. Replayed captures
	// carry old timestamps so neither applies to them.
	Live           bool
	SessionTimeout time.Duration
	Roles          RoleTagger       // optional
	Now            func() time.Time // defaults to time.Now
}

// Stats are the tracker's packet counters.
type Stats struct {
	PacketsTracked         uint64
	PacketsNotTCP          uint64
	PacketsOutsideSessions uint64
	PacketsStale           uint64
}

// key is the direction-independent identity of a connection.
type key struct {
	lo, hi core.Endpoint
}

func keyOf(a, b core.Endpoint) key {
	if b.Less(a) {
		a, b = b, a
	}
	return key{lo: a, hi: b}
}

// Tracker classifies IPv4/TCP packets into sessions and exports them.
type Tracker struct {
	sink    sink.Sink
	roles   RoleTagger
	live    bool
	timeout time.Duration
	now     func() time.Time

	mu        sync.Mutex
	sessions  map[key]*Session
	updated   bool
	watermark time.Time // newest packet timestamp covered by an export
	lastSend  time.Time
	stats     Stats
}

func NewTracker(s sink.Sink, cfg Config) *Tracker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 120 * time.Second
	}
	return &Tracker{
		sink:     s,
		roles:    cfg.Roles,
		live:     cfg.Live,
		timeout:  cfg.SessionTimeout,
		now:      cfg.Now,
		sessions: make(map[key]*Session),
		lastSend: cfg.Now(),
	}
}

// TrackPacket classifies pkt. correlationID is the id the packet buffer
// returned for the same frame.
func (t *Tracker) TrackPacket(pkt *core.Packet, correlationID string) {
	t.mu.Lock()
	created := t.track(pkt, correlationID)
	t.mu.Unlock()

	if created != nil && t.roles != nil {
		t.roles.SetIPAsClient(created.Client.Addr.String())
		t.roles.SetIPAsServer(created.Server.Addr.String())
	}
}

// track applies pkt and returns a copy of the session it created, if any.
func (t *Tracker) track(pkt *core.Packet, correlationID string) *Session {
	t.stats.PacketsTracked++

	if !pkt.IsIPv4TCP() {
		t.stats.PacketsNotTCP++
		metrics.PacketsTotal.WithLabelValues("not_tcp").Inc()
		return nil
	}

	src, dst := pkt.Src(), pkt.Dst()
	k := keyOf(src, dst)
	s := t.sessions[k]
	dir := DirOut
	if s != nil && s.Client != src {
		dir = DirIn
	}

	flags := pkt.TCP.Flags
	seq := pkt.TCP.Seq
	var created *Session

	switch {
	case flags.Has(core.FlagSYN) && !flags.Has(core.FlagFIN):
		switch {
		case s == nil && !flags.Has(core.FlagACK):
			s = t.create(k, correlationID, src, dst)
			s.add(DirOut, pkt, correlationID)
			s.State = StateSynSent
			s.setMinSeq(DirOut, seq)
			s.SynTimestamp = pkt.Timestamp
			created = s
		case s != nil && dir == DirIn && flags.Has(core.FlagACK):
			s.add(DirIn, pkt, correlationID)
			s.State = StateSynReceived
			s.setMinSeq(DirIn, seq)
			s.ConnectTimestamp = pkt.Timestamp
		case s != nil:
			s.add(dir, pkt, correlationID)
		}

	case flags.Has(core.FlagRST):
		if s != nil {
			s.add(dir, pkt, correlationID)
			s.State = StateClosed
		}

	case flags.Has(core.FlagFIN):
		if s != nil {
			s.add(dir, pkt, correlationID)
			switch s.State {
			case StateEstablished:
				s.State = StateCloseWait
			case StateCloseWait:
				s.State = StateLastAck
			}
		}

	case flags.Has(core.FlagACK):
		switch {
		case s != nil:
			s.add(dir, pkt, correlationID)
			switch s.State {
			case StateSynReceived:
				s.State = StateEstablished
			case StateLastAck:
				s.State = StateClosed
			}
		case pkt.TCP.PayloadLen > 0:
			s = t.synthesize(k, pkt, correlationID)
			created = s
		}

	case s != nil && s.State != StateClosed && s.stale(dir, seq):
		t.stats.PacketsStale++
		metrics.PacketsTotal.WithLabelValues("stale").Inc()
		return nil

	default:
		if s != nil && s.State != StateClosed {
			s.add(dir, pkt, correlationID)
		}
	}

	if t.sessions[k] == nil {
		t.stats.PacketsOutsideSessions++
		metrics.PacketsTotal.WithLabelValues("outside_session").Inc()
		return nil
	}

	t.updated = true
	metrics.PacketsTotal.WithLabelValues("tracked").Inc()
	if created == nil {
		return nil
	}
	c := created.clone()
	return &c
}

func (t *Tracker) create(k key, correlationID string, client, server core.Endpoint) *Session {
	s := newSession(correlationID, client, server)
	t.sessions[k] = s
	metrics.SessionsActive.Set(float64(len(t.sessions)))
	return s
}

// synthesize creates a session for data seen without its handshake. The
// side with the larger port is taken as the initiator.
func (t *Tracker) synthesize(k key, pkt *core.Packet, correlationID string) *Session {
	src, dst := pkt.Src(), pkt.Dst()
	client, server, dir := dst, src, DirIn
	if src.Port > dst.Port {
		client, server, dir = src, dst, DirOut
	}

	s := t.create(k, correlationID, client, server)
	s.add(dir, pkt, correlationID)
	s.State = StateEstablished
	s.MissedSyn = true
	if dir == DirOut {
		s.setMinSeq(DirOut, pkt.TCP.Seq)
		s.setMinSeq(DirIn, pkt.TCP.Ack)
	} else {
		s.setMinSeq(DirIn, pkt.TCP.Seq)
		s.setMinSeq(DirOut, pkt.TCP.Ack)
	}
	return s
}

// Send exports the sessions updated since the previous export and evicts
// closed (and, live, idle) ones. It does nothing unless packets were tracked
// since the last send or, live, the session timeout elapsed.
func (t *Tracker) Send(ctx context.Context) error {
	return t.send(ctx, false)
}

// Flush is Send without the trigger check.
func (t *Tracker) Flush(ctx context.Context) error {
	return t.send(ctx, true)
}

func (t *Tracker) send(ctx context.Context, force bool) error {
	now := t.now()

	t.mu.Lock()
	due := force || t.updated || (t.live && now.Sub(t.lastSend) > t.timeout)
	if !due {
		t.mu.Unlock()
		return nil
	}
	t.updated = false
	t.lastSend = now

	batch := make(map[string]*Session)
	var closed, idle []key
	newest := t.watermark
	for k, s := range t.sessions {
		if s.LastTimestamp.After(t.watermark) {
			batch[s.Key()] = s
		}
		if s.LastTimestamp.After(newest) {
			newest = s.LastTimestamp
		}
		switch {
		case s.State == StateClosed:
			closed = append(closed, k)
		case t.live && now.Sub(s.LastTimestamp) > t.timeout:
			log.GetLogger().WithField("session", s.ID).Debug("session too old, closing it")
			idle = append(idle, k)
		}
	}
	t.watermark = newest

	var payload []byte
	if len(batch) > 0 {
		var err error
		if payload, err = json.Marshal(batch); err != nil {
			t.mu.Unlock()
			return fmt.Errorf("marshal sessions: %w", err)
		}
		for _, s := range batch {
			s.clearPackets()
		}
	}

	for _, k := range closed {
		delete(t.sessions, k)
	}
	for _, k := range idle {
		delete(t.sessions, k)
	}
	remaining := len(t.sessions)
	stats := t.stats
	t.mu.Unlock()

	metrics.SessionsActive.Set(float64(remaining))
	metrics.SessionsEvictedTotal.WithLabelValues("closed").Add(float64(len(closed)))
	metrics.SessionsEvictedTotal.WithLabelValues("idle").Add(float64(len(idle)))

	logger := log.GetLogger()
	if len(closed)+len(idle) > 0 {
		logger.WithFields(map[string]interface{}{
			"closed": len(closed),
			"idle":   len(idle),
		}).Debug("deleted sessions")
	}
	if len(batch) == 0 {
		logger.Debug("no session to send this time")
		return nil
	}

	logger.WithFields(map[string]interface{}{
		"sending":          len(batch),
		"tracked":          stats.PacketsTracked,
		"not_tcp":          stats.PacketsNotTCP,
		"outside_sessions": stats.PacketsOutsideSessions,
		"stale":            stats.PacketsStale,
	}).Debug("sending sessions")

	if err := t.sink.Send(ctx, payload); err != nil {
		return fmt.Errorf("send %d sessions: %w", len(batch), err)
	}
	metrics.SessionsExportedTotal.Add(float64(len(batch)))
	return nil
}

// Stats returns a snapshot of the packet counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Len returns the number of sessions held in memory.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Lookup returns a copy of the session between a and b, in either order.
func (t *Tracker) Lookup(a, b core.Endpoint) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[keyOf(a, b)]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}
