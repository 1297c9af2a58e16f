// Package session tracks TCP connections seen on the wire and exports their
// state to the collector.
package session

import (
	"encoding/json"
	"time"

	"firestige.xyz/whisperer/internal/core"
)

// State is the simplified TCP automaton state of a session.
type State string

const (
	StateSynSent     State = "SYN_SENT"
	StateSynReceived State = "SYN_RECEIVED"
	StateEstablished State = "ESTABLISHED"
	StateCloseWait   State = "CLOSE_WAIT"
	StateLastAck     State = "LAST_ACK"
	StateClosed      State = "CLOSED"
)

// Direction of a packet relative to the session initiator.
type Direction int

const (
	DirOut Direction = iota // from the client
	DirIn                   // to the client
)

func (d Direction) String() string {
	if d == DirIn {
		return "in"
	}
	return "out"
}

// PacketRef points back at a frame exported by the packet buffer.
type PacketRef struct {
	ID         string  `json:"@id"`
	TCPPayload bool    `json:"tcpPayload"`
	Timestamp  float64 `json:"timestamp"`
}

// Flow accumulates one direction of a session.
type Flow struct {
	Packets []PacketRef `json:"packets"`
	IP      uint64      `json:"ip"`      // IP header bytes
	TCP     uint64      `json:"tcp"`     // TCP header bytes
	Payload uint64      `json:"payload"` // TCP payload bytes
}

// Session is one tracked connection. Client is the observed initiator.
type Session struct {
	ID     string
	Client core.Endpoint
	Server core.Endpoint
	State  State

	In  Flow
	Out Flow

	MinInSeq     uint32
	MinOutSeq    uint32
	HasMinInSeq  bool
	HasMinOutSeq bool

	SynTimestamp     time.Time
	ConnectTimestamp time.Time
	LastTimestamp    time.Time
	MissedSyn        bool
}

func newSession(correlationID string, client, server core.Endpoint) *Session {
	return &Session{
		ID:     "tcp:" + correlationID,
		Client: client,
		Server: server,
		In:     Flow{Packets: []PacketRef{}},
		Out:    Flow{Packets: []PacketRef{}},
	}
}

// Key is the exported client-server endpoint key.
func (s *Session) Key() string {
	return s.Client.String() + "-" + s.Server.String()
}

func (s *Session) flow(dir Direction) *Flow {
	if dir == DirIn {
		return &s.In
	}
	return &s.Out
}

func (s *Session) add(dir Direction, pkt *core.Packet, correlationID string) {
	f := s.flow(dir)
	f.Packets = append(f.Packets, PacketRef{
		ID:         "pck:" + correlationID,
		TCPPayload: pkt.TCP.PayloadLen > 0,
		Timestamp:  core.EpochSeconds(pkt.Timestamp),
	})
	f.IP += uint64(pkt.IP.HeaderLen)
	f.TCP += uint64(pkt.TCP.HeaderLen)
	f.Payload += uint64(pkt.TCP.PayloadLen)
	s.LastTimestamp = pkt.Timestamp
}

func (s *Session) setMinSeq(dir Direction, seq uint32) {
	if dir == DirIn {
		s.MinInSeq, s.HasMinInSeq = seq, true
		return
	}
	s.MinOutSeq, s.HasMinOutSeq = seq, true
}

// stale reports whether seq lies behind the recorded minimum of dir.
func (s *Session) stale(dir Direction, seq uint32) bool {
	if dir == DirIn {
		return s.HasMinInSeq && seqBehind(s.MinInSeq, seq)
	}
	return s.HasMinOutSeq && seqBehind(s.MinOutSeq, seq)
}

// clearPackets drops the packet references. Counters and state are kept.
func (s *Session) clearPackets() {
	s.In.Packets = s.In.Packets[:0]
	s.Out.Packets = s.Out.Packets[:0]
}

func (s *Session) clone() Session {
	c := *s
	c.In.Packets = append([]PacketRef{}, s.In.Packets...)
	c.Out.Packets = append([]PacketRef{}, s.Out.Packets...)
	return c
}

type sessionJSON struct {
	ID               string   `json:"@id"`
	State            State    `json:"state"`
	In               Flow     `json:"in"`
	Out              Flow     `json:"out"`
	MinInSeq         *uint32  `json:"minInSeq"`
	MinOutSeq        *uint32  `json:"minOutSeq"`
	SynTimestamp     *float64 `json:"synTimestamp"`
	ConnectTimestamp *float64 `json:"connectTimestamp"`
	LastTimestamp    *float64 `json:"lastTimestamp"`
	MissedSyn        bool     `json:"missedSyn"`
}

func epoch(t time.Time) *float64 {
	if t.IsZero() {
		return nil
	}
	v := core.EpochSeconds(t)
	return &v
}

// MarshalJSON renders the export record. Unset values are null.
func (s *Session) MarshalJSON() ([]byte, error) {
	out := sessionJSON{
		ID:               s.ID,
		State:            s.State,
		In:               s.In,
		Out:              s.Out,
		SynTimestamp:     epoch(s.SynTimestamp),
		ConnectTimestamp: epoch(s.ConnectTimestamp),
		LastTimestamp:    epoch(s.LastTimestamp),
		MissedSyn:        s.MissedSyn,
	}
	if s.HasMinInSeq {
		v := s.MinInSeq
		out.MinInSeq = &v
	}
	if s.HasMinOutSeq {
		v := s.MinOutSeq
		out.MinOutSeq = &v
	}
	return json.Marshal(out)
}
