package dns

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/whisperer/internal/core"
)

type recordingSink struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (s *recordingSink) Name() string { return "hostnames" }

func (s *recordingSink) Send(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, append([]byte(nil), payload...))
	return s.err
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) entries(t *testing.T, i int) []map[string]interface{} {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Greater(t, len(s.payloads), i)
	var out []map[string]interface{}
	require.NoError(t, json.Unmarshal(s.payloads[i], &out))
	return out
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func ipv4Packet(src, dst string) *core.Packet {
	return &core.Packet{
		IsIPv4: true,
		IsTCP:  true,
		IP: core.IPHeader{
			Version: 4,
			SrcIP:   netip.MustParseAddr(src),
			DstIP:   netip.MustParseAddr(dst),
		},
	}
}

func newTestTracker(clock *fakeClock, resolver Resolver, s *recordingSink) *Tracker {
	return NewTracker(newTestCache(clock, resolver), s, TrackerConfig{Workers: 2, QueueSize: 16, Now: clock.Now})
}

func TestTrackPacketResolvesBothEnds(t *testing.T) {
	clock := newFakeClock()
	resolver := newFakeResolver(map[string]string{"10.0.0.1": "client.local.", "10.0.0.2": "server.local."})
	tr := newTestTracker(clock, resolver, &recordingSink{})
	tr.Start()

	tr.TrackPacket(ipv4Packet("10.0.0.1", "10.0.0.2"))
	tr.TrackPacket(ipv4Packet("10.0.0.2", "10.0.0.1"))
	tr.Close()

	assert.Equal(t, 1, resolver.Calls("10.0.0.1"))
	assert.Equal(t, 1, resolver.Calls("10.0.0.2"))
	e, ok := tr.Cache().Get("10.0.0.2")
	require.True(t, ok)
	assert.Equal(t, "server.local", e.Hostname)
}

func TestTrackPacketIgnoresNonIPv4(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock, newFakeResolver(nil), &recordingSink{})

	tr.TrackPacket(&core.Packet{IsIPv6: true})

	assert.Zero(t, tr.Cache().Len())
}

func TestTrackPacketAfterCloseDoesNotPanic(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock, newFakeResolver(nil), &recordingSink{})
	tr.Start()
	tr.Close()

	assert.NotPanics(t, func() { tr.TrackPacket(ipv4Packet("10.0.0.1", "10.0.0.2")) })
	tr.Close()
}

func TestSendUpdatesOnlyExportsNewEntries(t *testing.T) {
	clock := newFakeClock()
	s := &recordingSink{}
	tr := newTestTracker(clock, newFakeResolver(map[string]string{"10.0.0.1": "a"}), s)
	tr.Start()
	defer tr.Close()

	clock.Advance(time.Second)
	tr.Cache().Reverse(context.Background(), "10.0.0.1")
	tr.Cache().SetIPAsServer("10.0.0.1")

	require.NoError(t, tr.SendUpdates(context.Background()))
	require.Equal(t, 1, s.count())
	got := s.entries(t, 0)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0]["hostname"])
	assert.Equal(t, "SERVER", got[0]["type"])

	// Nothing new: no delivery.
	clock.Advance(time.Second)
	require.NoError(t, tr.SendUpdates(context.Background()))
	assert.Equal(t, 1, s.count())

	clock.Advance(time.Second)
	tr.Cache().Observe("10.0.0.9")
	require.NoError(t, tr.SendUpdates(context.Background()))
	require.Equal(t, 2, s.count())
	got = s.entries(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.9", got[0]["ip"])
	assert.Nil(t, got[0]["hostname"])
}

func TestSendUpdatesAdvancesMarkOnFailure(t *testing.T) {
	clock := newFakeClock()
	s := &recordingSink{err: errors.New("boom")}
	tr := newTestTracker(clock, newFakeResolver(nil), s)

	clock.Advance(time.Second)
	tr.Cache().Observe("10.0.0.1")
	clock.Advance(time.Second)

	assert.Error(t, tr.SendUpdates(context.Background()))
	assert.NoError(t, tr.SendUpdates(context.Background()))
	assert.Equal(t, 1, s.count())
}

func TestSendAll(t *testing.T) {
	clock := newFakeClock()
	s := &recordingSink{}
	tr := newTestTracker(clock, newFakeResolver(nil), s)

	require.NoError(t, tr.SendAll(context.Background()))
	assert.Zero(t, s.count())

	clock.Advance(time.Second)
	tr.Cache().Observe("10.0.0.1")
	tr.Cache().Observe("10.0.0.2")
	require.NoError(t, tr.SendUpdates(context.Background()))

	require.NoError(t, tr.SendAll(context.Background()))
	require.Equal(t, 2, s.count())
	assert.Len(t, s.entries(t, 1), 2)
}

func TestSendAllAdvancesMark(t *testing.T) {
	clock := newFakeClock()
	s := &recordingSink{}
	tr := newTestTracker(clock, newFakeResolver(nil), s)

	clock.Advance(time.Second)
	tr.Cache().Observe("10.0.0.1")
	clock.Advance(time.Second)

	require.NoError(t, tr.SendAll(context.Background()))
	clock.Advance(time.Second)
	require.NoError(t, tr.SendUpdates(context.Background()))
	assert.Equal(t, 1, s.count())
}

func TestLateResolutionReachesNextDelta(t *testing.T) {
	clock := newFakeClock()
	s := &recordingSink{}
	tr := newTestTracker(clock, newFakeResolver(map[string]string{"10.0.0.1": "slow.internal."}), s)

	clock.Advance(time.Second)
	_, needsLookup := tr.Cache().Observe("10.0.0.1")
	require.True(t, needsLookup)
	clock.Advance(time.Second)

	// Export runs while the lookup is still pending.
	require.NoError(t, tr.SendUpdates(context.Background()))
	got := s.entries(t, 0)
	require.Len(t, got, 1)
	assert.Nil(t, got[0]["hostname"])

	clock.Advance(time.Second)
	tr.Cache().Resolve(context.Background(), "10.0.0.1")
	clock.Advance(time.Second)

	require.NoError(t, tr.SendUpdates(context.Background()))
	require.Equal(t, 2, s.count())
	got = s.entries(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "slow.internal", got[0]["hostname"])
}

func TestTrackerPurge(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock, newFakeResolver(nil), &recordingSink{})

	tr.Cache().Observe("10.0.0.1")
	clock.Advance(2 * time.Hour)

	require.NoError(t, tr.Purge(context.Background()))
	assert.Zero(t, tr.Cache().Len())
}
