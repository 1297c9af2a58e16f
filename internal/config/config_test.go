package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"firestige.xyz/whisperer/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
whisperer:
  agent:
    token: "secret"
    hostname: "probe-1"
  capture:
    mode: file
    file: /tmp/trace.pcap
    replay_pacing: false
  packets:
    buffer_size_kb: 64
    flush_delay: 3s
    sink:
      type: web
      url: http://collector:3000/packets/v1
      timeout: 1500ms
  tcp_sessions:
    send_delay: 10s
    session_timeout: 2m
    sink:
      type: kafka
      kafka:
        brokers: ["kafka-1:9092", "kafka-2:9092"]
        topic: sessions
  dns_cache:
    ttl: 12h
    sink:
      type: console
  log:
    level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.Agent.Token)
	assert.Equal(t, "probe-1", cfg.Agent.Hostname)
	assert.Equal(t, ModeFile, cfg.Capture.Mode)
	assert.Equal(t, "/tmp/trace.pcap", cfg.Capture.File)
	assert.False(t, cfg.Capture.ReplayPacing)
	assert.False(t, cfg.Capture.IsLive())

	assert.Equal(t, 64, cfg.Packets.BufferSizeKB)
	assert.Equal(t, 3*time.Second, cfg.Packets.FlushDelay)
	assert.Equal(t, "http://collector:3000/packets/v1", cfg.Packets.Sink.URL)
	assert.Equal(t, 1500*time.Millisecond, cfg.Packets.Sink.Timeout)

	assert.Equal(t, 10*time.Second, cfg.TCPSessions.SendDelay)
	assert.Equal(t, 2*time.Minute, cfg.TCPSessions.SessionTimeout)
	assert.Equal(t, SinkKafka, cfg.TCPSessions.Sink.Type)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.TCPSessions.Sink.Kafka.Brokers)
	assert.Equal(t, "sessions", cfg.TCPSessions.Sink.Kafka.Topic)
	assert.Equal(t, "snappy", cfg.TCPSessions.Sink.Kafka.Compression)
	assert.Equal(t, 1, cfg.TCPSessions.Sink.Kafka.MaxAttempts, "batches are delivered at most once")

	assert.Equal(t, 12*time.Hour, cfg.DNSCache.TTL)
	assert.Equal(t, SinkConsole, cfg.DNSCache.Sink.Type)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
whisperer:
  agent:
    token: "t"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeInterface, cfg.Capture.Mode)
	assert.Equal(t, SourcePcap, cfg.Capture.Source)
	assert.Equal(t, `ip proto \tcp`, cfg.Capture.Filter)
	assert.Equal(t, 65535, cfg.Capture.SnapLen)
	assert.True(t, cfg.Capture.ReplayPacing)

	assert.Equal(t, SinkWeb, cfg.Packets.Sink.Type)
	assert.Equal(t, "http://localhost:3000/packets/v1", cfg.Packets.Sink.URL)
	assert.Equal(t, 2*time.Second, cfg.Packets.Sink.Timeout)
	assert.Equal(t, 100, cfg.Packets.BufferSizeKB)
	assert.Equal(t, 5*time.Second, cfg.Packets.FlushDelay)

	assert.False(t, cfg.DumpPackets.Enabled)
	assert.Equal(t, 1000, cfg.DumpPackets.BufferSizeKB)

	assert.Equal(t, "http://localhost:3001/tcp-sessions/v1", cfg.TCPSessions.Sink.URL)
	assert.Equal(t, 5*time.Second, cfg.TCPSessions.SendDelay)
	assert.Equal(t, 120*time.Second, cfg.TCPSessions.SessionTimeout)

	assert.True(t, cfg.DNSCache.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.DNSCache.TTL)
	assert.Equal(t, 4, cfg.DNSCache.Workers)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.NotEmpty(t, cfg.Agent.Hostname)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
whisperer:
  agent:
    token: "from-file"
`)
	t.Setenv("WHISPERER_AGENT_TOKEN", "from-env")
	t.Setenv("WHISPERER_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Agent.Token)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing token", `
whisperer:
  log:
    level: info
`},
		{"bad log level", `
whisperer:
  agent: {token: t}
  log: {level: verbose}
`},
		{"bad mode", `
whisperer:
  agent: {token: t}
  capture: {mode: tap}
`},
		{"file mode without file", `
whisperer:
  agent: {token: t}
  capture: {mode: file}
`},
		{"kafka sink without brokers", `
whisperer:
  agent: {token: t}
  packets:
    sink: {type: kafka}
`},
		{"zero flush delay", `
whisperer:
  agent: {token: t}
  packets: {flush_delay: 0s}
`},
		{"unknown sink", `
whisperer:
  agent: {token: t}
  tcp_sessions:
    sink: {type: smtp}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrConfigInvalid)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestValidateAfterOverride(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
whisperer:
  agent: {token: t}
`))
	require.NoError(t, err)

	cfg.Capture.Mode = ModeFile
	cfg.Capture.File = ""
	assert.ErrorIs(t, cfg.ValidateAndApplyDefaults(), core.ErrConfigInvalid)

	cfg.Capture.File = "trace.pcap"
	assert.NoError(t, cfg.ValidateAndApplyDefaults())
}

func TestYAMLMasksToken(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
whisperer:
  agent: {token: secret, hostname: h}
`))
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "secret")
	assert.Equal(t, "secret", cfg.Agent.Token)

	var decoded map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	require.Contains(t, decoded, "whisperer")
	tcp := decoded["whisperer"]["tcp_sessions"].(map[string]any)
	assert.Equal(t, "5s", tcp["send_delay"])
}
