// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"firestige.xyz/whisperer/internal/core"
)

// Capture modes.
const (
	ModeInterface = "interface"
	ModeFile      = "file"
)

// Capture source kinds for interface mode.
const (
	SourcePcap     = "pcap"
	SourceAFPacket = "afpacket"
)

// Sink kinds.
const (
	SinkWeb     = "web"
	SinkKafka   = "kafka"
	SinkConsole = "console"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `whisperer:` root key in YAML.
type GlobalConfig struct {
	Agent       AgentConfig       `mapstructure:"agent" yaml:"agent"`
	Capture     CaptureConfig     `mapstructure:"capture" yaml:"capture"`
	Packets     PacketsConfig     `mapstructure:"packets" yaml:"packets"`
	DumpPackets DumpPacketsConfig `mapstructure:"dump_packets" yaml:"dump_packets"`
	TCPSessions TCPSessionsConfig `mapstructure:"tcp_sessions" yaml:"tcp_sessions"`
	DNSCache    DNSCacheConfig    `mapstructure:"dns_cache" yaml:"dns_cache"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

// ─── Agent Identity ───

// AgentConfig identifies this agent towards the collectors.
type AgentConfig struct {
	Token    string `mapstructure:"token" yaml:"token"`       // Bearer token, also the correlation id prefix
	Hostname string `mapstructure:"hostname" yaml:"hostname"` // Empty = os.Hostname()
}

// ─── Capture ───

// CaptureConfig selects and tunes the packet source.
type CaptureConfig struct {
	Mode         string `mapstructure:"mode" yaml:"mode"`     // interface | file
	Source       string `mapstructure:"source" yaml:"source"` // pcap | afpacket (interface mode)
	Interface    string `mapstructure:"interface" yaml:"interface"`
	File         string `mapstructure:"file" yaml:"file"`
	Filter       string `mapstructure:"filter" yaml:"filter"`
	SnapLen      int    `mapstructure:"snaplen" yaml:"snaplen"`
	BufferSizeMB int    `mapstructure:"buffer_size_mb" yaml:"buffer_size_mb"`
	Promiscuous  bool   `mapstructure:"promiscuous" yaml:"promiscuous"`
	ReplayPacing bool   `mapstructure:"replay_pacing" yaml:"replay_pacing"` // honour inter-arrival delays in file mode
	// StatsInterval is how often capture drop counters are polled (live mode).
	StatsInterval time.Duration `mapstructure:"stats_interval" yaml:"stats_interval"`
}

// IsLive reports whether capture reads from a network interface.
func (c CaptureConfig) IsLive() bool {
	return c.Mode == ModeInterface
}

// ─── Sinks ───

// SinkConfig describes where one kind of export is delivered.
type SinkConfig struct {
	Type    string          `mapstructure:"type" yaml:"type"` // web | kafka | console
	URL     string          `mapstructure:"url" yaml:"url"`
	Timeout time.Duration   `mapstructure:"timeout" yaml:"timeout"`
	Kafka   KafkaSinkConfig `mapstructure:"kafka" yaml:"kafka"`
}

// KafkaSinkConfig contains Kafka-specific sink settings.
type KafkaSinkConfig struct {
	Brokers     []string `mapstructure:"brokers" yaml:"brokers"`
	Topic       string   `mapstructure:"topic" yaml:"topic"`
	Compression string   `mapstructure:"compression" yaml:"compression"` // none | gzip | snappy | lz4
	MaxAttempts int      `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// ─── Exports ───

// PacketsConfig configures the raw frame buffer sent to the packet collector.
type PacketsConfig struct {
	Sink         SinkConfig    `mapstructure:"sink" yaml:"sink"`
	BufferSizeKB int           `mapstructure:"buffer_size_kb" yaml:"buffer_size_kb"`
	FlushDelay   time.Duration `mapstructure:"flush_delay" yaml:"flush_delay"`
}

// DumpPacketsConfig configures local pcap archival.
type DumpPacketsConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	OutputDir    string        `mapstructure:"output_dir" yaml:"output_dir"`
	BufferSizeKB int           `mapstructure:"buffer_size_kb" yaml:"buffer_size_kb"`
	FlushDelay   time.Duration `mapstructure:"flush_delay" yaml:"flush_delay"` // 0 = flush only when full
}

// TCPSessionsConfig configures the session tracker exports.
type TCPSessionsConfig struct {
	Sink           SinkConfig    `mapstructure:"sink" yaml:"sink"`
	SendDelay      time.Duration `mapstructure:"send_delay" yaml:"send_delay"`
	SessionTimeout time.Duration `mapstructure:"session_timeout" yaml:"session_timeout"`
}

// DNSCacheConfig configures reverse resolution and its exports.
type DNSCacheConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Sink          SinkConfig    `mapstructure:"sink" yaml:"sink"`
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	PurgeDelay    time.Duration `mapstructure:"purge_delay" yaml:"purge_delay"`
	SendDelay     time.Duration `mapstructure:"send_delay" yaml:"send_delay"`
	FullSendDelay time.Duration `mapstructure:"full_send_delay" yaml:"full_send_delay"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout" yaml:"lookup_timeout"`
	Workers       int           `mapstructure:"workers" yaml:"workers"`
	QueueSize     int           `mapstructure:"queue_size" yaml:"queue_size"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string        `mapstructure:"level" yaml:"level"` // trace / debug / info / warn / error
	Pattern string        `mapstructure:"pattern" yaml:"pattern"`
	Time    string        `mapstructure:"time" yaml:"time"`
	File    LogFileConfig `mapstructure:"file" yaml:"file"`
}

// LogFileConfig configures the rotated log file appender.
type LogFileConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// ─── Loading ───

const rootKey = "whisperer"

// configRoot is the top-level wrapper matching the YAML structure `whisperer: ...`.
type configRoot struct {
	Whisperer GlobalConfig `mapstructure:"whisperer" yaml:"whisperer"`
}

// Load loads configuration from file.
// The YAML file uses `whisperer:` as root key; env vars use the WHISPERER_ prefix
// (e.g., WHISPERER_AGENT_TOKEN).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// The `whisperer.` key prefix maps to `WHISPERER_` via the key replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Whisperer

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func key(k string) string {
	return rootKey + "." + k
}

// setDefaults sets default values for configuration.
// All keys use the "whisperer." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Agent defaults (declared so env overrides are picked up)
	v.SetDefault(key("agent.token"), "")
	v.SetDefault(key("agent.hostname"), "")

	// Capture defaults
	v.SetDefault(key("capture.mode"), ModeInterface)
	v.SetDefault(key("capture.source"), SourcePcap)
	v.SetDefault(key("capture.interface"), "eth0")
	v.SetDefault(key("capture.file"), "")
	v.SetDefault(key("capture.filter"), `ip proto \tcp`)
	v.SetDefault(key("capture.snaplen"), 65535)
	v.SetDefault(key("capture.buffer_size_mb"), 10)
	v.SetDefault(key("capture.promiscuous"), true)
	v.SetDefault(key("capture.replay_pacing"), true)
	v.SetDefault(key("capture.stats_interval"), 5*time.Second)

	// Packet export defaults
	v.SetDefault(key("packets.sink.type"), SinkWeb)
	v.SetDefault(key("packets.sink.url"), "http://localhost:3000/packets/v1")
	v.SetDefault(key("packets.sink.timeout"), 2*time.Second)
	v.SetDefault(key("packets.sink.kafka.compression"), "snappy")
	v.SetDefault(key("packets.sink.kafka.max_attempts"), 1)
	v.SetDefault(key("packets.buffer_size_kb"), 100)
	v.SetDefault(key("packets.flush_delay"), 5*time.Second)

	// Local dump defaults
	v.SetDefault(key("dump_packets.enabled"), false)
	v.SetDefault(key("dump_packets.output_dir"), ".")
	v.SetDefault(key("dump_packets.buffer_size_kb"), 1000)
	v.SetDefault(key("dump_packets.flush_delay"), 0)

	// Session export defaults
	v.SetDefault(key("tcp_sessions.sink.type"), SinkWeb)
	v.SetDefault(key("tcp_sessions.sink.url"), "http://localhost:3001/tcp-sessions/v1")
	v.SetDefault(key("tcp_sessions.sink.timeout"), 2*time.Second)
	v.SetDefault(key("tcp_sessions.sink.kafka.compression"), "snappy")
	v.SetDefault(key("tcp_sessions.sink.kafka.max_attempts"), 1)
	v.SetDefault(key("tcp_sessions.send_delay"), 5*time.Second)
	v.SetDefault(key("tcp_sessions.session_timeout"), 120*time.Second)

	// DNS defaults
	v.SetDefault(key("dns_cache.enabled"), true)
	v.SetDefault(key("dns_cache.sink.type"), SinkWeb)
	v.SetDefault(key("dns_cache.sink.url"), "http://localhost:3002/hostnames/v1")
	v.SetDefault(key("dns_cache.sink.timeout"), 2*time.Second)
	v.SetDefault(key("dns_cache.sink.kafka.compression"), "snappy")
	v.SetDefault(key("dns_cache.sink.kafka.max_attempts"), 1)
	v.SetDefault(key("dns_cache.ttl"), 24*time.Hour)
	v.SetDefault(key("dns_cache.purge_delay"), 24*time.Hour)
	v.SetDefault(key("dns_cache.send_delay"), time.Minute)
	v.SetDefault(key("dns_cache.full_send_delay"), time.Hour)
	v.SetDefault(key("dns_cache.lookup_timeout"), 2*time.Second)
	v.SetDefault(key("dns_cache.workers"), 4)
	v.SetDefault(key("dns_cache.queue_size"), 1024)

	// Metrics defaults
	v.SetDefault(key("metrics.enabled"), false)
	v.SetDefault(key("metrics.listen"), ":9091")
	v.SetDefault(key("metrics.path"), "/metrics")

	// Log defaults
	v.SetDefault(key("log.level"), "info")
	v.SetDefault(key("log.pattern"), "%time [%level] %field %msg\n")
	v.SetDefault(key("log.time"), "2006-01-02 15:04:05.000")
	v.SetDefault(key("log.file.enabled"), false)
	v.SetDefault(key("log.file.path"), "/var/log/whisperer/whisperer.log")
	v.SetDefault(key("log.file.max_size_mb"), 100)
	v.SetDefault(key("log.file.max_age_days"), 30)
	v.SetDefault(key("log.file.max_backups"), 5)
	v.SetDefault(key("log.file.compress"), true)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
// It is safe to call again after command line overrides.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: log level %q (must be trace/debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}

	// ── Agent ──
	if cfg.Agent.Token == "" {
		return fmt.Errorf("%w: agent.token is required", core.ErrConfigInvalid)
	}
	if cfg.Agent.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Agent.Hostname = hostname
	}

	// ── Capture ──
	switch cfg.Capture.Mode {
	case ModeInterface:
		if cfg.Capture.Interface == "" {
			return fmt.Errorf("%w: capture.interface is required in interface mode", core.ErrConfigInvalid)
		}
		if cfg.Capture.Source != SourcePcap && cfg.Capture.Source != SourceAFPacket {
			return fmt.Errorf("%w: capture.source %q (must be pcap/afpacket)", core.ErrConfigInvalid, cfg.Capture.Source)
		}
	case ModeFile:
		if cfg.Capture.File == "" {
			return fmt.Errorf("%w: capture.file is required in file mode", core.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: capture.mode %q (must be interface/file)", core.ErrConfigInvalid, cfg.Capture.Mode)
	}
	if cfg.Capture.SnapLen <= 0 {
		cfg.Capture.SnapLen = 65535
	}

	// ── Exports ──
	if cfg.Packets.BufferSizeKB <= 0 {
		return fmt.Errorf("%w: packets.buffer_size_kb must be positive", core.ErrConfigInvalid)
	}
	if cfg.Packets.FlushDelay <= 0 {
		return fmt.Errorf("%w: packets.flush_delay must be positive", core.ErrConfigInvalid)
	}
	if cfg.DumpPackets.Enabled && cfg.DumpPackets.BufferSizeKB <= 0 {
		return fmt.Errorf("%w: dump_packets.buffer_size_kb must be positive", core.ErrConfigInvalid)
	}
	if cfg.TCPSessions.SendDelay <= 0 {
		return fmt.Errorf("%w: tcp_sessions.send_delay must be positive", core.ErrConfigInvalid)
	}
	if cfg.TCPSessions.SessionTimeout <= 0 {
		cfg.TCPSessions.SessionTimeout = 120 * time.Second
	}

	sinks := map[string]*SinkConfig{
		"packets.sink":      &cfg.Packets.Sink,
		"tcp_sessions.sink": &cfg.TCPSessions.Sink,
	}
	if cfg.DNSCache.Enabled {
		sinks["dns_cache.sink"] = &cfg.DNSCache.Sink
		if cfg.DNSCache.TTL <= 0 {
			return fmt.Errorf("%w: dns_cache.ttl must be positive", core.ErrConfigInvalid)
		}
		if cfg.DNSCache.SendDelay <= 0 || cfg.DNSCache.FullSendDelay <= 0 || cfg.DNSCache.PurgeDelay <= 0 {
			return fmt.Errorf("%w: dns_cache send, full send and purge delays must be positive", core.ErrConfigInvalid)
		}
		if cfg.DNSCache.Workers <= 0 {
			cfg.DNSCache.Workers = 1
		}
	}
	for name, sc := range sinks {
		if err := sc.validate(name); err != nil {
			return err
		}
	}

	return nil
}

func (sc *SinkConfig) validate(name string) error {
	switch sc.Type {
	case SinkWeb:
		if sc.URL == "" {
			return fmt.Errorf("%w: %s.url is required for web sinks", core.ErrConfigInvalid, name)
		}
	case SinkKafka:
		if len(sc.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: %s.kafka.brokers is required for kafka sinks", core.ErrConfigInvalid, name)
		}
		if sc.Kafka.Topic == "" {
			return fmt.Errorf("%w: %s.kafka.topic is required for kafka sinks", core.ErrConfigInvalid, name)
		}
	case SinkConsole:
	default:
		return fmt.Errorf("%w: %s.type %q (must be web/kafka/console)", core.ErrConfigInvalid, name, sc.Type)
	}
	return nil
}

// YAML renders the effective configuration under the `whisperer:` root key.
// The agent token is masked.
func (cfg *GlobalConfig) YAML() ([]byte, error) {
	masked := *cfg
	if masked.Agent.Token != "" {
		masked.Agent.Token = "******"
	}
	return yaml.Marshal(configRoot{Whisperer: masked})
}
