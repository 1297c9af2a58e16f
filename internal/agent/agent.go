// Package agent wires the capture pipeline from configuration and manages
// its lifecycle.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"firestige.xyz/whisperer/internal/config"
	"firestige.xyz/whisperer/internal/core/decoder"
	"firestige.xyz/whisperer/internal/dns"
	"firestige.xyz/whisperer/internal/log"
	"firestige.xyz/whisperer/internal/metrics"
	"firestige.xyz/whisperer/internal/output"
	"firestige.xyz/whisperer/internal/pipeline"
	"firestige.xyz/whisperer/internal/scheduler"
	"firestige.xyz/whisperer/internal/session"
	"firestige.xyz/whisperer/internal/sink"
	"firestige.xyz/whisperer/internal/sink/file"
	"firestige.xyz/whisperer/internal/source"
)

// Agent owns every component of one capture run.
type Agent struct {
	config  *config.GlobalConfig
	pidFile string

	// Core components
	source    source.Source
	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Scheduler
	packets   *output.Buffer
	dump      *output.Buffer // nil unless dump_packets.enabled
	sessions  *session.Tracker
	dns       *dns.Tracker // nil unless dns_cache.enabled
	sinks     []sink.Sink

	metricsServer *metrics.Server // nil if metrics disabled
	drops         dropWatcher

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	sigChan chan os.Signal
	stopped bool
}

// New creates an agent from a validated configuration.
func New(cfg *config.GlobalConfig, pidFile string) *Agent {
	a := &Agent{
		config:  cfg,
		pidFile: pidFile,
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a
}

// Start initializes every component. Nothing is read from the capture
// source until Run.
func (a *Agent) Start() error {
	cfg := a.config

	// 1. Initialize logging
	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := log.GetLogger()
	logger.WithFields(map[string]interface{}{
		"hostname": cfg.Agent.Hostname,
		"mode":     cfg.Capture.Mode,
	}).Info("starting whisperer")

	// 2. Privileges
	if cfg.Capture.IsLive() && os.Geteuid() != 0 {
		logger.Warn("not running as root, live capture may fail without CAP_NET_RAW")
	}

	// 3. Write PID file
	if err := a.writePIDFile(); err != nil {
		return err
	}

	// 4. Start metrics server
	if err := a.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 5. Open capture source
	src, err := source.Open(cfg.Capture)
	if err != nil {
		return fmt.Errorf("failed to open capture source: %w", err)
	}
	a.source = src
	linkType := src.LinkType()
	dec, err := decoder.New(linkType)
	if err != nil {
		return err
	}
	logger.WithField("link_type", linkType.String()).Info("capture source opened")

	// 6. Build sinks, buffers and trackers
	snaplen := uint32(cfg.Capture.SnapLen)
	token := cfg.Agent.Token

	packetSink, err := a.newSink("packets", cfg.Packets.Sink, sink.ContentTypePcap)
	if err != nil {
		return err
	}
	a.packets = output.New("packets", token, cfg.Packets.BufferSizeKB*1024,
		sink.WithPcapHeader(packetSink, snaplen, linkType))

	if cfg.DumpPackets.Enabled {
		fs, err := file.New(cfg.DumpPackets.OutputDir, snaplen, linkType)
		if err != nil {
			return fmt.Errorf("failed to create dump sink: %w", err)
		}
		dumpSink := sink.Instrument(fs)
		a.sinks = append(a.sinks, dumpSink)
		a.dump = output.New("dump", token, cfg.DumpPackets.BufferSizeKB*1024, dumpSink)
	}

	var roles session.RoleTagger
	if cfg.DNSCache.Enabled {
		dnsSink, err := a.newSink("hostnames", cfg.DNSCache.Sink, sink.ContentTypeJSON)
		if err != nil {
			return err
		}
		cache := dns.NewCache(dns.CacheConfig{
			TTL:           cfg.DNSCache.TTL,
			PurgeInterval: cfg.DNSCache.PurgeDelay,
			LookupTimeout: cfg.DNSCache.LookupTimeout,
		})
		a.dns = dns.NewTracker(cache, dnsSink, dns.TrackerConfig{
			Workers:   cfg.DNSCache.Workers,
			QueueSize: cfg.DNSCache.QueueSize,
		})
		a.dns.Start()
		roles = cache
	}

	sessionSink, err := a.newSink("tcp-sessions", cfg.TCPSessions.Sink, sink.ContentTypeJSON)
	if err != nil {
		return err
	}
	a.sessions = session.NewTracker(sessionSink, session.Config{
		Live:           cfg.Capture.IsLive(),
		SessionTimeout: cfg.TCPSessions.SessionTimeout,
		Roles:          roles,
	})

	// 7. Assemble pipeline
	b := pipeline.NewBuilder().
		WithSource(src).
		WithDecoder(dec).
		WithPacketBuffer(a.packets).
		WithSessions(a.sessions).
		WithPacing(!cfg.Capture.IsLive() && cfg.Capture.ReplayPacing)
	if a.dump != nil {
		b.WithDumpBuffer(a.dump)
	}
	if a.dns != nil {
		b.WithDNS(a.dns)
	}
	a.pipeline = b.Build()

	// 8. Register periodic jobs
	if err := a.registerJobs(); err != nil {
		return err
	}

	logger.Info("whisperer started")
	return nil
}

func (a *Agent) newSink(name string, cfg config.SinkConfig, contentType string) (sink.Sink, error) {
	s, err := sink.New(name, cfg, a.config.Agent.Token, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s sink: %w", name, err)
	}
	a.sinks = append(a.sinks, s)
	return s, nil
}

func (a *Agent) registerJobs() error {
	cfg := a.config
	a.scheduler = scheduler.New()

	type job struct {
		name     string
		interval time.Duration
		fn       scheduler.Func
	}
	jobs := []job{
		{"packets-flush", cfg.Packets.FlushDelay, a.packets.Flush},
		{"tcp-sessions-send", cfg.TCPSessions.SendDelay, a.sessions.Send},
	}
	if a.dump != nil && cfg.DumpPackets.FlushDelay > 0 {
		jobs = append(jobs, job{"dump-flush", cfg.DumpPackets.FlushDelay, a.dump.Flush})
	}
	if a.dns != nil {
		jobs = append(jobs,
			job{"dns-send", cfg.DNSCache.SendDelay, a.dns.SendUpdates},
			job{"dns-send-all", cfg.DNSCache.FullSendDelay, a.dns.SendAll},
			job{"dns-purge", cfg.DNSCache.PurgeDelay, a.dns.Purge},
		)
	}
	if stats, ok := a.source.(source.StatsSource); ok && cfg.Capture.StatsInterval > 0 {
		a.drops = dropWatcher{iface: cfg.Capture.Interface, source: stats}
		jobs = append(jobs, job{"capture-stats", cfg.Capture.StatsInterval, a.drops.poll})
	}

	for _, j := range jobs {
		if _, err := a.scheduler.AddJob(j.name, j.interval, j.fn); err != nil {
			return err
		}
	}
	return nil
}

// Run processes traffic until the capture ends (replay), a shutdown signal
// arrives or ctx is cancelled, then drains every component.
func (a *Agent) Run(ctx context.Context) error {
	a.sigChan = make(chan os.Signal, 1)
	signal.Notify(a.sigChan, syscall.SIGTERM, syscall.SIGINT)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case sig := <-a.sigChan:
			log.GetLogger().WithField("signal", sig.String()).Info("received shutdown signal")
			cancel()
		case <-runCtx.Done():
		case <-a.ctx.Done():
			cancel()
		}
	}()

	a.scheduler.Start(runCtx)
	log.GetLogger().Info("whisperer running")

	runErr := a.pipeline.Run(runCtx)
	if runErr != nil {
		log.GetLogger().WithError(runErr).Error("pipeline stopped with error")
	}
	stopErr := a.Stop()
	if runErr != nil {
		return runErr
	}
	return stopErr
}

// Stop stops the periodic jobs, drains every component and releases
// resources. It is safe to call more than once.
func (a *Agent) Stop() error {
	if a.stopped {
		return nil
	}
	a.stopped = true
	logger := log.GetLogger()
	logger.Info("initiating graceful shutdown")

	// 1. Stop periodic jobs so that nothing overlaps the drain
	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	// 2. Drain: packet buffer, dump buffer, sessions, DNS
	var drainErr error
	if a.pipeline != nil {
		drainCtx := context.Background()
		drainErr = a.pipeline.Drain(drainCtx)
	} else if a.dns != nil {
		a.dns.Close()
	}

	// 3. Close sinks and the capture source
	for _, s := range a.sinks {
		if err := s.Close(); err != nil {
			logger.WithError(err).WithField("sink", s.Name()).Error("error closing sink")
		}
	}
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			logger.WithError(err).Error("error closing capture source")
		}
	}

	// 4. Stop metrics server
	if a.metricsServer != nil {
		if err := a.metricsServer.Stop(context.Background()); err != nil {
			logger.WithError(err).Error("error stopping metrics server")
		}
	}

	// 5. Cancel context and unregister signal handler
	a.cancel()
	if a.sigChan != nil {
		signal.Stop(a.sigChan)
	}

	// 6. Remove PID file
	if err := a.removePIDFile(); err != nil {
		logger.WithError(err).Error("error removing PID file")
	}

	if a.sessions != nil {
		stats := a.sessions.Stats()
		logger.WithFields(map[string]interface{}{
			"tracked":          stats.PacketsTracked,
			"not_tcp":          stats.PacketsNotTCP,
			"outside_sessions": stats.PacketsOutsideSessions,
			"stale":            stats.PacketsStale,
		}).Info("whisperer stopped")
	}
	return drainErr
}

// Shutdown asks a running agent to stop.
func (a *Agent) Shutdown() {
	a.cancel()
}

// MetricsAddr returns the bound metrics address, empty when disabled.
func (a *Agent) MetricsAddr() string {
	if a.metricsServer == nil {
		return ""
	}
	return a.metricsServer.Addr()
}

// startMetrics starts the metrics HTTP server if enabled.
func (a *Agent) startMetrics() error {
	if !a.config.Metrics.Enabled {
		log.GetLogger().Debug("metrics server disabled")
		return nil
	}

	a.metricsServer = metrics.NewServer(a.config.Metrics.Listen, a.config.Metrics.Path)
	return a.metricsServer.Start(a.ctx)
}

// writePIDFile writes the current process ID to the PID file.
func (a *Agent) writePIDFile() error {
	if a.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")
	if err := os.WriteFile(a.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", a.pidFile, err)
	}

	log.GetLogger().WithFields(map[string]interface{}{"path": a.pidFile, "pid": pid}).Debug("PID file written")
	return nil
}

// removePIDFile removes the PID file.
func (a *Agent) removePIDFile() error {
	if a.pidFile == "" {
		return nil
	}

	if err := os.Remove(a.pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove PID file %s: %w", a.pidFile, err)
	}
	return nil
}
