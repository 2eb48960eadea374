// Package daemon implements the voicebridge process lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"firestige.xyz/voicebridge/internal/bus"
	"firestige.xyz/voicebridge/internal/command"
	"firestige.xyz/voicebridge/internal/config"
	"firestige.xyz/voicebridge/internal/control"
	logpkg "firestige.xyz/voicebridge/internal/log"
	"firestige.xyz/voicebridge/internal/metrics"
	"firestige.xyz/voicebridge/internal/originate"
	"firestige.xyz/voicebridge/internal/voice"
)

// Version is set at build time.
var Version = "0.1.0"

const defaultShutdownTimeout = 30 * time.Second

// publisher is a voice.Publisher that owns resources.
type publisher interface {
	voice.Publisher
	Close() error
}

// Daemon wires the event socket server, the registry and the message bus.
type Daemon struct {
	// Configuration
	config          *config.GlobalConfig
	configPath      string
	socketPath      string
	pidFile         string
	pidWritten      bool
	shutdownTimeout time.Duration

	// Core components
	publisher     publisher
	registry      *voice.Registry
	server        *voice.Server
	udsServer     *command.UDSServer // nil if socketPath is empty
	consumer      *bus.Consumer      // nil if kafka disabled
	metricsServer *metrics.Server    // nil if metrics disabled

	// Lifecycle management
	ctx            context.Context
	cancel         context.CancelFunc
	consumerCancel context.CancelFunc
	group          *errgroup.Group
	groupCtx       context.Context
	shutdownChan   chan struct{}
	sigChan        chan os.Signal
	stopOnce       sync.Once
	reloadMu       sync.Mutex
}

// New creates a Daemon from the config file at configPath. An empty
// socketPath disables the control socket.
func New(configPath, socketPath, pidFile string, shutdownTimeout time.Duration) (*Daemon, error) {
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	d := &Daemon{
		config:          globalConfig,
		configPath:      configPath,
		socketPath:      socketPath,
		pidFile:         pidFile,
		shutdownTimeout: shutdownTimeout,
		shutdownChan:    make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes and starts all components. On failure everything
// already started is stopped and the PID file removed.
func (d *Daemon) Start() error {
	if err := d.start(); err != nil {
		d.Stop()
		return err
	}
	return nil
}

func (d *Daemon) start() error {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting voicebridge",
		"version", Version,
		"hostname", d.config.Node.Hostname,
		"config", d.configPath,
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Message bus producer
	if err := d.startPublisher(); err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}

	// 5. Registry with optional origination support
	registry, err := d.newRegistry()
	if err != nil {
		return fmt.Errorf("failed to create registry: %w", err)
	}
	d.registry = registry

	// 6. Event socket server; bind now so address errors fail Start
	d.server = voice.NewServer(d.config.Listen.Address, d.registry, newTTS(d.config.TTS))
	if err := d.server.Listen(); err != nil {
		return err
	}

	d.group, d.groupCtx = errgroup.WithContext(d.ctx)
	d.group.Go(func() error { return d.server.Serve(d.groupCtx) })
	d.group.Go(func() error { return d.registry.Run(d.groupCtx) })

	// 7. Control socket for CLI status, reload and stop
	if d.socketPath != "" {
		handler := command.NewCommandHandler(d.registry, d, Version)
		handler.SetShutdownFunc(d.TriggerShutdown)
		d.udsServer = command.NewUDSServer(d.socketPath, handler)
		if err := d.udsServer.Listen(); err != nil {
			return err
		}
		d.group.Go(func() error { return d.udsServer.Serve(d.groupCtx) })
	}

	// 8. Kafka consumer (if brokers configured)
	if len(d.config.Kafka.Brokers) > 0 {
		if err := d.startConsumer(); err != nil {
			return fmt.Errorf("failed to start kafka consumer: %w", err)
		}
	} else {
		slog.Warn("kafka disabled, outbound messages will not be consumed")
	}

	slog.Info("voicebridge started", "listen", d.server.Addr())
	return nil
}

// Stop performs graceful shutdown of all components. Safe to call twice.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown", "timeout", d.shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout)
	defer cancel()

	// 1. Stop consuming (no new outbound messages)
	if d.consumerCancel != nil {
		d.consumerCancel()
	}

	// 2. Stop accepting calls and drain live ones
	if d.server != nil {
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			slog.Error("error stopping voice server", "error", err)
		}
	}

	// 3. Let in-flight originations report their outcome
	if d.registry != nil {
		if err := d.registry.Wait(shutdownCtx); err != nil {
			slog.Error("originations still in flight", "error", err)
		}
	}

	// 4. Cancel context to signal all goroutines; this also stops the
	// control socket
	d.cancel()
	if d.group != nil {
		if err := d.group.Wait(); err != nil {
			slog.Error("component stopped with error", "error", err)
		}
	}

	// 5. Close bus clients
	if d.consumer != nil {
		if err := d.consumer.Stop(); err != nil {
			slog.Error("error stopping kafka consumer", "error", err)
		}
	}
	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			slog.Error("error closing publisher", "error", err)
		}
	}

	// 6. Stop metrics server
	if d.metricsServer != nil {
		slog.Info("stopping metrics server")
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}

	// 7. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 8. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("voicebridge stopped gracefully")
}

// Run blocks until shutdown is triggered by SIGTERM/SIGINT, TriggerShutdown
// (daemon_shutdown on the control socket) or a failing component. SIGHUP
// reloads the configuration.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("voicebridge running, waiting for calls")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered")
			d.Stop()
			return nil

		case <-d.groupCtx.Done():
			// A component failed or the daemon context was cancelled.
			err := context.Cause(d.groupCtx)
			d.Stop()
			if gerr := d.group.Wait(); gerr != nil {
				return gerr
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// Reload re-reads the configuration file.
// Hot-reloadable: log level/format.
// Cold (requires restart): everything else.
func (d *Daemon) Reload() error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	hotReloaded := []string{}
	old := d.config

	logChanged := newConfig.Log.Level != old.Log.Level || newConfig.Log.Format != old.Log.Format
	if err := logpkg.Init(newConfig.Log); err != nil {
		return fmt.Errorf("failed to reinitialize logging: %w", err)
	}
	d.config.Log = newConfig.Log
	if logChanged {
		hotReloaded = append(hotReloaded, "log")
	}

	requiresRestart := []string{}
	if newConfig.Listen.Address != old.Listen.Address {
		requiresRestart = append(requiresRestart, "listen.address")
	}
	if newConfig.Metrics.Listen != old.Metrics.Listen {
		requiresRestart = append(requiresRestart, "metrics.listen")
	}
	if newConfig.Freeswitch.Address != old.Freeswitch.Address {
		requiresRestart = append(requiresRestart, "freeswitch.address")
	}
	if newConfig.TTS.Type != old.TTS.Type {
		requiresRestart = append(requiresRestart, "tts.type")
	}

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)
	return nil
}

// TriggerShutdown asks Run to stop.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// ListenAddr returns the event socket address once started.
func (d *Daemon) ListenAddr() string {
	if d.server == nil {
		return d.config.Listen.Address
	}
	return d.server.Addr()
}

func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)
	return nil
}

func (d *Daemon) startPublisher() error {
	if len(d.config.Kafka.Brokers) == 0 {
		d.publisher = bus.LogPublisher{}
		return nil
	}
	producer, err := bus.NewProducer(d.config.Kafka)
	if err != nil {
		return err
	}
	d.publisher = producer
	return nil
}

func (d *Daemon) newRegistry() (*voice.Registry, error) {
	pendingTTL, err := d.config.PendingTTL()
	if err != nil {
		return nil, err
	}
	rc := voice.RegistryConfig{
		ToAddr:        d.config.Node.ToAddr,
		TransportName: d.config.Node.TransportName,
		WaitForAnswer: d.config.Originate.WaitForAnswer,
		PendingTTL:    pendingTTL,
		Publisher:     d.publisher,
	}

	switch {
	case d.config.Freeswitch.Address == "":
		slog.Info("freeswitch.address not set, outbound calls disabled")
	case len(d.config.Originate.Parameters) == 0:
		slog.Info("originate.parameters not set, outbound calls disabled")
	default:
		dialTimeout, err := d.config.DialTimeout()
		if err != nil {
			return nil, err
		}
		client, err := control.NewClient(control.Config{
			Address:     d.config.Freeswitch.Address,
			Password:    d.config.Freeswitch.Password,
			DialTimeout: dialTimeout,
		})
		if err != nil {
			return nil, err
		}
		formatter, err := originate.NewFormatter(d.config.Originate.Parameters)
		if err != nil {
			return nil, err
		}
		rc.Originator = client
		rc.Formatter = formatter
		slog.Info("outbound calls enabled",
			"freeswitch", d.config.Freeswitch.Address,
			"template", formatter.Template(),
			"wait_for_answer", rc.WaitForAnswer,
		)
	}

	return voice.NewRegistry(rc)
}

func newTTS(tc config.TTSConfig) voice.TTS {
	if tc.Type == config.TTSLocal {
		return voice.LocalTTS{
			Command:  tc.Local.Command,
			CacheDir: tc.Local.CacheDir,
			Ext:      tc.Local.Ext,
		}
	}
	return voice.FreeswitchTTS{Engine: tc.Freeswitch.Engine, Voice: tc.Freeswitch.Voice}
}

func (d *Daemon) startConsumer() error {
	consumer, err := bus.NewConsumer(d.config.Kafka, d.registry)
	if err != nil {
		return err
	}
	d.consumer = consumer

	ctx, cancel := context.WithCancel(d.groupCtx)
	d.consumerCancel = cancel
	d.group.Go(func() error { return consumer.Start(ctx) })
	return nil
}

func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	return d.metricsServer.Start()
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	d.pidWritten = true

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" || !d.pidWritten {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}
