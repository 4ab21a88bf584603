// Package main implements govclockd, a daemon hosting the versioned
// component runtime. It loads layered configuration, feeds manifests from a
// watched directory and an optional NATS KV bucket, publishes runtime events
// to NATS and websocket clients, and serves the admin HTTP API.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/obinexus/gov-clock/admin"
	"github.com/obinexus/gov-clock/config"
	"github.com/obinexus/gov-clock/events"
	"github.com/obinexus/gov-clock/loader"
	"github.com/obinexus/gov-clock/metric"
	"github.com/obinexus/gov-clock/natsclient"
	"github.com/obinexus/gov-clock/nexus"
	"github.com/obinexus/gov-clock/pkg/tlsutil"
	"github.com/obinexus/gov-clock/source"
	"github.com/obinexus/gov-clock/version"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "govclockd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		stop()
		os.Exit(1)
	}
}

// run starts the daemon and blocks until ctx is cancelled.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil
	}

	logger := setupLogger(stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid", "layers", cliCfg.ConfigPaths)
		return nil
	}

	logger.Info("Starting govclockd",
		"version", Version,
		"build_time", BuildTime,
		"config_layers", cliCfg.ConfigPaths)

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.shutdown(cliCfg.ShutdownTimeout)

	if err := d.start(ctx); err != nil {
		return err
	}
	logger.Info("govclockd started", "admin_addr", cfg.Admin.Addr, "nats", cfg.NATS.Enabled())

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
		return nil
	case err := <-d.serveErr:
		return fmt.Errorf("admin server: %w", err)
	}
}

// loadConfig merges the config layers, applies flag overrides and validates
// the result.
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range cliCfg.ConfigPaths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cliCfg.AdminAddr != "" {
		cfg.Admin.Addr = cliCfg.AdminAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// daemon owns everything govclockd starts.
type daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
	hub     *admin.Hub
	nats    *natsclient.Client
	runtime *nexus.Context
	dir     *source.Directory
	kv      *source.KV
	server  *http.Server

	serveErr chan error
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{
		cfg:      cfg,
		logger:   logger,
		metrics:  metric.NewMetricsRegistry(),
		hub:      admin.NewHub(logger),
		serveErr: make(chan error, 1),
	}
	core := d.metrics.CoreMetrics()

	publishers := events.Multi{d.hub}
	if cfg.NATS.Enabled() {
		if err := d.connectNATS(ctx); err != nil {
			d.hub.Close()
			return nil, err
		}
		publishers = append(publishers, events.NewNATSPublisher(d.nats, cfg.NATS.SubjectPrefix, core, logger))
	}

	rtOpts := []nexus.Option{
		nexus.WithLogger(logger),
		nexus.WithMetrics(core),
		nexus.WithPublisher(publishers),
	}
	if cfg.Loader.PluginDir != "" {
		if info, err := os.Stat(cfg.Loader.PluginDir); err != nil || !info.IsDir() {
			d.shutdown(5 * time.Second)
			return nil, fmt.Errorf("plugin directory %s is not a readable directory", cfg.Loader.PluginDir)
		}
		rtOpts = append(rtOpts, nexus.WithLoader(loader.Plugin{Dir: cfg.Loader.PluginDir}))
	}
	rt, err := nexus.Initialize(*cfg, rtOpts...)
	if err != nil {
		d.shutdown(5 * time.Second)
		return nil, fmt.Errorf("initialize runtime: %w", err)
	}
	d.runtime = rt

	if cfg.Manifests.Directory != "" {
		d.dir, err = source.NewDirectory(cfg.Manifests.Directory, rt,
			source.WithTier(cfg.Manifests.Source),
			source.WithDirectoryLogger(logger),
			source.WithDirectoryMetrics(core))
		if err != nil {
			d.shutdown(5 * time.Second)
			return nil, fmt.Errorf("manifest directory: %w", err)
		}
	}

	if cfg.Admin.Addr != "" {
		handler := admin.NewHandler(rt,
			admin.WithLogger(logger),
			admin.WithHub(d.hub),
			admin.WithMetricsHandler(d.metrics.Handler()))
		tlsConfig, err := tlsutil.LoadServerConfig(cfg.Admin.TLS)
		if err != nil {
			d.shutdown(5 * time.Second)
			return nil, fmt.Errorf("admin TLS: %w", err)
		}
		d.server = &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           handler.Router(),
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return d, nil
}

// connectNATS connects the client and opens the manifest bucket when one is
// configured.
func (d *daemon) connectNATS(ctx context.Context) error {
	n := d.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(d.logger),
		natsclient.WithMetrics(d.metrics.CoreMetrics()),
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithReconnectWait(n.ReconnectWait.Std()),
		natsclient.WithClientName(appName),
	}
	tlsConfig, err := tlsutil.LoadClientConfig(n.TLS)
	if err != nil {
		return fmt.Errorf("NATS TLS: %w", err)
	}
	opts = append(opts, natsclient.WithTLS(tlsConfig))
	switch {
	case n.Token != "":
		opts = append(opts, natsclient.WithToken(n.Token))
	case n.Username != "":
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}

	client, err := natsclient.NewClient(n.URL, opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	d.logger.Info("Connecting to NATS", "url", client.URL())
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	d.nats = client
	return nil
}

func (d *daemon) start(ctx context.Context) error {
	if err := d.runtime.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}

	if d.dir != nil {
		if err := d.dir.Start(ctx); err != nil {
			return fmt.Errorf("watch manifest directory: %w", err)
		}
	}

	if d.nats != nil && d.cfg.NATS.KVBucket != "" {
		bucket, err := d.nats.KeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      d.cfg.NATS.KVBucket,
			Description: "govclock component manifests",
		})
		if err != nil {
			return fmt.Errorf("open manifest bucket: %w", err)
		}
		d.kv, err = source.NewKV(bucket, d.runtime,
			source.WithKVLogger(d.logger),
			source.WithKVMetrics(d.metrics.CoreMetrics()))
		if err != nil {
			return fmt.Errorf("manifest bucket: %w", err)
		}
		if err := d.kv.Start(ctx); err != nil {
			return fmt.Errorf("watch manifest bucket: %w", err)
		}
	}

	if err := d.startComponents(ctx); err != nil {
		return err
	}

	if d.server != nil {
		go func() {
			var err error
			if d.server.TLSConfig != nil {
				err = d.server.ListenAndServeTLS("", "")
			} else {
				err = d.server.ListenAndServe()
			}
			if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				d.serveErr <- err
			}
		}()
	}
	return nil
}

// startComponents instantiates the configured components once the manifest
// sources have been read.
func (d *daemon) startComponents(ctx context.Context) error {
	for _, comp := range d.cfg.Components {
		v, err := version.Parse(comp.Version)
		if err != nil {
			return fmt.Errorf("component %s: %w", comp.ID, err)
		}
		inst, err := d.runtime.Instantiate(ctx, comp.ID, v, comp.Strategy, nil)
		if err != nil {
			return fmt.Errorf("instantiate %s %s: %w", comp.ID, comp.Version, err)
		}
		d.logger.Info("Component started", "component_id", comp.ID, "version", inst.Version().String())
	}
	return nil
}

// shutdown stops everything in reverse start order.
func (d *daemon) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			d.logger.Error("Error stopping admin server", "error", err)
		}
	}
	if d.kv != nil {
		d.kv.Stop()
	}
	if d.dir != nil {
		d.dir.Stop()
	}
	if d.runtime != nil {
		if err := d.runtime.Close(ctx); err != nil {
			d.logger.Error("Error closing runtime", "error", err)
		}
	}
	d.hub.Close()
	if d.nats != nil {
		if err := d.nats.Close(ctx); err != nil {
			d.logger.Error("Error closing NATS client", "error", err)
		}
	}
	d.logger.Info("govclockd shutdown complete")
}
