// browserd is a daemon that manages a pool of headless browser
// instances and streams page, DOM, console, and network events to
// subscribed WebSocket clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/odvcencio/browserd/pkg/browser"
	playwrightadapter "github.com/odvcencio/browserd/pkg/browser/adapters/playwright"
	"github.com/odvcencio/browserd/pkg/config"
	"github.com/odvcencio/browserd/pkg/events"
	"github.com/odvcencio/browserd/pkg/logging"
	"github.com/odvcencio/browserd/pkg/pool"
	"github.com/odvcencio/browserd/pkg/server"
	"github.com/odvcencio/browserd/pkg/storage"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		bindFlag    string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to browserd.yaml")
	flag.StringVar(&bindFlag, "bind", "", "listen address (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("browserd %s (%s, built %s)\n", version, commit, buildDate)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if bindFlag != "" {
		cfg.Server.Bind = bindFlag
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir)
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store *storage.Store
	if cfg.Storage.Enabled {
		store, err = storage.Open(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	bus := events.NewBus(logger)
	if cfg.Events.NATSURL != "" {
		forwarder, err := events.NewNATSForwarder(cfg.Events.NATSURL, cfg.Events.NATSPrefix, logger)
		if err != nil {
			return fmt.Errorf("nats forwarder: %w", err)
		}
		defer forwarder.Close()
		bus.AddForwarder(forwarder)
	}

	runtime, err := playwrightadapter.New()
	if err != nil {
		return fmt.Errorf("browser runtime: %w", err)
	}
	defer runtime.Close()

	var recorder pool.Recorder
	if store != nil {
		recorder = store
	}
	p := pool.New(pool.Config{
		MaxInstances:           cfg.Pool.MaxInstances,
		MaxContextsPerInstance: cfg.Pool.MaxContextsPerInstance,
		IdleTimeout:            cfg.Pool.IdleTimeout,
		AcquireTimeout:         cfg.Pool.AcquireTimeout,
		SweepInterval:          cfg.Pool.SweepInterval,
		SampleInterval:         cfg.Pool.SampleInterval,
		MaxMemoryMB:            cfg.Pool.MaxMemoryMB,
	}, runtime, bus.Publish, logger, recorder)
	p.Start(ctx)
	defer p.Cleanup()

	srv := server.New(server.Config{
		Bind:            cfg.Server.Bind,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxEventClients: cfg.Server.MaxEventClients,
		EventBufferSize: cfg.Events.BufferSize,
		MessageInterval: cfg.Server.MessageInterval,
		DefaultPolicy: browser.Policy{
			AllowedDomains: cfg.Pool.AllowedDomains,
			BlockedDomains: cfg.Pool.BlockedDomains,
			Headless:       *cfg.Pool.Headless,
		},
	}, p, bus, store, logger)

	logger.Info(logging.CategoryServer, "starting", "browserd starting", map[string]any{
		"version":       version,
		"bind":          cfg.Server.Bind,
		"max_instances": cfg.Pool.MaxInstances,
	})

	return srv.Start(ctx)
}
