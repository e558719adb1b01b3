package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/won21kr/ApertusVR/config"
	"github.com/won21kr/ApertusVR/server/core"
	"github.com/won21kr/ApertusVR/shared/logging"
	"github.com/won21kr/ApertusVR/shared/protocol"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML settings file")
	port := flag.Uint("port", 0, "Session port (overrides config)")
	tickRate := flag.Int("tickrate", 0, "Ticks per second (overrides config)")
	name := flag.String("name", "", "Session display name (overrides config)")
	version := flag.String("version", protocol.Version, "Required peer protocol version (empty = accept any)")
	master := flag.String("master", "", "Master server URL (overrides config)")
	metrics := flag.String("metrics", "", "Metrics listen address (overrides config)")
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		settings.Session.Port = *port
	}
	if *tickRate != 0 {
		settings.Session.TickRate = *tickRate
	}
	if *name != "" {
		settings.Session.Name = *name
	}
	if *master != "" {
		settings.Master.URL = *master
	}
	if *metrics != "" {
		settings.Metrics.Listen = *metrics
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	logger, closer, err := logging.New(settings.Log)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	var store core.Store
	if settings.Persistence.Enabled {
		store, err = core.OpenStore(settings.Persistence.AppName)
		if err != nil {
			logger.Warn("persistence disabled", "error", err)
		}
	}

	srv, err := core.NewServer(core.Options{
		Settings: settings,
		Logger:   logger,
		Store:    store,
		Version:  *version,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(ctx, settings.Session.Port)
	})
	if settings.Metrics.Listen != "" {
		g.Go(func() error {
			return core.ServeMetrics(ctx, settings.Metrics.Listen, srv.Registry(), logger)
		})
	}
	if settings.Master.URL != "" {
		reg := core.NewRegistration(settings, *version, srv, logger)
		g.Go(func() error {
			reg.Run(ctx)
			return nil
		})
	}

	logger.Info("starting session server",
		"name", settings.Session.Name,
		"port", settings.Session.Port,
		"tickRate", settings.Session.TickRate,
		"version", *version)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped")
	return nil
}
