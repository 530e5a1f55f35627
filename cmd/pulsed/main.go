// SPDX-License-Identifier: Apache-2.0

// Command pulsed runs the model health monitor: the tiered probe
// scheduler, the uptime aggregator, the tier updater and the cache
// publisher, as one long-lived process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelpulse/pulse/pkg/config"
	"github.com/modelpulse/pulse/pkg/gateway"
	"github.com/modelpulse/pulse/pkg/lease"
	"github.com/modelpulse/pulse/pkg/monitor"
	"github.com/modelpulse/pulse/pkg/publish"
	"github.com/modelpulse/pulse/pkg/store"
	"github.com/modelpulse/pulse/pkg/telemetry"
)

const (
	serviceName     = "pulsed"
	serviceVersion  = "0.1.0"
	shutdownTimeout = 15 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pulsed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	shutdownTelemetry, err := telemetry.Init(serviceName, serviceVersion, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var (
		client      *redis.Client
		coordinator lease.Coordinator = lease.NoopCoordinator{}
		publisher   monitor.CachePublisher
	)
	if cfg.Redis.Addr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		if cfg.Monitor.RedisCoordination {
			coordinator = lease.NewRedisCoordinator(client)
		}
		adapter := gateway.NewAdapter(cfg.APIKeys)
		publisher = publish.New(st, adapter, client, cfg.Monitor, nil, log)
	} else {
		log.Warn("redis not configured; running without lease coordination or cache publication")
	}

	m := monitor.New(cfg, st, coordinator, publisher, nil, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	log.Info("pulsed running",
		slog.String("store", cfg.Store.Path),
		slog.String("redis", cfg.Redis.Addr))

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := m.Stop(shutdownCtx); err != nil {
		log.Error("monitor shutdown", slog.String("error", err.Error()))
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Error("telemetry shutdown", slog.String("error", err.Error()))
	}
	return nil
}
