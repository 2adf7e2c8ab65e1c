// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/Zeecka/AperiSolve/pkg/logging"
	"github.com/Zeecka/AperiSolve/services/analysis/artifacts"
	"github.com/Zeecka/AperiSolve/services/analysis/config"
	"github.com/Zeecka/AperiSolve/services/analysis/ingest"
	"github.com/Zeecka/AperiSolve/services/analysis/queue"
	"github.com/Zeecka/AperiSolve/services/analysis/registry"
	storebadger "github.com/Zeecka/AperiSolve/services/analysis/storage/badger"
	"github.com/Zeecka/AperiSolve/services/analysis/sweep"
	"github.com/Zeecka/AperiSolve/services/analysis/telemetry"
	"github.com/Zeecka/AperiSolve/services/analysis/worker"
	"github.com/Zeecka/AperiSolve/services/web"
)

// depthProbeTimeout bounds the queue-depth gauge's Redis round trip at each
// metrics scrape.
const depthProbeTimeout = 2 * time.Second

// runtime bundles everything a long-running service command wires at
// startup. close tears it down in reverse order.
type runtime struct {
	cfg     config.Config
	logger  *logging.Logger
	db      *storebadger.DB
	reg     *registry.Registry
	store   *artifacts.Store
	jobs    *queue.Queue
	metrics *telemetry.Metrics
	influx  *telemetry.InfluxSink

	shutdownTelemetry func(context.Context) error
}

// openRuntime loads configuration and connects the shared backends. service
// names the process in logs and telemetry ("web", "worker").
func openRuntime(ctx context.Context, service string) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: service,
		JSON:    cfg.LogJSON,
	})

	// Traces follow APERISOLVE_OTEL_EXPORTER; metrics always feed the
	// Prometheus registry behind GET /metrics.
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "aperisolve-" + service,
		ServiceVersion: cfg.Version,
		TraceExporter:  cfg.OTelExporter,
		MetricExporter: "prometheus",
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	rt := &runtime{
		cfg:               cfg,
		logger:            logger,
		shutdownTelemetry: shutdownTelemetry,
	}
	fail := func(err error) (*runtime, error) {
		rt.close(ctx)
		return nil, err
	}

	dbCfg := storebadger.DefaultConfig()
	dbCfg.Path = cfg.BadgerDir
	dbCfg.InMemory = cfg.BadgerDir == ""
	dbCfg.Logger = logger.Slog()
	rt.db, err = storebadger.OpenDB(dbCfg)
	if err != nil {
		return fail(fmt.Errorf("open registry database: %w", err))
	}
	rt.reg = registry.New(rt.db)

	rt.store, err = artifacts.NewStore(cfg.ResultDir, cfg.RemovedDir)
	if err != nil {
		return fail(fmt.Errorf("open results tree: %w", err))
	}

	rt.jobs, err = queue.New(ctx, cfg.RedisAddr)
	if err != nil {
		return fail(fmt.Errorf("connect queue broker %s: %w", cfg.RedisAddr, err))
	}

	rt.metrics, err = telemetry.NewMetrics(otel.Meter("aperisolve"))
	if err != nil {
		return fail(fmt.Errorf("create metrics: %w", err))
	}
	rt.influx = telemetry.NewInfluxSink(telemetry.InfluxConfig{
		URL:    cfg.InfluxURL,
		Token:  cfg.InfluxToken,
		Org:    cfg.InfluxOrg,
		Bucket: cfg.InfluxBucket,
	})

	if cfg.ClearAtRestart {
		logger.Warn("CLEAR_AT_RESTART set, wiping registry, results and queue")
		if err := sweep.ClearAll(ctx, rt.reg, rt.store, rt.jobs); err != nil {
			return fail(fmt.Errorf("clear state at restart: %w", err))
		}
	}

	return rt, nil
}

func (rt *runtime) close(ctx context.Context) {
	rt.influx.Close()
	if rt.jobs != nil {
		if err := rt.jobs.Close(); err != nil {
			rt.logger.Warn("closing queue", "error", err)
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			rt.logger.Warn("closing registry database", "error", err)
		}
	}
	if rt.shutdownTelemetry != nil {
		if err := rt.shutdownTelemetry(ctx); err != nil {
			rt.logger.Warn("shutting down telemetry", "error", err)
		}
	}
	rt.logger.Close()
}

// registerQueueGauge exposes the live queue depth to the metrics endpoint.
// A broken broker reports -1 rather than failing the scrape.
func (rt *runtime) registerQueueGauge() error {
	_, err := rt.metrics.RegisterQueueDepth(otel.Meter("aperisolve"), func() int64 {
		ctx, cancel := context.WithTimeout(context.Background(), depthProbeTimeout)
		defer cancel()
		depth, err := rt.jobs.Depth(ctx)
		if err != nil {
			return -1
		}
		return depth
	})
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, "web")
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	if err := rt.registerQueueGauge(); err != nil {
		return fmt.Errorf("register queue gauge: %w", err)
	}

	slogger := rt.logger.Slog()
	sweeper := sweep.New(rt.reg, rt.store,
		rt.cfg.PendingTimeout(), rt.cfg.StoreTimeout(), slogger, rt.metrics)
	ing := ingest.New(rt.reg, rt.store, rt.jobs, sweeper,
		rt.cfg.MaxContentLength, slogger, rt.metrics, rt.influx)
	removal := registry.NewRemovalPolicy(rt.reg, rt.store, rt.cfg.RemovalMinAgeDuration())

	handlers := web.NewHandlers(rt.reg, rt.store, ing, removal, rt.cfg.RemovalMinAge, slogger)
	router := web.NewRouter(rt.cfg, handlers, slogger)

	rt.logger.Info("web service starting",
		"addr", rt.cfg.ListenAddr, "version", rt.cfg.Version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return web.Serve(gctx, rt.cfg.ListenAddr, router, slogger)
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	if serveWithWorker {
		w, err := buildWorker(rt)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	rt.logger.Info("web service stopped")
	return nil
}

// buildWorker assembles the analysis worker on top of an open runtime.
func buildWorker(rt *runtime) (*worker.Worker, error) {
	tools, err := config.LoadToolRegistry(rt.cfg.ToolsFile)
	if err != nil {
		return nil, fmt.Errorf("load tool registry: %w", err)
	}
	if missing := tools.Detect(); len(missing) > 0 {
		rt.logger.Warn("analysis tools not found on PATH, their fragments will error",
			"tools", missing)
	}

	// The CRC table is populated by init-ihdr; without it the PNG repair
	// pass falls back to brute-force dimension search.
	opts := worker.Options{
		Registry:        rt.reg,
		Store:           rt.store,
		Queue:           rt.jobs,
		Tools:           tools,
		AnalyzerTimeout: rt.cfg.PendingTimeout(),
		Logger:          rt.logger.Slog(),
		Metrics:         rt.metrics,
		Influx:          rt.influx,
	}
	table := registry.NewIHDRTable(rt.db)
	if populated, err := table.Populated(); err != nil {
		return nil, fmt.Errorf("probe IHDR table: %w", err)
	} else if populated {
		opts.Lookup = table
	} else {
		rt.logger.Warn("IHDR table empty, run init-ihdr to enable CRC dimension lookup")
	}

	return worker.New(opts), nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, "worker")
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	w, err := buildWorker(rt)
	if err != nil {
		return err
	}

	err = w.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	rt.logger.Info("worker stopped")
	return nil
}
