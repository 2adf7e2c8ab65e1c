// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Zeecka/AperiSolve/pkg/logging"
	"github.com/Zeecka/AperiSolve/pkg/ux"
	"github.com/Zeecka/AperiSolve/services/analysis/artifacts"
	"github.com/Zeecka/AperiSolve/services/analysis/config"
	"github.com/Zeecka/AperiSolve/services/analysis/ihdr"
	"github.com/Zeecka/AperiSolve/services/analysis/registry"
	storebadger "github.com/Zeecka/AperiSolve/services/analysis/storage/badger"
	"github.com/Zeecka/AperiSolve/services/analysis/sweep"
)

// openLocalDB opens the registry database for a one-shot command. The
// maintenance commands refuse the in-memory fallback: their whole point is
// mutating persistent state.
func openLocalDB(cfg config.Config, logger *logging.Logger) (*storebadger.DB, error) {
	if cfg.BadgerDir == "" {
		return nil, fmt.Errorf("APERISOLVE_BADGER_DIR is empty, nothing to operate on")
	}
	dbCfg := storebadger.DefaultConfig()
	dbCfg.Path = cfg.BadgerDir
	dbCfg.GCInterval = 0
	dbCfg.Logger = logger.Slog()
	return storebadger.OpenDB(dbCfg)
}

func runInitIHDR(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		Service: "cli",
		Quiet:   true, // the progress bar owns the terminal
	})
	defer logger.Close()

	db, err := openLocalDB(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ux.Title("Aperi'Solve IHDR table")
	ux.Info(fmt.Sprintf("Generating %d candidate headers", ihdr.TableSize()))

	// CRC collisions merge during generation, so the written-row count
	// lands slightly under the candidate total; the bar closes out when
	// the channel does.
	updates := make(chan int, 64)
	errCh := make(chan error, 1)
	table := registry.NewIHDRTable(db)
	go func() {
		errCh <- table.Populate(func(written int) {
			select {
			case updates <- written:
			default:
			}
		})
		close(updates)
	}()

	if err := ux.Progress("Writing CRC index", ihdr.TableSize(), updates); err != nil {
		return fmt.Errorf("render progress: %w", err)
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("populate IHDR table: %w", err)
	}

	ux.Success("IHDR CRC table ready")
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "cli",
		JSON:    cfg.LogJSON,
	})
	defer logger.Close()

	db, err := openLocalDB(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := artifacts.NewStore(cfg.ResultDir, cfg.RemovedDir)
	if err != nil {
		return fmt.Errorf("open results tree: %w", err)
	}

	reg := registry.New(db)
	sweeper := sweep.New(reg, store,
		cfg.PendingTimeout(), cfg.StoreTimeout(), logger.Slog(), nil)
	if err := sweeper.Sweep(ctx); err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	ux.Success("Sweep completed")
	return nil
}

func runVersion(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ux.Field("Aperi'Solve", cfg.Version)
	return nil
}
