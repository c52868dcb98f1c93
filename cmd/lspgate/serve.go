// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lspgate/pkg/logging"
	"github.com/AleutianAI/lspgate/services/gateway"
	"github.com/AleutianAI/lspgate/services/gateway/buildsystem"
	"github.com/AleutianAI/lspgate/services/gateway/config"
	"github.com/AleutianAI/lspgate/services/gateway/index"
	"github.com/AleutianAI/lspgate/services/gateway/jsonrpc"
	"github.com/AleutianAI/lspgate/services/gateway/storage/badger"
	"github.com/AleutianAI/lspgate/services/gateway/telemetry"
	"github.com/AleutianAI/lspgate/services/gateway/visibility"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway on stdio",
	Long: `Launches the configured language server and relays the editor's
stdin/stdout traffic to it. Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logs, err := logging.New(logging.Config{
		Level:   cfg.Log.SlogLevel(),
		Format:  logging.Format(cfg.Log.Format),
		Dir:     cfg.Log.Dir,
		Service: "lspgate",
	}, os.Stderr)
	if err != nil {
		return err
	}
	defer logs.Close()
	logger := logs.Slog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	manifest, err := loadManifest(cfg.BuildSystem)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	proc, err := startBackend(cfg.Backend, logger)
	if err != nil {
		return err
	}
	defer proc.Close()

	client := jsonrpc.NewFromReadWriteCloser(stdio{in: os.Stdin, out: os.Stdout},
		jsonrpc.WithName("client"), jsonrpc.WithLogger(logger))
	backend := jsonrpc.NewFromReadWriteCloser(proc,
		jsonrpc.WithName(cfg.Backend.Name), jsonrpc.WithLogger(logger))

	if cfg.Index.ExplicitMode {
		// No external index client exists yet; unit visibility is kept by
		// the in-memory recorder for this session only.
		logger.Info("no external index attached, recording unit visibility in memory")
	}
	deps := gateway.Dependencies{
		Client:      client,
		Backend:     backend,
		Settings:    manifest,
		BuildSystem: manifest,
		Index:       index.NewMemory(),
		Store:       store,
		Logger:      logger,
	}

	svc, err := gateway.NewService(cfg, deps)
	if err != nil {
		return err
	}
	defer svc.Close()

	if cfg.BuildSystem.Watch && cfg.BuildSystem.Manifest != "" {
		stopWatch, err := watchManifest(ctx, cfg.BuildSystem.Manifest, manifest, svc, logger)
		if err != nil {
			return err
		}
		defer stopWatch()
	}

	logger.Info("lspgate serving",
		slog.String("version", version),
		slog.String("backend", cfg.Backend.Command),
		slog.Bool("explicit_index", cfg.Index.ExplicitMode),
	)
	return svc.Run(ctx)
}

// loadManifest reads the configured manifest, or returns an empty one so
// settings lookups report nothing.
func loadManifest(cfg config.BuildSystemConfig) (*buildsystem.Manifest, error) {
	if cfg.Manifest == "" {
		return buildsystem.NewManifest(nil, nil)
	}
	return buildsystem.LoadManifest(cfg.Manifest)
}

// watchManifest reloads the manifest on change. In explicit index mode a
// reload also re-resolves the current scheme, since outputs may have moved.
func watchManifest(ctx context.Context, path string, manifest *buildsystem.Manifest, svc *gateway.Service, logger *slog.Logger) (func(), error) {
	w, err := buildsystem.NewManifestWatcher(path, manifest, &buildsystem.WatcherOptions{
		Logger: logger,
		OnReload: func(ctx context.Context) {
			if tracker := svc.Tracker(); tracker != nil {
				tracker.Refresh(ctx)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("watch manifest: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return nil, fmt.Errorf("watch manifest: %w", err)
	}
	return w.Stop, nil
}

// openStore opens the mapping store when storage is enabled. The returned
// close function is always safe to call.
func openStore(cfg config.StorageConfig, logger *slog.Logger) (visibility.MappingStore, func(), error) {
	if !cfg.Enabled() {
		return nil, func() {}, nil
	}

	dbCfg := badger.DefaultConfig(cfg.Path)
	if cfg.InMemory {
		dbCfg = badger.InMemoryConfig()
	}
	dbCfg.Logger = logger

	db, err := badger.Open(dbCfg)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open storage: %w", err)
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			logger.Warn("close storage failed", slog.String("error", err.Error()))
		}
	}

	store, err := badger.NewMappingStore(db, cfg.Workspace)
	if err != nil {
		closeDB()
		return nil, func() {}, err
	}
	return store, closeDB, nil
}
