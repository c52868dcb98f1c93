// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/lspgate/services/gateway/buildsystem"
	"github.com/AleutianAI/lspgate/services/gateway/config"
	"github.com/AleutianAI/lspgate/services/gateway/configsync"
	"github.com/AleutianAI/lspgate/services/gateway/index"
	"github.com/AleutianAI/lspgate/services/gateway/jsonrpc"
	"github.com/AleutianAI/lspgate/services/gateway/proxy"
	"github.com/AleutianAI/lspgate/services/gateway/visibility"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.1.0"

const debugShutdownTimeout = 5 * time.Second

// Dependencies are the collaborators a Service is built from.
type Dependencies struct {
	// Client is the editor-facing connection. Required.
	Client *jsonrpc.Conn

	// Backend is the language server connection. Required.
	Backend *jsonrpc.Conn

	// Settings answers per-file compile settings. Required.
	Settings buildsystem.SettingsProvider

	// BuildSystem answers target and output queries. Required in explicit
	// index mode.
	BuildSystem buildsystem.Manager

	// Index receives unit path changes. Required in explicit index mode.
	Index index.Index

	// Store persists the visibility mapping. Optional.
	Store visibility.MappingStore

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Service is an assembled gateway.
//
// Thread Safety:
//
//	Run is called once. Accessors and Close are safe for concurrent use.
type Service struct {
	cfg     config.Config
	proxy   *proxy.Proxy
	syncer  *configsync.Syncer
	tracker *visibility.Tracker
	logger  *slog.Logger

	// restore is set when a saved mapping may still describe the index.
	restore bool

	closeOnce sync.Once
}

// NewService wires the proxy, syncer and optional tracker together.
//
// Description:
//
//	Registers the syncer's handlers on the proxy. In explicit index mode a
//	tracker is created over deps.BuildSystem and deps.Index and installed
//	as the syncer's scheme listener; otherwise scheme changes are logged
//	and dropped.
//
// Inputs:
//
//	cfg - Gateway configuration.
//	deps - Connections and collaborators.
//
// Outputs:
//
//	*Service - The service. Call Run to start it.
//	error - proxy.ErrNilConn, ErrNilSettings, or ErrExplicitModeDeps.
func NewService(cfg config.Config, deps Dependencies) (*Service, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Settings == nil {
		return nil, ErrNilSettings
	}

	p, err := proxy.New(deps.Client, deps.Backend, proxy.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create proxy: %w", err)
	}

	s := &Service{
		cfg:    cfg,
		proxy:  p,
		logger: logger.With(slog.String("component", "gateway")),
	}

	syncOpts := []configsync.Option{
		configsync.WithClangPath(cfg.Backend.ClangPath),
		configsync.WithLogger(logger),
	}
	if cfg.Index.ExplicitMode {
		if deps.BuildSystem == nil || deps.Index == nil {
			return nil, ErrExplicitModeDeps
		}
		trackerOpts := []visibility.Option{
			visibility.WithUnitSuffixes(cfg.Index.UnitSuffixes...),
			visibility.WithLogger(logger),
		}
		if deps.Store != nil {
			trackerOpts = append(trackerOpts, visibility.WithStore(deps.Store))
			s.restore = !index.IsSessionLocal(deps.Index)
			if !s.restore {
				s.logger.Info("saved visibility mapping will not be restored, index starts empty each session")
			}
		}
		s.tracker, err = visibility.NewTracker(deps.BuildSystem, deps.Index, trackerOpts...)
		if err != nil {
			return nil, fmt.Errorf("create tracker: %w", err)
		}
		syncOpts = append(syncOpts, configsync.WithSchemeListener(s.tracker))
	}

	s.syncer, err = configsync.New(deps.Settings, p, syncOpts...)
	if err != nil {
		return nil, fmt.Errorf("create syncer: %w", err)
	}
	s.syncer.Register(p)
	return s, nil
}

// Proxy returns the forwarding proxy.
func (s *Service) Proxy() *proxy.Proxy { return s.proxy }

// Tracker returns the visibility tracker, or nil outside explicit index mode.
func (s *Service) Tracker() *visibility.Tracker { return s.tracker }

// Syncer returns the configuration syncer.
func (s *Service) Syncer() *configsync.Syncer { return s.syncer }

// Run serves both connections until either closes or ctx is done.
//
// Description:
//
//	Starts the syncer, restores the saved visibility mapping unless the
//	index starts empty each session, then runs the client and backend read
//	loops. When either loop ends every connection
//	is closed. The debug HTTP server runs alongside when enabled.
//
// Outputs:
//
//	error - The first loop or server error. A connection closing cleanly
//	        returns nil.
func (s *Service) Run(ctx context.Context) error {
	if err := s.syncer.Start(ctx); err != nil {
		return fmt.Errorf("start syncer: %w", err)
	}
	defer s.syncer.Stop()

	if s.restore {
		if err := s.tracker.Restore(ctx); err != nil {
			s.logger.Warn("restore visibility mapping failed", slog.String("error", err.Error()))
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	for _, conn := range []*jsonrpc.Conn{s.proxy.Client(), s.proxy.Backend()} {
		c := conn
		g.Go(func() error {
			defer cancel()
			defer s.proxy.Close()
			if err := c.Run(gctx, s.proxy); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", c.Name(), err)
			}
			return nil
		})
	}

	if s.cfg.Debug.Enabled {
		srv := &http.Server{
			Addr:              s.cfg.Debug.Address,
			Handler:           s.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			s.logger.Info("debug server listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), debugShutdownTimeout)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	s.logger.Info("gateway stopped", slog.String("state", s.proxy.State().String()))
	return err
}

// Close stops the syncer and closes every connection.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.syncer.Stop()
		_ = s.proxy.Close()
	})
	return nil
}

// Router builds the debug HTTP surface.
func (s *Service) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware("lspgate"))
	RegisterRoutes(router.Group("/v1"), NewHandlers(s))
	RegisterMetrics(router)
	return router
}
