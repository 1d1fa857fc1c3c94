// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/petsync/pkg/api"
	"github.com/united-manufacturing-hub/petsync/pkg/cse/registry"
	"github.com/united-manufacturing-hub/petsync/pkg/cse/sync"
	"github.com/united-manufacturing-hub/petsync/pkg/logger"
	"github.com/united-manufacturing-hub/petsync/pkg/metrics"
	"github.com/united-manufacturing-hub/petsync/pkg/opcache"
	"github.com/united-manufacturing-hub/petsync/pkg/persistence"
	"github.com/united-manufacturing-hub/petsync/pkg/persistence/basic"
	"github.com/united-manufacturing-hub/petsync/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/petsync/pkg/persistence/postgres"
	"github.com/united-manufacturing-hub/petsync/pkg/sentry"
)

// pinger is implemented by stores that can check their connection.
type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	logger.Initialize(sentry.NewSentryHook)
	defer func() { _ = logger.Sync() }()

	log := logger.For(logger.ComponentCore)

	cfg, err := loadConfig()
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load config: %w", err)
	}

	sentry.InitSentry(cfg.sentryDSN, cfg.version, true)
	log.Infof("Starting petsync %s (store: %s, auth: %s)", cfg.version, cfg.storeBackend, cfg.authMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to open %s store: %w", cfg.storeBackend, err)
	}

	reg := registry.Default()
	if cfg.registryFile != "" {
		if reg, err = registry.LoadFile(cfg.registryFile); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load entity registry: %w", err)
		}
	}

	log.Infof("Registered entity types: %v", reg.Names())

	cache, closeCache, err := openOpCache(ctx, cfg)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to set up op cache: %w", err)
	}

	engine := sync.NewEngine(store, reg, sync.Config{
		PullDefaultLimit: cfg.pullDefaultLimit,
		PullMaxLimit:     cfg.pullMaxLimit,
		PushParallelism:  cfg.pushParallelism,
		CommitRetries:    cfg.commitRetries,
	}, sync.WithOpCache(cache))

	auth, err := authMiddleware(cfg)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to set up authentication: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           api.NewRouter(engine, auth, api.Config{PushMaxOps: cfg.pushMaxOps}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsServer := metrics.SetupMetricsEndpoint(cfg.metricsAddr)

	var shuttingDown atomic.Bool

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	health.AddReadinessCheck("shutdown", func() error {
		if shuttingDown.Load() {
			return errors.New("shutting down")
		}

		return nil
	})

	if p, ok := store.(pinger); ok {
		health.AddReadinessCheck("store", func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			return p.Ping(pingCtx)
		})
	}

	healthServer := &http.Server{Addr: cfg.healthAddr, Handler: health, ReadHeaderTimeout: 5 * time.Second}

	for _, srv := range []*http.Server{server, healthServer} {
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Server on %s failed: %w", srv.Addr, err)
			}
		}()
	}

	log.Infof("Listening on %s (metrics %s, health %s)", cfg.httpAddr, cfg.metricsAddr, cfg.healthAddr)

	<-ctx.Done()

	log.Info("Received shutdown signal")
	shuttingDown.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("HTTP server did not shut down cleanly: %v", err)
	}

	for _, srv := range []*http.Server{metricsServer, healthServer} {
		_ = srv.Shutdown(shutdownCtx)
	}

	if closeCache != nil {
		closeCache()
	}

	if err := store.Close(shutdownCtx); err != nil {
		log.Warnf("Failed to close store: %v", err)
	}

	log.Info("Shutdown complete")
}

func openStore(ctx context.Context, cfg config) (persistence.Store, error) {
	switch cfg.storeBackend {
	case backendPostgres:
		return postgres.New(ctx, cfg.postgresURL)
	case backendSQLite:
		return basic.NewSQLiteStore(ctx, cfg.sqlitePath)
	case backendMemory:
		zap.S().Warn("Using the in-memory store, all data is lost on restart")

		return memory.NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.storeBackend)
	}
}

// openOpCache shares the cache through Redis when REDIS_URI is set and keeps
// it in process otherwise.
func openOpCache(ctx context.Context, cfg config) (opcache.Cache, func(), error) {
	if cfg.redisURI == "" {
		local, err := opcache.NewLocal(cfg.opCacheSize)
		if err != nil {
			return nil, nil, err
		}

		return local, nil, nil
	}

	rdb, err := opcache.NewRedisClient(ctx, cfg.redisURI, cfg.redisPassword)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.redisURI, err)
	}

	tiered := opcache.NewTiered(rdb, opcache.DefaultMemoryExpiration, opcache.DefaultRedisExpiration)

	return tiered, func() { _ = tiered.Close() }, nil
}

func authMiddleware(cfg config) (gin.HandlerFunc, error) {
	switch cfg.authMode {
	case authBasic:
		accounts, err := api.ParseAccounts(cfg.authAccounts)
		if err != nil {
			return nil, fmt.Errorf("AUTH_ACCOUNTS: %w", err)
		}

		return api.BasicAuth(accounts), nil
	case authJWT:
		if cfg.jwtSecret == "" {
			return nil, errors.New("JWT_SECRET is required for AUTH_MODE=jwt")
		}

		return api.JWTAuth([]byte(cfg.jwtSecret)), nil
	case authHeader:
		zap.S().Warnf("Trusting the %s header, only run behind an authenticating gateway", api.DefaultOwnerHeader)

		return api.HeaderAuth(api.DefaultOwnerHeader), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.authMode)
	}
}
