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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/api"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/changedetector"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/config"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/gateway"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/logger"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/mapservice"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/pubsub"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/readstore"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/sentry"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/service/filesystem"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/session"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/txqueue"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/version"
)

// shutdownTimeout bounds the whole graceful shutdown.
const shutdownTimeout = 15 * time.Second

func main() {
	// Initialize the global logger first thing
	logger.Initialize()

	log := logger.For(logger.ComponentCore)
	log.Infof("Starting mapsync %s", version.AppVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := filesystem.NewDefaultService()

	configPath, err := env.GetAsString("MAPSYNC_CONFIG", false, config.DefaultConfigPath)
	if err != nil {
		log.Warnf("Failed to read MAPSYNC_CONFIG, using %s: %v", config.DefaultConfigPath, err)
		configPath = config.DefaultConfigPath
	}

	cfg, err := config.Load(ctx, fs, configPath, logger.For(logger.ComponentConfigManager))
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load config: %v", err)
		os.Exit(1)
	}

	sentry.InitSentry(cfg.SentryDSN, version.AppVersion, true)

	// Start the metrics server
	metricsServer := metrics.SetupMetricsEndpoint(fmt.Sprintf(":%d", cfg.Server.MetricsPort))

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))

	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HealthPort),
		Handler:           health,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Error starting healthcheck: %v", err)
		}
	}()

	redisClient := setupRedis(cfg, health)

	snapshots, err := setupSnapshots(cfg, fs, redisClient)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to set up session snapshots: %v", err)
		os.Exit(1)
	}

	sessions := session.NewStore(snapshots, session.Options{
		TTL:           cfg.Session.TTL,
		SweepInterval: cfg.Session.SweepInterval,
	})
	if err := sessions.Load(ctx); err != nil {
		// in-memory state starts empty; the next flush overwrites the broken snapshot
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to load session snapshot: %v", err)
	}
	sessions.Start()

	queue, err := txqueue.Open(cfg.Queue.Path)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to open transaction queue: %v", err)
		os.Exit(1)
	}
	queue.Start(cfg.Queue.MaintenanceInterval, cfg.Queue.StaleAfter)

	transport, err := setupTransport(cfg, redisClient)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to set up %s transport: %v", cfg.PubSub.Transport, err)
		os.Exit(1)
	}

	hub := pubsub.NewHub(transport)
	if err := hub.Start(ctx); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to start notification hub: %v", err)
		os.Exit(1)
	}
	health.AddReadinessCheck("pubsub", hub.Healthy)

	pg, err := readstore.NewPostgres(ctx, cfg.ReadStore.PostgresURL, readstore.Queries{
		ItemsInArea: cfg.ReadStore.Queries.ItemsInArea,
		ItemByID:    cfg.ReadStore.Queries.ItemByID,
		MapIDs:      cfg.ReadStore.Queries.MapIDs,
		Categories:  cfg.ReadStore.Queries.Categories,
	})
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to connect to postgres: %v", err)
		os.Exit(1)
	}
	health.AddReadinessCheck("postgres", func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		return pg.Ping(pingCtx)
	})

	retrying := readstore.NewRetrying(pg, cfg.ReadStore.MaxRetries)
	cached := readstore.NewCached(retrying, cfg.ReadStore.CacheTTL)

	detector := changedetector.New(retrying, hub)
	if err := detector.Init(ctx); err != nil {
		// the poll loop and the next confirmation fill the snapshots in
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Initial category scan failed: %v", err)
	}
	detector.Start(cfg.Detector.PollInterval)

	gatewayHeader := map[string]string{}
	if cfg.Gateway.Token != "" {
		gatewayHeader["Authorization"] = "Bearer " + cfg.Gateway.Token
	}

	writer := gateway.NewClient(gateway.Config{
		BaseURL:     cfg.Gateway.BaseURL,
		Timeout:     cfg.Gateway.Timeout,
		InsecureTLS: cfg.Gateway.InsecureTLS,
		Header:      gatewayHeader,
	})

	metrics.RegisterGatewayLatency(func() (float64, float64) {
		l := writer.Latency()
		return l.FirstByte.P95Ms, l.Total.P95Ms
	})

	ops := mapservice.DefaultOperations()
	ops.Create.URI = cfg.Gateway.CreateURI
	ops.Update.URI = cfg.Gateway.UpdateURI
	ops.Delete.URI = cfg.Gateway.DeleteURI

	svc := mapservice.New(mapservice.Deps{
		Sessions:  sessions,
		Queue:     queue,
		Publisher: hub,
		Gateway:   writer,
		Reader:    cached,
		Checker:   detector,
		Cache:     cached,
	}, ops)

	server := api.NewServer(api.Config{
		ListenAddr:    cfg.Server.ListenAddr,
		InternalToken: cfg.Server.InternalToken,
	}, sessions, hub, svc)
	server.Start()

	log.Infof("mapsync ready, transport %s, snapshot backend %s", transport.Name(), cfg.Session.SnapshotBackend)

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// HTTP first so no new writes arrive, then let in-flight writer calls settle.
	servers, serversCtx := errgroup.WithContext(shutdownCtx)
	servers.Go(func() error { return server.Shutdown(serversCtx) })
	servers.Go(func() error { return metricsServer.Shutdown(serversCtx) })
	servers.Go(func() error { return healthServer.Shutdown(serversCtx) })

	if err := servers.Wait(); err != nil {
		log.Warnf("Failed to shut down HTTP servers: %v", err)
	}

	if err := svc.Close(shutdownCtx); err != nil {
		log.Warnf("Writer calls still in flight at shutdown: %v", err)
	}

	detector.Stop()

	if err := hub.Close(); err != nil {
		log.Warnf("Failed to close notification hub: %v", err)
	}

	if err := sessions.Stop(shutdownCtx); err != nil {
		log.Warnf("Final session flush failed: %v", err)
	}

	if err := queue.Close(); err != nil {
		log.Warnf("Failed to close transaction queue: %v", err)
	}

	pg.Close()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Warnf("Failed to close redis client: %v", err)
		}
	}

	log.Info("mapsync stopped")
	_ = logger.Sync()
}
