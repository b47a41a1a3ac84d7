// Package main wires together the proxy service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/psi-tools/psiproxy/internal/api"
	"github.com/psi-tools/psiproxy/internal/clock/system"
	"github.com/psi-tools/psiproxy/internal/config"
	"github.com/psi-tools/psiproxy/internal/id/uuid"
	"github.com/psi-tools/psiproxy/internal/logging"
	"github.com/psi-tools/psiproxy/internal/metrics"
	"github.com/psi-tools/psiproxy/internal/notify"
	"github.com/psi-tools/psiproxy/internal/orchestrator"
	"github.com/psi-tools/psiproxy/internal/pagespeed"
	"github.com/psi-tools/psiproxy/internal/recovery"
	"github.com/psi-tools/psiproxy/internal/report"
	"github.com/psi-tools/psiproxy/internal/storage/gcs"
	"github.com/psi-tools/psiproxy/internal/storage/memory"
	"github.com/psi-tools/psiproxy/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()

	var records report.RecordStore
	switch cfg.DB.Provider {
	case "postgres":
		store, err := postgres.NewRecordStore(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
		}, idGen, clock)
		if err != nil {
			logger.Fatal("record store init failed", zap.Error(err))
		}
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Fatal("schema init failed", zap.Error(err))
		}
		defer store.Close()
		records = store
	case "memory":
		logger.Warn("using in-memory record store; records are lost on restart")
		records = memory.NewRecordStore(idGen, clock)
	default:
		logger.Fatal("unknown db provider", zap.String("provider", cfg.DB.Provider))
	}

	var blobs report.BlobStore
	switch cfg.Storage.Provider {
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("gcs client init failed", zap.Error(err))
		}
		blobs, err = gcs.New(client, gcs.Config{
			Bucket:    cfg.Storage.GCSBucket,
			Retention: cfg.Storage.Retention,
		})
		if err != nil {
			logger.Fatal("blob store init failed", zap.Error(err))
		}
	case "memory":
		logger.Warn("using in-memory blob store; payloads are lost on restart")
		blobs = memory.NewBlobStore()
	default:
		logger.Fatal("unknown storage provider", zap.String("provider", cfg.Storage.Provider))
	}

	var publisher report.Publisher = notify.NoopPublisher{}
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.Topic != "" {
		ps, err := notify.NewPubSub(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic)
		if err != nil {
			logger.Fatal("pubsub init failed", zap.Error(err))
		}
		defer func() {
			if err := ps.Close(); err != nil {
				logger.Warn("pubsub close failed", zap.Error(err))
			}
		}()
		publisher = ps
	}

	analyzer, err := pagespeed.New(pagespeed.Config{
		Endpoint: cfg.PageSpeed.Endpoint,
		APIKey:   cfg.PageSpeed.APIKey,
		Timeout:  cfg.UpstreamTimeout(),
	})
	if err != nil {
		logger.Fatal("upstream client init failed", zap.Error(err))
	}

	orch := orchestrator.New(records, blobs, analyzer, publisher, clock, orchestrator.Config{
		BlobPrefix: cfg.Storage.Prefix,
	}, logger.Named("orchestrator"))

	sweeper := recovery.New(orch, recovery.Config{
		Interval:   cfg.Jobs.SweepInterval,
		StuckAfter: cfg.Jobs.StuckAfter,
	}, logger.Named("recovery"))
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal("sweeper start failed", zap.Error(err))
	}

	apiServer := api.NewServer(records, blobs, orch, clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
