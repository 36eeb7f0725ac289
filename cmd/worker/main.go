package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nareg23/firecrawl/internal/admission"
	"github.com/nareg23/firecrawl/internal/blobstore"
	"github.com/nareg23/firecrawl/internal/config"
	"github.com/nareg23/firecrawl/internal/dispatch"
	"github.com/nareg23/firecrawl/internal/drain"
	"github.com/nareg23/firecrawl/internal/ledger"
	"github.com/nareg23/firecrawl/internal/logger"
	"github.com/nareg23/firecrawl/internal/monitoring"
	"github.com/nareg23/firecrawl/internal/planstore"
	"github.com/nareg23/firecrawl/internal/queue"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	var log *slog.Logger
	if cfg.Server.LogJSON {
		log = logger.NewJSON(cfg.Server.LoggingLevel)
	} else {
		log = logger.New(cfg.Server.LoggingLevel)
	}

	log.Info("Starting firecrawl worker",
		"version", Version,
		"commit", Commit,
		"queue", cfg.Queue.Name,
		"workers", cfg.Queue.Workers,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("Redis unreachable", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	var plans planstore.Store
	if cfg.PlanDB.Enabled {
		plans, err = planstore.NewPG(ctx, planstore.PGConfig{
			DSN:            cfg.PlanDB.DSN,
			MaxConns:       cfg.PlanDB.MaxConns,
			MinConns:       cfg.PlanDB.MinConns,
			ConnectTimeout: cfg.PlanDB.ConnectTimeout,
			CacheSize:      cfg.PlanDB.CacheSize,
			CacheTTL:       cfg.PlanDB.CacheTTL,
			DefaultCeiling: cfg.Admission.DefaultCeiling,
		}, log)
		if err != nil {
			log.Error("Plan store unavailable", "error", err)
			os.Exit(1)
		}
	} else {
		plans = planstore.NewMemory(cfg.Admission.DefaultCeiling)
	}
	defer plans.Close()

	var blobs blobstore.Store
	if cfg.Blob.Enabled {
		blobs, err = blobstore.NewS3(ctx, cfg.Blob.Bucket)
		if err != nil {
			log.Error("Blob store unavailable", "error", err)
			os.Exit(1)
		}
	} else {
		blobs = blobstore.NewMemory()
	}

	metrics := monitoring.New(cfg.Monitoring.PrometheusEnabled)
	led := ledger.New(rdb, log)
	q := queue.New(rdb, cfg.Queue.Name, cfg.Queue.RecordTTL, log)
	ctrl := admission.New(led, plans, metrics, log, cfg.Admission.DefaultCeiling)

	// The worker promotes deferred jobs through the same dispatch path the
	// API uses, minus notifications and mirroring.
	dispatcher := dispatch.New(led, q, ctrl, nil, nil, metrics, log, dispatch.Config{
		ActiveEntryTTL: cfg.Admission.ActiveEntryTTL,
		ScrapeTimeout:  cfg.Admission.ScrapeTimeout,
	})
	drainer := drain.New(led, dispatcher, ctrl, metrics, log, cfg.Admission.SweepInterval)

	consumer := newConsumer(q, drainer, blobs, plans, newFetchEngine(log), metrics, log, cfg.Admission.ScrapeTimeout)
	wg := consumer.Start(ctx, cfg.Queue.Workers)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down worker...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn("Worker shutdown timed out")
	}
	log.Info("Worker shutdown complete")
}
