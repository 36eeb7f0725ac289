package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nareg23/firecrawl/internal/admission"
	"github.com/nareg23/firecrawl/internal/api"
	"github.com/nareg23/firecrawl/internal/blobstore"
	"github.com/nareg23/firecrawl/internal/config"
	"github.com/nareg23/firecrawl/internal/dispatch"
	"github.com/nareg23/firecrawl/internal/drain"
	"github.com/nareg23/firecrawl/internal/ledger"
	"github.com/nareg23/firecrawl/internal/logger"
	"github.com/nareg23/firecrawl/internal/mirror"
	"github.com/nareg23/firecrawl/internal/monitoring"
	"github.com/nareg23/firecrawl/internal/notify"
	"github.com/nareg23/firecrawl/internal/planstore"
	"github.com/nareg23/firecrawl/internal/queue"
	"github.com/nareg23/firecrawl/internal/wait"
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

	log.Info("Starting firecrawl api",
		"version", Version,
		"commit", Commit,
		"logging_level", cfg.Server.LoggingLevel,
		"port", cfg.Server.Port,
	)
	config.PrintConfig(log, cfg)

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

	var sender notify.Sender
	if cfg.Notifications.Enabled && cfg.Notifications.WebhookURL != "" {
		sender = notify.NewWebhookSender(cfg.Notifications.WebhookURL, log)
	}
	gate := notify.New(rdb, sender, cfg.Notifications.ResendInterval, metrics, log)
	gate.Start(ctx, cfg.Notifications.Workers)
	defer gate.Stop()

	mir := mirror.New(cfg.Mirror.Host, cfg.Mirror.Rate, log)
	mir.Start(ctx)
	defer mir.Stop()

	dispatcher := dispatch.New(led, q, ctrl, gate, mir, metrics, log, dispatch.Config{
		ActiveEntryTTL: cfg.Admission.ActiveEntryTTL,
		ScrapeTimeout:  cfg.Admission.ScrapeTimeout,
	})
	waiter := wait.New(q, blobs, metrics, log, cfg.Admission.WaitTimeout)

	drainer := drain.New(led, dispatcher, ctrl, metrics, log, cfg.Admission.SweepInterval)
	go drainer.Run(ctx)
	log.Info("Drain sweep started", "interval", cfg.Admission.SweepInterval.String())

	rtr := api.New(dispatcher, waiter, plans, log, cfg.Server.BearerToken, cfg.Admission.WaitTimeout)

	mux := http.NewServeMux()
	mux.Handle("/", rtr)
	mux.HandleFunc(cfg.Monitoring.HealthCheckPath, func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		log.Info("Prometheus metrics enabled", "path", "/metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("Server shutdown complete")
}
