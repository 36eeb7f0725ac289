package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// resolveEnvString resolves environment variable if value is in format "os.environ/VAR_NAME"
func resolveEnvString(value string) string {
	const prefix = "os.environ/"
	if strings.HasPrefix(value, prefix) {
		envVar := strings.TrimPrefix(value, prefix)
		if envValue := os.Getenv(envVar); envValue != "" {
			return envValue
		}
		slog.Warn("environment variable not set, returning empty string",
			"env_var", envVar,
			"pattern", value,
		)
		return ""
	}
	return value
}

// parseFunc is a function type that parses a string value into the desired type
type parseFunc[T any] func(string) (T, error)

// parseField resolves env variable and parses value with proper error context
func parseField[T any](tempValue string, defaultValue T, parser parseFunc[T], fieldPath string) (T, error) {
	if tempValue == "" {
		return defaultValue, nil
	}

	resolved := resolveEnvString(tempValue)
	if resolved == "" {
		return defaultValue, nil
	}
	parsed, err := parser(resolved)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s: %w", fieldPath, err)
	}
	return parsed, nil
}

// PrintConfig outputs the configuration in a structured, readable format to the logger
func PrintConfig(logger *slog.Logger, cfg *Config) {
	logger.Info("=== Configuration Loaded ===")

	logger.Info("server",
		"port", cfg.Server.Port,
		"logging_level", cfg.Server.LoggingLevel,
		"log_json", cfg.Server.LogJSON,
		"read_timeout", cfg.Server.ReadTimeout.String(),
		"write_timeout", cfg.Server.WriteTimeout.String(),
		"idle_timeout", cfg.Server.IdleTimeout.String(),
		"bearer_token", redacted(cfg.Server.BearerToken),
	)

	logger.Info("redis",
		"addr", cfg.Redis.Addr,
		"db", cfg.Redis.DB,
		"password", redacted(cfg.Redis.Password),
	)

	logger.Info("admission",
		"default_ceiling", cfg.Admission.DefaultCeiling,
		"active_entry_ttl", cfg.Admission.ActiveEntryTTL.String(),
		"scrape_timeout", cfg.Admission.ScrapeTimeout.String(),
		"wait_timeout", cfg.Admission.WaitTimeout.String(),
		"sweep_interval", cfg.Admission.SweepInterval.String(),
	)

	logger.Info("queue",
		"name", cfg.Queue.Name,
		"record_ttl", cfg.Queue.RecordTTL.String(),
		"workers", cfg.Queue.Workers,
	)

	logger.Info("notifications",
		"enabled", cfg.Notifications.Enabled,
		"webhook_url", cfg.Notifications.WebhookURL,
		"resend_interval", cfg.Notifications.ResendInterval.String(),
		"workers", cfg.Notifications.Workers,
	)

	if cfg.PlanDB.Enabled {
		logger.Info("plan_db (ENABLED)",
			"max_conns", cfg.PlanDB.MaxConns,
			"min_conns", cfg.PlanDB.MinConns,
			"connect_timeout", cfg.PlanDB.ConnectTimeout.String(),
			"cache_size", cfg.PlanDB.CacheSize,
			"cache_ttl", cfg.PlanDB.CacheTTL.String(),
		)
	} else {
		logger.Info("plan_db", "status", "DISABLED")
	}

	if cfg.Blob.Enabled {
		logger.Info("blob (ENABLED)", "bucket", cfg.Blob.Bucket)
	} else {
		logger.Info("blob", "status", "DISABLED")
	}

	if cfg.Mirror.Host != "" && cfg.Mirror.Rate > 0 {
		logger.Info("mirror (ENABLED)", "host", cfg.Mirror.Host, "rate", cfg.Mirror.Rate)
	} else {
		logger.Info("mirror", "status", "DISABLED")
	}

	logger.Info("monitoring",
		"prometheus_enabled", cfg.Monitoring.PrometheusEnabled,
		"health_check_path", cfg.Monitoring.HealthCheckPath,
	)

	logger.Info("=== Configuration Ready ===")
}

// redacted hides secret values in startup logs
func redacted(value string) string {
	if value == "" {
		return ""
	}
	return "***REDACTED***"
}
