package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Redis         RedisConfig         `yaml:"redis"`
	PlanDB        PlanDBConfig        `yaml:"plan_db,omitempty"`
	Queue         QueueConfig         `yaml:"queue"`
	Admission     AdmissionConfig     `yaml:"admission"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Blob          BlobConfig          `yaml:"blob,omitempty"`
	Mirror        MirrorConfig        `yaml:"mirror,omitempty"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	LoggingLevel string        `yaml:"logging_level"`
	LogJSON      bool          `yaml:"log_json"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// BearerToken, when set, is required on every API request. Real
	// authentication and billing live in the upstream middleware.
	BearerToken string `yaml:"bearer_token,omitempty"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// PlanDBConfig configures the Postgres-backed plan store. When disabled,
// every tenant falls back to the default ceiling and crawl records live in
// memory only.
type PlanDBConfig struct {
	Enabled        bool          `yaml:"enabled"`
	DSN            string        `yaml:"dsn,omitempty"`
	MaxConns       int           `yaml:"max_conns"`
	MinConns       int           `yaml:"min_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CacheSize      int           `yaml:"cache_size"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

type QueueConfig struct {
	Name      string        `yaml:"name"`
	RecordTTL time.Duration `yaml:"record_ttl"`
	// Workers is the consumer pool size of the worker binary.
	Workers int `yaml:"workers"`
}

type AdmissionConfig struct {
	DefaultCeiling int           `yaml:"default_ceiling"`
	ActiveEntryTTL time.Duration `yaml:"active_entry_ttl"`
	ScrapeTimeout  time.Duration `yaml:"scrape_timeout"`
	WaitTimeout    time.Duration `yaml:"wait_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

type NotificationsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	WebhookURL     string        `yaml:"webhook_url,omitempty"`
	ResendInterval time.Duration `yaml:"resend_interval"`
	Workers        int           `yaml:"workers"`
}

type BlobConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket,omitempty"`
}

// MirrorConfig configures A/B mirroring of admitted submissions to a
// staging host. The mirror is fire-and-forget and never affects admission.
type MirrorConfig struct {
	Host string  `yaml:"host,omitempty"`
	Rate float64 `yaml:"rate"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	HealthCheckPath   string `yaml:"health_check_path"`
}

// Default returns a config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         3002,
			LoggingLevel: "info",
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  10 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		PlanDB: PlanDBConfig{
			MaxConns:       10,
			MinConns:       1,
			ConnectTimeout: 5 * time.Second,
			CacheSize:      10000,
			CacheTTL:       5 * time.Minute,
		},
		Queue: QueueConfig{
			Name:      "scrape",
			RecordTTL: 24 * time.Hour,
			Workers:   10,
		},
		Admission: AdmissionConfig{
			DefaultCeiling: 2,
			ActiveEntryTTL: 60 * time.Second,
			ScrapeTimeout:  60 * time.Second,
			WaitTimeout:    180 * time.Second,
			SweepInterval:  5 * time.Second,
		},
		Notifications: NotificationsConfig{
			ResendInterval: 15 * 24 * time.Hour,
			Workers:        2,
		},
		Monitoring: MonitoringConfig{
			PrometheusEnabled: true,
			HealthCheckPath:   "/health",
		},
	}
}

// Load reads a yaml config file. Missing file is not an error: the
// defaults are returned so single-node runs need no config at all.
// Environment values are only read through os.environ/VAR entries in the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Monitoring.HealthCheckPath == "" {
		c.Monitoring.HealthCheckPath = "/health"
	}
	if c.Admission.DefaultCeiling < 0 {
		return fmt.Errorf("default_ceiling must not be negative")
	}
	if c.Queue.Name == "" {
		return fmt.Errorf("queue name must not be empty")
	}
	if c.Mirror.Rate < 0 || c.Mirror.Rate > 1 {
		return fmt.Errorf("mirror rate must be within [0, 1]")
	}
	if c.PlanDB.Enabled && c.PlanDB.DSN == "" {
		return fmt.Errorf("plan_db enabled but dsn is empty")
	}
	if c.Blob.Enabled && c.Blob.Bucket == "" {
		return fmt.Errorf("blob enabled but bucket is empty")
	}
	return nil
}

// UnmarshalYAML implements custom unmarshaling for ServerConfig with env
// variable support on every field.
func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Port         string `yaml:"port"`
		LoggingLevel string `yaml:"logging_level"`
		LogJSON      string `yaml:"log_json"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
		IdleTimeout  string `yaml:"idle_timeout"`
		BearerToken  string `yaml:"bearer_token"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	if s.Port, err = parseField(temp.Port, 3002, strconv.Atoi, "server.port"); err != nil {
		return err
	}
	if lvl := resolveEnvString(temp.LoggingLevel); lvl != "" {
		s.LoggingLevel = lvl
	}
	if s.LogJSON, err = parseField(temp.LogJSON, false, strconv.ParseBool, "server.log_json"); err != nil {
		return err
	}
	if s.ReadTimeout, err = parseField(temp.ReadTimeout, 60*time.Second, time.ParseDuration, "server.read_timeout"); err != nil {
		return err
	}
	if s.WriteTimeout, err = parseField(temp.WriteTimeout, 5*time.Minute, time.ParseDuration, "server.write_timeout"); err != nil {
		return err
	}
	if s.IdleTimeout, err = parseField(temp.IdleTimeout, 10*time.Minute, time.ParseDuration, "server.idle_timeout"); err != nil {
		return err
	}
	s.BearerToken = resolveEnvString(temp.BearerToken)
	return nil
}

// UnmarshalYAML implements custom unmarshaling for RedisConfig with env
// variable support.
func (r *RedisConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       string `yaml:"db"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	if addr := resolveEnvString(temp.Addr); addr != "" {
		r.Addr = addr
	} else if r.Addr == "" {
		r.Addr = "localhost:6379"
	}
	r.Password = resolveEnvString(temp.Password)

	var err error
	if r.DB, err = parseField(temp.DB, 0, strconv.Atoi, "redis.db"); err != nil {
		return err
	}
	return nil
}

// UnmarshalYAML implements custom unmarshaling for PlanDBConfig with env
// variable support (the DSN usually comes from the environment).
func (p *PlanDBConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Enabled        string `yaml:"enabled"`
		DSN            string `yaml:"dsn"`
		MaxConns       string `yaml:"max_conns"`
		MinConns       string `yaml:"min_conns"`
		ConnectTimeout string `yaml:"connect_timeout"`
		CacheSize      string `yaml:"cache_size"`
		CacheTTL       string `yaml:"cache_ttl"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	if p.Enabled, err = parseField(temp.Enabled, false, strconv.ParseBool, "plan_db.enabled"); err != nil {
		return err
	}
	p.DSN = resolveEnvString(temp.DSN)
	if p.MaxConns, err = parseField(temp.MaxConns, 10, strconv.Atoi, "plan_db.max_conns"); err != nil {
		return err
	}
	if p.MinConns, err = parseField(temp.MinConns, 1, strconv.Atoi, "plan_db.min_conns"); err != nil {
		return err
	}
	if p.ConnectTimeout, err = parseField(temp.ConnectTimeout, 5*time.Second, time.ParseDuration, "plan_db.connect_timeout"); err != nil {
		return err
	}
	if p.CacheSize, err = parseField(temp.CacheSize, 10000, strconv.Atoi, "plan_db.cache_size"); err != nil {
		return err
	}
	if p.CacheTTL, err = parseField(temp.CacheTTL, 5*time.Minute, time.ParseDuration, "plan_db.cache_ttl"); err != nil {
		return err
	}
	return nil
}
