// Package config loads the YAML configuration shared by every binary.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	yaml "github.com/goccy/go-yaml"

	"github.com/dontdude/usersearch/internal/consumer"
	"github.com/dontdude/usersearch/internal/platform/deadletter"
	"github.com/dontdude/usersearch/internal/platform/docker"
	"github.com/dontdude/usersearch/internal/platform/store/etcdstore"
	"github.com/dontdude/usersearch/internal/platform/store/pgstore"
	"github.com/dontdude/usersearch/internal/reconcile"
	"github.com/dontdude/usersearch/internal/retry"
)

// DefaultPath is used when CONFIG_PATH is unset.
const DefaultPath = "config/config.yaml"

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendEtcd     = "etcd"
	BackendMemory   = "memory"
)

type Config struct {
	Log        LogConfig         `yaml:"log"`
	API        APIConfig         `yaml:"api"`
	Redis      RedisConfig       `yaml:"redis"`
	Queue      QueueConfig       `yaml:"queue"`
	Store      StoreConfig       `yaml:"store"`
	Submit     SubmitConfig      `yaml:"submit"`
	Consumer   ConsumerConfig    `yaml:"consumer"`
	Lookup     docker.Config     `yaml:"lookup"`
	DeadLetter deadletter.Config `yaml:"dead_letter"`
	Reconcile  reconcile.Config  `yaml:"reconcile"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type APIConfig struct {
	Addr      string          `yaml:"addr"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig is a per-client token bucket: Rate tokens per second up to Burst.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst float64 `yaml:"burst"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type QueueConfig struct {
	Backend           string        `yaml:"backend"`
	Stream            string        `yaml:"stream"`
	Group             string        `yaml:"group"`
	EventsChannel     string        `yaml:"events_channel"`
	WaitTime          time.Duration `yaml:"wait_time"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	BatchSize         int           `yaml:"batch_size"`
}

type StoreConfig struct {
	Backend  string           `yaml:"backend"`
	Postgres pgstore.Config   `yaml:"postgres"`
	Etcd     etcdstore.Config `yaml:"etcd"`
}

type SubmitConfig struct {
	Retry retry.Config `yaml:"retry"`
}

type ConsumerConfig struct {
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	Concurrency   int           `yaml:"concurrency"`
	ErrorBackoff  retry.Config  `yaml:"error_backoff"`
}

// Load reads the file at path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		data = nil
	} else if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, err
	}
	cfg.applyEnv(os.Getenv)
	return cfg, nil
}

// LoadFromEnv loads CONFIG_PATH, or DefaultPath when it is unset.
func LoadFromEnv() (Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	return Load(path)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := getenv("POSTGRES_DSN"); v != "" {
		c.Store.Postgres.DSN = v
	}
	if v := getenv("ETCD_ENDPOINTS"); v != "" {
		c.Store.Etcd.Endpoints = strings.Split(v, ",")
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.DeadLetter.Brokers = strings.Split(v, ",")
	}
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
	if strings.TrimSpace(c.API.Addr) == "" {
		c.API.Addr = ":8080"
	}
	if c.API.RateLimit.Rate <= 0 {
		c.API.RateLimit.Rate = 0.5
	}
	if c.API.RateLimit.Burst <= 0 {
		c.API.RateLimit.Burst = 5
	}
	if strings.TrimSpace(c.Redis.Addr) == "" {
		c.Redis.Addr = "localhost:6379"
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = BackendRedis
	}
	if c.Queue.Stream == "" {
		c.Queue.Stream = "usersearch:jobs"
	}
	if c.Queue.Group == "" {
		c.Queue.Group = "usersearch:consumers"
	}
	if c.Queue.EventsChannel == "" {
		c.Queue.EventsChannel = "usersearch:events"
	}
	if c.Queue.WaitTime <= 0 {
		c.Queue.WaitTime = 10 * time.Second
	}
	if c.Queue.VisibilityTimeout <= 0 {
		c.Queue.VisibilityTimeout = 5 * time.Minute
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = 1
	}

	if c.Store.Backend == "" {
		c.Store.Backend = BackendRedis
	}
	if c.Store.Etcd.DialTimeout <= 0 {
		c.Store.Etcd.DialTimeout = 5 * time.Second
	}

	if c.Submit.Retry == (retry.Config{}) {
		c.Submit.Retry = retry.DefaultConfig()
	}

	defaults := consumer.DefaultConfig()
	if c.Consumer.LookupTimeout <= 0 {
		c.Consumer.LookupTimeout = defaults.LookupTimeout
	}
	switch {
	case c.Consumer.MaxAttempts == 0:
		c.Consumer.MaxAttempts = defaults.MaxAttempts
	case c.Consumer.MaxAttempts < 0:
		// Negative disables the bound.
		c.Consumer.MaxAttempts = 0
	}
	if c.Consumer.Concurrency <= 0 {
		c.Consumer.Concurrency = 1
	}
	if c.Consumer.ErrorBackoff == (retry.Config{}) {
		c.Consumer.ErrorBackoff = defaults.ErrorBackoff
	}

	lookup := docker.DefaultConfig()
	if c.Lookup.Image == "" {
		c.Lookup.Image = lookup.Image
		c.Lookup.Pull = lookup.Pull
	}
	if c.Lookup.TopSites <= 0 {
		c.Lookup.TopSites = lookup.TopSites
	}
	if c.Lookup.SiteTimeout <= 0 {
		c.Lookup.SiteTimeout = lookup.SiteTimeout
	}
	if c.Lookup.MemoryLimitMB <= 0 {
		c.Lookup.MemoryLimitMB = lookup.MemoryLimitMB
	}

	if c.DeadLetter.Topic == "" {
		c.DeadLetter.Topic = "usersearch.dead-letters"
	}
	if c.DeadLetter.Stream == "" {
		c.DeadLetter.Stream = "usersearch:dead-letters"
	}

	rec := reconcile.DefaultConfig()
	if c.Reconcile.Interval <= 0 {
		c.Reconcile.Interval = rec.Interval
	}
	if c.Reconcile.Grace <= 0 {
		c.Reconcile.Grace = rec.Grace
	}
	if c.Reconcile.Batch <= 0 {
		c.Reconcile.Batch = rec.Batch
	}
}

// ConsumerSettings assembles the consumer loop configuration from the queue and consumer sections.
func (c Config) ConsumerSettings() consumer.Config {
	return consumer.Config{
		BatchSize:     c.Queue.BatchSize,
		WaitTime:      c.Queue.WaitTime,
		Visibility:    c.Queue.VisibilityTimeout,
		LookupTimeout: c.Consumer.LookupTimeout,
		MaxAttempts:   c.Consumer.MaxAttempts,
		ErrorBackoff:  c.Consumer.ErrorBackoff,
	}
}

// SlogLevel maps log.level to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c Config) NeedsRedis() bool {
	return c.Queue.Backend == BackendRedis || c.Store.Backend == BackendRedis
}

func (c Config) ValidateForAPI() error {
	if strings.TrimSpace(c.API.Addr) == "" {
		return fmt.Errorf("api.addr is required")
	}
	return c.validateShared()
}

func (c Config) ValidateForWorker() error {
	if err := c.validateShared(); err != nil {
		return err
	}
	if err := c.ConsumerSettings().Validate(); err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	if err := c.Lookup.Validate(); err != nil {
		return err
	}
	if err := c.DeadLetter.Validate(); err != nil {
		return err
	}
	return c.Reconcile.Validate()
}

// ValidateForProducer covers the submission CLI, which needs only the store and queue.
func (c Config) ValidateForProducer() error {
	return c.validateShared()
}

func (c Config) validateShared() error {
	switch c.Queue.Backend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	if strings.TrimSpace(c.Queue.Stream) == "" {
		return fmt.Errorf("queue.stream is required")
	}

	switch c.Store.Backend {
	case BackendRedis, BackendMemory:
	case BackendPostgres:
		if err := c.Store.Postgres.Validate(); err != nil {
			return err
		}
	case BackendEtcd:
		if err := c.Store.Etcd.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}

	if c.NeedsRedis() {
		if err := validateRedis(c.Redis); err != nil {
			return err
		}
	}
	return c.Submit.Retry.Validate()
}

func validateRedis(cfg RedisConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("redis.addr is required")
	}
	return nil
}
