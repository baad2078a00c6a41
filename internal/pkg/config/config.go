package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	AdminAddr string `env:"ADMIN_ADDR" envDefault:":9091"`

	PostgresURL           string        `env:"POSTGRES_URL,required"`
	RedisAddr             string        `env:"REDIS_ADDR"` // empty selects the in-process cache
	DBHealthCheckInterval time.Duration `env:"DB_HEALTH_CHECK_INTERVAL" envDefault:"5s"`

	WALPath        string `env:"WAL_PATH" envDefault:"./wal"`
	WALSegmentSize int64  `env:"WAL_SEGMENT_SIZE_BYTES" envDefault:"104857600"`   // 100MB
	WALMaxDiskSize int64  `env:"WAL_MAX_DISK_SIZE_BYTES" envDefault:"1073741824"` // 1GB

	MaxBodyBytes    int64 `env:"MAX_BODY_BYTES" envDefault:"1048576"` // 1MB
	MaxQueryBuckets int   `env:"MAX_QUERY_BUCKETS" envDefault:"10000"`

	CacheWindow            time.Duration `env:"CACHE_WINDOW" envDefault:"15m"`
	CacheMaxPoints         int           `env:"CACHE_MAX_POINTS" envDefault:"2000"`
	Retention              time.Duration `env:"RETENTION" envDefault:"720h"`
	RetentionPruneInterval time.Duration `env:"RETENTION_PRUNE_INTERVAL" envDefault:"1h"`

	EvaluationInterval time.Duration `env:"EVALUATION_INTERVAL" envDefault:"10s"`
	EvaluationWindow   time.Duration `env:"EVALUATION_WINDOW" envDefault:"5m"`
	StalenessWindow    time.Duration `env:"STALENESS_WINDOW" envDefault:"2m"`
	EvaluationWorkers  int           `env:"EVALUATION_WORKERS" envDefault:"4"`
	EvaluateOnIngest   bool          `env:"EVALUATE_ON_INGEST" envDefault:"false"`

	NotifyQueueSize      int           `env:"NOTIFY_QUEUE_SIZE" envDefault:"1024"`
	NotifyWorkers        int           `env:"NOTIFY_WORKERS" envDefault:"4"`
	NotifyMaxRetries     int           `env:"NOTIFY_MAX_RETRIES" envDefault:"3"`
	NotifyAttemptTimeout time.Duration `env:"NOTIFY_ATTEMPT_TIMEOUT" envDefault:"5s"`
	NotifyBackoffBase    time.Duration `env:"NOTIFY_BACKOFF_BASE" envDefault:"500ms"`
	NotifyBackoffMax     time.Duration `env:"NOTIFY_BACKOFF_MAX" envDefault:"10s"`
	NotifyRateLimit      float64       `env:"NOTIFY_RATE_LIMIT" envDefault:"5"` // sends per second per channel
	ChannelCheckInterval time.Duration `env:"CHANNEL_CHECK_INTERVAL" envDefault:"1m"`

	RedactConfigFields string `env:"REDACT_CONFIG_FIELDS" envDefault:"password,authorization,x-api-key,token"`

	HubBuffer        int           `env:"HUB_BUFFER" envDefault:"64"`
	HubWriteTimeout  time.Duration `env:"HUB_WRITE_TIMEOUT" envDefault:"2s"`
	OverviewInterval time.Duration `env:"OVERVIEW_INTERVAL" envDefault:"5s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"CACHE_WINDOW":             c.CacheWindow,
		"RETENTION":                c.Retention,
		"RETENTION_PRUNE_INTERVAL": c.RetentionPruneInterval,
		"EVALUATION_INTERVAL":      c.EvaluationInterval,
		"EVALUATION_WINDOW":        c.EvaluationWindow,
		"STALENESS_WINDOW":         c.StalenessWindow,
		"NOTIFY_ATTEMPT_TIMEOUT":   c.NotifyAttemptTimeout,
		"NOTIFY_BACKOFF_BASE":      c.NotifyBackoffBase,
		"CHANNEL_CHECK_INTERVAL":   c.ChannelCheckInterval,
		"HUB_WRITE_TIMEOUT":        c.HubWriteTimeout,
		"OVERVIEW_INTERVAL":        c.OverviewInterval,
		"DB_HEALTH_CHECK_INTERVAL": c.DBHealthCheckInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.NotifyBackoffMax < c.NotifyBackoffBase {
		errs = append(errs, errors.New("NOTIFY_BACKOFF_MAX must not be smaller than NOTIFY_BACKOFF_BASE"))
	}
	if c.NotifyMaxRetries < 1 {
		errs = append(errs, errors.New("NOTIFY_MAX_RETRIES must be at least 1"))
	}
	if c.NotifyWorkers < 1 || c.EvaluationWorkers < 1 {
		errs = append(errs, errors.New("worker counts must be at least 1"))
	}
	if c.NotifyQueueSize < 1 || c.HubBuffer < 1 {
		errs = append(errs, errors.New("queue and buffer sizes must be at least 1"))
	}
	if c.EvaluationWindow > c.CacheWindow {
		errs = append(errs, errors.New("EVALUATION_WINDOW must fit inside CACHE_WINDOW"))
	}
	if c.NotifyRateLimit <= 0 {
		errs = append(errs, errors.New("NOTIFY_RATE_LIMIT must be positive"))
	}
	return errors.Join(errs...)
}
