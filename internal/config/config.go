package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/MimeLyc/media-pipeline/internal/thumbnail"
	"github.com/MimeLyc/media-pipeline/pkg/icron"
	"github.com/MimeLyc/media-pipeline/pkg/log"
)

// Config holds the worker and CLI configuration.
//
// Environment Variables:
// Storage:
// - STORAGE_DIR: managed media tree (default: /data/storage)
// - CACHE_DIR: thumbnails, face crops and the media index (default: /data/cache)
// - DB_PATH: SQLite job store (default: <CACHE_DIR>/jobs.db)
//
// Queue:
// - WORKER_COUNT: concurrent jobs per process (default: 2)
// - JOB_TIMEOUT: per-job deadline (default: 10m)
// - POLL_INTERVAL: idle poll period (default: 1s)
// - VISIBILITY_TIMEOUT: age after which an active job is redelivered (default: 30m)
// - MAX_COMPLETED_JOBS: completed jobs kept in the store (default: 1000)
// - RETRY_UNKNOWN_CRON: schedule of the retry_unknown sweep (default: 0 * * * *)
//
// Backends:
// - REDIS_ADDR, REDIS_PASSWORD, REDIS_DB: shared version marker (optional)
// - NATS_URL, NATS_SUBJECT: job event publishing (optional)
//
// Processing:
// - THUMBNAIL_SIZES: name:WxH[:max] list (default: 300:300x300,1920:1920x1080:max)
// - FACE_DETECT_CMD: external face detector command line (optional)
//
// System:
// - METRICS_ADDR: Prometheus listen address, empty disables (default: :9090)
// - LOG_LEVEL: debug, info, warn or error (default: info)
// - LOG_FILE: write logs to this file instead of stdout (optional)
type Config struct {
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"queue"`
	Redis      RedisConfig      `json:"redis"`
	NATS       NATSConfig       `json:"nats"`
	Processing ProcessingConfig `json:"processing"`
	System     SystemConfig     `json:"system"`
}

type StorageConfig struct {
	StorageDir string `json:"storage_dir"`
	CacheDir   string `json:"cache_dir"`
	DBPath     string `json:"db_path"`
}

type QueueConfig struct {
	Workers           int           `json:"workers"`
	JobTimeout        time.Duration `json:"job_timeout"`
	PollInterval      time.Duration `json:"poll_interval"`
	VisibilityTimeout time.Duration `json:"visibility_timeout"`
	MaxCompleted      int           `json:"max_completed"`
	RetryUnknownCron  string        `json:"retry_unknown_cron"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type NATSConfig struct {
	URL     string `json:"url"`
	Subject string `json:"subject"`
}

func (c NATSConfig) Enabled() bool { return c.URL != "" }

type ProcessingConfig struct {
	ThumbnailSizes string           `json:"thumbnail_sizes"`
	Sizes          []thumbnail.Spec `json:"-"`
	FaceDetectCmd  string           `json:"face_detect_cmd"`
}

type SystemConfig struct {
	MetricsAddr string `json:"metrics_addr"`
	LogLevel    string `json:"log_level"`
	LogFile     string `json:"log_file"`
}

// Option is a function type for configuring Config
type Option func(*Config)

func WithStorageDir(dir string) Option {
	return func(c *Config) {
		c.Storage.StorageDir = dir
	}
}

func WithCacheDir(dir string) Option {
	return func(c *Config) {
		c.Storage.CacheDir = dir
	}
}

func WithDBPath(path string) Option {
	return func(c *Config) {
		c.Storage.DBPath = path
	}
}

func WithWorkers(n int) Option {
	return func(c *Config) {
		c.Queue.Workers = n
	}
}

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		Storage: StorageConfig{
			StorageDir: getEnvString("STORAGE_DIR", "/data/storage"),
			CacheDir:   getEnvString("CACHE_DIR", "/data/cache"),
			DBPath:     getEnvString("DB_PATH", ""),
		},
		Queue: QueueConfig{
			Workers:           getEnvInt("WORKER_COUNT", 2),
			JobTimeout:        getEnvDuration("JOB_TIMEOUT", 10*time.Minute),
			PollInterval:      getEnvDuration("POLL_INTERVAL", time.Second),
			VisibilityTimeout: getEnvDuration("VISIBILITY_TIMEOUT", 30*time.Minute),
			MaxCompleted:      getEnvInt("MAX_COMPLETED_JOBS", 1000),
			RetryUnknownCron:  getEnvString("RETRY_UNKNOWN_CRON", "0 * * * *"),
		},
		Redis: RedisConfig{
			Addr:     getEnvString("REDIS_ADDR", ""),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:     getEnvString("NATS_URL", ""),
			Subject: getEnvString("NATS_SUBJECT", "media.jobs"),
		},
		Processing: ProcessingConfig{
			ThumbnailSizes: getEnvString("THUMBNAIL_SIZES", thumbnail.DefaultSpecs),
			FaceDetectCmd:  getEnvString("FACE_DETECT_CMD", ""),
		},
		System: SystemConfig{
			MetricsAddr: os.Getenv("METRICS_ADDR"),
			LogLevel:    getEnvString("LOG_LEVEL", "info"),
			LogFile:     getEnvString("LOG_FILE", ""),
		},
	}
	if _, set := os.LookupEnv("METRICS_ADDR"); !set {
		config.System.MetricsAddr = ":9090"
	}

	for _, opt := range opts {
		opt(config)
	}
	if config.Storage.DBPath == "" {
		config.Storage.DBPath = filepath.Join(config.Storage.CacheDir, "jobs.db")
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Debug("Config: storage=%+v queue=%+v redis=%s nats=%+v processing=%s",
		config.Storage, config.Queue, config.Redis.Addr, config.NATS, config.Processing.ThumbnailSizes)
	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.Storage.StorageDir == "" {
		return fmt.Errorf("STORAGE_DIR is required")
	}
	if c.Storage.CacheDir == "" {
		return fmt.Errorf("CACHE_DIR is required")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.Queue.Workers)
	}
	if c.Queue.JobTimeout <= 0 || c.Queue.PollInterval <= 0 || c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue durations must be positive")
	}
	if c.Queue.JobTimeout >= c.Queue.VisibilityTimeout {
		return fmt.Errorf("JOB_TIMEOUT (%s) must be shorter than VISIBILITY_TIMEOUT (%s)",
			c.Queue.JobTimeout, c.Queue.VisibilityTimeout)
	}
	if err := icron.Validate(c.Queue.RetryUnknownCron); err != nil {
		return fmt.Errorf("invalid RETRY_UNKNOWN_CRON %q: %w", c.Queue.RetryUnknownCron, err)
	}
	sizes, err := thumbnail.ParseSpecs(c.Processing.ThumbnailSizes)
	if err != nil {
		return fmt.Errorf("invalid THUMBNAIL_SIZES: %w", err)
	}
	c.Processing.Sizes = sizes
	return nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
