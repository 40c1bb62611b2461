// Package config reads relay settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	LedgerFile  = "file"
	LedgerRedis = "redis"

	DestinationBunny = "bunny"
	DestinationS3    = "s3"

	DispatchLocal = "local"
	DispatchRedis = "redis"
)

type Config struct {
	ListenAddr  string
	MetricsAddr string
	LogLevel    slog.Level

	DispatchMode      string
	WorkerConcurrency int
	QueueSize         int
	ShutdownTimeout   time.Duration

	LedgerBackend  string
	StatusFilename string
	LedgerRedisKey string

	DropboxClientID     string
	DropboxClientSecret string
	DropboxRefreshToken string
	FetchTimeout        time.Duration

	DestinationBackend string
	BunnyAPIKey        string
	BunnyZoneName      string
	BunnyStorageBase   string
	CDNPrefix          string
	UploadTimeout      time.Duration

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	MinioRegion    string
	MinioBucket    string
	MinioPrefix    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisQueueKey string
	PollTimeout   time.Duration
}

// Load reads an optional .env file (existing variables win) and then the
// environment.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

func FromEnv() Config {
	logLevel := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	return Config{
		ListenAddr:  envString("LISTEN_ADDR", ":8080"),
		MetricsAddr: envString("WORKER_METRICS_ADDR", ":9090"),
		LogLevel:    logLevel,

		DispatchMode:      strings.ToLower(envString("DISPATCH_MODE", DispatchLocal)),
		WorkerConcurrency: envInt("WORKER_CONCURRENCY", 4),
		QueueSize:         envInt("QUEUE_SIZE", 64),
		ShutdownTimeout:   envDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		LedgerBackend:  strings.ToLower(envString("LEDGER_BACKEND", LedgerFile)),
		StatusFilename: envString("STATUS_FILENAME", "bunny_status.json"),
		LedgerRedisKey: envString("LEDGER_REDIS_KEY", "bunny:status"),

		DropboxClientID:     os.Getenv("DROPBOX_CLIENT_ID"),
		DropboxClientSecret: os.Getenv("DROPBOX_CLIENT_SECRET"),
		DropboxRefreshToken: os.Getenv("DROPBOX_REFRESH_TOKEN"),
		FetchTimeout:        envDuration("FETCH_TIMEOUT", 120*time.Second),

		DestinationBackend: strings.ToLower(envString("DESTINATION_BACKEND", DestinationBunny)),
		BunnyAPIKey:        os.Getenv("BUNNY_API_KEY"),
		BunnyZoneName:      envString("BUNNY_ZONE_NAME", "zapier-temp-files"),
		BunnyStorageBase:   envString("BUNNY_STORAGE_BASE", "https://storage.bunnycdn.com"),
		CDNPrefix:          envString("CDN_PREFIX", "https://zapier-temp-cdn.b-cdn.net"),
		UploadTimeout:      envDuration("UPLOAD_TIMEOUT", 30*time.Minute),

		MinioEndpoint:  envString("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: envString("MINIO_ACCESS_KEY", "minio"),
		MinioSecretKey: envString("MINIO_SECRET_KEY", "minio123"),
		MinioUseSSL:    strings.EqualFold(os.Getenv("MINIO_USE_SSL"), "true"),
		MinioRegion:    os.Getenv("MINIO_REGION"),
		MinioBucket:    envString("MINIO_BUCKET", "relay"),
		MinioPrefix:    os.Getenv("MINIO_PREFIX"),

		RedisAddr:     envString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		RedisQueueKey: envString("REDIS_QUEUE_KEY", "bunny:transfers:queue"),
		PollTimeout:   envDuration("QUEUE_POLL_TIMEOUT", 5*time.Second),
	}
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c Config) NeedsRedis() bool {
	return c.LedgerBackend == LedgerRedis || c.DispatchMode == DispatchRedis
}

// Validate reports every setting that would make transfers fail at runtime.
func (c Config) Validate() error {
	errs := c.dispatchErrors()

	if c.DropboxRefreshToken == "" || c.DropboxClientID == "" || c.DropboxClientSecret == "" {
		errs = append(errs, errors.New("DROPBOX_REFRESH_TOKEN, DROPBOX_CLIENT_ID and DROPBOX_CLIENT_SECRET are required"))
	}

	switch c.DestinationBackend {
	case DestinationBunny:
		if c.BunnyAPIKey == "" {
			errs = append(errs, errors.New("BUNNY_API_KEY is required"))
		}
	case DestinationS3:
		if c.MinioBucket == "" {
			errs = append(errs, errors.New("MINIO_BUCKET is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DESTINATION_BACKEND %q", c.DestinationBackend))
	}

	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}

	return errors.Join(errs...)
}

// ValidateDispatcher checks only what a backend that hands transfers to
// remote workers needs.
func (c Config) ValidateDispatcher() error {
	return errors.Join(c.dispatchErrors()...)
}

func (c Config) dispatchErrors() []error {
	var errs []error
	if c.LedgerBackend != LedgerFile && c.LedgerBackend != LedgerRedis {
		errs = append(errs, fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend))
	}
	if c.DispatchMode != DispatchLocal && c.DispatchMode != DispatchRedis {
		errs = append(errs, fmt.Errorf("unknown DISPATCH_MODE %q", c.DispatchMode))
	}
	// Remote workers write outcomes the backend must be able to read back.
	if c.DispatchMode == DispatchRedis && c.LedgerBackend != LedgerRedis {
		errs = append(errs, errors.New("DISPATCH_MODE=redis requires LEDGER_BACKEND=redis"))
	}
	return errs
}

// envString returns the variable, or fallback when it is unset or blank.
func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// envInt and envDuration fall back on unset or unparsable values.
func envInt(key string, fallback int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil {
		return n
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key))); err == nil {
		return d
	}
	return fallback
}
