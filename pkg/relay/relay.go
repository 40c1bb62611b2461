// Package relay assembles the transfer worker and its collaborators from
// configuration. Both binaries share it.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/imalyk/bunny-relay/pkg/bunny"
	"github.com/imalyk/bunny-relay/pkg/config"
	"github.com/imalyk/bunny-relay/pkg/dropbox"
	"github.com/imalyk/bunny-relay/pkg/ledger"
	"github.com/imalyk/bunny-relay/pkg/metrics"
	"github.com/imalyk/bunny-relay/pkg/s3store"
	"github.com/imalyk/bunny-relay/pkg/transfer"
	"github.com/redis/go-redis/v9"
)

func NewLogger(cfg config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
}

// NewRedis returns nil when no component needs Redis.
func NewRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if !cfg.NeedsRedis() {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func NewLedger(cfg config.Config, rdb *redis.Client, logger *slog.Logger) (ledger.Ledger, error) {
	switch cfg.LedgerBackend {
	case config.LedgerFile:
		return ledger.NewFileLedger(cfg.StatusFilename, logger), nil
	case config.LedgerRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis ledger requires a redis client")
		}
		return ledger.NewRedisLedger(rdb, cfg.LedgerRedisKey, logger), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

func NewDestination(ctx context.Context, cfg config.Config) (transfer.Destination, error) {
	switch cfg.DestinationBackend {
	case config.DestinationBunny:
		return bunny.New(bunny.Config{
			StorageBase: cfg.BunnyStorageBase,
			Zone:        cfg.BunnyZoneName,
			AccessKey:   cfg.BunnyAPIKey,
			Timeout:     cfg.UploadTimeout,
		}), nil
	case config.DestinationS3:
		store, err := s3store.New(s3store.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
			Region:    cfg.MinioRegion,
			Bucket:    cfg.MinioBucket,
			Prefix:    cfg.MinioPrefix,
			Timeout:   cfg.UploadTimeout,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown destination backend %q", cfg.DestinationBackend)
	}
}

func NewSource(cfg config.Config) *dropbox.Client {
	return dropbox.New(dropbox.Config{
		ClientID:     cfg.DropboxClientID,
		ClientSecret: cfg.DropboxClientSecret,
		RefreshToken: cfg.DropboxRefreshToken,
		Timeout:      cfg.FetchTimeout,
	})
}

func NewWorker(ctx context.Context, cfg config.Config, l ledger.Ledger, logger *slog.Logger, m *metrics.Metrics) (*transfer.Worker, error) {
	dest, err := NewDestination(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	return transfer.NewWorker(NewSource(cfg), dest, l, cfg.CDNPrefix, logger, m), nil
}
