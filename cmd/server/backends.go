package main

import (
	"context"
	"fmt"

	"github.com/maneesh/chunkdrop/internal/assembly"
	"github.com/maneesh/chunkdrop/internal/config"
	"github.com/maneesh/chunkdrop/internal/logger"
	"github.com/maneesh/chunkdrop/internal/storage"
	"github.com/maneesh/chunkdrop/internal/sweeper"
)

// metadataStore is satisfied by both the TiDB and the in-memory store
type metadataStore interface {
	assembly.ChunkStore
	assembly.FileStore
	sweeper.Store
}

// migrator is implemented by stores that own a schema
type migrator interface {
	Migrate(ctx context.Context) error
}

type backends struct {
	store   metadataStore
	gateway storage.Gateway
	cache   assembly.FileCache
	closers []func() error
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Warn().Err(err).Msg("error closing backend")
		}
	}
}

func openStore(cfg *config.Config) (metadataStore, func() error, error) {
	switch cfg.MetadataBackend {
	case "memory":
		logger.Warn().Msg("using in-memory metadata store; data is lost on restart")
		return storage.NewMemoryStore(), func() error { return nil }, nil
	default:
		logger.Info().Str("host", cfg.TiDBHost).Msg("connecting to TiDB")
		tidbClient, err := storage.NewTiDBClient(cfg.GetDSN())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize TiDB client: %w", err)
		}
		return tidbClient, tidbClient.Close, nil
	}
}

func gatewayConfig(cfg *config.Config) storage.GatewayConfig {
	switch cfg.StorageBackend {
	case storage.GatewayTypeS3:
		return storage.GatewayConfig{
			Type:      storage.GatewayTypeS3,
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}
	case storage.GatewayTypeMinIO:
		return storage.GatewayConfig{
			Type:      storage.GatewayTypeMinIO,
			Endpoint:  cfg.MinIOEndpoint,
			Bucket:    cfg.MinIOBucketName,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
		}
	default:
		return storage.GatewayConfig{Type: cfg.StorageBackend}
	}
}

// openBackends connects every backend the server needs. Redis is optional:
// when it cannot be reached the service runs without a cache.
func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	b.store = store
	b.closers = append(b.closers, closeStore)

	logger.Info().Str("backend", cfg.StorageBackend).Msg("initializing storage gateway")
	gateway, err := storage.NewGateway(ctx, gatewayConfig(cfg))
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to initialize %s gateway: %w", cfg.StorageBackend, err)
	}
	b.gateway = gateway

	redisClient, err := storage.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL)
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.GetRedisAddr()).Msg("redis unavailable, file cache disabled")
	} else {
		b.cache = redisClient
		b.closers = append(b.closers, redisClient.Close)
	}

	return b, nil
}

func newService(cfg *config.Config, b *backends) *assembly.Service {
	return assembly.NewService(b.store, b.store, b.gateway, b.cache, assembly.Options{
		MultipartThresholdMB: cfg.MultipartThresholdMB,
		InlineReadLimitBytes: cfg.InlineReadLimitMB * 1024 * 1024,
	})
}
