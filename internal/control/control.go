package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/keywatcher/internal/core/config"
	"github.com/vietddude/keywatcher/internal/indexing/fetcher"
	redisclient "github.com/vietddude/keywatcher/internal/infra/redis"
	"github.com/vietddude/keywatcher/internal/infra/storage"
	"github.com/vietddude/keywatcher/internal/infra/storage/memory"
	"github.com/vietddude/keywatcher/internal/infra/storage/postgres"
)

// Config holds the application configuration.
type Config struct {
	Port     int
	Chain    config.ChainConfig
	Keys     config.KeysConfig
	Redis    redisclient.Config
	Database postgres.Config
}

// FromAppConfig maps the loaded file configuration onto the watcher.
func FromAppConfig(cfg *config.AppConfig) Config {
	return Config{
		Port:     cfg.Server.Port,
		Chain:    cfg.Chain,
		Keys:     cfg.Keys,
		Redis:    cfg.Redis,
		Database: cfg.Database,
	}
}

// stores is the persistence sink plus optional shared infrastructure.
type stores struct {
	blocks    storage.BlockRecordRepository
	keys      storage.KeyRecordRepository
	failed    storage.FailedJobRepository
	sizeCache fetcher.SizeCache
	db        *postgres.DB
	redis     *redisclient.Client
}

// openStores picks PostgreSQL when a database URL is configured and memory
// otherwise. Redis, when reachable, takes over the failed-job queue and the
// batch-size cache.
func openStores(ctx context.Context, cfg Config, log *slog.Logger) (*stores, error) {
	s := &stores{}

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		migrateCtx, cancel := context.WithTimeout(ctx, time.Minute)
		err = db.Migrate(migrateCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		s.db = db
		s.blocks = postgres.NewBlockRecordRepo(db)
		s.keys = postgres.NewKeyRecordRepo(db)
		s.failed = postgres.NewFailedJobRepo(db)
		log.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		s.blocks = memory.NewBlockRecordRepo(store)
		s.keys = memory.NewKeyRecordRepo(store)
		s.failed = memory.NewFailedJobRepo(store)
		log.Info("Using Memory storage")
	}

	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			log.Warn("Failed to connect to Redis, using database for failed jobs", "error", err)
		} else {
			s.redis = client
			s.failed = redisclient.NewFailedJobRepo(client)
			s.sizeCache = client
			log.Info("Using Redis for failed jobs and batch size cache")
		}
	}

	return s, nil
}

func (s *stores) close(log *slog.Logger) {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Warn("Failed to close Redis", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Warn("Failed to close database", "error", err)
		}
	}
}
