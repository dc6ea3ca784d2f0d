package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/snoutid/internal/config"
	"github.com/example/snoutid/internal/embedding"
	"github.com/example/snoutid/internal/events"
	"github.com/example/snoutid/internal/grpcclient"
	"github.com/example/snoutid/internal/quality"
	"github.com/example/snoutid/internal/repository"
	"github.com/example/snoutid/internal/snapshot"
	"github.com/example/snoutid/internal/usecase"
	"github.com/example/snoutid/internal/vectorindex"
)

func openDatabase(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DatabaseDriver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DatabaseDSN)
	default:
		dialector = postgres.Open(cfg.DatabaseDSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	if cfg.DatabaseDriver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}
	return db, nil
}

type providerHandle struct {
	embedder embedding.Provider
	close    func()
}

// buildProvider selects the remote model when an inference address is
// configured and the in-process thumbnail model otherwise, then puts the
// bounded pool in front of it.
func buildProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger, observer embedding.Observer) (*providerHandle, error) {
	var model embedding.Model
	if cfg.EmbedderAddr != "" {
		remote, _, err := grpcclient.DialEmbedder(ctx, cfg.EmbedderAddr, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to embedder: %w", err)
		}
		model = remote
	} else {
		thumb, err := embedding.NewThumbnailModel(embedding.Dimension)
		if err != nil {
			return nil, err
		}
		logger.Warn("EMBEDDER_ADDR not set, using the local thumbnail model")
		model = thumb
	}

	pipeline := embedding.NewPipeline(model, quality.NewGate(quality.DefaultThresholds()), embedding.Dimension, logger)
	pool := embedding.NewPool(pipeline, cfg.InferenceWorkers, cfg.InferenceTimeout, logger, observer)

	started := time.Now()
	if err := embedding.Warmup(ctx, pool); err != nil {
		pipeline.Close()
		return nil, fmt.Errorf("embedder warmup: %w", err)
	}
	logger.Info("embedder ready", zap.Duration("warmup", time.Since(started)), zap.Int("workers", cfg.InferenceWorkers))

	return &providerHandle{
		embedder: pool,
		close: func() {
			if err := pipeline.Close(); err != nil {
				logger.Warn("failed to close embedder", zap.Error(err))
			}
		},
	}, nil
}

type indexHandle struct {
	index vectorindex.Index
	size  func(context.Context) (int, error)
	close func()
}

// buildIndex returns the configured similarity index, loaded with the
// active signatures. Background maintenance is scheduled on g.
func buildIndex(startCtx, runCtx context.Context, g *errgroup.Group, cfg *config.Config, db *gorm.DB, records *repository.BiometricRepository, logger *zap.Logger) (*indexHandle, error) {
	countActive := func(ctx context.Context) (int, error) {
		n, err := records.CountActive(ctx)
		return int(n), err
	}

	switch cfg.IndexBackend {
	case config.IndexPGVector:
		return &indexHandle{
			index: repository.NewPGVectorIndex(db, cfg.IndexNProbe),
			size:  countActive,
			close: func() {},
		}, nil

	case config.IndexQdrant:
		q, client, err := vectorindex.DialQdrant(startCtx, vectorindex.QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dimension:  embedding.Dimension,
		}, logger)
		if err != nil {
			return nil, err
		}
		// The database is the source of truth: converge the collection now
		// and keep repairing failed write-throughs in the background.
		stats, err := q.Reconcile(startCtx, records)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("reconcile qdrant: %w", err)
		}
		logger.Info("qdrant index ready", zap.Int("active", stats.Active), zap.Int("upserted", stats.Upserted), zap.Int("deleted", stats.Deleted))
		g.Go(func() error {
			q.Run(runCtx, records, cfg.IndexRebuildEvery)
			return nil
		})
		return &indexHandle{
			index: q,
			size:  countActive,
			close: func() { client.Close() },
		}, nil

	default:
		mem := vectorindex.NewMemory(vectorindex.MemoryOptions{
			Dimension: embedding.Dimension,
			NProbe:    cfg.IndexNProbe,
		}, logger)
		if err := mem.Rebuild(startCtx, records); err != nil {
			return nil, fmt.Errorf("load index: %w", err)
		}
		g.Go(func() error {
			mem.Run(runCtx, records, cfg.IndexRebuildEvery)
			return nil
		})
		return &indexHandle{
			index: mem,
			size:  func(context.Context) (int, error) { return mem.Len(), nil },
			close: func() {},
		}, nil
	}
}

type optionalHandle struct {
	closers []func()
}

func (h *optionalHandle) close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i]()
	}
}

// attachOptional wires the cache, snapshot store and event publisher when
// they are configured.
func attachOptional(ctx context.Context, cfg *config.Config, uc *usecase.BiometryUseCase, logger *zap.Logger) (*optionalHandle, error) {
	h := &optionalHandle{}

	if cfg.RedisAddr != "" {
		client, err := initRedis(ctx, cfg.RedisAddr)
		if err != nil {
			h.close()
			return nil, err
		}
		uc.WithCache(usecase.NewRedisCache(client), cfg.SearchCacheTTL)
		h.closers = append(h.closers, func() { client.Close() })
	}

	if cfg.MinioEndpoint != "" {
		store, err := snapshot.Connect(ctx, snapshot.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			h.close()
			return nil, fmt.Errorf("connect to snapshot store: %w", err)
		}
		uc.WithSnapshots(store)
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), logger)
		uc.WithPublisher(publisher)
		h.closers = append(h.closers, func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("failed to close event publisher", zap.Error(err))
			}
		})
	}

	return h, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}
