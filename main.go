package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/voicelearn/backend/cache"
	"github.com/voicelearn/backend/logger"
	"github.com/voicelearn/backend/metrics"
	"github.com/voicelearn/backend/repository"
	"github.com/voicelearn/backend/services"
	"github.com/voicelearn/backend/storage"
	"github.com/voicelearn/backend/tracing"
	ws "github.com/voicelearn/backend/websocket"
)

func main() {
	cfg := services.LoadConfig(nil)

	log, err := logger.New(logger.Options{
		Mode:  cfg.Log.Mode,
		Level: cfg.Log.Level,
		File:  cfg.Log.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("Server stopped with error", "error", err)
	}
}

func run(ctx context.Context, cfg *services.Config, log *logger.Logger) error {
	shutdownTracing, err := tracing.Init(ctx, log, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    !cfg.Server.IsProduction(),
		Environment: cfg.Server.Environment,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("Tracing shutdown failed", "error", err)
		}
	}()

	if cfg.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormLogLevel(cfg.Database.LogLevel)),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}
	defer sqlDB.Close()
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	log.Info("Connected to database")

	repo := repository.NewGORMRepository(db, log)
	if err := repo.AutoMigrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	deps := services.Dependencies{
		Repo:    repo,
		Metrics: metrics.New(),
		Hub:     ws.NewHub(log),
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		log.Warn("Procedure pool unavailable, using ORM queries", "error", err)
	} else {
		defer pool.Close()
		deps.Procedures = repository.NewProcedures(pool, log)
	}

	if cfg.Redis.Addr != "" {
		rdb, err := cache.New(ctx, cache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   "voicelearn:",
		})
		if err != nil {
			log.Warn("Redis unavailable, agent metadata will not be cached", "error", err)
		} else {
			defer rdb.Close()
			deps.Cache = rdb
			log.Info("Connected to redis", "addr", cfg.Redis.Addr)
		}
	}

	if cfg.Storage.Endpoint != "" {
		store, err := storage.New(storage.Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			UseSSL:    cfg.Storage.UseSSL,
		})
		if err == nil {
			err = store.EnsureBucket(ctx)
		}
		if err != nil {
			log.Warn("Object storage unavailable, cover uploads disabled", "error", err)
		} else {
			deps.Covers = store
			log.Info("Object storage ready", "bucket", cfg.Storage.Bucket)
		}
	}

	if cfg.Database.Seed {
		seed, err := services.LoadSeedFile(cfg.Database.SeedFile)
		if err != nil {
			return err
		}
		if err := services.NewDatabaseSeeder(repo, log).SeedDatabase(ctx, seed); err != nil {
			return fmt.Errorf("failed to seed database: %w", err)
		}
	}

	go deps.Hub.Run(ctx)

	server := services.NewServer(cfg, deps, log)

	maintenance := services.NewMaintenance(repo, cfg.Webhooks.Retention, log, server.RateLimiters()...)
	if err := maintenance.Start(cfg.Maintenance.Schedule); err != nil {
		return err
	}
	defer maintenance.Stop()

	return server.Start(ctx)
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return gormlogger.Error
	case "warn":
		return gormlogger.Warn
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Silent
	}
}
