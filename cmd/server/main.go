package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/campuschat/internal/auth"
	"github.com/Tyrowin/campuschat/internal/chat"
	"github.com/Tyrowin/campuschat/internal/config"
	"github.com/Tyrowin/campuschat/internal/health"
	"github.com/Tyrowin/campuschat/internal/pipeline"
	"github.com/Tyrowin/campuschat/internal/presence"
	"github.com/Tyrowin/campuschat/internal/presencesync"
	"github.com/Tyrowin/campuschat/internal/rooms"
	"github.com/Tyrowin/campuschat/internal/server"
	"github.com/Tyrowin/campuschat/internal/store/memory"
	"github.com/Tyrowin/campuschat/internal/store/postgres"
	"github.com/Tyrowin/campuschat/internal/workerpool"
)

const defaultConfigPath = "configs/config.yaml"

// backend is everything the core needs from storage.
type backend interface {
	chat.MessageStore
	chat.BlockList
	chat.Profiles
	chat.IdentitySource
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default "+defaultConfigPath+" if present)")
	flag.Parse()

	path := *configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("Failed to load config", "path", path, "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	logger.Info("Starting campuschat server...", "addr", cfg.Server.Addr)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, db, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	redisClient := connectRedis(ctx, cfg.Redis, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = presencesync.ConnectNATS(cfg.NATS.URL, cfg.NATS.MaxReconnects, cfg.NATS.ReconnectWait, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)
	}

	registry := presence.NewRegistry()
	router := rooms.NewRouter(logger.With("component", "router"))

	pool := workerpool.New(cfg.PresenceSync.Workers, cfg.PresenceSync.QueueSize, logger.With("component", "presencesync"))
	defer pool.Shutdown()

	exportOpts := presencesync.Options{
		State:         registry,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		Pool:          pool,
		Logger:        logger.With("component", "presencesync"),
	}
	if redisClient != nil {
		exportOpts.Mirror = presencesync.NewRedisMirror(redisClient, cfg.Redis.PresenceKey)
	}
	if nc != nil {
		exportOpts.Events = nc
	}
	if exporter := presencesync.NewExporter(exportOpts); exporter.Enabled() {
		registry.AddListener(exporter)
	}

	tokens := auth.NewTokenService(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.AccessExpire)
	p := pipeline.New(pipeline.Deps{
		Store:         store,
		Blocks:        store,
		Profiles:      store,
		Publisher:     router,
		Logger:        logger.With("component", "pipeline"),
		MaxTextLength: cfg.Server.MaxTextLength,
	})

	srv := server.New(server.Deps{
		Config:        cfg.Server,
		Authenticator: auth.NewAuthenticator(tokens, store, logger.With("component", "auth")),
		Registry:      registry,
		Router:        router,
		Pipeline:      p,
		Health:        health.NewChecker(db, redisClient, nc, router, registry),
		Logger:        logger.With("component", "server"),
	})

	httpServer := server.CreateServer(cfg.Server, srv.Routes())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, logger)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	var errs []error
	if err := srv.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := server.ShutdownServer(httpServer, cfg.Server.ShutdownTimeout, logger); err != nil {
		errs = append(errs, err)
	}
	logger.Info("Server stopped")
	return errors.Join(errs...)
}

// openStore connects to PostgreSQL when a URL is configured and falls back to
// the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (backend, *pgxpool.Pool, error) {
	if cfg.URL == "" {
		store := memory.New()
		n := seedMemoryStore(store, cfg.SeedUsers)
		if n == 0 {
			logger.Warn("No database configured and no database.seed_users; every handshake will fail with identity not found")
		} else {
			logger.Warn("No database configured; using in-memory store", "seed_users", n)
		}
		return store, nil, nil
	}

	db, err := postgres.Connect(ctx, cfg.URL, func(pc *pgxpool.Config) {
		pc.MaxConns = cfg.MaxConns
		pc.MinConns = cfg.MinConns
		pc.MaxConnLifetime = cfg.MaxConnLifetime
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	})
	if err != nil {
		return nil, nil, err
	}

	store := postgres.New(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Info("Connected to PostgreSQL")
	return store, db, nil
}

// seedMemoryStore loads the configured identities and returns how many it
// stored.
func seedMemoryStore(store *memory.Store, users []config.SeedUser) int {
	for _, u := range users {
		store.PutUser(chat.Identity{
			UserID:      u.ID,
			Email:       u.Email,
			DisplayName: u.DisplayName,
			CollegeID:   u.CollegeID,
		})
	}
	return len(users)
}

// connectRedis returns nil when Redis is not configured. The presence hash is
// cleared because this process is the only writer and starts with nobody
// online.
func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := presencesync.NewRedisMirror(client, cfg.PresenceKey).Clear(ctx); err != nil {
		logger.Warn("Failed to reset presence mirror", "error", err)
	}
	logger.Info("Connected to Redis", "addr", cfg.Addr)
	return client
}
