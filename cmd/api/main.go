package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"collabwiki/api/internal/app"
	"collabwiki/api/internal/auth"
	"collabwiki/api/internal/collab"
	"collabwiki/api/internal/config"
	"collabwiki/api/internal/pubsub"
	"collabwiki/api/internal/ratelimit"
	"collabwiki/api/internal/search"
	"collabwiki/api/internal/store"
	"collabwiki/api/internal/transport"
	"collabwiki/api/internal/util"
)

const shutdownTimeout = 30 * time.Second

// contentStore is where page snapshots are written and read back.
type contentStore interface {
	collab.Persister
	transport.SnapshotLoader
}

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal("database connection failed", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		fatal("migrations failed", err)
	}

	pages := store.NewPostgresStore(db)
	checks := map[string]app.Pinger{"database": pages}
	var content contentStore = pages
	if cfg.ContentStore == "mongo" {
		mongoStore, err := store.OpenMongo(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			fatal("mongo connection failed", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoStore.Close(closeCtx)
		}()
		content = mongoStore
		checks["content_store"] = mongoStore
		slog.Info("using mongo for page content", "database", cfg.MongoDatabase)
	}

	var fabric pubsub.Fabric
	verifier := auth.NewVerifier(cfg.JWTSecret, nil)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			fatal("invalid REDIS_URL", err)
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			fatal("redis connection failed", err)
		}
		nodeID := util.NewID("node")
		fabric = pubsub.NewRedis(redisClient, nodeID)
		verifier = auth.NewVerifier(cfg.JWTSecret, auth.NewRedisRevocations(redisClient))
		checks["redis"] = redisPinger{redisClient}
		slog.Info("using redis room fabric", "node_id", nodeID)
	}

	opts := collab.Options{
		DebounceSave:     cfg.DebounceSave,
		SnapshotInterval: cfg.SnapshotInterval,
		DocTTL:           cfg.DocTTL,
		SaveTimeout:      cfg.SaveTimeout,
		MaxDocs:          cfg.MaxDocs,
		MaxClientsPerDoc: cfg.MaxClientsPerDoc,
		SavesPerMinute:   cfg.SavesPerMinute,
	}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meili.Close()
		indexer := search.NewService(meili, 256)
		defer indexer.Close()
		opts.OnSaved = indexer.PageSaved
	}

	registry := collab.NewRegistry(opts, content)
	hub := transport.NewHub(registry, pages, content, transport.HubOptions{
		Limits: ratelimit.Limits{
			Change: cfg.ChangeRate,
			Cursor: cfg.CursorRate,
			Typing: cfg.TypingRate,
		},
		Fabric: fabric,
	})
	if err := hub.Start(ctx); err != nil {
		fatal("room fabric failed to start", err)
	}
	wsServer := transport.NewServer(hub, verifier, transport.ServerOptions{
		AuthRequired:   cfg.AuthRequired,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	httpServer := app.NewHTTPServer(app.Options{
		CORSOrigin:  cfg.CORSOrigin,
		Checks:      checks,
		Sessions:    registry,
		Connections: hub,
		Websocket:   wsServer,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("collab API listening", "addr", cfg.Addr, "auth_required", cfg.AuthRequired)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	hub.Close()
	if err := registry.Close(shutdownCtx); err != nil {
		slog.Error("flush collab sessions", "error", err)
	}
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func parseLevel(value string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
