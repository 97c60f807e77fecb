package main

import (
	"chatrelay/backend/internal/api"
	"chatrelay/backend/internal/api/handler"
	"chatrelay/backend/internal/auth"
	"chatrelay/backend/internal/chathub"
	"chatrelay/backend/internal/config"
	"chatrelay/backend/internal/logging"
	"chatrelay/backend/internal/storage"
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.IsDevelopment())
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("relay exited")
	}
	logger.Info().Msg("server stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := setupStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := chathub.NewManagerService(chathub.Options{
		Logger:         logger,
		EchoSender:     cfg.EchoSender,
		History:        store,
		PersistTimeout: cfg.PersistTimeout,
	})

	h := handler.NewHandler(hub, store, auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL), handler.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowAnonymous: cfg.AllowAnonymous,
		Client: chathub.ClientOptions{
			SendBuffer:     cfg.SendBuffer,
			MaxMessageSize: cfg.MaxMessageSize,
			RatePerSecond:  cfg.RateLimitPerSecond,
			RateBurst:      cfg.RateLimitBurst,
		},
		Checks: map[string]handler.PingFunc{
			"database": store.Ping,
			"redis":    store.PingRedis,
		},
	}, logger)

	srv := &http.Server{
		Addr:           cfg.Addr(),
		Handler:        api.NewRouter(logger, h),
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("starting relay server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return hub.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are drained by hub.Run.
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func setupStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storage.Service, error) {
	db, err := storage.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(db); err != nil {
		return nil, err
	}
	logger.Info().Str("driver", cfg.DatabaseDriver).Msg("history database ready")

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = storage.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			// History still works from the database alone.
			logger.Warn().Err(err).Msg("redis unavailable, history cache disabled")
			rdb = nil
		} else {
			logger.Info().Msg("connected to Redis")
		}
	}

	return storage.NewStorageService(db, rdb, cfg.HistoryLimit, cfg.HistoryCacheSize, logger), nil
}
