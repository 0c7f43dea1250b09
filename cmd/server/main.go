// Battleship Arena 對戰協調服務
//
// 即時雙人海戰棋的會話協調器：配對佇列、房間生命週期、
// 斷線重連、限流防護，以及可選的分散式狀態鏡像。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/battleship-arena/internal/config"
	"github.com/koopa0/battleship-arena/internal/coordinator"
	"github.com/koopa0/battleship-arena/internal/limiter"
	"github.com/koopa0/battleship-arena/internal/queue"
	"github.com/koopa0/battleship-arena/internal/room"
	"github.com/koopa0/battleship-arena/internal/server"
	"github.com/koopa0/battleship-arena/internal/store"
	"github.com/koopa0/battleship-arena/internal/telemetry"
	"github.com/koopa0/battleship-arena/internal/token"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	ctx := context.Background()

	// Redis（可選）：連不上時警告並退化為單機模式
	var redisClient *redis.Client
	var adapter *store.Adapter
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, running single-instance", "error", err)
			_ = redisClient.Close()
			redisClient = nil
		} else {
			adapter = store.NewAdapter(redisClient, cfg.Store, logger)
			logger.Info("distributed mode enabled", "redis", cfg.Redis.Addr)
		}
		cancel()
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Postgres 遙測（可選）：連不上時警告並丟棄事件
	var sink telemetry.Sink = telemetry.NopSink{}
	if cfg.Postgres.DSN != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pgSink, err := telemetry.NewPostgresSink(connectCtx, cfg.Postgres.DSN, logger)
		cancel()
		if err != nil {
			logger.Warn("postgres unreachable, telemetry disabled", "error", err)
		} else {
			sink = pgSink
			logger.Info("telemetry sink enabled")
		}
	}
	defer sink.Close()

	tokens := token.NewService(cfg.TokenTTL)
	q := queue.NewManager(tokens, logger)
	rooms := room.NewRegistry(tokens, logger)

	guard := limiter.NewGuard(cfg.Limiter, logger)
	if redisClient != nil {
		guard.Shared = limiter.NewDistributedWindow(redisClient, cfg.Shared.Limit, cfg.Shared.Window)
	}

	hub := server.NewHub(logger)
	svc := coordinator.NewService(cfg.Coordinator, q, rooms, tokens, guard, adapter, sink, hub, logger)
	hub.Bind(svc)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go svc.Run(sweepCtx)

	api := server.NewAPI(hub, svc, adapter, logger)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Server.Addr)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}

	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig)

		stopSweep()

		// 優雅關機標記：留在共享儲存的在場標記從此可被判定為殘影
		if adapter != nil {
			markCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := adapter.MarkGracefulShutdown(markCtx, time.Now()); err != nil {
				logger.Warn("failed to mark graceful shutdown", "error", err)
			}
			cancel()
		}

		hub.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				logger.Error("failed to force close server", "error", closeErr)
			}
		}
	}

	logger.Info("server stopped")
}

// buildLogger 依設定建立結構化日誌
func buildLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// parseLogLevel 解析日誌級別
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
