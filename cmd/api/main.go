package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/botdock/botdock/internal/app/migrate"
	httpx "github.com/botdock/botdock/internal/http"
	"github.com/botdock/botdock/internal/installer"
	"github.com/botdock/botdock/internal/repository/postgres"
	"github.com/botdock/botdock/internal/service/bot"
	"github.com/botdock/botdock/internal/service/deployment"
	"github.com/botdock/botdock/internal/service/logs"
	"github.com/botdock/botdock/internal/storage"
	"github.com/botdock/botdock/internal/supervisor"
	"github.com/botdock/botdock/internal/ws"
	"github.com/botdock/botdock/pkg/config"
	"github.com/botdock/botdock/pkg/logger"
)

func main() {
	cfg := config.LoadPlatformConfig()
	log := logger.New("api", cfg.Environment, logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	locator, err := storage.New(cfg.BotStorageDir)
	if err != nil {
		log.Error("failed to prepare bot storage root", "error", err, "dir", cfg.BotStorageDir)
		os.Exit(1)
	}

	logHub := ws.NewHub()
	sink := logs.New(repo, locator, logHub, log, cfg.LogMirrorFileName)
	recorder := deployment.New(repo, log)
	npm := installer.New(cfg.NpmBinary, cfg.InstallTimeout)

	super := supervisor.New(repo, repo, recorder, sink, npm, locator, log, supervisor.Options{
		NodeBinary:   cfg.NodeBinary,
		GracePeriod:  cfg.RestartGracePeriod,
		EnvSecretKey: cfg.EnvEncryptionKey,
	})

	botSvc := bot.New(repo, repo, recorder, sink, locator, super, log, cfg.EnvEncryptionKey)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, botSvc, logHub, limiter, cfg.MaxUploadBytes, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
