package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/crossrequest/internal/api"
	"github.com/shehryarbajwa/crossrequest/internal/broker"
	"github.com/shehryarbajwa/crossrequest/internal/config"
	"github.com/shehryarbajwa/crossrequest/internal/logging"
	"github.com/shehryarbajwa/crossrequest/internal/metrics"
	"github.com/shehryarbajwa/crossrequest/internal/proxy"
	"github.com/shehryarbajwa/crossrequest/internal/settings"
	"github.com/shehryarbajwa/crossrequest/internal/storage"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Development = cfg.Logging.Development
	logCfg.File = cfg.Logging.File
	logger, err := logging.New(logCfg)
	if err != nil {
		logger = logging.NewDefault()
		logger.Warn("invalid logging config, using defaults", zap.Error(err))
	}
	defer logger.Sync()

	logger.Info("starting crossrequest broker")

	// Settings persistence
	db, err := storage.Open(cfg.Storage.DSN, logger)
	if err != nil {
		logger.Fatal("failed to open storage", zap.String("dsn", cfg.Storage.DSN), zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := settings.New(db, logger)
	if cfg.Settings.SeedFile != "" {
		if err := store.Seed(cfg.Settings.SeedFile); err != nil {
			logger.Fatal("failed to seed settings", zap.Error(err))
		}
	}
	if err := store.Load(ctx); err != nil {
		logger.Fatal("failed to load settings", zap.Error(err))
	}
	store.Watch(ctx)
	logger.Info("settings loaded", zap.Any("config", store.Get()))

	m := metrics.New()
	b := broker.New(store, broker.WithMetrics(m), broker.WithLogger(logger))
	proxyServer := proxy.NewServer(b, m, logger)

	router := api.NewHandler(store, b.Rules(), logger).SetupRoutes(proxyServer, m)

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Relays first, so bridges see the invalidation close code
	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relay shutdown incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
