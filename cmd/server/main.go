// Research API server: backtests and parameter sweeps over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"quantlab/services/clickhouse"
	"quantlab/services/config"
	"quantlab/services/server"
	"quantlab/services/store"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (defaults + env when empty)")
	flag.Parse()

	// Optional .env for local development; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	var bars *clickhouse.Client
	if cfg.ClickHouse.Addr != "" {
		bars, err = clickhouse.Open(ctx, clickhouse.Options{
			Addr:     cfg.ClickHouse.Addr,
			Database: cfg.ClickHouse.Database,
			Table:    cfg.ClickHouse.Table,
			Username: cfg.ClickHouse.User,
			Password: cfg.ClickHouse.Password,
		}, logger)
		if err != nil {
			logger.Warn("clickhouse unavailable, csv-only mode", zap.Error(err))
			bars = nil
		} else {
			defer bars.Close()
			if err := bars.EnsureSchema(ctx); err != nil {
				logger.Warn("clickhouse schema check failed", zap.Error(err))
			}
		}
	}

	var journal *store.SweepJournal
	if cfg.Storage.JournalPath != "" {
		journal, err = store.NewSweepJournal(cfg.Storage.JournalPath)
		if err != nil {
			logger.Warn("sweep journal unavailable", zap.Error(err))
		} else {
			defer journal.Close()
		}
	}

	svc := server.New(cfg, logger, bars, journal)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: svc.Router()}

	go func() {
		logger.Info("starting http server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func buildLogger(cfg config.Logging) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("bad log level %q: %w", cfg.Level, err)
		}
		zc.Level = lvl
	}
	return zc.Build()
}
