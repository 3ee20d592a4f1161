// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cheri-hub/sicar-api/internal/config"
	"github.com/cheri-hub/sicar-api/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Options{
		JSON:  cfg.LogJSON || cfg.GinMode == gin.ReleaseMode,
		Level: cfg.LogLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Errorw("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(cfg, log)
	if err != nil {
		return err
	}
	if err := svc.start(ctx, cfg); err != nil {
		svc.shutdown(context.Background())
		return err
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(cfg, log, svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("Starting API server", "addr", server.Addr, "mode", cfg.GinMode, "version", cfg.AppVersion)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Infow("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			svc.shutdown(context.Background())
			return errors.Wrap(err, "failed to start server")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 新規リクエストを止めてから、スケジューラーとダウンロードを止める
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("HTTP server shutdown incomplete", "error", err)
	}
	svc.shutdown(shutdownCtx)
	log.Infow("Server shutdown complete")
	return nil
}
