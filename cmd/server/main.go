package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JuanPabloHerrera/openapi/internal/app"
	"github.com/JuanPabloHerrera/openapi/internal/buildinfo"
	"github.com/JuanPabloHerrera/openapi/internal/config"
	"github.com/JuanPabloHerrera/openapi/internal/platform/logger"
	"github.com/JuanPabloHerrera/openapi/internal/platform/otel"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Color:  cfg.Server.Env == "development",
	})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("Starting reseller gateway",
		zap.String("version", buildinfo.Normalized()),
		zap.String("env", cfg.Server.Env),
		zap.String("upstream", cfg.Upstream.BaseURL),
	)
	if cfg.Upstream.APIKey == "" {
		log.Warn("No upstream API key configured; upstream calls will be rejected")
	}

	go checkForUpdates(log)

	if cfg.Tracing.Enabled {
		shutdown, err := otel.InitTracer(cfg.Tracing.ServiceName, buildinfo.Normalized(), log, os.Stdout)
		if err != nil {
			log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to build gateway", zap.Error(err))
	}

	srv := a.Server.HTTPServer()

	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Shutting down", zap.String("signal", sig.String()))

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = app.DrainTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		log.Error("Failed to drain background work", zap.Error(err))
	}

	log.Info("Server exited")
}

func checkForUpdates(log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	latest, err := buildinfo.CheckForUpdates(ctx, &http.Client{Timeout: 2 * time.Second}, buildinfo.ReleasesURL)
	if err != nil || latest == "" {
		return
	}
	log.Warn("A newer release is available",
		zap.String("current", buildinfo.Normalized()),
		zap.String("latest", latest),
	)
}
