package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/deeplooplabs/weather-gateway/app"
	"github.com/deeplooplabs/weather-gateway/config"
	"github.com/deeplooplabs/weather-gateway/logging"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file (default $"+config.EnvConfigFile+")")
	envFile := flag.String("env-file", ".env", "path to an optional .env file")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintln(os.Stderr, "weather-gateway:", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, &app.Options{Version: version})
	if err != nil {
		logger.Error("failed to start", zap.Error(err))
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close backend", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	logger.Info("starting weather-gateway",
		zap.String("version", version),
		zap.String("store", cfg.Store.Driver),
		zap.String("unit_group", cfg.Upstream.UnitGroup),
		zap.Duration("cache_ttl", cfg.Cache.TTL),
		zap.String("rate_limit", cfg.RateLimit.Rate),
	)
	return app.Serve(ctx, srv, cfg.Server.ShutdownTimeout, logger)
}
