package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lmbridge/lmbridge/internal/config"
	"github.com/lmbridge/lmbridge/internal/logx"
	"github.com/lmbridge/lmbridge/internal/metrics"
	"github.com/lmbridge/lmbridge/internal/worker"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	var cfg config.WorkerConfig
	cfg.SetDefaults()
	cfg.ApplyEnv()
	cfg.BindFlags()
	flag.Parse()
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config file")
		}
		// Environment settings win over file contents.
		cfg.ApplyEnv()
	}
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}
	logx.Configure(cfg.LogLevel)

	promReg := prometheus.NewRegistry()
	metrics.Register(promReg)
	metrics.SetBuildInfo("worker", version, buildSHA, buildDate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := worker.New(cfg)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logx.Log.Info().Msg("shutdown signal received, draining")
		dctx, dcancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer dcancel()
		w.Drain(dctx)
		cancel()
	}()
	if cfg.HealthCheckPort > 0 {
		addr, err := worker.StartHealthServer(ctx, fmt.Sprintf(":%d", cfg.HealthCheckPort), w, promReg)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("health server failed to start")
		}
		logx.Log.Info().Str("addr", addr).Msg("health server listening")
	}

	logx.Log.Info().
		Str("version", version).
		Str("client_id", cfg.ClientID).
		Str("server_url", cfg.ServerURL).
		Str("lm_studio", cfg.LMStudioBaseURL()).
		Msg("worker starting")
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logx.Log.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
	logx.Log.Info().Msg("worker stopped")
}
