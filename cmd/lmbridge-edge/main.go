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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lmbridge/lmbridge/internal/config"
	"github.com/lmbridge/lmbridge/internal/drain"
	"github.com/lmbridge/lmbridge/internal/edge"
	"github.com/lmbridge/lmbridge/internal/logx"
	"github.com/lmbridge/lmbridge/internal/metrics"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	var cfg config.EdgeConfig
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
	metrics.SetBuildInfo("edge", version, buildSHA, buildDate)

	s, err := edge.NewServer(cfg, promReg)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("edge setup failed")
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		drain.Start()
		logx.Log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logx.Log.Error().Err(err).Msg("forced shutdown")
			os.Exit(1)
		}
	}()

	logx.Log.Info().
		Str("version", version).
		Str("addr", srv.Addr).
		Str("ws_path", cfg.WSPath).
		Bool("streaming", cfg.EnableStreaming).
		Msg("edge starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("edge server error")
	}
}
