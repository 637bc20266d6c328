package worker

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lmbridge/lmbridge/internal/drain"
	"github.com/lmbridge/lmbridge/internal/logx"
)

// StartHealthServer starts the local health endpoint and returns the
// address it is listening on. It shuts down when ctx is canceled.
func StartHealthServer(ctx context.Context, addr string, w *Worker, promReg *prometheus.Registry) (string, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		connected := w.Connected()
		upstream := w.UpstreamHealthy(r.Context())
		status := "ok"
		if !connected || !upstream {
			status = "degraded"
		}
		if drain.IsDraining() {
			status = "draining"
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{
			"status":          status,
			"connected":       connected,
			"authenticated":   connected,
			"lmStudioHealthy": upstream,
			"activeJobs":      w.JobCount(),
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		})
	})
	if promReg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	}

	srv := &http.Server{Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	actual := ln.Addr().String()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logx.Log.Error().Err(err).Str("addr", actual).Msg("health server error")
		}
	}()
	return actual, nil
}
