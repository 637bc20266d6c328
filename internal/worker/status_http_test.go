package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lmbridge/lmbridge/internal/config"
	"github.com/lmbridge/lmbridge/internal/lmstudio"
	"github.com/lmbridge/lmbridge/internal/metrics"
)

func TestHealthServer(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer upstream.Close()

	var cfg config.WorkerConfig
	cfg.SetDefaults()
	cfg.ServerURL = "ws://unused/ws"
	cfg.APIKey = "k"
	cfg.ClientID = "w1"
	w := New(cfg)
	w.lm = lmstudio.New(upstream.URL)

	promReg := prometheus.NewRegistry()
	metrics.Register(promReg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := StartHealthServer(ctx, "127.0.0.1:0", w, promReg)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Status          string `json:"status"`
		Connected       bool   `json:"connected"`
		LMStudioHealthy bool   `json:"lmStudioHealthy"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	// Not connected to an edge yet, so degraded even with a healthy runtime.
	if body.Status != "degraded" || body.Connected || !body.LMStudioHealthy {
		t.Fatalf("health %+v", body)
	}

	mresp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	mresp.Body.Close()
	if mresp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", mresp.StatusCode)
	}
}
