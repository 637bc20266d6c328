package edge

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lmbridge/lmbridge/internal/auth"
	"github.com/lmbridge/lmbridge/internal/config"
	"github.com/lmbridge/lmbridge/internal/drain"
	"github.com/lmbridge/lmbridge/internal/logx"
	"github.com/lmbridge/lmbridge/internal/pending"
	"github.com/lmbridge/lmbridge/internal/registry"
)

// Server wires the public HTTP API to the worker transport.
type Server struct {
	cfg     config.EdgeConfig
	reg     *registry.Registry
	tbl     *pending.Table
	issuer  *auth.Issuer
	models  modelsCache
	limiter *RateLimiter
	promReg *prometheus.Registry
}

func NewServer(cfg config.EdgeConfig, promReg *prometheus.Registry) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		reg:     registry.New(),
		tbl:     pending.NewTable(),
		issuer:  auth.NewIssuer(cfg.JWTSecret, cfg.JWTExpiresIn),
		promReg: promReg,
	}
	if cfg.RateLimitRPM > 0 {
		store := CounterStore(NewMemoryCounters())
		if cfg.RedisURL != "" {
			rc, err := NewRedisCounters(cfg.RedisURL)
			if err != nil {
				return nil, err
			}
			store = rc
		}
		s.limiter = NewRateLimiter(store, cfg.RateLimitRPM)
	}
	return s, nil
}

// Registry exposes the worker registry for status reporting and tests.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Pending exposes the in-flight request table for status reporting and tests.
func (s *Server) Pending() *pending.Table { return s.tbl }

// Router builds the edge HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if s.promReg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}
	r.Get(s.cfg.WSPath, s.HandleWorkerWS)

	r.Route("/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}))
		r.Use(rejectWhileDraining)
		r.Use(s.requireAPIKey)
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/completions", s.handleCompletions)
		r.Post("/embeddings", s.handleEmbeddings)
		r.Get("/models", s.handleModels)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if drain.IsDraining() {
		status = "draining"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// rejectWhileDraining turns away new API requests once shutdown has begun;
// in-flight requests run to completion.
func rejectWhileDraining(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if drain.IsDraining() {
			writeAPIError(w, http.StatusServiceUnavailable, "api_error", "Server is shutting down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type workerStatus struct {
	ClientID   string    `json:"clientId"`
	Alive      bool      `json:"alive"`
	LastPongAt time.Time `json:"lastPongAt"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	workers := s.reg.All()
	out := make([]workerStatus, 0, len(workers))
	for _, wk := range workers {
		out = append(out, workerStatus{
			ClientID:   wk.ID,
			Alive:      wk.Alive(),
			LastPongAt: wk.LastPongAt(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workers":         out,
		"workerCount":     len(out),
		"pendingRequests": s.tbl.Len(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logx.Log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
