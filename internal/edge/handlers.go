package edge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lmbridge/lmbridge/internal/auth"
	"github.com/lmbridge/lmbridge/internal/logx"
	"github.com/lmbridge/lmbridge/internal/metrics"
	"github.com/lmbridge/lmbridge/internal/pending"
	"github.com/lmbridge/lmbridge/internal/protocol"
	"github.com/lmbridge/lmbridge/internal/registry"
)

// apiError is the OpenAI-style error body returned by the public API.
type apiError struct {
	Error apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func writeAPIError(w http.ResponseWriter, status int, typ, message string) {
	writeJSON(w, status, apiError{Error: apiErrorDetail{Message: message, Type: typ, Code: status}})
}

// requireAPIKey guards the /v1 surface. A valid worker token is accepted
// interchangeably with the raw API key.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.CheckHTTPCredential(r.Header.Get("Authorization"), s.cfg.APIKey, s.issuer) {
			writeAPIError(w, http.StatusUnauthorized, "api_error", "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, protocol.KindChat)
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, protocol.KindCompletion)
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, protocol.KindEmbeddings)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if payload, ok := s.models.Get(); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
		return
	}
	s.dispatch(w, r, protocol.KindModels)
}

// dispatch forwards one client request to a worker and relays its outcome.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, kind protocol.Kind) {
	var body json.RawMessage
	if r.Method == http.MethodPost {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "Failed to read request body")
			return
		}
		body = b
	}

	stream := false
	if kind == protocol.KindChat || kind == protocol.KindCompletion {
		stream = wantsStream(body)
		if stream && !s.cfg.EnableStreaming {
			body = forceUnary(body)
			stream = false
		}
	}

	wk, ok := s.reg.PickAvailable("")
	if !ok {
		s.writeNoWorkers(w, kind)
		return
	}

	id := uuid.NewString()
	mode := pending.ModeUnary
	if stream {
		mode = pending.ModeStream
	}
	start := time.Now()
	entry := s.tbl.Register(id, kind, mode, wk.ID, s.cfg.TimeoutFor(string(kind), stream))

	frame := protocol.Marshal(protocol.RequestMessage{
		Type:      kind.RequestType(),
		RequestID: id,
		Stream:    stream,
		Data:      body,
	})
	if !wk.TrySend(frame) {
		s.tbl.CancelByClient(id)
		s.writeNoWorkers(w, kind)
		return
	}
	logx.Log.Debug().Str("request_id", id).Str("kind", string(kind)).Str("client_id", wk.ID).Bool("stream", stream).Msg("request dispatched")

	if stream {
		s.relayStream(w, r, id, kind, wk, entry, start)
		return
	}
	s.relayUnary(w, r, id, kind, wk, entry, start)
}

func (s *Server) relayUnary(w http.ResponseWriter, r *http.Request, id string, kind protocol.Kind, wk *registry.Worker, entry *pending.Entry, start time.Time) {
	for {
		select {
		case <-r.Context().Done():
			s.cancelRequest(id, wk)
			return
		case ev := <-entry.Events():
			switch ev.Type {
			case pending.EventResolved:
				metrics.RecordRequest(string(kind), true)
				metrics.ObserveRequestDuration(string(kind), time.Since(start))
				if kind == protocol.KindModels {
					s.models.Set(ev.Data, s.cfg.ModelsCacheTTL)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(ev.Data)
				return
			case pending.EventFailed:
				metrics.RecordRequest(string(kind), false)
				metrics.ObserveRequestDuration(string(kind), time.Since(start))
				s.writeFailure(w, ev.Err)
				return
			case pending.EventChunk:
				// Unary requests do not expect chunks; drop and keep waiting.
			case pending.EventStreamEnd:
				writeAPIError(w, http.StatusBadGateway, "api_error", "Unexpected end of stream")
				return
			}
		}
	}
}

func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, id string, kind protocol.Kind, wk *registry.Worker, entry *pending.Entry, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.cancelRequest(id, wk)
		writeAPIError(w, http.StatusInternalServerError, "api_error", "Streaming unsupported by connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.cancelRequest(id, wk)
			return
		case ev := <-entry.Events():
			switch ev.Type {
			case pending.EventChunk:
				fmt.Fprintf(w, "data: %s\n\n", ev.Data)
				flusher.Flush()
				metrics.RecordStreamChunk()
			case pending.EventStreamEnd:
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				metrics.RecordRequest(string(kind), true)
				metrics.ObserveRequestDuration(string(kind), time.Since(start))
				return
			case pending.EventFailed:
				fmt.Fprintf(w, "data: [ERROR] %s\n\n", ev.Err)
				flusher.Flush()
				metrics.RecordRequest(string(kind), false)
				metrics.ObserveRequestDuration(string(kind), time.Since(start))
				return
			case pending.EventResolved:
				// A worker answered a stream request with a unary body.
				fmt.Fprintf(w, "data: %s\n\n", ev.Data)
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				metrics.RecordRequest(string(kind), true)
				metrics.ObserveRequestDuration(string(kind), time.Since(start))
				return
			}
		}
	}
}

// cancelRequest tells the worker to abort and drops the pending entry.
func (s *Server) cancelRequest(id string, wk *registry.Worker) {
	wk.TrySend(protocol.Marshal(protocol.CancelRequestMessage{
		Type:      protocol.TypeCancelRequest,
		RequestID: id,
	}))
	s.tbl.CancelByClient(id)
	logx.Log.Debug().Str("request_id", id).Msg("request canceled by client")
}

func (s *Server) writeNoWorkers(w http.ResponseWriter, kind protocol.Kind) {
	if kind == protocol.KindModels {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"object":  "list",
			"data":    []any{},
			"message": "No LM Studio clients connected",
		})
		return
	}
	writeAPIError(w, http.StatusServiceUnavailable, "api_error", "No available LM Studio clients")
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var ue *UpstreamError
	switch {
	case errors.Is(err, pending.ErrTimeout):
		writeAPIError(w, http.StatusGatewayTimeout, "timeout_error", "Request timeout")
	case errors.Is(err, pending.ErrWorkerGone):
		writeAPIError(w, http.StatusServiceUnavailable, "api_error", "LM Studio client disconnected")
	case errors.As(err, &ue):
		writeAPIError(w, http.StatusInternalServerError, "api_error", ue.Message)
	default:
		writeAPIError(w, http.StatusInternalServerError, "api_error", err.Error())
	}
}

// wantsStream reports whether the request body asks for streaming.
func wantsStream(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Stream
}

// forceUnary rewrites the body with stream set to false so the worker
// answers with a single response.
func forceUnary(body []byte) json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return body
	}
	m["stream"] = false
	b, err := json.Marshal(m)
	if err != nil {
		return body
	}
	return b
}
