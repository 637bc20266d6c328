package edge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/lmbridge/lmbridge/internal/logx"
	"github.com/lmbridge/lmbridge/internal/metrics"
	"github.com/lmbridge/lmbridge/internal/pending"
	"github.com/lmbridge/lmbridge/internal/protocol"
	"github.com/lmbridge/lmbridge/internal/registry"
)

// UpstreamError is a failure reported by the worker for a specific request.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string { return e.Message }

// HandleWorkerWS upgrades the connection and runs the worker session until
// the socket closes or authentication fails.
func (s *Server) HandleWorkerWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		logx.Log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	conn.SetReadLimit(32 << 20)

	ctx := context.Background()
	wk, ok := s.authenticate(ctx, conn)
	if !ok {
		return
	}
	defer s.teardown(wk)

	writeCtx, cancelWrite := context.WithCancel(ctx)
	defer cancelWrite()
	go writeLoop(writeCtx, wk)
	go s.superviseLiveness(writeCtx, wk)

	s.readLoop(ctx, wk)
}

// authenticate reads the first frame and enforces the auth gate. On success
// the worker is registered and an auth_result carrying a token is queued.
func (s *Server) authenticate(ctx context.Context, conn *websocket.Conn) (*registry.Worker, bool) {
	authCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, data, err := conn.Read(authCtx)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "Authentication required")
		return nil, false
	}

	env, ok, err := protocol.Peek(data)
	if err != nil || !ok || env.Type != protocol.TypeAuth {
		writeRaw(ctx, conn, protocol.Marshal(protocol.ErrorMessage{
			Type:  protocol.TypeError,
			Error: "Authentication required",
		}))
		conn.Close(websocket.StatusPolicyViolation, "Authentication required")
		return nil, false
	}

	var msg protocol.AuthMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.APIKey != s.cfg.APIKey {
		writeRaw(ctx, conn, protocol.Marshal(protocol.AuthResultMessage{
			Type:  protocol.TypeAuthResult,
			Error: "Invalid API key",
		}))
		conn.Close(websocket.StatusPolicyViolation, "Authentication failed")
		return nil, false
	}
	if msg.ClientID == "" {
		writeRaw(ctx, conn, protocol.Marshal(protocol.AuthResultMessage{
			Type:  protocol.TypeAuthResult,
			Error: "Client ID required",
		}))
		conn.Close(websocket.StatusPolicyViolation, "Authentication failed")
		return nil, false
	}

	token, err := s.issuer.Issue(msg.ClientID)
	if err != nil {
		logx.Log.Error().Err(err).Msg("token issue failed")
		conn.Close(websocket.StatusInternalError, "token issue failed")
		return nil, false
	}

	wk := registry.NewWorker(msg.ClientID, conn)
	replaced := s.reg.Add(wk)
	if replaced {
		logx.Log.Info().Str("client_id", msg.ClientID).Msg("worker replaced by new connection")
		metrics.RecordWorkerReplacement()
	}
	metrics.SetConnectedWorkers(s.reg.Count())
	logx.Log.Info().Str("client_id", msg.ClientID).Msg("worker authenticated")

	wk.TrySend(protocol.Marshal(protocol.AuthResultMessage{
		Type:    protocol.TypeAuthResult,
		Success: true,
		Token:   token,
	}))
	return wk, true
}

func (s *Server) teardown(wk *registry.Worker) {
	wk.Close(websocket.StatusNormalClosure, "")
	if s.reg.Remove(wk) {
		metrics.SetConnectedWorkers(s.reg.Count())
	}
	failed := s.tbl.FailAllForWorker(wk.ID, pending.ErrWorkerGone)
	if failed > 0 {
		logx.Log.Warn().Str("client_id", wk.ID).Int("requests", failed).Msg("failed in-flight requests after worker disconnect")
	}
	logx.Log.Info().Str("client_id", wk.ID).Msg("worker disconnected")
}

// writeLoop is the sole writer for the socket.
func writeLoop(ctx context.Context, wk *registry.Worker) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-wk.Send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wk.Conn.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				logx.Log.Debug().Str("client_id", wk.ID).Err(err).Msg("worker write failed")
				wk.Conn.CloseNow()
				return
			}
		}
	}
}

// superviseLiveness pings the worker every interval and terminates the
// connection when a pong is not observed within a full cycle.
func (s *Server) superviseLiveness(ctx context.Context, wk *registry.Worker) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !wk.Alive() {
				logx.Log.Warn().Str("client_id", wk.ID).Msg("worker unresponsive, terminating")
				wk.Conn.CloseNow()
				return
			}
			wk.SetAlive(false)
			go func() {
				pctx, cancel := context.WithTimeout(ctx, s.cfg.PingInterval)
				defer cancel()
				if err := wk.Conn.Ping(pctx); err == nil {
					wk.TouchPong()
				}
			}()
		}
	}
}

func (s *Server) readLoop(ctx context.Context, wk *registry.Worker) {
	for {
		_, data, err := wk.Conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				logx.Log.Debug().Str("client_id", wk.ID).Err(err).Msg("worker read error")
			}
			return
		}
		s.handleFrame(wk, data)
	}
}

func (s *Server) handleFrame(wk *registry.Worker, data []byte) {
	env, ok, err := protocol.Peek(data)
	if err != nil || !ok {
		tag := env.Type
		logx.Log.Warn().Str("client_id", wk.ID).Str("tag", tag).Msg("unknown message type")
		wk.TrySend(protocol.Marshal(protocol.UnknownTypeError(tag)))
		return
	}

	switch {
	case env.Type == protocol.TypePing:
		wk.TouchPong()
		wk.TrySend(protocol.Marshal(protocol.PongMessage{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()}))
	case env.Type == protocol.TypePong:
		wk.TouchPong()
	case protocol.IsResponseType(env.Type):
		if env.RequestID == "" {
			logx.Log.Warn().Str("client_id", wk.ID).Str("type", env.Type).Msg("response frame without requestId")
			return
		}
		var msg protocol.ResponseMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logx.Log.Warn().Str("client_id", wk.ID).Err(err).Msg("malformed response frame")
			return
		}
		s.tbl.Resolve(msg.RequestID, msg.Data)
	case env.Type == protocol.TypeStreamChunk:
		if env.RequestID == "" {
			logx.Log.Warn().Str("client_id", wk.ID).Msg("stream chunk without requestId")
			return
		}
		var msg protocol.StreamChunkMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logx.Log.Warn().Str("client_id", wk.ID).Err(err).Msg("malformed stream chunk")
			return
		}
		s.tbl.FeedChunk(msg.RequestID, msg.Data)
	case env.Type == protocol.TypeStreamEnd:
		if env.RequestID == "" {
			logx.Log.Warn().Str("client_id", wk.ID).Msg("stream end without requestId")
			return
		}
		s.tbl.FinishStream(env.RequestID)
	case env.Type == protocol.TypeError || env.Type == protocol.TypeErrorResponse:
		var msg protocol.ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logx.Log.Warn().Str("client_id", wk.ID).Err(err).Msg("malformed error frame")
			return
		}
		if msg.RequestID == "" {
			logx.Log.Warn().Str("client_id", wk.ID).Str("error", msg.Error).Msg("worker reported error without requestId")
			return
		}
		s.tbl.Fail(msg.RequestID, &UpstreamError{Message: msg.Error})
	default:
		wk.TrySend(protocol.Marshal(protocol.UnknownTypeError(env.Type)))
	}
}

func writeRaw(ctx context.Context, conn *websocket.Conn, b []byte) {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, b); err != nil {
		logx.Log.Debug().Err(err).Msg("write failed")
	}
}
