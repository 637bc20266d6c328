package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/lmbridge/lmbridge/internal/config"
	"github.com/lmbridge/lmbridge/internal/drain"
	"github.com/lmbridge/lmbridge/internal/lmstudio"
	"github.com/lmbridge/lmbridge/internal/logx"
	"github.com/lmbridge/lmbridge/internal/metrics"
	"github.com/lmbridge/lmbridge/internal/protocol"
)

const pingInterval = 30 * time.Second

// ErrAuthRejected means the edge refused this worker's credentials. The
// reconnect loop does not retry after it.
var ErrAuthRejected = errors.New("authentication rejected")

// Worker maintains one outbound connection to the edge and serves the jobs
// arriving over it against the local LM Studio runtime.
type Worker struct {
	cfg config.WorkerConfig
	lm  *lmstudio.Client

	mu        sync.Mutex
	jobs      map[string]context.CancelFunc
	conn      *websocket.Conn
	connected bool
}

func New(cfg config.WorkerConfig) *Worker {
	return &Worker{
		cfg:  cfg,
		lm:   lmstudio.New(cfg.LMStudioBaseURL()),
		jobs: make(map[string]context.CancelFunc),
	}
}

// Connected reports whether the edge session is currently up.
func (w *Worker) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

func (w *Worker) setConnected(v bool) {
	w.mu.Lock()
	w.connected = v
	w.mu.Unlock()
}

// UpstreamHealthy probes the local runtime.
func (w *Worker) UpstreamHealthy(ctx context.Context) bool {
	return w.lm.Healthy(ctx)
}

// Run dials the edge and serves jobs until ctx is canceled, reconnecting
// after transport failures. A rejected authentication stops the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		err := w.session(ctx)
		w.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		logx.Log.Warn().Err(err).Dur("retry_in", w.cfg.ReconnectInterval).Msg("edge connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.ReconnectInterval):
		}
	}
}

func (w *Worker) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, w.cfg.ServerURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.cfg.ServerURL, err)
	}
	conn.SetReadLimit(32 << 20)
	defer conn.CloseNow()

	if err := w.authenticate(ctx, conn); err != nil {
		return err
	}
	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
	}()
	logx.Log.Info().Str("client_id", w.cfg.ClientID).Msg("connected to edge")

	sessCtx, cancelSess := context.WithCancel(ctx)
	defer cancelSess()

	send := make(chan []byte, 64)
	go func() {
		for {
			select {
			case <-sessCtx.Done():
				return
			case frame := <-send:
				wctx, cancel := context.WithTimeout(sessCtx, 10*time.Second)
				err := conn.Write(wctx, websocket.MessageText, frame)
				cancel()
				if err != nil {
					cancelSess()
					return
				}
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sessCtx.Done():
				return
			case <-ticker.C:
				enqueue(sessCtx, send, protocol.Marshal(protocol.PingMessage{
					Type:      protocol.TypePing,
					Timestamp: time.Now().UnixMilli(),
				}))
			}
		}
	}()

	defer w.cancelAllJobs()
	for {
		_, data, err := conn.Read(sessCtx)
		if err != nil {
			return err
		}
		w.handleFrame(sessCtx, send, data)
	}
}

// authenticate sends the auth frame and waits for the edge's verdict.
func (w *Worker) authenticate(ctx context.Context, conn *websocket.Conn) error {
	actx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := conn.Write(actx, websocket.MessageText, protocol.Marshal(protocol.AuthMessage{
		Type:     protocol.TypeAuth,
		APIKey:   w.cfg.APIKey,
		ClientID: w.cfg.ClientID,
	}))
	if err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	_, data, err := conn.Read(actx)
	if err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	var res protocol.AuthResultMessage
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("decode auth result: %w", err)
	}
	if !res.Success {
		logx.Log.Error().Str("reason", res.Error).Msg("edge rejected authentication")
		return ErrAuthRejected
	}
	return nil
}

func (w *Worker) handleFrame(ctx context.Context, send chan []byte, data []byte) {
	env, ok, err := protocol.Peek(data)
	if err != nil || !ok {
		logx.Log.Warn().Str("tag", env.Type).Msg("unknown message type from edge")
		enqueue(ctx, send, protocol.Marshal(protocol.UnknownTypeError(env.Type)))
		return
	}

	switch {
	case env.Type == protocol.TypePing:
		enqueue(ctx, send, protocol.Marshal(protocol.PongMessage{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()}))
	case env.Type == protocol.TypePong, env.Type == protocol.TypeAuthResult:
	case env.Type == protocol.TypeCancelRequest:
		var msg protocol.CancelRequestMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.RequestID == "" {
			return
		}
		w.cancelJob(msg.RequestID)
	case env.Type == protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := json.Unmarshal(data, &msg); err == nil {
			logx.Log.Warn().Str("request_id", msg.RequestID).Str("error", msg.Error).Msg("error from edge")
		}
	default:
		kind, ok := protocol.KindForRequestType(env.Type)
		if !ok {
			enqueue(ctx, send, protocol.Marshal(protocol.UnknownTypeError(env.Type)))
			return
		}
		var msg protocol.RequestMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.RequestID == "" {
			logx.Log.Warn().Err(err).Str("type", env.Type).Msg("malformed request frame")
			return
		}
		if drain.IsDraining() {
			enqueue(ctx, send, protocol.Marshal(protocol.ErrorMessage{
				Type:      protocol.TypeError,
				RequestID: msg.RequestID,
				Error:     "Worker is shutting down",
			}))
			return
		}
		go w.runJob(ctx, send, kind, msg)
	}
}

// runJob executes one request against the local runtime and reports its
// outcome back over the session.
func (w *Worker) runJob(ctx context.Context, send chan []byte, kind protocol.Kind, msg protocol.RequestMessage) {
	timeout := w.cfg.UnaryTimeout
	if msg.Stream {
		timeout = w.cfg.StreamTimeout
	}
	jctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	w.registerJob(msg.RequestID, cancel)
	defer w.unregisterJob(msg.RequestID)

	logx.Log.Debug().Str("request_id", msg.RequestID).Str("kind", string(kind)).Bool("stream", msg.Stream).Msg("job started")

	var err error
	switch {
	case kind == protocol.KindModels:
		err = w.runModels(jctx, send, msg.RequestID)
	case msg.Stream:
		err = w.runStream(jctx, send, kind, msg)
	default:
		err = w.runUnary(jctx, send, kind, msg)
	}

	metrics.RecordWorkerJob(string(kind), err == nil)
	if err != nil {
		if errors.Is(jctx.Err(), context.Canceled) {
			logx.Log.Debug().Str("request_id", msg.RequestID).Msg("job canceled")
			return
		}
		logx.Log.Warn().Str("request_id", msg.RequestID).Err(err).Msg("job failed")
		enqueue(ctx, send, protocol.Marshal(protocol.ErrorMessage{
			Type:      protocol.TypeError,
			RequestID: msg.RequestID,
			Error:     err.Error(),
		}))
	}
}

func (w *Worker) runModels(ctx context.Context, send chan []byte, requestID string) error {
	data, err := w.lm.ListModels(ctx)
	if err != nil {
		return err
	}
	enqueue(ctx, send, protocol.Marshal(protocol.ResponseMessage{
		Type:      protocol.KindModels.ResponseType(),
		RequestID: requestID,
		Data:      data,
	}))
	return nil
}

func (w *Worker) runUnary(ctx context.Context, send chan []byte, kind protocol.Kind, msg protocol.RequestMessage) error {
	data, err := w.lm.Post(ctx, upstreamPath(kind), msg.Data)
	if err != nil {
		return err
	}
	enqueue(ctx, send, protocol.Marshal(protocol.ResponseMessage{
		Type:      kind.ResponseType(),
		RequestID: msg.RequestID,
		Data:      data,
	}))
	return nil
}

func (w *Worker) runStream(ctx context.Context, send chan []byte, kind protocol.Kind, msg protocol.RequestMessage) error {
	err := w.lm.PostStream(ctx, upstreamPath(kind), msg.Data, func(chunk json.RawMessage) error {
		enqueue(ctx, send, protocol.Marshal(protocol.StreamChunkMessage{
			Type:      protocol.TypeStreamChunk,
			RequestID: msg.RequestID,
			Data:      chunk,
		}))
		return ctx.Err()
	})
	if err != nil {
		return err
	}
	enqueue(ctx, send, protocol.Marshal(protocol.StreamEndMessage{
		Type:      protocol.TypeStreamEnd,
		RequestID: msg.RequestID,
	}))
	return nil
}

func upstreamPath(kind protocol.Kind) string {
	switch kind {
	case protocol.KindChat:
		return "/v1/chat/completions"
	case protocol.KindCompletion:
		return "/v1/completions"
	case protocol.KindEmbeddings:
		return "/v1/embeddings"
	}
	return ""
}

func (w *Worker) registerJob(id string, cancel context.CancelFunc) {
	w.mu.Lock()
	w.jobs[id] = cancel
	w.mu.Unlock()
}

func (w *Worker) unregisterJob(id string) {
	w.mu.Lock()
	delete(w.jobs, id)
	w.mu.Unlock()
}

func (w *Worker) cancelJob(id string) {
	w.mu.Lock()
	cancel, ok := w.jobs[id]
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

func (w *Worker) cancelAllJobs() {
	w.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(w.jobs))
	for _, c := range w.jobs {
		cancels = append(cancels, c)
	}
	w.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Drain stops the worker from accepting new jobs, waits for in-flight ones
// to finish (or ctx to expire), then closes the edge session normally.
func (w *Worker) Drain(ctx context.Context) {
	drain.Start()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for w.JobCount() > 0 {
		select {
		case <-ctx.Done():
			w.cancelAllJobs()
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			break
		}
	}
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
}

// JobCount returns the number of in-flight jobs.
func (w *Worker) JobCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.jobs)
}

func enqueue(ctx context.Context, send chan []byte, frame []byte) {
	select {
	case send <- frame:
	case <-ctx.Done():
	}
}
