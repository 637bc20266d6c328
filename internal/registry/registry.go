package registry

import (
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Worker is one connected worker transport. A single goroutine drains Send
// and writes to the connection, so frames from concurrent requests never
// interleave.
type Worker struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	mu            sync.Mutex
	authenticated bool
	alive         bool
	lastPongAt    time.Time
	closed        bool
}

// NewWorker wraps an accepted connection. The caller starts the writer
// goroutine draining Send.
func NewWorker(id string, conn *websocket.Conn) *Worker {
	return &Worker{
		ID:            id,
		Conn:          conn,
		Send:          make(chan []byte, 32),
		authenticated: true,
		alive:         true,
		lastPongAt:    time.Now(),
	}
}

// TrySend queues a frame without blocking. It reports false when the
// worker is gone or its send buffer is full.
func (w *Worker) TrySend(frame []byte) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.mu.Unlock()
	select {
	case w.Send <- frame:
		return true
	default:
		return false
	}
}

// Open reports whether the transport is still usable.
func (w *Worker) Open() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed
}

// Authenticated reports whether the auth gate admitted this worker.
func (w *Worker) Authenticated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.authenticated
}

// SetAlive records the outcome of a liveness sweep.
func (w *Worker) SetAlive(v bool) {
	w.mu.Lock()
	w.alive = v
	w.mu.Unlock()
}

// Alive reports whether a pong arrived since the last sweep.
func (w *Worker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive
}

// TouchPong marks the worker alive and stamps lastPongAt.
func (w *Worker) TouchPong() {
	w.mu.Lock()
	w.alive = true
	w.lastPongAt = time.Now()
	w.mu.Unlock()
}

// LastPongAt returns the time of the most recent pong.
func (w *Worker) LastPongAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastPongAt
}

// Close marks the worker unusable and closes the transport. Safe to call
// more than once.
func (w *Worker) Close(code websocket.StatusCode, reason string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	if w.Conn != nil {
		_ = w.Conn.Close(code, reason)
	}
}

// Registry tracks connected workers keyed by client id, preserving
// insertion order for selection.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
	order   []string
}

func New() *Registry {
	return &Registry{workers: make(map[string]*Worker)}
}

// Add registers a worker and reports whether it replaced an existing one.
// The replaced transport is closed with code 1000 and reason "replaced".
func (r *Registry) Add(w *Worker) bool {
	r.mu.Lock()
	prev, existed := r.workers[w.ID]
	r.workers[w.ID] = w
	if !existed {
		r.order = append(r.order, w.ID)
	}
	r.mu.Unlock()
	if existed {
		prev.Close(websocket.StatusNormalClosure, "replaced")
	}
	return existed
}

// Remove drops a worker, but only if the registered record is the one
// given; a replaced transport must not evict its successor.
func (r *Registry) Remove(w *Worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.workers[w.ID]
	if !ok || cur != w {
		return false
	}
	delete(r.workers, w.ID)
	for i, id := range r.order {
		if id == w.ID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get looks up a worker by client id.
func (r *Registry) Get(id string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// PickAvailable returns the first worker whose transport is open and
// authenticated. modelHint is accepted for forward compatibility and
// currently ignored.
func (r *Registry) PickAvailable(modelHint string) (*Worker, bool) {
	_ = modelHint
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		w := r.workers[id]
		if w.Open() && w.Authenticated() {
			return w, true
		}
	}
	return nil, false
}

// All returns the current workers in insertion order.
func (r *Registry) All() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Worker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.workers[id])
	}
	return out
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
