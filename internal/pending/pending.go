package pending

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/lmbridge/lmbridge/internal/logx"
	"github.com/lmbridge/lmbridge/internal/protocol"
)

var (
	// ErrTimeout is delivered when an entry's deadline elapses first.
	ErrTimeout = errors.New("request timeout")
	// ErrWorkerGone is delivered when the owning worker transport closes.
	ErrWorkerGone = errors.New("worker disconnected")
)

// Mode distinguishes unary requests from streaming ones.
type Mode string

const (
	ModeUnary  Mode = "unary"
	ModeStream Mode = "stream"
)

// EventType tags an event delivered to an entry's sink.
type EventType int

const (
	// EventChunk carries one streaming fragment; not terminal.
	EventChunk EventType = iota
	// EventResolved carries the unary response body; terminal.
	EventResolved
	// EventStreamEnd closes a stream; terminal.
	EventStreamEnd
	// EventFailed carries the failure; terminal.
	EventFailed
)

// Event is one delivery on an entry's sink channel.
type Event struct {
	Type EventType
	Data json.RawMessage
	Err  error
}

// Entry is one in-flight request. The HTTP handler owns the receive side
// of Events and must drain until a terminal event arrives.
type Entry struct {
	ID       string
	Kind     protocol.Kind
	Mode     Mode
	WorkerID string

	events chan Event
	done   chan struct{}
	timer  *time.Timer
}

// Events returns the entry's outcome sink.
func (e *Entry) Events() <-chan Event { return e.events }

// Table correlates request ids with their eventual outcomes. All methods
// are safe for concurrent use; each entry receives at most one terminal
// event.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Register creates an entry and arms its deadline. The timer fires
// Fail(id, ErrTimeout) unless a terminal event lands first.
func (t *Table) Register(id string, kind protocol.Kind, mode Mode, workerID string, timeout time.Duration) *Entry {
	e := &Entry{
		ID:       id,
		Kind:     kind,
		Mode:     mode,
		WorkerID: workerID,
		events:   make(chan Event, 32),
		done:     make(chan struct{}),
	}
	t.mu.Lock()
	t.entries[id] = e
	t.mu.Unlock()
	e.timer = time.AfterFunc(timeout, func() { t.Fail(id, ErrTimeout) })
	return e
}

// Len returns the number of in-flight entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Lookup returns the entry for id when still pending.
func (t *Table) Lookup(id string) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e, ok
}

// take removes and returns the entry, making the caller the sole owner of
// its terminal delivery.
func (t *Table) take(id string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return e, ok
}

func (t *Table) deliverTerminal(id, op string, ev Event) {
	e, ok := t.take(id)
	if !ok {
		logx.Log.Warn().Str("request_id", id).Str("op", op).Msg("terminal event for unknown or settled request")
		return
	}
	e.timer.Stop()
	e.events <- ev
	close(e.done)
}

// Resolve delivers a unary response body.
func (t *Table) Resolve(id string, data json.RawMessage) {
	t.deliverTerminal(id, "resolve", Event{Type: EventResolved, Data: data})
}

// Fail delivers an error outcome.
func (t *Table) Fail(id string, err error) {
	t.deliverTerminal(id, "fail", Event{Type: EventFailed, Err: err})
}

// FinishStream delivers the end-of-stream marker.
func (t *Table) FinishStream(id string) {
	t.deliverTerminal(id, "finish_stream", Event{Type: EventStreamEnd})
}

// FeedChunk forwards one streaming fragment. Chunks arriving after a
// terminal event are discarded with a warning.
func (t *Table) FeedChunk(id string, data json.RawMessage) {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if !ok {
		logx.Log.Warn().Str("request_id", id).Msg("stream chunk for unknown or settled request")
		return
	}
	select {
	case e.events <- Event{Type: EventChunk, Data: data}:
	case <-e.done:
	}
}

// CancelByClient removes the entry after the HTTP client went away. No
// event is delivered; there is nobody left to receive it.
func (t *Table) CancelByClient(id string) {
	e, ok := t.take(id)
	if !ok {
		return
	}
	e.timer.Stop()
	close(e.done)
}

// FailAllForWorker fails every entry owned by the given worker and returns
// how many were failed. Called on worker transport close so no entry waits
// for its full deadline.
func (t *Table) FailAllForWorker(workerID string, err error) int {
	t.mu.Lock()
	var victims []*Entry
	for id, e := range t.entries {
		if e.WorkerID == workerID {
			victims = append(victims, e)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()
	for _, e := range victims {
		e.timer.Stop()
		e.events <- Event{Type: EventFailed, Err: err}
		close(e.done)
	}
	return len(victims)
}
