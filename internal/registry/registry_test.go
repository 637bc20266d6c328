package registry

import (
	"testing"

	"github.com/coder/websocket"
)

func TestAddReplacesExisting(t *testing.T) {
	r := New()
	w1 := NewWorker("c1", nil)
	w2 := NewWorker("c1", nil)
	r.Add(w1)
	r.Add(w2)

	if r.Count() != 1 {
		t.Fatalf("count = %d, want 1", r.Count())
	}
	if w1.Open() {
		t.Fatal("replaced worker should be closed")
	}
	got, ok := r.Get("c1")
	if !ok || got != w2 {
		t.Fatal("registry should hold the replacement")
	}
}

func TestRemoveIgnoresStaleRecord(t *testing.T) {
	r := New()
	w1 := NewWorker("c1", nil)
	w2 := NewWorker("c1", nil)
	r.Add(w1)
	r.Add(w2)

	// The replaced transport's cleanup must not evict its successor.
	r.Remove(w1)
	if _, ok := r.Get("c1"); !ok {
		t.Fatal("successor evicted by stale remove")
	}
	r.Remove(w2)
	if r.Count() != 0 {
		t.Fatalf("count = %d, want 0", r.Count())
	}
}

func TestPickAvailableSkipsClosed(t *testing.T) {
	r := New()
	w1 := NewWorker("c1", nil)
	w2 := NewWorker("c2", nil)
	r.Add(w1)
	r.Add(w2)

	got, ok := r.PickAvailable("")
	if !ok || got != w1 {
		t.Fatalf("expected first worker, got %v ok=%v", got, ok)
	}

	w1.Close(websocket.StatusNormalClosure, "bye")
	got, ok = r.PickAvailable("")
	if !ok || got != w2 {
		t.Fatalf("expected second worker after close, got %v ok=%v", got, ok)
	}

	w2.Close(websocket.StatusNormalClosure, "bye")
	if _, ok := r.PickAvailable(""); ok {
		t.Fatal("no worker should be available")
	}
}

func TestTrySend(t *testing.T) {
	w := NewWorker("c1", nil)
	if !w.TrySend([]byte("x")) {
		t.Fatal("send on open worker should succeed")
	}
	w.Close(websocket.StatusNormalClosure, "bye")
	if w.TrySend([]byte("x")) {
		t.Fatal("send on closed worker should fail")
	}
}

func TestPongTracking(t *testing.T) {
	w := NewWorker("c1", nil)
	w.SetAlive(false)
	if w.Alive() {
		t.Fatal("expected not alive after sweep")
	}
	before := w.LastPongAt()
	w.TouchPong()
	if !w.Alive() {
		t.Fatal("expected alive after pong")
	}
	if w.LastPongAt().Before(before) {
		t.Fatal("lastPongAt went backwards")
	}
}
