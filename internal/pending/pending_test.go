package pending

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lmbridge/lmbridge/internal/protocol"
)

func TestResolveDeliversOnce(t *testing.T) {
	tbl := NewTable()
	e := tbl.Register("r1", protocol.KindChat, ModeUnary, "w1", time.Minute)

	tbl.Resolve("r1", json.RawMessage(`{"ok":true}`))
	tbl.Resolve("r1", json.RawMessage(`{"ok":false}`))
	tbl.Fail("r1", errors.New("late"))

	ev := <-e.Events()
	if ev.Type != EventResolved || string(ev.Data) != `{"ok":true}` {
		t.Fatalf("unexpected event %+v", ev)
	}
	select {
	case ev := <-e.Events():
		t.Fatalf("second event delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	if tbl.Len() != 0 {
		t.Fatalf("table not empty: %d", tbl.Len())
	}
}

func TestDeadlineFires(t *testing.T) {
	tbl := NewTable()
	e := tbl.Register("r1", protocol.KindChat, ModeUnary, "w1", 20*time.Millisecond)

	select {
	case ev := <-e.Events():
		if ev.Type != EventFailed || !errors.Is(ev.Err, ErrTimeout) {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("deadline never fired")
	}
	if tbl.Len() != 0 {
		t.Fatalf("entry survived timeout")
	}
}

func TestTerminalStopsDeadline(t *testing.T) {
	tbl := NewTable()
	e := tbl.Register("r1", protocol.KindModels, ModeUnary, "w1", 30*time.Millisecond)
	tbl.Resolve("r1", json.RawMessage(`{}`))
	<-e.Events()

	time.Sleep(60 * time.Millisecond)
	select {
	case ev := <-e.Events():
		t.Fatalf("timeout delivered after resolve: %+v", ev)
	default:
	}
}

func TestStreamOrderPreserved(t *testing.T) {
	tbl := NewTable()
	e := tbl.Register("r1", protocol.KindChat, ModeStream, "w1", time.Minute)

	tbl.FeedChunk("r1", json.RawMessage(`"A"`))
	tbl.FeedChunk("r1", json.RawMessage(`"B"`))
	tbl.FeedChunk("r1", json.RawMessage(`"C"`))
	tbl.FinishStream("r1")

	want := []string{`"A"`, `"B"`, `"C"`}
	for i, w := range want {
		ev := <-e.Events()
		if ev.Type != EventChunk || string(ev.Data) != w {
			t.Fatalf("chunk %d = %+v, want %s", i, ev, w)
		}
	}
	if ev := <-e.Events(); ev.Type != EventStreamEnd {
		t.Fatalf("expected stream end, got %+v", ev)
	}
}

func TestChunkAfterFinishDropped(t *testing.T) {
	tbl := NewTable()
	e := tbl.Register("r1", protocol.KindChat, ModeStream, "w1", time.Minute)
	tbl.FinishStream("r1")
	tbl.FeedChunk("r1", json.RawMessage(`"late"`))

	if ev := <-e.Events(); ev.Type != EventStreamEnd {
		t.Fatalf("expected stream end, got %+v", ev)
	}
	select {
	case ev := <-e.Events():
		t.Fatalf("late chunk delivered: %+v", ev)
	default:
	}
}

func TestCancelByClient(t *testing.T) {
	tbl := NewTable()
	tbl.Register("r1", protocol.KindChat, ModeStream, "w1", time.Minute)
	tbl.CancelByClient("r1")
	if tbl.Len() != 0 {
		t.Fatal("entry survived cancel")
	}
	// Feeding after cancel must not block or deliver.
	tbl.FeedChunk("r1", json.RawMessage(`"x"`))
	tbl.FinishStream("r1")
}

func TestFailAllForWorker(t *testing.T) {
	tbl := NewTable()
	e1 := tbl.Register("r1", protocol.KindChat, ModeUnary, "w1", time.Minute)
	e2 := tbl.Register("r2", protocol.KindEmbeddings, ModeUnary, "w1", time.Minute)
	e3 := tbl.Register("r3", protocol.KindChat, ModeUnary, "w2", time.Minute)

	tbl.FailAllForWorker("w1", ErrWorkerGone)

	for _, e := range []*Entry{e1, e2} {
		select {
		case ev := <-e.Events():
			if ev.Type != EventFailed || !errors.Is(ev.Err, ErrWorkerGone) {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("worker-gone not delivered")
		}
	}
	select {
	case ev := <-e3.Events():
		t.Fatalf("unrelated entry failed: %+v", ev)
	default:
	}
	if tbl.Len() != 1 {
		t.Fatalf("len = %d, want 1", tbl.Len())
	}
}
