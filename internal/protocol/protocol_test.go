package protocol

import (
	"encoding/json"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"chat_request", "chat_request", true},
		{" Chat_Request ", "chat_request", true},
		{"STREAM_CHUNK", "stream_chunk", true},
		{"\tping\n", "ping", true},
		{"bogus", "bogus", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := Normalize(c.in)
		if got != c.want || ok != c.ok {
			t.Fatalf("Normalize(%q) = (%q, %v), want (%q, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestPeek(t *testing.T) {
	env, ok, err := Peek([]byte(`{"type":" Chat_Response ","requestId":"r1","timestamp":42}`))
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if !ok || env.Type != TypeChatResponse || env.RequestID != "r1" || env.Timestamp != 42 {
		t.Fatalf("unexpected envelope %+v ok=%v", env, ok)
	}
}

func TestPeekMissingType(t *testing.T) {
	env, ok, err := Peek([]byte(`{"requestId":"r1"}`))
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if ok || env.Type != "" {
		t.Fatalf("expected missing type, got %+v ok=%v", env, ok)
	}
}

func TestPeekInvalidJSON(t *testing.T) {
	if _, _, err := Peek([]byte(`{`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestUnknownTypeError(t *testing.T) {
	msg := UnknownTypeError("frobnicate")
	if msg.Type != TypeError {
		t.Fatalf("type %q", msg.Type)
	}
	if msg.Error != "Unknown message type: frobnicate" {
		t.Fatalf("error %q", msg.Error)
	}
	b := Marshal(msg)
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := out["requestId"]; present {
		t.Fatal("requestId should be omitted when empty")
	}
}

func TestKindRoundTrip(t *testing.T) {
	kinds := []Kind{KindChat, KindCompletion, KindEmbeddings, KindModels}
	for _, k := range kinds {
		got, ok := KindForRequestType(k.RequestType())
		if !ok || got != k {
			t.Fatalf("kind %q round trip = (%q, %v)", k, got, ok)
		}
		if !IsResponseType(k.ResponseType()) {
			t.Fatalf("%q not recognized as response type", k.ResponseType())
		}
	}
	if _, ok := KindForRequestType(TypeCancelRequest); ok {
		t.Fatal("cancel_request is not a dispatchable kind")
	}
}
