package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEdgeDefaultsAndEnv(t *testing.T) {
	t.Setenv("API_KEY", "k")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("WS_PING_INTERVAL_MS", "500")
	t.Setenv("ENABLE_STREAMING", "false")
	t.Setenv("TIMEOUT_MODELS_MS", "2000")

	var c EdgeConfig
	c.SetDefaults()
	c.ApplyEnv()
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.Port != 8080 || c.WSPath != "/ws" {
		t.Fatalf("defaults not applied: %+v", c)
	}
	if c.EnableStreaming {
		t.Fatal("ENABLE_STREAMING=false not applied")
	}
	if c.TimeoutModels != 2*time.Second {
		t.Fatalf("models timeout %v", c.TimeoutModels)
	}
	// 500 ms is below the 1 s floor.
	if c.PingInterval != time.Second {
		t.Fatalf("ping interval %v, want clamp to 1s", c.PingInterval)
	}
}

func TestEdgeValidateRequiresSecrets(t *testing.T) {
	var c EdgeConfig
	c.SetDefaults()
	if err := c.Validate(); err == nil {
		t.Fatal("expected missing API_KEY error")
	}
	c.APIKey = "k"
	if err := c.Validate(); err == nil {
		t.Fatal("expected missing JWT_SECRET error")
	}
	c.JWTSecret = "s"
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestEdgeTimeoutFor(t *testing.T) {
	var c EdgeConfig
	c.SetDefaults()
	if c.TimeoutFor("models", false) != 10*time.Second {
		t.Fatal("models timeout")
	}
	if c.TimeoutFor("chat", false) != 60*time.Second {
		t.Fatal("unary timeout")
	}
	if c.TimeoutFor("embeddings", false) != 30*time.Second {
		t.Fatal("embeddings timeout")
	}
	if c.TimeoutFor("chat", true) != 300*time.Second {
		t.Fatal("stream timeout")
	}
}

func TestWorkerEnvAndValidate(t *testing.T) {
	var c WorkerConfig
	c.SetDefaults()
	if err := c.Validate(); err == nil {
		t.Fatal("expected missing REMOTE_SERVER_URL error")
	}

	t.Setenv("REMOTE_SERVER_URL", "ws://edge:8080/ws")
	t.Setenv("API_KEY", "k")
	t.Setenv("CLIENT_ID", "w1")
	t.Setenv("RECONNECT_INTERVAL", "1000")
	c.ApplyEnv()
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.ReconnectInterval != time.Second {
		t.Fatalf("reconnect interval %v", c.ReconnectInterval)
	}
	if c.LMStudioBaseURL() != "http://localhost:1234" {
		t.Fatalf("base url %q", c.LMStudioBaseURL())
	}
}

func TestWorkerLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	data := "remote_server_url: ws://edge/ws\napi_key: filekey\nclient_id: w9\nlm_studio_port: 4321\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	var c WorkerConfig
	c.SetDefaults()
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.ServerURL != "ws://edge/ws" || c.APIKey != "filekey" || c.ClientID != "w9" || c.LMStudioPort != 4321 {
		t.Fatalf("file not applied: %+v", c)
	}
	if c.HealthCheckPort != 3001 {
		t.Fatal("defaults clobbered by file load")
	}
}
