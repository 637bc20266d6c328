package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	SetBuildInfo("edge", "1.0.0", "abc", "2024-01-01")
	SetConnectedWorkers(3)
	RecordRequest("chat", true)
	RecordRequest("chat", false)
	ObserveRequestDuration("chat", 100*time.Millisecond)
	RecordStreamChunk()
	RecordWorkerReplacement()
	RecordWorkerJob("embeddings", true)

	if v := testutil.ToFloat64(connectedWorkers); v != 3 {
		t.Fatalf("connected workers: %v", v)
	}
	if v := testutil.ToFloat64(requests.WithLabelValues("chat", "success")); v != 1 {
		t.Fatalf("requests success: %v", v)
	}
	if v := testutil.ToFloat64(requests.WithLabelValues("chat", "error")); v != 1 {
		t.Fatalf("requests error: %v", v)
	}
	if v := testutil.ToFloat64(streamChunks); v != 1 {
		t.Fatalf("stream chunks: %v", v)
	}
	if v := testutil.ToFloat64(workerReplacements); v != 1 {
		t.Fatalf("replacements: %v", v)
	}
	if v := testutil.ToFloat64(workerJobs.WithLabelValues("embeddings", "success")); v != 1 {
		t.Fatalf("worker jobs: %v", v)
	}
	if v := testutil.ToFloat64(buildInfo.WithLabelValues("edge", "1.0.0", "abc", "2024-01-01")); v != 1 {
		t.Fatalf("build info: %v", v)
	}
}
