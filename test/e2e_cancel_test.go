package test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestClientCancelPropagatesToWorker(t *testing.T) {
	jobStarted := make(chan struct{})
	jobCanceled := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(jobStarted)
		<-r.Context().Done()
		close(jobCanceled)
	}))
	defer upstream.Close()

	s, ts := startEdge(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := startWorker(t, ctx, ts.URL, upstream.URL, "w1")
	waitFor(t, "worker registration", func() bool { return s.Registry().Count() == 1 })

	reqCtx, cancelReq := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ts.URL+"/v1/chat/completions", strings.NewReader(`{"model":"m"}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	errc := make(chan error, 1)
	go func() {
		_, err := http.DefaultClient.Do(req)
		errc <- err
	}()

	<-jobStarted
	cancelReq()
	if err := <-errc; err == nil {
		t.Fatal("expected canceled request error")
	}

	select {
	case <-jobCanceled:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not reach the upstream call")
	}
	waitFor(t, "pending table drain", func() bool { return s.Pending().Len() == 0 })
	waitFor(t, "worker job cleanup", func() bool { return w.JobCount() == 0 })
}
