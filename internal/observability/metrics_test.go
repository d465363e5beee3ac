package observability

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestNewRegistersWithoutPanicking(t *testing.T) {
	m := New()
	if m.registry == nil {
		t.Fatal("New() left registry nil")
	}
}

func TestServeExposesMetricsAndShutsDownOnCancel(t *testing.T) {
	m := New()
	m.RuntimeEventsProcessedTotal.Inc()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Serve(ctx, addr) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "wattsidecar_runtime_events_processed_total") {
		t.Fatalf("metrics body missing expected metric name: %s", body)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve() returned error = %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return within 2s of context cancellation")
	}
}
