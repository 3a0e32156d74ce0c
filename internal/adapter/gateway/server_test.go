package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"medigate/internal/infra/config"
	"medigate/internal/usecase/orchestrator"
)

func newTestServer(t *testing.T) (*Server, context.CancelFunc) {
	t.Helper()

	registry := orchestrator.NewRegistry(nil)
	prompts := orchestrator.NewPromptBuilder(config.LLMConfig{}, newTestLogger())
	orch := orchestrator.New(registry, map[string]orchestrator.BackendClient{},
		&stubProvider{}, prompts, newTestLogger())
	monitor := orchestrator.NewMonitor(registry, config.HealthConfig{Timeout: time.Second}, newTestLogger())

	handler := NewHandler(HandlerDeps{
		Name:    "medigate",
		Orch:    orch,
		Monitor: monitor,
		Logger:  newTestLogger(),
	})

	srv := NewServer(handler, config.GatewayConfig{
		Addr:           "127.0.0.1:0",
		RequestsPerMin: 600,
		Burst:          100,
	}, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for srv.BoundAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv, cancel
}

func TestServerServesAndShutsDown(t *testing.T) {
	srv, cancel := newTestServer(t)
	defer cancel()

	resp, err := http.Get("http://" + srv.BoundAddr() + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	// Security headers are applied at the outer layer.
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := http.Get("http://" + srv.BoundAddr() + "/")
		if err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server still serving after shutdown")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerUnknownRoute(t *testing.T) {
	srv, cancel := newTestServer(t)
	defer cancel()

	resp, err := http.Get("http://" + srv.BoundAddr() + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
