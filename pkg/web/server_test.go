package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/cellguard/cellguard/internal/testhelpers"
	"github.com/cellguard/cellguard/pkg/config"
)

func TestServer_StartAndShutdown(t *testing.T) {
	srv, suite := newTestServer(t)
	srv.config.Port = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(ctx)
	}()

	if !suite.WaitFor(func() bool { return srv.GetAddr() != "" }, 2*time.Second, "server address") {
		t.Fatal("Server did not start")
	}

	resp, err := http.Get("http://" + srv.GetAddr() + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	var health map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if health["service"] != "cellguard" {
		t.Errorf("Unexpected health response %v", health)
	}

	if srv.GetHub() == nil {
		t.Error("Expected a hub")
	}

	cancel()
	select {
	case err := <-errChan:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Server did not stop in time")
	}
}

func TestServer_Disabled(t *testing.T) {
	log := testhelpers.Logger()
	srv := NewServer(config.WebConfig{Enabled: false}, nil, nil, log)

	if err := srv.Start(context.Background()); err != nil {
		t.Errorf("Expected no error when disabled, got %v", err)
	}
	if srv.GetAddr() != "" {
		t.Errorf("Expected no address, got %q", srv.GetAddr())
	}
}

func TestServer_UnknownRoute(t *testing.T) {
	srv, _ := newTestServer(t)

	if w := do(t, srv.Handler(), http.MethodGet, "/api/unknown", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	if w := do(t, srv.Handler(), http.MethodDelete, "/api/cells", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
}
