package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/adv-inn/Deckify/internal/core"
	"github.com/adv-inn/Deckify/internal/reconcile"
	"github.com/adv-inn/Deckify/internal/store"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestServerServesHealthMetricsAndDashboard(t *testing.T) {
	dashboard := t.TempDir()
	if err := os.WriteFile(filepath.Join(dashboard, "index.html"), []byte("<html>dash</html>"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := &core.ServerConfig{
		Host:         "127.0.0.1",
		Port:         freePort(t),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		DashboardDir: dashboard,
	}

	hub := reconcile.NewHub()
	playback := reconcile.NewReconciler(hub, zap.NewNop())
	settings := store.NewSettingsStore(filepath.Join(t.TempDir(), "settings.json"))
	metrics := NewMetrics()
	handlers := NewHandlers(&fakeAPI{}, playback, &fakeAuth{}, &fakeAgent{}, settings, &fakeConfirmer{}, hub, metrics, zap.NewNop())
	server := NewServer(cfg, handlers, metrics, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = client.Get(base + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	for _, path := range []string{"/readyz", "/metrics", "/api/status"} {
		resp, err := client.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
	}

	// Deep links fall back to the SPA index.
	resp, err = client.Get(base + "/library/playlists")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("SPA fallback = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v after shutdown", err)
		}
	case <-time.After(3 * time.Second):
		t.Error("server did not shut down")
	}
}
