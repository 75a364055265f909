package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func portConfig(port string) string {
	return "server:\n  port: " + port + "\nproviders:\n  - name: groq\n    type: groq\n    api_key: test-key\n    models: [llama-3]\n"
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManagerStatus(t *testing.T) {
	path := writeConfigFile(t, portConfig("8080"))
	mgr, err := NewManager(path, quietLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	status := mgr.Status()
	if status.Path != path {
		t.Fatalf("Status().Path = %q, want %q", status.Path, path)
	}
	if status.Checksum == "" {
		t.Fatal("Status().Checksum is empty")
	}
	if status.LoadedAt.IsZero() {
		t.Fatal("Status().LoadedAt is zero")
	}
	if status.ReloadCount != 1 {
		t.Fatalf("Status().ReloadCount = %d, want 1", status.ReloadCount)
	}
}

func TestManagerReloadNotifiesListeners(t *testing.T) {
	path := writeConfigFile(t, portConfig("8080"))
	mgr, err := NewManager(path, quietLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	var seen atomic.Int64
	mgr.OnChange(func(c *Config) { seen.Store(int64(c.Server.Port)) })
	before := mgr.Status()

	if err := os.WriteFile(path, []byte(portConfig("9090")), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := mgr.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	after := mgr.Status()
	if after.Checksum == before.Checksum {
		t.Fatal("expected checksum to change after reload")
	}
	if after.ReloadCount != before.ReloadCount+1 {
		t.Fatalf("expected reload count %d, got %d", before.ReloadCount+1, after.ReloadCount)
	}
	if mgr.Get().Server.Port != 9090 {
		t.Fatalf("expected server port 9090, got %d", mgr.Get().Server.Port)
	}
	if seen.Load() != 9090 {
		t.Fatalf("listener saw port %d, want 9090", seen.Load())
	}
}

func TestManagerReloadKeepsCurrentOnError(t *testing.T) {
	path := writeConfigFile(t, portConfig("8080"))
	mgr, err := NewManager(path, quietLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	called := false
	mgr.OnChange(func(*Config) { called = true })

	if err := os.WriteFile(path, []byte("providers: []\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := mgr.Reload(); err == nil {
		t.Fatal("Reload() error = nil, want validation error")
	}
	if mgr.Get().Server.Port != 8080 {
		t.Fatalf("config changed after failed reload: port %d", mgr.Get().Server.Port)
	}
	if called {
		t.Fatal("listener called for a failed reload")
	}
}

func TestManagerWatchReloadsOnWrite(t *testing.T) {
	path := writeConfigFile(t, portConfig("8080"))
	mgr, err := NewManager(path, quietLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	changed := make(chan int, 1)
	mgr.OnChange(func(c *Config) {
		select {
		case changed <- c.Server.Port:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(path, []byte(portConfig("9191")), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	select {
	case port := <-changed:
		if port != 9191 {
			t.Fatalf("reloaded port = %d, want 9191", port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded after write")
	}
}
