package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Server.BaseURL = "https://chat.example.com"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Server.BaseURL != "https://chat.example.com" {
		t.Errorf("BaseURL = %q, want https://chat.example.com", loaded.Server.BaseURL)
	}
	if loaded.TypingExpiry() != 3*time.Second {
		t.Errorf("TypingExpiry = %v, want 3s", loaded.TypingExpiry())
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	content := "[server]\nbase_url = \"http://localhost:8080\"\n\n[sync]\ntyping_expiry = \"5s\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TypingExpiry() != 5*time.Second {
		t.Errorf("TypingExpiry = %v, want 5s (from file)", cfg.TypingExpiry())
	}
	if cfg.PendingTimeout() != 15*time.Second {
		t.Errorf("PendingTimeout = %v, want default 15s", cfg.PendingTimeout())
	}
	if cfg.Server.SocketPath != "/ws" {
		t.Errorf("SocketPath = %q, want default /ws", cfg.Server.SocketPath)
	}
	if cfg.Sync.ReconnectMaxRetries != 10 {
		t.Errorf("ReconnectMaxRetries = %d, want default 10", cfg.Sync.ReconnectMaxRetries)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
