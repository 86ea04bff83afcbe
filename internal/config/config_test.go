package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

// Without a config file every key falls back to its default.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DB.Path == "" {
		t.Error("db.path default is empty")
	}
	if cfg.Remote.Timeout != 15*time.Second {
		t.Errorf("remote.timeout = %v, want 15s", cfg.Remote.Timeout)
	}
	if cfg.Connectivity.ProbeInterval != 5*time.Second {
		t.Errorf("connectivity.probe_interval = %v, want 5s", cfg.Connectivity.ProbeInterval)
	}
	if cfg.Connectivity.Debounce != 2*time.Second {
		t.Errorf("connectivity.debounce = %v, want 2s", cfg.Connectivity.Debounce)
	}
	if cfg.Sync.AttemptCap != 5 {
		t.Errorf("sync.attempt_cap = %d, want 5", cfg.Sync.AttemptCap)
	}
	if cfg.Statusd.Port != 7717 {
		t.Errorf("statusd.port = %d, want 7717", cfg.Statusd.Port)
	}
}

// An explicit config file overrides defaults key by key.
func TestLoad_ExplicitFile(t *testing.T) {
	path := writeConfig(t, `
db:
  path: /tmp/fieldsync-test.db
remote:
  base_url: https://sync.example.gov
  timeout: 30s
sync:
  attempt_cap: 8
statusd:
  port: 9900
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DB.Path != "/tmp/fieldsync-test.db" {
		t.Errorf("db.path = %q", cfg.DB.Path)
	}
	if cfg.Remote.BaseURL != "https://sync.example.gov" {
		t.Errorf("remote.base_url = %q", cfg.Remote.BaseURL)
	}
	if cfg.Remote.Timeout != 30*time.Second {
		t.Errorf("remote.timeout = %v, want 30s", cfg.Remote.Timeout)
	}
	if cfg.Sync.AttemptCap != 8 {
		t.Errorf("sync.attempt_cap = %d, want 8", cfg.Sync.AttemptCap)
	}
	if cfg.Statusd.Port != 9900 {
		t.Errorf("statusd.port = %d, want 9900", cfg.Statusd.Port)
	}
	// Keys the file doesn't set keep their defaults
	if cfg.Connectivity.Debounce != 2*time.Second {
		t.Errorf("connectivity.debounce = %v, want default 2s", cfg.Connectivity.Debounce)
	}
}

// An explicit path that doesn't exist is an error, unlike the search
// path fallback.
func TestLoad_ExplicitFileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Load() with a missing explicit file succeeded, want error")
	}
}

// Environment variables override file and default values.
func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("FIELDSYNC_SYNC_ATTEMPT_CAP", "9")
	t.Setenv("FIELDSYNC_REMOTE_BASE_URL", "https://env.example.gov")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Sync.AttemptCap != 9 {
		t.Errorf("sync.attempt_cap = %d, want 9 from environment", cfg.Sync.AttemptCap)
	}
	if cfg.Remote.BaseURL != "https://env.example.gov" {
		t.Errorf("remote.base_url = %q, want environment value", cfg.Remote.BaseURL)
	}
}

// Values the agent cannot run with are rejected at load time.
func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "zero attempt cap",
			content: "sync:\n  attempt_cap: 0\n",
			wantErr: "attempt_cap",
		},
		{
			name:    "port out of range",
			content: "statusd:\n  port: 70000\n",
			wantErr: "port",
		},
		{
			name:    "empty db path",
			content: "db:\n  path: \"\"\n",
			wantErr: "db.path",
		},
		{
			name:    "negative debounce",
			content: "connectivity:\n  debounce: -1s\n",
			wantErr: "debounce",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
