package server

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/parley/pkg/protocol"
)

func TestLoadConfigFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	data := `
listen: "127.0.0.1:4000"
store: sqlite
db: /var/lib/parley/files.db
wire: cbor
idle_timeout: 90s
max_upload: 1048576
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := DefaultConfig()
	if err := LoadConfigFile(path, &cfg); err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}

	want := DefaultConfig()
	want.ListenAddr = "127.0.0.1:4000"
	want.StoreBackend = "sqlite"
	want.DBPath = "/var/lib/parley/files.db"
	want.Wire = "cbor"
	want.IdleTimeout = 90 * time.Second
	want.MaxUploadSize = 1 << 20
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	cfg := DefaultConfig()
	if err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"), &cfg); err == nil {
		t.Fatal("missing file accepted")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("idle_timeout: [1, 2"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := LoadConfigFile(path, &cfg); err == nil {
		t.Fatal("malformed YAML accepted")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no listen", func(c *Config) { c.ListenAddr = "" }, "listen address"},
		{"bad wire", func(c *Config) { c.Wire = "xml" }, "unknown wire codec"},
		{"bad store", func(c *Config) { c.StoreBackend = "s3" }, "unknown store backend"},
		{"negative timeout", func(c *Config) { c.IOTimeout = -time.Second }, "timeouts"},
		{"negative limit", func(c *Config) { c.MaxUploadSize = -1 }, "limits"},
		{"zero outbox", func(c *Config) { c.OutboxBytes = 0 }, "outbox"},
		{"outbox below one frame", func(c *Config) { c.OutboxBytes = protocol.MaxControlMessage - 1 }, "outbox"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newUnstartedServer(t, nil)
	srv.metrics.UploadsCompleted.Add(3)
	srv.metrics.ChatMessagesSent.Add(7)

	rec := httptest.NewRecorder()
	srv.handleMetrics(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, line := range []string{
		"parley_uploads_total 3",
		"parley_chat_messages_total 7",
		"parley_users_online 0",
		"# TYPE parley_connections_active gauge",
	} {
		if !strings.Contains(body, line) {
			t.Errorf("metrics output missing %q", line)
		}
	}
	if !strings.Contains(srv.metrics.JSON(), `"uploads_completed": 3`) {
		t.Errorf("JSON snapshot missing uploads_completed:\n%s", srv.metrics.JSON())
	}
}
