package server

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/parley/pkg/protocol"
	"github.com/NicolasHaas/parley/pkg/store"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string `yaml:"listen"`  // TCP bind address (e.g. ":12345")
	MetricsAddr string `yaml:"metrics"` // HTTP bind address for /metrics (empty = disabled)

	StoreBackend    string `yaml:"store"`       // "disk", "sqlite" or "memory"
	StoreDir        string `yaml:"store_dir"`   // directory for the disk backend
	DBPath          string `yaml:"db"`          // database file for the sqlite backend
	CredentialsFile string `yaml:"credentials"` // YAML credentials (empty = built-in users)
	Wire            string `yaml:"wire"`        // control message encoding: "json" or "cbor"

	LoginTimeout time.Duration `yaml:"login_timeout"` // max wait for a message before login
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // max wait for a message after login (0 = none, the default)
	IOTimeout    time.Duration `yaml:"io_timeout"`    // per-read/write bound during transfers and sends

	MaxConnections int64 `yaml:"max_connections"` // concurrent connection cap (0 = unlimited)
	MaxUploadSize  int64 `yaml:"max_upload"`      // largest accepted upload in bytes (0 = unlimited)
	OutboxBytes    int64 `yaml:"outbox_bytes"`    // queued frame bytes per session before it counts as stalled

	LogInterval time.Duration `yaml:"log_interval"` // periodic metrics log (0 = disabled)
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":12345",
		MetricsAddr:    ":12346",
		StoreBackend:   "disk",
		StoreDir:       "shared_files",
		DBPath:         "parley.db",
		Wire:           "json",
		LoginTimeout:   2 * time.Minute,
		IOTimeout:      30 * time.Second,
		MaxConnections: 256,
		MaxUploadSize:  1 << 30,
		OutboxBytes:    4 << 20,
		LogInterval:    60 * time.Second,
	}
}

// LoadConfigFile overlays the YAML file at path onto cfg. Keys missing
// from the file keep their current values.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from CLI flag
	if err != nil {
		return fmt.Errorf("server: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("server: parse config: %w", err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("server: listen address is required")
	}
	if _, err := protocol.ParseCodec(c.Wire); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	switch c.StoreBackend {
	case "disk", "sqlite", "memory":
	default:
		return fmt.Errorf("server: unknown store backend %q (valid: %s)", c.StoreBackend, store.BackendNames())
	}
	if c.LoginTimeout < 0 || c.IdleTimeout < 0 || c.IOTimeout < 0 {
		return errors.New("server: timeouts must not be negative")
	}
	if c.MaxConnections < 0 || c.MaxUploadSize < 0 {
		return errors.New("server: limits must not be negative")
	}
	if c.OutboxBytes < protocol.MaxControlMessage {
		return fmt.Errorf("server: outbox bytes must be at least %d", protocol.MaxControlMessage)
	}
	return nil
}
