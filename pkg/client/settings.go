package client

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// Settings stores user preferences persisted as YAML.
type Settings struct {
	Server      string `yaml:"server"`
	Username    string `yaml:"username,omitempty"`
	Wire        string `yaml:"wire"`
	DownloadDir string `yaml:"download_dir"`
}

// DefaultSettings returns default settings.
func DefaultSettings() *Settings {
	return &Settings{
		Server:      "localhost:12345",
		Wire:        "json",
		DownloadDir: "downloads",
	}
}

// DefaultSettingsPath returns settings.yaml in the user config directory,
// falling back to the working directory.
func DefaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "parley-client.yaml"
	}
	return filepath.Join(dir, "parley", "client.yaml")
}

// LoadSettings loads settings from path or returns defaults.
func LoadSettings(path string) *Settings {
	s := DefaultSettings()
	data, err := os.ReadFile(path) //nolint:gosec // path from CLI flag
	if err != nil {
		return s
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		slog.Error("parse settings", "path", path, "err", err)
		return DefaultSettings()
	}
	return s
}

// Save writes settings to path as YAML.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("client: encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("client: settings dir: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("client: write settings: %w", err)
	}
	return nil
}
