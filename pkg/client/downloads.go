package client

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/NicolasHaas/parley/pkg/model"
)

// SaveDownload writes a received file into dir under its shared name.
// The name is re-validated so a hostile server cannot escape dir.
func SaveDownload(dir, name string, data []byte) (string, error) {
	if err := model.ValidateFileName(name); err != nil {
		return "", fmt.Errorf("client: refuse download name %q: %w", name, err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("client: download dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("client: save %q: %w", name, err)
	}
	return path, nil
}
