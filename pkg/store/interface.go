// Package store provides the keyed blob storage behind file sharing.
//
// Names are opaque keys validated with model.ValidateFileName. A Put either
// stores the complete declared byte count or leaves the previous entry (or
// absence) untouched: no backend ever exposes a partial upload.
package store

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrNotFound     = errors.New("store: file not found")
	ErrShortUpload  = errors.New("store: upload ended before declared size")
	ErrNegativeSize = errors.New("store: negative size")
)

// Info describes one stored file.
type Info struct {
	Name    string
	Size    int64
	Digest  string // hex BLAKE3 of the content
	ModTime time.Time
}

// FileStore defines the blob storage used by sessions. Implementations must
// be safe for concurrent use; Puts to the same name are serialized.
type FileStore interface {
	// Put reads exactly size bytes from r and stores them under name,
	// replacing any previous entry. It never reads past size bytes.
	Put(ctx context.Context, name string, r io.Reader, size int64) (Info, error)

	// Open returns the content of name. The caller must Close the reader.
	Open(name string) (io.ReadCloser, Info, error)

	// Stat returns metadata for name, or ErrNotFound.
	Stat(name string) (Info, error)

	// Exists reports whether name is stored.
	Exists(name string) (bool, error)

	// List returns all stored names in sorted order.
	List() ([]string, error)

	// Delete removes name. Deleting a missing name is not an error.
	Delete(name string) error

	// Close releases backend resources.
	Close() error
}

// Compile-time checks.
var (
	_ FileStore = (*DiskStore)(nil)
	_ FileStore = (*MemoryStore)(nil)
	_ FileStore = (*SQLiteStore)(nil)
)

// BackendNames lists the accepted backend names, for --help text.
func BackendNames() string {
	return "disk, sqlite, memory"
}
