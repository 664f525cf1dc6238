package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/NicolasHaas/parley/pkg/model"
)

// blobSuffix marks committed blobs. Temp files created during a write never
// carry it, so List cannot observe an upload in progress.
const blobSuffix = ".blob"

// DiskStore keeps one file per entry in a directory. Names are hex-encoded
// on disk so any valid name maps to a single safe path element.
type DiskStore struct {
	dir   string
	locks *keyLocks
}

// NewDisk opens (or creates) a disk store rooted at dir.
func NewDisk(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	return &DiskStore{dir: dir, locks: newKeyLocks()}, nil
}

func (s *DiskStore) path(name string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(name))+blobSuffix)
}

// Put writes through a temp file and renames it into place, so a failed or
// short upload leaves nothing behind.
func (s *DiskStore) Put(ctx context.Context, name string, r io.Reader, size int64) (Info, error) {
	if err := model.ValidateFileName(name); err != nil {
		return Info{}, fmt.Errorf("store: put: %w", err)
	}
	if size < 0 {
		return Info{}, fmt.Errorf("store: put %q: %w", name, ErrNegativeSize)
	}
	unlock := s.locks.Lock(name)
	defer unlock()

	src := newExactReader(r, size)
	if err := atomic.WriteFile(s.path(name), ctxReader{ctx: ctx, r: src}); err != nil {
		// atomic flattens the cause; prefer the reader's own error.
		if src.Err() != nil {
			return Info{}, fmt.Errorf("store: put %q: %w", name, src.Err())
		}
		if ctx.Err() != nil {
			return Info{}, fmt.Errorf("store: put %q: %w", name, ctx.Err())
		}
		return Info{}, fmt.Errorf("store: put %q: %w", name, err)
	}
	if !src.complete() {
		// Unreachable unless atomic stops reading early; keep the invariant anyway.
		_ = os.Remove(s.path(name))
		return Info{}, fmt.Errorf("store: put %q: %w", name, ErrShortUpload)
	}

	st, err := os.Stat(s.path(name))
	if err != nil {
		return Info{}, fmt.Errorf("store: put %q: %w", name, err)
	}
	return Info{Name: name, Size: size, Digest: src.Digest(), ModTime: st.ModTime().UTC()}, nil
}

// Open returns the file content.
func (s *DiskStore) Open(name string) (io.ReadCloser, Info, error) {
	if err := model.ValidateFileName(name); err != nil {
		return nil, Info{}, fmt.Errorf("store: open: %w", err)
	}
	f, err := os.Open(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, Info{}, ErrNotFound
	}
	if err != nil {
		return nil, Info{}, fmt.Errorf("store: open %q: %w", name, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, Info{}, fmt.Errorf("store: open %q: %w", name, err)
	}
	return f, Info{Name: name, Size: st.Size(), ModTime: st.ModTime().UTC()}, nil
}

// Stat hashes the stored content to fill Info.Digest.
func (s *DiskStore) Stat(name string) (Info, error) {
	rc, info, err := s.Open(name)
	if err != nil {
		return Info{}, err
	}
	defer rc.Close()
	digest, err := DigestReader(rc)
	if err != nil {
		return Info{}, err
	}
	info.Digest = digest
	return info, nil
}

// Exists reports whether name is stored.
func (s *DiskStore) Exists(name string) (bool, error) {
	if model.ValidateFileName(name) != nil {
		return false, nil
	}
	_, err := os.Stat(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: exists %q: %w", name, err)
	}
	return true, nil
}

// List returns all committed names, sorted.
func (s *DiskStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), blobSuffix) {
			continue
		}
		raw, err := hex.DecodeString(strings.TrimSuffix(e.Name(), blobSuffix))
		if err != nil {
			continue
		}
		names = append(names, string(raw))
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes name if present.
func (s *DiskStore) Delete(name string) error {
	if model.ValidateFileName(name) != nil {
		return nil
	}
	unlock := s.locks.Lock(name)
	defer unlock()
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: delete %q: %w", name, err)
	}
	return nil
}

// Close is a no-op for DiskStore.
func (s *DiskStore) Close() error {
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
