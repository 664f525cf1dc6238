package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/parley/pkg/model"
)

// MemoryStore provides an in-memory FileStore, mainly for tests.
// It mirrors DiskStore behavior for validation and error handling.
type MemoryStore struct {
	mu    sync.RWMutex
	now   func() time.Time
	files map[string]memoryFile
	locks *keyLocks
}

type memoryFile struct {
	data    []byte
	digest  string
	modTime time.Time
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:   now,
		files: make(map[string]memoryFile),
		locks: newKeyLocks(),
	}
}

// Put buffers the upload and commits it only once all bytes arrived.
func (s *MemoryStore) Put(ctx context.Context, name string, r io.Reader, size int64) (Info, error) {
	if err := model.ValidateFileName(name); err != nil {
		return Info{}, fmt.Errorf("store: put: %w", err)
	}
	if size < 0 {
		return Info{}, fmt.Errorf("store: put %q: %w", name, ErrNegativeSize)
	}
	unlock := s.locks.Lock(name)
	defer unlock()

	src := newExactReader(r, size)
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, ctxReader{ctx: ctx, r: src}); err != nil {
		return Info{}, fmt.Errorf("store: put %q: %w", name, err)
	}

	f := memoryFile{data: buf.Bytes(), digest: src.Digest(), modTime: s.now().UTC()}
	s.mu.Lock()
	s.files[name] = f
	s.mu.Unlock()
	return Info{Name: name, Size: size, Digest: f.digest, ModTime: f.modTime}, nil
}

// Open returns a reader over a snapshot of the content.
func (s *MemoryStore) Open(name string) (io.ReadCloser, Info, error) {
	s.mu.RLock()
	f, ok := s.files[name]
	s.mu.RUnlock()
	if !ok {
		return nil, Info{}, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(f.data)), f.info(name), nil
}

// Stat returns metadata for name.
func (s *MemoryStore) Stat(name string) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[name]
	if !ok {
		return Info{}, ErrNotFound
	}
	return f.info(name), nil
}

// Exists reports whether name is stored.
func (s *MemoryStore) Exists(name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.files[name]
	return ok, nil
}

// List returns all names, sorted.
func (s *MemoryStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes name if present.
func (s *MemoryStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, name)
	return nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

func (f memoryFile) info(name string) Info {
	return Info{Name: name, Size: int64(len(f.data)), Digest: f.digest, ModTime: f.modTime}
}
