package store

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/parley/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// Blob compression tags stored per row.
const (
	compressionNone = 0
	compressionZstd = 1
)

// SQLiteStore keeps each file as a zstd-compressed BLOB row. A row is
// written in a single statement after the full upload has been received,
// so a failed upload never becomes visible.
type SQLiteStore struct {
	db    *sql.DB
	locks *keyLocks
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// NewSQLite opens (or creates) a SQLite database and runs migrations.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: zstd decoder: %w", err)
	}

	s := &SQLiteStore{db: db, locks: newKeyLocks(), enc: enc, dec: dec}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS files (
		name        TEXT    PRIMARY KEY,
		size        INTEGER NOT NULL CHECK(size >= 0),
		digest      TEXT    NOT NULL,
		compression INTEGER NOT NULL DEFAULT 0,
		data        BLOB,
		modified_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);
	`
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("store: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("store: init schema_migrations: %w", err)
		}
	}
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{version: 1, statements: []string{schema}},
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("store: migrate v%d: %w", m.version, err)
			}
		}
		if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", m.version); err != nil {
			return fmt.Errorf("store: update schema version: %w", err)
		}
	}
	return nil
}

// Put receives the whole upload, then upserts one row.
func (s *SQLiteStore) Put(ctx context.Context, name string, r io.Reader, size int64) (Info, error) {
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

	compressed := s.enc.EncodeAll(buf.Bytes(), make([]byte, 0, buf.Len()/2))
	data, compression := compressed, compressionZstd
	if len(compressed) >= buf.Len() {
		data, compression = buf.Bytes(), compressionNone
	}

	now := time.Now().UTC()
	digest := src.Digest()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (name, size, digest, compression, data, modified_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			size = excluded.size, digest = excluded.digest, compression = excluded.compression,
			data = excluded.data, modified_at = excluded.modified_at`,
		name, size, digest, compression, data, now.Format(dbTimeLayout))
	if err != nil {
		return Info{}, fmt.Errorf("store: put %q: %w", name, err)
	}
	return Info{Name: name, Size: size, Digest: digest, ModTime: now.Truncate(time.Second)}, nil
}

// Open decompresses the stored content into memory.
func (s *SQLiteStore) Open(name string) (io.ReadCloser, Info, error) {
	var (
		info        Info
		compression int
		data        []byte
		modifiedAt  string
	)
	err := s.db.QueryRowContext(context.Background(),
		"SELECT name, size, digest, compression, data, modified_at FROM files WHERE name = ?", name).
		Scan(&info.Name, &info.Size, &info.Digest, &compression, &data, &modifiedAt)
	if err == sql.ErrNoRows {
		return nil, Info{}, ErrNotFound
	}
	if err != nil {
		return nil, Info{}, fmt.Errorf("store: open %q: %w", name, err)
	}
	if info.ModTime, err = parseDBTime(modifiedAt); err != nil {
		return nil, Info{}, fmt.Errorf("store: open %q: %w", name, err)
	}

	if compression == compressionZstd {
		data, err = s.dec.DecodeAll(data, make([]byte, 0, info.Size))
		if err != nil {
			return nil, Info{}, fmt.Errorf("store: open %q: decompress: %w", name, err)
		}
	}
	if int64(len(data)) != info.Size {
		return nil, Info{}, fmt.Errorf("store: open %q: stored size %d, content %d bytes", name, info.Size, len(data))
	}
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

// Stat returns metadata without loading the content.
func (s *SQLiteStore) Stat(name string) (Info, error) {
	var info Info
	var modifiedAt string
	err := s.db.QueryRowContext(context.Background(),
		"SELECT name, size, digest, modified_at FROM files WHERE name = ?", name).
		Scan(&info.Name, &info.Size, &info.Digest, &modifiedAt)
	if err == sql.ErrNoRows {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, fmt.Errorf("store: stat %q: %w", name, err)
	}
	if info.ModTime, err = parseDBTime(modifiedAt); err != nil {
		return Info{}, fmt.Errorf("store: stat %q: %w", name, err)
	}
	return info, nil
}

// Exists reports whether name is stored.
func (s *SQLiteStore) Exists(name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM files WHERE name = ?", name).Scan(&n); err != nil {
		return false, fmt.Errorf("store: exists %q: %w", name, err)
	}
	return n > 0, nil
}

// List returns all names, sorted.
func (s *SQLiteStore) List() ([]string, error) {
	rows, err := s.db.QueryContext(context.Background(), "SELECT name FROM files ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: list: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return names, nil
}

// Delete removes name if present.
func (s *SQLiteStore) Delete(name string) error {
	unlock := s.locks.Lock(name)
	defer unlock()
	if _, err := s.db.ExecContext(context.Background(), "DELETE FROM files WHERE name = ?", name); err != nil {
		return fmt.Errorf("store: delete %q: %w", name, err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.dec.Close()
	_ = s.enc.Close()
	return s.db.Close()
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}
