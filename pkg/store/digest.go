package store

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/zeebo/blake3"
)

// exactReader yields exactly n bytes from r, hashing them as they pass.
// If r ends early, Read returns ErrShortUpload and err records it so the
// caller can tell a short upload from other copy failures.
type exactReader struct {
	r         io.Reader
	remaining int64
	hasher    hash.Hash
	err       error
}

func newExactReader(r io.Reader, n int64) *exactReader {
	return &exactReader{r: r, remaining: n, hasher: blake3.New()}
}

func (e *exactReader) Read(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	if e.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > e.remaining {
		p = p[:e.remaining]
	}
	n, err := e.r.Read(p)
	e.remaining -= int64(n)
	_, _ = e.hasher.Write(p[:n])
	switch {
	case err == io.EOF && e.remaining > 0:
		e.err = fmt.Errorf("%w: %d bytes missing", ErrShortUpload, e.remaining)
		return n, e.err
	case err == io.EOF:
		return n, io.EOF
	case err != nil:
		e.err = err
		return n, err
	}
	return n, nil
}

// Digest returns the hex BLAKE3 of everything read so far.
func (e *exactReader) Digest() string {
	return hex.EncodeToString(e.hasher.Sum(nil))
}

// Err returns the first read failure, if any.
func (e *exactReader) Err() error {
	return e.err
}

// complete reports whether all n bytes were delivered.
func (e *exactReader) complete() bool {
	return e.err == nil && e.remaining == 0
}

// DigestBytes returns the hex BLAKE3 of data.
func DigestBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestReader streams r through BLAKE3.
func DigestReader(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("store: digest: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
