// Package server implements the Parley chat and file-sharing server.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/NicolasHaas/parley/pkg/auth"
	"github.com/NicolasHaas/parley/pkg/protocol"
	"github.com/NicolasHaas/parley/pkg/store"
)

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Files and will Close() it on shutdown.
type Dependencies struct {
	Credentials auth.Checker
	Files       store.FileStore
}

// Server is the main Parley server.
type Server struct {
	cfg      Config
	codec    protocol.Codec
	registry *Registry
	creds    auth.Checker
	files    store.FileStore
	metrics  *Metrics
	slots    *semaphore.Weighted // nil when connections are unlimited

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener *listener
	live     map[*Session]struct{}
	wg       sync.WaitGroup
	nextID   atomic.Uint64
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Credentials == nil {
		return nil, errors.New("server: missing credentials dependency")
	}
	if deps.Files == nil {
		return nil, errors.New("server: missing file store dependency")
	}
	codec, err := protocol.ParseCodec(cfg.Wire)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		codec:    codec,
		registry: NewRegistry(codec),
		creds:    deps.Credentials,
		files:    deps.Files,
		metrics:  NewMetrics(),
		ctx:      ctx,
		cancel:   cancel,
		live:     make(map[*Session]struct{}),
	}
	if cfg.MaxConnections > 0 {
		s.slots = semaphore.NewWeighted(cfg.MaxConnections)
	}
	return s, nil
}

// Registry returns the table of logged-in users.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Codec returns the control message encoding in use.
func (s *Server) Codec() protocol.Codec {
	return s.codec
}

func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.live[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.live, sess)
	s.mu.Unlock()
	s.wg.Done()
}

// closeAll drops every live connection; each session then unwinds itself.
func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.live {
		sess.closeConn()
	}
}
