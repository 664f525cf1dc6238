package server

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// Run starts the server and blocks until a shutdown signal arrives.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	slog.Info("Parley server running",
		"addr", s.cfg.ListenAddr,
		"store", s.cfg.StoreBackend,
		"wire", s.codec.Name(),
		"max_connections", s.cfg.MaxConnections,
	)

	// Start Prometheus metrics HTTP endpoint
	s.StartMetricsHTTP()

	s.metrics.StartPeriodicLog(s.cfg.LogInterval, s.ctx.Done())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-sigCh:
	case <-s.ctx.Done():
	}

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown stops accepting, closes every connection, waits for sessions
// to unwind, and closes the file store. Safe to call more than once.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.cancel()
	l := s.listener
	s.mu.Unlock()

	if l != nil {
		_ = l.ln.Close()
		<-l.done
	}
	s.closeAll()
	s.wg.Wait()

	if err := s.files.Close(); err != nil {
		slog.Error("close file store", "err", err)
	}
	slog.Info("server stopped", "connections_served", s.metrics.TotalConnections.Load())
}
