package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/NicolasHaas/parley/pkg/protocol"
)

// listener owns the accept loop for one bound socket.
type listener struct {
	ln   net.Listener
	done chan struct{}
}

// Start binds cfg.ListenAddr and accepts connections in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.Serve(ln)
	return nil
}

// Serve accepts connections from ln in the background until Shutdown.
func (s *Server) Serve(ln net.Listener) {
	l := &listener{ln: ln, done: make(chan struct{})}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	slog.Info("listening", "addr", ln.Addr().String(), "wire", s.codec.Name())
	go s.acceptLoop(l)
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.ln.Addr()
}

func (s *Server) acceptLoop(l *listener) {
	defer close(l.done)
	var backoff time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient failures (fd exhaustion and the like) must not
			// end the loop.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			slog.Error("accept error", "err", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if s.slots != nil && !s.slots.TryAcquire(1) {
			s.metrics.RejectedConnections.Add(1)
			go s.reject(conn)
			continue
		}
		go func() {
			if s.slots != nil {
				defer s.slots.Release(1)
			}
			s.ServeConn(conn)
		}()
	}
}

// reject tells a connection over the cap why it is being turned away.
func (s *Server) reject(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	slog.Warn("connection rejected, server full", "remote", conn.RemoteAddr().String())
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout()))
	_ = protocol.WriteMessage(conn, s.codec, protocol.ServerSender, &protocol.GeneralServerMessage{Text: "Server is full."})
}

func (s *Server) writeTimeout() time.Duration {
	if s.cfg.IOTimeout > 0 {
		return s.cfg.IOTimeout
	}
	return 5 * time.Second
}

// ServeConn runs a session on conn and returns when it has fully closed.
func (s *Server) ServeConn(conn net.Conn) {
	sess := newSession(s, s.nextID.Add(1), conn)
	if !s.track(sess) {
		_ = conn.Close()
		return
	}
	defer s.untrack(sess)

	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	defer func() {
		s.metrics.ActiveConnections.Add(-1)
		s.metrics.TotalDisconnects.Add(1)
	}()

	slog.Debug("new connection", "session", sess.id, "remote", sess.remote)
	sess.run(s.ctx)
	slog.Debug("connection closed", "session", sess.id, "remote", sess.remote)
}
