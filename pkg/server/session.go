package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/NicolasHaas/parley/pkg/model"
	"github.com/NicolasHaas/parley/pkg/protocol"
	"github.com/NicolasHaas/parley/pkg/store"
)

// State is the lifecycle position of a session.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingLogin
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingLogin:
		return "awaiting_login"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// deadlineConn arms a fresh deadline before every Read and Write, so a
// peer that stops reading or writing mid-frame cannot pin a goroutine.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration // only touched by the session reader
	writeTimeout time.Duration
}

func deadlineAfter(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	_ = c.Conn.SetReadDeadline(deadlineAfter(c.readTimeout))
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	_ = c.Conn.SetWriteDeadline(deadlineAfter(c.writeTimeout))
	return c.Conn.Write(p)
}

// outbound is one unit of work for the session writer. Frames are written
// in order, then body (if any) is streamed as exactly size raw bytes.
// Nothing else reaches the connection until the whole item is written.
type outbound struct {
	payloads [][]byte
	body     io.ReadCloser
	size     int64
	name     string
}

// cost is what the item counts against the outbox budget. Bodies stream
// from the store and are not counted.
func (o outbound) cost() int64 {
	var n int64
	for _, p := range o.payloads {
		n += int64(len(p))
	}
	return n
}

func (o outbound) release() {
	if o.body != nil {
		_ = o.body.Close()
	}
}

// Session is the server side of one client connection. A reader goroutine
// (run) owns the inbound stream and the state machine; a writer goroutine
// (writeLoop) is the only code that writes to the connection.
type Session struct {
	id     uint64
	srv    *Server
	conn   *deadlineConn
	r      *bufio.Reader
	remote string

	mu       sync.Mutex
	state    State
	username string

	// Outbox. outCond signals both "item queued" and "space freed".
	outMu       sync.Mutex
	outCond     *sync.Cond
	queue       []outbound
	queuedBytes int64
	queuedFiles int
	outClosed   bool
	stalled     bool
	writerDone  chan struct{}

	closeOnce sync.Once
}

func newSession(srv *Server, id uint64, conn net.Conn) *Session {
	dc := &deadlineConn{
		Conn:         conn,
		readTimeout:  srv.cfg.LoginTimeout,
		writeTimeout: srv.cfg.IOTimeout,
	}
	remote := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	s := &Session{
		id:         id,
		srv:        srv,
		conn:       dc,
		r:          bufio.NewReaderSize(dc, 64*1024),
		remote:     remote,
		state:      StateConnecting,
		writerDone: make(chan struct{}),
	}
	s.outCond = sync.NewCond(&s.outMu)
	return s
}

// ID returns the connection-scoped session id.
func (s *Session) ID() uint64 { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Username returns the bound username, empty before login.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// maxQueuedFiles bounds downloads waiting behind the one being streamed,
// and with it the number of open store readers per session.
const maxQueuedFiles = 4

// Deliver implements Member. It never blocks. A session whose queued
// frames would exceed Config.OutboxBytes is treated as stalled and its
// connection is closed. A download being streamed does not count, so a
// slow but live transfer is not mistaken for a stall.
func (s *Session) Deliver(payloads ...[]byte) bool {
	item := outbound{payloads: payloads}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outClosed || s.stalled {
		return false
	}
	if len(s.queue) > 0 && s.queuedBytes+item.cost() > s.srv.cfg.OutboxBytes {
		s.stalled = true
		slog.Warn("outbox full, closing stalled session", "session", s.id, "remote", s.remote, "queued_bytes", s.queuedBytes)
		s.srv.metrics.StalledSessions.Add(1)
		s.closeConn()
		return false
	}
	s.pushLocked(item)
	return true
}

// push queues a reply from the reader goroutine, waiting while the outbox
// is over budget so a peer that stops reading stops being served.
func (s *Session) push(item outbound) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	for !s.outClosed && (s.queuedBytes > s.srv.cfg.OutboxBytes || (item.body != nil && s.queuedFiles >= maxQueuedFiles)) {
		s.outCond.Wait()
	}
	if s.outClosed {
		item.release()
		return
	}
	s.pushLocked(item)
}

func (s *Session) pushLocked(item outbound) {
	s.queue = append(s.queue, item)
	s.queuedBytes += item.cost()
	if item.body != nil {
		s.queuedFiles++
	}
	s.outCond.Broadcast()
}

// pop waits for the next item. ok is false once the outbox is closed and
// empty.
func (s *Session) pop() (item outbound, ok bool) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	for len(s.queue) == 0 && !s.outClosed {
		s.outCond.Wait()
	}
	if len(s.queue) == 0 {
		return outbound{}, false
	}
	item = s.queue[0]
	s.queue[0] = outbound{}
	s.queue = s.queue[1:]
	s.queuedBytes -= item.cost()
	if item.body != nil {
		s.queuedFiles--
	}
	s.outCond.Broadcast()
	return item, true
}

// send queues a reply from the server. Only the reader goroutine calls it.
func (s *Session) send(msg protocol.Message) {
	payload, err := protocol.EncodeFrame(s.srv.codec, protocol.ServerSender, msg)
	if err != nil {
		slog.Error("encode reply failed", "session", s.id, "kind", msg.Kind(), "err", err)
		return
	}
	s.push(outbound{payloads: [][]byte{payload}})
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

// writeLoop drains the outbox until it is closed. After the first write
// failure the connection is closed and remaining items are discarded.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	failed := false
	for {
		item, ok := s.pop()
		if !ok {
			return
		}
		if failed {
			item.release()
			continue
		}
		if err := s.write(item); err != nil {
			failed = true
			slog.Debug("session write failed", "session", s.id, "remote", s.remote, "err", err)
			s.closeConn()
		}
	}
}

func (s *Session) write(item outbound) error {
	defer item.release()
	for _, p := range item.payloads {
		if err := protocol.WriteFrame(s.conn, p); err != nil {
			if item.body != nil {
				s.srv.metrics.DownloadsFailed.Add(1)
			}
			return err
		}
	}
	if item.body == nil {
		return nil
	}
	n, err := protocol.CopyRaw(s.conn, item.body, item.size)
	s.srv.metrics.DownloadBytes.Add(n)
	if err != nil {
		s.srv.metrics.DownloadsFailed.Add(1)
		return fmt.Errorf("server: stream %q: %w", item.name, err)
	}
	s.srv.metrics.DownloadsCompleted.Add(1)
	slog.Info("download sent", "session", s.id, "user", s.Username(), "file", item.name, "bytes", n)
	return nil
}

// run drives the session until the peer leaves or the connection fails.
func (s *Session) run(ctx context.Context) {
	go s.writeLoop()
	defer s.shutdown()

	s.setState(StateAwaitingLogin)
	for {
		if s.State() == StateAuthenticated {
			s.conn.readTimeout = s.srv.cfg.IdleTimeout
		} else {
			s.conn.readTimeout = s.srv.cfg.LoginTimeout
		}

		env, err := protocol.ReadMessage(s.r, s.srv.codec)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				slog.Warn("malformed message", "session", s.id, "remote", s.remote, "err", err)
				s.send(&protocol.GeneralServerMessage{Text: "Malformed message."})
				continue
			}
			s.logReadError(err)
			return
		}
		if !s.dispatch(ctx, env.Message) {
			return
		}
	}
}

func (s *Session) logReadError(err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		slog.Debug("connection closed", "session", s.id, "remote", s.remote)
	case errors.As(err, &ne) && ne.Timeout():
		slog.Info("session timed out", "session", s.id, "remote", s.remote, "user", s.Username())
	default:
		slog.Warn("session read failed", "session", s.id, "remote", s.remote, "err", err)
	}
}

// shutdown runs once when the reader exits. Departure is announced before
// the outbox closes; queued replies are still flushed.
func (s *Session) shutdown() {
	if s.srv.registry.Remove(s) {
		slog.Info("user left", "session", s.id, "user", s.Username())
	}

	s.outMu.Lock()
	s.outClosed = true
	s.outCond.Broadcast()
	s.outMu.Unlock()

	<-s.writerDone
	s.closeConn()
	s.setState(StateClosed)
}

// dispatch handles one inbound message. It returns false when the session
// must end.
func (s *Session) dispatch(ctx context.Context, msg protocol.Message) bool {
	if _, ok := msg.(*protocol.ClientDisconnect); ok {
		slog.Info("client requested disconnect", "session", s.id, "user", s.Username())
		return false
	}
	if s.State() != StateAuthenticated {
		return s.dispatchUnauthenticated(msg)
	}

	switch m := msg.(type) {
	case *protocol.ChatMessage:
		s.handleChat(m)
	case *protocol.FileUploadMetadata:
		return s.handleUpload(ctx, m)
	case *protocol.FileListRequest:
		s.handleList()
	case *protocol.FileDownloadRequest:
		s.handleDownload(m)
	case *protocol.LoginRequest:
		s.send(&protocol.GeneralServerMessage{Text: "Already logged in."})
	default:
		slog.Warn("unknown request type", "session", s.id, "kind", msg.Kind())
		s.send(&protocol.GeneralServerMessage{Text: "Unknown request type."})
	}
	return true
}

func (s *Session) dispatchUnauthenticated(msg protocol.Message) bool {
	switch m := msg.(type) {
	case *protocol.LoginRequest:
		s.handleLogin(m)
	case *protocol.FileUploadMetadata:
		// The peer sends the bytes regardless of our answer.
		if !s.discardUpload(m.Size) {
			return false
		}
		s.send(&protocol.LoginFailure{Text: "Invalid request type. Expected LOGIN_REQUEST."})
	default:
		s.send(&protocol.LoginFailure{Text: "Invalid request type. Expected LOGIN_REQUEST."})
	}
	return true
}

func (s *Session) handleLogin(req *protocol.LoginRequest) {
	username, password, ok := strings.Cut(req.Credentials, ":")
	if !ok {
		s.failLogin("Malformed login request.", "")
		return
	}
	if !s.srv.creds.Check(username, password) {
		s.failLogin("Invalid username or password.", username)
		return
	}

	welcome, err := protocol.EncodeFrame(s.srv.codec, protocol.ServerSender, &protocol.LoginSuccess{Text: "Welcome " + username + "!"})
	if err != nil {
		slog.Error("encode login success failed", "err", err)
		return
	}
	registered := s.srv.registry.TryRegister(username, s, func() {
		s.mu.Lock()
		s.username = username
		s.state = StateAuthenticated
		s.mu.Unlock()
		s.Deliver(welcome)
	})
	if !registered {
		s.failLogin("User "+username+" is already logged in.", username)
		return
	}

	s.srv.metrics.SuccessfulAuths.Add(1)
	slog.Info("user logged in", "session", s.id, "user", username, "remote", s.remote)
}

func (s *Session) failLogin(text, username string) {
	s.srv.metrics.FailedAuths.Add(1)
	slog.Info("login rejected", "session", s.id, "user", username, "remote", s.remote, "reason", text)
	s.send(&protocol.LoginFailure{Text: text})
}

// handleChat relays a chat line. The relayed envelope carries the sender
// and may outgrow the frame it arrived in; such a message is refused
// rather than breaking every recipient's stream.
func (s *Session) handleChat(m *protocol.ChatMessage) {
	username := s.Username()
	payload, err := protocol.EncodeFrame(s.srv.codec, username, &protocol.ChatMessage{Text: m.Text})
	if err != nil {
		slog.Warn("chat not relayed", "session", s.id, "user", username, "err", err)
		s.send(&protocol.GeneralServerMessage{Text: "Message too long, not delivered."})
		return
	}
	n := s.srv.registry.BroadcastPayload(payload, s)
	s.srv.metrics.ChatMessagesSent.Add(1)
	slog.Debug("chat relayed", "user", username, "recipients", n)
}

// discardUpload consumes the raw bytes announced by rejected metadata so
// the next frame starts where the peer expects it. Uploads larger than the
// configured cap are not drained; the connection ends instead.
func (s *Session) discardUpload(size int64) bool {
	if size <= 0 {
		return true
	}
	if limit := s.srv.cfg.MaxUploadSize; limit > 0 && size > limit {
		return false
	}
	s.conn.readTimeout = s.srv.cfg.IOTimeout
	if _, err := protocol.CopyRaw(io.Discard, s.r, size); err != nil {
		slog.Warn("discard upload failed", "session", s.id, "err", err)
		return false
	}
	return true
}

func (s *Session) handleUpload(ctx context.Context, meta *protocol.FileUploadMetadata) bool {
	name := meta.Name
	reject := func(text string) {
		s.srv.metrics.UploadsFailed.Add(1)
		slog.Warn("upload rejected", "session", s.id, "user", s.Username(), "file", name, "size", meta.Size, "reason", text)
		s.send(&protocol.UploadConfirmation{Name: name, Success: false, Text: text})
	}

	if meta.Size < 0 {
		reject("File upload failed for '" + name + "': invalid size.")
		return true
	}
	if limit := s.srv.cfg.MaxUploadSize; limit > 0 && meta.Size > limit {
		reject(fmt.Sprintf("File upload failed for '%s': exceeds %d bytes.", name, limit))
		return false
	}
	if err := model.ValidateFileName(name); err != nil {
		ok := s.discardUpload(meta.Size)
		reject("File upload failed for '" + name + "': " + err.Error() + ".")
		return ok
	}

	s.send(&protocol.UploadReadyForBytes{Name: name})

	s.conn.readTimeout = s.srv.cfg.IOTimeout
	src := &countingReader{r: s.r}
	info, err := s.srv.files.Put(ctx, name, src, meta.Size)
	s.srv.metrics.UploadBytes.Add(src.n)
	if err != nil {
		if src.err != nil || errors.Is(err, store.ErrShortUpload) {
			// The inbound stream is broken; nothing more can be read.
			reject("File upload failed for '" + name + "'.")
			return false
		}
		// Storage failed with the stream intact. Skip what is left.
		slog.Error("store upload failed", "session", s.id, "file", name, "err", err)
		ok := s.discardUpload(meta.Size - src.n)
		reject("File upload failed for '" + name + "'.")
		return ok
	}

	s.srv.metrics.UploadsCompleted.Add(1)
	slog.Info("upload stored", "session", s.id, "user", s.Username(), "file", name, "bytes", info.Size, "blake3", info.Digest)
	s.send(&protocol.UploadConfirmation{Name: name, Success: true, Text: "File '" + name + "' uploaded successfully."})
	return true
}

func (s *Session) handleList() {
	names, err := s.srv.files.List()
	if err != nil {
		slog.Error("list files failed", "session", s.id, "err", err)
		s.send(&protocol.GeneralServerMessage{Text: "File list unavailable."})
		return
	}
	frames, err := protocol.EncodeNames(s.srv.codec, protocol.ServerSender, names, func(part []string, more bool) protocol.Message {
		return &protocol.FileListResponse{Names: part, More: more}
	})
	if err != nil {
		slog.Error("encode file list failed", "session", s.id, "files", len(names), "err", err)
		s.send(&protocol.GeneralServerMessage{Text: "File list unavailable."})
		return
	}
	s.push(outbound{payloads: frames})
}

func (s *Session) handleDownload(req *protocol.FileDownloadRequest) {
	name := req.Name
	fail := func(text string) {
		s.srv.metrics.DownloadsFailed.Add(1)
		s.send(&protocol.FileDownloadError{Name: name, Text: text})
	}

	if err := model.ValidateFileName(name); err != nil {
		fail("File not found: " + name)
		return
	}
	body, info, err := s.srv.files.Open(name)
	if errors.Is(err, store.ErrNotFound) {
		fail("File not found: " + name)
		return
	}
	if err != nil {
		slog.Error("open file failed", "session", s.id, "file", name, "err", err)
		fail("File unreadable: " + name)
		return
	}

	start, err := protocol.EncodeFrame(s.srv.codec, protocol.ServerSender, &protocol.FileDownloadInfoAndStart{Name: name, Size: info.Size})
	if err != nil {
		_ = body.Close()
		slog.Error("encode download header failed", "err", err)
		return
	}
	sending, err := protocol.EncodeFrame(s.srv.codec, protocol.ServerSender, &protocol.FileDownloadSendingBytes{Name: name})
	if err != nil {
		_ = body.Close()
		slog.Error("encode download header failed", "err", err)
		return
	}
	s.push(outbound{
		payloads: [][]byte{start, sending},
		body:     body,
		size:     info.Size,
		name:     name,
	})
}

// countingReader records how many bytes passed through and the first
// read error from the connection.
type countingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err != nil && c.err == nil {
		c.err = err
	}
	return n, err
}
