package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/parley/pkg/auth"
	"github.com/NicolasHaas/parley/pkg/client"
	"github.com/NicolasHaas/parley/pkg/protocol"
	"github.com/NicolasHaas/parley/pkg/store"
)

const recvTimeout = 5 * time.Second

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MetricsAddr = ""
	cfg.StoreBackend = "memory"
	cfg.LogInterval = 0
	cfg.LoginTimeout = recvTimeout
	cfg.IdleTimeout = time.Minute
	cfg.IOTimeout = recvTimeout
	if mutate != nil {
		mutate(&cfg)
	}

	creds, err := auth.NewStatic(map[string]string{
		"alice": "pw-alice",
		"bob":   "pw-bob",
		"carol": "pw-carol",
		"dave":  "pw-dave:with:colons",
	})
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	srv, err := New(cfg, Dependencies{Credentials: creds, Files: store.NewMemory()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv.Serve(ln)
	t.Cleanup(srv.Shutdown)
	return srv
}

func dial(t *testing.T, srv *Server) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), recvTimeout)
	defer cancel()
	c, err := client.Dial(ctx, srv.Addr().String(), srv.Codec())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func next(t *testing.T, c *client.Client) *client.Event {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(recvTimeout))
	ev, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return ev
}

func expect[T protocol.Message](t *testing.T, c *client.Client) (T, *client.Event) {
	t.Helper()
	ev := next(t, c)
	m, ok := ev.Message.(T)
	if !ok {
		var want T
		t.Fatalf("got %T %+v, want %T", ev.Message, ev.Message, want)
	}
	return m, ev
}

// login authenticates and consumes the welcome and the first roster.
func login(t *testing.T, srv *Server, username string) *client.Client {
	t.Helper()
	c := dial(t, srv)
	if err := c.Login(username, "pw-"+username); err != nil {
		t.Fatalf("Login: %v", err)
	}
	ok, ev := expect[*protocol.LoginSuccess](t, c)
	if ev.Sender != protocol.ServerSender || !strings.Contains(ok.Text, username) {
		t.Fatalf("LoginSuccess = %+v from %q", ok, ev.Sender)
	}
	roster, _ := expect[*protocol.UserListUpdate](t, c)
	if !contains(roster.Usernames, username) {
		t.Fatalf("roster %v missing %s", roster.Usernames, username)
	}
	return c
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(recvTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChatJoinLeaveScenario(t *testing.T) {
	srv := newTestServer(t, nil)

	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")

	joined, _ := expect[*protocol.UserJoined](t, alice)
	if joined.Username != "bob" {
		t.Fatalf("UserJoined = %+v", joined)
	}
	roster, _ := expect[*protocol.UserListUpdate](t, alice)
	if diff := cmp.Diff([]string{"alice", "bob"}, roster.Usernames); diff != "" {
		t.Fatalf("alice roster mismatch (-want +got):\n%s", diff)
	}

	if err := alice.SendChat("hi"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	chat, ev := expect[*protocol.ChatMessage](t, bob)
	if chat.Text != "hi" || ev.Sender != "alice" {
		t.Fatalf("bob got %+v from %q", chat, ev.Sender)
	}

	// The sender is not echoed its own chat: the next thing alice sees is
	// the reply to alice's own request.
	if err := alice.RequestFileList(); err != nil {
		t.Fatalf("RequestFileList: %v", err)
	}
	list, _ := expect[*protocol.FileListResponse](t, alice)
	if len(list.Names) != 0 {
		t.Fatalf("file list = %v, want empty", list.Names)
	}

	if err := bob.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	left, _ := expect[*protocol.UserLeft](t, alice)
	if left.Username != "bob" {
		t.Fatalf("UserLeft = %+v", left)
	}
	roster, _ = expect[*protocol.UserListUpdate](t, alice)
	if diff := cmp.Diff([]string{"alice"}, roster.Usernames); diff != "" {
		t.Fatalf("roster after leave mismatch (-want +got):\n%s", diff)
	}
	waitFor(t, "bob removed", func() bool { return srv.Registry().Count() == 1 })
}

func TestBroadcastReachesEveryoneButSender(t *testing.T) {
	srv := newTestServer(t, nil)
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	carol := login(t, srv, "carol")

	// Drain join notifications.
	expect[*protocol.UserJoined](t, alice)
	expect[*protocol.UserListUpdate](t, alice)
	expect[*protocol.UserJoined](t, alice)
	expect[*protocol.UserListUpdate](t, alice)
	expect[*protocol.UserJoined](t, bob)
	expect[*protocol.UserListUpdate](t, bob)

	if err := bob.SendChat("from bob"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	for _, c := range []*client.Client{alice, carol} {
		chat, ev := expect[*protocol.ChatMessage](t, c)
		if chat.Text != "from bob" || ev.Sender != "bob" {
			t.Fatalf("got %+v from %q", chat, ev.Sender)
		}
	}
	if got := srv.Metrics().ChatMessagesSent.Load(); got != 1 {
		t.Fatalf("ChatMessagesSent = %d, want 1", got)
	}
}

func TestChatMarkupRelayedIntact(t *testing.T) {
	srv := newTestServer(t, nil)
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	expect[*protocol.UserJoined](t, alice)
	expect[*protocol.UserListUpdate](t, alice)

	text := strings.Repeat("<", 12000) + " & " + strings.Repeat(">", 12000)
	if err := alice.SendChat(text); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	chat, ev := expect[*protocol.ChatMessage](t, bob)
	if chat.Text != text || ev.Sender != "alice" {
		t.Fatalf("got %d bytes from %q, want %d bytes from alice", len(chat.Text), ev.Sender, len(text))
	}
}

func TestChatTooLongToRelayIsRefused(t *testing.T) {
	srv := newTestServer(t, nil)
	bob := login(t, srv, "bob")

	// Sending the login directly leaves the client's sender field empty, so
	// alice's frames are smaller than their relayed form.
	alice := dial(t, srv)
	if err := alice.Send(&protocol.LoginRequest{Credentials: "alice:pw-alice"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	expect[*protocol.LoginSuccess](t, alice)
	expect[*protocol.UserListUpdate](t, alice)
	expect[*protocol.UserJoined](t, bob)
	expect[*protocol.UserListUpdate](t, bob)

	base, err := protocol.Encode(srv.Codec(), "", &protocol.ChatMessage{Text: "x"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	text := strings.Repeat("x", protocol.MaxControlMessage-len(base)+1)
	if err := alice.SendChat(text); err != nil {
		t.Fatalf("SendChat at the frame limit: %v", err)
	}
	msg, ev := expect[*protocol.GeneralServerMessage](t, alice)
	if ev.Sender != protocol.ServerSender || !strings.Contains(msg.Text, "too long") {
		t.Fatalf("reply = %+v from %q", msg, ev.Sender)
	}

	// bob is still connected and never saw the refused message.
	if err := alice.SendChat("short"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	chat, _ := expect[*protocol.ChatMessage](t, bob)
	if chat.Text != "short" {
		t.Fatalf("bob got %d bytes, want the short message", len(chat.Text))
	}
	if got := srv.Registry().Count(); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}
}

func TestLargeFileListIsSplit(t *testing.T) {
	srv := newTestServer(t, nil)
	alice := login(t, srv, "alice")

	var want []string
	for i := 0; i < 700; i++ {
		name := fmt.Sprintf("%03d-%s", i, strings.Repeat("n", 106))
		if _, err := srv.files.Put(context.Background(), name, strings.NewReader("x"), 1); err != nil {
			t.Fatalf("Put: %v", err)
		}
		want = append(want, name)
	}

	for round := 0; round < 2; round++ {
		if err := alice.RequestFileList(); err != nil {
			t.Fatalf("RequestFileList: %v", err)
		}
		var got []string
		parts := 0
		for {
			list, _ := expect[*protocol.FileListResponse](t, alice)
			got = append(got, list.Names...)
			parts++
			if !list.More {
				break
			}
		}
		if parts < 2 {
			t.Fatalf("round %d: list arrived in one frame, want it split", round)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("round %d: names mismatch (-want +got):\n%s", round, diff)
		}
	}
}

func TestReadOnlyUserIsNotTimedOut(t *testing.T) {
	srv := newTestServer(t, func(c *Config) {
		c.LoginTimeout = 100 * time.Millisecond
		c.IdleTimeout = DefaultConfig().IdleTimeout
	})
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	expect[*protocol.UserJoined](t, alice)
	expect[*protocol.UserListUpdate](t, alice)

	// Well past the login timeout without alice sending anything.
	time.Sleep(300 * time.Millisecond)

	if err := bob.SendChat("still there?"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	chat, _ := expect[*protocol.ChatMessage](t, alice)
	if chat.Text != "still there?" {
		t.Fatalf("got %q", chat.Text)
	}
}

func TestLoginFailures(t *testing.T) {
	srv := newTestServer(t, nil)
	c := dial(t, srv)

	tests := []struct {
		name string
		send func() error
		want string
	}{
		{"wrong password", func() error { return c.Login("alice", "nope") }, "Invalid username or password."},
		{"unknown user", func() error { return c.Login("mallory", "x") }, "Invalid username or password."},
		{"no separator", func() error { return c.Send(&protocol.LoginRequest{Credentials: "alice"}) }, "Malformed login request."},
		{"chat before login", func() error { return c.SendChat("hello?") }, "Invalid request type. Expected LOGIN_REQUEST."},
		{"list before login", c.RequestFileList, "Invalid request type. Expected LOGIN_REQUEST."},
	}
	for _, tt := range tests {
		if err := tt.send(); err != nil {
			t.Fatalf("%s: send: %v", tt.name, err)
		}
		fail, _ := expect[*protocol.LoginFailure](t, c)
		if fail.Text != tt.want {
			t.Errorf("%s: LoginFailure = %q, want %q", tt.name, fail.Text, tt.want)
		}
	}

	// Retries are unlimited; the same connection can still log in.
	if err := c.Login("alice", "pw-alice"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	expect[*protocol.LoginSuccess](t, c)
	expect[*protocol.UserListUpdate](t, c)

	if got := srv.Metrics().FailedAuths.Load(); got != 3 {
		t.Errorf("FailedAuths = %d, want 3", got)
	}
}

func TestLoginPasswordMayContainColon(t *testing.T) {
	srv := newTestServer(t, nil)
	c := dial(t, srv)
	if err := c.Login("dave", "pw-dave:with:colons"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	expect[*protocol.LoginSuccess](t, c)
}

func TestDuplicateLoginRejected(t *testing.T) {
	srv := newTestServer(t, nil)
	first := login(t, srv, "alice")

	second := dial(t, srv)
	if err := second.Login("alice", "pw-alice"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	fail, _ := expect[*protocol.LoginFailure](t, second)
	if fail.Text != "User alice is already logged in." {
		t.Fatalf("LoginFailure = %q", fail.Text)
	}

	// A second login on an authenticated session is refused too.
	if err := first.Login("bob", "pw-bob"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	msg, _ := expect[*protocol.GeneralServerMessage](t, first)
	if msg.Text != "Already logged in." {
		t.Fatalf("GeneralServerMessage = %q", msg.Text)
	}
	if diff := cmp.Diff([]string{"alice"}, srv.Registry().Usernames()); diff != "" {
		t.Fatalf("registry mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentLoginSameUsername(t *testing.T) {
	srv := newTestServer(t, nil)

	const n = 8
	clients := make([]*client.Client, n)
	for i := range clients {
		clients[i] = dial(t, srv)
	}

	var wg sync.WaitGroup
	results := make([]protocol.Message, n)
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *client.Client) {
			defer wg.Done()
			if err := c.Login("alice", "pw-alice"); err != nil {
				return
			}
			_ = c.SetReadDeadline(time.Now().Add(recvTimeout))
			ev, err := c.Receive()
			if err != nil {
				return
			}
			results[i] = ev.Message
		}(i, c)
	}
	wg.Wait()

	successes, failures := 0, 0
	for _, m := range results {
		switch m.(type) {
		case *protocol.LoginSuccess:
			successes++
		case *protocol.LoginFailure:
			failures++
		}
	}
	if successes != 1 || failures != n-1 {
		t.Fatalf("successes=%d failures=%d, want 1 and %d", successes, failures, n-1)
	}
	if got := srv.Registry().Count(); got != 1 {
		t.Fatalf("registry count = %d, want 1", got)
	}
}

func randomBytes(size int) []byte {
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(int64(size)))
	_, _ = rng.Read(data)
	return data
}

func uploadAndDownload(t *testing.T, c *client.Client, name string, data []byte) {
	t.Helper()
	if err := c.Upload(name, bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	ready, _ := expect[*protocol.UploadReadyForBytes](t, c)
	if ready.Name != name {
		t.Fatalf("UploadReadyForBytes = %+v", ready)
	}
	conf, _ := expect[*protocol.UploadConfirmation](t, c)
	if !conf.Success || conf.Name != name {
		t.Fatalf("UploadConfirmation = %+v", conf)
	}

	if err := c.RequestDownload(name); err != nil {
		t.Fatalf("RequestDownload: %v", err)
	}
	info, _ := expect[*protocol.FileDownloadInfoAndStart](t, c)
	if info.Name != name || info.Size != int64(len(data)) {
		t.Fatalf("FileDownloadInfoAndStart = %+v, want size %d", info, len(data))
	}
	_, ev := expect[*protocol.FileDownloadSendingBytes](t, c)
	if !bytes.Equal(ev.Data, data) {
		t.Fatalf("downloaded %d bytes, content mismatch with %d uploaded", len(ev.Data), len(data))
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	for _, codec := range []protocol.Codec{protocol.JSON, protocol.CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			srv := newTestServer(t, func(c *Config) { c.Wire = codec.Name() })
			c := login(t, srv, "alice")

			for _, size := range []int{0, 1, 8191, 8192, 8193, 3 << 20} {
				name := fmt.Sprintf("file-%d.bin", size)
				uploadAndDownload(t, c, name, randomBytes(size))
			}

			// The connection is still in sync for ordinary traffic.
			if err := c.RequestFileList(); err != nil {
				t.Fatalf("RequestFileList: %v", err)
			}
			list, _ := expect[*protocol.FileListResponse](t, c)
			if len(list.Names) == 0 {
				t.Fatal("file list is empty after uploads")
			}
		})
	}
}

func TestUploadOverwriteAndList(t *testing.T) {
	srv := newTestServer(t, nil)
	c := login(t, srv, "alice")

	uploadAndDownload(t, c, "b.txt", []byte("first"))
	uploadAndDownload(t, c, "a.txt", []byte("alpha"))
	uploadAndDownload(t, c, "b.txt", []byte("second version"))

	if err := c.RequestFileList(); err != nil {
		t.Fatalf("RequestFileList: %v", err)
	}
	list, _ := expect[*protocol.FileListResponse](t, c)
	if diff := cmp.Diff([]string{"a.txt", "b.txt"}, list.Names); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}
}

func TestDownloadMissingFile(t *testing.T) {
	srv := newTestServer(t, nil)
	c := login(t, srv, "alice")

	for _, name := range []string{"nope.txt", "../etc/passwd"} {
		if err := c.RequestDownload(name); err != nil {
			t.Fatalf("RequestDownload: %v", err)
		}
		dlErr, _ := expect[*protocol.FileDownloadError](t, c)
		if dlErr.Name != name || dlErr.Text != "File not found: "+name {
			t.Fatalf("FileDownloadError = %+v", dlErr)
		}
	}
	uploadAndDownload(t, c, "after.txt", []byte("still usable"))
}

func TestUploadInvalidNameKeepsStreamInSync(t *testing.T) {
	srv := newTestServer(t, nil)
	c := login(t, srv, "alice")

	payload := randomBytes(10000)
	if err := c.Upload("../escape", bytes.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	conf, _ := expect[*protocol.UploadConfirmation](t, c)
	if conf.Success {
		t.Fatalf("UploadConfirmation = %+v, want failure", conf)
	}

	if err := c.Upload("neg", bytes.NewReader(nil), -5); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	conf, _ = expect[*protocol.UploadConfirmation](t, c)
	if conf.Success {
		t.Fatalf("negative size accepted: %+v", conf)
	}

	uploadAndDownload(t, c, "ok.txt", []byte("fine"))
	names, err := srv.files.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if diff := cmp.Diff([]string{"ok.txt"}, names); diff != "" {
		t.Fatalf("stored files mismatch (-want +got):\n%s", diff)
	}
}

func TestPartialUploadLeavesNoFile(t *testing.T) {
	srv := newTestServer(t, nil)
	c := login(t, srv, "alice")

	// Announce 1000 bytes, send 10, then drop the connection.
	err := c.Upload("partial.bin", bytes.NewReader(make([]byte, 10)), 1000)
	if !errors.Is(err, protocol.ErrShortStream) {
		t.Fatalf("Upload err = %v, want ErrShortStream", err)
	}
	_ = c.Close()

	waitFor(t, "session cleanup", func() bool { return srv.Registry().Count() == 0 })
	waitFor(t, "failed upload counted", func() bool { return srv.Metrics().UploadsFailed.Load() == 1 })

	ok, err := srv.files.Exists("partial.bin")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatal("partial upload left a visible file")
	}
}

func TestOversizeUploadClosesSession(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.MaxUploadSize = 16 })
	c := login(t, srv, "alice")

	if err := c.Upload("big.bin", bytes.NewReader(make([]byte, 17)), 17); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	conf, _ := expect[*protocol.UploadConfirmation](t, c)
	if conf.Success {
		t.Fatalf("oversize upload accepted: %+v", conf)
	}
	_ = c.SetReadDeadline(time.Now().Add(recvTimeout))
	if _, err := c.Receive(); err == nil {
		t.Fatal("connection still open after oversize upload")
	}
	waitFor(t, "session cleanup", func() bool { return srv.Registry().Count() == 0 })
}

func TestUnknownKindIsNotFatal(t *testing.T) {
	srv := newTestServer(t, nil)
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	expect[*protocol.UserJoined](t, alice)
	expect[*protocol.UserListUpdate](t, alice)

	if err := alice.Send(&protocol.Unknown{Tag: "voice_packet"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, _ := expect[*protocol.GeneralServerMessage](t, alice)
	if msg.Text != "Unknown request type." {
		t.Fatalf("GeneralServerMessage = %q", msg.Text)
	}

	// A server-to-client kind sent by a client is just as unexpected.
	if err := alice.Send(&protocol.UserListUpdate{Usernames: []string{"x"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	expect[*protocol.GeneralServerMessage](t, alice)

	if err := alice.SendChat("still here"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	chat, _ := expect[*protocol.ChatMessage](t, bob)
	if chat.Text != "still here" {
		t.Fatalf("chat = %+v", chat)
	}
}

func TestMalformedFrameIsNotFatal(t *testing.T) {
	srv := newTestServer(t, nil)
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c := client.New(conn, protocol.JSON)
	t.Cleanup(func() { _ = c.Close() })

	for _, frame := range []string{`{not json`, `{"sender":"x"}`, `{"kind":"chat_message","body":{"text":42}}`} {
		if err := protocol.WriteFrame(conn, []byte(frame)); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		msg, _ := expect[*protocol.GeneralServerMessage](t, c)
		if msg.Text != "Malformed message." {
			t.Fatalf("reply to %s = %q", frame, msg.Text)
		}
	}

	if err := c.Login("alice", "pw-alice"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	expect[*protocol.LoginSuccess](t, c)
}

func TestOversizeFrameClosesConnection(t *testing.T) {
	srv := newTestServer(t, nil)
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	// Length prefix far above the control message limit.
	if _, err := conn.Write([]byte{0x7f, 0xff, 0xff, 0xff}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(recvTimeout))
	if _, err := io.ReadAll(conn); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	waitFor(t, "disconnect counted", func() bool { return srv.Metrics().TotalDisconnects.Load() == 1 })
}

func TestServerFull(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.MaxConnections = 1 })
	first := login(t, srv, "alice")

	second := dial(t, srv)
	msg, _ := expect[*protocol.GeneralServerMessage](t, second)
	if msg.Text != "Server is full." {
		t.Fatalf("GeneralServerMessage = %q", msg.Text)
	}
	_ = second.SetReadDeadline(time.Now().Add(recvTimeout))
	if _, err := second.Receive(); err == nil {
		t.Fatal("rejected connection stayed open")
	}
	if got := srv.Metrics().RejectedConnections.Load(); got != 1 {
		t.Fatalf("RejectedConnections = %d, want 1", got)
	}

	// Freeing the slot admits the next client.
	if err := first.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	waitFor(t, "slot released", func() bool {
		if !srv.slots.TryAcquire(1) {
			return false
		}
		srv.slots.Release(1)
		return true
	})
	login(t, srv, "bob")
}

func TestIdleTimeoutEndsSession(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.IdleTimeout = 100 * time.Millisecond })
	alice := login(t, srv, "alice")

	_ = alice.SetReadDeadline(time.Now().Add(recvTimeout))
	if _, err := alice.Receive(); err == nil {
		t.Fatal("idle session was not closed")
	}
	waitFor(t, "idle user removed", func() bool { return srv.Registry().Count() == 0 })
}

func TestShutdownClosesSessions(t *testing.T) {
	srv := newTestServer(t, nil)
	alice := login(t, srv, "alice")

	srv.Shutdown()

	_ = alice.SetReadDeadline(time.Now().Add(recvTimeout))
	if _, err := alice.Receive(); err == nil {
		t.Fatal("session survived shutdown")
	}
	if got := srv.Metrics().ActiveConnections.Load(); got != 0 {
		t.Fatalf("ActiveConnections = %d after shutdown", got)
	}
	if _, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second); err == nil {
		t.Fatal("listener still accepting after shutdown")
	}
}
