// Package client implements the Parley client networking.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/NicolasHaas/parley/pkg/protocol"
)

// Event is one message received from the server. Data carries the raw
// file content that followed a FileDownloadSendingBytes message.
type Event struct {
	Sender  string
	Message protocol.Message
	Data    []byte
}

// EventHandler is a callback for incoming server events.
type EventHandler func(ev *Event)

// ErrUnexpectedBytes is returned when the server announces raw bytes
// without a preceding FileDownloadInfoAndStart.
var ErrUnexpectedBytes = errors.New("client: sending-bytes without download info")

// Client manages the single TCP connection to a Parley server. Writes are
// serialized; Receive must be called from one goroutine at a time.
type Client struct {
	conn  net.Conn
	r     *bufio.Reader
	codec protocol.Codec

	mu       sync.Mutex // guards writes and username
	username string

	// Download announced by FileDownloadInfoAndStart, consumed by the
	// following FileDownloadSendingBytes. Reader goroutine only.
	pendingName string
	pendingSize int64
	pending     bool

	done chan struct{}
}

// Dial connects to the server at addr.
func Dial(ctx context.Context, addr string, codec protocol.Codec) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	return New(conn, codec), nil
}

// New wraps an established connection.
func New(conn net.Conn, codec protocol.Codec) *Client {
	if codec == nil {
		codec = protocol.JSON
	}
	return &Client{
		conn:  conn,
		r:     bufio.NewReaderSize(conn, 64*1024),
		codec: codec,
		done:  make(chan struct{}),
	}
}

// Send sends one control message to the server.
func (c *Client) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WriteMessage(c.conn, c.codec, c.username, msg)
}

// Login sends a login request. The outcome arrives as LoginSuccess or
// LoginFailure through Receive.
func (c *Client) Login(username, password string) error {
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
	if err := c.Send(&protocol.LoginRequest{Credentials: username + ":" + password}); err != nil {
		return fmt.Errorf("client: send login: %w", err)
	}
	return nil
}

// SendChat sends a chat line to everyone else.
func (c *Client) SendChat(text string) error {
	return c.Send(&protocol.ChatMessage{Text: text})
}

// Upload announces a file and streams exactly size bytes from r right
// behind the metadata, holding the write lock so nothing interleaves.
func (c *Client) Upload(name string, r io.Reader, size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := protocol.WriteMessage(c.conn, c.codec, c.username, &protocol.FileUploadMetadata{Name: name, Size: size}); err != nil {
		return fmt.Errorf("client: send upload metadata: %w", err)
	}
	if size <= 0 {
		return nil
	}
	if _, err := protocol.CopyRaw(c.conn, r, size); err != nil {
		return fmt.Errorf("client: upload %q: %w", name, err)
	}
	return nil
}

// RequestFileList asks for the names of all shared files.
func (c *Client) RequestFileList() error {
	return c.Send(&protocol.FileListRequest{})
}

// RequestDownload asks for one shared file.
func (c *Client) RequestDownload(name string) error {
	return c.Send(&protocol.FileDownloadRequest{Name: name})
}

// Disconnect says goodbye and closes the connection.
func (c *Client) Disconnect() error {
	sendErr := c.Send(&protocol.ClientDisconnect{Text: "bye"})
	closeErr := c.conn.Close()
	if sendErr != nil {
		return sendErr
	}
	return closeErr
}

// SetReadDeadline bounds the next Receive calls.
func (c *Client) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Receive reads the next server message. After FileDownloadSendingBytes it
// also reads the announced raw bytes into Event.Data.
func (c *Client) Receive() (*Event, error) {
	env, err := protocol.ReadMessage(c.r, c.codec)
	if err != nil {
		return nil, err
	}
	ev := &Event{Sender: env.Sender, Message: env.Message}

	switch m := env.Message.(type) {
	case *protocol.FileDownloadInfoAndStart:
		c.pendingName, c.pendingSize, c.pending = m.Name, m.Size, true
	case *protocol.FileDownloadSendingBytes:
		if !c.pending {
			return nil, ErrUnexpectedBytes
		}
		c.pending = false
		if m.Name != c.pendingName {
			slog.Warn("download name mismatch", "announced", c.pendingName, "sending", m.Name)
		}
		data := make([]byte, c.pendingSize)
		if _, err := io.ReadFull(c.r, data); err != nil {
			return nil, fmt.Errorf("client: download %q: %w", c.pendingName, err)
		}
		ev.Data = data
	}
	return ev, nil
}

// StartReceiving starts a goroutine that reads incoming messages and
// dispatches them to handler until the connection ends.
func (c *Client) StartReceiving(handler EventHandler) {
	go func() {
		defer close(c.done)
		for {
			ev, err := c.Receive()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					slog.Debug("connection closed")
					return
				}
				slog.Error("read error", "err", err)
				return
			}
			if handler != nil {
				handler(ev)
			}
		}
	}()
}

// Close closes the connection without saying goodbye.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Done returns a channel that's closed when the receive loop ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
