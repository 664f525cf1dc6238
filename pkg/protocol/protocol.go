// Package protocol defines the chat control messages, their framing, and
// the raw byte sub-stream convention used for file transfer.
//
// Control messages are length-prefixed envelopes:
//
//	[4-byte big-endian length][encoded {kind, sender, body}]
//
// A transfer's payload is not framed. It is a run of exactly N raw bytes
// written immediately after the control message that announced N.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxControlMessage is the maximum encoded control message size (64KB).
const MaxControlMessage = 65536

// ServerSender is the sender name on every server-originated message.
const ServerSender = "Server"

var (
	// ErrMessageTooLarge means a frame exceeded MaxControlMessage. The
	// stream cannot be resynchronized afterwards.
	ErrMessageTooLarge = errors.New("protocol: message too large")

	// ErrMalformed means a frame was read completely but its envelope
	// could not be decoded. The stream is still in sync.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrShortStream means a raw sub-stream ended before its declared length.
	ErrShortStream = errors.New("protocol: raw stream ended early")
)

type wireEnvelope struct {
	Kind   Kind   `json:"kind"`
	Sender string `json:"sender,omitempty"`
	Body   any    `json:"body,omitempty"`
}

type wireHeader struct {
	Kind   Kind   `json:"kind"`
	Sender string `json:"sender,omitempty"`
}

// Encode serializes a message and its sender into an envelope payload.
func Encode(c Codec, sender string, msg Message) ([]byte, error) {
	env := wireEnvelope{Kind: msg.Kind(), Sender: sender, Body: msg}
	if _, ok := msg.(*Unknown); ok {
		env.Body = struct{}{}
	}
	data, err := c.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", msg.Kind(), err)
	}
	return data, nil
}

// Decode parses an envelope payload. Unrecognized kinds decode to *Unknown.
func Decode(c Codec, data []byte) (*Envelope, error) {
	var hdr wireHeader
	if err := c.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if hdr.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	decode, ok := decoders[hdr.Kind]
	if !ok {
		return &Envelope{Sender: hdr.Sender, Message: &Unknown{Tag: hdr.Kind}}, nil
	}
	msg, err := decode(c, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrMalformed, hdr.Kind, err)
	}
	return &Envelope{Sender: hdr.Sender, Message: msg}, nil
}

// WriteFrame writes one length-prefixed frame in a single Write call.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxControlMessage {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data))) //nolint:gosec // length already bounds-checked above
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("protocol: read length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length > MaxControlMessage {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("protocol: read payload: %w", err)
	}
	return data, nil
}

// WriteMessage encodes and writes one control message.
func WriteMessage(w io.Writer, c Codec, sender string, msg Message) error {
	data, err := Encode(c, sender, msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// ReadMessage reads and decodes one control message. An error wrapping
// ErrMalformed leaves the stream usable; any other error does not.
func ReadMessage(r io.Reader, c Codec) (*Envelope, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(c, data)
}

// CopyRaw copies exactly n raw bytes from src to dst. If src ends first
// the error wraps ErrShortStream.
func CopyRaw(dst io.Writer, src io.Reader, n int64) (int64, error) {
	written, err := io.CopyN(dst, src, n)
	if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
		return written, fmt.Errorf("%w: got %d of %d bytes", ErrShortStream, written, n)
	}
	if err != nil {
		return written, fmt.Errorf("protocol: raw copy: %w", err)
	}
	return written, nil
}

// EncodeFrame is Encode plus the frame size check, so an oversized
// message is refused before it is queued rather than when it is written.
func EncodeFrame(c Codec, sender string, msg Message) ([]byte, error) {
	data, err := Encode(c, sender, msg)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxControlMessage {
		return nil, fmt.Errorf("%w: %s encodes to %d bytes", ErrMessageTooLarge, msg.Kind(), len(data))
	}
	return data, nil
}

// EncodeNames encodes a name list across as many frames as needed. build
// makes one message from a slice of names and whether more parts follow.
// An empty list still yields one frame.
func EncodeNames(c Codec, sender string, names []string, build func(part []string, more bool) Message) ([][]byte, error) {
	if names == nil {
		names = []string{}
	}
	var frames [][]byte
	for {
		n, data, err := fitNames(c, sender, names, build)
		if err != nil {
			return nil, err
		}
		frames = append(frames, data)
		names = names[n:]
		if len(names) == 0 {
			return frames, nil
		}
	}
}

// fitNames finds the longest prefix of names whose message fits one frame.
func fitNames(c Codec, sender string, names []string, build func([]string, bool) Message) (int, []byte, error) {
	encode := func(n int) ([]byte, error) {
		return Encode(c, sender, build(names[:n], n < len(names)))
	}
	data, err := encode(len(names))
	if err != nil {
		return 0, nil, err
	}
	if len(data) <= MaxControlMessage {
		return len(names), data, nil
	}

	// lo always fits (or is zero), hi never does.
	lo, hi := 0, len(names)
	var best []byte
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		p, err := encode(mid)
		if err != nil {
			return 0, nil, err
		}
		if len(p) <= MaxControlMessage {
			lo, best = mid, p
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0, nil, fmt.Errorf("%w: name %q does not fit a frame", ErrMessageTooLarge, names[0])
	}
	return lo, best, nil
}
