package hlp

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single message on the TCP command channel. Frames
// claiming more are treated as protocol corruption and kill the connection.
const MaxFrameSize = 64 * 1024

// Encode serializes a message for transmission. One UDP datagram carries
// exactly one encoded message; on TCP the bytes must be wrapped with
// WriteFrame.
func Encode(m *Message) ([]byte, error) {
	if !m.Type.Valid() {
		return nil, fmt.Errorf("refusing to encode unknown message type %q", m.Type)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("encoded %s message exceeds %d bytes", m.Type, MaxFrameSize)
	}
	return data, nil
}

// Decode parses a received message. It never fails loudly: malformed input,
// a foreign protocol version, or an unknown message type all yield nil, and
// callers drop the packet. Cross-talk on a shared broadcast domain is
// routine, not an error.
func Decode(data []byte) *Message {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	if m.Version != ProtocolVersion {
		return nil
	}
	if !m.Type.Valid() {
		return nil
	}
	return &m
}

// WriteFrame writes one length-prefixed message to a stream. The prefix is a
// 4-byte big-endian byte count of the encoded message that follows.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(data))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed message from a stream. An oversized
// length prefix is unrecoverable (the stream is no longer frame-aligned)
// and returns an error so the caller tears the connection down.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteMessage encodes m and frames it onto w.
func WriteMessage(w io.Writer, m *Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// ReadMessage reads one frame from r and decodes it. A frame that decodes
// to nil is reported as nil message with nil error; the caller skips it.
func ReadMessage(r io.Reader) (*Message, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(data), nil
}
