// Package ipc provides the local transport between the sentinel service and
// the desktop agent.
//
// The protocol is designed for:
// - One-way event delivery with per-message acknowledgement
// - Per-message token authentication
// - Binary framing with JSON payloads
// - Protocol versioning for compatibility
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x53454E54 // "SENT"
)

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing    MessageType = 0x0001
	MsgPong    MessageType = 0x0002
	MsgAck     MessageType = 0x0003
	MsgError   MessageType = 0x0004
	MsgCommand MessageType = 0x0005

	// Collector events (0x01xx)
	MsgScreenshot  MessageType = 0x0101
	MsgClipboard   MessageType = 0x0102
	MsgAppUsage    MessageType = 0x0103
	MsgSystemEvent MessageType = 0x0104
)

// String returns the wire name of a message type, used in logs.
func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgAck:
		return "ack"
	case MsgError:
		return "error"
	case MsgCommand:
		return "command"
	case MsgScreenshot:
		return "screenshot"
	case MsgClipboard:
		return "clipboard"
	case MsgAppUsage:
		return "app_usage"
	case MsgSystemEvent:
		return "system"
	default:
		return fmt.Sprintf("unknown(0x%04x)", uint16(t))
	}
}

// Header is the fixed-size message header (12 bytes)
type Header struct {
	Magic   uint32      // Protocol magic number
	Version uint8       // Protocol version
	Flags   uint8       // Message flags, reserved
	Type    MessageType // Message type
	Length  uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 12

// MaxPayloadSize caps a single message payload. A frame announcing more
// than this is treated as a protocol violation, not an allocation request.
const MaxPayloadSize = 16 * 1024 * 1024

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:   ProtocolMagic,
			Version: ProtocolVersion,
			Type:    msgType,
			Length:  uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:   binary.BigEndian.Uint32(buf[0:4]),
		Version: buf[4],
		Flags:   buf[5],
		Type:    MessageType(binary.BigEndian.Uint16(buf[6:8])),
		Length:  binary.BigEndian.Uint32(buf[8:12]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}

	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Write writes the message to a writer
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Envelope is the JSON payload of every agent-originated message. The
// token is checked on every message, not only at connect.
type Envelope struct {
	AuthToken string          `json:"auth_token"`
	SentAt    time.Time       `json:"sent_at"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// AckResponse acknowledges a persisted or handled message.
type AckResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is sent when a message is rejected or fails.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeUnknown        = 1
	ErrCodeInvalidRequest = 2
	ErrCodeUnauthorized   = 3
	ErrCodeInternal       = 4
)

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewEnvelopeMessage builds a framed message whose payload is an Envelope
// carrying the JSON encoding of body.
func NewEnvelopeMessage(msgType MessageType, token string, body any) (*Message, error) {
	var raw json.RawMessage
	if body != nil {
		data, err := Encode(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", msgType, err)
		}
		raw = data
	}
	payload, err := Encode(&Envelope{
		AuthToken: token,
		SentAt:    time.Now().UTC(),
		Body:      raw,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return NewMessage(msgType, payload), nil
}

// NewAckMessage creates a success acknowledgement.
func NewAckMessage() *Message {
	payload, _ := Encode(&AckResponse{Status: "ok"})
	return NewMessage(MsgAck, payload)
}

// NewErrorMessage creates an error message
func NewErrorMessage(code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, payload)
}
