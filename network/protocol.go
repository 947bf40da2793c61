package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"rangelink/session"
)

const (
	// ProtocolVersion is the current exchange protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload, the largest encodable session config.
	MaxFrameSize = session.MaxRecordSize
	// MaxControlFrameSize bounds JSON control frames.
	MaxControlFrameSize = 4 * 1024
	// DefaultConnectionTimeout bounds one complete exchange, dial included.
	DefaultConnectionTimeout = 10 * time.Second
)

const (
	TypeHello = "hello"
	TypeAck   = "ack"
	TypeError = "error"
)

const (
	CodeUnknownType     = "unknown_type"
	CodeInvalidHello    = "invalid_hello"
	CodeVersionMismatch = "version_mismatch"
	CodeMalformedConfig = "malformed_config"
)

var (
	// ErrFrameTooLarge indicates payload exceeds the frame limit.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrUnexpectedPeer indicates the remote side acknowledged with another device id.
	ErrUnexpectedPeer = errors.New("network: unexpected peer")
)

// LocalIdentity contains local device values sent in hello and ack messages.
type LocalIdentity struct {
	DeviceID   string
	DeviceName string
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// HelloMessage opens an exchange from the connecting side.
type HelloMessage struct {
	Type            string `json:"type"`
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// AckMessage closes a successful exchange.
type AckMessage struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// RemoteError is an ErrorMessage received from the peer.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

// Is maps well-known remote codes onto the matching local sentinel errors.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case CodeVersionMismatch:
		return target == ErrUnsupportedVersion
	case CodeMalformedConfig:
		return target == session.ErrMalformedRecord
	}
	return false
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// isControlFrame reports whether payload is JSON rather than a binary session
// config. Encoded configs start with session.Version, never '{'.
func isControlFrame(payload []byte) bool {
	return len(payload) > 0 && payload[0] == '{'
}

func decodeRemoteError(payload []byte) error {
	var remote ErrorMessage
	if err := json.Unmarshal(payload, &remote); err != nil {
		return fmt.Errorf("decode remote error response: %w", err)
	}
	return &RemoteError{Code: remote.Code, Message: remote.Message}
}

func makeVersionMismatchError(got int) ErrorMessage {
	return ErrorMessage{
		Type:              TypeError,
		Code:              CodeVersionMismatch,
		Message:           fmt.Sprintf("Unsupported protocol version %d.", got),
		SupportedVersions: []int{ProtocolVersion},
		Timestamp:         time.Now().UnixMilli(),
	}
}

func writeJSONFrame(w io.Writer, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame of at most MaxFrameSize bytes.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrameLimited(r, MaxFrameSize)
}

// ReadControlFrame reads one frame of at most MaxControlFrameSize bytes.
func ReadControlFrame(r io.Reader) ([]byte, error) {
	return readFrameLimited(r, MaxControlFrameSize)
}

func readFrameLimited(r io.Reader, limit uint32) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > limit {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
