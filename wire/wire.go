// Package wire defines the negotiation channel protocol: JSON messages with a
// type envelope carried over 4-byte length-prefixed frames.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (1 MB).
	// Negotiation messages are small; anything larger is a protocol error.
	MaxFrameSize = 1 * 1024 * 1024
	// DefaultDialTimeout bounds TCP dials to a peer's negotiation endpoint.
	DefaultDialTimeout = 5 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

const (
	TypeTransferRequest    = "transfer_request"
	TypeTransferRequestAck = "transfer_request_ack"
	TypeTransferResponse   = "transfer_response"
	TypeTransferStatus     = "transfer_status"
)

const (
	// StatusAccepted is the wire value for an accepted transfer.
	StatusAccepted = "accepted"
	// StatusDeclined is the wire value for a declined transfer.
	StatusDeclined = "declined"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("wire: frame exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("wire: invalid message type")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// ReturnAddress is the endpoint a receiver uses to reach the requester.
type ReturnAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// HostPort returns the address in dialable host:port form.
func (a ReturnAddress) HostPort() string {
	return net.JoinHostPort(a.Host, fmt.Sprintf("%d", a.Port))
}

// TransferRequest proposes a transfer to a peer.
type TransferRequest struct {
	Type          string        `json:"type"`
	TransferID    string        `json:"transfer_id"`
	From          string        `json:"from"`
	FileCount     int           `json:"file_count"`
	TotalSize     int64         `json:"total_size"`
	ReturnAddress ReturnAddress `json:"return_address"`
	Timestamp     int64         `json:"timestamp"`
}

// TransferRequestAck confirms receipt of a request. Distinct from a decision.
type TransferRequestAck struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Timestamp  int64  `json:"timestamp"`
}

// TransferResponse carries the human accept/decline decision.
type TransferResponse struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Accepted   bool   `json:"accepted"`
	Timestamp  int64  `json:"timestamp"`
}

// TransferStatus is the broadcast form of a decision, filtered by transfer ID.
type TransferStatus struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	Timestamp  int64  `json:"timestamp"`
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

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
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

// WriteMessage encodes a message and writes it as one frame.
func WriteMessage(w io.Writer, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}
