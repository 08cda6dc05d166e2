package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"time"
)

const (
	// Kind marks every file-transfer envelope.
	Kind = "file"
	// MaxFrameSize is the maximum accepted frame payload size (1 MiB).
	MaxFrameSize = 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial duration.
	DefaultConnectionTimeout = 30 * time.Second
)

// Op identifies one of the five file-transfer operations.
type Op string

const (
	OpHeader   Op = "header"
	OpChunk    Op = "chunk"
	OpComplete Op = "complete"
	OpCancel   Op = "cancel"
	OpRequest  Op = "request"
)

// Channel names the output a payload is sent on.
type Channel string

const (
	// ChannelOutgoing carries envelopes to the remote peer.
	ChannelOutgoing Channel = "outgoing"
	// ChannelStatus carries local telemetry events.
	ChannelStatus Channel = "status"
	// ChannelFile carries an assembled file to the local consumer.
	ChannelFile Channel = "file"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrNotFileEnvelope indicates a message that is not a file-transfer envelope.
	ErrNotFileEnvelope = errors.New("network: not a file envelope")
	// ErrUnknownOp indicates the op is missing or not one of the five operations.
	ErrUnknownOp = errors.New("network: unknown file op")
	// ErrMissingTransferID indicates an envelope without a transfer id.
	ErrMissingTransferID = errors.New("network: missing transfer id")
)

// Inbound is one demultiplexed message handed to the engine.
type Inbound struct {
	Payload []byte
	From    string
	Route   string
}

// Base holds the fields common to every envelope.
type Base struct {
	Kind       string `json:"kind"`
	Op         Op     `json:"op"`
	TransferID string `json:"transferId"`
	Ts         int64  `json:"ts"`
}

// NewBase stamps kind, op, id and the current time.
func NewBase(op Op, transferID string) Base {
	return Base{
		Kind:       Kind,
		Op:         op,
		TransferID: transferID,
		Ts:         time.Now().UnixMilli(),
	}
}

// HeaderEncryption carries the key derivation parameters for a transfer.
type HeaderEncryption struct {
	Alg         string `json:"alg"`
	Salt        string `json:"salt"`
	Iterations  int    `json:"iterations"`
	Fingerprint string `json:"fingerprint"`
	IVBytes     int    `json:"ivBytes"`
}

// ChunkEncryption carries the per-chunk nonce.
type ChunkEncryption struct {
	IV  string `json:"iv"`
	Alg string `json:"alg"`
}

// Header announces transfer metadata before data.
type Header struct {
	Base
	Name        string            `json:"name"`
	Size        int64             `json:"size"`
	Mime        string            `json:"mime"`
	TotalChunks int               `json:"totalChunks"`
	ChunkSize   int               `json:"chunkSize"`
	Route       string            `json:"route,omitempty"`
	Encryption  *HeaderEncryption `json:"encryption,omitempty"`
}

// Chunk carries one chunk, encrypted or not.
type Chunk struct {
	Base
	Seq         int              `json:"seq"`
	TotalChunks int              `json:"totalChunks"`
	Data        string           `json:"data"`
	Size        int64            `json:"size"`
	ChunkSize   int              `json:"chunkSize"`
	Route       string           `json:"route,omitempty"`
	Encryption  *ChunkEncryption `json:"encryption,omitempty"`
}

// Complete signals that no more chunks will be sent.
type Complete struct {
	Base
	TotalChunks int    `json:"totalChunks"`
	Size        int64  `json:"size"`
	Route       string `json:"route,omitempty"`
}

// Cancel aborts an in-flight transfer on both sides.
type Cancel struct {
	Base
	Reason string `json:"reason"`
}

// Request asks the sender to resend specific chunks.
type Request struct {
	Base
	Missing []int `json:"missing"`
}

// Envelope is a decoded file-transfer message. Exactly one of the op
// pointers is set, matching Op.
type Envelope struct {
	Op         Op
	TransferID string
	Ts         int64

	Header   *Header
	Chunk    *Chunk
	Complete *Complete
	Cancel   *Cancel
	Request  *Request
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// Encode marshals the variant carried by the envelope.
func (e Envelope) Encode() ([]byte, error) {
	switch e.Op {
	case OpHeader:
		if e.Header != nil {
			return EncodeJSON(e.Header)
		}
	case OpChunk:
		if e.Chunk != nil {
			return EncodeJSON(e.Chunk)
		}
	case OpComplete:
		if e.Complete != nil {
			return EncodeJSON(e.Complete)
		}
	case OpCancel:
		if e.Cancel != nil {
			return EncodeJSON(e.Cancel)
		}
	case OpRequest:
		if e.Request != nil {
			return EncodeJSON(e.Request)
		}
	default:
		return nil, ErrUnknownOp
	}
	return nil, fmt.Errorf("encode %s envelope: missing body", e.Op)
}

// DecodeEnvelope parses a payload into a tagged envelope.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var base Base
	if err := json.Unmarshal(payload, &base); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if base.Kind != Kind {
		return Envelope{}, ErrNotFileEnvelope
	}
	if base.TransferID == "" {
		return Envelope{}, ErrMissingTransferID
	}

	env := Envelope{Op: base.Op, TransferID: base.TransferID, Ts: base.Ts}
	var err error
	switch base.Op {
	case OpHeader:
		env.Header = &Header{}
		err = json.Unmarshal(payload, env.Header)
	case OpChunk:
		env.Chunk = &Chunk{}
		err = json.Unmarshal(payload, env.Chunk)
	case OpComplete:
		env.Complete = &Complete{}
		err = json.Unmarshal(payload, env.Complete)
	case OpCancel:
		env.Cancel = &Cancel{}
		err = json.Unmarshal(payload, env.Cancel)
	case OpRequest:
		env.Request = &Request{}
		if err = json.Unmarshal(payload, env.Request); err == nil {
			env.Request.Missing = NormalizeMissing(env.Request.Missing)
		}
	default:
		return Envelope{}, fmt.Errorf("%w %q", ErrUnknownOp, base.Op)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("decode %s envelope: %w", base.Op, err)
	}

	return env, nil
}

// NormalizeMissing drops sequence numbers below 1, sorts and dedupes.
func NormalizeMissing(missing []int) []int {
	out := make([]int, 0, len(missing))
	for _, seq := range missing {
		if seq >= 1 {
			out = append(out, seq)
		}
	}
	sort.Ints(out)

	deduped := make([]int, 0, len(out))
	for _, seq := range out {
		if n := len(deduped); n > 0 && deduped[n-1] == seq {
			continue
		}
		deduped = append(deduped, seq)
	}
	return deduped
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
