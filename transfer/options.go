package transfer

import (
	"time"

	"github.com/sirupsen/logrus"

	appcrypto "filerelay/crypto"
	"filerelay/network"
)

const (
	// MinChunkSize is the smallest accepted chunk size in bytes.
	MinChunkSize = 512
	// MaxChunkSize is the largest accepted chunk size in bytes.
	MaxChunkSize = 32768
	// DefaultChunkSize is used when no chunk size is configured.
	DefaultChunkSize = 1024
	// DefaultThrottle is the pause between chunk sends.
	DefaultThrottle = 5 * time.Millisecond
)

// Transport is the single outbound primitive the engine uses. Payloads are
// not assumed to be delivered in order or at all.
type Transport interface {
	Send(channel network.Channel, payload []byte) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(channel network.Channel, payload []byte) error

// Send calls f.
func (f TransportFunc) Send(channel network.Channel, payload []byte) error {
	return f(channel, payload)
}

// Options configures an Engine. The zero value is usable.
type Options struct {
	// ChunkSize is clamped to [MinChunkSize, MaxChunkSize].
	ChunkSize int
	// DefaultKey is the passphrase used when none is given per transfer.
	DefaultKey string
	// PreferRoute is the routing hint used when a send names none.
	PreferRoute string
	// AutoAccept emits ready files on the file channel without Accept.
	AutoAccept bool

	// Iterations is the PBKDF2 work factor for outgoing transfers.
	Iterations int
	// Throttle is the pause between chunks; negative disables it.
	Throttle time.Duration
	// MaxResendRequests caps resend requests per incoming transfer; zero is unbounded.
	MaxResendRequests int

	Logger *logrus.Entry
}

func (o Options) withDefaults() Options {
	out := o
	out.ChunkSize = ClampChunkSize(out.ChunkSize)
	if out.Iterations <= 0 {
		out.Iterations = appcrypto.DefaultIterations
	}
	if out.Throttle == 0 {
		out.Throttle = DefaultThrottle
	}
	if out.MaxResendRequests < 0 {
		out.MaxResendRequests = 0
	}
	if out.Logger == nil {
		out.Logger = logrus.WithField("component", "transfer")
	}
	return out
}

// ClampChunkSize maps size into [MinChunkSize, MaxChunkSize], defaulting zero.
func ClampChunkSize(size int) int {
	if size <= 0 {
		return DefaultChunkSize
	}
	if size < MinChunkSize {
		return MinChunkSize
	}
	if size > MaxChunkSize {
		return MaxChunkSize
	}
	return size
}

// ChunkCount returns max(1, ceil(size/chunkSize)).
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 1
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}
