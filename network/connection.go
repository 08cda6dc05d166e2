package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LinkState represents the lifecycle state of one link.
type LinkState string

const (
	StateReady        LinkState = "READY"
	StateDisconnected LinkState = "DISCONNECTED"
)

// LinkOptions controls runtime behavior of a Link.
type LinkOptions struct {
	// PeerName labels the remote side in Inbound.From. Defaults to the remote address.
	PeerName string
	// Route is passed through on every Inbound message.
	Route string
	// FrameReadTimeout bounds each frame read; zero waits forever.
	FrameReadTimeout time.Duration
}

// Link carries file-transfer envelopes over one framed TCP connection. It
// provides no ordering or delivery guarantees beyond what TCP gives.
type Link struct {
	conn net.Conn

	peerName         string
	route            string
	frameReadTimeout time.Duration

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   LinkState

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// NewLink wraps an established connection.
func NewLink(conn net.Conn, options LinkOptions) *Link {
	peerName := options.PeerName
	if peerName == "" && conn.RemoteAddr() != nil {
		peerName = conn.RemoteAddr().String()
	}

	return &Link{
		conn:             conn,
		peerName:         peerName,
		route:            options.Route,
		frameReadTimeout: options.FrameReadTimeout,
		closed:           make(chan struct{}),
		state:            StateReady,
	}
}

// PeerName returns the label used for the remote side.
func (l *Link) PeerName() string {
	return l.peerName
}

// State returns the current link state.
func (l *Link) State() LinkState {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state
}

// Done is closed when the link is fully disconnected.
func (l *Link) Done() <-chan struct{} {
	return l.closed
}

// LastError returns the terminal link error, if any.
func (l *Link) LastError() error {
	l.errMu.RLock()
	defer l.errMu.RUnlock()
	return l.closeErr
}

// Start begins delivering inbound frames to handler. Subsequent calls are no-ops.
func (l *Link) Start(handler func(Inbound)) {
	l.startOnce.Do(func() {
		go l.readLoop(handler)
	})
}

// Send writes a pre-marshaled envelope as one frame.
func (l *Link) Send(payload []byte) error {
	if l.State() == StateDisconnected {
		if err := l.LastError(); err != nil {
			return err
		}
		return io.EOF
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if err := WriteFrame(l.conn, payload); err != nil {
		l.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

// Close terminates the link.
func (l *Link) Close() error {
	l.closeWithError(nil)
	return nil
}

func (l *Link) readLoop(handler func(Inbound)) {
	for {
		select {
		case <-l.closed:
			return
		default:
		}

		payload, err := ReadFrameWithTimeout(l.conn, l.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				l.closeWithError(nil)
				return
			}

			l.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}
		if len(payload) == 0 || handler == nil {
			continue
		}

		handler(Inbound{
			Payload: payload,
			From:    l.peerName,
			Route:   l.route,
		})
	}
}

func (l *Link) closeWithError(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.closeErr = err
		l.errMu.Unlock()

		l.stateMu.Lock()
		l.state = StateDisconnected
		l.stateMu.Unlock()

		_ = l.conn.Close()
		close(l.closed)

		entry := logrus.WithField("peer", l.peerName)
		if err != nil {
			entry.WithError(err).Warn("link closed with error")
		} else {
			entry.Debug("link closed")
		}
	})
}
