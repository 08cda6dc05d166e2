package network

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Server accepts inbound TCP sessions and wraps them as Links.
type Server struct {
	listener net.Listener
	options  LinkOptions

	incoming chan *Link
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and accept loop.
func Listen(address string, options LinkOptions) (*Server, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  options,
		incoming: make(chan *Link, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Incoming returns accepted links.
func (s *Server) Incoming() <-chan *Link {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			select {
			case s.errs <- fmt.Errorf("accept connection: %w", err):
			default:
			}
			continue
		}

		opts := s.options
		opts.PeerName = conn.RemoteAddr().String()
		link := NewLink(conn, opts)
		logrus.WithField("peer", opts.PeerName).Debug("accepted link")

		select {
		case s.incoming <- link:
		case <-s.closed:
			_ = link.Close()
			return
		}
	}
}
