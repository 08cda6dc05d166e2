package network

import (
	"context"
	"fmt"
	"net"
)

// Dial connects to a receiver and returns an unstarted Link.
func Dial(ctx context.Context, address string, options LinkOptions) (*Link, error) {
	dialer := net.Dialer{Timeout: DefaultConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	if options.PeerName == "" {
		options.PeerName = address
	}
	return NewLink(conn, options), nil
}
