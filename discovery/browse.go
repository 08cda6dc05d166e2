package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

var (
	// ErrPeerNotFound indicates no discovered peer matches a query.
	ErrPeerNotFound = errors.New("discovery: peer not found")
	// ErrAmbiguousPeer indicates more than one discovered peer matches a query.
	ErrAmbiguousPeer = errors.New("discovery: peer name is ambiguous")
)

// Peer is a receiver seen on the local network.
type Peer struct {
	DeviceID   string
	DeviceName string
	Route      string
	Version    int
	HostName   string
	Port       int
	Addresses  []string
}

// Address returns a dialable host:port, preferring IPv4.
func (p Peer) Address() string {
	host := strings.TrimSuffix(p.HostName, ".")
	for _, addr := range p.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			host = addr
			break
		}
	}
	if host == "" && len(p.Addresses) > 0 {
		host = p.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port))
}

// Browse collects receivers for one browse window and returns them sorted by
// name. The local device is filtered out by DeviceID.
func Browse(ctx context.Context, config Config) ([]Peer, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.BrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Peer)
	collectorDone := make(chan struct{})

	add := func(entry *zeroconf.ServiceEntry) {
		if entry == nil {
			return
		}
		if peer, ok := parseEntry(entry, cfg.DeviceID); ok {
			collected[peer.DeviceID] = peer
		}
	}

	go func() {
		defer close(collectorDone)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				add(entry)
			case <-scanCtx.Done():
				// Keep entries that were already queued when the window closed.
				for {
					select {
					case entry, ok := <-entries:
						if !ok {
							return
						}
						add(entry)
					default:
						return
					}
				}
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse %s: %w", cfg.Service, err)
	}

	<-scanCtx.Done()
	<-collectorDone

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	peers := make([]Peer, 0, len(collected))
	for _, peer := range collected {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].DeviceName == peers[j].DeviceName {
			return peers[i].DeviceID < peers[j].DeviceID
		}
		return peers[i].DeviceName < peers[j].DeviceName
	})

	cfg.Logger.WithFields(logrus.Fields{
		"service": cfg.Service,
		"peers":   len(peers),
	}).Debug("mDNS browse finished")
	return peers, nil
}

// Resolve picks one peer by device ID, or by case-insensitive device name.
func Resolve(peers []Peer, query string) (Peer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Peer{}, fmt.Errorf("%w: empty query", ErrPeerNotFound)
	}

	for _, peer := range peers {
		if peer.DeviceID == query {
			return peer, nil
		}
	}

	var matches []Peer
	for _, peer := range peers {
		if strings.EqualFold(peer.DeviceName, query) {
			matches = append(matches, peer)
		}
	}
	switch len(matches) {
	case 0:
		return Peer{}, fmt.Errorf("%w: %q", ErrPeerNotFound, query)
	case 1:
		return matches[0], nil
	default:
		return Peer{}, fmt.Errorf("%w: %q matches %d peers", ErrAmbiguousPeer, query, len(matches))
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (Peer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := txt["device_id"]
	if deviceID == "" || deviceID == selfDeviceID {
		return Peer{}, false
	}
	if entry.Port <= 0 {
		return Peer{}, false
	}

	version := 0
	if raw := txt["version"]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return Peer{
		DeviceID:   deviceID,
		DeviceName: name,
		Route:      txt["route"],
		Version:    version,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
