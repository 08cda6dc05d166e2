package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_filerelay._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultBrowseTimeout bounds one browse window.
	DefaultBrowseTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertising and browsing.
type Config struct {
	Service       string
	Domain        string
	Version       int
	BrowseTimeout time.Duration

	DeviceID   string
	DeviceName string
	Port       int
	// Route is advertised so senders can address this receiver's routing hint.
	Route string

	Logger *logrus.Entry

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.BrowseTimeout <= 0 {
		out.BrowseTimeout = DefaultBrowseTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.WithField("component", "discovery")
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return errors.New("device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid listening port %d", c.Port)
	}
	return nil
}

func (c Config) txtRecords() []string {
	txt := []string{
		"device_id=" + c.DeviceID,
		"version=" + strconv.Itoa(c.Version),
	}
	if c.Route != "" {
		txt = append(txt, "route="+c.Route)
	}
	return txt
}

// Advertiser announces a receiver on the local network.
type Advertiser struct {
	server *zeroconf.Server
	log    *logrus.Entry
}

// Advertise registers the receiver's mDNS service.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.Port, cfg.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	cfg.Logger.WithFields(logrus.Fields{
		"service": cfg.Service,
		"name":    cfg.DeviceName,
		"port":    cfg.Port,
	}).Info("advertising receiver")

	return &Advertiser{server: server, log: cfg.Logger}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.log.Debug("mDNS advertisement stopped")
}
