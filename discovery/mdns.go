package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_rangelink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 3 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 2 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
)

const (
	txtDeviceID     = "device_id"
	txtVersion      = "version"
	txtExchangePort = "exchange_port"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32
	// PeerStaleAfter is how long a peer missing from scans stays resolvable.
	PeerStaleAfter time.Duration

	SelfDeviceID string
	DeviceName   string
	ExchangePort int

	Clock clock.Clock

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
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.ScanTimeout > out.RefreshInterval {
		out.ScanTimeout = out.RefreshInterval
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = 2 * time.Duration(out.TTL) * time.Second
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ExchangePort <= 0 {
		return errors.New("exchange port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	return nil
}

// Broadcaster advertises local device presence via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers the device under its name with the exchange port
// in both the SRV record and the TXT records.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		txtDeviceID + "=" + cfg.SelfDeviceID,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
		txtExchangePort + "=" + strconv.Itoa(cfg.ExchangePort),
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ExchangePort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}
