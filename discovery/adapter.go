package discovery

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrNotScanning is returned by Refresh when no scanner is running.
var ErrNotScanning = errors.New("discovery is not scanning")

// AdapterOptions configures an Adapter.
type AdapterOptions struct {
	Config Config
	// PortFunc reports the exchange server port at advertising time. When nil,
	// Config.ExchangePort is advertised.
	PortFunc func() int
	Logger   logrus.FieldLogger
}

// Adapter reports mDNS sightings to a peer-seen handler, advertises the local
// exchange server, and resolves peer ids to exchange addresses through the
// running scanner's peer table.
type Adapter struct {
	cfg      Config
	portFunc func() int
	log      logrus.FieldLogger

	mu          sync.Mutex
	onSeen      func(id, name string)
	scanner     *PeerScanner
	broadcaster *Broadcaster
	closed      bool
}

// NewAdapter validates options.Config and returns an idle adapter.
func NewAdapter(options AdapterOptions) (*Adapter, error) {
	cfg := options.Config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}
	if options.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		options.Logger = logger
	}

	return &Adapter{
		cfg:      cfg,
		portFunc: options.PortFunc,
		log:      options.Logger.WithField("component", "discovery"),
		onSeen:   func(string, string) {},
	}, nil
}

// SetPeerSeenHandler sets the callback invoked for every sighting.
func (a *Adapter) SetPeerSeenHandler(fn func(id, name string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onSeen = fn
}

// StartScanning starts a background scanner. It is a no-op while one runs.
func (a *Adapter) StartScanning(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("discovery adapter closed")
	}
	if a.scanner != nil {
		return nil
	}

	scanner, err := NewPeerScanner(a.cfg, a.handleSighting)
	if err != nil {
		return err
	}
	if err := scanner.Start(); err != nil {
		return err
	}
	a.scanner = scanner
	a.log.WithField("service", a.cfg.Service).Info("mDNS scanning started")
	return nil
}

// StopScanning stops the scanner and forgets its peers.
func (a *Adapter) StopScanning() {
	a.mu.Lock()
	scanner := a.scanner
	a.scanner = nil
	a.mu.Unlock()

	if scanner == nil {
		return
	}
	scanner.Stop()
	a.log.Info("mDNS scanning stopped")
}

// StartAdvertising registers the local service. It fails when no exchange
// port is known yet.
func (a *Adapter) StartAdvertising(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("discovery adapter closed")
	}
	if a.broadcaster != nil {
		return nil
	}

	cfg := a.cfg
	if a.portFunc != nil {
		cfg.ExchangePort = a.portFunc()
	}
	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return err
	}
	a.broadcaster = broadcaster
	a.log.WithFields(logrus.Fields{
		"name":          cfg.DeviceName,
		"exchange_port": cfg.ExchangePort,
	}).Info("mDNS advertising started")
	return nil
}

func (a *Adapter) StopAdvertising() {
	a.mu.Lock()
	broadcaster := a.broadcaster
	a.broadcaster = nil
	a.mu.Unlock()

	if broadcaster == nil {
		return
	}
	broadcaster.Stop()
	a.log.Info("mDNS advertising stopped")
}

// Resolve returns the exchange address of the most recent sighting of peerID.
// Peers unseen for longer than PeerStaleAfter, and every peer while not
// scanning, do not resolve.
func (a *Adapter) Resolve(peerID string) (string, bool) {
	scanner := a.currentScanner()
	if scanner == nil {
		return "", false
	}
	peer, ok := scanner.Lookup(peerID)
	if !ok {
		return "", false
	}
	return peer.ExchangeAddress()
}

// Sightings lists the peers the running scanner currently knows.
func (a *Adapter) Sightings() []DiscoveredPeer {
	scanner := a.currentScanner()
	if scanner == nil {
		return []DiscoveredPeer{}
	}
	return scanner.ListPeers()
}

// Refresh runs an immediate scan and waits for it to finish.
func (a *Adapter) Refresh(ctx context.Context) error {
	scanner := a.currentScanner()
	if scanner == nil {
		return ErrNotScanning
	}
	return scanner.Refresh(ctx)
}

func (a *Adapter) Close() error {
	a.StopScanning()
	a.StopAdvertising()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *Adapter) currentScanner() *PeerScanner {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanner
}

func (a *Adapter) handleSighting(peer DiscoveredPeer) {
	a.mu.Lock()
	onSeen := a.onSeen
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{
		"peer_id":   peer.DeviceID,
		"addresses": peer.Addresses,
	}).Debug("Peer sighted")
	onSeen(peer.DeviceID, peer.DeviceName)
}
