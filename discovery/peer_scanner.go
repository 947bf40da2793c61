package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// DiscoveredPeer contains a discovered LAN endpoint.
type DiscoveredPeer struct {
	DeviceID     string    `json:"device_id"`
	DeviceName   string    `json:"device_name"`
	Version      int       `json:"version"`
	HostName     string    `json:"host_name"`
	Port         int       `json:"port"`
	ExchangePort int       `json:"exchange_port"`
	Addresses    []string  `json:"addresses"`
	LastSeen     time.Time `json:"last_seen"`
}

// ExchangeAddress returns host:port for the peer's exchange server,
// preferring IPv4.
func (p DiscoveredPeer) ExchangeAddress() (string, bool) {
	port := p.ExchangePort
	if port <= 0 {
		port = p.Port
	}
	if port <= 0 || len(p.Addresses) == 0 {
		return "", false
	}
	host := p.Addresses[0]
	for _, addr := range p.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			host = addr
			break
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), true
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner discovers peers with periodic and manual mDNS browse operations.
// Every sighting, including repeated ones, is passed to the sighting callback.
type PeerScanner struct {
	cfg Config

	browse     browseFunc
	onSighting func(DiscoveredPeer)

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied. onSighting
// may be nil.
func NewPeerScanner(config Config, onSighting func(DiscoveredPeer)) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}
	if onSighting == nil {
		onSighting = func(DiscoveredPeer) {}
	}

	return &PeerScanner{
		cfg:             cfg,
		browse:          browse,
		onSighting:      onSighting,
		peers:           make(map[string]DiscoveredPeer),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background peer scanning.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops background scanning and waits for the current scan to end.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// Refresh triggers an immediate scan.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}
}

// ListPeers returns the current in-memory discovered peers snapshot, without
// peers gone stale since the last scan.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.cfg.Clock.Now()
	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		if s.stale(peer, now) {
			continue
		}
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

// Lookup returns the last known entry for deviceID unless it has gone stale.
func (s *PeerScanner) Lookup(deviceID string) (DiscoveredPeer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peer, ok := s.peers[deviceID]
	if !ok || s.stale(peer, s.cfg.Clock.Now()) {
		return DiscoveredPeer{}, false
	}
	return peer, true
}

func (s *PeerScanner) stale(peer DiscoveredPeer, now time.Time) bool {
	return now.Sub(peer.LastSeen) > s.cfg.PeerStaleAfter
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	// Prime the peer list immediately.
	s.runScan(context.Background())

	ticker := s.cfg.Clock.Ticker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		stop := context.AfterFunc(requestCtx, cancel)
		defer stop()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredPeer)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				peer.LastSeen = s.cfg.Clock.Now()
				collectedMu.Lock()
				collected[peer.DeviceID] = peer
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		cancel()
		<-collectorDone
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone

	// A scan cut short by Stop reports nothing.
	if s.ctx.Err() != nil {
		return nil
	}

	collectedMu.Lock()
	seen := collected
	collectedMu.Unlock()

	for _, peer := range s.applySnapshot(seen) {
		s.onSighting(peer)
	}
	return nil
}

// applySnapshot merges one scan's sightings into the table, drops entries
// unseen for longer than PeerStaleAfter, and returns the sightings in a stable
// order.
func (s *PeerScanner) applySnapshot(seen map[string]DiscoveredPeer) []DiscoveredPeer {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now()
	for id, peer := range s.peers {
		if _, ok := seen[id]; ok {
			continue
		}
		if s.stale(peer, now) {
			delete(s.peers, id)
		}
	}

	sightings := make([]DiscoveredPeer, 0, len(seen))
	for id, peer := range seen {
		s.peers[id] = peer
		sightings = append(sightings, peer)
	}
	sort.Slice(sightings, func(i, j int) bool {
		return sightings[i].DeviceID < sightings[j].DeviceID
	})
	return sightings
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt[txtDeviceID])
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredPeer{}, false
	}

	version := 0
	if txt[txtVersion] != "" {
		if parsed, err := strconv.Atoi(txt[txtVersion]); err == nil {
			version = parsed
		}
	}

	exchangePort := 0
	if txt[txtExchangePort] != "" {
		if parsed, err := strconv.Atoi(txt[txtExchangePort]); err == nil && parsed > 0 && parsed <= 65535 {
			exchangePort = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
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

	return DiscoveredPeer{
		DeviceID:     deviceID,
		DeviceName:   name,
		Version:      version,
		HostName:     entry.HostName,
		Port:         entry.Port,
		ExchangePort: exchangePort,
		Addresses:    addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
