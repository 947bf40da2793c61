package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grandcat/zeroconf"
)

func TestPeerScannerFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-device", "Self", 9999, "10.0.0.1")
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("peer-2", "Carol", 9997, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg, nil)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].DeviceID == "peer-1"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return len(scanner.ListPeers()) == 2
	})
}

func TestPeerScannerReportsEverySighting(t *testing.T) {
	var (
		mu        sync.Mutex
		sightings = make(map[string]int)
	)
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: 30 * time.Millisecond,
		ScanTimeout:     10 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg, func(peer DiscoveredPeer) {
		mu.Lock()
		defer mu.Unlock()
		sightings[peer.DeviceID]++
	})
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sightings["peer-1"] >= 3
	})
}

func TestPeerScannerDropsPeersUnseenPastStaleWindow(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		PeerStaleAfter:  80 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			}
			entries <- testServiceEntry("peer-2", "Carol", 9997, "10.0.0.3")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg, nil)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		_, ok := scanner.Lookup("peer-1")
		return ok
	})
	waitForCondition(t, 2*time.Second, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].DeviceID == "peer-2"
	})
}

func TestPeerScannerLookupHidesStalePeersBetweenScans(t *testing.T) {
	mock := clock.NewMock()
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     20 * time.Millisecond,
		PeerStaleAfter:  time.Minute,
		Clock:           mock,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg, nil)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		_, ok := scanner.Lookup("peer-1")
		return ok
	})

	mock.Add(2 * time.Minute)
	if _, ok := scanner.Lookup("peer-1"); ok {
		t.Fatalf("expected stale peer to be hidden before the next scan")
	}
	if peers := scanner.ListPeers(); len(peers) != 0 {
		t.Fatalf("expected no listed peers, got %+v", peers)
	}
}

func TestPeerScannerRefreshIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	scanner, err := NewPeerScanner(cfg, nil)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].DeviceID == "peer-1"
	})
}

func TestPeerScannerRefreshReturnsBrowseError(t *testing.T) {
	browseErr := errors.New("multicast unavailable")
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
			return browseErr
		},
	}

	scanner, err := NewPeerScanner(cfg, nil)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Refresh(context.Background()); err == nil {
		t.Fatalf("expected Refresh before Start to fail")
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); !errors.Is(err, browseErr) {
		t.Fatalf("expected browse error, got %v", err)
	}
}

func TestNewPeerScannerRequiresSelfDeviceID(t *testing.T) {
	if _, err := NewPeerScanner(Config{}, nil); err == nil {
		t.Fatalf("expected error without self device ID")
	}
}

func TestParseEntry(t *testing.T) {
	entry := testServiceEntry("peer-1", "Bob", 5353, "10.0.0.2")
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	entry.AddrIPv4 = append(entry.AddrIPv4, net.ParseIP("10.0.0.2"), nil)

	peer, ok := parseEntry(entry, "self")
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if peer.DeviceName != "Bob" || peer.Version != 1 || peer.ExchangePort != 5353 {
		t.Fatalf("unexpected peer: %+v", peer)
	}
	if len(peer.Addresses) != 2 {
		t.Fatalf("expected deduplicated addresses, got %v", peer.Addresses)
	}
	address, ok := peer.ExchangeAddress()
	if !ok || address != "10.0.0.2:5353" {
		t.Fatalf("expected IPv4 exchange address, got %q %v", address, ok)
	}

	entry.Text = []string{"device_id=peer-1", "exchange_port=99999"}
	peer, ok = parseEntry(entry, "self")
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if peer.ExchangePort != 0 {
		t.Fatalf("expected out-of-range port to be ignored, got %d", peer.ExchangePort)
	}
	address, _ = peer.ExchangeAddress()
	if address != "10.0.0.2:5353" {
		t.Fatalf("expected SRV port fallback, got %q", address)
	}

	entry.Text = []string{"version=1"}
	if _, ok := parseEntry(entry, "self"); ok {
		t.Fatalf("expected entry without device_id to be rejected")
	}
}

func TestExchangeAddressRequiresAddressAndPort(t *testing.T) {
	if _, ok := (DiscoveredPeer{ExchangePort: 1}).ExchangeAddress(); ok {
		t.Fatalf("expected no address without IPs")
	}
	if _, ok := (DiscoveredPeer{Addresses: []string{"10.0.0.1"}}).ExchangeAddress(); ok {
		t.Fatalf("expected no address without port")
	}
	address, ok := (DiscoveredPeer{Addresses: []string{"fe80::1"}, ExchangePort: 7}).ExchangeAddress()
	if !ok || address != "[fe80::1]:7" {
		t.Fatalf("unexpected IPv6 address %q", address)
	}
}

func testServiceEntry(deviceID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"device_id=" + deviceID,
			"version=1",
			"exchange_port=" + strconv.Itoa(port),
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}
