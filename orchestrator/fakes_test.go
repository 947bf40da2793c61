package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"rangelink/models"
	"rangelink/session"
)

type fakeDiscovery struct {
	mu          sync.Mutex
	onSeen      func(id, name string)
	scanning    bool
	advertising bool
	scanErr     error
	closed      int
}

func (d *fakeDiscovery) SetPeerSeenHandler(fn func(id, name string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSeen = fn
}

func (d *fakeDiscovery) StartScanning(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanErr != nil {
		return d.scanErr
	}
	d.scanning = true
	return nil
}

func (d *fakeDiscovery) StopScanning() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanning = false
}

func (d *fakeDiscovery) StartAdvertising(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advertising = true
	return nil
}

func (d *fakeDiscovery) StopAdvertising() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advertising = false
}

func (d *fakeDiscovery) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

type initiateCall struct {
	ctx    context.Context
	peerID string
	local  session.Config
}

type fakeExchange struct {
	mu          sync.Mutex
	onComplete  func(peerID string, remote session.Config, role session.Role)
	onError     func(peerID string, err error)
	serverLocal *session.Config
	serverStops int
	initiated   []initiateCall
	onInitiate  func(peerID string)
	closeErr    error
}

func (e *fakeExchange) SetExchangeCompleteHandler(fn func(string, session.Config, session.Role)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onComplete = fn
}

func (e *fakeExchange) SetErrorHandler(fn func(string, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = fn
}

func (e *fakeExchange) StartServer(_ context.Context, local session.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.serverLocal = &local
	return nil
}

func (e *fakeExchange) StopServer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.serverStops++
	e.serverLocal = nil
}

func (e *fakeExchange) InitiateExchange(ctx context.Context, peerID string, local session.Config) {
	e.mu.Lock()
	e.initiated = append(e.initiated, initiateCall{ctx: ctx, peerID: peerID, local: local})
	hook := e.onInitiate
	e.mu.Unlock()

	if hook != nil {
		hook(peerID)
	}
}

func (e *fakeExchange) Close() error { return e.closeErr }

func (e *fakeExchange) initiatedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.initiated)
}

func (e *fakeExchange) complete(peerID string, remote session.Config, role session.Role) {
	e.mu.Lock()
	fn := e.onComplete
	e.mu.Unlock()
	fn(peerID, remote, role)
}

func (e *fakeExchange) fail(peerID string, err error) {
	e.mu.Lock()
	fn := e.onError
	e.mu.Unlock()
	fn(peerID, err)
}

type startCall struct {
	ctx       context.Context
	peerID    string
	agreement session.Agreement
}

type fakeRanging struct {
	mu       sync.Mutex
	onSample func(peerID string, meters float64)
	onError  func(peerID string, err error)
	initErr  error
	local    session.Config
	hasLocal bool
	started  []startCall
	stopped  []string
	closeErr error
}

func (r *fakeRanging) SetSampleHandler(fn func(string, float64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSample = fn
}

func (r *fakeRanging) SetErrorHandler(fn func(string, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = fn
}

func (r *fakeRanging) Initialize(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initErr != nil {
		return r.initErr
	}
	r.hasLocal = true
	return nil
}

func (r *fakeRanging) LocalConfig() (session.Config, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local, r.hasLocal
}

func (r *fakeRanging) StartRanging(ctx context.Context, peerID string, agreement session.Agreement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, startCall{ctx: ctx, peerID: peerID, agreement: agreement})
}

func (r *fakeRanging) StopRanging(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, peerID)
}

func (r *fakeRanging) Close() error { return r.closeErr }

func (r *fakeRanging) startedCalls() []startCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]startCall(nil), r.started...)
}

func (r *fakeRanging) stoppedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stopped...)
}

type countingRecorder struct {
	mu        sync.Mutex
	events    int
	distances []float64
	evictions int
	lastPeers []models.PeerRecord
}

func (c *countingRecorder) ObserveEvent(models.DiscoveryEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events++
}

func (c *countingRecorder) ObservePeers(peers []models.PeerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPeers = peers
}

func (c *countingRecorder) ObserveDistance(meters float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.distances = append(c.distances, meters)
}

func (c *countingRecorder) ObserveEvictions(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictions += n
}

type harness struct {
	o         *Orchestrator
	clock     *clock.Mock
	discovery *fakeDiscovery
	exchange  *fakeExchange
	ranging   *fakeRanging
	recorder  *countingRecorder
}

// localConfig proposes session 3, the smaller id in most scenarios.
var localConfig = session.Config{
	SessionID:     3,
	Channel:       5,
	PreambleIndex: 11,
	LocalAddress:  []byte{0x00, 0x03},
}

func newHarness(t *testing.T, configure ...func(*harness)) *harness {
	t.Helper()

	h := &harness{
		clock:     clock.NewMock(),
		discovery: &fakeDiscovery{},
		exchange:  &fakeExchange{},
		ranging:   &fakeRanging{local: localConfig},
		recorder:  &countingRecorder{},
	}
	for _, fn := range configure {
		fn(h)
	}

	o, err := New(Options{
		Discovery:      h.discovery,
		Exchange:       h.exchange,
		Ranging:        h.ranging,
		Clock:          h.clock,
		Recorder:       h.recorder,
		StaleThreshold: 10 * time.Second,
		SweepInterval:  5 * time.Second,
	})
	require.NoError(t, err)
	h.o = o
	t.Cleanup(func() { _ = o.Cleanup() })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.o.StartScanning(context.Background()))
}

func (h *harness) kinds() []models.EventKind {
	var out []models.EventKind
	for _, e := range h.o.Events().All() {
		out = append(out, e.Kind)
	}
	return out
}

func (h *harness) countKind(kind models.EventKind) int {
	n := 0
	for _, e := range h.o.Events().All() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (h *harness) peer(t *testing.T, id string) models.PeerRecord {
	t.Helper()
	for _, p := range h.o.Peers() {
		if p.ID == id {
			return p
		}
	}
	t.Fatalf("peer %s not found", id)
	return models.PeerRecord{}
}

func (h *harness) trackingSets() (pending, completed int) {
	h.o.mu.Lock()
	defer h.o.mu.Unlock()
	return len(h.o.pending), len(h.o.completed)
}
