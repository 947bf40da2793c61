// Package orchestrator drives every peer from discovery through config
// exchange to ranging. It reconciles callbacks from the discovery, exchange
// and ranging adapters into one consistent peer lifecycle.
//
// All state changes happen under a single lock. Adapter calls are computed
// under the lock and performed after it is released, so adapters may call
// back into the orchestrator synchronously.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"rangelink/eventlog"
	"rangelink/models"
	"rangelink/registry"
	"rangelink/session"
)

const (
	DefaultStaleThreshold        = 10 * time.Second
	DefaultSweepInterval         = 5 * time.Second
	DefaultRangingUpdateInterval = time.Second
)

// Options configures an Orchestrator. The three adapters are required.
type Options struct {
	Discovery Discovery
	Exchange  Exchange
	Ranging   Ranging

	Logger   logrus.FieldLogger
	Clock    clock.Clock
	Events   *eventlog.Log
	Recorder Recorder

	// StaleThreshold is how long a peer that is not ranging may go unseen.
	StaleThreshold time.Duration
	// SweepInterval is the cadence of the staleness sweep.
	SweepInterval time.Duration
	// RangingUpdateInterval limits RangingUpdate events to one per peer per
	// interval. Negative disables the limit.
	RangingUpdateInterval time.Duration
}

// Orchestrator owns the peer registry and the exchange tracking sets for one
// device. Create it with New; it is started with StartScanning and released
// with Cleanup.
type Orchestrator struct {
	discovery Discovery
	exchange  Exchange
	ranging   Ranging

	log      logrus.FieldLogger
	clock    clock.Clock
	events   *eventlog.Log
	recorder Recorder
	peers    *registry.Registry
	updates  chan []models.PeerRecord

	staleThreshold        time.Duration
	sweepInterval         time.Duration
	rangingUpdateInterval time.Duration

	// lifecycle serializes StartScanning, StopScanning and Cleanup. It is
	// never taken by adapter callbacks.
	lifecycle sync.Mutex

	mu         sync.Mutex
	scanning   bool
	closed     bool
	runCtx     context.Context
	cancelRun  context.CancelFunc
	local      session.Config
	hasLocal   bool
	pending    map[string]struct{}
	completed  map[string]struct{}
	lastUpdate map[string]time.Time
	sweepStop  chan struct{}
	sweepDone  chan struct{}
}

// New validates opts, fills defaults and registers the orchestrator as the
// handler of every adapter callback.
func New(opts Options) (*Orchestrator, error) {
	if opts.Discovery == nil || opts.Exchange == nil || opts.Ranging == nil {
		return nil, errors.New("orchestrator: discovery, exchange and ranging adapters are required")
	}
	if opts.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		opts.Logger = logger
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Events == nil {
		opts.Events = eventlog.New(eventlog.DefaultMaxEntries)
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.RangingUpdateInterval == 0 {
		opts.RangingUpdateInterval = DefaultRangingUpdateInterval
	}

	o := &Orchestrator{
		discovery:             opts.Discovery,
		exchange:              opts.Exchange,
		ranging:               opts.Ranging,
		log:                   opts.Logger.WithField("component", "orchestrator"),
		clock:                 opts.Clock,
		events:                opts.Events,
		recorder:              opts.Recorder,
		peers:                 registry.New(),
		updates:               make(chan []models.PeerRecord, 1),
		staleThreshold:        opts.StaleThreshold,
		sweepInterval:         opts.SweepInterval,
		rangingUpdateInterval: opts.RangingUpdateInterval,
		pending:               make(map[string]struct{}),
		completed:             make(map[string]struct{}),
		lastUpdate:            make(map[string]time.Time),
	}

	o.discovery.SetPeerSeenHandler(o.OnPeerSeen)
	o.exchange.SetExchangeCompleteHandler(o.OnConfigExchanged)
	o.exchange.SetErrorHandler(o.onExchangeError)
	o.ranging.SetSampleHandler(o.OnRangingSample)
	o.ranging.SetErrorHandler(o.OnAdapterError)
	return o, nil
}

// StartScanning initializes ranging, starts the exchange server with the
// local config, starts discovery scanning and advertising, and starts the
// staleness sweep. It is a no-op while already scanning.
//
// Adapter failures are reported as global Error events and scanning continues
// in degraded mode; only ErrClosed is returned. ctx bounds initialization
// only; the run itself lasts until StopScanning.
func (o *Orchestrator) StartScanning(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.scanning {
		o.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.scanning = true
	o.runCtx = runCtx
	o.cancelRun = cancel
	o.hasLocal = false
	o.mu.Unlock()

	o.log.Info("Starting discovery")

	local, hasLocal := o.initializeRanging(ctx)
	o.mu.Lock()
	o.local = local
	o.hasLocal = hasLocal
	o.mu.Unlock()

	if hasLocal {
		if err := o.exchange.StartServer(runCtx, local); err != nil {
			o.reportGlobal(fmt.Sprintf("Exchange server failed to start: %v", err))
		}
	}
	if err := o.discovery.StartScanning(runCtx); err != nil {
		o.reportGlobal(fmt.Sprintf("Discovery scanning failed to start: %v", err))
	}
	if err := o.discovery.StartAdvertising(runCtx); err != nil {
		o.reportGlobal(fmt.Sprintf("Advertising failed to start: %v", err))
	}

	o.mu.Lock()
	ticker := o.clock.Ticker(o.sweepInterval)
	o.sweepStop = make(chan struct{})
	o.sweepDone = make(chan struct{})
	go o.sweepLoop(ticker, o.sweepStop, o.sweepDone)
	o.publishLocked()
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) initializeRanging(ctx context.Context) (session.Config, bool) {
	if err := o.ranging.Initialize(ctx); err != nil {
		if errors.Is(err, ErrAdapterUnavailable) {
			o.reportGlobal(fmt.Sprintf("Ranging unavailable: %v", err))
		} else {
			o.reportGlobal(fmt.Sprintf("Ranging initialization failed: %v", err))
		}
		return session.Config{}, false
	}

	local, ok := o.ranging.LocalConfig()
	if !ok {
		o.reportGlobal("Ranging initialized without a local config; exchanges disabled")
		return session.Config{}, false
	}
	o.log.WithField("config", local.String()).Info("Local session config ready")
	return local, true
}

// StopScanning halts the sweep, stops discovery, the exchange server and
// every ranging job, then clears all peers and tracking sets. In-flight
// exchanges are cancelled through the run context. It is a no-op when not
// scanning.
func (o *Orchestrator) StopScanning() {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	o.stop()
}

func (o *Orchestrator) stop() {
	o.mu.Lock()
	if !o.scanning {
		o.mu.Unlock()
		return
	}
	o.scanning = false
	o.cancelRun()
	close(o.sweepStop)
	sweepDone := o.sweepDone

	cleared := o.peers.Len()
	toStop := o.peers.IDs()
	for id := range o.completed {
		if _, known := o.peers.Get(id); !known {
			toStop = append(toStop, id)
		}
	}
	o.peers.Clear()
	clear(o.pending)
	clear(o.completed)
	clear(o.lastUpdate)
	o.hasLocal = false
	o.publishLocked()
	o.mu.Unlock()

	<-sweepDone
	o.discovery.StopScanning()
	o.discovery.StopAdvertising()
	o.exchange.StopServer()
	for _, id := range toStop {
		o.ranging.StopRanging(id)
	}
	o.log.WithFields(logrus.Fields{
		"cleared_peers":   cleared,
		"stopped_ranging": len(toStop),
	}).Info("Discovery stopped")
}

// Cleanup stops scanning and closes every adapter and the event log. The
// orchestrator cannot be restarted afterwards.
func (o *Orchestrator) Cleanup() error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	o.stop()

	o.mu.Lock()
	o.closed = true
	close(o.updates)
	o.mu.Unlock()

	err := multierr.Combine(
		o.discovery.Close(),
		o.exchange.Close(),
		o.ranging.Close(),
	)
	o.events.Close()
	return err
}

// LocalConfig is the config this device offers in exchanges, if ranging is available.
func (o *Orchestrator) LocalConfig() (session.Config, bool) {
	return o.ranging.LocalConfig()
}

// Peers returns a snapshot of every known peer in discovery order.
func (o *Orchestrator) Peers() []models.PeerRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.peers.Snapshot()
}

// PeerUpdates delivers the latest peer snapshot after every change. Only the
// most recent snapshot is buffered. The channel is closed by Cleanup.
func (o *Orchestrator) PeerUpdates() <-chan []models.PeerRecord {
	return o.updates
}

// Events is the pipeline event log.
func (o *Orchestrator) Events() *eventlog.Log {
	return o.events
}

// Scanning reports whether a run is active.
func (o *Orchestrator) Scanning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.scanning
}

// OnPeerSeen handles a discovery sighting. A new peer is recorded; a known
// peer only has its last-seen time refreshed. A peer with no exchange pending
// or completed gets one started.
func (o *Orchestrator) OnPeerSeen(id, name string) {
	defer o.recoverCallback("peer seen", id)
	if initiate := o.peerSeen(id, name); initiate != nil {
		initiate()
	}
}

func (o *Orchestrator) peerSeen(id, name string) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.scanning || id == "" {
		return nil
	}

	now := o.clock.Now()
	if o.peers.UpsertDiscovered(id, name, now) {
		o.emitLocked(models.EventPeerDiscovered, id, fmt.Sprintf("Discovered %s", displayName(id, name)))
	}

	_, isPending := o.pending[id]
	_, isCompleted := o.completed[id]
	if isPending || isCompleted || !o.hasLocal {
		o.publishLocked()
		return nil
	}

	o.pending[id] = struct{}{}
	o.peers.MarkExchanging(id)
	o.emitLocked(models.EventExchangeStarted, id, "Exchanging session config")
	o.publishLocked()

	ctx, local := o.runCtx, o.local.Clone()
	return func() {
		o.exchange.InitiateExchange(ctx, id, local)
	}
}

// OnConfigExchanged handles a completed exchange. The first completion for a
// peer agrees the session and starts ranging; later ones are ignored until
// the peer is evicted or fails.
func (o *Orchestrator) OnConfigExchanged(id string, remote session.Config, role session.Role) {
	defer o.recoverCallback("config exchanged", id)
	if start := o.configExchanged(id, remote, role); start != nil {
		start()
	}
}

func (o *Orchestrator) configExchanged(id string, remote session.Config, role session.Role) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.scanning || id == "" {
		return nil
	}
	logger := o.log.WithField("peer_id", id)
	if _, done := o.completed[id]; done {
		logger.WithField("role", role).Debug("Ignoring duplicate exchange completion")
		return nil
	}
	if !o.hasLocal {
		o.inconsistencyLocked(id, "exchange completed without a local config")
		return nil
	}

	delete(o.pending, id)
	o.completed[id] = struct{}{}

	agreement := session.Agree(o.local, remote, role)
	agreed, applied := o.peers.ApplyExchangedConfig(id, agreement, o.clock.Now())
	if !applied {
		o.inconsistencyLocked(id, fmt.Sprintf("peer already ranging with session %d", agreed))
		return nil
	}

	o.emitLocked(models.EventExchangeComplete, id, fmt.Sprintf(
		"Agreed session %d on channel %d, preamble %d (%s)",
		agreement.SessionID, agreement.Channel, agreement.PreambleIndex, role))
	o.emitLocked(models.EventRangingStarted, id, fmt.Sprintf("Ranging started with session %d", agreement.SessionID))
	o.publishLocked()

	ctx := o.runCtx
	return func() {
		o.ranging.StartRanging(ctx, id, agreement)
	}
}

// OnRangingSample records a distance sample. Samples for unknown peers are
// dropped; they are expected after a peer has been removed.
func (o *Orchestrator) OnRangingSample(id string, meters float64) {
	defer o.recoverCallback("ranging sample", id)

	o.mu.Lock()
	defer o.mu.Unlock()

	if math.IsNaN(meters) || math.IsInf(meters, 0) {
		o.log.WithField("peer_id", id).Warn("Dropping non-finite distance sample")
		return
	}

	now := o.clock.Now()
	switch err := o.peers.ApplyRangingSample(id, meters, now); {
	case errors.Is(err, registry.ErrNotFound):
		o.log.WithField("peer_id", id).Debug("Dropping sample for unknown peer")
		return
	case err != nil:
		o.inconsistencyLocked(id, fmt.Sprintf("ranging sample: %v", err))
		return
	}

	o.recorder.ObserveDistance(meters)
	if o.rangingUpdateDueLocked(id, now) {
		o.emitLocked(models.EventRangingUpdate, id, fmt.Sprintf("Distance %.2f m", meters))
	}
	o.publishLocked()
}

func (o *Orchestrator) rangingUpdateDueLocked(id string, now time.Time) bool {
	if o.rangingUpdateInterval < 0 {
		return true
	}
	last, ok := o.lastUpdate[id]
	if ok && now.Sub(last) < o.rangingUpdateInterval {
		return false
	}
	o.lastUpdate[id] = now
	return true
}

// OnAdapterError records an adapter failure. With an empty peer id it is a
// global Error event only. Otherwise the peer moves to Error, or to
// Disconnected for ErrPeerDisconnected, and is dropped from the tracking sets
// so the next sighting retries the exchange. Per-peer errors are ignored when
// not scanning.
func (o *Orchestrator) OnAdapterError(peerID string, err error) {
	defer o.recoverCallback("adapter error", peerID)
	if err == nil {
		return
	}
	if stop := o.adapterError(peerID, err); stop != nil {
		stop()
	}
}

func (o *Orchestrator) adapterError(peerID string, err error) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if peerID == "" {
		o.emitLocked(models.EventError, "", err.Error())
		return nil
	}
	if !o.scanning {
		return nil
	}

	message := err.Error()
	if errors.Is(err, ErrPeerDisconnected) {
		o.peers.MarkDisconnected(peerID)
	} else {
		o.peers.MarkError(peerID, message)
	}

	_, wasCompleted := o.completed[peerID]
	delete(o.pending, peerID)
	delete(o.completed, peerID)
	delete(o.lastUpdate, peerID)
	o.emitLocked(models.EventError, peerID, message)
	o.publishLocked()

	if !wasCompleted {
		return nil
	}
	return func() {
		o.ranging.StopRanging(peerID)
	}
}

// onExchangeError drops failures of exchanges that lost the race to another
// exchange with the same peer, such as a client attempt failing after the
// peer already reached us as a server.
func (o *Orchestrator) onExchangeError(peerID string, err error) {
	o.mu.Lock()
	_, done := o.completed[peerID]
	o.mu.Unlock()

	if done && peerID != "" {
		o.log.WithField("peer_id", peerID).WithError(err).Debug("Ignoring error from superseded exchange")
		return
	}
	o.OnAdapterError(peerID, err)
}

// recoverCallback turns a panic in a callback into a global error event.
func (o *Orchestrator) recoverCallback(op, peerID string) {
	r := recover()
	if r == nil {
		return
	}
	err := fmt.Errorf("%w: %s panicked: %v", ErrInternalInconsistency, op, r)
	o.log.WithField("peer_id", peerID).WithError(err).Error("Recovered from callback panic")

	o.mu.Lock()
	defer o.mu.Unlock()
	o.emitLocked(models.EventError, "", err.Error())
}

func (o *Orchestrator) inconsistencyLocked(peerID, detail string) {
	err := fmt.Errorf("%w: %s", ErrInternalInconsistency, detail)
	o.log.WithField("peer_id", peerID).Warn(err.Error())
	o.emitLocked(models.EventError, "", fmt.Sprintf("%s (peer %s)", err, peerID))
}

func (o *Orchestrator) reportGlobal(message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.emitLocked(models.EventError, "", message)
}

func (o *Orchestrator) emitLocked(kind models.EventKind, peerID, message string) {
	event := models.DiscoveryEvent{
		Timestamp: o.clock.Now(),
		Kind:      kind,
		PeerID:    peerID,
		Message:   message,
	}
	o.events.Append(event)
	o.recorder.ObserveEvent(event)

	entry := o.log.WithField("kind", kind)
	if peerID != "" {
		entry = entry.WithField("peer_id", peerID)
	}
	if kind == models.EventError {
		entry.Warn(message)
	} else {
		entry.Debug(message)
	}
}

// publishLocked replaces any unread snapshot with the current one.
func (o *Orchestrator) publishLocked() {
	if o.closed {
		return
	}
	snapshot := o.peers.Snapshot()
	o.recorder.ObservePeers(snapshot)

	select {
	case <-o.updates:
	default:
	}
	select {
	case o.updates <- snapshot:
	default:
	}
}

func displayName(id, name string) string {
	if name == "" {
		return id
	}
	return fmt.Sprintf("%s (%s)", name, id)
}
