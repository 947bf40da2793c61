// Package ranging runs distance measurement jobs keyed by peer id on top of a
// Driver.
package ranging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"rangelink/orchestrator"
	"rangelink/session"
)

var (
	// ErrAdapterUnavailable is returned by Initialize when there is no usable driver.
	ErrAdapterUnavailable = orchestrator.ErrAdapterUnavailable
	// ErrPeerDisconnected is reported when a ranging session ends on the peer's side.
	ErrPeerDisconnected = orchestrator.ErrPeerDisconnected
)

// Capabilities describes what a driver offers once opened.
type Capabilities struct {
	DistanceSupported bool
	// LocalAddress is the driver's address; the local session id is derived from it.
	LocalAddress []byte
	// Channel and PreambleIndex are the driver's preferred parameters. Zero
	// selects session.DefaultChannel and session.DefaultPreambleIndex.
	Channel       int32
	PreambleIndex int32
	// OpaqueToken is passed to peers unchanged.
	OpaqueToken []byte
}

// Driver talks to the ranging hardware.
type Driver interface {
	Open(ctx context.Context) (Capabilities, error)
	// Range measures until ctx is cancelled or the session fails, calling
	// report for every sample. A nil return before cancellation means the
	// peer ended the session.
	Range(ctx context.Context, peerID string, agreement session.Agreement, report func(meters float64)) error
	Close() error
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager implements the orchestrator's Ranging adapter. At most one job runs
// per peer id.
type Manager struct {
	driver Driver
	log    logrus.FieldLogger

	mu          sync.Mutex
	jobs        map[string]*job
	wg          sync.WaitGroup
	local       session.Config
	initialized bool
	closed      bool
	onSample    func(peerID string, meters float64)
	onError     func(peerID string, err error)
}

// NewManager returns a Manager over driver. A nil driver makes Initialize
// fail with ErrAdapterUnavailable.
func NewManager(driver Driver, logger logrus.FieldLogger) *Manager {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Manager{
		driver:   driver,
		log:      logger.WithField("component", "ranging"),
		jobs:     make(map[string]*job),
		onSample: func(string, float64) {},
		onError:  func(string, error) {},
	}
}

// SetSampleHandler sets the callback for distance samples of current jobs.
func (m *Manager) SetSampleHandler(fn func(peerID string, meters float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSample = fn
}

// SetErrorHandler sets the callback for jobs that end on their own.
func (m *Manager) SetErrorHandler(fn func(peerID string, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = fn
}

// Initialize opens the driver and derives the local session config. Calling
// it again after success is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}
	if m.driver == nil {
		return fmt.Errorf("%w: no ranging driver configured", ErrAdapterUnavailable)
	}

	caps, err := m.driver.Open(ctx)
	if err != nil {
		if errors.Is(err, ErrAdapterUnavailable) {
			return fmt.Errorf("open ranging driver: %w", err)
		}
		return fmt.Errorf("%w: open ranging driver: %w", ErrAdapterUnavailable, err)
	}
	if !caps.DistanceSupported {
		return fmt.Errorf("%w: driver does not support distance measurement", ErrAdapterUnavailable)
	}

	m.local = LocalConfig(caps)
	m.initialized = true
	m.log.WithField("session_id", m.local.SessionID).Info("Ranging initialized")
	return nil
}

// LocalConfig builds the config this device proposes from driver capabilities.
func LocalConfig(caps Capabilities) session.Config {
	cfg := session.Config{
		SessionID:     session.ProposeSessionID(caps.LocalAddress),
		Channel:       caps.Channel,
		PreambleIndex: caps.PreambleIndex,
		LocalAddress:  append([]byte{}, caps.LocalAddress...),
	}
	if cfg.Channel == 0 {
		cfg.Channel = session.DefaultChannel
	}
	if cfg.PreambleIndex == 0 {
		cfg.PreambleIndex = session.DefaultPreambleIndex
	}
	if len(caps.OpaqueToken) > 0 {
		cfg.OpaqueToken = append([]byte{}, caps.OpaqueToken...)
	}
	return cfg
}

// LocalConfig returns a copy of the local session config once Initialize has
// succeeded.
func (m *Manager) LocalConfig() (session.Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return session.Config{}, false
	}
	return m.local.Clone(), true
}

// StartRanging cancels any job already running for peerID and starts a new
// one bound to ctx. Failures arrive through the error handler.
func (m *Manager) StartRanging(ctx context.Context, peerID string, agreement session.Agreement) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := m.log.WithField("peer_id", peerID)
	if m.closed {
		logger.Debug("Ignoring start on closed ranging manager")
		return
	}
	if !m.initialized {
		go m.onError(peerID, fmt.Errorf("%w: ranging not initialized", ErrAdapterUnavailable))
		return
	}
	if prev, ok := m.jobs[peerID]; ok {
		prev.cancel()
		logger.Debug("Cancelled previous ranging job")
	}

	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{cancel: cancel, done: make(chan struct{})}
	m.jobs[peerID] = j
	m.wg.Add(1)
	go m.run(jobCtx, j, peerID, agreement)

	logger.WithFields(logrus.Fields{
		"session_id": agreement.SessionID,
		"channel":    agreement.Channel,
	}).Info("Ranging started")
}

func (m *Manager) run(ctx context.Context, j *job, peerID string, agreement session.Agreement) {
	defer m.wg.Done()
	defer close(j.done)

	err := m.driver.Range(ctx, peerID, agreement, func(meters float64) {
		if ctx.Err() != nil || !m.isCurrent(peerID, j) {
			return
		}
		m.sampleHandler()(peerID, meters)
	})

	m.mu.Lock()
	if m.jobs[peerID] == j {
		delete(m.jobs, peerID)
	}
	onError := m.onError
	m.mu.Unlock()
	j.cancel()

	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = fmt.Errorf("ranging session ended: %w", ErrPeerDisconnected)
	} else if !errors.Is(err, ErrPeerDisconnected) {
		err = fmt.Errorf("%w: ranging: %w", orchestrator.ErrPeer, err)
	}
	m.log.WithField("peer_id", peerID).WithError(err).Warn("Ranging job ended")
	onError(peerID, err)
}

func (m *Manager) isCurrent(peerID string, j *job) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[peerID] == j
}

func (m *Manager) sampleHandler() func(string, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onSample
}

// StopRanging cancels the job for peerID, if any. Samples the job reports
// after this call are discarded.
func (m *Manager) StopRanging(peerID string) {
	m.mu.Lock()
	j, ok := m.jobs[peerID]
	delete(m.jobs, peerID)
	m.mu.Unlock()

	if ok {
		j.cancel()
		m.log.WithField("peer_id", peerID).Info("Ranging stopped")
	}
}

// Active returns the number of running jobs.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Close cancels every job, waits for them to finish and closes the driver.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, j := range m.jobs {
		j.cancel()
		delete(m.jobs, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
	if m.driver == nil {
		return nil
	}
	if err := m.driver.Close(); err != nil {
		return fmt.Errorf("close ranging driver: %w", err)
	}
	return nil
}
