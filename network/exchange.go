package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rangelink/orchestrator"
	"rangelink/session"
)

// Resolver maps a peer id to a dialable exchange address.
type Resolver interface {
	Resolve(peerID string) (address string, ok bool)
}

// StaticResolver is a fixed peer id to address table.
type StaticResolver map[string]string

func (r StaticResolver) Resolve(peerID string) (string, bool) {
	address, ok := r[peerID]
	return address, ok
}

// AdapterOptions configures an exchange Adapter.
type AdapterOptions struct {
	Identity          LocalIdentity
	ListenAddress     string
	Resolver          Resolver
	ConnectionTimeout time.Duration
	Logger            logrus.FieldLogger
}

// Adapter implements the orchestrator's Exchange over TCP. Inbound exchanges
// complete with session.RoleResponder and outbound ones with
// session.RoleInitiator.
type Adapter struct {
	identity      LocalIdentity
	listenAddress string
	resolver      Resolver
	timeout       time.Duration
	log           logrus.FieldLogger

	mu         sync.Mutex
	server     *Server
	pumpDone   chan struct{}
	onComplete func(peerID string, remote session.Config, role session.Role)
	onError    func(peerID string, err error)
	closed     bool

	outbound sync.WaitGroup
}

// NewAdapter returns an adapter with no server running. Identity.DeviceID and
// Resolver are required.
func NewAdapter(options AdapterOptions) (*Adapter, error) {
	if options.Identity.DeviceID == "" {
		return nil, errors.New("identity.device_id is required")
	}
	if options.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if options.ConnectionTimeout <= 0 {
		options.ConnectionTimeout = DefaultConnectionTimeout
	}
	if options.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		options.Logger = logger
	}

	return &Adapter{
		identity:      options.Identity,
		listenAddress: options.ListenAddress,
		resolver:      options.Resolver,
		timeout:       options.ConnectionTimeout,
		log:           options.Logger.WithField("component", "exchange"),
		onComplete:    func(string, session.Config, session.Role) {},
		onError:       func(string, error) {},
	}, nil
}

// SetExchangeCompleteHandler sets the callback for finished exchanges in
// either direction.
func (a *Adapter) SetExchangeCompleteHandler(fn func(peerID string, remote session.Config, role session.Role)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onComplete = fn
}

// SetErrorHandler sets the callback for per-peer exchange failures.
func (a *Adapter) SetErrorHandler(fn func(peerID string, err error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onError = fn
}

// StartServer begins serving local to inbound peers. A running server is
// replaced.
func (a *Adapter) StartServer(_ context.Context, local session.Config) error {
	a.StopServer()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("exchange adapter closed")
	}

	server, err := Listen(a.listenAddress, ServerOptions{
		Identity:          a.identity,
		Local:             local,
		ConnectionTimeout: a.timeout,
	})
	if err != nil {
		return err
	}
	a.server = server
	a.pumpDone = make(chan struct{})
	go a.serverLoop(server, a.pumpDone)

	a.log.WithField("address", server.Addr().String()).Info("Exchange server listening")
	return nil
}

// serverLoop forwards server results to the handlers until the server closes.
func (a *Adapter) serverLoop(server *Server, done chan struct{}) {
	defer close(done)

	results, errs := server.Results(), server.Errors()
	for results != nil || errs != nil {
		select {
		case result, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			a.log.WithFields(logrus.Fields{
				"peer_id":   result.PeerID,
				"peer_name": result.PeerName,
			}).Debug("Inbound exchange complete")
			a.completeHandler()(result.PeerID, result.Remote, result.Role)
		case exchangeErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			a.log.WithError(exchangeErr).Debug("Inbound exchange failed")
			if exchangeErr.PeerID == "" {
				continue
			}
			a.errorHandler()(exchangeErr.PeerID, peerError(exchangeErr.Err))
		}
	}
}

// Port returns the server's TCP port, or 0 when it is not running.
func (a *Adapter) Port() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return 0
	}
	if tcpAddr, ok := a.server.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// StopServer closes the listener and waits for in-flight inbound exchanges.
func (a *Adapter) StopServer() {
	a.mu.Lock()
	server, done := a.server, a.pumpDone
	a.server, a.pumpDone = nil, nil
	a.mu.Unlock()

	if server == nil {
		return
	}
	_ = server.Close()
	<-done
	a.log.Info("Exchange server stopped")
}

// InitiateExchange dials peerID in the background. Failures other than
// cancellation of ctx are reported to the error handler.
func (a *Adapter) InitiateExchange(ctx context.Context, peerID string, local session.Config) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.outbound.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.outbound.Done()

		logger := a.log.WithField("peer_id", peerID)
		address, ok := a.resolver.Resolve(peerID)
		if !ok {
			a.errorHandler()(peerID, fmt.Errorf("%w: no exchange address for peer", orchestrator.ErrPeer))
			return
		}

		result, err := Exchange(ctx, address, ClientOptions{
			Identity:          a.identity,
			Local:             local,
			ConnectionTimeout: a.timeout,
			ExpectedPeerID:    peerID,
		})
		if err != nil {
			if ctx.Err() != nil {
				logger.WithError(err).Debug("Outbound exchange cancelled")
				return
			}
			logger.WithError(err).Warn("Outbound exchange failed")
			a.errorHandler()(peerID, peerError(err))
			return
		}

		logger.WithField("address", address).Debug("Outbound exchange complete")
		a.completeHandler()(peerID, result.Remote, result.Role)
	}()
}

// Close stops the server and waits for outbound exchanges to finish.
func (a *Adapter) Close() error {
	a.StopServer()

	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.outbound.Wait()
	return nil
}

func (a *Adapter) completeHandler() func(string, session.Config, session.Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.onComplete
}

func (a *Adapter) errorHandler() func(string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.onError
}

// peerError tags err as a per-peer failure unless it already carries a more
// specific classification.
func peerError(err error) error {
	if errors.Is(err, session.ErrMalformedRecord) || errors.Is(err, orchestrator.ErrPeer) {
		return err
	}
	return fmt.Errorf("%w: %w", orchestrator.ErrPeer, err)
}
