package orchestrator

import (
	"context"

	"rangelink/models"
	"rangelink/session"
)

// Discovery reports nearby peers and makes this device visible to them.
type Discovery interface {
	SetPeerSeenHandler(func(id, name string))
	StartScanning(ctx context.Context) error
	StopScanning()
	StartAdvertising(ctx context.Context) error
	StopAdvertising()
	Close() error
}

// Exchange trades session configs with a peer over a connection.
//
// InitiateExchange returns immediately; the outcome arrives through the
// complete or error handler, possibly before the call returns.
type Exchange interface {
	SetExchangeCompleteHandler(func(peerID string, remote session.Config, role session.Role))
	SetErrorHandler(func(peerID string, err error))
	StartServer(ctx context.Context, local session.Config) error
	StopServer()
	InitiateExchange(ctx context.Context, peerID string, local session.Config)
	Close() error
}

// Ranging measures distance to peers once a session has been agreed.
//
// At most one job runs per peer id; StartRanging cancels any previous job for
// the same id first. Errors with an empty peer id are global.
type Ranging interface {
	SetSampleHandler(func(peerID string, meters float64))
	SetErrorHandler(func(peerID string, err error))
	Initialize(ctx context.Context) error
	LocalConfig() (session.Config, bool)
	StartRanging(ctx context.Context, peerID string, agreement session.Agreement)
	StopRanging(peerID string)
	Close() error
}

// Recorder observes orchestrator activity, typically for metrics.
// Its methods are called with the orchestrator lock held and must not block.
type Recorder interface {
	ObserveEvent(event models.DiscoveryEvent)
	ObservePeers(peers []models.PeerRecord)
	ObserveDistance(meters float64)
	ObserveEvictions(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveEvent(models.DiscoveryEvent) {}
func (nopRecorder) ObservePeers([]models.PeerRecord)   {}
func (nopRecorder) ObserveDistance(float64)            {}
func (nopRecorder) ObserveEvictions(int)               {}
