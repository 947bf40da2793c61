package models

import "time"

// EventKind identifies one step of the discovery to ranging pipeline.
type EventKind string

const (
	EventPeerDiscovered   EventKind = "peer_discovered"
	EventExchangeStarted  EventKind = "exchange_started"
	EventExchangeComplete EventKind = "exchange_complete"
	EventRangingStarted   EventKind = "ranging_started"
	EventRangingUpdate    EventKind = "ranging_update"
	EventError            EventKind = "error"
)

// AllEventKinds lists every event kind.
var AllEventKinds = []EventKind{
	EventPeerDiscovered,
	EventExchangeStarted,
	EventExchangeComplete,
	EventRangingStarted,
	EventRangingUpdate,
	EventError,
}

// DiscoveryEvent is an immutable entry of the pipeline event log.
//
// PeerID is empty for global events such as adapter initialization failures.
type DiscoveryEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`
	PeerID    string    `json:"peer_id,omitempty"`
	Message   string    `json:"message"`
}
