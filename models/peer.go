package models

import "time"

// PeerState is the lifecycle state of one peer in the discovery pipeline.
type PeerState string

const (
	PeerStateDiscovered       PeerState = "discovered"
	PeerStateExchangingConfig PeerState = "exchanging_config"
	PeerStateRanging          PeerState = "ranging"
	PeerStateDisconnected     PeerState = "disconnected"
	PeerStateError            PeerState = "error"
)

// AllPeerStates lists every state in pipeline order.
var AllPeerStates = []PeerState{
	PeerStateDiscovered,
	PeerStateExchangingConfig,
	PeerStateRanging,
	PeerStateDisconnected,
	PeerStateError,
}

// PeerRecord represents a nearby peer seen by discovery or reached by a config exchange.
type PeerRecord struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"display_name"`
	State          PeerState `json:"state"`
	DistanceMeters *float64  `json:"distance_meters,omitempty"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	SessionID      *int32    `json:"session_id,omitempty"`
	Channel        *int32    `json:"channel,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// Clone returns a deep copy so callers never share pointer fields with the registry.
func (p PeerRecord) Clone() PeerRecord {
	out := p
	if p.DistanceMeters != nil {
		v := *p.DistanceMeters
		out.DistanceMeters = &v
	}
	if p.SessionID != nil {
		v := *p.SessionID
		out.SessionID = &v
	}
	if p.Channel != nil {
		v := *p.Channel
		out.Channel = &v
	}
	return out
}

// HasAgreement reports whether a config exchange has filled in the ranging parameters.
func (p PeerRecord) HasAgreement() bool {
	return p.SessionID != nil && p.Channel != nil
}
