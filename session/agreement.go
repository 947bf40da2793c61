package session

// Role is the side a peer played in one config exchange.
type Role int

const (
	// RoleInitiator connected to the peer and read its advertised config.
	RoleInitiator Role = iota
	// RoleResponder served its config to a peer that connected to it.
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// Agreement holds the ranging parameters both peers converge on after one exchange.
type Agreement struct {
	SessionID     int32
	Channel       int32
	PreambleIndex int32
	// Remote is the peer's config, kept for its address and token.
	Remote Config
}

// ProposeSessionID derives a session id from a local address as
// fold(0, acc*31 + b) in wrapping 32-bit arithmetic.
func ProposeSessionID(address []byte) int32 {
	var acc int32
	for _, b := range address {
		acc = acc*31 + int32(b)
	}
	return acc
}

// Agree computes the parameters for a completed exchange. Both sides pick the
// smaller of the two proposed session ids; channel and preamble come from the
// responder, which committed to its advertised config before the initiator connected.
func Agree(local, remote Config, role Role) Agreement {
	agreed := Agreement{
		SessionID: min(local.SessionID, remote.SessionID),
		Remote:    remote.Clone(),
	}
	if role == RoleResponder {
		agreed.Channel = local.Channel
		agreed.PreambleIndex = local.PreambleIndex
	} else {
		agreed.Channel = remote.Channel
		agreed.PreambleIndex = remote.PreambleIndex
	}
	return agreed
}
