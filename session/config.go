// Package session holds the ranging session configuration exchanged between
// peers, its binary wire codec, and the session id agreement rule.
package session

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

const (
	// DefaultChannel is the ranging channel proposed when the driver has no preference.
	DefaultChannel int32 = 9
	// DefaultPreambleIndex is the preamble proposed alongside DefaultChannel.
	DefaultPreambleIndex int32 = 10
)

// Config is the record one peer offers to another during a config exchange.
//
// LocalAddress is technology specific and may be empty. OpaqueToken is nil
// when absent; the wire format cannot carry an empty but present token.
type Config struct {
	SessionID     int32
	Channel       int32
	PreambleIndex int32
	LocalAddress  []byte
	OpaqueToken   []byte
}

// Equal compares two configs field by field, treating nil and empty addresses alike
// but keeping the absent/present distinction for the token.
func (c Config) Equal(other Config) bool {
	if c.SessionID != other.SessionID ||
		c.Channel != other.Channel ||
		c.PreambleIndex != other.PreambleIndex {
		return false
	}
	if !bytes.Equal(c.LocalAddress, other.LocalAddress) {
		return false
	}
	if (c.OpaqueToken == nil) != (other.OpaqueToken == nil) {
		return false
	}
	return bytes.Equal(c.OpaqueToken, other.OpaqueToken)
}

// Clone returns a copy that does not share byte slices with c.
func (c Config) Clone() Config {
	out := c
	out.LocalAddress = append([]byte{}, c.LocalAddress...)
	if c.OpaqueToken != nil {
		out.OpaqueToken = append([]byte{}, c.OpaqueToken...)
	}
	return out
}

func (c Config) String() string {
	token := "none"
	if c.OpaqueToken != nil {
		token = fmt.Sprintf("%d bytes", len(c.OpaqueToken))
	}
	return fmt.Sprintf("session=%d channel=%d preamble=%d address=%s token=%s",
		c.SessionID, c.Channel, c.PreambleIndex, hex.EncodeToString(c.LocalAddress), token)
}
