package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProposeSessionIDFold(t *testing.T) {
	require.Equal(t, int32(0), ProposeSessionID(nil))
	require.Equal(t, int32(0x12*31+0x34), ProposeSessionID([]byte{0x12, 0x34}))
	require.Equal(t, int32(255), ProposeSessionID([]byte{0xFF}))

	// Long addresses wrap in 32-bit arithmetic instead of saturating.
	long := make([]byte, 16)
	for i := range long {
		long[i] = 0xFF
	}
	var want int32
	for range long {
		want = want*31 + 255
	}
	require.Equal(t, want, ProposeSessionID(long))
}

func TestAgreeIsSymmetric(t *testing.T) {
	a := Config{
		SessionID:     ProposeSessionID([]byte{0x0A, 0x01}),
		Channel:       9,
		PreambleIndex: 10,
		LocalAddress:  []byte{0x0A, 0x01},
	}
	b := Config{
		SessionID:     ProposeSessionID([]byte{0x02, 0xFE}),
		Channel:       5,
		PreambleIndex: 11,
		LocalAddress:  []byte{0x02, 0xFE},
	}

	// A initiated the exchange with B, so B is the responder on both sides.
	onA := Agree(a, b, RoleInitiator)
	onB := Agree(b, a, RoleResponder)

	require.Equal(t, min(a.SessionID, b.SessionID), onA.SessionID)
	require.Equal(t, onA.SessionID, onB.SessionID)
	require.Equal(t, b.Channel, onA.Channel)
	require.Equal(t, b.Channel, onB.Channel)
	require.Equal(t, b.PreambleIndex, onA.PreambleIndex)
	require.Equal(t, b.PreambleIndex, onB.PreambleIndex)
	require.True(t, onA.Remote.Equal(b))
	require.True(t, onB.Remote.Equal(a))
}

func TestAgreeTakesMinimumSessionID(t *testing.T) {
	local := Config{SessionID: 3, Channel: 5}
	remote := Config{SessionID: 7, Channel: 9}

	agreed := Agree(local, remote, RoleInitiator)
	require.Equal(t, int32(3), agreed.SessionID)
	require.Equal(t, int32(9), agreed.Channel)

	agreed = Agree(local, Config{SessionID: -4}, RoleInitiator)
	require.Equal(t, int32(-4), agreed.SessionID)
}

func TestAgreeCopiesRemote(t *testing.T) {
	remote := Config{LocalAddress: []byte{1}, OpaqueToken: []byte{2}}
	agreed := Agree(Config{}, remote, RoleInitiator)

	remote.LocalAddress[0] = 9
	remote.OpaqueToken[0] = 9
	require.Equal(t, []byte{1}, agreed.Remote.LocalAddress)
	require.Equal(t, []byte{2}, agreed.Remote.OpaqueToken)
}
