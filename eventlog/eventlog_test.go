package eventlog

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rangelink/models"
)

func event(i int) models.DiscoveryEvent {
	return models.DiscoveryEvent{
		Timestamp: time.Unix(int64(i), 0),
		Kind:      models.EventPeerDiscovered,
		PeerID:    fmt.Sprintf("P%d", i),
		Message:   fmt.Sprintf("event %d", i),
	}
}

func TestAppendKeepsOrder(t *testing.T) {
	l := New(0)
	for i := 0; i < 5; i++ {
		l.Append(event(i))
	}

	entries := l.Entries()
	require.Len(t, entries, 5)
	for i, e := range entries {
		require.Equal(t, fmt.Sprintf("P%d", i), e.PeerID)
	}
	require.Equal(t, entries, l.All())
	require.Equal(t, 5, l.Len())
}

func TestClearOnlyHidesVisibleWindow(t *testing.T) {
	l := New(0)
	l.Append(event(1))
	l.Append(event(2))

	l.Clear()
	require.Empty(t, l.Entries())
	require.Len(t, l.All(), 2)

	l.Append(event(3))
	entries := l.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "P3", entries[0].PeerID)
	require.Len(t, l.All(), 3)
}

func TestMaxEntriesEvictsOldest(t *testing.T) {
	l := New(3)
	for i := 0; i < 5; i++ {
		l.Append(event(i))
	}

	all := l.All()
	require.Len(t, all, 3)
	require.Equal(t, "P2", all[0].PeerID)
	require.Equal(t, "P4", all[2].PeerID)

	l.Clear()
	l.Append(event(5))
	l.Append(event(6))
	l.Append(event(7))
	l.Append(event(8))

	// Eviction trims the visible window too.
	entries := l.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, "P6", entries[0].PeerID)
}

func TestSubscribeReceivesNewEvents(t *testing.T) {
	l := New(0)
	l.Append(event(0))

	ch, cancel := l.Subscribe(4)
	defer cancel()

	l.Append(event(1))
	l.Append(event(2))

	require.Equal(t, "P1", (<-ch).PeerID)
	require.Equal(t, "P2", (<-ch).PeerID)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	l := New(0)
	ch, cancel := l.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			l.Append(event(i))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Append blocked on a full subscriber")
	}

	require.Equal(t, "P0", (<-ch).PeerID)
	require.Equal(t, uint64(9), l.Dropped())
	require.Equal(t, 10, l.Len())
}

func TestCancelClosesSubscription(t *testing.T) {
	l := New(0)
	ch, cancel := l.Subscribe(1)

	cancel()
	cancel()

	_, ok := <-ch
	require.False(t, ok)

	l.Append(event(1))
	require.Zero(t, l.Dropped())
}

func TestCloseEndsSubscriptions(t *testing.T) {
	l := New(0)
	first, cancelFirst := l.Subscribe(1)
	defer cancelFirst()

	l.Close()
	_, ok := <-first
	require.False(t, ok)

	late, cancelLate := l.Subscribe(1)
	defer cancelLate()
	_, ok = <-late
	require.False(t, ok)

	l.Append(event(1))
	require.Equal(t, 1, l.Len())
}
