package storage

import (
	"testing"
	"time"

	"rangelink/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustLogEvent(t *testing.T, store *Store, kind models.EventKind, peerID, message string, at time.Time) {
	t.Helper()

	err := store.LogDiscoveryEvent(models.DiscoveryEvent{
		Timestamp: at,
		Kind:      kind,
		PeerID:    peerID,
		Message:   message,
	})
	if err != nil {
		t.Fatalf("log %s event: %v", kind, err)
	}
}
