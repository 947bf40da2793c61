package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rangelink/discovery"
	"rangelink/eventlog"
	"rangelink/models"
	"rangelink/storage"
	"rangelink/telemetry"
)

type fakeDiscovery struct {
	mu        sync.Mutex
	sightings []discovery.DiscoveredPeer
	refreshes int
	refresh   error
}

func (d *fakeDiscovery) Sightings() []discovery.DiscoveredPeer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sightings
}

func (d *fakeDiscovery) Refresh(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refreshes++
	return d.refresh
}

func newJournalServer(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	pipeline := &fakePipeline{events: eventlog.New(eventlog.DefaultMaxEntries)}
	srv := httptest.NewServer(Handler(pipeline, telemetry.New(), nil, opts...))
	t.Cleanup(srv.Close)
	return srv
}

func openTestJournal(t *testing.T) *storage.Store {
	t.Helper()
	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestJournalFiltersAndPages(t *testing.T) {
	store := openTestJournal(t)
	base := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	for i, event := range []models.DiscoveryEvent{
		{Kind: models.EventPeerDiscovered, PeerID: "P1", Message: "Discovered Alpha"},
		{Kind: models.EventExchangeStarted, PeerID: "P1", Message: "Exchanging session config"},
		{Kind: models.EventPeerDiscovered, PeerID: "P2", Message: "Discovered Bravo"},
		{Kind: models.EventError, Message: "Ranging unavailable"},
	} {
		event.Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.LogDiscoveryEvent(event))
	}
	srv := newJournalServer(t, WithJournal(store))

	all := decode[[]storage.JournalEntry](t, do(t, http.MethodGet, srv.URL+"/journal"))
	require.Len(t, all, 4)
	require.Equal(t, models.EventError, all[0].Kind)
	require.Nil(t, all[0].PeerID)
	require.Equal(t, store.RunID(), all[0].RunID)

	byKind := decode[[]storage.JournalEntry](t, do(t, http.MethodGet, srv.URL+"/journal?kind=peer_discovered"))
	require.Len(t, byKind, 2)
	require.Equal(t, "P2", *byKind[0].PeerID)

	byPeer := decode[[]storage.JournalEntry](t, do(t, http.MethodGet, srv.URL+"/journal?peer_id=P1&limit=1&offset=1"))
	require.Len(t, byPeer, 1)
	require.Equal(t, models.EventPeerDiscovered, byPeer[0].Kind)

	from := strconv.FormatInt(base.Add(time.Second).UnixMilli(), 10)
	to := strconv.FormatInt(base.Add(2*time.Second).UnixMilli(), 10)
	window := decode[[]storage.JournalEntry](t, do(t, http.MethodGet, srv.URL+"/journal?from="+from+"&to="+to))
	require.Len(t, window, 2)

	none := do(t, http.MethodGet, srv.URL+"/journal?run_id=other")
	require.Equal(t, http.StatusOK, none.StatusCode)
	require.Empty(t, decode[[]storage.JournalEntry](t, none))

	one := decode[storage.JournalEntry](t, do(t, http.MethodGet, srv.URL+"/journal/"+strconv.FormatInt(all[3].ID, 10)))
	require.Equal(t, "Discovered Alpha", one.Message)
	require.Equal(t, base.UnixMilli(), one.Timestamp)
}

func TestJournalRejectsBadRequests(t *testing.T) {
	srv := newJournalServer(t, WithJournal(openTestJournal(t)))

	for _, path := range []string{
		"/journal?kind=bogus",
		"/journal?limit=ten",
		"/journal?offset=-1",
		"/journal?from=yesterday",
		"/journal?from=2000&to=1000",
		"/journal/abc",
		"/journal/0",
	} {
		resp := do(t, http.MethodGet, srv.URL+path)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}

	resp := do(t, http.MethodGet, srv.URL+"/journal/9999")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOptionalRoutesUnavailableWithoutDependencies(t *testing.T) {
	srv := newJournalServer(t)

	require.Equal(t, http.StatusServiceUnavailable, do(t, http.MethodGet, srv.URL+"/journal").StatusCode)
	require.Equal(t, http.StatusServiceUnavailable, do(t, http.MethodGet, srv.URL+"/journal/1").StatusCode)
	require.Equal(t, http.StatusServiceUnavailable, do(t, http.MethodGet, srv.URL+"/discovery/peers").StatusCode)
	require.Equal(t, http.StatusServiceUnavailable, do(t, http.MethodPost, srv.URL+"/discovery/refresh").StatusCode)
}

func TestDiscoveryPeersAndRefresh(t *testing.T) {
	disco := &fakeDiscovery{sightings: []discovery.DiscoveredPeer{
		{DeviceID: "P1", DeviceName: "Alpha", ExchangePort: 47800, Addresses: []string{"10.0.0.2"}},
	}}
	srv := newJournalServer(t, WithDiscovery(disco))

	peers := decode[[]discovery.DiscoveredPeer](t, do(t, http.MethodGet, srv.URL+"/discovery/peers"))
	require.Len(t, peers, 1)
	require.Equal(t, "Alpha", peers[0].DeviceName)
	require.Equal(t, 47800, peers[0].ExchangePort)

	resp := do(t, http.MethodPost, srv.URL+"/discovery/refresh")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	disco.mu.Lock()
	disco.refresh = discovery.ErrNotScanning
	disco.mu.Unlock()
	resp = do(t, http.MethodPost, srv.URL+"/discovery/refresh")
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	disco.mu.Lock()
	defer disco.mu.Unlock()
	require.Equal(t, 2, disco.refreshes)
}
