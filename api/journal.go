package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"rangelink/discovery"
	"rangelink/models"
	"rangelink/storage"
)

// Journal is the read side of the persisted event journal.
type Journal interface {
	GetDiscoveryEvents(filter storage.EventFilter) ([]storage.JournalEntry, error)
	GetDiscoveryEvent(id int64) (*storage.JournalEntry, error)
}

// Discovery exposes the mDNS scanner's own view of the network.
type Discovery interface {
	Sightings() []discovery.DiscoveredPeer
	Refresh(ctx context.Context) error
}

// journalEvents lists persisted events newest first. Query parameters: run_id,
// kind, peer_id, from and to (unix milliseconds, inclusive), limit, offset.
func (h *handlers) journalEvents(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "journal disabled"})
		return
	}
	filter, err := parseEventFilter(r.URL.Query())
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	entries, err := h.journal.GetDiscoveryEvents(filter)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidFilter) {
			h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		h.log.WithError(err).Warn("Journal query failed")
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "journal query failed"})
		return
	}
	if entries == nil {
		entries = []storage.JournalEntry{}
	}
	h.writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) journalEvent(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "journal disabled"})
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid event id"})
		return
	}

	entry, err := h.journal.GetDiscoveryEvent(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}
		h.log.WithError(err).WithField("id", id).Warn("Journal lookup failed")
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "journal lookup failed"})
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func parseEventFilter(query url.Values) (storage.EventFilter, error) {
	filter := storage.EventFilter{
		RunID:  query.Get("run_id"),
		Kind:   models.EventKind(query.Get("kind")),
		PeerID: query.Get("peer_id"),
	}

	var err error
	if filter.FromTimestamp, err = optionalInt64(query, "from"); err != nil {
		return storage.EventFilter{}, err
	}
	if filter.ToTimestamp, err = optionalInt64(query, "to"); err != nil {
		return storage.EventFilter{}, err
	}
	if filter.Limit, err = optionalInt(query, "limit"); err != nil {
		return storage.EventFilter{}, err
	}
	if filter.Offset, err = optionalInt(query, "offset"); err != nil {
		return storage.EventFilter{}, err
	}
	return filter, nil
}

func optionalInt64(query url.Values, key string) (*int64, error) {
	raw := query.Get(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return &v, nil
}

func optionalInt(query url.Values, key string) (int, error) {
	raw := query.Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return v, nil
}

func (h *handlers) discoveryPeers(w http.ResponseWriter, r *http.Request) {
	if h.discovery == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "discovery unavailable"})
		return
	}
	h.writeJSON(w, http.StatusOK, h.discovery.Sightings())
}

// discoveryRefresh runs an immediate mDNS scan. New sightings reach the
// pipeline like any other.
func (h *handlers) discoveryRefresh(w http.ResponseWriter, r *http.Request) {
	if h.discovery == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "discovery unavailable"})
		return
	}
	if err := h.discovery.Refresh(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, discovery.ErrNotScanning) {
			status = http.StatusConflict
		}
		h.writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
