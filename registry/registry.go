// Package registry keeps the in-memory table of peers known to one
// orchestration run.
package registry

import (
	"errors"
	"sync"
	"time"

	"rangelink/models"
	"rangelink/session"
)

// PlaceholderName labels a peer whose record was created by a completed
// exchange before discovery reported it.
const PlaceholderName = "Ranging peer"

var (
	// ErrNotFound is returned for operations on an unknown peer id.
	ErrNotFound = errors.New("registry: peer not found")
	// ErrNoAgreement is returned when a sample arrives for a peer that never completed an exchange.
	ErrNoAgreement = errors.New("registry: peer has no session agreement")
)

// Registry is safe for concurrent use. Every method is atomic; callers that
// need several calls to appear as one transition must serialize them.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*models.PeerRecord
	order   []string
}

func New() *Registry {
	return &Registry{records: make(map[string]*models.PeerRecord)}
}

// UpsertDiscovered records a discovery sighting. A new peer starts in
// PeerStateDiscovered; a known peer only has LastSeenAt refreshed, plus its
// name when it still carries the placeholder.
func (r *Registry) UpsertDiscovered(id, name string, now time.Time) (created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[id]; ok {
		rec.LastSeenAt = now
		if rec.DisplayName == PlaceholderName && name != "" {
			rec.DisplayName = name
		}
		return false
	}

	r.insertLocked(&models.PeerRecord{
		ID:          id,
		DisplayName: name,
		State:       models.PeerStateDiscovered,
		LastSeenAt:  now,
	})
	return true
}

// MarkExchanging moves a known peer to PeerStateExchangingConfig.
func (r *Registry) MarkExchanging(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return false
	}
	rec.State = models.PeerStateExchangingConfig
	rec.ErrorMessage = ""
	return true
}

// ApplyExchangedConfig stores the agreed session parameters and moves the
// peer to PeerStateRanging, creating it under PlaceholderName if needed.
// A peer that is already ranging keeps its agreement; the existing session
// id is returned with applied set to false.
func (r *Registry) ApplyExchangedConfig(id string, agreement session.Agreement, now time.Time) (agreedSessionID int32, applied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		rec = &models.PeerRecord{ID: id, DisplayName: PlaceholderName}
		r.insertLocked(rec)
	}
	if rec.State == models.PeerStateRanging && rec.HasAgreement() {
		return *rec.SessionID, false
	}

	sessionID, channel := agreement.SessionID, agreement.Channel
	rec.SessionID = &sessionID
	rec.Channel = &channel
	rec.State = models.PeerStateRanging
	rec.LastSeenAt = now
	rec.ErrorMessage = ""
	return sessionID, true
}

// ApplyRangingSample records a distance sample. A sample proves an active
// ranging link, so the peer is moved back to PeerStateRanging. It returns
// ErrNotFound for unknown peers and ErrNoAgreement, leaving the record
// untouched, for peers without session parameters.
func (r *Registry) ApplyRangingSample(id string, meters float64, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	if !rec.HasAgreement() {
		return ErrNoAgreement
	}
	rec.DistanceMeters = &meters
	rec.LastSeenAt = now
	rec.State = models.PeerStateRanging
	rec.ErrorMessage = ""
	return nil
}

// MarkError moves a known peer to PeerStateError with message.
func (r *Registry) MarkError(id, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return false
	}
	rec.State = models.PeerStateError
	rec.ErrorMessage = message
	return true
}

// MarkDisconnected moves a known peer to PeerStateDisconnected. The message is
// not stored; ErrorMessage is only kept while a peer is in PeerStateError.
func (r *Registry) MarkDisconnected(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return false
	}
	rec.State = models.PeerStateDisconnected
	rec.ErrorMessage = ""
	return true
}

// RemoveStale evicts every peer that is not ranging and was last seen more
// than threshold before now. Removed ids are returned in insertion order.
func (r *Registry) RemoveStale(now time.Time, threshold time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	kept := r.order[:0]
	for _, id := range r.order {
		rec := r.records[id]
		if rec.State != models.PeerStateRanging && now.Sub(rec.LastSeenAt) > threshold {
			removed = append(removed, id)
			delete(r.records, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return removed
}

// Get returns a copy of one record.
func (r *Registry) Get(id string) (models.PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return models.PeerRecord{}, false
	}
	return rec.Clone(), true
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// IDs returns every known peer id in insertion order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Snapshot returns copies of every record in insertion order.
func (r *Registry) Snapshot() []models.PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.PeerRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id].Clone())
	}
	return out
}

// Clear removes every record.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]*models.PeerRecord)
	r.order = nil
}

func (r *Registry) insertLocked(rec *models.PeerRecord) {
	r.records[rec.ID] = rec
	r.order = append(r.order, rec.ID)
}
