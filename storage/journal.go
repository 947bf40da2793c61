package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"rangelink/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrInvalidFilter indicates a query filter that can never match.
	ErrInvalidFilter = errors.New("storage: invalid filter")
)

// JournalEntry is one persisted discovery event.
type JournalEntry struct {
	ID        int64            `json:"id"`
	RunID     string           `json:"run_id"`
	Kind      models.EventKind `json:"kind"`
	PeerID    *string          `json:"peer_id,omitempty"`
	Message   string           `json:"message"`
	Timestamp int64            `json:"timestamp"`
}

// Event converts the row back into a pipeline event.
func (e JournalEntry) Event() models.DiscoveryEvent {
	event := models.DiscoveryEvent{
		Timestamp: time.UnixMilli(e.Timestamp),
		Kind:      e.Kind,
		Message:   e.Message,
	}
	if e.PeerID != nil {
		event.PeerID = *e.PeerID
	}
	return event
}

// EventFilter narrows GetDiscoveryEvents query results.
type EventFilter struct {
	RunID         string
	Kind          models.EventKind
	PeerID        string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

// SetEventRetention configures the automatic pruning horizon. A non-positive
// value restores the default.
func (s *Store) SetEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	s.eventRetention = retention
}

// LogDiscoveryEvent inserts one event under the store's run id and applies
// retention pruning.
func (s *Store) LogDiscoveryEvent(event models.DiscoveryEvent) error {
	if err := validateEventKind(event.Kind); err != nil {
		return err
	}
	timestamp := event.Timestamp.UnixMilli()
	if event.Timestamp.IsZero() {
		timestamp = nowUnixMilli()
	}

	var peerID *string
	if trimmed := strings.TrimSpace(event.PeerID); trimmed != "" {
		peerID = &trimmed
	}

	_, err := s.db.Exec(
		`INSERT INTO discovery_events (
			run_id,
			kind,
			peer_id,
			message,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		s.runID,
		string(event.Kind),
		nullString(peerID),
		event.Message,
		timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert discovery event %q: %w", event.Kind, err)
	}

	if s.eventRetention > 0 {
		cutoff := time.Now().Add(-s.eventRetention).UnixMilli()
		if _, err := s.PruneDiscoveryEvents(cutoff); err != nil {
			return fmt.Errorf("prune discovery events: %w", err)
		}
	}

	return nil
}

// GetDiscoveryEvents returns events newest first with optional filtering.
func (s *Store) GetDiscoveryEvents(filter EventFilter) ([]JournalEntry, error) {
	if filter.Kind != "" {
		if err := validateEventKind(filter.Kind); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
		}
	}
	if filter.FromTimestamp != nil && filter.ToTimestamp != nil && *filter.FromTimestamp > *filter.ToTimestamp {
		return nil, fmt.Errorf("%w: from is after to", ErrInvalidFilter)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		run_id,
		kind,
		peer_id,
		message,
		timestamp
	FROM discovery_events`)

	where := make([]string, 0, 5)
	args := make([]any, 0, 7)

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.PeerID != "" {
		where = append(where, "peer_id = ?")
		args = append(args, filter.PeerID)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get discovery events: %w", err)
	}
	defer rows.Close()

	entries := make([]JournalEntry, 0)
	for rows.Next() {
		entry, err := scanJournalEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan discovery event row: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate discovery event rows: %w", err)
	}

	return entries, nil
}

// GetDiscoveryEvent returns one event by id.
func (s *Store) GetDiscoveryEvent(id int64) (*JournalEntry, error) {
	row := s.db.QueryRow(
		`SELECT id, run_id, kind, peer_id, message, timestamp FROM discovery_events WHERE id = ?`,
		id,
	)
	entry, err := scanJournalEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get discovery event %d: %w", id, err)
	}
	return entry, nil
}

// PruneDiscoveryEvents removes events older than cutoffTimestamp.
func (s *Store) PruneDiscoveryEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM discovery_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune discovery events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for discovery event prune: %w", err)
	}

	return rowsAffected, nil
}

// Record writes every event from events until the channel closes or ctx is
// done. Write failures are logged and skipped.
func (s *Store) Record(ctx context.Context, events <-chan models.DiscoveryEvent, logger logrus.FieldLogger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.LogDiscoveryEvent(event); err != nil {
				logger.WithError(err).WithField("kind", event.Kind).Warn("Journal write failed")
			}
		}
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJournalEntry(row scanner) (*JournalEntry, error) {
	var (
		entry  JournalEntry
		kind   string
		peerID sql.NullString
	)
	if err := row.Scan(
		&entry.ID,
		&entry.RunID,
		&kind,
		&peerID,
		&entry.Message,
		&entry.Timestamp,
	); err != nil {
		return nil, err
	}

	entry.Kind = models.EventKind(kind)
	entry.PeerID = stringPtr(peerID)
	return &entry, nil
}

func validateEventKind(kind models.EventKind) error {
	for _, known := range models.AllEventKinds {
		if kind == known {
			return nil
		}
	}
	return fmt.Errorf("invalid event kind %q", kind)
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
