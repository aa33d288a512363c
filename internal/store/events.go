package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/swarmctl/orchestrator/internal/events"
	"github.com/swarmctl/orchestrator/internal/orcherr"
)

// AppendEvent persists a published event to the durable append-only log,
// implementing events.DurableLog.
func (s *Store) AppendEvent(e *events.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return err
	}
	return s.withTx("store.events", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO events (event_id, event_type, timestamp, priority, partition_key, payload, tags)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(event_id) DO NOTHING
		`, e.ID, string(e.Type), e.CreatedAt, e.Priority, e.PartitionKey, string(payload), string(tags))
		return err
	})
}

// ListEventsSince returns every durable event recorded at or after since,
// used to replay the log for a reconnecting consumer.
func (s *Store) ListEventsSince(since time.Time) ([]*events.Event, error) {
	rows, err := s.db.Query(`
		SELECT event_id, event_type, timestamp, priority, partition_key, payload, tags
		FROM events WHERE timestamp >= ? ORDER BY timestamp ASC
	`, since)
	if err != nil {
		return nil, orcherr.Store("store.events", "failed to list events", err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		var e events.Event
		var eventType, payload, tags string
		if err := rows.Scan(&e.ID, &eventType, &e.CreatedAt, &e.Priority, &e.PartitionKey, &payload, &tags); err != nil {
			return nil, orcherr.Store("store.events", "failed to scan event", err)
		}
		e.Type = events.EventType(eventType)
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
