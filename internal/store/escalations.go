package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/swarmctl/orchestrator/internal/orcherr"
)

// EscalationLevel mirrors the accountability engine's ladder (spec.md §4.8).
type EscalationLevel string

const (
	EscalationMedium   EscalationLevel = "medium"
	EscalationHigh     EscalationLevel = "high"
	EscalationCritical EscalationLevel = "critical"
	EscalationSystem   EscalationLevel = "system_failure"
)

// Escalation is a persisted overdue-task or crashed-agent escalation.
type Escalation struct {
	ID         string
	AgentID    string
	TaskID     string
	Level      EscalationLevel
	Reason     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// PutEscalation inserts a new escalation record.
func (s *Store) PutEscalation(e *Escalation) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return s.withTx("store.escalations", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO escalations (id, agent_id, task_id, level, reason, created_at, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.ID, nullString(e.AgentID), e.TaskID, string(e.Level), e.Reason, e.CreatedAt, nullTime(e.ResolvedAt))
		return err
	})
}

// ResolveEscalation marks an escalation resolved.
func (s *Store) ResolveEscalation(id string) error {
	return s.withTx("store.escalations", func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE escalations SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`, time.Now(), id)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return orcherr.Invariant("store.escalations", "escalation "+id+" not found or already resolved")
		}
		return nil
	})
}

// ListUnresolvedEscalations returns every escalation with no resolved_at,
// oldest first.
func (s *Store) ListUnresolvedEscalations() ([]*Escalation, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_id, task_id, level, reason, created_at, resolved_at
		FROM escalations WHERE resolved_at IS NULL ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, orcherr.Store("store.escalations", "failed to list escalations", err)
	}
	defer rows.Close()

	var out []*Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, orcherr.Store("store.escalations", "failed to scan escalation", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEscalationsByTask returns every escalation recorded for a task.
func (s *Store) ListEscalationsByTask(taskID string) ([]*Escalation, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_id, task_id, level, reason, created_at, resolved_at
		FROM escalations WHERE task_id = ? ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, orcherr.Store("store.escalations", "failed to list escalations", err)
	}
	defer rows.Close()

	var out []*Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, orcherr.Store("store.escalations", "failed to scan escalation", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEscalation(row rowScanner) (*Escalation, error) {
	var e Escalation
	var agentID sql.NullString
	var level string
	var resolvedAt sql.NullTime

	if err := row.Scan(&e.ID, &agentID, &e.TaskID, &level, &e.Reason, &e.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	e.AgentID = agentID.String
	e.Level = EscalationLevel(level)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	return &e, nil
}
