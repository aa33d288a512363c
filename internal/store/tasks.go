package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/swarmctl/orchestrator/internal/orcherr"
	"github.com/swarmctl/orchestrator/internal/tasks"
)

// PutTask inserts or replaces a task row in a single transaction.
func (s *Store) PutTask(t *tasks.Task) error {
	return s.withTx("store.tasks", func(tx *sql.Tx) error {
		return putTaskTx(tx, t)
	})
}

func putTaskTx(tx *sql.Tx, t *tasks.Task) error {
	data, err := json.Marshal(t.Data)
	if err != nil {
		return err
	}
	deps := make([]string, 0, len(t.Dependencies))
	for d := range t.Dependencies {
		deps = append(deps, d)
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO tasks (id, type, description, priority, status, data, dependencies_json,
			timeout_seconds, max_attempts, attempts, assigned_agent, created_at, deadline, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type=excluded.type, description=excluded.description, priority=excluded.priority,
			status=excluded.status, data=excluded.data, dependencies_json=excluded.dependencies_json,
			timeout_seconds=excluded.timeout_seconds, max_attempts=excluded.max_attempts,
			attempts=excluded.attempts, assigned_agent=excluded.assigned_agent,
			deadline=excluded.deadline, started_at=excluded.started_at, completed_at=excluded.completed_at
	`,
		t.ID, t.Type, t.Description, t.Priority, string(t.Status), string(data), string(depsJSON),
		t.TimeoutSeconds, t.MaxAttempts, t.Attempts, nullString(t.AssignedAgent),
		t.CreatedAt, nullTime(t.Deadline), nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	return err
}

// UpdateTaskStatus performs a compare-and-swap status transition, failing
// with an InvariantViolation if the task's current status does not match
// from (spec.md §4.1 typed operation example).
func (s *Store) UpdateTaskStatus(id string, from, to tasks.Status) error {
	return s.withTx("store.tasks", func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE tasks SET status = ? WHERE id = ? AND status = ?`, string(to), id, string(from))
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return orcherr.Invariant("store.tasks", "task "+id+" was not in expected status "+string(from))
		}
		return nil
	})
}

// GetTask loads a task by ID, returning nil if it does not exist.
func (s *Store) GetTask(id string) (*tasks.Task, error) {
	row := s.db.QueryRow(`
		SELECT id, type, description, priority, status, data, dependencies_json,
			timeout_seconds, max_attempts, attempts, assigned_agent, created_at, deadline, started_at, completed_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, orcherr.Store("store.tasks", "failed to load task", err)
	}
	return t, nil
}

// ListTasksByStatus returns every task with the given status.
func (s *Store) ListTasksByStatus(status tasks.Status) ([]*tasks.Task, error) {
	rows, err := s.db.Query(`
		SELECT id, type, description, priority, status, data, dependencies_json,
			timeout_seconds, max_attempts, attempts, assigned_agent, created_at, deadline, started_at, completed_at
		FROM tasks WHERE status = ? ORDER BY priority DESC, created_at ASC`, string(status))
	if err != nil {
		return nil, orcherr.Store("store.tasks", "failed to list tasks", err)
	}
	defer rows.Close()

	var out []*tasks.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, orcherr.Store("store.tasks", "failed to scan task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*tasks.Task, error) {
	var t tasks.Task
	var status string
	var dataJSON, depsJSON string
	var assignedAgent sql.NullString
	var deadline, startedAt, completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.Type, &t.Description, &t.Priority, &status, &dataJSON, &depsJSON,
		&t.TimeoutSeconds, &t.MaxAttempts, &t.Attempts, &assignedAgent, &t.CreatedAt, &deadline, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Status = tasks.Status(status)
	t.AssignedAgent = assignedAgent.String

	t.Data = make(map[string]string)
	if err := json.Unmarshal([]byte(dataJSON), &t.Data); err != nil {
		return nil, err
	}

	var deps []string
	if err := json.Unmarshal([]byte(depsJSON), &deps); err != nil {
		return nil, err
	}
	t.Dependencies = make(map[string]struct{}, len(deps))
	for _, d := range deps {
		t.Dependencies[d] = struct{}{}
	}

	if deadline.Valid {
		d := deadline.Time
		t.Deadline = &d
	}
	if startedAt.Valid {
		d := startedAt.Time
		t.StartedAt = &d
	}
	if completedAt.Valid {
		d := completedAt.Time
		t.CompletedAt = &d
	}

	return &t, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
