package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/swarmctl/orchestrator/internal/agentregistry"
	"github.com/swarmctl/orchestrator/internal/orcherr"
)

// PutAgent inserts or replaces an agent row.
func (s *Store) PutAgent(a *agentregistry.Agent) error {
	caps, err := json.Marshal(a.CapabilitySlice())
	if err != nil {
		return err
	}
	return s.withTx("store.agents", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO agents (id, capabilities_json, status, last_heartbeat, consecutive_failures, recovery_attempts, registered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				capabilities_json=excluded.capabilities_json, status=excluded.status,
				last_heartbeat=excluded.last_heartbeat, consecutive_failures=excluded.consecutive_failures,
				recovery_attempts=excluded.recovery_attempts
		`, a.ID, string(caps), string(a.State), a.LastHeartbeat, a.ConsecutiveFailures, a.RecoveryAttempts, a.RegisteredAt)
		return err
	})
}

// GetAgent loads an agent row, returning nil if it does not exist.
func (s *Store) GetAgent(id string) (*agentregistry.Agent, error) {
	row := s.db.QueryRow(`
		SELECT id, capabilities_json, status, last_heartbeat, consecutive_failures, recovery_attempts, registered_at
		FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, orcherr.Store("store.agents", "failed to load agent", err)
	}
	return a, nil
}

// ListAgents returns every registered agent.
func (s *Store) ListAgents() ([]*agentregistry.Agent, error) {
	rows, err := s.db.Query(`
		SELECT id, capabilities_json, status, last_heartbeat, consecutive_failures, recovery_attempts, registered_at
		FROM agents ORDER BY registered_at ASC`)
	if err != nil {
		return nil, orcherr.Store("store.agents", "failed to list agents", err)
	}
	defer rows.Close()

	var out []*agentregistry.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, orcherr.Store("store.agents", "failed to scan agent", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAgent(row rowScanner) (*agentregistry.Agent, error) {
	var id, status, capsJSON string
	var lastHeartbeat sql.NullTime
	var consecutiveFailures, recoveryAttempts int
	var registeredAt time.Time

	if err := row.Scan(&id, &capsJSON, &status, &lastHeartbeat, &consecutiveFailures, &recoveryAttempts, &registeredAt); err != nil {
		return nil, err
	}

	var caps []string
	if err := json.Unmarshal([]byte(capsJSON), &caps); err != nil {
		return nil, err
	}

	a := agentregistry.NewAgent(id, caps)
	a.State = agentregistry.State(status)
	if lastHeartbeat.Valid {
		a.LastHeartbeat = lastHeartbeat.Time
	}
	a.ConsecutiveFailures = consecutiveFailures
	a.RecoveryAttempts = recoveryAttempts
	a.RegisteredAt = registeredAt
	return a, nil
}

// SaveMemorySnapshot persists a Sleep/Wake snapshot (spec.md §4.4),
// implementing agentregistry.SnapshotStore.
func (s *Store) SaveMemorySnapshot(agentID, kind, payload string) error {
	return s.withTx("store.agents", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO memory_snapshots (snapshot_id, agent_id, kind, payload, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, uuid.New().String(), agentID, kind, payload, time.Now())
		return err
	})
}

// LatestMemorySnapshot loads the most recent snapshot for an agent.
func (s *Store) LatestMemorySnapshot(agentID string) (string, bool, error) {
	var payload string
	err := s.db.QueryRow(`
		SELECT payload FROM memory_snapshots WHERE agent_id = ? ORDER BY created_at DESC LIMIT 1
	`, agentID).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, orcherr.Store("store.agents", "failed to load snapshot", err)
	}
	return payload, true, nil
}
