package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/swarmctl/orchestrator/internal/orcherr"
)

// Decision is a single confidence-tracker ruling, persisted for audit and
// for the accountability engine's escalation history (spec.md §6 persisted
// state layout).
type Decision struct {
	ID                 string
	Fingerprint        string
	TaskID             string
	AgentConfidence    float64
	ExternalConfidence *float64
	HumanInvolved      bool
	Outcome            string
	RecordedAt         time.Time
}

// PutDecision records a decision. ID is generated if empty.
func (s *Store) PutDecision(d *Decision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.RecordedAt.IsZero() {
		d.RecordedAt = time.Now()
	}
	return s.withTx("store.decisions", func(tx *sql.Tx) error {
		var external sql.NullFloat64
		if d.ExternalConfidence != nil {
			external = sql.NullFloat64{Float64: *d.ExternalConfidence, Valid: true}
		}
		_, err := tx.Exec(`
			INSERT INTO decisions (id, fingerprint, task_id, agent_confidence, external_confidence, human_involved, outcome, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, d.ID, d.Fingerprint, d.TaskID, d.AgentConfidence, external, boolToInt(d.HumanInvolved), d.Outcome, d.RecordedAt)
		return err
	})
}

// ListDecisionsByFingerprint returns decisions for a fingerprint, most
// recent first (spec.md §6 index: decisions(fingerprint, recorded_at)).
func (s *Store) ListDecisionsByFingerprint(fingerprint string) ([]*Decision, error) {
	rows, err := s.db.Query(`
		SELECT id, fingerprint, task_id, agent_confidence, external_confidence, human_involved, outcome, recorded_at
		FROM decisions WHERE fingerprint = ? ORDER BY recorded_at DESC
	`, fingerprint)
	if err != nil {
		return nil, orcherr.Store("store.decisions", "failed to list decisions", err)
	}
	defer rows.Close()

	var out []*Decision
	for rows.Next() {
		var d Decision
		var external sql.NullFloat64
		var humanInvolved int
		if err := rows.Scan(&d.ID, &d.Fingerprint, &d.TaskID, &d.AgentConfidence, &external, &humanInvolved, &d.Outcome, &d.RecordedAt); err != nil {
			return nil, orcherr.Store("store.decisions", "failed to scan decision", err)
		}
		if external.Valid {
			v := external.Float64
			d.ExternalConfidence = &v
		}
		d.HumanInvolved = humanInvolved != 0
		out = append(out, &d)
	}
	return out, rows.Err()
}

// DeleteDecisionsOlderThan deletes decisions recorded before cutoff, used by
// the confidence tracker's data retention policy (spec.md §4.5
// CleanupOlderThan). Patterns are left untouched — they are rebuilt lazily
// from surviving decisions the next time RecordOutcome touches that
// fingerprint.
func (s *Store) DeleteDecisionsOlderThan(cutoff time.Time) error {
	return s.withTx("store.decisions", func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM decisions WHERE recorded_at < ?`, cutoff)
		return err
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
