package store

import (
	"database/sql"
	"time"

	"github.com/swarmctl/orchestrator/internal/orcherr"
)

// Pattern is the aggregate outcome history for a confidence-tracker context
// fingerprint (spec.md §4.5).
type Pattern struct {
	Fingerprint  string
	SuccessRate  float64
	SampleCount  int
	LastUpdated  time.Time
}

// GetPattern loads a pattern by fingerprint, returning nil if unseen.
func (s *Store) GetPattern(fingerprint string) (*Pattern, error) {
	var p Pattern
	err := s.db.QueryRow(`
		SELECT fingerprint, success_rate, sample_count, last_updated FROM patterns WHERE fingerprint = ?
	`, fingerprint).Scan(&p.Fingerprint, &p.SuccessRate, &p.SampleCount, &p.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, orcherr.Store("store.patterns", "failed to load pattern", err)
	}
	return &p, nil
}

// RecordOutcome atomically folds a new outcome into a pattern's running
// success rate (spec.md §5 ordering guarantee 4: "no torn reads").
func (s *Store) RecordOutcome(fingerprint string, success bool) (*Pattern, error) {
	var out Pattern
	err := s.withTx("store.patterns", func(tx *sql.Tx) error {
		var sampleCount int
		var successRate float64
		err := tx.QueryRow(`SELECT sample_count, success_rate FROM patterns WHERE fingerprint = ?`, fingerprint).
			Scan(&sampleCount, &successRate)
		if err != nil && err != sql.ErrNoRows {
			return err
		}

		successes := successRate * float64(sampleCount)
		if success {
			successes++
		}
		sampleCount++
		successRate = successes / float64(sampleCount)
		now := time.Now()

		_, err = tx.Exec(`
			INSERT INTO patterns (fingerprint, success_rate, sample_count, last_updated)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(fingerprint) DO UPDATE SET
				success_rate=excluded.success_rate, sample_count=excluded.sample_count, last_updated=excluded.last_updated
		`, fingerprint, successRate, sampleCount, now)
		if err != nil {
			return err
		}

		out = Pattern{Fingerprint: fingerprint, SuccessRate: successRate, SampleCount: sampleCount, LastUpdated: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CleanupPatternsOlderThan deletes patterns whose last_updated predates the
// cutoff, used by the confidence tracker's periodic cache/pattern cleanup.
func (s *Store) CleanupPatternsOlderThan(cutoff time.Time) error {
	return s.withTx("store.patterns", func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM patterns WHERE last_updated < ?`, cutoff)
		return err
	})
}
