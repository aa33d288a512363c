// Package store implements the orchestrator's embedded relational
// persistence layer (spec.md §4.1): transactional, typed operations over a
// single SQLite file, with versioned forward-only migrations run at open.
// It follows the shape of the teacher's internal/memory/db.go — an
// embedded schema plus incremental migration files applied by version
// number — generalized from the teacher's chat/recon domain to tasks,
// agents, patterns, decisions, and escalations.
package store

import (
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/swarmctl/orchestrator/internal/orcherr"
)

//go:embed schema.sql
var schemaSQL string

//go:embed migrations/002_escalation_resolution_index.sql
var migration002 string

// currentSchemaVersion is the version reached once every embedded
// migration has applied.
const currentSchemaVersion = 2

// Store is the single-writer/multi-reader persistence layer shared by every
// orchestrator component. A corrupted database aborts NewStore instead of
// attempting silent recovery (spec.md §4.1 failure semantics).
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open creates (if necessary) and migrates the SQLite database at path.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, orcherr.Store("store", "failed to create store directory", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, orcherr.Store("store", "failed to open database", err)
	}
	db.SetMaxOpenConns(1) // single-writer model; modernc.org/sqlite serializes per-connection anyway

	s := &Store{db: db, log: log.With().Str("component", "store").Logger()}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, orcherr.Store("store", "migration failed, aborting startup", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}

	version, err := s.schemaVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version < 2 {
		s.log.Info().Int("from", version).Int("to", 2).Msg("applying migration: escalation resolution index")
		if _, err := s.db.Exec(migration002); err != nil {
			return fmt.Errorf("apply migration 002: %w", err)
		}
	}

	return nil
}

func (s *Store) schemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error and wrapping
// any failure as a StoreError (spec.md §4.1: "any failed write fails the
// calling operation with a StoreError").
func (s *Store) withTx(component string, fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return orcherr.Store(component, "failed to begin transaction", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		if orcherr.IsKind(err, orcherr.KindStore) {
			return err
		}
		return orcherr.Store(component, "transaction failed", err)
	}

	if err := tx.Commit(); err != nil {
		return orcherr.Store(component, "failed to commit transaction", err)
	}
	return nil
}

// FingerprintContext computes the 16-character, order-independent context
// fingerprint used by the confidence tracker (spec.md §4.5), grounded on
// the teacher's hashString in internal/memory/db.go — generalized to sort
// its inputs first so permutations of the same tag set hash identically.
func FingerprintContext(tags []string) string {
	sorted := append([]string(nil), tags...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	h := sha256.New()
	for _, tag := range sorted {
		h.Write([]byte(tag))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:16]
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
