// Package scanstore is the append-only scan-history ledger: one AuditRecord
// row per completed (or aborted) sweep, read back by the CLI's "history"
// subcommand and the daemon's GET /history route. It is not on the
// acquisition path — nothing here blocks a scan in progress.
package scanstore

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/threesonic/scancore/internal/flags"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Outcome classifies how a sweep ended.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeAborted Outcome = "aborted"
	OutcomeError   Outcome = "error"
)

// AuditRecord is a persisted row describing one completed scan.
type AuditRecord struct {
	ScanID     string
	Plan       flags.ScanPlan
	StartedAt  time.Time
	EndedAt    *time.Time
	FrameCount int
	Outcome    Outcome
	Detail     string
	Folder     string
}

// Store is the sqlite-backed audit ledger.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at dsn and applies any
// migrations not yet recorded in schema_migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Start inserts a new in-progress audit record and returns its generated id.
func (s *Store) Start(plan flags.ScanPlan, startedAt time.Time) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO audit_records (scan_id, plan_x0, plan_x1, plan_mode, started_at, outcome)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, plan.X0, plan.X1, plan.Mode, startedAt.UTC(), string(OutcomeOK),
	)
	if err != nil {
		return "", fmt.Errorf("insert audit record: %w", err)
	}
	return id, nil
}

// Finish closes out an in-progress record with its terminal outcome.
func (s *Store) Finish(scanID string, endedAt time.Time, frameCount int, outcome Outcome, detail, folder string) error {
	_, err := s.db.Exec(
		`UPDATE audit_records SET ended_at = ?, frame_count = ?, outcome = ?, detail = ?, folder = ?
		 WHERE scan_id = ?`,
		endedAt.UTC(), frameCount, string(outcome), detail, folder, scanID,
	)
	if err != nil {
		return fmt.Errorf("update audit record %s: %w", scanID, err)
	}
	return nil
}

// Recent returns the most recent audit records, newest first, bounded by
// limit (0 means "no bound").
func (s *Store) Recent(limit int) ([]AuditRecord, error) {
	query := `SELECT scan_id, plan_x0, plan_x1, plan_mode, started_at, ended_at, frame_count, outcome, detail, folder
	          FROM audit_records ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var endedAt sql.NullTime
		var outcome string
		if err := rows.Scan(&rec.ScanID, &rec.Plan.X0, &rec.Plan.X1, &rec.Plan.Mode,
			&rec.StartedAt, &endedAt, &rec.FrameCount, &outcome, &rec.Detail, &rec.Folder); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Outcome = Outcome(outcome)
		if endedAt.Valid {
			t := endedAt.Time
			rec.EndedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
