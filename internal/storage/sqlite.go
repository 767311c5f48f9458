package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the SQLite-backed run store and work queue.
type Store struct {
	db *sql.DB
}

// pragmas are applied to every new database handle.
var pragmas = []string{
	"PRAGMA busy_timeout = 5000",
	"PRAGMA journal_mode = WAL",
	"PRAGMA foreign_keys = ON",
}

// Open opens (or creates) voxdeck.db in dataDir and applies pending
// migrations. Pass ":memory:" for an in-memory database.
func Open(dataDir string) (*Store, error) {
	dsn := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "voxdeck.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: claims are serialised and ":memory:" stays a single database.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

type migration struct {
	version int
	name    string
}

// loadMigrations lists the embedded migrations ordered by version.
func loadMigrations() ([]migration, error) {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}
	out := make([]migration, 0, len(names))
	for _, name := range names {
		var v int
		if _, err := fmt.Sscanf(path.Base(name), "%d_", &v); err != nil {
			return nil, fmt.Errorf("parsing migration version from %q: %w", name, err)
		}
		out = append(out, migration{version: v, name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	applied, err := s.AppliedMigrations()
	if err != nil {
		return fmt.Errorf("reading schema_version: %w", err)
	}
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	for _, m := range migrations {
		if done[m.version] {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// apply runs one migration and records it in a single transaction.
func (s *Store) apply(ctx context.Context, m migration) (err error) {
	body, err := migrationsFS.ReadFile(m.name)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", m.name, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: %w", m.version, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("applying migration %d: %w", m.version, err)
	}
	if _, err = tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
		return fmt.Errorf("recording migration %d: %w", m.version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", m.version, err)
	}
	return nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Runs ---

// CreateRun inserts a new run in the pending state.
func (s *Store) CreateRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, input_audio_path, recipient, source, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)`,
		run.ID, run.InputAudioPath, run.Recipient, run.Source,
		run.CreatedAt.UTC().Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	return err
}

// ClaimNextRun moves the oldest pending run to running and returns it.
// Returns nil, nil when the queue is empty.
func (s *Store) ClaimNextRun(ctx context.Context) (*Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM runs WHERE status = 'pending' ORDER BY created_at ASC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next run: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, id)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated run rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading claimed run %s: %w", id, err)
	}
	return &run, nil
}

// FinishRun records the terminal status and result. Only a running run can
// be finished; any other state yields ErrNotRunning (or ErrNotFound).
func (s *Store) FinishRun(ctx context.Context, id string, status RunStatus, result Result) error {
	if !status.Terminal() {
		return fmt.Errorf("finishing run %s: %q is not a terminal status", id, status)
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, result_json = ?, updated_at = ? WHERE id = ? AND status = 'running'`,
		string(status), string(payload), now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	if _, err := s.GetRun(ctx, id); err != nil {
		return err
	}
	return ErrNotRunning
}

// TouchRun refreshes updated_at on a running run.
func (s *Store) TouchRun(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET updated_at = ? WHERE id = ? AND status = 'running'`, now, id)
	if err != nil {
		return fmt.Errorf("touching run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	if _, err := s.GetRun(ctx, id); err != nil {
		return err
	}
	return ErrNotRunning
}

// FailStaleRuns finishes running runs not updated since cutoff with result
// and returns their ids. A run touched while the sweep is in progress is
// left alone.
func (s *Store) FailStaleRuns(ctx context.Context, cutoff time.Time, result Result) ([]string, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, updated_at FROM runs WHERE status = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("listing running runs: %w", err)
	}
	type candidate struct{ id, updatedAt string }
	var stale []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.updatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		// RFC3339Nano drops trailing zeros, so compare parsed times.
		t, err := time.Parse(time.RFC3339Nano, c.updatedAt)
		if err != nil || t.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var failed []string
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, c := range stale {
		res, err := s.db.ExecContext(ctx,
			`UPDATE runs SET status = 'failed', result_json = ?, updated_at = ? WHERE id = ? AND status = 'running' AND updated_at = ?`,
			string(payload), now, c.id, c.updatedAt)
		if err != nil {
			return failed, fmt.Errorf("failing stale run %s: %w", c.id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			failed = append(failed, c.id)
		}
	}
	return failed, nil
}

// RecordMessage remembers an inbound message id and reports whether this is
// the first time it was seen.
func (s *Store) RecordMessage(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbound_messages (id, received_at) VALUES (?, ?)`,
		id, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("recording message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	var r Run
	var status, createdAt, updatedAt string
	var resultJSON sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, input_audio_path, recipient, source, status, result_json, created_at, updated_at
		FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.InputAudioPath, &r.Recipient, &r.Source, &status, &resultJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	r.Status = RunStatus(status)

	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Run{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Run{}, fmt.Errorf("parsing updated_at: %w", err)
	}

	if resultJSON.Valid && resultJSON.String != "" {
		var res Result
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
			return Run{}, fmt.Errorf("decoding result for run %s: %w", id, err)
		}
		r.Result = &res
	}
	return r, nil
}
