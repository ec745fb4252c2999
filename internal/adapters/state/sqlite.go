package state

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/lock"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// SQLiteStore implements core.ExecutionStore with SQLite storage.
// The full record is stored as JSON alongside indexed columns for listing.
type SQLiteStore struct {
	dbPath string
	db     *sql.DB
	mu     sync.RWMutex
	locks  *lock.ProjectLocks
}

// NewSQLiteStore opens (and migrates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	// WAL mode for concurrent readers while the runner writes.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{
		dbPath: dbPath,
		db:     db,
		locks:  lock.NewProjectLocks(filepath.Join(filepath.Dir(dbPath), locksDir)),
	}
	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet.
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// Save upserts the execution in a single statement.
func (s *SQLiteStore) Save(ctx context.Context, exec *core.OrchestrationExecution) error {
	if err := validateForSave(exec); err != nil {
		return err
	}
	sum, record, err := checksum(exec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (
			id, project_id, status, current_phase, total_cost_usd, record, checksum, started_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			status = excluded.status,
			current_phase = excluded.current_phase,
			total_cost_usd = excluded.total_cost_usd,
			record = excluded.record,
			checksum = excluded.checksum,
			updated_at = excluded.updated_at
	`,
		string(exec.ID), exec.ProjectID, string(exec.Status), string(exec.CurrentPhase),
		exec.TotalCostUsd, string(record), sum, exec.StartedAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting execution: %w", err)
	}
	return nil
}

// Load retrieves an execution. Returns nil and no error when it does not exist.
func (s *SQLiteStore) Load(ctx context.Context, id core.ExecutionID) (*core.OrchestrationExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var record, sum string
	err := s.db.QueryRowContext(ctx,
		"SELECT record, checksum FROM executions WHERE id = ?", string(id)).Scan(&record, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading execution: %w", err)
	}
	return decodeRecord([]byte(record), sum)
}

// List returns executions newest first. Corrupted rows are skipped.
func (s *SQLiteStore) List(ctx context.Context, projectID string) ([]*core.OrchestrationExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT record, checksum FROM executions"
	var args []interface{}
	if projectID != "" {
		query += " WHERE project_id = ?"
		args = append(args, projectID)
	}
	query += " ORDER BY started_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []*core.OrchestrationExecution
	for rows.Next() {
		var record, sum string
		if err := rows.Scan(&record, &sum); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		exec, err := decodeRecord([]byte(record), sum)
		if err != nil {
			continue
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}
	sortNewestFirst(out)
	return out, nil
}

// ActiveExecutionID returns the project's active execution, or empty.
func (s *SQLiteStore) ActiveExecutionID(ctx context.Context, projectID string) (core.ExecutionID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT execution_id FROM active_executions WHERE project_id = ?", projectID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading active execution: %w", err)
	}
	return core.ExecutionID(id), nil
}

// SetActive claims id as the active execution of the project.
func (s *SQLiteStore) SetActive(ctx context.Context, projectID string, id core.ExecutionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_executions (project_id, execution_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			execution_id = excluded.execution_id,
			updated_at = excluded.updated_at
	`, projectID, string(id), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("setting active execution: %w", err)
	}
	return nil
}

// ClearActive removes the active pointer of the project.
func (s *SQLiteStore) ClearActive(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM active_executions WHERE project_id = ?", projectID); err != nil {
		return fmt.Errorf("clearing active execution: %w", err)
	}
	return nil
}

// ListActive returns every project with an active pointer.
func (s *SQLiteStore) ListActive(ctx context.Context) (map[string]core.ExecutionID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT project_id, execution_id FROM active_executions")
	if err != nil {
		return nil, fmt.Errorf("listing active executions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]core.ExecutionID)
	for rows.Next() {
		var projectID, id string
		if err := rows.Scan(&projectID, &id); err != nil {
			return nil, fmt.Errorf("scanning active execution: %w", err)
		}
		out[projectID] = core.ExecutionID(id)
	}
	return out, rows.Err()
}

// LockProject takes the project's lock file next to the database. A single
// SQL transaction cannot span the service's load, validate and save, so
// writers from every process serialize on the same lock file as the JSON
// backend does.
func (s *SQLiteStore) LockProject(ctx context.Context, projectID string) (func(), error) {
	return s.locks.Acquire(ctx, projectID)
}

var _ core.ExecutionStore = (*SQLiteStore)(nil)
