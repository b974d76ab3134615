package jobregistry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const driverSQLite = "sqlite"

// SQLStore persists JobRecords as one row per job in a SQLite database.
//
// The full record is stored as a JSON document next to the indexed status
// column. Status changes are written with a compare-and-swap on the previous
// status so a terminal row can never be overwritten.
type SQLStore struct {
	db    *sql.DB
	locks *keyedMutex
}

// OpenSQLStore opens (and creates if needed) a SQLite job database at path.
// Use ":memory:" for an ephemeral store.
func OpenSQLStore(ctx context.Context, path string) (*SQLStore, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dsn, err := sqliteDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping job store: %w", err)
	}
	if err := migrateJobs(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db, locks: newKeyedMutex()}, nil
}

func sqliteDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("job store path is required")
	}
	if path == ":memory:" {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create job store dir: %w", err)
	}
	return "file:" + filepath.Clean(path), nil
}

func migrateJobs(ctx context.Context, db *sql.DB, dsn string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id     TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			sort_at    TEXT NOT NULL,
			doc        TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_sort_at ON jobs(sort_at);`,
	}
	if dsn != ":memory:" {
		stmts = append([]string{`PRAGMA journal_mode=WAL;`, `PRAGMA busy_timeout=5000;`}, stmts...)
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate job store: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, record *JobRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, status, created_at, sort_at, doc)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(job_id) DO NOTHING`,
		record.JobID, string(record.Status), formatTime(record.CreatedAt), formatTime(sortTime(*record)), string(doc),
	)
	if err != nil {
		return fmt.Errorf("insert job record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", record.JobID, ErrExists)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	jobID, err := cleanJobID(jobID)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, jobID)
}

func (s *SQLStore) get(ctx context.Context, jobID string) (*JobRecord, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM jobs WHERE job_id = ?`, jobID).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", jobID, ErrNotFound)
		}
		return nil, fmt.Errorf("query job record: %w", err)
	}
	return decodeRecord([]byte(doc))
}

func (s *SQLStore) List(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM jobs ORDER BY sort_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list job records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []JobRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan job record: %w", err)
		}
		r, err := decodeRecord([]byte(doc))
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list job records: %w", err)
	}
	SortNewestFirst(out)
	return out, nil
}

func (s *SQLStore) Update(ctx context.Context, jobID string, mutate func(*JobRecord) error) (*JobRecord, error) {
	jobID, err := cleanJobID(jobID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(jobID)
	defer unlock()

	current, err := s.get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	next, err := applyMutation(current, mutate)
	if err != nil {
		return current, err
	}
	doc, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal job record: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, sort_at = ?, doc = ? WHERE job_id = ? AND status = ?`,
		string(next.Status), formatTime(sortTime(*next)), string(doc), jobID, string(current.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("update job record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%s changed concurrently: %w", jobID, ErrInvalidTransition)
	}
	return next, nil
}

func (s *SQLStore) Delete(ctx context.Context, jobID string) error {
	jobID, err := cleanJobID(jobID)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete job record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", jobID, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
