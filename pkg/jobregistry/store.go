package jobregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Store is the durable per-job status persistence.
//
// Implementations serialize writers per job id and never expose a partially
// written record to a concurrent reader.
type Store interface {
	// Create writes the first record for a job. It fails with ErrExists if a
	// record is already present.
	Create(ctx context.Context, record *JobRecord) error

	// Get returns the record for jobID, ErrNotFound, or an error wrapping
	// ErrCorrupt.
	Get(ctx context.Context, jobID string) (*JobRecord, error)

	// List returns every decodable record, newest first. Corrupt records are
	// skipped.
	List(ctx context.Context) ([]JobRecord, error)

	// Update applies mutate to the current record under the per-job lock and
	// persists the result. The status change is validated with CanTransition:
	// leaving a terminal state yields ErrTerminal. When mutate returns
	// ErrNoChange nothing is written and Update returns the current record
	// together with ErrNoChange.
	Update(ctx context.Context, jobID string, mutate func(*JobRecord) error) (*JobRecord, error)

	// Delete removes the record and any per-job artifacts owned by the store.
	Delete(ctx context.Context, jobID string) error

	Close() error
}

// FileStore persists JobRecords as one JSON document per job.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/job.lock
//	<root>/<job_id>/stdout.log
//	<root>/<job_id>/stderr.log
//
// Root is expected to be under the app data dir. Log files are written by
// the process supervisor; the store only owns job.json.
type FileStore struct {
	root  string
	locks *keyedMutex
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: strings.TrimSpace(root), locks: newKeyedMutex()}
}

func (s *FileStore) RootDir() string {
	return s.root
}

func (s *FileStore) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *FileStore) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

func (s *FileStore) LockPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.lock")
}

func (s *FileStore) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

func (s *FileStore) Create(_ context.Context, record *JobRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	unlock := s.locks.Lock(record.JobID)
	defer unlock()

	if _, err := os.Stat(s.JobPath(record.JobID)); err == nil {
		return fmt.Errorf("%s: %w", record.JobID, ErrExists)
	}
	return s.write(record)
}

func (s *FileStore) Get(_ context.Context, jobID string) (*JobRecord, error) {
	jobID, err := cleanJobID(jobID)
	if err != nil {
		return nil, err
	}
	return s.read(jobID)
}

func (s *FileStore) List(_ context.Context) ([]JobRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.read(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	SortNewestFirst(out)
	return out, nil
}

// maxUpdateAttempts bounds the retries of an Update whose record was
// rewritten by another process between the read and the commit.
const maxUpdateAttempts = 16

// Update is safe across processes sharing the root (the server and the CLI).
// The commit happens under an advisory lock on <job_dir>/job.lock and only if
// job.json still holds the bytes that were read; otherwise the record is
// re-read and mutate runs again. Mutators may therefore be called more than
// once and must not depend on earlier calls.
func (s *FileStore) Update(_ context.Context, jobID string, mutate func(*JobRecord) error) (*JobRecord, error) {
	jobID, err := cleanJobID(jobID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(jobID)
	defer unlock()

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		raw, current, err := s.readRaw(jobID)
		if err != nil {
			return nil, err
		}
		next, err := applyMutation(current, mutate)
		if err != nil {
			return current, err
		}
		committed, err := s.commit(jobID, raw, next)
		if err != nil {
			return nil, err
		}
		if committed {
			return next, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", jobID, ErrConflict)
}

// commit writes next unless job.json changed since it was read as seen.
func (s *FileStore) commit(jobID string, seen []byte, next *JobRecord) (bool, error) {
	release, err := lockFile(s.LockPath(jobID))
	if err != nil {
		return false, err
	}
	defer release()

	onDisk, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, fmt.Errorf("%s: %w", jobID, ErrNotFound)
		}
		return false, fmt.Errorf("read job record: %w", err)
	}
	if !bytes.Equal(onDisk, seen) {
		return false, nil
	}
	return true, s.write(next)
}

func (s *FileStore) Delete(_ context.Context, jobID string) error {
	jobID, err := cleanJobID(jobID)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(jobID)
	defer unlock()

	dir := s.JobDir(jobID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", jobID, ErrNotFound)
		}
		return err
	}
	return os.RemoveAll(dir)
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) read(jobID string) (*JobRecord, error) {
	_, rec, err := s.readRaw(jobID)
	return rec, err
}

func (s *FileStore) readRaw(jobID string) ([]byte, *JobRecord, error) {
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%s: %w", jobID, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("read job record: %w", err)
	}
	rec, err := decodeRecord(b)
	if err != nil {
		return nil, nil, err
	}
	return b, rec, nil
}

func (s *FileStore) write(record *JobRecord) error {
	if err := s.ensureRoot(); err != nil {
		return err
	}
	jobDir := s.JobDir(record.JobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}
	if err := os.Rename(tmpName, s.JobPath(record.JobID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

func decodeRecord(b []byte) (*JobRecord, error) {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("empty document: %w", ErrCorrupt)
	}
	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if strings.TrimSpace(record.JobID) == "" || !record.Status.Valid() {
		return nil, fmt.Errorf("missing job_id or unknown status %q: %w", record.Status, ErrCorrupt)
	}
	return &record, nil
}

// applyMutation runs mutate on a copy of current and validates the result.
func applyMutation(current *JobRecord, mutate func(*JobRecord) error) (*JobRecord, error) {
	next := *current
	next.Logs = append([]string(nil), current.Logs...)
	if err := mutate(&next); err != nil {
		return nil, err
	}
	next.JobID = current.JobID
	next.CreatedAt = current.CreatedAt
	if !CanTransition(current.Status, next.Status) {
		if current.Status.Terminal() {
			return nil, fmt.Errorf("%s is %s: %w", current.JobID, current.Status, ErrTerminal)
		}
		return nil, fmt.Errorf("%s -> %s: %w", current.Status, next.Status, ErrInvalidTransition)
	}
	now := time.Now().UTC()
	next.UpdatedAt = &now
	return &next, nil
}

func validateRecord(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	id, err := cleanJobID(record.JobID)
	if err != nil {
		return err
	}
	record.JobID = id
	if !record.Status.Valid() {
		return fmt.Errorf("invalid status %q", record.Status)
	}
	return nil
}

func cleanJobID(jobID string) (string, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return "", fmt.Errorf("job_id is required")
	}
	if strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return "", fmt.Errorf("invalid job_id %q", jobID)
	}
	return jobID, nil
}

// SortNewestFirst orders records by start time, falling back to creation.
func SortNewestFirst(records []JobRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return sortTime(records[i]).After(sortTime(records[j]))
	})
}

func sortTime(r JobRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

// IsNotFound reports whether err means the record is absent or unreadable.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorrupt)
}
