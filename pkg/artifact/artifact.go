// Package artifact locates and serves the output of completed training jobs.
//
// Every job's artifact lives at a deterministic key derived from its id, so
// no lookup table is needed between a job record and its output.
package artifact

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Backend identifies a storage backend.
type Backend string

const (
	BackendFile Backend = "file"
	BackendS3   Backend = "s3"
)

// DefaultNameTemplate is the artifact key used when none is configured.
const DefaultNameTemplate = "{job_id}.pt"

// Object is an open artifact. Callers must close Body.
type Object struct {
	Key         string
	Size        int64
	ContentType string
	ModTime     time.Time
	Body        io.ReadCloser
}

// Store reads and writes artifacts by key.
type Store interface {
	Open(ctx context.Context, key string) (*Object, error)
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Backend() Backend
	Close() error
}

// Naming derives artifact keys from job ids.
type Naming struct {
	Template string
}

// Key expands the template. "{job_id}" is replaced by jobID; a template
// without the placeholder gets "/<job_id>" appended so keys stay unique.
func (n Naming) Key(jobID string) string {
	tmpl := strings.TrimSpace(n.Template)
	if tmpl == "" {
		tmpl = DefaultNameTemplate
	}
	if !strings.Contains(tmpl, "{job_id}") {
		return path.Join(tmpl, jobID)
	}
	return strings.ReplaceAll(tmpl, "{job_id}", jobID)
}

// FileName returns the download file name for key.
func FileName(key string) string {
	return path.Base(strings.ReplaceAll(key, "\\", "/"))
}

func contentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".json":
		return "application/json"
	case ".txt", ".log":
		return "text/plain; charset=utf-8"
	case ".zip":
		return "application/zip"
	case ".gz", ".tgz":
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("artifact key is required")
	}
	return nil
}
