package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileStore serves artifacts from a local directory.
type FileStore struct {
	baseDir string
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("artifact dir is required")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact dir: %w", err)
	}
	return &FileStore{baseDir: abs}, nil
}

func (s *FileStore) Backend() Backend { return BackendFile }

func (s *FileStore) Close() error { return nil }

// Dir returns the absolute base directory.
func (s *FileStore) Dir() string { return s.baseDir }

// Path returns the local path for key.
func (s *FileStore) Path(key string) (string, error) {
	return s.fullPath(key)
}

func (s *FileStore) Open(_ context.Context, key string) (*Object, error) {
	full, err := s.fullPath(key)
	if err != nil {
		return nil, s.wrapError("Open", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, s.wrapError("Open", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, s.wrapError("Open", key, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, &Error{Op: "Open", Backend: BackendFile, Key: key, Err: ErrNotFound}
	}
	return &Object{
		Key:         key,
		Size:        st.Size(),
		ContentType: contentTypeFor(key),
		ModTime:     st.ModTime().UTC(),
		Body:        f,
	}, nil
}

// Put writes body to key atomically.
func (s *FileStore) Put(_ context.Context, key string, body io.Reader, _ int64) error {
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return s.wrapError("Put", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".artifact.tmp.*")
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return s.wrapError("Put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return s.wrapError("Put", key, err)
	}
	return nil
}

func (s *FileStore) fullPath(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	// Prevent path traversal.
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path")
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(clean)), nil
}

func (s *FileStore) wrapError(op, key string, err error) error {
	wrapped := &Error{Op: op, Backend: BackendFile, Key: key, Err: err}
	switch {
	case os.IsNotExist(err):
		wrapped.Err = ErrNotFound
	case os.IsPermission(err):
		wrapped.Err = ErrAccessDenied
	}
	return wrapped
}
