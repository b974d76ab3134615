package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNaming_Key(t *testing.T) {
	tests := []struct {
		template string
		want     string
	}{
		{"", "job_1.pt"},
		{"{job_id}.pt", "job_1.pt"},
		{"models/{job_id}/model.safetensors", "models/job_1/model.safetensors"},
		{"models", "models/job_1"},
	}
	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			assert.Equal(t, tt.want, Naming{Template: tt.template}.Key("job_1"))
		})
	}
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "model.pt", FileName("models/job_1/model.pt"))
	assert.Equal(t, "job_1.pt", FileName("job_1.pt"))
}

func TestFileStore_PutOpen(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, BackendFile, s.Backend())

	require.NoError(t, s.Put(ctx, "nested/job_1.pt", bytes.NewReader([]byte("weights")), 7))

	obj, err := s.Open(ctx, "nested/job_1.pt")
	require.NoError(t, err)
	defer func() { _ = obj.Body.Close() }()

	assert.Equal(t, int64(7), obj.Size)
	assert.Equal(t, "application/octet-stream", obj.ContentType)
	b, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(b))
}

func TestFileStore_OpenMissing(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Open(context.Background(), "job_404.pt")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var aerr *Error
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, "Open", aerr.Op)
	assert.Equal(t, "job_404.pt", aerr.Key)
}

func TestFileStore_OpenDirectoryIsNotFound(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "job_1.pt"), 0755))
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = s.Open(context.Background(), "job_1.pt")
	assert.True(t, IsNotFound(err))
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	base := t.TempDir()
	s, err := NewFileStore(filepath.Join(base, "models"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(base, "secret"), []byte("x"), 0644))

	p, err := s.Path("../secret")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "models", "secret"), p)

	_, err = s.Open(context.Background(), "")
	assert.Error(t, err)
}
