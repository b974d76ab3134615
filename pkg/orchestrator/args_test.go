package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gotrainer/pkg/jobregistry"
)

func TestNewJobID(t *testing.T) {
	now := time.UnixMilli(1717000000123)
	a := NewJobID(now)
	b := NewJobID(now)
	assert.Regexp(t, `^job_1717000000123_[0-9a-f]{8}$`, a)
	assert.NotEqual(t, a, b)
}

func TestValidateParams(t *testing.T) {
	tests := []struct {
		name    string
		in      jobregistry.Params
		wantErr bool
	}{
		{name: "defaults applied", in: jobregistry.Params{Dataset: " d1 "}},
		{name: "missing dataset", in: jobregistry.Params{Epochs: 5}, wantErr: true},
		{name: "extra ok", in: jobregistry.Params{Dataset: "d1", Extra: map[string]string{"max_steps": "5", "warmup-ratio": "0.1"}}},
		{name: "extra with spaces", in: jobregistry.Params{Dataset: "d1", Extra: map[string]string{"bad key": "1"}}, wantErr: true},
		{name: "extra leading dash", in: jobregistry.Params{Dataset: "d1", Extra: map[string]string{"-x": "1"}}, wantErr: true},
		{name: "extra reserved", in: jobregistry.Params{Dataset: "d1", Extra: map[string]string{"lr": "1"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateParams(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidParams)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "d1", got.Dataset)
			assert.Equal(t, 3, got.Epochs)
			assert.Equal(t, 16, got.BatchSize)
			assert.Equal(t, 0.01, got.LearningRate)
		})
	}
}

func TestWorkerArgs(t *testing.T) {
	args := WorkerArgs("job_1_abcdef01", jobregistry.Params{
		Dataset:      "s3://bucket/data.csv",
		Epochs:       10,
		BatchSize:    32,
		LearningRate: 3e-4,
		Extra:        map[string]string{"zeta": "1", "alpha": "2"},
	})
	assert.Equal(t, []string{
		"--job_id", "job_1_abcdef01",
		"--dataset", "s3://bucket/data.csv",
		"--epochs", "10",
		"--batch-size", "32",
		"--lr", "0.0003",
		"--alpha", "2",
		"--zeta", "1",
	}, args)
}
