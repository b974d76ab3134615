package orchestrator

import (
	"errors"
	"fmt"

	"github.com/3leaps/gotrainer/pkg/jobregistry"
)

var (
	// ErrWorkerUnavailable indicates no worker program could be resolved.
	ErrWorkerUnavailable = errors.New("no training worker available")

	// ErrJobNotFound indicates the job id is unknown.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotRunning indicates the job exists but has no live worker under
	// this server.
	ErrJobNotRunning = errors.New("job is not running")

	// ErrJobNotComplete indicates the job has not reached COMPLETED. The
	// concrete error is *NotCompleteError.
	ErrJobNotComplete = errors.New("job is not completed")

	// ErrInvalidParams indicates the request failed validation.
	ErrInvalidParams = errors.New("invalid job parameters")

	// ErrArtifactNotFound indicates a completed job has no artifact at its
	// derived location.
	ErrArtifactNotFound = errors.New("job artifact not found")

	// ErrArtifactsDisabled indicates no artifact store is configured.
	ErrArtifactsDisabled = errors.New("artifact storage not configured")
)

// NotCompleteError reports the current status of a job that was expected to
// be COMPLETED. It matches ErrJobNotComplete with errors.Is.
type NotCompleteError struct {
	JobID  string
	Status jobregistry.Status
}

func (e *NotCompleteError) Error() string {
	return fmt.Sprintf("Job is not completed yet. Current status: %s", e.Status)
}

func (e *NotCompleteError) Is(target error) bool {
	return target == ErrJobNotComplete
}
