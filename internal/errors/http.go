package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/3leaps/gotrainer/internal/observability"
	"github.com/3leaps/gotrainer/pkg/orchestrator"
)

// HTTPError is the body of an error envelope.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the JSON error envelope: {"error": {...}}.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// FromError classifies err into an *AppError. Unknown errors become
// INTERNAL_ERROR without exposing their text.
func FromError(err error) *AppError {
	if ae, ok := As(err); ok {
		return ae
	}

	var notComplete *orchestrator.NotCompleteError
	switch {
	case stderrors.As(err, &notComplete):
		return New(CodeJobNotComplete, http.StatusConflict, notComplete.Error()).
			WithDetails("status", string(notComplete.Status))
	case stderrors.Is(err, orchestrator.ErrJobNotFound):
		return New(CodeJobNotFound, http.StatusNotFound, "Job not found")
	case stderrors.Is(err, orchestrator.ErrJobNotRunning):
		return New(CodeJobNotRunning, http.StatusConflict, "Job is not running")
	case stderrors.Is(err, orchestrator.ErrInvalidParams):
		return &AppError{Code: CodeInvalidInput, Status: http.StatusBadRequest, Message: err.Error(), Err: err}
	case stderrors.Is(err, orchestrator.ErrWorkerUnavailable):
		return &AppError{Code: CodeWorkerUnavailable, Status: http.StatusServiceUnavailable, Message: "No training worker is available", Err: err}
	case stderrors.Is(err, orchestrator.ErrArtifactNotFound):
		return New(CodeArtifactNotFound, http.StatusNotFound, "Model file not found")
	case stderrors.Is(err, orchestrator.ErrArtifactsDisabled):
		return New(CodeArtifactNotFound, http.StatusNotFound, "Artifact storage is not configured")
	}
	return &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "Internal server error", Err: err}
}

// RespondWithError writes err as an error envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	ae := FromError(err)
	requestID := ""
	if r != nil {
		requestID = observability.RequestIDFromContext(r.Context())
	}
	WriteError(w, ae.Status, HTTPError{
		Code:      ae.Code,
		Message:   ae.Message,
		RequestID: requestID,
		Details:   ae.Details,
	})
}

// WriteError writes a single envelope with the given status.
func WriteError(w http.ResponseWriter, status int, body HTTPError) {
	WriteJSON(w, status, HTTPErrorResponse{Error: body})
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
