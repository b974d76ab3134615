// Package middleware provides the HTTP middleware chain used by the server.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"

	apperrors "github.com/3leaps/gotrainer/internal/errors"
	"github.com/3leaps/gotrainer/internal/observability"
)

// ErrorResponse is the JSON error envelope written by this package.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery converts panics into a 500 INTERNAL_ERROR envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			observability.CLILogger.Error(fmt.Sprintf("panic serving %s %s: %v", r.Method, r.URL.Path, rec))

			envelope := errors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
			if id := observability.RequestIDFromContext(r.Context()); id != "" {
				envelope = envelope.WithCorrelationID(id)
			}
			writeErrorResponse(w, envelope, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// envelopeFields is the subset of the gofulmen error envelope that the API
// exposes, read through its JSON form.
type envelopeFields struct {
	Code          string         `json:"code"`
	Message       string         `json:"message"`
	CorrelationID string         `json:"correlation_id"`
	Context       map[string]any `json:"context"`
	Details       map[string]any `json:"details"`
}

// writeErrorResponse renders a gofulmen error envelope in the API's error
// shape. The correlation id becomes the request id; context entries become
// details.
func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, status int) {
	var f envelopeFields
	if b, err := json.Marshal(envelope); err == nil {
		_ = json.Unmarshal(b, &f)
	}
	details := f.Details
	if len(f.Context) > 0 {
		if details == nil {
			details = make(map[string]any, len(f.Context))
		}
		for k, v := range f.Context {
			details[k] = v
		}
	}
	apperrors.WriteError(w, status, apperrors.HTTPError{
		Code:      f.Code,
		Message:   f.Message,
		RequestID: f.CorrelationID,
		Details:   details,
	})
}
