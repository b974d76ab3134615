package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	apperrors "github.com/3leaps/gotrainer/internal/errors"
)

type userIDKey struct{}

// UserIDFromContext returns the authenticated user id, or "" when
// authentication is disabled.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// WithUserID returns a context carrying an authenticated user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// BearerAuth resolves "Authorization: Bearer <token>" (or a "token" query
// parameter, for WebSocket clients that cannot set headers) to a user id.
// An empty token map disables authentication.
func BearerAuth(tokens map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(tokens) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				apperrors.RespondWithError(w, r, apperrors.NewUnauthorized("Missing bearer token"))
				return
			}
			userID, ok := lookupToken(tokens, token)
			if !ok {
				apperrors.RespondWithError(w, r, apperrors.NewUnauthorized("Invalid bearer token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func lookupToken(tokens map[string]string, presented string) (string, bool) {
	for token, user := range tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(presented)) == 1 {
			return user, true
		}
	}
	return "", false
}
