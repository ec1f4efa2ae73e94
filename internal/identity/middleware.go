package identity

import (
	"context"
	"net/http"
)

// contextKey is an unexported type used for context keys in this package, so
// no other package can read or shadow the subject id we stash in the context.
type contextKey string

const subjectIDKey contextKey = "subjectID"

// SessionCookie is the HttpOnly cookie holding the session JWT.
const SessionCookie = "token"

// RequireAuth enforces authentication on protected routes. It reads the JWT
// from the session cookie, validates it, and stores the subject id in the
// request context; missing or invalid tokens end the chain with a 401.
func RequireAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subjectID, err := extractSubjectID(r, tokens)
			if err != nil {
				http.Error(w, `{"error":"unauthorized","message":"valid authentication required"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), subjectIDKey, subjectID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuth extracts the subject if a valid token is present but never
// blocks the request. Used on public routes (the leaderboard) where a
// signed-in subject gets their own row pinned and anonymous visitors still
// see the top window.
func OptionalAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subjectID, err := extractSubjectID(r, tokens); err == nil && subjectID != "" {
				ctx := context.WithValue(r.Context(), subjectIDKey, subjectID)
				r = r.WithContext(ctx)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SubjectIDFromContext retrieves the authenticated subject id, or ("", false)
// for an anonymous request.
func SubjectIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(subjectIDKey).(string)
	return id, ok && id != ""
}

func extractSubjectID(r *http.Request, tokens *TokenService) (string, error) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return "", err
	}
	return tokens.Validate(cookie.Value)
}
