package middleware

import (
	"context"
	"net/http"
)

// SessionCookie is the cookie carrying the session identifier.
const SessionCookie = "session_id"

// Sessions resolves a session ID to a user ID; "" means unknown or expired.
type Sessions interface {
	Get(ctx context.Context, sessionID string) (string, error)
}

type ctxKey int

const userIDKey ctxKey = 0

// UserID returns the authenticated user's ID from the request context.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// RequireAuth validates the session cookie and injects the user ID into the
// request context.
func RequireAuth(sessions Sessions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookie)
			if err != nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}

			userID, err := sessions.Get(r.Context(), cookie.Value)
			if err != nil || userID == "" {
				http.Error(w, `{"error":"session expired"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
