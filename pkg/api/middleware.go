package api

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/vecino-dev/vecino/pkg/access"
	"github.com/vecino-dev/vecino/pkg/auth"
	"github.com/vecino-dev/vecino/pkg/httputil"
)

type contextKey string

const userContextKey contextKey = "user"

// UserStore loads the authoritative user record for a token subject
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*auth.User, error)
}

// Authenticate validates the bearer token and loads the current user into
// the request context. The user is reloaded on every request rather than
// trusted from the token, because roles change underneath live sessions.
func Authenticate(tokens *auth.TokenManager, users UserStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httputil.WriteUnauthorized(w, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				httputil.WriteUnauthorized(w, "invalid authorization header format")
				return
			}

			claims, err := tokens.Validate(parts[1])
			if err != nil {
				httputil.WriteUnauthorized(w, "invalid or expired token")
				return
			}

			user, err := users.GetUser(r.Context(), claims.UserID)
			if err != nil {
				httputil.WriteUnauthorized(w, "unknown user")
				return
			}
			if !user.IsActive {
				httputil.WriteForbidden(w, "account disabled")
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestUser returns the authenticated user from the request context
func RequestUser(r *http.Request) *auth.User {
	user, _ := r.Context().Value(userContextKey).(*auth.User)
	return user
}

// RequireAccess guards member-only routes with the access gate. Denials
// render the gate's reason verbatim so the user learns whose subscription
// lapsed.
func RequireAccess(gate *access.Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := gate.Check(r.Context(), RequestUser(r))
			if err != nil {
				httputil.WriteInternalError(w, err)
				return
			}
			if !decision.Allowed {
				httputil.WriteForbidden(w, decision.Reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) accessCheck(gate *access.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		decision, err := gate.Check(r.Context(), RequestUser(r))
		if err != nil {
			httputil.WriteInternalError(w, err)
			return
		}
		httputil.WriteJSONOrError(w, http.StatusOK, decision, "failed to encode decision")
	}
}

// clientIP extracts the client address, honoring the first hop of
// X-Forwarded-For when a proxy sits in front
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
