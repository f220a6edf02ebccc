package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	authcore "github.com/mansur-7080/newegg-sub000"
)

type accessContextKey struct{}

// AccessFromContext returns the validated access data injected by [Guard],
// or false when the request did not pass through a guard.
func AccessFromContext(ctx context.Context) (*authcore.ValidatedAccess, bool) {
	access, ok := ctx.Value(accessContextKey{}).(*authcore.ValidatedAccess)
	return access, ok
}

// Guard validates the Authorization bearer token on every request and
// stores the result in the request context. Invalid or revoked tokens get
// 401; a backend outage during the revocation check gets 503 so clients
// retry instead of re-authenticating.
func Guard(engine *authcore.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			access, err := engine.ValidateAccess(r.Context(), token)
			if err != nil {
				if errors.Is(err, authcore.ErrServiceUnavailable) {
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
					return
				}
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), accessContextKey{}, access)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole wraps [Guard] and additionally rejects principals whose role
// does not exactly match.
func RequireRole(engine *authcore.Engine, role string) func(http.Handler) http.Handler {
	guard := Guard(engine)
	return func(next http.Handler) http.Handler {
		return guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			access, ok := AccessFromContext(r.Context())
			if !ok || access.Role != role {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
