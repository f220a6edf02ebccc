package middleware

import (
	"errors"
	"net"
	"net/http"
	"strconv"

	authcore "github.com/mansur-7080/newegg-sub000"
)

// KeyFunc derives the rate-limit counter key from a request. Returning
// an empty string skips limiting for that request.
type KeyFunc func(r *http.Request) string

// ClientIPKey keys the counter by the request's remote IP.
func ClientIPKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit throttles requests under the engine's generic endpoint
// profile. Denied requests get 429 with a Retry-After header; a limiter
// outage gets 503 unless the profile is configured fail-open, in which
// case the request passes through. A nil keyFn defaults to [ClientIPKey].
func RateLimit(engine *authcore.Engine, keyFn KeyFunc) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ClientIPKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				return
			}

			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if err := engine.AllowRequest(r.Context(), key); err != nil {
				var rle *authcore.RateLimitError
				if errors.As(err, &rle) {
					w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rle)))
					http.Error(w, "too many requests", http.StatusTooManyRequests)
					return
				}
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(rle *authcore.RateLimitError) int {
	secs := int(rle.RetryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
