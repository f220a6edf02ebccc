package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	authcore "github.com/mansur-7080/newegg-sub000"
)

func newRateLimitEngine(t *testing.T, limit int) (*authcore.Engine, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := authcore.DefaultConfig()
	cfg.JWT.PrivateKey = []byte("access-signing-key-0123456789abcdef")
	cfg.Refresh.HMACKey = []byte("refresh-hmac-key-0123456789abcdef!!")
	cfg.Password.Memory = 8192
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Security.GenericLimit = limit
	cfg.Security.GenericWindow = time.Minute

	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithPrincipalProvider(&staticProvider{}).
		Build()
	if err != nil {
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}

	cleanup := func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	}
	return engine, mr, cleanup
}

func okNoContent() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestRateLimitDeniesPastBudget(t *testing.T) {
	engine, _, cleanup := newRateLimitEngine(t, 2)
	defer cleanup()

	handler := RateLimit(engine, nil)(okNoContent())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api", nil)
		req.RemoteAddr = "203.0.113.7:51234"
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204, got %d", i, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected a Retry-After header")
	}

	// A different client IP keeps its own budget.
	req = httptest.NewRequest(http.MethodGet, "/api", nil)
	req.RemoteAddr = "198.51.100.9:40000"
	rec = httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for an unrelated IP, got %d", rec.Code)
	}
}

func TestRateLimitCustomKeyFunc(t *testing.T) {
	engine, _, cleanup := newRateLimitEngine(t, 1)
	defer cleanup()

	byAPIKey := func(r *http.Request) string {
		return r.Header.Get("X-API-Key")
	}
	handler := RateLimit(engine, byAPIKey)(okNoContent())

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-API-Key", "key-1")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	// An empty key skips limiting entirely.
	anon := httptest.NewRequest(http.MethodGet, "/api", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, anon)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected unkeyed request to pass, got %d", rec.Code)
	}
}

func TestRateLimitNilEngine(t *testing.T) {
	handler := RateLimit(nil, nil)(okNoContent())

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
