package authcore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mansur-7080/newegg-sub000/password"
)

type mockProvider struct {
	mu           sync.Mutex
	byID         map[string]PrincipalRecord
	byIdentifier map[string]string

	idLookups int
	upgrades  []string
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		byID:         make(map[string]PrincipalRecord),
		byIdentifier: make(map[string]string),
	}
}

func (m *mockProvider) add(rec PrincipalRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[rec.ID] = rec
	m.byIdentifier[rec.Identifier] = rec.ID
}

func (m *mockProvider) setStatus(id string, status PrincipalStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.byID[id]
	rec.Status = status
	m.byID[id] = rec
}

func (m *mockProvider) GetPrincipalByIdentifier(_ context.Context, identifier string) (*PrincipalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byIdentifier[identifier]
	if !ok {
		return nil, ErrPrincipalNotFound
	}
	rec := m.byID[id]
	return &rec, nil
}

func (m *mockProvider) GetPrincipalByID(_ context.Context, id string) (*PrincipalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idLookups++
	rec, ok := m.byID[id]
	if !ok {
		return nil, ErrPrincipalNotFound
	}
	return &rec, nil
}

// upgradingProvider additionally records rehashed credentials.
type upgradingProvider struct {
	*mockProvider
}

func (p *upgradingProvider) UpdatePasswordHash(_ context.Context, principalID, newHash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.byID[principalID]
	rec.PasswordHash = newHash
	p.byID[principalID] = rec
	p.upgrades = append(p.upgrades, principalID)
	return nil
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = []byte("access-signing-key-0123456789abcdef")
	cfg.JWT.Issuer = "authcore-test"
	cfg.Refresh.HMACKey = []byte("refresh-hmac-key-0123456789abcdef!!")
	cfg.Refresh.TTL = time.Hour
	cfg.Refresh.Retention = time.Hour
	// Fast Argon2 parameters; cost is irrelevant to engine behavior.
	cfg.Password.Memory = 8192
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	return cfg
}

type testFixture struct {
	engine   *Engine
	provider *mockProvider
	mr       *miniredis.Miniredis
	rdb      *redis.Client
}

func (f *testFixture) close() {
	f.engine.Close()
	_ = f.rdb.Close()
	f.mr.Close()
}

const (
	testIdentifier = "alice"
	testPassword   = "correct-password-123"
	testPrincipal  = "user-1"
)

func newTestFixture(t *testing.T, opts ...func(*Builder)) *testFixture {
	t.Helper()

	mr, rdb := newTestRedis(t)

	provider := newMockProvider()
	seedPrincipal(t, provider)

	b := New().
		WithConfig(testConfig()).
		WithRedis(rdb).
		WithPrincipalProvider(provider)
	for _, opt := range opts {
		opt(b)
	}

	engine, err := b.Build()
	if err != nil {
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}

	return &testFixture{engine: engine, provider: provider, mr: mr, rdb: rdb}
}

func seedPrincipal(t *testing.T, provider *mockProvider) {
	t.Helper()

	hash := testPasswordHash(t)
	provider.add(PrincipalRecord{
		ID:           testPrincipal,
		Identifier:   testIdentifier,
		PasswordHash: hash,
		Role:         "member",
		Status:       PrincipalActive,
	})
}

var (
	hashOnce   sync.Once
	cachedHash string
	hashErr    error
)

// testPasswordHash memoizes one Argon2 hash of testPassword; hashing per
// test would dominate the suite's runtime.
func testPasswordHash(t *testing.T) string {
	t.Helper()

	hashOnce.Do(func() {
		cfg := testConfig().Password
		hasher, err := password.NewArgon2(password.Config{
			Memory:      cfg.Memory,
			Time:        cfg.Time,
			Parallelism: cfg.Parallelism,
			SaltLength:  cfg.SaltLength,
			KeyLength:   cfg.KeyLength,
		})
		if err != nil {
			hashErr = err
			return
		}
		cachedHash, hashErr = hasher.Hash(testPassword)
	})
	if hashErr != nil {
		t.Fatalf("test hash setup failed: %v", hashErr)
	}
	return cachedHash
}
