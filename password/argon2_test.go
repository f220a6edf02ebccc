package password

import (
	"strings"
	"testing"
)

func testHasher(t *testing.T, cfg Config) *Argon2 {
	t.Helper()

	h, err := NewArgon2(cfg)
	if err != nil {
		t.Fatalf("NewArgon2 failed: %v", err)
	}
	return h
}

func baseConfig() Config {
	return Config{
		Memory:      65536,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func TestHashVerifyRoundTrip(t *testing.T) {
	hasher := testHasher(t, baseConfig())

	for _, secret := range []string{
		"P@ssw0rd-Ascii",
		"pass phrase with spaces",
		"pāröl-ünïcødé-секрет",
	} {
		hash, err := hasher.Hash(secret)
		if err != nil {
			t.Fatalf("Hash(%q) failed: %v", secret, err)
		}
		if !strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=3,p=2$") {
			t.Fatalf("unexpected PHC prefix: %s", hash)
		}

		ok, err := hasher.Verify(secret, hash)
		if err != nil {
			t.Fatalf("Verify(%q) failed: %v", secret, err)
		}
		if !ok {
			t.Fatalf("expected %q to verify against its own hash", secret)
		}
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	hasher := testHasher(t, baseConfig())

	hash, err := hasher.Hash("the-right-secret")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	ok, err := hasher.Verify("the-wrong-secret", hash)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if ok {
		t.Fatal("wrong secret must not verify")
	}
}

func TestHashSaltsAreUnique(t *testing.T) {
	hasher := testHasher(t, baseConfig())

	first, err := hasher.Hash("same-input")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	second, err := hasher.Hash("same-input")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	if first == second {
		t.Fatal("two hashes of one input must differ by salt")
	}
}

func TestNeedsUpgradeDetectsWeakerParameters(t *testing.T) {
	weak := testHasher(t, Config{
		Memory:      32768,
		Time:        2,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	hash, err := weak.Hash("aging-secret")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	current := testHasher(t, baseConfig())

	needs, err := current.NeedsUpgrade(hash)
	if err != nil {
		t.Fatalf("NeedsUpgrade failed: %v", err)
	}
	if !needs {
		t.Fatal("expected a weaker hash to need an upgrade")
	}

	// A hash at current parameters is left alone.
	fresh, err := current.Hash("aging-secret")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	needs, err = current.NeedsUpgrade(fresh)
	if err != nil {
		t.Fatalf("NeedsUpgrade failed: %v", err)
	}
	if needs {
		t.Fatal("a current-parameter hash must not need an upgrade")
	}
}

func TestVerifyRejectsMalformedEncodings(t *testing.T) {
	hasher := testHasher(t, baseConfig())

	good, err := hasher.Hash("victim-secret")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	cases := map[string]string{
		"not PHC at all":      "not-a-phc-hash",
		"empty":               "",
		"wrong algorithm":     strings.Replace(good, "$argon2id$", "$argon2i$", 1),
		"unsupported version": strings.Replace(good, "$v=19$", "$v=18$", 1),
		"truncated":           good[:len(good)-10],
	}
	for name, mangled := range cases {
		if _, err := hasher.Verify("victim-secret", mangled); err == nil {
			t.Fatalf("%s: expected verification error", name)
		}
	}
}

func TestHashRejectsDegenerateInputs(t *testing.T) {
	hasher := testHasher(t, baseConfig())

	if _, err := hasher.Hash(""); err == nil {
		t.Fatal("empty secret must be rejected")
	}
	if _, err := hasher.Hash("short"); err == nil {
		t.Fatal("under-length secret must be rejected")
	}
}

func TestLengthBoundOnHashAndVerify(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxPasswordBytes = 64
	hasher := testHasher(t, cfg)

	atBound := strings.Repeat("b", 64)
	hash, err := hasher.Hash(atBound)
	if err != nil {
		t.Fatalf("a secret at the bound must hash: %v", err)
	}
	ok, err := hasher.Verify(atBound, hash)
	if err != nil || !ok {
		t.Fatalf("a secret at the bound must verify: ok=%v err=%v", ok, err)
	}

	over := strings.Repeat("a", 65)
	if _, err := hasher.Hash(over); err == nil {
		t.Fatal("Hash must reject a secret over the bound")
	}
	// Verify rejects before touching Argon2, so oversized input cannot
	// be used to burn server CPU.
	if _, err := hasher.Verify(over, hash); err == nil {
		t.Fatal("Verify must reject a secret over the bound")
	}
}

func TestLengthBoundDefaultsWhenUnset(t *testing.T) {
	hasher := testHasher(t, baseConfig())

	if _, err := hasher.Hash(strings.Repeat("d", DefaultMaxPasswordBytes+1)); err == nil {
		t.Fatalf("expected a secret over %d bytes to be rejected", DefaultMaxPasswordBytes)
	}
	if _, err := hasher.Hash(strings.Repeat("e", DefaultMaxPasswordBytes)); err != nil {
		t.Fatalf("expected a secret of exactly %d bytes to hash: %v", DefaultMaxPasswordBytes, err)
	}
}

func TestNewArgon2RejectsWeakConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"memory below floor":    func(c *Config) { c.Memory = 4096 },
		"zero time cost":        func(c *Config) { c.Time = 0 },
		"zero parallelism":      func(c *Config) { c.Parallelism = 0 },
		"short salt":            func(c *Config) { c.SaltLength = 8 },
		"short key":             func(c *Config) { c.KeyLength = 8 },
		"negative length bound": func(c *Config) { c.MaxPasswordBytes = -1 },
	}
	for name, mutate := range cases {
		cfg := baseConfig()
		mutate(&cfg)
		if _, err := NewArgon2(cfg); err == nil {
			t.Fatalf("%s: expected construction to fail", name)
		}
	}
}
