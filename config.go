package authcore

import (
	"bytes"
	"errors"
	"time"
)

const minSecretBytes = 32

// JWTConfig controls access-token issuance. For hs256 the PrivateKey is
// the shared secret; for ed25519 it is the seed or PEM private key and
// PublicKey the verify key.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

// RefreshConfig controls the opaque refresh-token chains. HMACKey keys
// the storage hash of refresh secrets and must be distinct from the
// access signing secret. Retention keeps rotated and expired records
// visible past their expiry so replays are still recognizable.
type RefreshConfig struct {
	TTL       time.Duration
	HMACKey   []byte
	Retention time.Duration
}

// PasswordConfig carries the Argon2id cost parameters.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// SecurityConfig holds the rate-limit profiles.
type SecurityConfig struct {
	MaxLoginAttempts      int
	LoginWindow           time.Duration
	EnableIPThrottle      bool
	MaxResetRequests      int
	ResetWindow           time.Duration
	EnableRefreshThrottle bool
	MaxRefreshAttempts    int
	RefreshWindow         time.Duration
	GenericLimit          int
	GenericWindow         time.Duration
	FailOpenGeneric       bool
}

// RevocationConfig bounds how stale a cached revocation-epoch read may
// be. Within PropagationWindow a just-revoked principal's access tokens
// may still validate on other instances.
type RevocationConfig struct {
	PropagationWindow time.Duration
}

// SessionConfig namespaces the engine's Redis keys.
type SessionConfig struct {
	RedisPrefix string
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// CleanupConfig controls the scheduled purge of long-expired records.
// Schedule is a cron expression (robfig/cron syntax).
type CleanupConfig struct {
	Enabled  bool
	Schedule string
}

// Config is the full engine configuration. Start from [DefaultConfig]
// and override; [Config.Validate] runs during Build and fails closed.
type Config struct {
	JWT        JWTConfig
	Refresh    RefreshConfig
	Password   PasswordConfig
	Security   SecurityConfig
	Revocation RevocationConfig
	Session    SessionConfig
	Audit      AuditConfig
	Metrics    MetricsConfig
	Cleanup    CleanupConfig
}

// DefaultConfig returns the preset configuration. Signing and refresh
// keys have no defaults and must be supplied.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			SigningMethod: "hs256",
			Leeway:        30 * time.Second,
		},
		Refresh: RefreshConfig{
			TTL:       30 * 24 * time.Hour,
			Retention: 24 * time.Hour,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Security: SecurityConfig{
			MaxLoginAttempts:      5,
			LoginWindow:           15 * time.Minute,
			EnableIPThrottle:      true,
			MaxResetRequests:      3,
			ResetWindow:           time.Hour,
			EnableRefreshThrottle: true,
			MaxRefreshAttempts:    10,
			RefreshWindow:         time.Minute,
			GenericLimit:          100,
			GenericWindow:         time.Minute,
			FailOpenGeneric:       true,
		},
		Revocation: RevocationConfig{
			PropagationWindow: 10 * time.Second,
		},
		Session: SessionConfig{
			RedisPrefix: "ac",
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Cleanup: CleanupConfig{
			Enabled:  false,
			Schedule: "@hourly",
		},
	}
}

// Validate checks the configuration invariants that must hold before an
// engine is allowed to start. Key material violations are errors, never
// warnings.
func (c *Config) Validate() error {
	if c.JWT.AccessTTL <= 0 {
		return errors.New("config: JWT.AccessTTL must be positive")
	}
	switch c.JWT.SigningMethod {
	case "hs256":
		if len(c.JWT.PrivateKey) < minSecretBytes {
			return errors.New("config: hs256 signing key must be at least 32 bytes")
		}
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 && len(c.JWT.PublicKey) == 0 && len(c.JWT.VerifyKeys) == 0 {
			return errors.New("config: ed25519 requires key material")
		}
	default:
		return errors.New("config: unsupported JWT.SigningMethod")
	}

	if c.Refresh.TTL <= 0 {
		return errors.New("config: Refresh.TTL must be positive")
	}
	if c.Refresh.Retention < 0 {
		return errors.New("config: Refresh.Retention must not be negative")
	}
	if len(c.Refresh.HMACKey) < minSecretBytes {
		return errors.New("config: refresh HMAC key must be at least 32 bytes")
	}
	if bytes.Equal(c.Refresh.HMACKey, c.JWT.PrivateKey) {
		return errors.New("config: refresh HMAC key must differ from the access signing key")
	}

	if c.Revocation.PropagationWindow <= 0 {
		return errors.New("config: Revocation.PropagationWindow must be positive")
	}
	if c.Session.RedisPrefix == "" {
		return errors.New("config: Session.RedisPrefix must not be empty")
	}
	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.Refresh.HMACKey = cloneBytes(cfg.Refresh.HMACKey)
	if cfg.JWT.VerifyKeys != nil {
		out.JWT.VerifyKeys = make(map[string][]byte, len(cfg.JWT.VerifyKeys))
		for kid, key := range cfg.JWT.VerifyKeys {
			out.JWT.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
