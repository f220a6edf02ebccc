package authcore

import (
	"database/sql"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mansur-7080/newegg-sub000/internal"
	"github.com/mansur-7080/newegg-sub000/internal/rate"
	"github.com/mansur-7080/newegg-sub000/jwt"
	"github.com/mansur-7080/newegg-sub000/password"
	"github.com/mansur-7080/newegg-sub000/session"
)

// Builder assembles an [Engine]. A Builder is single-use; Build fails on
// a second call.
type Builder struct {
	config Config

	redis    redis.UniversalClient
	postgres *sql.DB
	store    session.Store

	provider  PrincipalProvider
	auditSink AuditSink
	logger    *zerolog.Logger

	built bool
}

// New returns a [Builder] preloaded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the builder's configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client. Redis carries rate-limit state in
// every deployment, and the session store too unless WithPostgres or
// WithSessionStore overrides it.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithPostgres stores refresh-token records in PostgreSQL instead of
// Redis. The schema must be migrated first; see [session.RunMigrations].
func (b *Builder) WithPostgres(db *sql.DB) *Builder {
	b.postgres = db
	return b
}

// WithSessionStore injects a custom [session.Store], overriding the
// Redis and PostgreSQL defaults.
func (b *Builder) WithSessionStore(store session.Store) *Builder {
	b.store = store
	return b
}

// WithPrincipalProvider sets the identity store the engine reads
// principals from. Required.
func (b *Builder) WithPrincipalProvider(p PrincipalProvider) *Builder {
	b.provider = p
	return b
}

// WithAuditSink sets the audit event consumer.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the operational logger. Defaults to a no-op logger.
func (b *Builder) WithLogger(logger zerolog.Logger) *Builder {
	b.logger = &logger
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the validate-latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine. Construction
// fails closed: weak key material or a missing collaborator is an error.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.provider == nil {
		return nil, errors.New("principal provider required")
	}

	store := b.store
	if store == nil {
		if b.postgres != nil {
			store = session.NewPostgresStore(b.postgres)
		} else {
			store = session.NewRedisStore(b.redis, cfg.Session.RedisPrefix)
		}
	}

	engine := &Engine{
		config:   cfg,
		store:    store,
		provider: b.provider,
		epochs:   newEpochCache(cfg.Revocation.PropagationWindow),
	}

	engine.rateLimiter = rate.New(b.redis, rate.Config{
		Login: rate.Policy{
			Limit:  cfg.Security.MaxLoginAttempts,
			Window: cfg.Security.LoginWindow,
		},
		LoginPerIP: cfg.Security.EnableIPThrottle,
		Reset: rate.Policy{
			Limit:  cfg.Security.MaxResetRequests,
			Window: cfg.Security.ResetWindow,
		},
		Refresh: refreshPolicy(cfg.Security),
		Generic: rate.Policy{
			Limit:  cfg.Security.GenericLimit,
			Window: cfg.Security.GenericWindow,
		},
		FailOpenGeneric: cfg.Security.FailOpenGeneric,
	})

	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)
	if b.logger != nil {
		engine.logger = *b.logger
	} else {
		engine.logger = zerolog.Nop()
	}

	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	engine.passwordHash = ph

	// The decoy is hashed once here so unknown-identifier lookups cost
	// the same as a real mismatch without paying a hash per request.
	decoySecret, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, err
	}
	decoyHash, err := ph.Hash(internal.EncodeRefreshToken(decoySecret))
	if err != nil {
		return nil, err
	}
	engine.decoyHash = decoyHash

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		VerifyKeys:    cfg.JWT.VerifyKeys,
	})
	if err != nil {
		return nil, err
	}
	engine.jwtManager = jm

	if cfg.Cleanup.Enabled {
		if err := engine.startCleanup(cfg.Cleanup); err != nil {
			return nil, err
		}
	}

	b.built = true

	return engine, nil
}

func refreshPolicy(sec SecurityConfig) rate.Policy {
	if !sec.EnableRefreshThrottle {
		return rate.Policy{}
	}
	return rate.Policy{
		Limit:  sec.MaxRefreshAttempts,
		Window: sec.RefreshWindow,
	}
}
