package authcore

import (
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mansur-7080/newegg-sub000/internal/rate"
	"github.com/mansur-7080/newegg-sub000/jwt"
	"github.com/mansur-7080/newegg-sub000/password"
	"github.com/mansur-7080/newegg-sub000/session"
)

// Engine is the credential and session lifecycle engine. Construct it
// with [New] and [Builder.Build]; all methods are safe for concurrent
// use.
type Engine struct {
	config Config

	store    session.Store
	provider PrincipalProvider

	rateLimiter  *rate.Limiter
	passwordHash *password.Argon2
	jwtManager   *jwt.Manager

	audit   *auditDispatcher
	metrics *Metrics
	logger  zerolog.Logger

	// decoyHash equalizes the verification cost for unknown identifiers.
	decoyHash string

	epochs *epochCache

	cron      *cron.Cron
	closeOnce sync.Once
}

// Metrics exposes the engine's counters for the embedding application.
func (e *Engine) Metrics() *Metrics {
	if e == nil {
		return nil
	}
	return e.metrics
}

// AuditDropped reports how many audit events were discarded under
// backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// Close stops the cleanup scheduler and drains the audit dispatcher.
// Safe to call more than once.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		if e.cron != nil {
			ctx := e.cron.Stop()
			<-ctx.Done()
		}
		e.audit.Close()
	})
}
