// Package authcore is an embeddable credential and session lifecycle
// engine: credential verification, access/refresh token issuance,
// refresh-token rotation with family-wide reuse detection, revocation,
// and rate limiting.
//
// The engine is built once with [New] and its fluent [Builder], then
// shared across goroutines:
//
//	engine, err := authcore.New().
//		WithRedis(client).
//		WithPrincipalProvider(provider).
//		WithConfig(cfg).
//		Build()
//
// Identity storage stays with the caller: the engine reads principals
// through a [PrincipalProvider] and never writes them. Refresh-token
// state lives in a [session.Store] (Redis or PostgreSQL).
package authcore
