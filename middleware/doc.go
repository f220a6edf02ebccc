// Package middleware exposes HTTP adapters that enforce access-token
// validation in front of http.Handler chains.
//
// # Guards
//
//   - [Guard] — reads the Authorization bearer token, validates it, and
//     injects the result into the request context.
//   - [RequireRole] — [Guard] plus an exact-match role check.
//   - [RateLimit] — throttles requests under the engine's generic
//     endpoint profile, keyed by client IP unless overridden.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into engine calls. It does NOT
// implement authentication logic itself — token parsing, signature checks
// and revocation-epoch checks all happen inside Engine.ValidateAccess.
package middleware
