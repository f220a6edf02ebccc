// Package password implements credential hashing and verification with
// Argon2id defaults.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Argon2.NeedsUpgrade] supports transparent parameter upgrades: if a
// stored hash was produced with weaker parameters it returns true so the
// caller can re-hash on the next successful verification.
//
// This package owns hashing and verification only. Credential policy and
// account state live with the engine; callers supply plaintext and
// receive hashes, and nothing here is ever logged.
package password
