package internal

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

const refreshSecretSize = 32

// RefreshSecret is the raw high-entropy value embedded in a refresh token.
// It is generated once, returned to the caller exactly once, and only its
// keyed hash is ever persisted.
type RefreshSecret [refreshSecretSize]byte

// NewRefreshSecret draws a fresh refresh secret from crypto/rand.
func NewRefreshSecret() (RefreshSecret, error) {
	var secret RefreshSecret
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashRefreshSecret computes the storage hash of a refresh secret:
// HMAC-SHA256 under the engine's refresh key. Keying the hash means a
// database dump alone cannot be used to forge lookups.
func HashRefreshSecret(key []byte, secret RefreshSecret) [32]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(secret[:])

	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// EncodeRefreshToken renders a refresh secret in its wire form:
// base64url, no padding.
func EncodeRefreshToken(secret RefreshSecret) string {
	return base64.RawURLEncoding.EncodeToString(secret[:])
}

// DecodeRefreshToken parses a wire-form refresh token back into its raw
// secret. Any token of the wrong shape is rejected before touching storage.
func DecodeRefreshToken(token string) (RefreshSecret, error) {
	var secret RefreshSecret

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return secret, err
	}
	if len(raw) != refreshSecretSize {
		return secret, errors.New("invalid refresh token size")
	}

	copy(secret[:], raw)
	return secret, nil
}
