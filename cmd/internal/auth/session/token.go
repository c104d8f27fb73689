package session

import (
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

const (
	tokenBytes        = 20
	confirmationBytes = 12
)

// NewToken returns a fresh opaque session token: a cryptographically secure
// random hex string. An empty return means the entropy source failed; callers
// must treat it as an error condition.
func NewToken() string {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

// Confirmation derives the same-origin confirmation value for a session
// token. The value is handed to the client in a script-readable cookie;
// echoing it back in a request query proves same-origin access. It is safe
// to derive rather than store because the session token itself is secret
// (http-only) and the derivation is one-way.
func Confirmation(token string) string {
	sum := blake2b.Sum256([]byte("domestic:" + token))
	return hex.EncodeToString(sum[:confirmationBytes])
}
