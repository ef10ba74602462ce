package wire

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// extAuthTokenHash is the extensions key carrying the sender's token hash.
const extAuthTokenHash = "auth_token_hash"

// TokenHash returns the hex SHA-256 of a bearer token. The orchestrator
// stores only hashes; raw tokens live with the agents.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Sign attaches the sender's token hash to the envelope extensions.
func (e *Envelope) Sign(token string) {
	if e.Extensions == nil {
		e.Extensions = map[string]string{}
	}
	e.Extensions[extAuthTokenHash] = TokenHash(token)
}

// VerifyHash checks the envelope's token hash against the expected hash in
// constant time.
func (e *Envelope) VerifyHash(expectedHash string) bool {
	if e.Extensions == nil || expectedHash == "" {
		return false
	}
	got := e.Extensions[extAuthTokenHash]
	if len(got) != len(expectedHash) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expectedHash)) == 1
}

// AuthHash returns the token hash carried by the envelope, if any.
func (e *Envelope) AuthHash() string {
	if e.Extensions == nil {
		return ""
	}
	return e.Extensions[extAuthTokenHash]
}
