// Package security implements credential verification: local passwords,
// webauthn ceremonies with attestation classification, and the OIDC
// relying-party side of the authorization-code flow.
package security

import (
	"crypto/subtle"
	"errors"
)

// ErrPasswordMismatch is returned when the submitted password does not match
// the stored one, or when no password is configured at all. Callers map both
// cases to the same client response.
var ErrPasswordMismatch = errors.New("security: password mismatch")

// MaxPasswordLength caps submitted and stored passwords.
const MaxPasswordLength = 1024

// VerifyLocalPassword compares a submitted password against the stored one
// in constant time. A nil stored password means the factor is not configured
// and never matches.
//
// TODO: replace plain-text storage with a password hash.
func VerifyLocalPassword(stored *string, submitted string) error {
	if stored == nil {
		return ErrPasswordMismatch
	}
	if len(submitted) > MaxPasswordLength {
		return ErrPasswordMismatch
	}
	if subtle.ConstantTimeCompare([]byte(*stored), []byte(submitted)) != 1 {
		return ErrPasswordMismatch
	}
	return nil
}
