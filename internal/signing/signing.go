// Package signing signs and verifies byte strings with HMAC-SHA256.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
)

// Sign returns the HMAC-SHA256 of message keyed with secret.
func Sign(message, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return mac.Sum(nil)
}

// Verify reports whether signature is the HMAC-SHA256 of message under secret.
func Verify(message, secret, signature []byte) bool {
	return ConstantTimeEqual(Sign(message, secret), signature)
}

// ConstantTimeEqual compares a and b without exiting on the first differing
// byte. Slices of different length are never equal.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
