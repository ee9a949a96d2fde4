// Package auth generates, hashes and extracts API key credentials.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"regexp"
)

const (
	// MinKeyLength is the shortest credential accepted or generated.
	MinKeyLength = 32
	// DefaultKeyLength is used when no length is configured.
	DefaultKeyLength = 64

	displayPrefixLength = 8
)

var keyAlphabet = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// GenerateAPIKey returns a new URL-safe base64 credential of exactly length
// characters (never shorter than MinKeyLength), its display prefix and the
// hash to store.
func GenerateAPIKey(length int) (displayKey string, prefix string, hash []byte, err error) {
	if length < MinKeyLength {
		length = MinKeyLength
	}

	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", "", nil, err
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	displayKey = encoded[:length]

	return displayKey, Prefix(displayKey), HashSecret(displayKey), nil
}

// HashSecret returns the SHA-256 digest stored in place of the credential.
func HashSecret(secret string) []byte {
	h := sha256.Sum256([]byte(secret))
	return h[:]
}

// VerifyAPIKey reports whether displayKey hashes to storedHash.
func VerifyAPIKey(displayKey string, storedHash []byte) bool {
	if !ValidateFormat(displayKey) {
		return false
	}
	return subtle.ConstantTimeCompare(HashSecret(displayKey), storedHash) == 1
}

// VerifyToken compares a presented bearer token with the expected one in
// constant time. An empty expected token never verifies.
func VerifyToken(presented, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare(HashSecret(presented), HashSecret(expected)) == 1
}

// ValidateFormat reports whether credential could be an issued key: at
// least MinKeyLength characters of the base64url alphabet.
func ValidateFormat(credential string) bool {
	if len(credential) < MinKeyLength {
		return false
	}
	return keyAlphabet.MatchString(credential)
}

// Prefix returns the non-secret leading characters shown to operators.
func Prefix(displayKey string) string {
	if len(displayKey) <= displayPrefixLength {
		return displayKey
	}
	return displayKey[:displayPrefixLength]
}
