// Package crypto provides the gateway's primitives: HMAC-SHA-256 token
// signatures, SHA-256 fingerprint hashing, AES-256-GCM envelope encryption
// under a versioned keyring, and RSA-2048 agent keypairs.
//
// All operations take and return byte slices; base64 is applied only at the
// storage and wire boundaries.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// Sign computes the HMAC-SHA-256 tag of data under secret.
func Sign(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// Verify reports whether tag is the HMAC-SHA-256 tag of data under secret.
// The comparison is constant time.
func Verify(secret, data, tag []byte) bool {
	return hmac.Equal(Sign(secret, data), tag)
}

// Hash computes the SHA-256 digest of data.
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Zero overwrites b in place. Callers release secret material with it on all
// exit paths.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
