package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// runKeygen prints fresh secrets in the exact shape the environment wants:
// a 32-byte KEK in standard base64 and a 48-byte token-signing secret in
// URL-safe base64 (any string of 32+ bytes works as the HMAC secret).
func runKeygen(stdout, stderr io.Writer) int {
	kek := make([]byte, 32)
	if _, err := rand.Read(kek); err != nil {
		_, _ = fmt.Fprintf(stderr, "gateway: keygen: %v\n", err)
		return exitRuntime
	}
	hmacSecret := make([]byte, 48)
	if _, err := rand.Read(hmacSecret); err != nil {
		_, _ = fmt.Fprintf(stderr, "gateway: keygen: %v\n", err)
		return exitRuntime
	}

	_, _ = fmt.Fprintf(stdout, "KEK_BASE64=%s\n", base64.StdEncoding.EncodeToString(kek))
	_, _ = fmt.Fprintf(stdout, "TOKEN_HMAC_SECRET=%s\n", base64.RawURLEncoding.EncodeToString(hmacSecret))
	return exitOK
}
