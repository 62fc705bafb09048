package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Keyring holds versioned key-encryption keys. Envelope wrap keys are not the
// raw KEK: each version's wrap key is derived with HKDF-SHA-256 so that key
// material used for credential wrapping is domain-separated from any other
// use of the configured secret.
type Keyring struct {
	mu       sync.RWMutex
	active   int
	wrapKeys map[int][]byte
}

const wrapKeyInfo = "gateway-credential-wrap"

// NewKeyring builds a keyring with kek as version 1. kek must be 32 bytes.
func NewKeyring(kek []byte) (*Keyring, error) {
	wrap, err := deriveWrapKey(kek)
	if err != nil {
		return nil, err
	}
	return &Keyring{
		active:   1,
		wrapKeys: map[int][]byte{1: wrap},
	}, nil
}

// Rotate installs kek as a new active version and returns it. Prior versions
// remain available so existing envelopes stay decryptable until rewrapped.
func (k *Keyring) Rotate(kek []byte) (int, error) {
	wrap, err := deriveWrapKey(kek)
	if err != nil {
		return 0, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.active++
	k.wrapKeys[k.active] = wrap
	return k.active, nil
}

// ActiveVersion returns the version new envelopes are wrapped under.
func (k *Keyring) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

func (k *Keyring) wrapKey(version int) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.wrapKeys[version]
	if !ok {
		return nil, fmt.Errorf("crypto: unknown kek version %d", version)
	}
	return key, nil
}

func deriveWrapKey(kek []byte) ([]byte, error) {
	if len(kek) != 32 {
		return nil, fmt.Errorf("crypto: kek must be 32 bytes, got %d", len(kek))
	}
	r := hkdf.New(sha256.New, kek, nil, []byte(wrapKeyInfo))
	wrap := make([]byte, 32)
	if _, err := io.ReadFull(r, wrap); err != nil {
		return nil, fmt.Errorf("crypto: derive wrap key: %w", err)
	}
	return wrap, nil
}
