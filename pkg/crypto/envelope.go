package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrDecryption is returned when an envelope fails authentication. The cause
// (wrong key, tampered ciphertext, tampered tag) is deliberately not
// distinguished.
var ErrDecryption = errors.New("crypto: decryption failed")

// Envelope is an envelope-encrypted record: plaintext sealed under a fresh
// 32-byte data key, data key sealed under a keyring wrap key. The GCM tag is
// kept as its own field; Ciphertext holds only the encrypted payload bytes.
type Envelope struct {
	KEKVersion int    `json:"kek_version"`
	WrappedDK  []byte `json:"wrapped_dk"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	Tag        []byte `json:"tag"`
}

// EncryptEnvelope seals plaintext under a fresh data key wrapped by the
// keyring's active version.
func EncryptEnvelope(kr *Keyring, plaintext []byte) (*Envelope, error) {
	version := kr.ActiveVersion()
	wrap, err := kr.wrapKey(version)
	if err != nil {
		return nil, err
	}

	dk := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dk); err != nil {
		return nil, fmt.Errorf("crypto: generate data key: %w", err)
	}
	defer Zero(dk)

	gcm, err := newGCM(dk)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("crypto: generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - gcm.Overhead()

	wrappedDK, err := sealBlob(wrap, dk)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		KEKVersion: version,
		WrappedDK:  wrappedDK,
		IV:         iv,
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
	}, nil
}

// DecryptEnvelope unwraps the data key for env's KEK version and opens the
// payload. Tag mismatch anywhere yields ErrDecryption.
func DecryptEnvelope(kr *Keyring, env *Envelope) ([]byte, error) {
	wrap, err := kr.wrapKey(env.KEKVersion)
	if err != nil {
		return nil, err
	}

	dk, err := openBlob(wrap, env.WrappedDK)
	if err != nil {
		return nil, ErrDecryption
	}
	defer Zero(dk)

	gcm, err := newGCM(dk)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := gcm.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// Marshal encodes the envelope for storage. Binary fields are base64 via the
// JSON codec; nothing else applies encoding to envelope bytes.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal envelope: %w", err)
	}
	return data, nil
}

// UnmarshalEnvelope decodes a stored envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("crypto: unmarshal envelope: %w", err)
	}
	return &e, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return gcm, nil
}

// sealBlob seals data under key with the nonce prepended to the result.
func sealBlob(key, data []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

func openBlob(key, blob []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, errors.New("crypto: sealed blob too short")
	}
	nonce, ct := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}
