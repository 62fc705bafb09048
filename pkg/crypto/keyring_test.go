package crypto

import (
	"bytes"
	"testing"
)

func testKEK(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, 32)
}

func TestNewKeyring_RejectsBadLength(t *testing.T) {
	if _, err := NewKeyring([]byte("short")); err == nil {
		t.Error("expected error for short kek")
	}
}

func TestKeyring_ActiveVersionStartsAtOne(t *testing.T) {
	kr, err := NewKeyring(testKEK(0x01))
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	if kr.ActiveVersion() != 1 {
		t.Errorf("active version = %d, want 1", kr.ActiveVersion())
	}
}

func TestKeyring_RotateKeepsOldVersions(t *testing.T) {
	kr, err := NewKeyring(testKEK(0x01))
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}

	env1, err := EncryptEnvelope(kr, []byte("wrapped under v1"))
	if err != nil {
		t.Fatalf("EncryptEnvelope v1: %v", err)
	}

	v, err := kr.Rotate(testKEK(0x02))
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if v != 2 {
		t.Errorf("rotated version = %d, want 2", v)
	}
	if kr.ActiveVersion() != 2 {
		t.Errorf("active version = %d, want 2", kr.ActiveVersion())
	}

	env2, err := EncryptEnvelope(kr, []byte("wrapped under v2"))
	if err != nil {
		t.Fatalf("EncryptEnvelope v2: %v", err)
	}
	if env2.KEKVersion != 2 {
		t.Errorf("new envelope kek version = %d, want 2", env2.KEKVersion)
	}

	// v1 envelope still decrypts after rotation
	pt, err := DecryptEnvelope(kr, env1)
	if err != nil {
		t.Fatalf("DecryptEnvelope v1 after rotate: %v", err)
	}
	if string(pt) != "wrapped under v1" {
		t.Errorf("v1 plaintext = %q", pt)
	}
}

func TestKeyring_WrapKeyIsNotRawKEK(t *testing.T) {
	kek := testKEK(0x07)
	kr, err := NewKeyring(kek)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	wrap, err := kr.wrapKey(1)
	if err != nil {
		t.Fatalf("wrapKey: %v", err)
	}
	if bytes.Equal(wrap, kek) {
		t.Error("wrap key equals raw kek; expected hkdf-derived key")
	}
	if len(wrap) != 32 {
		t.Errorf("wrap key length = %d, want 32", len(wrap))
	}
}

func TestKeyring_UnknownVersion(t *testing.T) {
	kr, err := NewKeyring(testKEK(0x01))
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	if _, err := kr.wrapKey(9); err == nil {
		t.Error("expected error for unknown version")
	}
}
