package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	kr, err := NewKeyring(testKEK(0x11))
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}

	plaintext := []byte(`{"api_key":"sk-secret-1234567890"}`)
	env, err := EncryptEnvelope(kr, plaintext)
	if err != nil {
		t.Fatalf("EncryptEnvelope: %v", err)
	}

	if env.KEKVersion != 1 {
		t.Errorf("kek version = %d, want 1", env.KEKVersion)
	}
	if len(env.Tag) != 16 {
		t.Errorf("tag length = %d, want 16", len(env.Tag))
	}
	if bytes.Contains(env.Ciphertext, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	got, err := DecryptEnvelope(kr, env)
	if err != nil {
		t.Fatalf("DecryptEnvelope: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round-trip = %q, want %q", got, plaintext)
	}
}

func TestEnvelope_FreshDataKeyPerRecord(t *testing.T) {
	kr, _ := NewKeyring(testKEK(0x11))

	e1, err := EncryptEnvelope(kr, []byte("same plaintext"))
	if err != nil {
		t.Fatalf("EncryptEnvelope: %v", err)
	}
	e2, err := EncryptEnvelope(kr, []byte("same plaintext"))
	if err != nil {
		t.Fatalf("EncryptEnvelope: %v", err)
	}

	if bytes.Equal(e1.WrappedDK, e2.WrappedDK) {
		t.Error("two records share a wrapped data key")
	}
	if bytes.Equal(e1.Ciphertext, e2.Ciphertext) {
		t.Error("two records share ciphertext for same plaintext")
	}
}

func TestEnvelope_TamperDetection(t *testing.T) {
	kr, _ := NewKeyring(testKEK(0x11))
	env, err := EncryptEnvelope(kr, []byte("payload"))
	if err != nil {
		t.Fatalf("EncryptEnvelope: %v", err)
	}

	tamper := func(mutate func(*Envelope)) *Envelope {
		cp := *env
		cp.WrappedDK = append([]byte{}, env.WrappedDK...)
		cp.IV = append([]byte{}, env.IV...)
		cp.Ciphertext = append([]byte{}, env.Ciphertext...)
		cp.Tag = append([]byte{}, env.Tag...)
		mutate(&cp)
		return &cp
	}

	cases := map[string]*Envelope{
		"ciphertext": tamper(func(e *Envelope) { e.Ciphertext[0] ^= 0x01 }),
		"tag":        tamper(func(e *Envelope) { e.Tag[0] ^= 0x01 }),
		"iv":         tamper(func(e *Envelope) { e.IV[0] ^= 0x01 }),
		"wrapped dk": tamper(func(e *Envelope) { e.WrappedDK[len(e.WrappedDK)-1] ^= 0x01 }),
	}
	for name, tampered := range cases {
		if _, err := DecryptEnvelope(kr, tampered); !errors.Is(err, ErrDecryption) {
			t.Errorf("%s tamper: err = %v, want ErrDecryption", name, err)
		}
	}
}

func TestEnvelope_WrongKeyring(t *testing.T) {
	kr1, _ := NewKeyring(testKEK(0x11))
	kr2, _ := NewKeyring(testKEK(0x22))

	env, err := EncryptEnvelope(kr1, []byte("payload"))
	if err != nil {
		t.Fatalf("EncryptEnvelope: %v", err)
	}
	if _, err := DecryptEnvelope(kr2, env); !errors.Is(err, ErrDecryption) {
		t.Errorf("err = %v, want ErrDecryption", err)
	}
}

func TestEnvelope_MarshalRoundTrip(t *testing.T) {
	kr, _ := NewKeyring(testKEK(0x11))
	env, err := EncryptEnvelope(kr, []byte("stored credential"))
	if err != nil {
		t.Fatalf("EncryptEnvelope: %v", err)
	}

	blob, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := UnmarshalEnvelope(blob)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}

	pt, err := DecryptEnvelope(kr, back)
	if err != nil {
		t.Fatalf("DecryptEnvelope: %v", err)
	}
	if string(pt) != "stored credential" {
		t.Errorf("round-trip = %q", pt)
	}
}

// TestEnvelope_RoundTripProperty checks decrypt(encrypt(p)) == p for
// arbitrary payloads, empty included.
func TestEnvelope_RoundTripProperty(t *testing.T) {
	kr, err := NewKeyring(testKEK(0x33))
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("envelope round-trips arbitrary bytes", prop.ForAll(
		func(p []byte) bool {
			env, err := EncryptEnvelope(kr, p)
			if err != nil {
				return false
			}
			got, err := DecryptEnvelope(kr, env)
			if err != nil {
				return false
			}
			return bytes.Equal(got, p)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
