package crypto

import (
	"bytes"
	"testing"
	"time"
)

func TestSign_TagLength(t *testing.T) {
	tag := Sign([]byte("secret"), []byte("payload"))
	if len(tag) != 32 {
		t.Errorf("tag length = %d, want 32", len(tag))
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	data := []byte(`{"tool":"serpapi","action":"search"}`)

	tag := Sign(secret, data)
	if !Verify(secret, data, tag) {
		t.Error("valid tag rejected")
	}
}

func TestVerify_RejectsTamper(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	data := []byte("payload")
	tag := Sign(secret, data)

	tampered := append([]byte{}, tag...)
	tampered[0] ^= 0x01
	if Verify(secret, data, tampered) {
		t.Error("tampered tag accepted")
	}

	if Verify(secret, []byte("other payload"), tag) {
		t.Error("tag accepted for different payload")
	}

	if Verify([]byte("another-secret-another-secret-xx"), data, tag) {
		t.Error("tag accepted under wrong secret")
	}
}

func TestVerify_DeterministicForSameInput(t *testing.T) {
	secret := []byte("secret")
	data := []byte("data")
	if !bytes.Equal(Sign(secret, data), Sign(secret, data)) {
		t.Error("sign is not deterministic")
	}
}

// TestVerify_ConstantTime measures verification time for tags differing at
// the first byte versus the last byte. A short-circuiting comparison would
// return far faster on a first-byte mismatch; a constant-time one shows no
// position dependence. The bound is deliberately loose to stay robust on
// loaded CI hosts.
func TestVerify_ConstantTime(t *testing.T) {
	if testing.Short() {
		t.Skip("timing measurement skipped in short mode")
	}

	secret := []byte("0123456789abcdef0123456789abcdef")
	data := bytes.Repeat([]byte("x"), 4096)
	tag := Sign(secret, data)

	first := append([]byte{}, tag...)
	first[0] ^= 0xff
	last := append([]byte{}, tag...)
	last[len(last)-1] ^= 0xff

	const rounds = 20000
	measure := func(candidate []byte) time.Duration {
		start := time.Now()
		for i := 0; i < rounds; i++ {
			Verify(secret, data, candidate)
		}
		return time.Since(start)
	}

	// Warm up caches before measuring.
	measure(first)
	dFirst := measure(first)
	dLast := measure(last)

	ratio := float64(dFirst) / float64(dLast)
	if ratio < 0.5 || ratio > 2.0 {
		t.Errorf("mismatch position changed verify time: first=%v last=%v ratio=%.2f", dFirst, dLast, ratio)
	}
}

func TestHash_Stable(t *testing.T) {
	h1 := Hash([]byte("fingerprint input"))
	h2 := Hash([]byte("fingerprint input"))
	if len(h1) != 32 {
		t.Errorf("hash length = %d, want 32", len(h1))
	}
	if !bytes.Equal(h1, h2) {
		t.Error("hash is not stable")
	}
	if bytes.Equal(h1, Hash([]byte("fingerprint input2"))) {
		t.Error("distinct inputs hashed equal")
	}
}

func TestZero(t *testing.T) {
	b := []byte("sensitive")
	Zero(b)
	for i, c := range b {
		if c != 0 {
			t.Errorf("byte %d not zeroed", i)
		}
	}
}
