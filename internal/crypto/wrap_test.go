package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func randBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return b
}

func TestWrapUnwrapRoundTripSizes(t *testing.T) {
	key := randBytes(t, 32)
	for _, n := range []int{0, 1, 15, 16, 17, 255, 4096, 64 * 1024} {
		pt := randBytes(t, n)
		blob, err := Wrap(key, pt, TagLocalItem)
		if err != nil {
			t.Fatalf("wrap %d bytes: %v", n, err)
		}
		out, err := Unwrap(key, blob, TagLocalItem)
		if err != nil {
			t.Fatalf("unwrap %d bytes: %v", n, err)
		}
		if !bytes.Equal(pt, out) {
			t.Fatalf("plaintext mismatch at %d bytes", n)
		}
	}
}

func TestWrapTagMismatch(t *testing.T) {
	key := randBytes(t, 32)
	blob, err := Wrap(key, []byte("secret"), TagLocalItem)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if _, err := Unwrap(key, blob, TagLocalKey); err == nil {
		t.Fatal("expected auth failure with mismatched tag")
	}
}

func TestWrapTamper(t *testing.T) {
	key := randBytes(t, 32)
	blob, err := Wrap(key, []byte("hello"), TagLocalItem)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	mut := append([]byte(nil), blob...)
	mut[len(mut)-1] ^= 0xFF
	if _, err := Unwrap(key, mut, TagLocalItem); err == nil {
		t.Fatal("expected failure after mac tamper")
	}
}

func TestUnwrapAnyAcceptsLegacyFormat(t *testing.T) {
	key := randBytes(t, 32)
	pt := []byte("written by an old release")
	legacy, err := SealAEAD(key, pt, TagLocalItem)
	if err != nil {
		t.Fatalf("seal legacy: %v", err)
	}
	out, err := UnwrapAny(key, legacy, TagLocalItem)
	if err != nil {
		t.Fatalf("unwrap any: %v", err)
	}
	if !bytes.Equal(pt, out) {
		t.Fatal("legacy plaintext mismatch")
	}
}

func TestUnwrapAnyNeverCrossesKeys(t *testing.T) {
	key1 := randBytes(t, 32)
	key2 := randBytes(t, 32)
	blob, err := Wrap(key1, []byte("x"), TagLocalItem)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if _, err := UnwrapAny(key2, blob, TagLocalItem); err == nil {
		t.Fatal("expected failure under a different key")
	}
}

func TestSealOpenAEADRoundTrip(t *testing.T) {
	key := randBytes(t, 32)
	for _, n := range []int{0, 1, 1024, 64 * 1024} {
		pt := randBytes(t, n)
		ct, err := SealAEAD(key, pt, TagItemContent)
		if err != nil {
			t.Fatalf("seal %d bytes: %v", n, err)
		}
		out, err := OpenAEAD(key, ct, TagItemContent)
		if err != nil {
			t.Fatalf("open %d bytes: %v", n, err)
		}
		if !bytes.Equal(pt, out) {
			t.Fatalf("plaintext mismatch at %d bytes", n)
		}
	}
}

func TestOpenAEADContextBinding(t *testing.T) {
	key := randBytes(t, 32)
	ct, err := SealAEAD(key, []byte("key material"), TagItemKey)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := OpenAEAD(key, ct, TagItemContent); err == nil {
		t.Fatal("ciphertext sealed as item key must not open as item content")
	}
}
