package tests

import (
	"bytes"
	"crypto/rand"
	"testing"

	cr "vaultpass/internal/crypto"
)

func FuzzSealOpen(f *testing.F) {
	f.Add([]byte("hello"))
	f.Fuzz(func(t *testing.T, pt []byte) {
		key := make([]byte, 32)
		rand.Read(key)
		ct, err := cr.SealAEAD(key, pt, cr.TagItemContent)
		if err != nil {
			t.Skip()
		}
		got, err := cr.OpenAEAD(key, ct, cr.TagItemContent)
		if err != nil {
			t.Fatalf("open err: %v", err)
		}
		if !bytes.Equal(pt, got) {
			t.Fatalf("roundtrip mismatch")
		}
		// Opening under a different context string must fail.
		if _, err := cr.OpenAEAD(key, ct, cr.TagItemKey); err == nil {
			t.Fatalf("cross-context open succeeded")
		}
	})
}
