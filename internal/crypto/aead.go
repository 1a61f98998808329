package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"

	xchacha "golang.org/x/crypto/chacha20poly1305"
)

// AAD context tags. Every AEAD call is bound to the context the ciphertext
// was produced for, so a blob sealed as an item key can never be opened as
// item content and vice versa.
const (
	TagItemKey     = "vaultpass;v1;itemkey"
	TagItemContent = "vaultpass;v1;itemcontent"
	TagLocalItem   = "vaultpass;v1;localitem"
	TagLocalKey    = "vaultpass;v1;localsharekey"
	TagDeviceKey   = "vaultpass;v1;devicekey"
	TagShareKey    = "vaultpass;v1;sharekey"
)

var ErrAEADOpen = errors.New("crypto: aead authentication failed")

// SealAEAD encrypts plaintext with XChaCha20-Poly1305 under key, binding the
// given context tag as associated data. Output layout: [nonce||ciphertext].
func SealAEAD(key, plaintext []byte, tag string) ([]byte, error) {
	aead, err := xchacha.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, xchacha.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = aead.Seal(out[:len(nonce)], nonce, plaintext, []byte(tag))
	return out, nil
}

// OpenAEAD reverses SealAEAD. The tag must match the one used to seal.
func OpenAEAD(key, ciphertext []byte, tag string) ([]byte, error) {
	aead, err := xchacha.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < xchacha.NonceSizeX {
		return nil, ErrAEADOpen
	}
	nonce := ciphertext[:xchacha.NonceSizeX]
	ct := ciphertext[xchacha.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, []byte(tag))
	if err != nil {
		return nil, ErrAEADOpen
	}
	return pt, nil
}

// NewAEAD exposes the raw cipher for callers that manage nonces themselves.
func NewAEAD(key []byte) (cipher.AEAD, error) {
	return xchacha.NewX(key)
}
