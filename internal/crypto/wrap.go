package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	wrapSaltSize = 32
	wrapIVSize   = aes.BlockSize // 16 bytes
	wrapMacSize  = sha256.Size   // 32 bytes
	wrapMinSize  = wrapSaltSize + wrapIVSize + wrapMacSize
)

var (
	ErrWrapTooShort   = errors.New("crypto: wrapped blob too short")
	ErrWrapInvalidMAC = errors.New("crypto: wrap authentication failed")
)

// Wrap is the device-local at-rest layer: encrypt-then-MAC with AES-CTR for
// confidentiality and HMAC-SHA256 for integrity. Sub-keys are derived from
// the device key with HKDF-SHA256 over a per-blob random salt baked into the
// output. Layout: [salt||iv||ciphertext||mac]. The layer is independent of
// share-key rotation so cached data never needs the network to be read back.
func Wrap(deviceKey, plaintext []byte, tag string) ([]byte, error) {
	if len(deviceKey) == 0 {
		return nil, errors.New("crypto: empty device key")
	}

	salt := make([]byte, wrapSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	encKey, macKey, err := deriveWrapKeys(deviceKey, salt)
	if err != nil {
		return nil, err
	}
	defer Zero(encKey)
	defer Zero(macKey)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, wrapIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	ct := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ct, plaintext)

	mac := wrapMAC(macKey, tag, iv, ct)

	out := make([]byte, 0, wrapSaltSize+wrapIVSize+len(ct)+wrapMacSize)
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, ct...)
	out = append(out, mac...)
	return out, nil
}

// Unwrap decrypts and authenticates a blob produced by Wrap.
func Unwrap(deviceKey, blob []byte, tag string) ([]byte, error) {
	if len(blob) < wrapMinSize {
		return nil, ErrWrapTooShort
	}
	if len(deviceKey) == 0 {
		return nil, errors.New("crypto: empty device key")
	}

	salt := blob[:wrapSaltSize]
	iv := blob[wrapSaltSize : wrapSaltSize+wrapIVSize]
	macStart := len(blob) - wrapMacSize
	body := blob[wrapSaltSize+wrapIVSize : macStart]
	mac := blob[macStart:]

	encKey, macKey, err := deriveWrapKeys(deviceKey, salt)
	if err != nil {
		return nil, err
	}
	defer Zero(encKey)
	defer Zero(macKey)

	expected := wrapMAC(macKey, tag, iv, body)
	if subtle.ConstantTimeCompare(expected, mac) != 1 {
		return nil, ErrWrapInvalidMAC
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}

	pt := make([]byte, len(body))
	cipher.NewCTR(block, iv).XORKeyStream(pt, body)
	return pt, nil
}

// UnwrapAny first tries the current Wrap format; on MAC mismatch it falls
// back to the nonce-prefixed XChaCha20-Poly1305 format older releases used
// for the local cache. Always the same device key: this is a format
// fallback, never a key fallback.
func UnwrapAny(deviceKey, blob []byte, tag string) ([]byte, error) {
	if pt, err := Unwrap(deviceKey, blob, tag); err == nil {
		return pt, nil
	}
	return OpenAEAD(deviceKey, blob, tag)
}

func deriveWrapKeys(deviceKey, salt []byte) (encKey, macKey []byte, err error) {
	stream := hkdf.New(sha256.New, deviceKey, salt, []byte("vaultpass/localwrap/v1"))
	encKey = make([]byte, 32)
	macKey = make([]byte, 32)
	if _, err = io.ReadFull(stream, encKey); err != nil {
		return nil, nil, err
	}
	if _, err = io.ReadFull(stream, macKey); err != nil {
		return nil, nil, err
	}
	return encKey, macKey, nil
}

func wrapMAC(macKey []byte, tag string, iv, ct []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write([]byte(tag))
	mac.Write(iv)
	mac.Write(ct)
	return mac.Sum(nil)
}
