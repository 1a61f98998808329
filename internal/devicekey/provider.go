// Package devicekey provisions the device-local symmetric key that seals
// the at-rest cache. The key is created once, random, and never derived
// from vault material. Preferred home is the OS keyring; hosts without one
// (headless boxes, CI) fall back to a passphrase-sealed key file.
package devicekey

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	keyring "github.com/zalando/go-keyring"

	"vaultpass/internal/crypto"
)

const (
	serviceName = "vaultpass"
	keySize     = 32
)

// Provider yields the session's device key. Implementations pin the key in
// memory (mlock) where the platform allows it.
type Provider interface {
	Key() ([]byte, error)
}

// KeyringProvider stores the key base64-encoded in the OS keyring, one
// entry per account.
type KeyringProvider struct {
	Account string
}

func (p *KeyringProvider) Key() ([]byte, error) {
	enc, err := keyring.Get(serviceName, p.Account)
	if errors.Is(err, keyring.ErrNotFound) {
		return p.provision()
	}
	if err != nil {
		return nil, fmt.Errorf("devicekey: keyring get: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("devicekey: corrupt keyring entry: %w", err)
	}
	_ = crypto.LockMemory(key)
	return key, nil
}

func (p *KeyringProvider) provision() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := keyring.Set(serviceName, p.Account, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("devicekey: keyring set: %w", err)
	}
	_ = crypto.LockMemory(key)
	return key, nil
}

// Forget removes the stored key. Part of the full-wipe logout path.
func (p *KeyringProvider) Forget() error {
	err := keyring.Delete(serviceName, p.Account)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// FileProvider seals the key into a file under a passphrase-derived KEK
// (argon2id). Fallback for hosts without a keyring.
type FileProvider struct {
	Path       string
	Passphrase []byte
}

type keyFile struct {
	KDF struct {
		M    uint32 `json:"m"`
		T    uint32 `json:"t"`
		P    uint8  `json:"p"`
		Salt []byte `json:"salt"`
	} `json:"kdf"`
	Wrapped []byte `json:"wrapped"`
}

func (p *FileProvider) Key() ([]byte, error) {
	raw, err := os.ReadFile(p.Path)
	if os.IsNotExist(err) {
		return p.provision()
	}
	if err != nil {
		return nil, err
	}
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("devicekey: corrupt key file: %w", err)
	}
	params := crypto.KDFParams{M: kf.KDF.M, T: kf.KDF.T, P: kf.KDF.P, Salt: kf.KDF.Salt}
	kek := crypto.DeriveKEK(p.Passphrase, params)
	defer crypto.Zero32(&kek)

	key, err := crypto.Unwrap(kek[:], kf.Wrapped, crypto.TagDeviceKey)
	if err != nil {
		return nil, err
	}
	_ = crypto.LockMemory(key)
	return key, nil
}

func (p *FileProvider) provision() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	params := crypto.DefaultDeviceKDF()
	kek := crypto.DeriveKEK(p.Passphrase, params)
	defer crypto.Zero32(&kek)

	wrapped, err := crypto.Wrap(kek[:], key, crypto.TagDeviceKey)
	if err != nil {
		return nil, err
	}
	var kf keyFile
	kf.KDF.M, kf.KDF.T, kf.KDF.P, kf.KDF.Salt = params.M, params.T, params.P, params.Salt
	kf.Wrapped = wrapped

	raw, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(p.Path, raw, 0600); err != nil {
		return nil, err
	}
	_ = crypto.LockMemory(key)
	return key, nil
}

// Forget deletes the key file.
func (p *FileProvider) Forget() error {
	err := os.Remove(p.Path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
