// Package identity holds the user's asymmetric identity keys and the
// envelope operations the vault service uses to deliver share keys: X25519
// key agreement for confidentiality, Ed25519 signatures for authenticity.
package identity

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"vaultpass/internal/crypto"
)

var (
	ErrUnknownKey         = errors.New("identity: no user key with that id")
	ErrVerificationFailed = errors.New("identity: signature verification failed")
)

const hkdfInfo = "vaultpass/identity/v1"

// UserKey is one generation of the user's identity key pair. Only active
// generations may be used to decrypt newly fetched material.
type UserKey struct {
	KeyID  string
	Active bool
	priv   *ecdh.PrivateKey
}

func NewUserKey(keyID string, active bool, priv *ecdh.PrivateKey) *UserKey {
	return &UserKey{KeyID: keyID, Active: active, priv: priv}
}

func (k *UserKey) Public() *ecdh.PublicKey { return k.priv.PublicKey() }

// KeyRing indexes the user's identity keys by key id and keeps the Ed25519
// public keys whose signatures on incoming key material we accept.
type KeyRing struct {
	mu     sync.RWMutex
	keys   map[string]*UserKey
	verify []ed25519.PublicKey
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]*UserKey)}
}

func (r *KeyRing) AddUserKey(k *UserKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[k.KeyID] = k
}

func (r *KeyRing) AddVerifyKey(pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verify = append(r.verify, pub)
}

func (r *KeyRing) Lookup(keyID string) (*UserKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[keyID]
	return k, ok
}

// Wipe drops all private key material. Called on logout.
func (r *KeyRing) Wipe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = make(map[string]*UserKey)
	r.verify = nil
}

// Envelope is the asymmetric envelope the service delivers key material in:
// an ephemeral X25519 public key, the sealed payload, and a detached
// Ed25519 signature over the plaintext.
type Envelope struct {
	EphemeralPub []byte
	Ciphertext   []byte
	Signature    []byte
}

// Open decrypts the envelope with this user key and verifies the payload
// signature against the ring's verify keys. Any crypto failure aborts; there
// is no fallback to another key.
func (r *KeyRing) Open(k *UserKey, env Envelope) ([]byte, error) {
	eph, err := ecdh.X25519().NewPublicKey(env.EphemeralPub)
	if err != nil {
		return nil, ErrVerificationFailed
	}
	shared, err := k.priv.ECDH(eph)
	if err != nil {
		return nil, ErrVerificationFailed
	}
	defer crypto.Zero(shared)

	session, err := sessionKey(shared, env.EphemeralPub, k.Public().Bytes())
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(session)

	pt, err := crypto.OpenAEAD(session, env.Ciphertext, crypto.TagShareKey)
	if err != nil {
		return nil, ErrVerificationFailed
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, pub := range r.verify {
		if ed25519.Verify(pub, pt, env.Signature) {
			return pt, nil
		}
	}
	crypto.Zero(pt)
	return nil, ErrVerificationFailed
}

// Seal encrypts payload to a recipient identity key and signs the plaintext.
// Used when sharing key material with other members, and by tests to build
// server-shaped envelopes.
func Seal(recipient *ecdh.PublicKey, payload []byte, signer ed25519.PrivateKey) (Envelope, error) {
	ephPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return Envelope{}, err
	}
	shared, err := ephPriv.ECDH(recipient)
	if err != nil {
		return Envelope{}, err
	}
	defer crypto.Zero(shared)

	ephPub := ephPriv.PublicKey().Bytes()
	session, err := sessionKey(shared, ephPub, recipient.Bytes())
	if err != nil {
		return Envelope{}, err
	}
	defer crypto.Zero(session)

	ct, err := crypto.SealAEAD(session, payload, crypto.TagShareKey)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EphemeralPub: ephPub,
		Ciphertext:   ct,
		Signature:    ed25519.Sign(signer, payload),
	}, nil
}

func sessionKey(shared, ephPub, recipientPub []byte) ([]byte, error) {
	salt := append(append([]byte(nil), ephPub...), recipientPub...)
	stream := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(stream, key); err != nil {
		return nil, err
	}
	return key, nil
}
