// Package keys resolves share and item keys: fetching and decrypting the
// versioned share-key generations, and serving decrypted keys out of a
// single-writer in-memory cache.
package keys

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"vaultpass/internal/api"
	"vaultpass/internal/crypto"
	"vaultpass/internal/identity"
	"vaultpass/internal/store"
)

var (
	ErrKeyNotFound     = errors.New("keys: key not found")
	ErrInactiveUserKey = errors.New("keys: user identity key is not active")
	ErrBase64Decode    = errors.New("keys: malformed base64 key material")
)

// ShareKeyStore fetches share-key generations from the service, decrypts
// them with the user's identity keys, and caches them locally wrapped under
// the device key. Each generation is decrypted independently: one bad
// generation never masks errors in, or blocks, the others.
type ShareKeyStore struct {
	remote    api.Service
	local     store.LocalStore
	ring      *identity.KeyRing
	deviceKey []byte

	mu sync.Mutex // serializes refreshes against each other
}

func NewShareKeyStore(remote api.Service, local store.LocalStore, ring *identity.KeyRing, deviceKey []byte) *ShareKeyStore {
	return &ShareKeyStore{remote: remote, local: local, ring: ring, deviceKey: deviceKey}
}

// GetKeys returns the locally cached generations for a share, refreshing
// from the service when the cache is empty.
func (s *ShareKeyStore) GetKeys(ctx context.Context, shareID string) ([]store.ShareKeyRecord, error) {
	recs, err := s.local.GetShareKeys(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if len(recs) > 0 {
		return recs, nil
	}
	return s.RefreshKeys(ctx, shareID)
}

// RefreshKeys fetches every key generation for the share and processes each
// one on its own: locate the identity key by id, base64-decode, decrypt and
// verify, wrap under the device key. Successful generations are persisted
// even when others fail; failures come back joined, one per rotation.
func (s *ShareKeyStore) RefreshKeys(ctx context.Context, shareID string) ([]store.ShareKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	envs, err := s.remote.GetShareKeys(ctx, shareID)
	if err != nil {
		return nil, err
	}

	var (
		recs []store.ShareKeyRecord
		errs []error
	)
	for _, env := range envs {
		rec, err := s.decryptGeneration(env, shareID)
		if err != nil {
			errs = append(errs, fmt.Errorf("rotation %d: %w", env.KeyRotation, err))
			continue
		}
		recs = append(recs, rec)
	}

	if len(recs) > 0 {
		if err := s.local.PutShareKeys(ctx, shareID, recs); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return recs, fmt.Errorf("keys: refresh share %s: %w", shareID, errors.Join(errs...))
	}
	return recs, nil
}

// Invalidate drops the persisted generations for a share. Called when a
// rotation event arrives; the next GetKeys refetches.
func (s *ShareKeyStore) Invalidate(ctx context.Context, shareID string) error {
	return s.local.DeleteShareKeys(ctx, shareID)
}

func (s *ShareKeyStore) decryptGeneration(env api.ShareKeyEnvelope, shareID string) (store.ShareKeyRecord, error) {
	uk, ok := s.ring.Lookup(env.UserKeyID)
	if !ok {
		return store.ShareKeyRecord{}, fmt.Errorf("%w: user key %s", ErrKeyNotFound, env.UserKeyID)
	}
	if !uk.Active {
		return store.ShareKeyRecord{}, fmt.Errorf("%w: user key %s", ErrInactiveUserKey, env.UserKeyID)
	}

	eph, err := base64.StdEncoding.DecodeString(env.EphemeralPub)
	if err != nil {
		return store.ShareKeyRecord{}, fmt.Errorf("%w: ephemeral pub: %v", ErrBase64Decode, err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Key)
	if err != nil {
		return store.ShareKeyRecord{}, fmt.Errorf("%w: key blob: %v", ErrBase64Decode, err)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return store.ShareKeyRecord{}, fmt.Errorf("%w: signature: %v", ErrBase64Decode, err)
	}

	raw, err := s.ring.Open(uk, identity.Envelope{EphemeralPub: eph, Ciphertext: ct, Signature: sig})
	if err != nil {
		return store.ShareKeyRecord{}, err
	}
	defer crypto.Zero(raw)

	wrapped, err := crypto.Wrap(s.deviceKey, raw, crypto.TagLocalKey)
	if err != nil {
		return store.ShareKeyRecord{}, err
	}
	return store.ShareKeyRecord{
		ShareID:     shareID,
		KeyRotation: env.KeyRotation,
		UserKeyID:   env.UserKeyID,
		WrappedKey:  wrapped,
	}, nil
}
