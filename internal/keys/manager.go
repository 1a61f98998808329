package keys

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"vaultpass/internal/api"
	"vaultpass/internal/crypto"
)

// DecryptedShareKey is raw share-key material for one generation.
type DecryptedShareKey struct {
	ShareID     string
	KeyRotation int64
	Key         []byte
}

// DecryptedItemKey is an item's raw key material at a given rotation.
type DecryptedItemKey struct {
	ShareID     string
	ItemID      string
	KeyRotation int64
	Key         []byte
}

type cacheKey struct {
	shareID  string
	rotation int64
}

// Manager serves decrypted share keys out of an in-memory cache. All cache
// mutations go through a single mutex; two concurrent misses for the same
// generation may both decrypt, but both write the same bytes, so the cache
// cannot diverge. Callers always receive their own copy of the key bytes:
// the cache's slices are never handed out, so an Invalidate racing an
// in-flight seal or open cannot touch memory the caller is using.
// GetShareKey is the per-item-decrypt hot path and performs no I/O beyond
// the miss case, and never logs.
type Manager struct {
	shares *ShareKeyStore
	remote api.Service

	deviceKey []byte

	mu    sync.Mutex
	cache map[cacheKey][]byte
}

func NewManager(shares *ShareKeyStore, remote api.Service, deviceKey []byte) *Manager {
	return &Manager{
		shares:    shares,
		remote:    remote,
		deviceKey: deviceKey,
		cache:     make(map[cacheKey][]byte),
	}
}

// GetShareKey resolves one generation of a share's key.
func (m *Manager) GetShareKey(ctx context.Context, shareID string, rotation int64) (DecryptedShareKey, error) {
	ck := cacheKey{shareID: shareID, rotation: rotation}
	m.mu.Lock()
	if key, ok := m.cache[ck]; ok {
		out := append([]byte(nil), key...)
		m.mu.Unlock()
		return DecryptedShareKey{ShareID: shareID, KeyRotation: rotation, Key: out}, nil
	}
	m.mu.Unlock()

	recs, err := m.shares.GetKeys(ctx, shareID)
	if err != nil {
		return DecryptedShareKey{}, err
	}
	for _, rec := range recs {
		if rec.KeyRotation != rotation {
			continue
		}
		raw, err := crypto.Unwrap(m.deviceKey, rec.WrappedKey, crypto.TagLocalKey)
		if err != nil {
			return DecryptedShareKey{}, err
		}
		m.mu.Lock()
		if prev, ok := m.cache[ck]; ok {
			// lost the race; identical bytes either way
			crypto.Zero(raw)
			raw = prev
		} else {
			m.cache[ck] = raw
		}
		out := append([]byte(nil), raw...)
		m.mu.Unlock()
		return DecryptedShareKey{ShareID: shareID, KeyRotation: rotation, Key: out}, nil
	}
	return DecryptedShareKey{}, fmt.Errorf("%w: share %s rotation %d", ErrKeyNotFound, shareID, rotation)
}

// GetLatestShareKey resolves the highest rotation currently known for the
// share, refreshing from the service when nothing is cached.
func (m *Manager) GetLatestShareKey(ctx context.Context, shareID string) (DecryptedShareKey, error) {
	recs, err := m.shares.GetKeys(ctx, shareID)
	if err != nil {
		return DecryptedShareKey{}, err
	}
	if len(recs) == 0 {
		return DecryptedShareKey{}, fmt.Errorf("%w: share %s has no keys", ErrKeyNotFound, shareID)
	}
	latest := recs[0].KeyRotation
	for _, rec := range recs[1:] {
		if rec.KeyRotation > latest {
			latest = rec.KeyRotation
		}
	}
	return m.GetShareKey(ctx, shareID, latest)
}

// GetLatestItemKey fetches the item's newest key envelope and opens it under
// the matching share-key generation. The item-key context tag binds the
// ciphertext to this use.
func (m *Manager) GetLatestItemKey(ctx context.Context, shareID, itemID string) (DecryptedItemKey, error) {
	env, err := m.remote.GetLatestItemKey(ctx, shareID, itemID)
	if err != nil {
		return DecryptedItemKey{}, err
	}
	blob, err := base64.StdEncoding.DecodeString(env.Key)
	if err != nil {
		return DecryptedItemKey{}, fmt.Errorf("%w: item key: %v", ErrBase64Decode, err)
	}
	shareKey, err := m.GetShareKey(ctx, shareID, env.KeyRotation)
	if err != nil {
		return DecryptedItemKey{}, err
	}
	raw, err := crypto.OpenAEAD(shareKey.Key, blob, crypto.TagItemKey)
	if err != nil {
		return DecryptedItemKey{}, err
	}
	return DecryptedItemKey{
		ShareID:     shareID,
		ItemID:      itemID,
		KeyRotation: env.KeyRotation,
		Key:         raw,
	}, nil
}

// Invalidate drops every cached generation for a share, memory and disk.
// Driven by key-rotation events seen in a sync delta. Entries are dropped,
// not zeroed: operations that resolved a key before the rotation landed
// hold copies, and mid-session work must never see its key mutate under it.
// Zeroing is reserved for Wipe.
func (m *Manager) Invalidate(ctx context.Context, shareID string) error {
	m.mu.Lock()
	for ck := range m.cache {
		if ck.shareID == shareID {
			delete(m.cache, ck)
		}
	}
	m.mu.Unlock()
	return m.shares.Invalidate(ctx, shareID)
}

// Wipe clears the whole cache. Logout only; nothing is evicted mid-session.
func (m *Manager) Wipe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ck, key := range m.cache {
		crypto.Zero(key)
		delete(m.cache, ck)
	}
}
