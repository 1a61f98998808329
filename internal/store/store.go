// Package store is the device-local persisted cache: item revisions keyed by
// (shareId, itemId), the wrapped share-key cache, and per-share sync cursors.
// Everything secret inside it is sealed under the device key before it gets
// here; the store itself never sees plaintext.
package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("store: not found")

// ItemRecord is one cached item revision. Content is the device-wrapped
// blob; the rest is plaintext metadata the cache is allowed to index on.
type ItemRecord struct {
	ShareID     string `json:"shareId"`
	ItemID      string `json:"itemId"`
	Revision    int64  `json:"revision"`
	KeyRotation int64  `json:"keyRotation"`
	State       int    `json:"state"`
	CreateTime  int64  `json:"createTime"`
	ModifyTime  int64  `json:"modifyTime"`
	LastUseTime int64  `json:"lastUseTime"`
	Content     []byte `json:"content"`
}

// ShareKeyRecord is one share-key generation, wrapped under the device key.
type ShareKeyRecord struct {
	ShareID     string `json:"shareId"`
	KeyRotation int64  `json:"keyRotation"`
	UserKeyID   string `json:"userKeyId"`
	WrappedKey  []byte `json:"wrappedKey"`
}

// LocalStore is the persistence contract. Upsert semantics are
// replace-by-id: a second record for the same (shareId, itemId) overwrites
// the first, never duplicates it.
type LocalStore interface {
	GetItem(ctx context.Context, shareID, itemID string) (ItemRecord, error)
	ListItems(ctx context.Context, shareID string) ([]ItemRecord, error)
	ListItemsByState(ctx context.Context, shareID string, state int) ([]ItemRecord, error)
	UpsertItems(ctx context.Context, recs []ItemRecord) error
	DeleteItems(ctx context.Context, shareID string, itemIDs []string) error
	WipeShare(ctx context.Context, shareID string) error
	WipeAll(ctx context.Context) error

	GetShareKeys(ctx context.Context, shareID string) ([]ShareKeyRecord, error)
	PutShareKeys(ctx context.Context, shareID string, keys []ShareKeyRecord) error
	DeleteShareKeys(ctx context.Context, shareID string) error

	GetCursor(ctx context.Context, userID, shareID string) (string, error)
	PutCursor(ctx context.Context, userID, shareID, eventID string) error
	DeleteCursor(ctx context.Context, userID, shareID string) error
}
