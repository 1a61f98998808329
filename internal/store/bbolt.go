package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Bucket layout. items and sharekeys hold one nested bucket per share so a
// share wipe is a single DeleteBucket.
var (
	itemsBucket     = []byte("items")
	shareKeysBucket = []byte("sharekeys")
	cursorsBucket   = []byte("cursors")
)

type BoltStore struct {
	db *bolt.DB
}

func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{itemsBucket, shareKeysBucket, cursorsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) GetItem(_ context.Context, shareID, itemID string) (ItemRecord, error) {
	var rec ItemRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(itemsBucket).Bucket([]byte(shareID))
		if sb == nil {
			return ErrNotFound
		}
		raw := sb.Get([]byte(itemID))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

func (s *BoltStore) ListItems(_ context.Context, shareID string) ([]ItemRecord, error) {
	return s.list(shareID, -1)
}

func (s *BoltStore) ListItemsByState(_ context.Context, shareID string, state int) ([]ItemRecord, error) {
	return s.list(shareID, state)
}

func (s *BoltStore) list(shareID string, state int) ([]ItemRecord, error) {
	var out []ItemRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(itemsBucket).Bucket([]byte(shareID))
		if sb == nil {
			return nil
		}
		return sb.ForEach(func(_, v []byte) error {
			var rec ItemRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if state < 0 || rec.State == state {
				out = append(out, rec)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpsertItems(_ context.Context, recs []ItemRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, rec := range recs {
			sb, err := tx.Bucket(itemsBucket).CreateBucketIfNotExists([]byte(rec.ShareID))
			if err != nil {
				return err
			}
			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := sb.Put([]byte(rec.ItemID), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) DeleteItems(_ context.Context, shareID string, itemIDs []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(itemsBucket).Bucket([]byte(shareID))
		if sb == nil {
			return nil
		}
		for _, id := range itemIDs {
			if err := sb.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) WipeShare(_ context.Context, shareID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(itemsBucket).DeleteBucket([]byte(shareID))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

func (s *BoltStore) WipeAll(_ context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{itemsBucket, shareKeysBucket, cursorsBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetShareKeys(_ context.Context, shareID string) ([]ShareKeyRecord, error) {
	var out []ShareKeyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(shareKeysBucket).Bucket([]byte(shareID))
		if sb == nil {
			return nil
		}
		return sb.ForEach(func(_, v []byte) error {
			var rec ShareKeyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) PutShareKeys(_ context.Context, shareID string, keys []ShareKeyRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sb, err := tx.Bucket(shareKeysBucket).CreateBucketIfNotExists([]byte(shareID))
		if err != nil {
			return err
		}
		for _, rec := range keys {
			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := sb.Put(rotationKey(rec.KeyRotation), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) DeleteShareKeys(_ context.Context, shareID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(shareKeysBucket).DeleteBucket([]byte(shareID))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

func (s *BoltStore) GetCursor(_ context.Context, userID, shareID string) (string, error) {
	var cursor string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cursorsBucket).Get(cursorKey(userID, shareID))
		cursor = string(v)
		return nil
	})
	return cursor, err
}

func (s *BoltStore) PutCursor(_ context.Context, userID, shareID, eventID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorsBucket).Put(cursorKey(userID, shareID), []byte(eventID))
	})
}

func (s *BoltStore) DeleteCursor(_ context.Context, userID, shareID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorsBucket).Delete(cursorKey(userID, shareID))
	})
}

func cursorKey(userID, shareID string) []byte {
	return []byte(userID + "\x00" + shareID)
}

// Rotation as big-endian so bucket iteration order matches key generation
// order.
func rotationKey(rotation int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(rotation))
	return k
}

var _ LocalStore = (*BoltStore)(nil)
