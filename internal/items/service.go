// Package items owns the item lifecycle: encrypted CRUD against the
// service, the device-local re-encryption step, full resyncs, and the
// decrypt-on-demand read paths.
package items

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"vaultpass/internal/api"
	"vaultpass/internal/crypto"
	"vaultpass/internal/events"
	"vaultpass/internal/keys"
	"vaultpass/internal/store"
)

type Service struct {
	remote    api.Service
	local     store.LocalStore
	keys      *keys.Manager
	deviceKey []byte
	userID    string
	bus       *events.Bus
	logger    *log.Logger

	mu         sync.Mutex
	shareLocks map[string]*sync.Mutex
}

func NewService(remote api.Service, local store.LocalStore, km *keys.Manager, deviceKey []byte, userID string, bus *events.Bus, logger *log.Logger) *Service {
	return &Service{
		remote:     remote,
		local:      local,
		keys:       km,
		deviceKey:  deviceKey,
		userID:     userID,
		bus:        bus,
		logger:     logger,
		shareLocks: make(map[string]*sync.Mutex),
	}
}

// shareLock serializes local-cache writes per share. A full resync and a
// single-item upsert for the same share never interleave; different shares
// proceed independently.
func (s *Service) shareLock(shareID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.shareLocks[shareID]
	if !ok {
		l = &sync.Mutex{}
		s.shareLocks[shareID] = l
	}
	return l
}

// ---- create / update ----

func (s *Service) Create(ctx context.Context, shareID string, content Content) (Item, error) {
	shareKey, err := s.keys.GetLatestShareKey(ctx, shareID)
	if err != nil {
		return Item{}, err
	}
	req, err := sealForCreate(shareKey, content)
	if err != nil {
		return Item{}, err
	}
	rev, err := s.remote.CreateItem(ctx, shareID, req)
	if err != nil {
		return Item{}, err
	}
	return s.commitRevision(ctx, shareID, rev)
}

func (s *Service) CreateAlias(ctx context.Context, shareID, prefix, suffix string, content Content) (Item, error) {
	shareKey, err := s.keys.GetLatestShareKey(ctx, shareID)
	if err != nil {
		return Item{}, err
	}
	inner, err := sealForCreate(shareKey, content)
	if err != nil {
		return Item{}, err
	}
	rev, err := s.remote.CreateAlias(ctx, shareID, api.CreateAliasRequest{
		Item:   inner,
		Prefix: prefix,
		Suffix: suffix,
	})
	if err != nil {
		return Item{}, err
	}
	return s.commitRevision(ctx, shareID, rev)
}

// CreateAliasAndOtherItem creates an alias plus a second item (typically the
// login using the alias as username) in a single service call.
func (s *Service) CreateAliasAndOtherItem(ctx context.Context, shareID, prefix, suffix string, aliasContent, otherContent Content) (alias Item, other Item, err error) {
	shareKey, err := s.keys.GetLatestShareKey(ctx, shareID)
	if err != nil {
		return Item{}, Item{}, err
	}
	aliasReq, err := sealForCreate(shareKey, aliasContent)
	if err != nil {
		return Item{}, Item{}, err
	}
	otherReq, err := sealForCreate(shareKey, otherContent)
	if err != nil {
		return Item{}, Item{}, err
	}
	bundle, err := s.remote.CreateAliasAndOtherItem(ctx, shareID, api.CreateAliasAndItemRequest{
		Alias: api.CreateAliasRequest{Item: aliasReq, Prefix: prefix, Suffix: suffix},
		Other: otherReq,
	})
	if err != nil {
		return Item{}, Item{}, err
	}
	alias, err = s.commitRevision(ctx, shareID, bundle.Alias)
	if err != nil {
		return Item{}, Item{}, err
	}
	other, err = s.commitRevision(ctx, shareID, bundle.Other)
	if err != nil {
		return Item{}, Item{}, err
	}
	return alias, other, nil
}

// Update builds a revision-guarded update against the item's latest key. The
// server's returned revision replaces the cached one; old revisions are not
// retained.
func (s *Service) Update(ctx context.Context, shareID, itemID string, content Content) (Item, error) {
	cur, err := s.local.GetItem(ctx, shareID, itemID)
	if errors.Is(err, store.ErrNotFound) {
		return Item{}, fmt.Errorf("%w: %s/%s", ErrItemNotFound, shareID, itemID)
	}
	if err != nil {
		return Item{}, err
	}
	itemKey, err := s.keys.GetLatestItemKey(ctx, shareID, itemID)
	if err != nil {
		return Item{}, err
	}
	defer crypto.Zero(itemKey.Key)

	raw, err := content.encode()
	if err != nil {
		return Item{}, err
	}
	sealed, err := crypto.SealAEAD(itemKey.Key, raw, crypto.TagItemContent)
	if err != nil {
		return Item{}, err
	}
	rev, err := s.remote.UpdateItem(ctx, shareID, itemID, api.UpdateItemRequest{
		LastRevision: cur.Revision,
		KeyRotation:  itemKey.KeyRotation,
		Content:      base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return Item{}, err
	}
	return s.commitRevision(ctx, shareID, rev)
}

// ---- batched state changes ----

func (s *Service) Trash(ctx context.Context, refs []Ref) error {
	return s.batchState(ctx, refs, s.remote.TrashItems, api.ItemStateTrashed)
}

func (s *Service) Untrash(ctx context.Context, refs []Ref) error {
	return s.batchState(ctx, refs, s.remote.UntrashItems, api.ItemStateActive)
}

type stateCall func(ctx context.Context, shareID string, refs []api.ItemRef) ([]api.ItemRevision, error)

// batchState partitions refs by share and runs each share's chunks
// sequentially; shares run concurrently. A chunk failure aborts the
// remaining chunks for that share only; applied chunks stay applied.
func (s *Service) batchState(ctx context.Context, refs []Ref, call stateCall, newState int) error {
	byShare, err := s.partition(ctx, refs)
	if err != nil {
		return err
	}

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for shareID, shareRefs := range byShare {
		wg.Add(1)
		go func(shareID string, shareRefs []api.ItemRef) {
			defer wg.Done()
			if err := s.runShareBatches(ctx, shareID, shareRefs, call, newState); err != nil {
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
		}(shareID, shareRefs)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Service) runShareBatches(ctx context.Context, shareID string, refs []api.ItemRef, call stateCall, newState int) error {
	lock := s.shareLock(shareID)
	lock.Lock()
	defer lock.Unlock()

	applied := 0
	total := len(refs)
	for _, chunk := range chunkRefs(refs, maxBatchSize) {
		revs, err := call(ctx, shareID, chunk)
		if err != nil {
			if applied > 0 {
				s.bus.Publish(events.Event{Kind: events.ItemsChanged, ShareID: shareID})
			}
			return &BatchPartialError{
				ShareID:   shareID,
				Applied:   applied,
				Remaining: total - applied,
				Err:       err,
			}
		}
		if err := s.applyStateRevisions(ctx, shareID, revs, newState); err != nil {
			return err
		}
		applied += len(chunk)
	}
	s.bus.Publish(events.Event{Kind: events.ItemsChanged, ShareID: shareID})
	return nil
}

// applyStateRevisions bumps local records to the revisions the service
// returned for a state change. Content is untouched; only metadata moves.
func (s *Service) applyStateRevisions(ctx context.Context, shareID string, revs []api.ItemRevision, newState int) error {
	var recs []store.ItemRecord
	for _, rev := range revs {
		rec, err := s.local.GetItem(ctx, shareID, rev.ItemID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		rec.Revision = rev.Revision
		rec.State = newState
		if rev.ModifyTime != 0 {
			rec.ModifyTime = rev.ModifyTime
		}
		recs = append(recs, rec)
	}
	return s.local.UpsertItems(ctx, recs)
}

func (s *Service) Delete(ctx context.Context, refs []Ref) error {
	byShare, err := s.partition(ctx, refs)
	if err != nil {
		return err
	}

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for shareID, shareRefs := range byShare {
		wg.Add(1)
		go func(shareID string, shareRefs []api.ItemRef) {
			defer wg.Done()
			if err := s.deleteShareBatches(ctx, shareID, shareRefs); err != nil {
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
		}(shareID, shareRefs)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Service) deleteShareBatches(ctx context.Context, shareID string, refs []api.ItemRef) error {
	lock := s.shareLock(shareID)
	lock.Lock()
	defer lock.Unlock()

	applied := 0
	total := len(refs)
	for _, chunk := range chunkRefs(refs, maxBatchSize) {
		if err := s.remote.DeleteItems(ctx, shareID, chunk); err != nil {
			if applied > 0 {
				s.bus.Publish(events.Event{Kind: events.ItemsChanged, ShareID: shareID})
			}
			return &BatchPartialError{
				ShareID:   shareID,
				Applied:   applied,
				Remaining: total - applied,
				Err:       err,
			}
		}
		ids := make([]string, len(chunk))
		for i, ref := range chunk {
			ids[i] = ref.ItemID
		}
		if err := s.local.DeleteItems(ctx, shareID, ids); err != nil {
			return err
		}
		applied += len(chunk)
	}
	s.bus.Publish(events.Event{Kind: events.ItemsChanged, ShareID: shareID})
	return nil
}

// partition resolves current revisions from the local cache and groups refs
// by share.
func (s *Service) partition(ctx context.Context, refs []Ref) (map[string][]api.ItemRef, error) {
	out := make(map[string][]api.ItemRef)
	for _, ref := range refs {
		rec, err := s.local.GetItem(ctx, ref.ShareID, ref.ItemID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrItemNotFound, ref.ShareID, ref.ItemID)
		}
		if err != nil {
			return nil, err
		}
		out[ref.ShareID] = append(out[ref.ShareID], api.ItemRef{ItemID: ref.ItemID, Revision: rec.Revision})
	}
	return out, nil
}

// ---- move ----

// Move re-encrypts the item under the destination share's latest key,
// creates it there, then deletes the original. The two phases are separate
// service calls: a failure between them leaves the item present in both
// shares. Known limitation; surfaced in the returned error, not hidden.
func (s *Service) Move(ctx context.Context, ref Ref, toShareID string) (Item, error) {
	rec, err := s.local.GetItem(ctx, ref.ShareID, ref.ItemID)
	if errors.Is(err, store.ErrNotFound) {
		return Item{}, fmt.Errorf("%w: %s/%s", ErrItemNotFound, ref.ShareID, ref.ItemID)
	}
	if err != nil {
		return Item{}, err
	}
	src, err := s.decryptRecord(rec)
	if err != nil {
		return Item{}, err
	}

	created, err := s.Create(ctx, toShareID, src.Content)
	if err != nil {
		return Item{}, err
	}

	if err := s.remote.DeleteItems(ctx, ref.ShareID, []api.ItemRef{{ItemID: ref.ItemID, Revision: rec.Revision}}); err != nil {
		s.logger.Printf("move: created %s in share %s but source delete failed, item is duplicated: %v",
			ref.ItemID, toShareID, err)
		return created, fmt.Errorf("items: move: source delete failed after destination create: %w", err)
	}
	if err := s.local.DeleteItems(ctx, ref.ShareID, []string{ref.ItemID}); err != nil {
		return created, err
	}
	s.bus.Publish(events.Event{Kind: events.ItemsChanged, ShareID: ref.ShareID})
	s.bus.Publish(events.Event{Kind: events.ItemsChanged, ShareID: toShareID})
	return created, nil
}

// ---- full resync ----

// RefreshItems wipes the share's local cache, re-fetches every revision,
// re-encrypts for local storage, and resets the sync cursor to the server's
// current position, discarding whatever cursor was held before.
func (s *Service) RefreshItems(ctx context.Context, shareID string) error {
	lock := s.shareLock(shareID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.local.WipeShare(ctx, shareID); err != nil {
		return err
	}

	pageToken := ""
	for {
		page, err := s.remote.GetItemsPage(ctx, shareID, pageToken)
		if err != nil {
			return err
		}
		recs := make([]store.ItemRecord, 0, len(page.Items))
		for _, rev := range page.Items {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := s.localize(ctx, shareID, rev)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		if err := s.local.UpsertItems(ctx, recs); err != nil {
			return err
		}
		if page.Next == "" {
			break
		}
		pageToken = page.Next
	}

	if err := s.local.DeleteCursor(ctx, s.userID, shareID); err != nil {
		return err
	}
	eventID, err := s.remote.GetLastEventID(ctx, shareID)
	if err != nil {
		return err
	}
	if err := s.local.PutCursor(ctx, s.userID, shareID, eventID); err != nil {
		return err
	}
	s.bus.Publish(events.Event{Kind: events.ItemsChanged, ShareID: shareID})
	return nil
}

// ---- delta application (driven by the sync loop) ----

// ApplyDelta applies one event delta idempotently. A key-rotation flag in
// the delta invalidates the share's key cache before any item in the same
// delta is decrypted, so post-rotation items never meet pre-rotation keys.
func (s *Service) ApplyDelta(ctx context.Context, shareID string, delta api.Delta) error {
	lock := s.shareLock(shareID)
	lock.Lock()
	defer lock.Unlock()

	if delta.KeyRotated {
		if err := s.keys.Invalidate(ctx, shareID); err != nil {
			return err
		}
	}

	recs := make([]store.ItemRecord, 0, len(delta.Updated))
	for _, rev := range delta.Updated {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := s.localize(ctx, shareID, rev)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	if err := s.local.UpsertItems(ctx, recs); err != nil {
		return err
	}
	if err := s.local.DeleteItems(ctx, shareID, delta.DeletedIDs); err != nil {
		return err
	}
	if len(recs) > 0 || len(delta.DeletedIDs) > 0 {
		s.bus.Publish(events.Event{Kind: events.ItemsChanged, ShareID: shareID})
	}
	return nil
}

// ---- read paths ----

// Get returns one decrypted item from the local cache.
func (s *Service) Get(ctx context.Context, shareID, itemID string) (Item, error) {
	rec, err := s.local.GetItem(ctx, shareID, itemID)
	if errors.Is(err, store.ErrNotFound) {
		return Item{}, fmt.Errorf("%w: %s/%s", ErrItemNotFound, shareID, itemID)
	}
	if err != nil {
		return Item{}, err
	}
	return s.decryptRecord(rec)
}

// GetLogin returns the item only when it is a login. Credential and TOTP
// flows go through here so a note or alias can never be offered as a
// credential.
func (s *Service) GetLogin(ctx context.Context, shareID, itemID string) (Item, error) {
	it, err := s.Get(ctx, shareID, itemID)
	if err != nil {
		return Item{}, err
	}
	if it.Content.Type != TypeLogin {
		return Item{}, fmt.Errorf("%w: %s/%s is %s", ErrNotLoginItem, shareID, itemID, it.Content.Type)
	}
	return it, nil
}

// ListLogins decrypts the active login items of the given shares. The
// context is checked between items so a superseded request can bail without
// finishing the scan.
func (s *Service) ListLogins(ctx context.Context, shareIDs []string) ([]Item, error) {
	var out []Item
	for _, shareID := range shareIDs {
		recs, err := s.local.ListItemsByState(ctx, shareID, api.ItemStateActive)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			item, err := s.decryptRecord(rec)
			if err != nil {
				return nil, err
			}
			if item.Content.Type != TypeLogin {
				continue
			}
			out = append(out, item)
		}
	}
	return out, nil
}

// TOTPCreationThreshold returns the creation time of the nth-oldest active
// login carrying a one-time-password secret, or false when fewer than n
// exist. Gates rollouts by usage depth rather than calendar time.
func (s *Service) TOTPCreationThreshold(ctx context.Context, shareIDs []string, n int) (time.Time, bool, error) {
	if n <= 0 {
		return time.Time{}, false, fmt.Errorf("items: threshold count must be positive, got %d", n)
	}
	logins, err := s.ListLogins(ctx, shareIDs)
	if err != nil {
		return time.Time{}, false, err
	}
	var created []int64
	for _, item := range logins {
		if item.Content.TOTPURI == "" {
			continue
		}
		created = append(created, item.CreateTime)
	}
	if len(created) < n {
		return time.Time{}, false, nil
	}
	sort.Slice(created, func(i, j int) bool { return created[i] < created[j] })
	return time.Unix(created[n-1], 0), true, nil
}

// TouchLastUse records an autofill selection locally; the matcher uses it
// for tie-breaking.
func (s *Service) TouchLastUse(ctx context.Context, shareID, itemID string, when time.Time) error {
	lock := s.shareLock(shareID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.local.GetItem(ctx, shareID, itemID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s/%s", ErrItemNotFound, shareID, itemID)
	}
	if err != nil {
		return err
	}
	rec.LastUseTime = when.Unix()
	return s.local.UpsertItems(ctx, []store.ItemRecord{rec})
}

// ---- crypto plumbing ----

func sealForCreate(shareKey keys.DecryptedShareKey, content Content) (api.CreateItemRequest, error) {
	raw, err := content.encode()
	if err != nil {
		return api.CreateItemRequest{}, err
	}
	itemKey := make([]byte, 32)
	if _, err := rand.Read(itemKey); err != nil {
		return api.CreateItemRequest{}, err
	}
	defer crypto.Zero(itemKey)

	sealedContent, err := crypto.SealAEAD(itemKey, raw, crypto.TagItemContent)
	if err != nil {
		return api.CreateItemRequest{}, err
	}
	sealedKey, err := crypto.SealAEAD(shareKey.Key, itemKey, crypto.TagItemKey)
	if err != nil {
		return api.CreateItemRequest{}, err
	}
	return api.CreateItemRequest{
		ClientID:    uuid.NewString(),
		KeyRotation: shareKey.KeyRotation,
		ItemKey:     base64.StdEncoding.EncodeToString(sealedKey),
		Content:     base64.StdEncoding.EncodeToString(sealedContent),
	}, nil
}

// localize turns a server revision into a local record: open the network
// envelope (share key -> item key -> content), then wrap the plaintext under
// the device key. The local layer survives share-key rotation untouched.
func (s *Service) localize(ctx context.Context, shareID string, rev api.ItemRevision) (store.ItemRecord, error) {
	keyBlob, err := base64.StdEncoding.DecodeString(rev.ItemKey)
	if err != nil {
		return store.ItemRecord{}, fmt.Errorf("%w: item key: %v", keys.ErrBase64Decode, err)
	}
	contentBlob, err := base64.StdEncoding.DecodeString(rev.Content)
	if err != nil {
		return store.ItemRecord{}, fmt.Errorf("%w: content: %v", keys.ErrBase64Decode, err)
	}

	shareKey, err := s.keys.GetShareKey(ctx, shareID, rev.KeyRotation)
	if err != nil {
		return store.ItemRecord{}, err
	}
	itemKey, err := crypto.OpenAEAD(shareKey.Key, keyBlob, crypto.TagItemKey)
	if err != nil {
		return store.ItemRecord{}, err
	}
	defer crypto.Zero(itemKey)

	plaintext, err := crypto.OpenAEAD(itemKey, contentBlob, crypto.TagItemContent)
	if err != nil {
		return store.ItemRecord{}, err
	}
	defer crypto.Zero(plaintext)

	wrapped, err := crypto.Wrap(s.deviceKey, plaintext, crypto.TagLocalItem)
	if err != nil {
		return store.ItemRecord{}, err
	}
	return store.ItemRecord{
		ShareID:     shareID,
		ItemID:      rev.ItemID,
		Revision:    rev.Revision,
		KeyRotation: rev.KeyRotation,
		State:       rev.State,
		CreateTime:  rev.CreateTime,
		ModifyTime:  rev.ModifyTime,
		LastUseTime: rev.LastUseTime,
		Content:     wrapped,
	}, nil
}

func (s *Service) decryptRecord(rec store.ItemRecord) (Item, error) {
	plaintext, err := crypto.UnwrapAny(s.deviceKey, rec.Content, crypto.TagLocalItem)
	if err != nil {
		return Item{}, err
	}
	defer crypto.Zero(plaintext)

	content, err := decodeContent(plaintext)
	if err != nil {
		return Item{}, err
	}
	return Item{
		ShareID:     rec.ShareID,
		ItemID:      rec.ItemID,
		Revision:    rec.Revision,
		KeyRotation: rec.KeyRotation,
		State:       rec.State,
		CreateTime:  rec.CreateTime,
		ModifyTime:  rec.ModifyTime,
		LastUseTime: rec.LastUseTime,
		Content:     content,
	}, nil
}

func (s *Service) commitRevision(ctx context.Context, shareID string, rev api.ItemRevision) (Item, error) {
	lock := s.shareLock(shareID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.localize(ctx, shareID, rev)
	if err != nil {
		return Item{}, err
	}
	if err := s.local.UpsertItems(ctx, []store.ItemRecord{rec}); err != nil {
		return Item{}, err
	}
	s.bus.Publish(events.Event{Kind: events.ItemsChanged, ShareID: shareID})
	return s.decryptRecord(rec)
}
