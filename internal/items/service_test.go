package items

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"vaultpass/internal/api"
	"vaultpass/internal/crypto"
	"vaultpass/internal/events"
	"vaultpass/internal/identity"
	"vaultpass/internal/keys"
	"vaultpass/internal/store"
)

// fakeServer is an in-memory stand-in for the vault service. It hands out
// real envelopes so the full decrypt path runs in tests.
type fakeServer struct {
	mu sync.Mutex

	shareKeyEnvs map[string][]api.ShareKeyEnvelope
	items        map[string]map[string]api.ItemRevision // shareID -> itemID
	nextItem     int
	lastEventID  map[string]string

	trashCalls  int
	failTrashOn int // fail the nth TrashItems call, 0 = never
	failDelete  bool
	pageSize    int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		shareKeyEnvs: make(map[string][]api.ShareKeyEnvelope),
		items:        make(map[string]map[string]api.ItemRevision),
		lastEventID:  make(map[string]string),
		pageSize:     100,
	}
}

func (f *fakeServer) put(shareID string, rev api.ItemRevision) {
	if f.items[shareID] == nil {
		f.items[shareID] = make(map[string]api.ItemRevision)
	}
	f.items[shareID][rev.ItemID] = rev
}

func (f *fakeServer) GetShareKeys(_ context.Context, shareID string) ([]api.ShareKeyEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shareKeyEnvs[shareID], nil
}

func (f *fakeServer) GetLatestItemKey(_ context.Context, shareID, itemID string) (api.ItemKeyEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rev, ok := f.items[shareID][itemID]
	if !ok {
		return api.ItemKeyEnvelope{}, &api.StatusError{Status: 404, Code: "not_found"}
	}
	return api.ItemKeyEnvelope{ItemID: itemID, KeyRotation: rev.KeyRotation, Key: rev.ItemKey}, nil
}

func (f *fakeServer) CreateItem(_ context.Context, shareID string, req api.CreateItemRequest) (api.ItemRevision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextItem++
	now := time.Now().Unix()
	rev := api.ItemRevision{
		ShareID:     shareID,
		ItemID:      fmt.Sprintf("item-%d", f.nextItem),
		Revision:    1,
		KeyRotation: req.KeyRotation,
		State:       api.ItemStateActive,
		Content:     req.Content,
		ItemKey:     req.ItemKey,
		CreateTime:  now,
		ModifyTime:  now,
	}
	f.put(shareID, rev)
	return rev, nil
}

func (f *fakeServer) CreateAlias(ctx context.Context, shareID string, req api.CreateAliasRequest) (api.ItemRevision, error) {
	return f.CreateItem(ctx, shareID, req.Item)
}

func (f *fakeServer) CreateAliasAndOtherItem(ctx context.Context, shareID string, req api.CreateAliasAndItemRequest) (api.AliasAndItemBundle, error) {
	alias, err := f.CreateItem(ctx, shareID, req.Alias.Item)
	if err != nil {
		return api.AliasAndItemBundle{}, err
	}
	other, err := f.CreateItem(ctx, shareID, req.Other)
	if err != nil {
		return api.AliasAndItemBundle{}, err
	}
	return api.AliasAndItemBundle{Alias: alias, Other: other}, nil
}

func (f *fakeServer) UpdateItem(_ context.Context, shareID, itemID string, req api.UpdateItemRequest) (api.ItemRevision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rev, ok := f.items[shareID][itemID]
	if !ok {
		return api.ItemRevision{}, &api.StatusError{Status: 404, Code: "not_found"}
	}
	if rev.Revision != req.LastRevision {
		return api.ItemRevision{}, &api.StatusError{Status: 409, Code: "conflict"}
	}
	rev.Revision++
	rev.Content = req.Content
	rev.KeyRotation = req.KeyRotation
	rev.ModifyTime = time.Now().Unix()
	f.put(shareID, rev)
	return rev, nil
}

func (f *fakeServer) TrashItems(_ context.Context, shareID string, refs []api.ItemRef) ([]api.ItemRevision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trashCalls++
	if f.failTrashOn != 0 && f.trashCalls == f.failTrashOn {
		return nil, api.ErrNetwork
	}
	out := make([]api.ItemRevision, 0, len(refs))
	for _, ref := range refs {
		rev := f.items[shareID][ref.ItemID]
		rev.Revision++
		rev.State = api.ItemStateTrashed
		f.put(shareID, rev)
		out = append(out, rev)
	}
	return out, nil
}

func (f *fakeServer) UntrashItems(_ context.Context, shareID string, refs []api.ItemRef) ([]api.ItemRevision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]api.ItemRevision, 0, len(refs))
	for _, ref := range refs {
		rev := f.items[shareID][ref.ItemID]
		rev.Revision++
		rev.State = api.ItemStateActive
		f.put(shareID, rev)
		out = append(out, rev)
	}
	return out, nil
}

func (f *fakeServer) DeleteItems(_ context.Context, shareID string, refs []api.ItemRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete {
		return api.ErrNetwork
	}
	for _, ref := range refs {
		delete(f.items[shareID], ref.ItemID)
	}
	return nil
}

func (f *fakeServer) GetItemsPage(_ context.Context, shareID, pageToken string) (api.ItemsPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []api.ItemRevision
	for _, rev := range f.items[shareID] {
		all = append(all, rev)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ItemID < all[j].ItemID })
	// token is a numeric offset for the fake
	start := 0
	if pageToken != "" {
		fmt.Sscanf(pageToken, "%d", &start)
	}
	end := start + f.pageSize
	if end > len(all) {
		end = len(all)
	}
	page := api.ItemsPage{Items: all[start:end]}
	if end < len(all) {
		page.Next = fmt.Sprintf("%d", end)
	}
	return page, nil
}

func (f *fakeServer) GetLastEventID(_ context.Context, shareID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastEventID[shareID], nil
}

func (f *fakeServer) GetEvents(_ context.Context, shareID, sinceEventID string) (api.Delta, error) {
	return api.Delta{LatestEventID: sinceEventID}, nil
}

var _ api.Service = (*fakeServer)(nil)

type fixture struct {
	server    *fakeServer
	local     *store.BoltStore
	manager   *keys.Manager
	svc       *Service
	deviceKey []byte
	shareRaw  map[string][]byte // shareID -> rotation-1 raw key
	userKey   *identity.UserKey
	signer    ed25519.PrivateKey
}

func newFixture(t *testing.T, shareIDs ...string) *fixture {
	t.Helper()
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("x25519: %v", err)
	}
	pub, signer, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519: %v", err)
	}
	uk := identity.NewUserKey("uk1", true, priv)
	ring := identity.NewKeyRing()
	ring.AddUserKey(uk)
	ring.AddVerifyKey(pub)

	deviceKey := make([]byte, 32)
	if _, err := rand.Read(deviceKey); err != nil {
		t.Fatalf("device key: %v", err)
	}

	local, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = local.Close() })

	server := newFakeServer()
	shareRaw := make(map[string][]byte)
	for _, shareID := range shareIDs {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			t.Fatalf("share key: %v", err)
		}
		shareRaw[shareID] = raw
		env, err := identity.Seal(uk.Public(), raw, signer)
		if err != nil {
			t.Fatalf("seal share key: %v", err)
		}
		server.shareKeyEnvs[shareID] = []api.ShareKeyEnvelope{{
			KeyRotation:  1,
			UserKeyID:    "uk1",
			EphemeralPub: base64.StdEncoding.EncodeToString(env.EphemeralPub),
			Key:          base64.StdEncoding.EncodeToString(env.Ciphertext),
			Signature:    base64.StdEncoding.EncodeToString(env.Signature),
		}}
	}

	shares := keys.NewShareKeyStore(server, local, ring, deviceKey)
	manager := keys.NewManager(shares, server, deviceKey)
	logger := log.New(io.Discard, "", 0)
	svc := NewService(server, local, manager, deviceKey, "u1", events.NewBus(), logger)
	return &fixture{
		server:    server,
		local:     local,
		manager:   manager,
		svc:       svc,
		deviceKey: deviceKey,
		shareRaw:  shareRaw,
		userKey:   uk,
		signer:    signer,
	}
}

// seedServerItem plants an item on the fake server encrypted the way a real
// client would have uploaded it.
func (fx *fixture) seedServerItem(t *testing.T, shareID, itemID string, content Content, createTime int64) {
	t.Helper()
	raw, err := content.encode()
	if err != nil {
		t.Fatalf("encode content: %v", err)
	}
	itemKey := make([]byte, 32)
	if _, err := rand.Read(itemKey); err != nil {
		t.Fatalf("item key: %v", err)
	}
	sealedContent, err := crypto.SealAEAD(itemKey, raw, crypto.TagItemContent)
	if err != nil {
		t.Fatalf("seal content: %v", err)
	}
	sealedKey, err := crypto.SealAEAD(fx.shareRaw[shareID], itemKey, crypto.TagItemKey)
	if err != nil {
		t.Fatalf("seal item key: %v", err)
	}
	fx.server.mu.Lock()
	fx.server.put(shareID, api.ItemRevision{
		ShareID:     shareID,
		ItemID:      itemID,
		Revision:    1,
		KeyRotation: 1,
		State:       api.ItemStateActive,
		Content:     base64.StdEncoding.EncodeToString(sealedContent),
		ItemKey:     base64.StdEncoding.EncodeToString(sealedKey),
		CreateTime:  createTime,
		ModifyTime:  createTime,
	})
	fx.server.mu.Unlock()
}

func login(name string, urls ...string) Content {
	return Content{Type: TypeLogin, Name: name, Username: "alice", Password: "s3cret", URLs: urls}
}

func TestCreateRoundTrip(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "s1")

	item, err := fx.svc.Create(ctx, "s1", login("example", "https://example.com"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := fx.svc.Get(ctx, "s1", item.ItemID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content.Password != "s3cret" || got.Content.Name != "example" {
		t.Fatalf("content mismatch after local round trip: %+v", got.Content)
	}
	if got.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", got.Revision)
	}
}

func TestGetLoginRejectsOtherTypes(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "s1")

	note, err := fx.svc.Create(ctx, "s1", Content{Type: TypeNote, Name: "memo", Note: "text"})
	if err != nil {
		t.Fatalf("create note: %v", err)
	}
	if _, err := fx.svc.GetLogin(ctx, "s1", note.ItemID); !errors.Is(err, ErrNotLoginItem) {
		t.Fatalf("expected ErrNotLoginItem for a note, got %v", err)
	}

	item, err := fx.svc.Create(ctx, "s1", login("example"))
	if err != nil {
		t.Fatalf("create login: %v", err)
	}
	got, err := fx.svc.GetLogin(ctx, "s1", item.ItemID)
	if err != nil {
		t.Fatalf("get login: %v", err)
	}
	if got.Content.Type != TypeLogin {
		t.Fatalf("expected login content, got %s", got.Content.Type)
	}
}

func TestUpdateReplacesRevision(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "s1")

	item, err := fx.svc.Create(ctx, "s1", login("example"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	updated := item.Content
	updated.Password = "rotated"
	after, err := fx.svc.Update(ctx, "s1", item.ItemID, updated)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if after.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", after.Revision)
	}
	recs, err := fx.local.ListItems(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected a single cached record, got %d", len(recs))
	}
	got, err := fx.svc.Get(ctx, "s1", item.ItemID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content.Password != "rotated" {
		t.Fatal("expected updated password")
	}
}

func TestCreateAliasAndOtherItem(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "s1")

	aliasContent := Content{Type: TypeAlias, Name: "hide-my-email", AliasEmail: "x.y@alias.test"}
	alias, other, err := fx.svc.CreateAliasAndOtherItem(ctx, "s1", "x.y", "@alias.test", aliasContent, login("site", "https://site.test"))
	if err != nil {
		t.Fatalf("create bundle: %v", err)
	}
	if alias.Content.Type != TypeAlias || other.Content.Type != TypeLogin {
		t.Fatalf("unexpected bundle types: %s/%s", alias.Content.Type, other.Content.Type)
	}
	recs, _ := fx.local.ListItems(ctx, "s1")
	if len(recs) != 2 {
		t.Fatalf("expected 2 cached records, got %d", len(recs))
	}
}

func TestTrashChunkedPartialFailure(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "s1")

	var refs []Ref
	for i := 0; i < 150; i++ {
		id := fmt.Sprintf("i%03d", i)
		fx.seedServerItem(t, "s1", id, login(id), int64(1000+i))
		refs = append(refs, Ref{ShareID: "s1", ItemID: id})
	}
	if err := fx.svc.RefreshItems(ctx, "s1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	fx.server.failTrashOn = 2
	err := fx.svc.Trash(ctx, refs)
	var partial *BatchPartialError
	if !errors.As(err, &partial) {
		t.Fatalf("expected BatchPartialError, got %v", err)
	}
	if partial.Applied != 99 || partial.Remaining != 51 {
		t.Fatalf("expected 99 applied / 51 remaining, got %d/%d", partial.Applied, partial.Remaining)
	}
	if fx.server.trashCalls != 2 {
		t.Fatalf("expected exactly 2 remote calls, got %d", fx.server.trashCalls)
	}

	trashed, _ := fx.local.ListItemsByState(ctx, "s1", api.ItemStateTrashed)
	active, _ := fx.local.ListItemsByState(ctx, "s1", api.ItemStateActive)
	if len(trashed) != 99 || len(active) != 51 {
		t.Fatalf("expected 99 trashed / 51 active locally, got %d/%d", len(trashed), len(active))
	}
}

func TestTrashUntrashRoundTrip(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "s1")

	item, err := fx.svc.Create(ctx, "s1", login("example"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ref := Ref{ShareID: "s1", ItemID: item.ItemID}
	if err := fx.svc.Trash(ctx, []Ref{ref}); err != nil {
		t.Fatalf("trash: %v", err)
	}
	got, _ := fx.svc.Get(ctx, "s1", item.ItemID)
	if got.State != api.ItemStateTrashed {
		t.Fatalf("expected trashed, got state %d", got.State)
	}
	if err := fx.svc.Untrash(ctx, []Ref{ref}); err != nil {
		t.Fatalf("untrash: %v", err)
	}
	got, _ = fx.svc.Get(ctx, "s1", item.ItemID)
	if got.State != api.ItemStateActive {
		t.Fatalf("expected active, got state %d", got.State)
	}
}

func TestMoveDeleteFailureLeavesDuplicate(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "s1", "s2")

	item, err := fx.svc.Create(ctx, "s1", login("movable"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fx.server.failDelete = true
	_, err = fx.svc.Move(ctx, Ref{ShareID: "s1", ItemID: item.ItemID}, "s2")
	if err == nil {
		t.Fatal("expected move error when source delete fails")
	}
	// the known two-phase limitation: item now exists in both shares
	if _, err := fx.svc.Get(ctx, "s1", item.ItemID); err != nil {
		t.Fatalf("source item should persist: %v", err)
	}
	s2, _ := fx.local.ListItems(ctx, "s2")
	if len(s2) != 1 {
		t.Fatalf("expected duplicated item in destination, got %d", len(s2))
	}
}

func TestMoveHappyPath(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "s1", "s2")

	item, err := fx.svc.Create(ctx, "s1", login("movable"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	moved, err := fx.svc.Move(ctx, Ref{ShareID: "s1", ItemID: item.ItemID}, "s2")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.ShareID != "s2" {
		t.Fatalf("expected item in s2, got %s", moved.ShareID)
	}
	if _, err := fx.svc.Get(ctx, "s1", item.ItemID); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected source gone, got %v", err)
	}
}

func TestRefreshItemsResetsCacheAndCursor(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "s1")

	// stale local entry that no longer exists remotely
	stale, err := fx.svc.Create(ctx, "s1", login("stale"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fx.server.mu.Lock()
	delete(fx.server.items["s1"], stale.ItemID)
	fx.server.mu.Unlock()

	fx.seedServerItem(t, "s1", "fresh1", login("fresh1"), 100)
	fx.seedServerItem(t, "s1", "fresh2", login("fresh2"), 200)
	fx.server.pageSize = 1 // force pagination
	fx.server.lastEventID["s1"] = "ev-head"
	_ = fx.local.PutCursor(ctx, "u1", "s1", "ev-stale")

	if err := fx.svc.RefreshItems(ctx, "s1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	recs, _ := fx.local.ListItems(ctx, "s1")
	if len(recs) != 2 {
		t.Fatalf("expected 2 items after full resync, got %d", len(recs))
	}
	if _, err := fx.svc.Get(ctx, "s1", stale.ItemID); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("stale item should be gone, got %v", err)
	}
	cursor, _ := fx.local.GetCursor(ctx, "u1", "s1")
	if cursor != "ev-head" {
		t.Fatalf("expected cursor ev-head, got %q", cursor)
	}
}

func TestTOTPCreationThreshold(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "s1")

	withTOTP := func(name string, created int64) {
		c := login(name)
		c.TOTPURI = "otpauth://totp/" + name + "?secret=ABCDEF"
		fx.seedServerItem(t, "s1", name, c, created)
	}
	withTOTP("t1", 100)
	withTOTP("t2", 300)
	fx.seedServerItem(t, "s1", "plain", login("plain"), 200)
	withTOTP("t3", 50)

	if err := fx.svc.RefreshItems(ctx, "s1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	got, ok, err := fx.svc.TOTPCreationThreshold(ctx, []string{"s1"}, 2)
	if err != nil || !ok {
		t.Fatalf("threshold: ok=%v err=%v", ok, err)
	}
	if got.Unix() != 100 {
		t.Fatalf("expected 2nd-oldest totp login at t=100, got %d", got.Unix())
	}

	if _, ok, err := fx.svc.TOTPCreationThreshold(ctx, []string{"s1"}, 4); err != nil || ok {
		t.Fatalf("expected no threshold with only 3 totp logins, ok=%v err=%v", ok, err)
	}
}

func TestApplyDeltaIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "s1")

	fx.seedServerItem(t, "s1", "i1", login("one"), 100)
	fx.seedServerItem(t, "s1", "gone", login("gone"), 50)
	if err := fx.svc.RefreshItems(ctx, "s1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	fx.server.mu.Lock()
	updated := fx.server.items["s1"]["i1"]
	fx.server.mu.Unlock()
	updated.Revision = 2
	delta := api.Delta{
		LatestEventID: "ev2",
		Updated:       []api.ItemRevision{updated},
		DeletedIDs:    []string{"gone"},
	}

	for i := 0; i < 2; i++ {
		if err := fx.svc.ApplyDelta(ctx, "s1", delta); err != nil {
			t.Fatalf("apply pass %d: %v", i+1, err)
		}
	}

	recs, _ := fx.local.ListItems(ctx, "s1")
	if len(recs) != 1 {
		t.Fatalf("expected 1 item after double apply, got %d", len(recs))
	}
	if recs[0].ItemID != "i1" || recs[0].Revision != 2 {
		t.Fatalf("unexpected surviving record: %+v", recs[0])
	}
}

func TestApplyDeltaRotationInvalidatesBeforeDecrypt(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "s1")

	// warm the key cache at rotation 1
	if _, err := fx.svc.Create(ctx, "s1", login("warm")); err != nil {
		t.Fatalf("create: %v", err)
	}

	// the server rotates: a second generation appears, and the delta carries
	// an item encrypted under it
	rot2 := make([]byte, 32)
	if _, err := rand.Read(rot2); err != nil {
		t.Fatalf("rot2 key: %v", err)
	}
	env2, err := identity.Seal(fx.userKey.Public(), rot2, fx.signer)
	if err != nil {
		t.Fatalf("seal rot2: %v", err)
	}
	fx.server.mu.Lock()
	fx.server.shareKeyEnvs["s1"] = append(fx.server.shareKeyEnvs["s1"], api.ShareKeyEnvelope{
		KeyRotation:  2,
		UserKeyID:    "uk1",
		EphemeralPub: base64.StdEncoding.EncodeToString(env2.EphemeralPub),
		Key:          base64.StdEncoding.EncodeToString(env2.Ciphertext),
		Signature:    base64.StdEncoding.EncodeToString(env2.Signature),
	})
	fx.server.mu.Unlock()

	raw, _ := login("post-rotation").encode()
	itemKey := make([]byte, 32)
	if _, err := rand.Read(itemKey); err != nil {
		t.Fatalf("item key: %v", err)
	}
	sealedContent, err := crypto.SealAEAD(itemKey, raw, crypto.TagItemContent)
	if err != nil {
		t.Fatalf("seal content: %v", err)
	}
	sealedKey, err := crypto.SealAEAD(rot2, itemKey, crypto.TagItemKey)
	if err != nil {
		t.Fatalf("seal item key: %v", err)
	}
	delta := api.Delta{
		LatestEventID: "ev-rot",
		KeyRotated:    true,
		Updated: []api.ItemRevision{{
			ItemID:      "rotated-item",
			Revision:    1,
			KeyRotation: 2,
			State:       api.ItemStateActive,
			Content:     base64.StdEncoding.EncodeToString(sealedContent),
			ItemKey:     base64.StdEncoding.EncodeToString(sealedKey),
			CreateTime:  500,
		}},
	}

	// without the invalidate-first rule the stale generation-1 cache would
	// miss rotation 2 and this apply would fail
	if err := fx.svc.ApplyDelta(ctx, "s1", delta); err != nil {
		t.Fatalf("apply rotated delta: %v", err)
	}
	got, err := fx.svc.Get(ctx, "s1", "rotated-item")
	if err != nil {
		t.Fatalf("get rotated item: %v", err)
	}
	if got.Content.Name != "post-rotation" {
		t.Fatalf("unexpected content: %+v", got.Content)
	}
}

func TestListLoginsHonorsCancellation(t *testing.T) {
	fx := newFixture(t, "s1")
	ctx := context.Background()
	if _, err := fx.svc.Create(ctx, "s1", login("a")); err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := fx.svc.ListLogins(cancelled, []string{"s1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
