package api

// Wire types for the vault service. Field names follow the JSON the service
// speaks; all binary material travels base64-encoded.

type Share struct {
	ShareID    string `json:"shareId"`
	Owner      bool   `json:"owner"`
	Primary    bool   `json:"primary"`
	CreateTime int64  `json:"createTime"`
}

// ShareKeyEnvelope is one key generation for a share, encrypted to the
// owning user's identity key and signed by the sharer.
type ShareKeyEnvelope struct {
	KeyRotation  int64  `json:"keyRotation"`
	UserKeyID    string `json:"userKeyId"`
	EphemeralPub string `json:"ephemeralPub"` // base64
	Key          string `json:"key"`          // base64, sealed raw share key
	Signature    string `json:"signature"`    // base64, over the raw key
}

// ItemKeyEnvelope is an item's key sealed under its share key at a given
// rotation (AEAD, item-key context tag).
type ItemKeyEnvelope struct {
	ItemID      string `json:"itemId"`
	KeyRotation int64  `json:"keyRotation"`
	Key         string `json:"key"` // base64
}

// Item lifecycle states as the service reports them.
const (
	ItemStateActive  = 1
	ItemStateTrashed = 2
)

// ItemRevision is one immutable snapshot of an item. Content is sealed under
// the item key (item-content context tag).
type ItemRevision struct {
	ShareID     string `json:"shareId"`
	ItemID      string `json:"itemId"`
	Revision    int64  `json:"revision"`
	KeyRotation int64  `json:"keyRotation"`
	State       int    `json:"state"`
	Content     string `json:"content"` // base64
	ItemKey     string `json:"itemKey"` // base64, sealed under share key
	CreateTime  int64  `json:"createTime"`
	ModifyTime  int64  `json:"modifyTime"`
	LastUseTime int64  `json:"lastUseTime"`
}

type CreateItemRequest struct {
	ClientID    string `json:"clientId"` // uuid, correlation only
	KeyRotation int64  `json:"keyRotation"`
	ItemKey     string `json:"itemKey"` // base64
	Content     string `json:"content"` // base64
}

type CreateAliasRequest struct {
	Item   CreateItemRequest `json:"item"`
	Prefix string            `json:"prefix"`
	Suffix string            `json:"suffix"`
}

// CreateAliasAndItemRequest bundles an alias creation with a second item
// (typically the login that uses the alias as its username) in one call.
type CreateAliasAndItemRequest struct {
	Alias CreateAliasRequest `json:"alias"`
	Other CreateItemRequest  `json:"other"`
}

type AliasAndItemBundle struct {
	Alias ItemRevision `json:"alias"`
	Other ItemRevision `json:"other"`
}

type UpdateItemRequest struct {
	LastRevision int64  `json:"lastRevision"`
	KeyRotation  int64  `json:"keyRotation"`
	Content      string `json:"content"` // base64
}

// ItemRef identifies one revision of one item in batched state changes.
type ItemRef struct {
	ItemID   string `json:"itemId"`
	Revision int64  `json:"revision"`
}

type ItemsPage struct {
	Items []ItemRevision `json:"items"`
	Next  string         `json:"next"` // empty when this is the last page
}

// Delta is the set of changes for a share since a cursor position.
type Delta struct {
	LatestEventID string         `json:"latestEventId"`
	Updated       []ItemRevision `json:"updated"`
	DeletedIDs    []string       `json:"deletedIds"`
	KeyRotated    bool           `json:"keyRotated"`
	More          bool           `json:"more"`
}
