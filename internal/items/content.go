package items

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrItemNotFound = errors.New("items: item not found")
	ErrNotLoginItem = errors.New("items: not a login item")
)

type ItemType string

const (
	TypeLogin ItemType = "login"
	TypeAlias ItemType = "alias"
	TypeNote  ItemType = "note"
)

// Content is the plaintext payload of an item. On the wire it travels sealed
// under the item key; at rest it is wrapped under the device key.
type Content struct {
	Type     ItemType `json:"type"`
	Name     string   `json:"name"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	URLs     []string `json:"urls,omitempty"`
	TOTPURI  string   `json:"totpUri,omitempty"`
	Note     string   `json:"note,omitempty"`

	// alias items
	AliasEmail string `json:"aliasEmail,omitempty"`
}

func (c Content) encode() ([]byte, error) {
	return json.Marshal(c)
}

func decodeContent(raw []byte) (Content, error) {
	var c Content
	if err := json.Unmarshal(raw, &c); err != nil {
		return Content{}, fmt.Errorf("items: decode content: %w", err)
	}
	return c, nil
}

// Item is a fully decrypted item revision as served to callers.
type Item struct {
	ShareID     string
	ItemID      string
	Revision    int64
	KeyRotation int64
	State       int
	CreateTime  int64
	ModifyTime  int64
	LastUseTime int64
	Content     Content
}

// Ref identifies an item independent of revision, for batched operations.
type Ref struct {
	ShareID string
	ItemID  string
}
