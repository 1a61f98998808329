// Package profile loads the account material the engine binaries need:
// session token, identity keys, the share list, and local paths. The
// profile file is produced by the login flow, which lives outside this
// engine.
package profile

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"vaultpass/internal/api"
	"vaultpass/internal/identity"
	"vaultpass/internal/match"
)

var ErrNoActiveKey = errors.New("profile: no active identity key")

type IdentityKey struct {
	KeyID      string `json:"keyId"`
	Active     bool   `json:"active"`
	PrivateKey string `json:"privateKey"` // base64 X25519 scalar
}

type ShareInfo struct {
	ShareID    string `json:"shareId"`
	Owner      bool   `json:"owner"`
	Primary    bool   `json:"primary"`
	CreateTime int64  `json:"createTime"`
}

type Profile struct {
	BaseURL      string        `json:"baseUrl"`
	UserID       string        `json:"userId"`
	SessionToken string        `json:"sessionToken"`
	Plan         string        `json:"plan"`
	NewVaultGate bool          `json:"newVaultGate"`
	DBPath       string        `json:"dbPath"`
	KeyFile      string        `json:"keyFile"` // set when the host has no OS keyring
	Keys         []IdentityKey `json:"keys"`
	VerifyKeys   []string      `json:"verifyKeys"` // base64 Ed25519 public keys
	Shares       []ShareInfo   `json:"shares"`
}

func (p *Profile) setDefaults() {
	if p.DBPath == "" {
		p.DBPath = "./vaultpass.db"
	}
	if p.Plan == "" {
		p.Plan = string(match.PlanFree)
	}
}

func Load(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("profile: parse %s: %w", path, err)
	}
	p.setDefaults()
	if p.BaseURL == "" {
		return nil, errors.New("profile: baseUrl required")
	}
	if p.UserID == "" {
		return nil, errors.New("profile: userId required")
	}
	return &p, nil
}

// KeyRing builds the identity ring from the profile's key material. At
// least one active key must be present; refreshing share keys is impossible
// without one.
func (p *Profile) KeyRing() (*identity.KeyRing, error) {
	ring := identity.NewKeyRing()
	active := false
	for _, k := range p.Keys {
		raw, err := base64.StdEncoding.DecodeString(k.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("profile: key %s: %w", k.KeyID, err)
		}
		priv, err := ecdh.X25519().NewPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("profile: key %s: %w", k.KeyID, err)
		}
		ring.AddUserKey(identity.NewUserKey(k.KeyID, k.Active, priv))
		active = active || k.Active
	}
	if !active {
		return nil, ErrNoActiveKey
	}
	for i, enc := range p.VerifyKeys {
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("profile: verify key %d: %w", i, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("profile: verify key %d: bad length %d", i, len(raw))
		}
		ring.AddVerifyKey(ed25519.PublicKey(raw))
	}
	return ring, nil
}

// APIShares converts the profile share list into the wire representation
// the matcher's plan gate consumes.
func (p *Profile) APIShares() []api.Share {
	out := make([]api.Share, 0, len(p.Shares))
	for _, s := range p.Shares {
		out = append(out, api.Share{
			ShareID:    s.ShareID,
			Owner:      s.Owner,
			Primary:    s.Primary,
			CreateTime: s.CreateTime,
		})
	}
	return out
}

// Gate derives the vault-visibility gate from the plan fields.
func (p *Profile) Gate() match.Gate {
	return match.Gate{Plan: match.Plan(p.Plan), TwoOldestVaults: p.NewVaultGate}
}

// ShareIDs lists every share id in the profile, for the sync loop.
func (p *Profile) ShareIDs() []string {
	out := make([]string, 0, len(p.Shares))
	for _, s := range p.Shares {
		out = append(out, s.ShareID)
	}
	return out
}
