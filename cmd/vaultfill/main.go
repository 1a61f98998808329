// vaultfill is the autofill query surface: it ranks cached logins against a
// page URL, mints TOTP codes, and records credential use. It reads only the
// device-local cache; run vaultsyncd to keep that cache current.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"vaultpass/internal/api"
	"vaultpass/internal/crypto"
	"vaultpass/internal/devicekey"
	"vaultpass/internal/events"
	"vaultpass/internal/items"
	"vaultpass/internal/keys"
	"vaultpass/internal/match"
	"vaultpass/internal/profile"
	"vaultpass/internal/store"
	"vaultpass/internal/totp"
)

func main() {
	// ---- list ----
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listProfile := listCmd.String("profile", "./profile.json", "path to account profile")
	listPass := listCmd.String("passphrase", "", "device key passphrase (file-backed key only)")

	// ---- match ----
	matchCmd := flag.NewFlagSet("match", flag.ExitOnError)
	matchProfile := matchCmd.String("profile", "./profile.json", "path to account profile")
	matchPass := matchCmd.String("passphrase", "", "device key passphrase (file-backed key only)")
	matchURL := matchCmd.String("url", "", "page url or bare domain to match against")

	// ---- associate ----
	assocCmd := flag.NewFlagSet("associate", flag.ExitOnError)
	assocProfile := assocCmd.String("profile", "./profile.json", "path to account profile")
	assocPass := assocCmd.String("passphrase", "", "device key passphrase (file-backed key only)")
	assocShare := assocCmd.String("share", "", "share id")
	assocItem := assocCmd.String("item", "", "item id")
	assocURL := assocCmd.String("url", "", "url to attach to the login")

	// ---- totp ----
	totpCmd := flag.NewFlagSet("totp", flag.ExitOnError)
	totpProfile := totpCmd.String("profile", "./profile.json", "path to account profile")
	totpPass := totpCmd.String("passphrase", "", "device key passphrase (file-backed key only)")
	totpShare := totpCmd.String("share", "", "share id")
	totpItem := totpCmd.String("item", "", "item id")

	// ---- touch ----
	touchCmd := flag.NewFlagSet("touch", flag.ExitOnError)
	touchProfile := touchCmd.String("profile", "./profile.json", "path to account profile")
	touchPass := touchCmd.String("passphrase", "", "device key passphrase (file-backed key only)")
	touchShare := touchCmd.String("share", "", "share id")
	touchItem := touchCmd.String("item", "", "item id")

	if len(os.Args) < 2 {
		usage()
		return
	}

	switch os.Args[1] {
	case "list":
		_ = listCmd.Parse(os.Args[2:])
		eng, err := buildEngine(*listProfile, *listPass)
		dieIf(err)
		defer eng.close()
		dieIf(cmdList(eng))

	case "match":
		_ = matchCmd.Parse(os.Args[2:])
		eng, err := buildEngine(*matchProfile, *matchPass)
		dieIf(err)
		defer eng.close()
		dieIf(cmdMatch(eng, *matchURL))

	case "associate":
		_ = assocCmd.Parse(os.Args[2:])
		eng, err := buildEngine(*assocProfile, *assocPass)
		dieIf(err)
		defer eng.close()
		dieIf(cmdAssociate(eng, *assocShare, *assocItem, *assocURL))

	case "totp":
		_ = totpCmd.Parse(os.Args[2:])
		eng, err := buildEngine(*totpProfile, *totpPass)
		dieIf(err)
		defer eng.close()
		dieIf(cmdTOTP(eng, *totpShare, *totpItem))

	case "touch":
		_ = touchCmd.Parse(os.Args[2:])
		eng, err := buildEngine(*touchProfile, *touchPass)
		dieIf(err)
		defer eng.close()
		dieIf(cmdTouch(eng, *touchShare, *touchItem))

	default:
		usage()
	}
}

func usage() {
	fmt.Print(`vaultfill commands:

  list      --profile path [--passphrase p]
  match     --profile path --url https://sub.example.com/login [--passphrase p]
  associate --profile path --share <SHARE_ID> --item <ITEM_ID> --url example.com [--passphrase p]
  totp      --profile path --share <SHARE_ID> --item <ITEM_ID> [--passphrase p]
  touch     --profile path --share <SHARE_ID> --item <ITEM_ID> [--passphrase p]

Examples:
  vaultfill match --profile ./profile.json --url github.com
  vaultfill totp --profile ./profile.json --share s1 --item 42
`)
}

// ============ Engine Wiring ============

type engine struct {
	prof      *profile.Profile
	local     *store.BoltStore
	svc       *items.Service
	deviceKey []byte
}

func (e *engine) close() {
	crypto.Zero(e.deviceKey)
	_ = e.local.Close()
}

// allowedShares applies the plan gate before any query touches the cache.
func (e *engine) allowedShares() []string {
	return e.prof.Gate().AllowedShares(e.prof.APIShares())
}

func buildEngine(profilePath, passphrase string) (*engine, error) {
	prof, err := profile.Load(profilePath)
	if err != nil {
		return nil, err
	}

	var provider devicekey.Provider
	if prof.KeyFile != "" {
		if passphrase == "" {
			return nil, errors.New("file-backed device key needs --passphrase")
		}
		provider = &devicekey.FileProvider{Path: prof.KeyFile, Passphrase: []byte(passphrase)}
	} else {
		provider = &devicekey.KeyringProvider{Account: prof.UserID}
	}
	deviceKey, err := provider.Key()
	if err != nil {
		return nil, err
	}

	local, err := store.Open(prof.DBPath)
	if err != nil {
		crypto.Zero(deviceKey)
		return nil, err
	}

	session := api.NewSession(prof.SessionToken)
	remote, err := api.NewClient(api.Config{BaseURL: prof.BaseURL}, session)
	if err != nil {
		crypto.Zero(deviceKey)
		_ = local.Close()
		return nil, err
	}

	ring, err := prof.KeyRing()
	if err != nil {
		crypto.Zero(deviceKey)
		_ = local.Close()
		return nil, err
	}

	shareKeys := keys.NewShareKeyStore(remote, local, ring, deviceKey)
	manager := keys.NewManager(shareKeys, remote, deviceKey)
	logger := log.New(os.Stderr, "[vaultfill] ", log.LstdFlags)
	svc := items.NewService(remote, local, manager, deviceKey, prof.UserID, events.NewBus(), logger)

	return &engine{prof: prof, local: local, svc: svc, deviceKey: deviceKey}, nil
}

// ============ Commands ============

func cmdList(eng *engine) error {
	logins, err := eng.svc.ListLogins(context.Background(), eng.allowedShares())
	if err != nil {
		return err
	}
	return printJSON(loginRows(logins))
}

func cmdMatch(eng *engine, pageURL string) error {
	if pageURL == "" {
		return errors.New("--url required")
	}
	ctx := context.Background()
	logins, err := eng.svc.ListLogins(ctx, eng.allowedShares())
	if err != nil {
		return err
	}
	result, err := match.Rank(logins, []string{pageURL})
	if err != nil {
		return err
	}

	type row struct {
		ShareID  string `json:"shareId"`
		ItemID   string `json:"itemId"`
		Name     string `json:"name"`
		Username string `json:"username"`
		Score    int    `json:"score,omitempty"`
	}
	out := struct {
		Matched   []row `json:"matched"`
		Unmatched []row `json:"unmatched"`
	}{}
	for _, m := range result.Matched {
		out.Matched = append(out.Matched, row{m.Item.ShareID, m.Item.ItemID, m.Item.Content.Name, m.Item.Content.Username, m.Score})
	}
	for _, it := range result.Unmatched {
		out.Unmatched = append(out.Unmatched, row{it.ShareID, it.ItemID, it.Content.Name, it.Content.Username, 0})
	}
	return printJSON(out)
}

func cmdAssociate(eng *engine, shareID, itemID, pageURL string) error {
	if shareID == "" || itemID == "" || pageURL == "" {
		return errors.New("--share, --item and --url required")
	}
	ctx := context.Background()
	it, err := eng.svc.GetLogin(ctx, shareID, itemID)
	if err != nil {
		return err
	}
	content, err := match.Associate(it.Content, pageURL)
	if err != nil {
		return err
	}
	updated, err := eng.svc.Update(ctx, shareID, itemID, content)
	if err != nil {
		return err
	}
	fmt.Printf("associated %s with %s (revision %d)\n", pageURL, itemID, updated.Revision)
	return eng.svc.TouchLastUse(ctx, shareID, itemID, time.Now())
}

func cmdTOTP(eng *engine, shareID, itemID string) error {
	if shareID == "" || itemID == "" {
		return errors.New("--share and --item required")
	}
	ctx := context.Background()
	it, err := eng.svc.GetLogin(ctx, shareID, itemID)
	if err != nil {
		return err
	}
	if it.Content.TOTPURI == "" {
		return errors.New("login has no totp configured")
	}
	code, remaining, err := totp.GenerateCode(it.Content.TOTPURI, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("%s (valid %ds)\n", code, remaining)
	return eng.svc.TouchLastUse(ctx, shareID, itemID, time.Now())
}

func cmdTouch(eng *engine, shareID, itemID string) error {
	if shareID == "" || itemID == "" {
		return errors.New("--share and --item required")
	}
	return eng.svc.TouchLastUse(context.Background(), shareID, itemID, time.Now())
}

// ============ Utilities ============

type loginRow struct {
	ShareID  string   `json:"shareId"`
	ItemID   string   `json:"itemId"`
	Name     string   `json:"name"`
	Username string   `json:"username"`
	URLs     []string `json:"urls,omitempty"`
	HasTOTP  bool     `json:"hasTotp"`
	LastUse  int64    `json:"lastUse,omitempty"`
}

func loginRows(logins []items.Item) []loginRow {
	rows := make([]loginRow, 0, len(logins))
	for _, it := range logins {
		rows = append(rows, loginRow{
			ShareID:  it.ShareID,
			ItemID:   it.ItemID,
			Name:     it.Content.Name,
			Username: it.Content.Username,
			URLs:     it.Content.URLs,
			HasTOTP:  it.Content.TOTPURI != "",
			LastUse:  it.LastUseTime,
		})
	}
	return rows
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func dieIf(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
