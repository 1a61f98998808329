// vaultsyncd keeps the device-local item cache current. It wires the store,
// API client, and key layer together, then runs the delta-sync loop until
// interrupted. A forced-logout event tears everything down and wipes the
// cache.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vaultpass/internal/api"
	"vaultpass/internal/crypto"
	"vaultpass/internal/devicekey"
	"vaultpass/internal/events"
	"vaultpass/internal/items"
	"vaultpass/internal/keys"
	"vaultpass/internal/profile"
	"vaultpass/internal/store"
	vsync "vaultpass/internal/sync"
)

func main() {
	profilePath := flag.String("profile", "./profile.json", "path to account profile")
	interval := flag.Duration("interval", time.Minute, "sync poll interval")
	passphrase := flag.String("passphrase", "", "device key passphrase (file-backed key only)")
	once := flag.Bool("once", false, "run a single sync pass and exit")
	force := flag.Bool("force", false, "discard cursors and resync from the current event head")
	flag.Parse()

	logger := log.New(os.Stderr, "[vaultsyncd] ", log.LstdFlags)

	prof, err := profile.Load(*profilePath)
	dieIf(err)

	deviceKey, provider, err := openDeviceKey(prof, *passphrase)
	dieIf(err)
	defer crypto.Zero(deviceKey)

	local, err := store.Open(prof.DBPath)
	dieIf(err)
	defer local.Close()

	session := api.NewSession(prof.SessionToken)
	remote, err := api.NewClient(api.Config{BaseURL: prof.BaseURL}, session)
	dieIf(err)

	ring, err := prof.KeyRing()
	dieIf(err)

	shareKeys := keys.NewShareKeyStore(remote, local, ring, deviceKey)
	manager := keys.NewManager(shareKeys, remote, deviceKey)

	bus := events.NewBus()
	svc := items.NewService(remote, local, manager, deviceKey, prof.UserID, bus, logger)

	loop := vsync.NewLoop(vsync.Config{UserID: prof.UserID, Interval: *interval}, remote, local, svc, bus, logger)
	loop.SetShares(prof.ShareIDs())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Println("shutting down")
		cancel()
	}()

	// A forced logout means the account's key material is no longer
	// trustworthy: wipe everything this device holds and stop.
	evCh, unsubscribe := bus.Subscribe(16)
	defer unsubscribe()
	go func() {
		for ev := range evCh {
			if ev.Kind != events.ForcedLogout {
				continue
			}
			logger.Printf("forced logout (share %s): wiping local state", ev.ShareID)
			manager.Wipe()
			ring.Wipe()
			if err := local.WipeAll(context.Background()); err != nil {
				logger.Printf("wipe: %v", err)
			}
			if err := provider.Forget(); err != nil {
				logger.Printf("device key: %v", err)
			}
			cancel()
			return
		}
	}()

	if *once {
		loop.Iterate(ctx, *force)
		return
	}
	if *force {
		loop.ForceSync(true)
	}
	logger.Printf("syncing %d share(s) every %s", len(prof.Shares), *interval)
	loop.Run(ctx)
}

type keyProvider interface {
	Key() ([]byte, error)
	Forget() error
}

func openDeviceKey(prof *profile.Profile, passphrase string) ([]byte, keyProvider, error) {
	var provider keyProvider
	if prof.KeyFile != "" {
		if passphrase == "" {
			return nil, nil, fmt.Errorf("file-backed device key needs --passphrase")
		}
		provider = &devicekey.FileProvider{Path: prof.KeyFile, Passphrase: []byte(passphrase)}
	} else {
		provider = &devicekey.KeyringProvider{Account: prof.UserID}
	}
	key, err := provider.Key()
	if err != nil {
		return nil, nil, err
	}
	return key, provider, nil
}

func dieIf(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
