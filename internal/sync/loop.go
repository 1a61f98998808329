// Package sync drives incremental delta synchronization per share. Cursors
// advance only after a delta is fully applied locally, giving crash-safe
// at-least-once application.
package sync

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"vaultpass/internal/api"
	"vaultpass/internal/events"
	"vaultpass/internal/identity"
	"vaultpass/internal/keys"
	"vaultpass/internal/store"
)

// Loop states. One pass moves Idle -> Looping -> Skip or Apply. The pass
// outcome stays readable until the next pass flips back to Looping; Idle
// means no pass has run yet.
type State int32

const (
	StateIdle State = iota
	StateLooping
	StateSkip
	StateApply
)

// DeltaApplier is what the loop needs from the item layer: incremental
// delta application, plus the full resync used to bootstrap a share that
// has no cursor yet (or whose cursor was force-discarded).
type DeltaApplier interface {
	ApplyDelta(ctx context.Context, shareID string, delta api.Delta) error
	RefreshItems(ctx context.Context, shareID string) error
}

type Config struct {
	UserID   string
	Interval time.Duration
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
}

type forceReq struct {
	refreshCursor bool
}

type Loop struct {
	cfg    Config
	remote api.Service
	local  store.LocalStore
	apply  DeltaApplier
	bus    *events.Bus
	logger *log.Logger

	mu     sync.Mutex
	shares []string

	force chan forceReq
	state atomic.Int32
}

func NewLoop(cfg Config, remote api.Service, local store.LocalStore, apply DeltaApplier, bus *events.Bus, logger *log.Logger) *Loop {
	cfg.setDefaults()
	return &Loop{
		cfg:    cfg,
		remote: remote,
		local:  local,
		apply:  apply,
		bus:    bus,
		logger: logger,
		force:  make(chan forceReq, 1),
	}
}

func (l *Loop) State() State { return State(l.state.Load()) }

// SetShares replaces the set of shares the loop iterates over.
func (l *Loop) SetShares(shareIDs []string) {
	l.mu.Lock()
	l.shares = append([]string(nil), shareIDs...)
	l.mu.Unlock()
}

func (l *Loop) shareList() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.shares...)
}

// ForceSync queues an immediate pass. With refreshCursor the cached cursor
// is discarded and refetched from the service first.
func (l *Loop) ForceSync(refreshCursor bool) {
	select {
	case l.force <- forceReq{refreshCursor: refreshCursor}:
	default:
	}
}

// Run blocks until ctx is cancelled, syncing on the timer and on ForceSync.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Iterate(ctx, false)
		case req := <-l.force:
			l.Iterate(ctx, req.refreshCursor)
		}
	}
}

// Iterate runs one pass over all shares. A failing share is logged and
// skipped; it never blocks the others, and its cursor stays put.
func (l *Loop) Iterate(ctx context.Context, refreshCursor bool) {
	l.state.Store(int32(StateLooping))
	applied := false
	for _, shareID := range l.shareList() {
		didApply, err := l.syncShare(ctx, shareID, refreshCursor)
		if err != nil {
			l.logger.Printf("sync: share %s: %v", shareID, err)
			l.bus.Publish(events.Event{Kind: events.SyncFailed, ShareID: shareID, Reason: err.Error()})
			if isUnrecoverableKeyFailure(err) {
				l.bus.Publish(events.Event{Kind: events.ForcedLogout, Reason: err.Error()})
			}
			continue
		}
		if didApply {
			applied = true
			l.bus.Publish(events.Event{Kind: events.ShareSynced, ShareID: shareID})
		}
	}
	if applied {
		l.state.Store(int32(StateApply))
	} else {
		l.state.Store(int32(StateSkip))
	}
}

func (l *Loop) syncShare(ctx context.Context, shareID string, refreshCursor bool) (bool, error) {
	cursor, err := l.local.GetCursor(ctx, l.cfg.UserID, shareID)
	if err != nil {
		return false, err
	}
	applied := false
	if refreshCursor || cursor == "" {
		// No usable cursor: fetching events "since head" would skip every
		// item already in the vault. Full resync pulls the existing items
		// and leaves a fresh cursor behind.
		if err := l.apply.RefreshItems(ctx, shareID); err != nil {
			return false, err
		}
		applied = true
		cursor, err = l.local.GetCursor(ctx, l.cfg.UserID, shareID)
		if err != nil {
			return applied, err
		}
	}
	for {
		delta, err := l.remote.GetEvents(ctx, shareID, cursor)
		if err != nil {
			return applied, err
		}
		changed := len(delta.Updated) > 0 || len(delta.DeletedIDs) > 0 || delta.KeyRotated
		if changed {
			if err := l.apply.ApplyDelta(ctx, shareID, delta); err != nil {
				return applied, err
			}
			applied = true
		}
		// cursor moves only once the delta is fully applied
		if delta.LatestEventID != "" && delta.LatestEventID != cursor {
			if err := l.local.PutCursor(ctx, l.cfg.UserID, shareID, delta.LatestEventID); err != nil {
				return applied, err
			}
			cursor = delta.LatestEventID
		}
		if !delta.More {
			return applied, nil
		}
	}
}

// isUnrecoverableKeyFailure reports failures the vault cannot be operated
// under: an inactive identity key or a failed signature verification. These
// trigger a forced logout upstream.
func isUnrecoverableKeyFailure(err error) bool {
	return errors.Is(err, keys.ErrInactiveUserKey) || errors.Is(err, identity.ErrVerificationFailed)
}
