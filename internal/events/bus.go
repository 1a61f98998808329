// Package events is the outbound notification stream. The engine publishes;
// the presentation layer subscribes. The engine holds no reference back into
// subscribers, and a slow subscriber loses events rather than blocking the
// engine.
package events

import "sync"

type Kind string

const (
	ItemsChanged Kind = "items_changed"
	ShareSynced  Kind = "share_synced"
	SyncFailed   Kind = "sync_failed"
	ForcedLogout Kind = "forced_logout"
)

type Event struct {
	Kind    Kind
	ShareID string
	Reason  string
}

type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a receive channel and a cancel func. The buffer bounds
// how far a subscriber may lag before it starts missing events.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
}

// Publish never blocks: a full subscriber buffer drops the event for that
// subscriber only.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
