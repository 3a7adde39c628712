// Package events carries lifecycle and refresh notifications between the
// core and its consumers (WebSocket hub, recorder, metrics).
//
// Delivery is synchronous on the publisher's goroutine and in subscription
// order; subscribers must hand off to their own buffering instead of
// blocking. The subscriber list is snapshotted before each delivery pass,
// so unsubscribing during a callback is safe and takes effect for the
// next publish.
package events

import (
	"sync"
	"time"
)

// Event is implemented by every message published on the Bus.
type Event interface {
	Kind() string
}

// EntryStateChanged reports one lifecycle transition of a config entry.
type EntryStateChanged struct {
	EntryID string    `json:"entry_id"`
	Domain  string    `json:"domain"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Kind identifies the event type on the wire.
func (EntryStateChanged) Kind() string { return "entry_state_changed" }

// AvailabilityChanged reports a data source crossing between reachable
// and unreachable. Published once per crossing, not once per poll.
type AvailabilityChanged struct {
	EntryID   string    `json:"entry_id"`
	Name      string    `json:"name"`
	Available bool      `json:"available"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

func (AvailabilityChanged) Kind() string { return "availability_changed" }

// RefreshCompleted reports the outcome of one coordinator refresh.
type RefreshCompleted struct {
	EntryID  string        `json:"entry_id"`
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

func (RefreshCompleted) Kind() string { return "refresh_completed" }

// ReauthRequired reports that an entry needs new credentials before it
// can load again.
type ReauthRequired struct {
	EntryID string    `json:"entry_id"`
	Domain  string    `json:"domain"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

func (ReauthRequired) Kind() string { return "reauth_required" }

// EntryRemoved reports that a config entry was deleted. Consumers drop
// anything still keyed to the entry id.
type EntryRemoved struct {
	EntryID string    `json:"entry_id"`
	Domain  string    `json:"domain"`
	At      time.Time `json:"at"`
}

func (EntryRemoved) Kind() string { return "entry_removed" }

type subscription struct {
	id uint64
	fn func(Event)
}

// Bus is an ordered, synchronous publish/subscribe fanout.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Bus struct {
	mu     sync.Mutex
	subs   []subscription
	nextID uint64
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for every subsequent publish. The returned
// function removes the subscription; calling it more than once is safe.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to every subscriber in subscription order, on the
// caller's goroutine.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	snapshot := make([]subscription, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	for _, s := range snapshot {
		s.fn(ev)
	}
}

// Len reports the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
