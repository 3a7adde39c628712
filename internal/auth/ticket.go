package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// DefaultTicketTTL is how long a WebSocket ticket stays redeemable.
const DefaultTicketTTL = 30 * time.Second

const ticketBytes = 32

// TicketStore issues single-use tickets for WebSocket authentication.
// Browsers cannot set headers on an upgrade request, so an authenticated
// client trades its bearer token for a ticket and passes that in the URL
// instead of the JWT.
type TicketStore struct {
	ttl time.Duration

	mu      sync.Mutex
	pending map[string]ticket
}

type ticket struct {
	subject   string
	expiresAt time.Time
}

// NewTicketStore returns a store whose tickets expire after ttl.
// A non-positive ttl falls back to DefaultTicketTTL.
func NewTicketStore(ttl time.Duration) *TicketStore {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &TicketStore{ttl: ttl, pending: make(map[string]ticket)}
}

// Issue mints a ticket bound to the given subject. Expired leftovers are
// swept on the way through, so the map stays bounded by the issue rate.
func (ts *TicketStore) Issue(subject string) (string, error) {
	b := make([]byte, ticketBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating ticket: %w", err)
	}
	tk := hex.EncodeToString(b)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := time.Now()
	for id, entry := range ts.pending {
		if now.After(entry.expiresAt) {
			delete(ts.pending, id)
		}
	}
	ts.pending[tk] = ticket{subject: subject, expiresAt: now.Add(ts.ttl)}

	return tk, nil
}

// Redeem consumes a ticket and returns the subject it was issued to.
// A ticket redeems at most once; expired or unknown tickets fail.
func (ts *TicketStore) Redeem(tk string) (subject string, ok bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	entry, found := ts.pending[tk]
	if !found {
		return "", false
	}
	delete(ts.pending, tk)

	if time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.subject, true
}

// TTL reports the store's ticket lifetime.
func (ts *TicketStore) TTL() time.Duration { return ts.ttl }

// Pending reports how many issued tickets have not been redeemed.
func (ts *TicketStore) Pending() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.pending)
}
