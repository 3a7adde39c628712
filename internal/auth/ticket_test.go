package auth

import (
	"testing"
	"time"
)

func TestTicketIssueAndRedeem(t *testing.T) {
	store := NewTicketStore(time.Minute)

	tk, err := store.Issue("operator")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if tk == "" {
		t.Fatal("Issue() returned empty ticket")
	}

	subject, ok := store.Redeem(tk)
	if !ok {
		t.Fatal("Redeem() rejected a fresh ticket")
	}
	if subject != "operator" {
		t.Errorf("subject = %q, want %q", subject, "operator")
	}

	// Single use.
	if _, ok := store.Redeem(tk); ok {
		t.Error("ticket redeemed twice")
	}
}

func TestTicketUnknown(t *testing.T) {
	store := NewTicketStore(time.Minute)

	if _, ok := store.Redeem("never-issued"); ok {
		t.Error("unknown ticket redeemed")
	}
}

func TestTicketExpiry(t *testing.T) {
	store := NewTicketStore(time.Minute)

	tk, err := store.Issue("operator")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	store.mu.Lock()
	entry := store.pending[tk]
	entry.expiresAt = time.Now().Add(-time.Second)
	store.pending[tk] = entry
	store.mu.Unlock()

	if _, ok := store.Redeem(tk); ok {
		t.Error("expired ticket redeemed")
	}
	if store.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 after failed redemption", store.Pending())
	}
}

func TestTicketSweepOnIssue(t *testing.T) {
	store := NewTicketStore(time.Minute)

	stale, err := store.Issue("operator")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	store.mu.Lock()
	entry := store.pending[stale]
	entry.expiresAt = time.Now().Add(-time.Second)
	store.pending[stale] = entry
	store.mu.Unlock()

	if _, err := store.Issue("operator"); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if store.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1 after sweep", store.Pending())
	}
}

func TestTicketTTLDefault(t *testing.T) {
	if ttl := NewTicketStore(0).TTL(); ttl != DefaultTicketTTL {
		t.Errorf("TTL() = %v, want %v", ttl, DefaultTicketTTL)
	}
	if ttl := NewTicketStore(10 * time.Second).TTL(); ttl != 10*time.Second {
		t.Errorf("TTL() = %v, want 10s", ttl)
	}
}

func TestTicketsAreUnique(t *testing.T) {
	store := NewTicketStore(time.Minute)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		tk, err := store.Issue("operator")
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		if seen[tk] {
			t.Fatal("duplicate ticket issued")
		}
		seen[tk] = true
	}
}
