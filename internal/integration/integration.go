package integration

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Entry is the view of a config entry handed to integrations.
//
// Data and Options return copies; integrations keep per-load state in
// RuntimeData and register teardown with OnUnload. Cleanup callbacks run
// in reverse registration order when the entry unloads.
type Entry interface {
	ID() string
	Domain() string
	Title() string
	UniqueID() string
	Data() map[string]any
	Options() map[string]any
	Version() int

	RuntimeData() any
	SetRuntimeData(v any)
	OnUnload(fn func())
}

// Integration is the capability interface every integration implements.
//
// Setup returns nil when the entry is ready, a *RetryableError when the
// device is not ready yet, an *AuthError when credentials are rejected,
// or a *FatalError (or any other error) when the configuration is broken.
// Unload releases everything Setup acquired; returning an error leaves
// the entry in a failed-unload state that needs operator attention.
type Integration interface {
	Domain() string
	Version() int
	Setup(ctx context.Context, ent Entry) error
	Unload(ctx context.Context, ent Entry) error
}

// Identifier is implemented by integrations that can resolve a stable
// unique id from connection data before an entry exists. The same id must
// come back for the same physical device regardless of credential changes.
type Identifier interface {
	Identify(ctx context.Context, data map[string]any) (string, error)
}

// Migrator upgrades an entry's stored data from an older schema version.
// Called before setup when the persisted version is behind Version().
// A non-nil returned map replaces the entry's data.
type Migrator interface {
	Migrate(ctx context.Context, ent Entry, fromVersion int) (map[string]any, error)
}

// RemovalConfirmer approves deletion of a device record. Implementations
// return true only when the id no longer exists upstream; an unreachable
// device is not confirmation.
type RemovalConfirmer interface {
	ConfirmRemoval(ctx context.Context, ent Entry, uniqueID string) (bool, error)
}

// Registry maps integration domains to their implementations.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Registry struct {
	mu       sync.RWMutex
	byDomain map[string]Integration
}

// NewRegistry creates an empty integration registry.
func NewRegistry() *Registry {
	return &Registry{
		byDomain: make(map[string]Integration),
	}
}

// Register adds an integration. Registering a domain twice is a wiring
// bug and returns an error.
func (r *Registry) Register(integ Integration) error {
	domain := integ.Domain()
	if domain == "" {
		return fmt.Errorf("integration: empty domain")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byDomain[domain]; exists {
		return fmt.Errorf("integration: domain %q already registered", domain)
	}
	r.byDomain[domain] = integ
	return nil
}

// Get returns the integration for a domain.
func (r *Registry) Get(domain string) (Integration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	integ, ok := r.byDomain[domain]
	return integ, ok
}

// Domains returns all registered domains, sorted.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	domains := make([]string, 0, len(r.byDomain))
	for d := range r.byDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}
