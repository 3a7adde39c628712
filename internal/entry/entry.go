package entry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DisabledByUser marks an entry disabled through the API.
const DisabledByUser = "user"

// ConfigEntry is one configured instance of an integration.
//
// Persisted fields (id, domain, data, state, ...) are written through the
// Store; runtime fields (runtime data, unload callbacks, retry handle)
// exist only while the process runs. All mutation goes through the
// Manager, which serialises lifecycle operations per entry.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
type ConfigEntry struct {
	mu sync.RWMutex

	id       string
	domain   string
	title    string
	uniqueID string
	data     map[string]any
	options  map[string]any
	version  int

	state           State
	stateReason     string
	disabledBy      string
	setupRetryCount int
	reauthPending   bool

	runtimeData any
	onUnload    []func()

	createdAt time.Time
	updatedAt time.Time
}

// New creates a not-loaded entry with a fresh id.
func New(domain, title, uniqueID string, data, options map[string]any, version int) *ConfigEntry {
	now := time.Now().UTC()
	if version < 1 {
		version = 1
	}
	return &ConfigEntry{
		id:        uuid.NewString(),
		domain:    domain,
		title:     title,
		uniqueID:  uniqueID,
		data:      deepCopyMap(data),
		options:   deepCopyMap(options),
		version:   version,
		state:     StateNotLoaded,
		createdAt: now,
		updatedAt: now,
	}
}

// ID returns the opaque stable entry id.
func (e *ConfigEntry) ID() string { return e.id }

// Domain returns the integration type id.
func (e *ConfigEntry) Domain() string { return e.domain }

// Title returns the operator-facing name.
func (e *ConfigEntry) Title() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.title
}

// UniqueID returns the deduplication key, or "" when the integration
// could not resolve one.
func (e *ConfigEntry) UniqueID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.uniqueID
}

// Data returns a deep copy of the connection-critical configuration.
func (e *ConfigEntry) Data() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return deepCopyMap(e.data)
}

// Options returns a deep copy of the non-critical settings.
func (e *ConfigEntry) Options() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return deepCopyMap(e.options)
}

// Version returns the stored config schema version.
func (e *ConfigEntry) Version() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// State returns the current lifecycle state.
func (e *ConfigEntry) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Enabled reports whether the entry may be set up.
func (e *ConfigEntry) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.disabledBy == ""
}

// ReauthPending reports whether the entry is waiting for new credentials.
func (e *ConfigEntry) ReauthPending() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reauthPending
}

// RuntimeData returns the handle owned by the integration while loaded.
func (e *ConfigEntry) RuntimeData() any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runtimeData
}

// SetRuntimeData stores the integration's per-load handle.
func (e *ConfigEntry) SetRuntimeData(v any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runtimeData = v
}

// OnUnload registers a cleanup callback. Callbacks run in reverse
// registration order when the entry unloads successfully.
func (e *ConfigEntry) OnUnload(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onUnload = append(e.onUnload, fn)
}

// takeOnUnload removes and returns the registered cleanup callbacks.
func (e *ConfigEntry) takeOnUnload() []func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	fns := e.onUnload
	e.onUnload = nil
	return fns
}

// Snapshot is the read-only image of an entry handed to the API and tests.
type Snapshot struct {
	EntryID         string         `json:"entry_id"`
	Domain          string         `json:"domain"`
	Title           string         `json:"title"`
	UniqueID        string         `json:"unique_id,omitempty"`
	Data            map[string]any `json:"data"`
	Options         map[string]any `json:"options"`
	Version         int            `json:"version"`
	State           State          `json:"state"`
	StateReason     string         `json:"state_reason,omitempty"`
	DisabledBy      string         `json:"disabled_by,omitempty"`
	SetupRetryCount int            `json:"setup_retry_count"`
	ReauthPending   bool           `json:"reauth_pending"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Snapshot returns a deep-copied image of the entry.
func (e *ConfigEntry) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		EntryID:         e.id,
		Domain:          e.domain,
		Title:           e.title,
		UniqueID:        e.uniqueID,
		Data:            deepCopyMap(e.data),
		Options:         deepCopyMap(e.options),
		Version:         e.version,
		State:           e.state,
		StateReason:     e.stateReason,
		DisabledBy:      e.disabledBy,
		SetupRetryCount: e.setupRetryCount,
		ReauthPending:   e.reauthPending,
		CreatedAt:       e.createdAt,
		UpdatedAt:       e.updatedAt,
	}
}

// setState records a transition and its operator-facing reason.
// Callers hold the manager's lifecycle lock for the entry.
func (e *ConfigEntry) setState(s State, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
	e.stateReason = reason
	e.updatedAt = time.Now().UTC()
}

// deepCopyMap copies a JSON-shaped map (nested maps, slices, scalars).
func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
