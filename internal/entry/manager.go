package entry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hearthstack/hearth-core/internal/events"
	"github.com/hearthstack/hearth-core/internal/integration"
	"github.com/hearthstack/hearth-core/internal/scheduler"
	"github.com/hearthstack/hearth-core/internal/worker"
)

// Default operational limits, overridable through Options.
const (
	DefaultSetupTimeout   = 60 * time.Second
	DefaultUnloadTimeout  = 30 * time.Second
	DefaultRetryBaseDelay = 5 * time.Second
	DefaultRetryMaxDelay  = 80 * time.Second
	DefaultParallelSetups = 4
)

// Logger is the minimal logging interface the manager needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Manager.
type Options struct {
	Store        Store
	Integrations *integration.Registry
	Scheduler    *scheduler.Scheduler
	Pool         *worker.Pool
	Bus          *events.Bus

	SetupTimeout   time.Duration
	UnloadTimeout  time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	ParallelSetups int

	Logger Logger
}

// Manager drives config entries through their lifecycle.
//
// Operations on the same entry are serialised by a per-entry lock, so a
// reload cannot race a retry and state always moves along the documented
// edges. Operations on different entries run concurrently. Integration
// callables (setup, unload) execute on the worker pool under a timeout;
// the manager goroutine only waits for the outcome.
//
// Bus subscribers run synchronously during transitions and must not call
// back into the Manager.
type Manager struct {
	store        Store
	integrations *integration.Registry
	sched        *scheduler.Scheduler
	pool         *worker.Pool
	bus          *events.Bus
	log          Logger

	setupTimeout   time.Duration
	unloadTimeout  time.Duration
	retryBase      time.Duration
	retryMax       time.Duration
	parallelSetups int

	mu      sync.RWMutex
	entries map[string]*ConfigEntry
	locks   map[string]*sync.Mutex
	retries map[string]*scheduler.Handle
}

// NewManager creates a Manager. Store, Integrations, Scheduler, Pool and
// Bus are required; zero timeouts fall back to the package defaults.
func NewManager(opts Options) *Manager {
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = DefaultSetupTimeout
	}
	if opts.UnloadTimeout <= 0 {
		opts.UnloadTimeout = DefaultUnloadTimeout
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if opts.RetryMaxDelay < opts.RetryBaseDelay {
		opts.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if opts.ParallelSetups <= 0 {
		opts.ParallelSetups = DefaultParallelSetups
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	return &Manager{
		store:          opts.Store,
		integrations:   opts.Integrations,
		sched:          opts.Scheduler,
		pool:           opts.Pool,
		bus:            opts.Bus,
		log:            opts.Logger,
		setupTimeout:   opts.SetupTimeout,
		unloadTimeout:  opts.UnloadTimeout,
		retryBase:      opts.RetryBaseDelay,
		retryMax:       opts.RetryMaxDelay,
		parallelSetups: opts.ParallelSetups,
		entries:        make(map[string]*ConfigEntry),
		locks:          make(map[string]*sync.Mutex),
		retries:        make(map[string]*scheduler.Handle),
	}
}

// Load reads all persisted entries into memory. Every entry starts the
// process at not_loaded with a fresh retry budget; the persisted state
// column records the last observed rest state for inspection only.
func (m *Manager) Load(ctx context.Context) error {
	list, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("loading entries: %w", err)
	}

	m.mu.Lock()
	for _, e := range list {
		e.state = StateNotLoaded
		e.stateReason = ""
		e.setupRetryCount = 0
		m.entries[e.id] = e
	}
	m.mu.Unlock()

	m.log.Info("config entries loaded", "count", len(list))
	return nil
}

// CreateEntry validates, persists, and sets up a new entry.
//
// When the integration resolves a unique id for the connection data and
// another entry of the same domain already claims it, no entry is created
// and ErrAlreadyConfigured is returned. The returned snapshot reflects
// the setup outcome; a setup failure is visible in its state, not in the
// error value.
func (m *Manager) CreateEntry(ctx context.Context, domain, title string, data, options map[string]any) (Snapshot, error) {
	integ, ok := m.integrations.Get(domain)
	if !ok {
		return Snapshot{}, ErrUnknownDomain
	}

	uniqueID := ""
	if ident, ok := integ.(integration.Identifier); ok {
		uid, err := ident.Identify(ctx, deepCopyMap(data))
		if err != nil {
			return Snapshot{}, fmt.Errorf("identifying account: %w", err)
		}
		uniqueID = uid
		if uid != "" && m.findByUniqueID(domain, uid) != nil {
			return Snapshot{}, ErrAlreadyConfigured
		}
	}

	if title == "" {
		title = domain
	}

	e := New(domain, title, uniqueID, data, options, integ.Version())
	if err := m.store.Insert(ctx, e); err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	m.entries[e.id] = e
	m.mu.Unlock()

	m.log.Info("entry created", "entry_id", e.id, "domain", domain, "title", title)

	if err := m.Setup(ctx, e.id); err != nil {
		m.log.Warn("initial setup failed", "entry_id", e.id, "domain", domain, "error", err)
	}
	return m.snapshot(e.id)
}

// Setup drives an entry to loaded.
//
// Allowed from not_loaded, setup_error, and setup_retry. The integration's
// setup callable runs on the worker pool under SetupTimeout; its outcome
// selects the next state. A retryable failure schedules another attempt
// with capped exponential backoff, an auth failure parks the entry in
// setup_error and raises a reauth request, anything else is setup_error.
func (m *Manager) Setup(ctx context.Context, entryID string) error {
	e, unlock, err := m.acquire(entryID)
	if err != nil {
		return err
	}
	defer unlock()
	return m.setupLocked(ctx, e)
}

func (m *Manager) setupLocked(ctx context.Context, e *ConfigEntry) error {
	if !e.Enabled() {
		return ErrDisabled
	}
	switch st := e.State(); {
	case st == StateLoaded || st.InProgress():
		return ErrAlreadyLoaded
	case !st.Recoverable():
		return ErrNotRecoverable
	}

	integ, ok := m.integrations.Get(e.domain)
	if !ok {
		m.transition(e, StateSetupError, "no integration registered for domain "+e.domain)
		return ErrUnknownDomain
	}

	m.cancelRetry(e.id)
	m.transition(e, StateSetupInProgress, "")

	if err := m.migrate(ctx, e, integ); err != nil {
		m.transition(e, StateMigrationError, err.Error())
		m.log.Error("entry migration failed", "entry_id", e.id, "domain", e.domain, "error", err)
		return err
	}

	// Setup must not die with the triggering request; only the timeout
	// bounds it.
	start := time.Now()
	err := m.pool.Do(context.WithoutCancel(ctx), "setup "+e.domain, m.setupTimeout, func(tctx context.Context) error {
		return integ.Setup(tctx, e)
	})

	if err != nil {
		// Setup may have registered cleanup before it failed (a coordinator
		// whose first refresh did not succeed, for example). Run it so the
		// next attempt starts from a clean slate.
		m.runUnloadCallbacks(e)
		e.SetRuntimeData(nil)
	}

	switch {
	case err == nil:
		e.mu.Lock()
		e.setupRetryCount = 0
		e.reauthPending = false
		e.mu.Unlock()
		m.transition(e, StateLoaded, "")
		m.log.Info("entry set up", "entry_id", e.id, "domain", e.domain, "elapsed", time.Since(start).Round(time.Millisecond))
		return nil

	case integration.IsAuthFailure(err):
		m.transition(e, StateSetupError, err.Error())
		m.startReauth(e, err.Error())
		return err

	case m.isRetryable(err):
		e.mu.Lock()
		tries := e.setupRetryCount
		e.setupRetryCount = tries + 1
		e.mu.Unlock()
		m.transition(e, StateSetupRetry, err.Error())
		delay := m.retryDelay(tries)
		m.scheduleRetry(e.id, delay)
		m.log.Warn("entry not ready, retry scheduled",
			"entry_id", e.id, "domain", e.domain, "attempt", tries+1,
			"delay", delay.Round(time.Millisecond), "error", err)
		return err

	default:
		m.transition(e, StateSetupError, err.Error())
		m.log.Error("entry setup failed", "entry_id", e.id, "domain", e.domain, "error", err)
		return err
	}
}

// isRetryable treats pool saturation the same as a not-ready device: both
// clear up on their own.
func (m *Manager) isRetryable(err error) bool {
	return integration.IsRetryable(err) ||
		errors.Is(err, worker.ErrQueueFull) ||
		errors.Is(err, worker.ErrStopped)
}

func (m *Manager) migrate(ctx context.Context, e *ConfigEntry, integ integration.Integration) error {
	current := integ.Version()
	if current < 1 {
		current = 1
	}
	stored := e.Version()
	if stored == current {
		return nil
	}
	if stored > current {
		return fmt.Errorf("config version %d is newer than supported version %d", stored, current)
	}

	mig, ok := integ.(integration.Migrator)
	if !ok {
		return fmt.Errorf("no migration path from config version %d to %d", stored, current)
	}

	data, err := mig.Migrate(ctx, e, stored)
	if err != nil {
		return fmt.Errorf("migrating config from version %d: %w", stored, err)
	}

	e.mu.Lock()
	if data != nil {
		e.data = deepCopyMap(data)
	}
	e.version = current
	e.updatedAt = time.Now().UTC()
	e.mu.Unlock()

	if err := m.store.Update(ctx, e); err != nil {
		return fmt.Errorf("persisting migrated config: %w", err)
	}
	m.log.Info("entry config migrated", "entry_id", e.id, "domain", e.domain, "from_version", stored, "to_version", current)
	return nil
}

// Unload tears an entry down to not_loaded.
//
// From loaded, the integration's unload callable runs on the worker pool
// under UnloadTimeout; a failure leaves the entry in failed_unload, which
// needs operator attention. From setup_retry or setup_error the pending
// retry is cancelled and cleanup callbacks run without invoking the
// integration. Cleanup callbacks always run in reverse registration order
// and a panicking callback does not stop the rest.
func (m *Manager) Unload(ctx context.Context, entryID string) error {
	e, unlock, err := m.acquire(entryID)
	if err != nil {
		return err
	}
	defer unlock()
	return m.unloadLocked(ctx, e)
}

func (m *Manager) unloadLocked(ctx context.Context, e *ConfigEntry) error {
	switch e.State() {
	case StateNotLoaded:
		return ErrInvalidState
	case StateSetupRetry, StateSetupError:
		m.cancelRetry(e.id)
		m.runUnloadCallbacks(e)
		e.SetRuntimeData(nil)
		m.transition(e, StateNotLoaded, "")
		return nil
	case StateLoaded:
	default:
		return ErrNotRecoverable
	}

	integ, ok := m.integrations.Get(e.domain)
	if !ok {
		return ErrUnknownDomain
	}

	m.transition(e, StateUnloadInProgress, "")

	err := m.pool.Do(context.WithoutCancel(ctx), "unload "+e.domain, m.unloadTimeout, func(tctx context.Context) error {
		return integ.Unload(tctx, e)
	})
	if err != nil {
		m.transition(e, StateFailedUnload, err.Error())
		m.log.Error("entry unload failed", "entry_id", e.id, "domain", e.domain, "error", err)
		return err
	}

	m.runUnloadCallbacks(e)
	e.SetRuntimeData(nil)
	m.transition(e, StateNotLoaded, "")
	m.log.Info("entry unloaded", "entry_id", e.id, "domain", e.domain)
	return nil
}

func (m *Manager) runUnloadCallbacks(e *ConfigEntry) {
	fns := e.takeOnUnload()
	for i := len(fns) - 1; i >= 0; i-- {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("unload callback panicked", "entry_id", e.id, "domain", e.domain, "panic", r)
				}
			}()
			fns[i]()
		}()
	}
}

// Reload unloads and sets the entry up again. If the unload fails the
// reload aborts and the entry stays failed_unload.
func (m *Manager) Reload(ctx context.Context, entryID string) error {
	e, unlock, err := m.acquire(entryID)
	if err != nil {
		return err
	}
	defer unlock()
	return m.reloadLocked(ctx, e)
}

func (m *Manager) reloadLocked(ctx context.Context, e *ConfigEntry) error {
	switch e.State() {
	case StateLoaded, StateSetupRetry, StateSetupError:
		if err := m.unloadLocked(ctx, e); err != nil {
			return err
		}
	}
	return m.setupLocked(ctx, e)
}

// Remove unloads the entry if needed and deletes it permanently, along
// with its registry records (removed by consumers of EntryRemoved and by
// the database cascade). Removal proceeds even when the unload fails.
func (m *Manager) Remove(ctx context.Context, entryID string) error {
	e, unlock, err := m.acquire(entryID)
	if err != nil {
		return err
	}
	defer unlock()

	switch e.State() {
	case StateLoaded, StateSetupRetry, StateSetupError:
		if err := m.unloadLocked(ctx, e); err != nil {
			m.log.Warn("unload before removal failed", "entry_id", e.id, "domain", e.domain, "error", err)
		}
	}
	m.cancelRetry(e.id)

	if err := m.store.Delete(ctx, e.id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	m.mu.Lock()
	delete(m.entries, e.id)
	delete(m.locks, e.id)
	m.mu.Unlock()

	m.bus.Publish(events.EntryRemoved{EntryID: e.id, Domain: e.domain, At: time.Now().UTC()})
	m.log.Info("entry removed", "entry_id", e.id, "domain", e.domain)
	return nil
}

// Disable unloads the entry if needed and blocks future setups until
// Enable. A failing unload aborts the disable.
func (m *Manager) Disable(ctx context.Context, entryID, by string) error {
	e, unlock, err := m.acquire(entryID)
	if err != nil {
		return err
	}
	defer unlock()

	if !e.Enabled() {
		return nil
	}
	switch e.State() {
	case StateLoaded, StateSetupRetry, StateSetupError:
		if err := m.unloadLocked(ctx, e); err != nil {
			return err
		}
	}
	m.cancelRetry(e.id)

	if by == "" {
		by = DisabledByUser
	}
	e.mu.Lock()
	e.disabledBy = by
	e.updatedAt = time.Now().UTC()
	e.mu.Unlock()

	if err := m.store.Update(ctx, e); err != nil {
		return err
	}
	m.log.Info("entry disabled", "entry_id", e.id, "domain", e.domain, "by", by)
	return nil
}

// Enable clears the disabled flag and attempts setup. The setup outcome
// is reflected in the entry state; Enable only fails when the entry is
// missing or cannot be persisted.
func (m *Manager) Enable(ctx context.Context, entryID string) error {
	e, unlock, err := m.acquire(entryID)
	if err != nil {
		return err
	}
	defer unlock()

	if e.Enabled() {
		return nil
	}
	e.mu.Lock()
	e.disabledBy = ""
	e.updatedAt = time.Now().UTC()
	e.mu.Unlock()

	if err := m.store.Update(ctx, e); err != nil {
		return err
	}
	m.log.Info("entry enabled", "entry_id", e.id, "domain", e.domain)

	if err := m.setupLocked(ctx, e); err != nil {
		m.log.Warn("setup after enable failed", "entry_id", e.id, "domain", e.domain, "error", err)
	}
	return nil
}

// UpdateOptions replaces the entry's options and reloads it when loaded,
// so the integration picks the new settings up. Setup failures after the
// update are reflected in the returned snapshot's state, not the error.
func (m *Manager) UpdateOptions(ctx context.Context, entryID string, options map[string]any) (Snapshot, error) {
	e, unlock, err := m.acquire(entryID)
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()

	e.mu.Lock()
	e.options = deepCopyMap(options)
	e.updatedAt = time.Now().UTC()
	e.mu.Unlock()

	if err := m.store.Update(ctx, e); err != nil {
		return Snapshot{}, err
	}
	m.log.Info("entry options updated", "entry_id", e.id, "domain", e.domain)

	if e.State() == StateLoaded {
		if err := m.reloadLocked(ctx, e); err != nil {
			m.log.Warn("reload after options update failed", "entry_id", e.id, "domain", e.domain, "error", err)
		}
	}
	return e.Snapshot(), nil
}

// StartReauth marks the entry as awaiting new credentials and publishes
// a reauth request. Repeated calls while one is pending are no-ops.
func (m *Manager) StartReauth(entryID, reason string) error {
	e, unlock, err := m.acquire(entryID)
	if err != nil {
		return err
	}
	defer unlock()
	m.startReauth(e, reason)
	return nil
}

func (m *Manager) startReauth(e *ConfigEntry, reason string) {
	e.mu.Lock()
	if e.reauthPending {
		e.mu.Unlock()
		return
	}
	e.reauthPending = true
	e.mu.Unlock()

	m.bus.Publish(events.ReauthRequired{EntryID: e.id, Domain: e.domain, Reason: reason, At: time.Now().UTC()})
	m.log.Warn("reauthentication required", "entry_id", e.id, "domain", e.domain, "reason", reason)
}

// CompleteReauth installs new credentials and reloads the entry.
//
// When the integration can resolve identity from connection data, the
// new credentials must resolve to the entry's existing unique id;
// ErrUniqueIDMismatch is returned otherwise and the entry is unchanged.
// Setup failures after the update are reflected in the returned
// snapshot's state, not the error.
func (m *Manager) CompleteReauth(ctx context.Context, entryID string, data map[string]any) (Snapshot, error) {
	return m.replaceData(ctx, entryID, "", data, true)
}

// Reconfigure replaces the entry's connection data (and optionally its
// title) outside of a reauth, with the same identity protection.
func (m *Manager) Reconfigure(ctx context.Context, entryID, title string, data map[string]any) (Snapshot, error) {
	return m.replaceData(ctx, entryID, title, data, false)
}

func (m *Manager) replaceData(ctx context.Context, entryID, title string, data map[string]any, clearReauth bool) (Snapshot, error) {
	e, unlock, err := m.acquire(entryID)
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()

	integ, ok := m.integrations.Get(e.domain)
	if !ok {
		return Snapshot{}, ErrUnknownDomain
	}

	if err := m.verifyIdentity(ctx, e, integ, data); err != nil {
		return Snapshot{}, err
	}

	e.mu.Lock()
	e.data = deepCopyMap(data)
	if title != "" {
		e.title = title
	}
	if clearReauth {
		e.reauthPending = false
	}
	e.updatedAt = time.Now().UTC()
	e.mu.Unlock()

	if err := m.store.Update(ctx, e); err != nil {
		return Snapshot{}, err
	}
	m.log.Info("entry data updated", "entry_id", e.id, "domain", e.domain)

	if err := m.reloadLocked(ctx, e); err != nil {
		m.log.Warn("reload after data update failed", "entry_id", e.id, "domain", e.domain, "error", err)
	}
	return e.Snapshot(), nil
}

// verifyIdentity checks new connection data against the entry's bound
// unique id. An entry without one adopts the resolved id, provided no
// sibling entry claims it.
func (m *Manager) verifyIdentity(ctx context.Context, e *ConfigEntry, integ integration.Integration, data map[string]any) error {
	ident, ok := integ.(integration.Identifier)
	if !ok {
		return nil
	}

	uid, err := ident.Identify(ctx, deepCopyMap(data))
	if err != nil {
		return fmt.Errorf("identifying account: %w", err)
	}
	if uid == "" {
		return nil
	}

	current := e.UniqueID()
	if current != "" {
		if uid != current {
			return ErrUniqueIDMismatch
		}
		return nil
	}

	if dup := m.findByUniqueID(e.domain, uid); dup != nil && dup.id != e.id {
		return ErrAlreadyConfigured
	}
	e.mu.Lock()
	e.uniqueID = uid
	e.mu.Unlock()
	return nil
}

// NotifyAuthFailure records an out-of-band credential failure from a
// running integration, usually raised by a coordinator fetch. A loaded
// entry runs its cleanup callbacks, drops to setup_error, and a reauth
// request is published. Retries stop until reauth completes.
func (m *Manager) NotifyAuthFailure(entryID string, cause error) {
	e, unlock, err := m.acquire(entryID)
	if err != nil {
		return
	}
	defer unlock()

	reason := "authentication failed"
	if cause != nil {
		reason = cause.Error()
	}

	switch e.State() {
	case StateLoaded:
		m.cancelRetry(e.id)
		m.runUnloadCallbacks(e)
		e.SetRuntimeData(nil)
		m.transition(e, StateSetupError, reason)
		m.startReauth(e, reason)
	case StateSetupError:
		m.startReauth(e, reason)
	}
}

// SetupAll sets up every enabled entry, oldest first, with bounded
// parallelism. Individual setup failures land in the entry states; the
// returned error is only non-nil when ctx is cancelled.
func (m *Manager) SetupAll(ctx context.Context) error {
	entries := m.sortedEntries(true)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelSetups)
	for _, e := range entries {
		if !e.Enabled() {
			continue
		}
		id := e.id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := m.Setup(gctx, id); err != nil {
				m.log.Warn("entry setup failed", "entry_id", id, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// UnloadAll unloads every loaded entry, newest first. Failures are
// logged; the walk continues.
func (m *Manager) UnloadAll(ctx context.Context) {
	for _, e := range m.sortedEntries(false) {
		if e.State() != StateLoaded {
			continue
		}
		if err := m.Unload(ctx, e.id); err != nil {
			m.log.Error("unloading entry at shutdown", "entry_id", e.id, "domain", e.domain, "error", err)
		}
	}
}

// Shutdown cancels all pending retries and unloads every loaded entry.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	for id, h := range m.retries {
		h.Cancel()
		delete(m.retries, id)
	}
	m.mu.Unlock()

	m.UnloadAll(ctx)
}

// Get returns a snapshot of one entry.
func (m *Manager) Get(entryID string) (Snapshot, error) {
	return m.snapshot(entryID)
}

// List returns snapshots of all entries, oldest first.
func (m *Manager) List() []Snapshot {
	entries := m.sortedEntries(true)
	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Snapshot())
	}
	return out
}

// StateCounts returns the number of entries per lifecycle state.
func (m *Manager) StateCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, e := range m.entries {
		counts[e.State().String()]++
	}
	return counts
}

// IsLoaded reports whether the entry exists and is loaded.
func (m *Manager) IsLoaded(entryID string) bool {
	m.mu.RLock()
	e, ok := m.entries[entryID]
	m.mu.RUnlock()
	return ok && e.State() == StateLoaded
}

// Lookup returns the integration-facing view of an entry.
func (m *Manager) Lookup(entryID string) (integration.Entry, bool) {
	m.mu.RLock()
	e, ok := m.entries[entryID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e, true
}

// Count reports the number of known entries.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// acquire locks the entry's lifecycle mutex and revalidates existence,
// since the entry can be removed while the caller waits for the lock.
func (m *Manager) acquire(entryID string) (*ConfigEntry, func(), error) {
	m.mu.Lock()
	e, ok := m.entries[entryID]
	if !ok {
		m.mu.Unlock()
		return nil, nil, ErrNotFound
	}
	lk, ok := m.locks[entryID]
	if !ok {
		lk = &sync.Mutex{}
		m.locks[entryID] = lk
	}
	m.mu.Unlock()

	lk.Lock()

	m.mu.RLock()
	_, ok = m.entries[entryID]
	m.mu.RUnlock()
	if !ok {
		lk.Unlock()
		return nil, nil, ErrNotFound
	}
	return e, lk.Unlock, nil
}

// transition applies a state change, persists it, and publishes it.
// State writes use a fresh context; a cancelled request must not lose a
// transition.
func (m *Manager) transition(e *ConfigEntry, to State, reason string) {
	from := e.State()
	e.setState(to, reason)

	if err := m.store.Update(context.Background(), e); err != nil {
		m.log.Error("persisting entry state", "entry_id", e.id, "state", to, "error", err)
	}

	m.bus.Publish(events.EntryStateChanged{
		EntryID: e.id,
		Domain:  e.domain,
		From:    from.String(),
		To:      to.String(),
		Reason:  reason,
		At:      time.Now().UTC(),
	})
}

// retryDelay doubles from the base per completed attempt, capped, with
// jitter so entries created together do not retry in step. Jitter stays
// below both the base delay and one second.
func (m *Manager) retryDelay(tries int) time.Duration {
	shift := tries
	if shift > 4 {
		shift = 4
	}
	delay := m.retryBase << shift
	if delay > m.retryMax {
		delay = m.retryMax
	}
	jitterMax := m.retryBase
	if jitterMax > time.Second {
		jitterMax = time.Second
	}
	return delay + time.Duration(rand.Int63n(int64(jitterMax)))
}

func (m *Manager) scheduleRetry(entryID string, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.retries[entryID]; ok {
		h.Cancel()
	}
	m.retries[entryID] = m.sched.Schedule(delay, func() {
		m.mu.Lock()
		delete(m.retries, entryID)
		m.mu.Unlock()

		if err := m.retrySetup(context.Background(), entryID); err != nil {
			m.log.Debug("scheduled retry did not load entry", "entry_id", entryID, "error", err)
		}
	})
}

// retrySetup re-attempts setup from a scheduled retry. The entry may
// have been unloaded, disabled, or removed since the retry was armed;
// anything but a waiting setup_retry entry is left alone.
func (m *Manager) retrySetup(ctx context.Context, entryID string) error {
	e, unlock, err := m.acquire(entryID)
	if err != nil {
		return err
	}
	defer unlock()

	if e.State() != StateSetupRetry || !e.Enabled() {
		return nil
	}
	return m.setupLocked(ctx, e)
}

func (m *Manager) cancelRetry(entryID string) {
	m.mu.Lock()
	if h, ok := m.retries[entryID]; ok {
		h.Cancel()
		delete(m.retries, entryID)
	}
	m.mu.Unlock()
}

func (m *Manager) findByUniqueID(domain, uniqueID string) *ConfigEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries {
		if e.domain == domain && e.UniqueID() == uniqueID {
			return e
		}
	}
	return nil
}

func (m *Manager) sortedEntries(oldestFirst bool) []*ConfigEntry {
	m.mu.RLock()
	entries := make([]*ConfigEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].createdAt.Equal(entries[j].createdAt) {
			less := entries[i].id < entries[j].id
			if oldestFirst {
				return less
			}
			return !less
		}
		less := entries[i].createdAt.Before(entries[j].createdAt)
		if oldestFirst {
			return less
		}
		return !less
	})
	return entries
}

func (m *Manager) snapshot(entryID string) (Snapshot, error) {
	m.mu.RLock()
	e, ok := m.entries[entryID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return e.Snapshot(), nil
}
