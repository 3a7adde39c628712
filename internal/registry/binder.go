package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hearthstack/hearth-core/internal/events"
	"github.com/hearthstack/hearth-core/internal/integration"
)

// Logger is the minimal logging interface the binder needs.
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

// EntryStates is the view of entry lifecycle state the binder needs.
// Implemented by entry.Manager.
type EntryStates interface {
	IsLoaded(entryID string) bool
	Lookup(entryID string) (integration.Entry, bool)
}

// SnapshotSource is the live data view a bound coordinator exposes.
// Implemented by coordinator.Coordinator.
type SnapshotSource interface {
	Has(uniqueID string) bool
}

// Options configures a Binder.
type Options struct {
	Store        Store
	Entries      EntryStates
	Integrations *integration.Registry

	// Bus, when set, is watched for EntryRemoved so bindings and records
	// of deleted entries are cleaned up even if the unload never ran.
	Bus *events.Bus

	Logger Logger
}

// Binder joins the persisted device records with the live state needed
// to answer availability: which entries are loaded, and what each
// entry's coordinator currently sees. Records are cached in memory and
// kept in sync by the binder's own mutations; availability itself is
// computed fresh on every call.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Binder struct {
	store   Store
	entries EntryStates
	integs  *integration.Registry
	log     Logger

	cacheMu sync.RWMutex
	records map[string]Record

	bindMu   sync.RWMutex
	bindings map[string]SnapshotSource

	unsub func()
}

// NewBinder creates a Binder. Call RefreshCache before serving lookups.
func NewBinder(opts Options) *Binder {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	b := &Binder{
		store:    opts.Store,
		entries:  opts.Entries,
		integs:   opts.Integrations,
		log:      opts.Logger,
		records:  make(map[string]Record),
		bindings: make(map[string]SnapshotSource),
	}
	if opts.Bus != nil {
		b.unsub = opts.Bus.Subscribe(b.onEvent)
	}
	return b
}

// Close releases the event bus subscription.
func (b *Binder) Close() {
	if b.unsub != nil {
		b.unsub()
	}
}

func (b *Binder) onEvent(ev events.Event) {
	removed, ok := ev.(events.EntryRemoved)
	if !ok {
		return
	}

	b.Unbind(removed.EntryID)
	// The database rows follow the entry via the FK cascade; this drops
	// the cached copies and covers stores without cascade semantics.
	if _, err := b.RemoveEntryRecords(context.Background(), removed.EntryID); err != nil {
		b.log.Warn("purging records of removed entry",
			"entry_id", removed.EntryID, "error", err)
	}
}

// RefreshCache loads every persisted record into memory. This should be
// called on application startup, before integrations start registering.
func (b *Binder) RefreshCache(ctx context.Context) error {
	records, err := b.store.List(ctx)
	if err != nil {
		return fmt.Errorf("loading registry records: %w", err)
	}

	b.cacheMu.Lock()
	b.records = make(map[string]Record, len(records))
	for _, rec := range records {
		b.records[rec.UniqueID] = rec
	}
	b.cacheMu.Unlock()

	b.log.Info("registry cache refreshed", "count", len(records))
	return nil
}

// Bind associates an entry with the live snapshot source its coordinator
// exposes. Integrations call this during setup and release it on unload.
func (b *Binder) Bind(entryID string, src SnapshotSource) {
	b.bindMu.Lock()
	b.bindings[entryID] = src
	b.bindMu.Unlock()

	b.log.Debug("entry bound", "entry_id", entryID)
}

// Unbind drops the entry's snapshot source. Safe to call when not bound.
func (b *Binder) Unbind(entryID string) {
	b.bindMu.Lock()
	delete(b.bindings, entryID)
	b.bindMu.Unlock()

	b.log.Debug("entry unbound", "entry_id", entryID)
}

// Bound reports whether the entry currently has a snapshot source.
func (b *Binder) Bound(entryID string) bool {
	b.bindMu.RLock()
	defer b.bindMu.RUnlock()
	_, ok := b.bindings[entryID]
	return ok
}

// IsAvailable reports whether the device behind uniqueID is usable right
// now: its record exists, its owning entry is loaded, and the entry's
// coordinator has the id in its current snapshot. The answer is computed
// fresh on every call and never stored.
func (b *Binder) IsAvailable(uniqueID string) bool {
	b.cacheMu.RLock()
	rec, ok := b.records[uniqueID]
	b.cacheMu.RUnlock()
	if !ok {
		return false
	}

	if !b.entries.IsLoaded(rec.EntryID) {
		return false
	}

	b.bindMu.RLock()
	src, bound := b.bindings[rec.EntryID]
	b.bindMu.RUnlock()

	return bound && src.Has(uniqueID)
}

// RegisterRecord validates and upserts a record. Integrations call this
// during setup for every device they expose; re-registration refreshes
// the metadata and keeps the original creation time.
func (b *Binder) RegisterRecord(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := b.store.Upsert(ctx, rec); err != nil {
		return err
	}

	stored, err := b.store.Get(ctx, rec.UniqueID)
	if err != nil {
		return fmt.Errorf("reading back record: %w", err)
	}

	b.cacheMu.Lock()
	b.records[stored.UniqueID] = *stored
	b.cacheMu.Unlock()

	b.log.Debug("record registered",
		"unique_id", stored.UniqueID, "entry_id", stored.EntryID, "domain", stored.Domain)
	return nil
}

// Get retrieves a record by unique id.
func (b *Binder) Get(ctx context.Context, uniqueID string) (*Record, error) {
	b.cacheMu.RLock()
	rec, ok := b.records[uniqueID]
	b.cacheMu.RUnlock()
	if ok {
		out := rec
		return &out, nil
	}

	stored, err := b.store.Get(ctx, uniqueID)
	if err != nil {
		return nil, err
	}

	b.cacheMu.Lock()
	b.records[stored.UniqueID] = *stored
	b.cacheMu.Unlock()

	return stored, nil
}

// List retrieves all records ordered by unique id.
func (b *Binder) List(ctx context.Context) ([]Record, error) {
	b.cacheMu.RLock()
	if len(b.records) > 0 {
		out := make([]Record, 0, len(b.records))
		for _, rec := range b.records {
			out = append(out, rec)
		}
		b.cacheMu.RUnlock()

		sort.Slice(out, func(i, j int) bool { return out[i].UniqueID < out[j].UniqueID })
		return out, nil
	}
	b.cacheMu.RUnlock()

	return b.store.List(ctx)
}

// ListByEntry retrieves the records owned by one entry, ordered by
// unique id.
func (b *Binder) ListByEntry(ctx context.Context, entryID string) ([]Record, error) {
	b.cacheMu.RLock()
	if len(b.records) > 0 {
		var out []Record
		for _, rec := range b.records {
			if rec.EntryID == entryID {
				out = append(out, rec)
			}
		}
		b.cacheMu.RUnlock()

		sort.Slice(out, func(i, j int) bool { return out[i].UniqueID < out[j].UniqueID })
		return out, nil
	}
	b.cacheMu.RUnlock()

	return b.store.ListByEntry(ctx, entryID)
}

// Count reports the number of known records.
func (b *Binder) Count() int {
	b.cacheMu.RLock()
	defer b.cacheMu.RUnlock()
	return len(b.records)
}

// RemoveRecord deletes one record. While the owning entry still exists,
// its integration must confirm the id is gone upstream; a device that is
// merely unreachable is not confirmation, and the refusal is
// ErrStillPresent. Once the owning entry is gone the record can always
// be deleted.
func (b *Binder) RemoveRecord(ctx context.Context, uniqueID string) error {
	rec, err := b.Get(ctx, uniqueID)
	if err != nil {
		return err
	}

	if ent, owned := b.entries.Lookup(rec.EntryID); owned {
		integ, registered := b.integs.Get(rec.Domain)
		if !registered {
			return fmt.Errorf("%w: integration %q not registered", ErrStillPresent, rec.Domain)
		}
		confirmer, can := integ.(integration.RemovalConfirmer)
		if !can {
			return fmt.Errorf("%w: %s cannot confirm removals", ErrStillPresent, rec.Domain)
		}

		confirmed, err := confirmer.ConfirmRemoval(ctx, ent, uniqueID)
		if err != nil {
			return fmt.Errorf("confirming removal of %s: %w", uniqueID, err)
		}
		if !confirmed {
			return ErrStillPresent
		}
	}

	if err := b.store.Delete(ctx, uniqueID); err != nil {
		return err
	}

	b.cacheMu.Lock()
	delete(b.records, uniqueID)
	b.cacheMu.Unlock()

	b.log.Info("record removed", "unique_id", uniqueID, "entry_id", rec.EntryID)
	return nil
}

// RemoveEntryRecords deletes every record owned by entryID and reports
// how many were removed.
func (b *Binder) RemoveEntryRecords(ctx context.Context, entryID string) (int, error) {
	deleted, err := b.store.DeleteByEntry(ctx, entryID)
	if err != nil {
		return 0, err
	}

	removed := 0
	b.cacheMu.Lock()
	for id, rec := range b.records {
		if rec.EntryID == entryID {
			delete(b.records, id)
			removed++
		}
	}
	b.cacheMu.Unlock()

	// The cascade may have emptied the table before we got here; count
	// whichever side saw the rows.
	if deleted > removed {
		removed = deleted
	}
	if removed > 0 {
		b.log.Info("entry records removed", "entry_id", entryID, "count", removed)
	}
	return removed, nil
}
