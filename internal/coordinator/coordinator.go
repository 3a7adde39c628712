package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hearthstack/hearth-core/internal/events"
	"github.com/hearthstack/hearth-core/internal/integration"
	"github.com/hearthstack/hearth-core/internal/scheduler"
	"github.com/hearthstack/hearth-core/internal/worker"
)

// ErrShutdown is returned by refresh operations after Shutdown has begun.
var ErrShutdown = errors.New("coordinator: shut down")

// DefaultFetchTimeout bounds one fetch when Options leaves it zero.
const DefaultFetchTimeout = 10 * time.Second

// FetchFunc retrieves one snapshot from the external source, keyed by
// unique id. It must honor ctx cancellation.
type FetchFunc func(ctx context.Context) (map[string]any, error)

// AuthFailureFunc receives fetch auth failures for out-of-band entry
// handling.
type AuthFailureFunc func(entryID string, err error)

// Logger is the minimal logging interface the coordinator needs.
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

// Options configures a Coordinator.
type Options struct {
	Name    string
	EntryID string
	Fetch   FetchFunc

	// UpdateInterval schedules the next refresh that long after each
	// completion. Zero disables scheduling; refreshes are manual only.
	UpdateInterval time.Duration
	FetchTimeout   time.Duration

	Scheduler *scheduler.Scheduler
	Pool      *worker.Pool
	Bus       *events.Bus

	// OnAuthFailure is invoked after a refresh fails with an auth error,
	// once the refresh has fully completed.
	OnAuthFailure AuthFailureFunc

	Logger Logger
}

// flight is one refresh execution. Joiners wait on done and read err
// afterwards; err is written exactly once before done is closed.
type flight struct {
	done chan struct{}
	err  error
}

// Coordinator fetches one external data source, caches the last good
// snapshot, and fans completion out to ordered listeners.
//
// At most one fetch is in flight at a time: refresh requests made while
// one runs join its outcome instead of starting another. A failed fetch
// never clears the cached snapshot. The next scheduled refresh is armed
// when the current one completes, so overlap is bounded at one.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Coordinator struct {
	name          string
	entryID       string
	fetch         FetchFunc
	interval      time.Duration
	fetchTimeout  time.Duration
	sched         *scheduler.Scheduler
	pool          *worker.Pool
	bus           *events.Bus
	onAuthFailure AuthFailureFunc
	log           Logger

	mu         sync.Mutex
	lastData   map[string]any
	lastErr    error
	failures   int
	current    *flight
	nextHandle *scheduler.Handle
	shutdown   bool

	listenerMu sync.Mutex
	listeners  []listener
	nextListID uint64
}

type listener struct {
	id uint64
	fn func()
}

// New creates a Coordinator. The first refresh is not started here; call
// RefreshDuringSetup (or RequestRefresh) to prime the snapshot and arm
// the schedule.
func New(opts Options) *Coordinator {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Coordinator{
		name:          opts.Name,
		entryID:       opts.EntryID,
		fetch:         opts.Fetch,
		interval:      opts.UpdateInterval,
		fetchTimeout:  opts.FetchTimeout,
		sched:         opts.Scheduler,
		pool:          opts.Pool,
		bus:           opts.Bus,
		onAuthFailure: opts.OnAuthFailure,
		log:           opts.Logger,
	}
}

// Name returns the coordinator's display name.
func (c *Coordinator) Name() string { return c.name }

// EntryID returns the owning entry id.
func (c *Coordinator) EntryID() string { return c.entryID }

// Data returns the last successfully fetched snapshot, or nil before the
// first success. The returned map is shared; callers must treat it as
// read-only.
func (c *Coordinator) Data() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastData
}

// Has reports whether uniqueID is a key in the current snapshot.
func (c *Coordinator) Has(uniqueID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lastData[uniqueID]
	return ok
}

// LastError returns the error of the most recent failed refresh, or nil
// while the source is healthy.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// FailureCount returns the number of consecutive failed refreshes.
func (c *Coordinator) FailureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Subscribe registers a payload-free callback invoked after every
// refresh, in subscription order. Callbacks run on the refreshing
// goroutine while that refresh is still being accounted in flight, so
// they must read Data and hand off; calling RequestRefresh or Shutdown
// from inside a callback deadlocks. The returned function removes the
// subscription; calling it during a notification is safe and takes
// effect for the next pass.
func (c *Coordinator) Subscribe(fn func()) (unsubscribe func()) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()

	c.nextListID++
	id := c.nextListID
	c.listeners = append(c.listeners, listener{id: id, fn: fn})

	return func() {
		c.listenerMu.Lock()
		defer c.listenerMu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// Listeners reports the number of active subscriptions.
func (c *Coordinator) Listeners() int {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	return len(c.listeners)
}

// RequestRefresh fetches a new snapshot, or joins the refresh already in
// flight and returns its outcome. Joining callers whose ctx expires stop
// waiting; the shared fetch itself keeps running under its own timeout.
func (c *Coordinator) RequestRefresh(ctx context.Context) error {
	f, started := c.startFlight()
	if f == nil {
		return ErrShutdown
	}
	if !started {
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	start := time.Now()
	data, err := c.doFetch()
	c.finishRefresh(f, data, err, time.Since(start))
	return f.err
}

// RefreshDuringSetup performs the initial blocking refresh while the
// owning entry is setting up. Auth failures pass through so the entry
// routes to reauth; every other failure is reported as retryable so the
// entry lands in setup_retry instead of setup_error.
func (c *Coordinator) RefreshDuringSetup(ctx context.Context) error {
	err := c.RequestRefresh(ctx)
	if err == nil {
		return nil
	}
	if integration.IsAuthFailure(err) || integration.IsRetryable(err) {
		return err
	}
	return integration.RetryableCause(err, "initial refresh failed")
}

// Shutdown cancels the scheduled refresh, rejects new ones, and waits
// for an in-flight refresh (bounded by its fetch timeout) to complete.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shutdown = true
	if c.nextHandle != nil {
		c.nextHandle.Cancel()
		c.nextHandle = nil
	}
	f := c.current
	c.mu.Unlock()

	if f == nil {
		return nil
	}
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startFlight returns the flight to wait on. started is true when the
// caller owns execution of a new flight; a nil flight means shut down.
// Starting a flight disarms the pending scheduled refresh, since the
// next one is always armed from completion.
func (c *Coordinator) startFlight() (f *flight, started bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return nil, false
	}
	if c.current != nil {
		return c.current, false
	}
	if c.nextHandle != nil {
		c.nextHandle.Cancel()
		c.nextHandle = nil
	}
	f = &flight{done: make(chan struct{})}
	c.current = f
	return f, true
}

func (c *Coordinator) doFetch() (map[string]any, error) {
	var (
		resMu sync.Mutex
		res   map[string]any
	)
	err := c.pool.Do(context.Background(), "refresh "+c.name, c.fetchTimeout, func(tctx context.Context) error {
		data, ferr := c.fetch(tctx)
		if ferr != nil {
			return ferr
		}
		resMu.Lock()
		res = data
		resMu.Unlock()
		return nil
	})

	resMu.Lock()
	data := res
	resMu.Unlock()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// finishRefresh applies one refresh outcome: mutate the snapshot, emit
// availability edges, notify listeners, release the flight slot, arm
// the next refresh, wake joiners, and only then surface auth failures.
// Listeners run before the slot clears so notification passes never
// overlap. The slot must clear before the next tick is armed, or a
// tick firing in between would join this completed flight and the
// polling chain would never re-arm. The auth callback runs last
// because it can trigger an unload whose Shutdown waits for the
// in-flight refresh.
func (c *Coordinator) finishRefresh(f *flight, data map[string]any, err error, elapsed time.Duration) {
	now := time.Now().UTC()

	c.mu.Lock()
	var recovered, becameUnavailable bool
	if err == nil {
		if c.failures > 0 {
			recovered = true
		}
		c.lastData = data
		c.lastErr = nil
		c.failures = 0
	} else {
		c.failures++
		c.lastErr = err
		if c.failures == 1 {
			becameUnavailable = true
		}
	}
	failures := c.failures
	shutdown := c.shutdown
	c.mu.Unlock()

	switch {
	case recovered:
		c.log.Info("data source recovered", "name", c.name)
		c.bus.Publish(events.AvailabilityChanged{
			EntryID: c.entryID, Name: c.name, Available: true, At: now,
		})
	case becameUnavailable:
		c.log.Warn("data source unavailable", "name", c.name, "error", err)
		c.bus.Publish(events.AvailabilityChanged{
			EntryID: c.entryID, Name: c.name, Available: false, Error: err.Error(), At: now,
		})
	case err != nil:
		c.log.Debug("refresh still failing", "name", c.name, "failures", failures, "error", err)
	}

	ev := events.RefreshCompleted{
		EntryID: c.entryID, Name: c.name, OK: err == nil, Duration: elapsed, At: now,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	c.bus.Publish(ev)

	if !shutdown {
		c.notifyListeners()
	}

	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()

	c.scheduleNext()

	f.err = err
	close(f.done)

	if err != nil && integration.IsAuthFailure(err) && c.onAuthFailure != nil {
		c.onAuthFailure(c.entryID, err)
	}
}

func (c *Coordinator) notifyListeners() {
	c.listenerMu.Lock()
	snapshot := make([]listener, len(c.listeners))
	copy(snapshot, c.listeners)
	c.listenerMu.Unlock()

	for _, l := range snapshot {
		l.fn()
	}
}

func (c *Coordinator) scheduleNext() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown || c.interval <= 0 {
		return
	}
	if c.nextHandle != nil {
		c.nextHandle.Cancel()
	}
	c.nextHandle = c.sched.Schedule(c.interval, func() {
		if err := c.RequestRefresh(context.Background()); err != nil && !errors.Is(err, ErrShutdown) {
			c.log.Debug("scheduled refresh failed", "name", c.name, "error", err)
		}
	})
}
