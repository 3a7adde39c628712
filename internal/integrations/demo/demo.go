// Package demo simulates a small park of virtual sensors so every
// lifecycle path is reachable from a running system without hardware.
//
// Entry data knobs:
//
//	device_count   number of virtual sensors (default 3)
//	fail_mode      "" (healthy) | "transient" | "auth" | "fatal"
//	fail_after     successful fetches before the script starts failing
//	recover_after  failed fetches before the script recovers (0 = never)
//
// The failure script counts fetches per configuration: setup retries and
// reloads continue the count, while changing any knob (reconfigure, reauth
// with edited data) starts it over. fail_mode=fatal with fail_after=0
// rejects setup outright, like a configuration that can never work.
//
// Entry options: update_interval (seconds) overrides the configured
// polling default.
package demo

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hearthstack/hearth-core/internal/coordinator"
	"github.com/hearthstack/hearth-core/internal/events"
	"github.com/hearthstack/hearth-core/internal/integration"
	"github.com/hearthstack/hearth-core/internal/registry"
	"github.com/hearthstack/hearth-core/internal/scheduler"
	"github.com/hearthstack/hearth-core/internal/worker"
)

// Domain is the integration domain this package registers under.
const Domain = "demo"

const (
	defaultDeviceCount = 3

	failModeTransient = "transient"
	failModeAuth      = "auth"
	failModeFatal     = "fatal"
)

// Synthetic reading shape. Values drift on slow sine waves so dashboards
// show movement without a random source.
const (
	baseTemperature   = 21.0
	temperatureSwing  = 2.5
	temperaturePeriod = 300.0
	baseHumidity      = 46.0
	humiditySwing     = 7.0
	humidityPeriod    = 420.0
)

// Logger is the subset of the application logger the integration uses.
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

// Options are the collaborators the integration receives at registration.
type Options struct {
	Scheduler *scheduler.Scheduler
	Pool      *worker.Pool
	Bus       *events.Bus
	Binder    *registry.Binder

	// UpdateInterval is the default polling interval; entry options can
	// override it per entry.
	UpdateInterval time.Duration

	// OnAuthFailure routes scripted credential rejections during polling
	// back to the entry lifecycle.
	OnAuthFailure coordinator.AuthFailureFunc

	Logger Logger
}

// Integration is the demo device park.
type Integration struct {
	sched         *scheduler.Scheduler
	pool          *worker.Pool
	bus           *events.Bus
	binder        *registry.Binder
	interval      time.Duration
	onAuthFailure coordinator.AuthFailureFunc
	log           Logger

	// scripts tracks fetch counts per entry across loads, keyed to the
	// configuration they were counted under, so a not-ready entry can
	// eventually come up without operator action.
	scriptMu sync.Mutex
	scripts  map[string]*script
}

type script struct {
	cfg parkConfig

	mu      sync.Mutex
	fetches int
}

// New creates the integration with its collaborators.
func New(opts Options) *Integration {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Integration{
		sched:         opts.Scheduler,
		pool:          opts.Pool,
		bus:           opts.Bus,
		binder:        opts.Binder,
		interval:      opts.UpdateInterval,
		onAuthFailure: opts.OnAuthFailure,
		log:           opts.Logger,
		scripts:       make(map[string]*script),
	}
}

// Domain returns the integration domain.
func (i *Integration) Domain() string { return Domain }

// Version returns the current config schema version.
func (i *Integration) Version() int { return 1 }

// Setup registers the park's device records, builds the coordinator, and
// primes it with a first refresh.
func (i *Integration) Setup(ctx context.Context, ent integration.Entry) error {
	cfg, err := parsePark(ent.Data())
	if err != nil {
		return err
	}
	if cfg.failMode == failModeFatal && cfg.failAfter == 0 {
		return integration.Fatal("configured to fail: fail_mode=fatal with fail_after=0")
	}

	interval, err := integration.SecondsField(ent.Options(), "update_interval", i.interval)
	if err != nil {
		return err
	}

	name := ent.Title()
	if name == "" {
		name = Domain
	}

	for idx := 1; idx <= cfg.deviceCount; idx++ {
		rec := &registry.Record{
			UniqueID:     deviceID(ent.ID(), idx),
			EntryID:      ent.ID(),
			Domain:       Domain,
			Name:         fmt.Sprintf("%s sensor %d", name, idx),
			Model:        "virtual-sensor",
			Manufacturer: "hearth",
			SWVersion:    "1.0",
		}
		if err := i.binder.RegisterRecord(ctx, rec); err != nil {
			return fmt.Errorf("registering demo device: %w", err)
		}
	}

	p := &park{cfg: cfg, entryID: ent.ID(), script: i.scriptFor(ent.ID(), cfg)}

	coord := coordinator.New(coordinator.Options{
		Name:           name,
		EntryID:        ent.ID(),
		Fetch:          p.fetch,
		UpdateInterval: interval,
		Scheduler:      i.sched,
		Pool:           i.pool,
		Bus:            i.bus,
		OnAuthFailure:  i.onAuthFailure,
		Logger:         i.log,
	})
	p.coord = coord
	ent.SetRuntimeData(p)

	i.binder.Bind(ent.ID(), coord)
	ent.OnUnload(func() { i.binder.Unbind(ent.ID()) })
	ent.OnUnload(func() {
		sctx, cancel := context.WithTimeout(context.Background(), coordinator.DefaultFetchTimeout)
		defer cancel()
		if err := coord.Shutdown(sctx); err != nil {
			i.log.Warn("demo coordinator shutdown", "entry_id", ent.ID(), "error", err)
		}
	})

	if err := coord.RefreshDuringSetup(ctx); err != nil {
		return err
	}

	i.log.Info("demo park ready", "entry_id", ent.ID(), "devices", cfg.deviceCount)
	return nil
}

// Unload has nothing to release beyond the cleanup Setup registered.
func (i *Integration) Unload(context.Context, integration.Entry) error { return nil }

// ConfirmRemoval approves deleting records the park no longer exposes,
// which happens when device_count was reconfigured downward. Devices still
// inside the park are never confirmed.
func (i *Integration) ConfirmRemoval(_ context.Context, ent integration.Entry, uniqueID string) (bool, error) {
	p, ok := ent.RuntimeData().(*park)
	if !ok {
		// Not loaded; nothing to compare the id against.
		return false, nil
	}

	idx, ok := deviceIndex(ent.ID(), uniqueID)
	if !ok {
		return false, nil
	}
	return idx > p.cfg.deviceCount, nil
}

func (i *Integration) scriptFor(entryID string, cfg parkConfig) *script {
	i.scriptMu.Lock()
	defer i.scriptMu.Unlock()

	s := i.scripts[entryID]
	if s == nil || s.cfg != cfg {
		s = &script{cfg: cfg}
		i.scripts[entryID] = s
	}
	return s
}

type parkConfig struct {
	deviceCount  int
	failMode     string
	failAfter    int
	recoverAfter int
}

func parsePark(data map[string]any) (parkConfig, error) {
	var cfg parkConfig

	var err error
	if cfg.deviceCount, err = integration.IntField(data, "device_count", defaultDeviceCount); err != nil {
		return cfg, err
	}
	if cfg.deviceCount < 1 {
		return cfg, integration.Fatal("device_count must be at least 1, got %d", cfg.deviceCount)
	}

	if cfg.failMode, err = integration.StringField(data, "fail_mode", ""); err != nil {
		return cfg, err
	}
	switch cfg.failMode {
	case "", failModeTransient, failModeAuth, failModeFatal:
	default:
		return cfg, integration.Fatal("unknown fail_mode %q", cfg.failMode)
	}

	if cfg.failAfter, err = integration.IntField(data, "fail_after", 0); err != nil {
		return cfg, err
	}
	if cfg.recoverAfter, err = integration.IntField(data, "recover_after", 0); err != nil {
		return cfg, err
	}
	if cfg.failAfter < 0 || cfg.recoverAfter < 0 {
		return cfg, integration.Fatal("fail_after and recover_after must not be negative")
	}

	return cfg, nil
}

// park is the per-load runtime state: the parsed configuration, the
// coordinator, and the failure script shared across loads.
type park struct {
	cfg     parkConfig
	entryID string
	script  *script
	coord   *coordinator.Coordinator
}

// fetch produces one synthetic snapshot, or the scripted failure.
func (p *park) fetch(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.script.mu.Lock()
	n := p.script.fetches
	p.script.fetches++
	p.script.mu.Unlock()

	if p.cfg.failMode != "" && n >= p.cfg.failAfter {
		failed := n - p.cfg.failAfter
		if p.cfg.recoverAfter == 0 || failed < p.cfg.recoverAfter {
			switch p.cfg.failMode {
			case failModeAuth:
				return nil, integration.AuthFailed("scripted credential rejection")
			case failModeFatal:
				return nil, integration.Fatal("scripted fatal failure")
			default:
				return nil, integration.Retryable("scripted outage")
			}
		}
	}

	return p.snapshot(time.Now()), nil
}

func (p *park) snapshot(now time.Time) map[string]any {
	out := make(map[string]any, p.cfg.deviceCount)
	t := float64(now.Unix())
	for idx := 1; idx <= p.cfg.deviceCount; idx++ {
		out[deviceID(p.entryID, idx)] = map[string]any{
			"temperature": roundTenth(baseTemperature + temperatureSwing*math.Sin(t/temperaturePeriod+float64(idx))),
			"humidity":    roundTenth(baseHumidity + humiditySwing*math.Cos(t/humidityPeriod+float64(idx))),
			"updated_at":  now.UTC().Format(time.RFC3339),
		}
	}
	return out
}

const tenths = 10

func roundTenth(v float64) float64 { return math.Round(v*tenths) / tenths }

func deviceID(entryID string, idx int) string {
	return fmt.Sprintf("demo-%s-%d", entryID, idx)
}

// deviceIndex recovers the park index from a device unique id, rejecting
// ids that belong to another entry.
func deviceIndex(entryID, uniqueID string) (int, bool) {
	prefix := "demo-" + entryID + "-"
	rest, ok := strings.CutPrefix(uniqueID, prefix)
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 1 {
		return 0, false
	}
	return idx, true
}

