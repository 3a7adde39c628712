// Package mqttsensor turns MQTT telemetry into polled sensor readings.
//
// Each entry watches one base topic. Setup subscribes to
// <base_topic>/<sensor> for every configured sensor and parks incoming
// payloads in a mailbox; the coordinator's fetch then snapshots the
// mailbox on its usual interval, so push traffic flows through the same
// refresh pipeline as any polled integration.
//
// Entry data:
//
//	base_topic  topic prefix the devices publish under (required)
//	sensors     sensor names appended to the base topic (required)
//
// Entry options: update_interval and stale_after, both in seconds.
// Readings older than stale_after drop out of the snapshot (0 keeps them
// forever); until the first message arrives on any topic the entry
// reports not ready.
//
// Subscriptions outlive failed setups on purpose: a publisher on a slow
// cycle would never be observed if every retry tore the mailbox down and
// raced it afresh. The mailbox is released when a loaded entry unloads
// or a never-loaded entry is removed.
package mqttsensor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hearthstack/hearth-core/internal/coordinator"
	"github.com/hearthstack/hearth-core/internal/events"
	"github.com/hearthstack/hearth-core/internal/infrastructure/mqtt"
	"github.com/hearthstack/hearth-core/internal/integration"
	"github.com/hearthstack/hearth-core/internal/registry"
	"github.com/hearthstack/hearth-core/internal/scheduler"
	"github.com/hearthstack/hearth-core/internal/worker"
)

// Domain is the integration domain this package registers under.
const Domain = "mqtt_sensor"

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

// Broker is the subset of the MQTT client the integration uses.
type Broker interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Options are the collaborators the integration receives at registration.
type Options struct {
	Broker    Broker
	Scheduler *scheduler.Scheduler
	Pool      *worker.Pool
	Bus       *events.Bus
	Binder    *registry.Binder

	// QoS applies to every subscription the integration makes.
	QoS byte

	// UpdateInterval and StaleAfter are the configured defaults; entry
	// options can override both per entry.
	UpdateInterval time.Duration
	StaleAfter     time.Duration

	Logger Logger
}

// Integration bridges MQTT topics into the refresh pipeline.
type Integration struct {
	broker     Broker
	sched      *scheduler.Scheduler
	pool       *worker.Pool
	bus        *events.Bus
	binder     *registry.Binder
	qos        byte
	interval   time.Duration
	staleAfter time.Duration
	log        Logger

	// bridges holds the per-entry mailboxes. They persist across failed
	// setup attempts so periodic publishers stay observable while the
	// entry backs off, and are dropped on unload or removal.
	mu      sync.Mutex
	bridges map[string]*bridge

	unsubscribe func()
}

// New creates the integration and starts watching for entry removals so
// mailboxes of never-loaded entries get released too.
func New(opts Options) *Integration {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	i := &Integration{
		broker:     opts.Broker,
		sched:      opts.Scheduler,
		pool:       opts.Pool,
		bus:        opts.Bus,
		binder:     opts.Binder,
		qos:        opts.QoS,
		interval:   opts.UpdateInterval,
		staleAfter: opts.StaleAfter,
		log:        opts.Logger,
		bridges:    make(map[string]*bridge),
	}
	if opts.Bus != nil {
		i.unsubscribe = opts.Bus.Subscribe(i.onEvent)
	}
	return i
}

// Close detaches the integration from the event bus.
func (i *Integration) Close() {
	if i.unsubscribe != nil {
		i.unsubscribe()
	}
}

// Domain returns the integration domain.
func (i *Integration) Domain() string { return Domain }

// Version returns the current config schema version.
func (i *Integration) Version() int { return 1 }

// Identify resolves the entry identity from its data so duplicate base
// topics are rejected at creation and identity survives data edits.
func (i *Integration) Identify(_ context.Context, data map[string]any) (string, error) {
	cfg, err := parseBridge(data)
	if err != nil {
		return "", err
	}
	return cfg.baseTopic, nil
}

// Setup subscribes the entry's topics into a mailbox, registers one
// record per sensor, and builds the coordinator that snapshots the
// mailbox.
func (i *Integration) Setup(ctx context.Context, ent integration.Entry) error {
	if i.broker == nil {
		return integration.Fatal("mqtt is not configured")
	}

	cfg, err := parseBridge(ent.Data())
	if err != nil {
		return err
	}
	interval, err := integration.SecondsField(ent.Options(), "update_interval", i.interval)
	if err != nil {
		return err
	}
	staleAfter, err := integration.SecondsField(ent.Options(), "stale_after", i.staleAfter)
	if err != nil {
		return err
	}

	br := i.bridgeFor(ent.ID(), cfg)
	if err := i.ensureSubscriptions(br); err != nil {
		return err
	}

	name := ent.Title()
	if name == "" {
		name = cfg.baseTopic
	}

	for _, sensor := range cfg.sensors {
		rec := &registry.Record{
			UniqueID: cfg.topicFor(sensor),
			EntryID:  ent.ID(),
			Domain:   Domain,
			Name:     sensor,
			Model:    "mqtt-topic",
		}
		if err := i.binder.RegisterRecord(ctx, rec); err != nil {
			return fmt.Errorf("registering sensor record: %w", err)
		}
	}

	p := &poller{bridge: br, staleAfter: staleAfter}

	coord := coordinator.New(coordinator.Options{
		Name:           name,
		EntryID:        ent.ID(),
		Fetch:          p.fetch,
		UpdateInterval: interval,
		Scheduler:      i.sched,
		Pool:           i.pool,
		Bus:            i.bus,
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
			i.log.Warn("mqtt sensor coordinator shutdown", "entry_id", ent.ID(), "error", err)
		}
	})

	if err := coord.RefreshDuringSetup(ctx); err != nil {
		// The mailbox and its subscriptions stay up; the retry loop only
		// needs the publisher to fire once before the next attempt.
		return err
	}

	// Loaded entries own their unsubscribe. Registered only now so a
	// failed attempt's cleanup leaves the mailbox listening.
	ent.OnUnload(func() { i.releaseBridge(ent.ID()) })

	i.log.Info("mqtt sensor bridge ready",
		"entry_id", ent.ID(), "base_topic", cfg.baseTopic, "sensors", len(cfg.sensors))
	return nil
}

// Unload has nothing to release beyond the cleanup Setup registered.
func (i *Integration) Unload(context.Context, integration.Entry) error { return nil }

// ConfirmRemoval approves deleting records for topics the entry no
// longer watches, which happens when the sensor list was reconfigured.
func (i *Integration) ConfirmRemoval(_ context.Context, ent integration.Entry, uniqueID string) (bool, error) {
	p, ok := ent.RuntimeData().(*poller)
	if !ok {
		// Not loaded; nothing to compare the id against.
		return false, nil
	}

	cfg := p.bridge.cfg
	for _, sensor := range cfg.sensors {
		if cfg.topicFor(sensor) == uniqueID {
			return false, nil
		}
	}
	return strings.HasPrefix(uniqueID, cfg.baseTopic+"/"), nil
}

// bridgeFor returns the entry's mailbox, rebuilding it when the
// configuration changed since the last load.
func (i *Integration) bridgeFor(entryID string, cfg bridgeConfig) *bridge {
	i.mu.Lock()
	br := i.bridges[entryID]
	if br != nil && br.cfg.equal(cfg) {
		i.mu.Unlock()
		return br
	}
	fresh := newBridge(cfg)
	i.bridges[entryID] = fresh
	i.mu.Unlock()

	if br != nil {
		i.dropSubscriptions(br)
	}
	return fresh
}

func (i *Integration) ensureSubscriptions(br *bridge) error {
	for _, sensor := range br.cfg.sensors {
		topic := br.cfg.topicFor(sensor)
		if br.subscribed(topic) {
			continue
		}
		if err := i.broker.Subscribe(topic, i.qos, br.handlerFor(sensor)); err != nil {
			return integration.RetryableCause(err, "subscribing to "+topic)
		}
		br.markSubscribed(topic)
	}
	return nil
}

// releaseBridge unsubscribes the entry's topics and drops its mailbox.
func (i *Integration) releaseBridge(entryID string) {
	i.mu.Lock()
	br := i.bridges[entryID]
	delete(i.bridges, entryID)
	i.mu.Unlock()

	if br != nil {
		i.dropSubscriptions(br)
	}
}

func (i *Integration) dropSubscriptions(br *bridge) {
	for _, topic := range br.takeSubscriptions() {
		if err := i.broker.Unsubscribe(topic); err != nil {
			i.log.Warn("mqtt unsubscribe failed", "topic", topic, "error", err)
		}
	}
}

// onEvent releases the mailbox of a removed entry that never reached
// loaded, since no unload callback runs for those.
func (i *Integration) onEvent(ev events.Event) {
	removed, ok := ev.(events.EntryRemoved)
	if !ok || removed.Domain != Domain {
		return
	}
	i.releaseBridge(removed.EntryID)
}

type bridgeConfig struct {
	baseTopic string
	sensors   []string
}

func (c bridgeConfig) topicFor(sensor string) string {
	return c.baseTopic + "/" + sensor
}

func (c bridgeConfig) equal(other bridgeConfig) bool {
	if c.baseTopic != other.baseTopic || len(c.sensors) != len(other.sensors) {
		return false
	}
	for i := range c.sensors {
		if c.sensors[i] != other.sensors[i] {
			return false
		}
	}
	return true
}

func parseBridge(data map[string]any) (bridgeConfig, error) {
	var cfg bridgeConfig

	base, err := integration.StringField(data, "base_topic", "")
	if err != nil {
		return cfg, err
	}
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return cfg, integration.Fatal("base_topic is required")
	}
	if strings.ContainsAny(base, "#+") {
		return cfg, integration.Fatal("base_topic must not contain wildcards")
	}
	cfg.baseTopic = base

	sensors, err := integration.StringsField(data, "sensors")
	if err != nil {
		return cfg, err
	}
	if len(sensors) == 0 {
		return cfg, integration.Fatal("at least one sensor is required")
	}
	seen := make(map[string]bool, len(sensors))
	for idx, sensor := range sensors {
		sensor = strings.Trim(strings.TrimSpace(sensor), "/")
		if sensor == "" {
			return cfg, integration.Fatal("sensor names must not be empty")
		}
		if strings.ContainsAny(sensor, "#+") {
			return cfg, integration.Fatal("sensor %q must not contain wildcards", sensor)
		}
		if seen[sensor] {
			return cfg, integration.Fatal("duplicate sensor %q", sensor)
		}
		seen[sensor] = true
		sensors[idx] = sensor
	}
	cfg.sensors = sensors

	return cfg, nil
}

// bridge is the per-entry mailbox: the last payload seen on each sensor
// topic plus the set of live subscriptions.
type bridge struct {
	cfg bridgeConfig

	mu       sync.Mutex
	received bool
	last     map[string]sighting
	subs     map[string]bool
}

type sighting struct {
	value any
	at    time.Time
}

func newBridge(cfg bridgeConfig) *bridge {
	return &bridge{
		cfg:  cfg,
		last: make(map[string]sighting),
		subs: make(map[string]bool),
	}
}

// handlerFor parks incoming payloads under the sensor's name. The handler
// runs on the MQTT client's goroutine.
func (b *bridge) handlerFor(sensor string) mqtt.MessageHandler {
	return func(_ string, payload []byte) error {
		v := decodePayload(payload)
		b.mu.Lock()
		b.received = true
		b.last[sensor] = sighting{value: v, at: time.Now()}
		b.mu.Unlock()
		return nil
	}
}

func (b *bridge) subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[topic]
}

func (b *bridge) markSubscribed(topic string) {
	b.mu.Lock()
	b.subs[topic] = true
	b.mu.Unlock()
}

// takeSubscriptions empties the subscription set and returns it sorted,
// so release is idempotent.
func (b *bridge) takeSubscriptions() []string {
	b.mu.Lock()
	topics := make([]string, 0, len(b.subs))
	for topic := range b.subs {
		topics = append(topics, topic)
	}
	b.subs = make(map[string]bool)
	b.mu.Unlock()

	sort.Strings(topics)
	return topics
}

// poller is the per-load runtime state handed to the coordinator.
type poller struct {
	bridge     *bridge
	staleAfter time.Duration
	coord      *coordinator.Coordinator
}

// fetch snapshots the mailbox. Sensors silent longer than staleAfter are
// left out so availability tracks the publisher; a mailbox that has never
// heard anything reports not ready.
func (p *poller) fetch(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now()

	p.bridge.mu.Lock()
	defer p.bridge.mu.Unlock()

	if !p.bridge.received {
		return nil, integration.Retryable("no messages on %s yet", p.bridge.cfg.baseTopic)
	}

	out := make(map[string]any, len(p.bridge.last))
	for sensor, s := range p.bridge.last {
		if p.staleAfter > 0 && now.Sub(s.at) > p.staleAfter {
			continue
		}
		out[p.bridge.cfg.topicFor(sensor)] = map[string]any{
			"value":       s.value,
			"received_at": s.at.UTC().Format(time.RFC3339),
		}
	}
	return out, nil
}

// decodePayload keeps JSON payloads structured and falls back to the raw
// text for plain values like "21.5" published by simple firmware.
func decodePayload(payload []byte) any {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	return v
}
