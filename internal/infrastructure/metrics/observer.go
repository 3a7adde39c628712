package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hearthstack/hearth-core/internal/events"
)

// Observer converts bus events into Prometheus instruments.
type Observer struct {
	entriesByState   *prometheus.GaugeVec
	transitionsTotal *prometheus.CounterVec
	reauthTotal      *prometheus.CounterVec
	refreshTotal     *prometheus.CounterVec
	refreshDuration  *prometheus.HistogramVec
	available        *prometheus.GaugeVec

	unsubscribe func()
}

// Observe registers lifecycle and refresh instruments and subscribes them
// to the bus. Call Close to detach.
func Observe(bus *events.Bus, reg prometheus.Registerer) *Observer {
	factory := promauto.With(reg)

	o := &Observer{
		entriesByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hearth",
			Subsystem: "lifecycle",
			Name:      "entries",
			Help:      "Config entries by current state.",
		}, []string{"state"}),
		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hearth",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Entry state transitions, by domain and target state.",
		}, []string{"domain", "to"}),
		reauthTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hearth",
			Subsystem: "lifecycle",
			Name:      "reauth_required_total",
			Help:      "Reauthentication prompts raised, by domain.",
		}, []string{"domain"}),
		refreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hearth",
			Subsystem: "coordinator",
			Name:      "refresh_total",
			Help:      "Coordinator refreshes, by source name and outcome.",
		}, []string{"name", "outcome"}),
		refreshDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hearth",
			Subsystem: "coordinator",
			Name:      "refresh_duration_seconds",
			Help:      "Fetch duration per refresh.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"}),
		available: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hearth",
			Subsystem: "coordinator",
			Name:      "available",
			Help:      "Whether the data source is currently reachable (1) or not (0).",
		}, []string{"name"}),
	}

	o.unsubscribe = bus.Subscribe(o.handle)
	return o
}

// PrimeEntryStates seeds the per-state gauge with the counts present at
// boot, before any transition events have fired.
func (o *Observer) PrimeEntryStates(counts map[string]int) {
	for state, n := range counts {
		o.entriesByState.WithLabelValues(state).Set(float64(n))
	}
}

func (o *Observer) handle(ev events.Event) {
	switch e := ev.(type) {
	case events.EntryStateChanged:
		o.entriesByState.WithLabelValues(e.From).Dec()
		o.entriesByState.WithLabelValues(e.To).Inc()
		o.transitionsTotal.WithLabelValues(e.Domain, e.To).Inc()

	case events.ReauthRequired:
		o.reauthTotal.WithLabelValues(e.Domain).Inc()

	case events.RefreshCompleted:
		outcome := "success"
		if !e.OK {
			outcome = "failure"
		}
		o.refreshTotal.WithLabelValues(e.Name, outcome).Inc()
		o.refreshDuration.WithLabelValues(e.Name).Observe(e.Duration.Seconds())

	case events.AvailabilityChanged:
		v := 0.0
		if e.Available {
			v = 1.0
		}
		o.available.WithLabelValues(e.Name).Set(v)
	}
}

// Close detaches the observer from the bus.
func (o *Observer) Close() {
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
}
