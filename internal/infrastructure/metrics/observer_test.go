package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hearthstack/hearth-core/internal/events"
)

func newTestObserver(t *testing.T) (*events.Bus, *Observer) {
	t.Helper()
	bus := events.NewBus()
	o := Observe(bus, prometheus.NewRegistry())
	t.Cleanup(o.Close)
	return bus, o
}

func TestObserverTracksTransitions(t *testing.T) {
	bus, o := newTestObserver(t)

	o.PrimeEntryStates(map[string]int{"not_loaded": 2})

	bus.Publish(events.EntryStateChanged{
		EntryID: "e1", Domain: "demo", From: "not_loaded", To: "setup_in_progress",
	})
	bus.Publish(events.EntryStateChanged{
		EntryID: "e1", Domain: "demo", From: "setup_in_progress", To: "loaded",
	})

	if got := testutil.ToFloat64(o.entriesByState.WithLabelValues("not_loaded")); got != 1 {
		t.Errorf("entries{not_loaded} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(o.entriesByState.WithLabelValues("loaded")); got != 1 {
		t.Errorf("entries{loaded} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(o.transitionsTotal.WithLabelValues("demo", "loaded")); got != 1 {
		t.Errorf("transitions_total{demo,loaded} = %v, want 1", got)
	}
}

func TestObserverTracksRefreshes(t *testing.T) {
	bus, o := newTestObserver(t)

	bus.Publish(events.RefreshCompleted{
		EntryID: "e1", Name: "demo-park", OK: true, Duration: 40 * time.Millisecond,
	})
	bus.Publish(events.RefreshCompleted{
		EntryID: "e1", Name: "demo-park", OK: false, Error: "timeout", Duration: 2 * time.Second,
	})

	if got := testutil.ToFloat64(o.refreshTotal.WithLabelValues("demo-park", "success")); got != 1 {
		t.Errorf("refresh_total{success} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(o.refreshTotal.WithLabelValues("demo-park", "failure")); got != 1 {
		t.Errorf("refresh_total{failure} = %v, want 1", got)
	}
}

func TestObserverTracksAvailability(t *testing.T) {
	bus, o := newTestObserver(t)

	bus.Publish(events.AvailabilityChanged{EntryID: "e1", Name: "demo-park", Available: false})
	if got := testutil.ToFloat64(o.available.WithLabelValues("demo-park")); got != 0 {
		t.Errorf("available = %v, want 0", got)
	}

	bus.Publish(events.AvailabilityChanged{EntryID: "e1", Name: "demo-park", Available: true})
	if got := testutil.ToFloat64(o.available.WithLabelValues("demo-park")); got != 1 {
		t.Errorf("available = %v, want 1", got)
	}
}

func TestObserverCloseDetaches(t *testing.T) {
	bus, o := newTestObserver(t)

	o.Close()
	bus.Publish(events.ReauthRequired{EntryID: "e1", Domain: "demo"})

	if got := testutil.ToFloat64(o.reauthTotal.WithLabelValues("demo")); got != 0 {
		t.Errorf("reauth_required_total = %v after Close, want 0", got)
	}
	if bus.Len() != 0 {
		t.Errorf("bus.Len() = %d after Close, want 0", bus.Len())
	}
}
