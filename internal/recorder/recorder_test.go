package recorder

import (
	"errors"
	"testing"
	"time"

	"github.com/hearthstack/hearth-core/internal/events"
)

type stateWrite struct {
	entryID, domain, from, to string
}

type availWrite struct {
	entryID, name string
	available     bool
}

type refreshWrite struct {
	entryID, name string
	duration      time.Duration
	ok            bool
}

// fakeSink records every write so tests can assert on routing. The bus
// delivers synchronously on the publisher's goroutine, so no locking is
// needed here.
type fakeSink struct {
	states    []stateWrite
	avails    []availWrite
	refreshes []refreshWrite
	flushes   int
	onError   func(err error)
}

func (s *fakeSink) WriteEntryState(entryID, domain, from, to string) {
	s.states = append(s.states, stateWrite{entryID, domain, from, to})
}

func (s *fakeSink) WriteAvailability(entryID, name string, available bool) {
	s.avails = append(s.avails, availWrite{entryID, name, available})
}

func (s *fakeSink) WriteRefresh(entryID, name string, duration time.Duration, ok bool) {
	s.refreshes = append(s.refreshes, refreshWrite{entryID, name, duration, ok})
}

func (s *fakeSink) SetOnError(callback func(err error)) { s.onError = callback }

func (s *fakeSink) Flush() { s.flushes++ }

type recordingLogger struct {
	warns []string
}

func (l *recordingLogger) Warn(msg string, _ ...any) { l.warns = append(l.warns, msg) }

func TestRecorderRoutesEvents(t *testing.T) {
	bus := events.NewBus()
	sink := &fakeSink{}
	rec := New(sink, bus, nil)
	defer rec.Close()

	now := time.Now()
	bus.Publish(events.EntryStateChanged{
		EntryID: "e1", Domain: "demo", From: "setup_in_progress", To: "loaded", At: now,
	})
	bus.Publish(events.AvailabilityChanged{
		EntryID: "e1", Name: "demo", Available: true, At: now,
	})
	bus.Publish(events.RefreshCompleted{
		EntryID: "e1", Name: "demo", OK: false, Error: "boom", Duration: 150 * time.Millisecond, At: now,
	})

	if len(sink.states) != 1 {
		t.Fatalf("entry state writes = %d, want 1", len(sink.states))
	}
	if got, want := sink.states[0], (stateWrite{"e1", "demo", "setup_in_progress", "loaded"}); got != want {
		t.Errorf("entry state write = %+v, want %+v", got, want)
	}

	if len(sink.avails) != 1 {
		t.Fatalf("availability writes = %d, want 1", len(sink.avails))
	}
	if got, want := sink.avails[0], (availWrite{"e1", "demo", true}); got != want {
		t.Errorf("availability write = %+v, want %+v", got, want)
	}

	if len(sink.refreshes) != 1 {
		t.Fatalf("refresh writes = %d, want 1", len(sink.refreshes))
	}
	if got, want := sink.refreshes[0], (refreshWrite{"e1", "demo", 150 * time.Millisecond, false}); got != want {
		t.Errorf("refresh write = %+v, want %+v", got, want)
	}
}

func TestRecorderIgnoresOtherEvents(t *testing.T) {
	bus := events.NewBus()
	sink := &fakeSink{}
	rec := New(sink, bus, nil)
	defer rec.Close()

	bus.Publish(events.ReauthRequired{EntryID: "e1", Domain: "demo", At: time.Now()})
	bus.Publish(events.EntryRemoved{EntryID: "e1", Domain: "demo", At: time.Now()})

	if n := len(sink.states) + len(sink.avails) + len(sink.refreshes); n != 0 {
		t.Errorf("writes = %d, want 0", n)
	}
}

func TestCloseDetachesAndFlushes(t *testing.T) {
	bus := events.NewBus()
	sink := &fakeSink{}
	rec := New(sink, bus, nil)

	rec.Close()

	if sink.flushes != 1 {
		t.Errorf("flushes = %d, want 1", sink.flushes)
	}

	bus.Publish(events.EntryStateChanged{
		EntryID: "e1", Domain: "demo", From: "loaded", To: "not_loaded", At: time.Now(),
	})
	if len(sink.states) != 0 {
		t.Errorf("entry state writes after Close = %d, want 0", len(sink.states))
	}
}

func TestCloseNilRecorder(t *testing.T) {
	var rec *Recorder
	rec.Close() // must not panic
}

func TestWriteFailuresReachLogger(t *testing.T) {
	bus := events.NewBus()
	sink := &fakeSink{}
	logger := &recordingLogger{}
	rec := New(sink, bus, logger)
	defer rec.Close()

	if sink.onError == nil {
		t.Fatal("New() did not register an error callback on the sink")
	}
	sink.onError(errors.New("write exploded"))

	if len(logger.warns) != 1 || logger.warns[0] != "history write failed" {
		t.Errorf("warns = %v, want [history write failed]", logger.warns)
	}
}
