// Package recorder streams lifecycle history from the event bus into
// InfluxDB.
//
// It subscribes to the bus and turns state transitions, availability flips,
// and refresh outcomes into measurement points. Writes go through the
// influxdb client's batched non-blocking API, so handling an event never
// blocks the publisher. When InfluxDB is disabled the recorder is simply
// not constructed; Close is safe on a nil receiver so shutdown paths need
// not care.
package recorder

import (
	"time"

	"github.com/hearthstack/hearth-core/internal/events"
)

// Logger is the subset of the application logger the recorder uses.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Sink is the subset of the InfluxDB client the recorder writes through.
type Sink interface {
	WriteEntryState(entryID, domain, from, to string)
	WriteAvailability(entryID, name string, available bool)
	WriteRefresh(entryID, name string, duration time.Duration, ok bool)
	SetOnError(callback func(err error))
	Flush()
}

// Recorder forwards bus events to the sink until Close.
type Recorder struct {
	sink        Sink
	unsubscribe func()
}

// New subscribes the recorder to the bus and routes the sink's async write
// failures to logger.
func New(sink Sink, bus *events.Bus, logger Logger) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}

	sink.SetOnError(func(err error) {
		logger.Warn("history write failed", "error", err)
	})

	r := &Recorder{sink: sink}
	r.unsubscribe = bus.Subscribe(r.handle)
	return r
}

func (r *Recorder) handle(ev events.Event) {
	switch e := ev.(type) {
	case events.EntryStateChanged:
		r.sink.WriteEntryState(e.EntryID, e.Domain, e.From, e.To)

	case events.AvailabilityChanged:
		r.sink.WriteAvailability(e.EntryID, e.Name, e.Available)

	case events.RefreshCompleted:
		r.sink.WriteRefresh(e.EntryID, e.Name, e.Duration, e.OK)
	}
}

// Close detaches the recorder from the bus and flushes buffered points so
// the tail of the history survives shutdown. Safe on a nil receiver.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.sink.Flush()
}
