package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteEntryState records a lifecycle state transition for a config entry.
//
// Measurement: entry_state, tagged by entry, domain, and both ends of the
// transition. Line protocol requires at least one field, so each point
// carries count=1; queries aggregate on it.
func (c *Client) WriteEntryState(entryID, domain, from, to string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"entry_state",
		map[string]string{
			"entry_id": entryID,
			"domain":   domain,
			"from":     from,
			"to":       to,
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteAvailability records a device availability flip.
//
// Measurement: availability, tagged by entry and device name, with the new
// state as a boolean field.
func (c *Client) WriteAvailability(entryID, name string, available bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"availability",
		map[string]string{
			"entry_id": entryID,
			"name":     name,
		},
		map[string]interface{}{
			"available": available,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteRefresh records the outcome of one coordinator refresh cycle.
//
// Measurement: refresh, tagged by entry and coordinator name, with the
// fetch duration in milliseconds and whether it succeeded.
func (c *Client) WriteRefresh(entryID, name string, duration time.Duration, ok bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"refresh",
		map[string]string{
			"entry_id": entryID,
			"name":     name,
		},
		map[string]interface{}{
			"duration_ms": float64(duration.Milliseconds()),
			"ok":          ok,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
// Keep tags low-cardinality; fields carry the data.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point stamped with a caller-supplied
// time instead of now, for data that arrives after the fact.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
