// Package influxdb provides the InfluxDB v2 connection used by the recorder.
//
// It wraps influxdb-client-go with non-blocking batched writes and typed
// helpers for the three history measurements: entry state transitions,
// availability changes, and refresh outcomes.
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    // ErrDisabled when the recorder is not configured
//	}
//	defer client.Close()
//
//	client.WriteEntryState("entry-01", "demo", "setup_in_progress", "loaded")
//
// Writes are batched and asynchronous; failures surface through the
// SetOnError callback rather than a return value. All methods are safe for
// concurrent use.
package influxdb
