// Package registry tracks the devices and services integrations expose,
// keyed by the stable unique id each device reports.
//
// Records are persisted in SQLite and survive restarts and entry
// reloads. The Binder layers the live side on top: which entry owns
// each record, whether that entry is loaded, and what the entry's
// coordinator currently sees. Availability is the conjunction of all
// three, evaluated fresh on every call.
//
// Removal is deliberately conservative. A record can be deleted while
// its entry exists only when the integration confirms the device is
// gone upstream; unreachable is not gone. Records of a removed entry
// are swept automatically.
package registry
