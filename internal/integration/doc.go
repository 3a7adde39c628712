// Package integration defines the contract between the lifecycle core and
// pluggable integrations.
//
// An integration is one driver for a kind of device or service ("demo",
// "mqtt_sensor", ...). The core never inspects integration identity; it
// only calls through the Integration interface and interprets the typed
// errors defined here:
//
//   - RetryableError: the backing device/service is temporarily unreachable.
//     Setup is retried with backoff; a fetch keeps the last good snapshot.
//   - AuthError: credentials are invalid. Retries halt and the entry is
//     flagged for reauthentication.
//   - FatalError: the configuration cannot work without user changes.
//     Retries halt and the entry surfaces the error for removal or edit.
//
// A timeout (context.DeadlineExceeded) is treated as retryable everywhere.
//
// Optional capabilities are discovered with type assertions: Identifier
// resolves a stable unique id from connection data (enables duplicate
// detection and reauth identity checks), Migrator upgrades stored entry
// data between schema versions, and RemovalConfirmer approves deletion of
// device records that may still exist upstream.
//
// Integrations receive the collaborators they need (registry binder,
// coordinator wiring, MQTT client) through their own constructors at
// registration time; the core hands them only the Entry view.
package integration
