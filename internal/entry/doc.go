// Package entry implements the config entry lifecycle for Hearth Core.
//
// A config entry is one configured instance of an integration (an MQTT
// sensor bank, a cloud account, a local bridge). The Manager owns every
// entry in the process and drives each one through a small state machine:
//
//	not_loaded        -> setup_in_progress
//	setup_in_progress -> loaded | setup_error | setup_retry | migration_error
//	setup_retry       -> setup_in_progress (after capped backoff)
//	loaded            -> unload_in_progress | setup_error (auth failure)
//	unload_in_progress-> not_loaded | failed_unload
//
// # Key Types
//
//   - ConfigEntry: one configured integration instance, persisted across
//     restarts, with runtime-only fields (runtime data, cleanup callbacks)
//   - Manager: serialises lifecycle operations per entry and maps setup
//     outcomes to states (retryable, auth, fatal)
//   - Store: SQLite persistence; in-progress states are never written
//   - State: lifecycle state enum with recoverability rules
//
// # Usage
//
//	store := entry.NewSQLiteStore(db)
//	mgr := entry.NewManager(entry.Options{
//	    Store:        store,
//	    Integrations: registry,
//	    Scheduler:    sched,
//	    Pool:         pool,
//	    Bus:          bus,
//	    Logger:       log,
//	})
//	if err := mgr.Load(ctx); err != nil {
//	    return err
//	}
//	if err := mgr.SetupAll(ctx); err != nil {
//	    return err
//	}
//
// # Failure Handling
//
// Setup outcomes are classified through the integration error taxonomy:
// a retryable failure schedules another attempt (5s base, doubling per
// attempt, capped at 80s, with sub-second jitter), an auth failure parks
// the entry in setup_error and publishes a reauth request exactly once,
// and anything else is setup_error until the operator fixes or removes
// the entry. Unload failures leave failed_unload, a terminal state that
// requires operator intervention; no automatic recovery is attempted.
//
// Thread Safety:
//   - Manager and ConfigEntry methods are safe for concurrent use.
//   - Operations on the same entry are serialised; operations on
//     different entries run concurrently.
package entry
