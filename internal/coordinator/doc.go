// Package coordinator implements shared polling of external data sources.
//
// A Coordinator sits between one integration's fetch function and every
// consumer of the fetched data. Consumers subscribe for payload-free
// change notifications and read the cached snapshot back pull-style via
// Data; entities never talk to the source directly.
//
// # Refresh Discipline
//
//   - Single flight: refresh requests made while a fetch is running join
//     its outcome instead of starting another. Exactly one fetch executes
//     no matter how many callers ask.
//   - Interval from completion: the next scheduled refresh is armed when
//     the current one finishes, never from its start, so a slow source
//     cannot stack overlapping polls.
//   - Failures keep data: a failed refresh records the error and counts
//     the failure but never clears the last good snapshot.
//   - Edge-triggered availability: AvailabilityChanged is published once
//     per crossing between healthy and failing, not once per poll.
//     RefreshCompleted is published for every refresh.
//
// # Usage
//
//	c := coordinator.New(coordinator.Options{
//	    Name:           "weather",
//	    EntryID:        ent.ID(),
//	    Fetch:          client.Observations,
//	    UpdateInterval: 30 * time.Second,
//	    Scheduler:      sched,
//	    Pool:           pool,
//	    Bus:            bus,
//	    OnAuthFailure:  mgr.NotifyAuthFailure,
//	})
//	if err := c.RefreshDuringSetup(ctx); err != nil {
//	    return err
//	}
//	ent.OnUnload(c.Subscribe(entity.markDirty))
//
// During entry unload, Shutdown cancels the scheduled refresh and waits
// for any in-flight one, so no refresh outlives its entry.
package coordinator
